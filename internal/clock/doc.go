// Package clock provides the vector clock used to order collaborative
// updates causally. Each participant owns one counter; comparing two clocks
// tells whether one update happened before another or whether they are
// concurrent and therefore candidates for conflict detection.
package clock
