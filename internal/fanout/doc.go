// Package fanout delivers one frame to many peers in parallel with a
// per-peer timeout and reports which peers took it.
package fanout
