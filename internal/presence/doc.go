// Package presence mirrors participant presence into Redis so processes
// outside the session (dashboards, other gateways) can see who is live in
// a session and where their cursors are.
package presence
