// Package session implements the Coordinator, the single owner of one
// collaborative session's state.
//
// Every state change runs on the coordinator's own goroutine: public
// methods and transport callbacks queue closures onto it, so the vector
// clock, update log, participant registry and conflict resolver are never
// touched concurrently. Sends are started on that goroutine and their
// completion is observed asynchronously, so no operation waits on a peer
// except JoinSession and LeaveSession.
package session
