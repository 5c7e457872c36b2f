// Package participant tracks the identities collaborating in a session:
// presence (cursor and selection), online/away/offline status with
// last-seen times, and the permission snapshot supplied at join time.
//
// Participants are never removed when they go quiet. The heartbeat sweep
// only demotes their status so their history stays attributable.
package participant
