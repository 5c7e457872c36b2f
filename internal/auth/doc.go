// Package auth turns signed tokens into the permission snapshot a
// participant carries when it joins a session.
package auth
