// Package backoff retries peer connections with capped exponential
// backoff. Each peer is tracked independently; running out of attempts
// moves that peer to the terminal failed state without affecting others.
package backoff
