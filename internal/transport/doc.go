// Package transport defines the peer-to-peer delivery channel the session
// coordinator runs over. Delivery is best-effort and at most once per
// Send; frames on one peer's channel arrive in order, with no ordering
// across peers.
//
// Implementations live in subpackages: memory for in-process sessions and
// tests, grpcpeer for bidirectional gRPC streams between processes.
package transport
