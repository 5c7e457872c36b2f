// Package analytics records engine counters (updates broadcast and
// received, conflict outcomes, reconnect attempts) and forwards them to
// external sinks. Forwarding is fire-and-forget: a failing or slow sink
// never affects the session that produced the metric.
package analytics
