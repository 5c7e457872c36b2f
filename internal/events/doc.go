// Package events is the typed event surface the render layer consumes.
// Events are published per session on an in-process watermill GoChannel.
package events
