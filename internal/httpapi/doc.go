// Package httpapi is the local HTTP surface for the render layer: read
// access to session state, local mutations, and a WebSocket stream of
// session events.
package httpapi
