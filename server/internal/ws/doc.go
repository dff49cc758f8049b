// Package ws implements the change stream for relay-server's UI clients.
//
// The receiver records every ingested sample with Hub.Record. Records land in
// a swap buffer keyed by series, so a series updated several times within one
// interval is sent once with its latest value. Every interval Hub.Run drains
// the buffer and broadcasts the window to all connected clients.
//
// Message formats sent to clients:
//
//	{"event": "snapshot", "generated_at": "...", "data": [ /* store entries */ ]}
//	{"event": "changes",  "generated_at": "...", "data": [ /* samples */ ]}
//
// A snapshot of the whole store is sent once on connect; changes follow.
// Sample values are quoted strings, so "NaN" and "+Inf" may appear.
// Slow clients whose send queue fills up are disconnected, and clients that
// connect after Run has returned are closed with a going-away frame.
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/stream by the server.
package ws
