// Package auth provides API key authentication for both of relay-server's
// listeners.
//
// APIKeyInterceptor guards the gRPC ingest service: the key is read from the
// incoming metadata and a missing or wrong key fails the call with
// codes.Unauthenticated. Middleware guards the HTTP surface (REST API and UI
// stream): a missing or wrong key is answered with 401 and a JSON error body
// before next is called, so WebSocket upgrades are refused at the handshake.
//
// In both, mode != "apikey" or key == "" lets everything through, which is
// useful for local development with auth disabled. Keys are compared in
// constant time.
package auth
