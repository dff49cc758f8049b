// Package ingest defines the gRPC service agents ship batches over.
//
// The service has one unary method, Send, taking a types.Batch and returning
// a types.Ack. Messages are encoded as JSON under the "json" content subtype
// (application/grpc+json); the codec is registered with grpc-go when this
// package is imported, so both ends must import it.
package ingest
