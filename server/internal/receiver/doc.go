// Package receiver implements ingest.Server — the gRPC endpoint that accepts
// batches from relay-agent instances.
//
// Receiver.Send rejects batches failing Batch.Validate with
// codes.InvalidArgument; the agent discards them without retrying. Accepted
// batches are written to the series store, recorded in the ws hub's change
// buffer and evaluated by the alerts engine, then acknowledged with their ID.
//
// Authentication is enforced upstream by the gRPC server interceptor (see
// package auth), so the receiver itself only performs structural validation.
package receiver
