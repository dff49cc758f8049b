// Package shipper is the read side of the agent's swap buffer.
//
// Every ship_interval Run drains the buffer with Read and merges the window
// into a pending set keyed by series. The pending set is sent to the server
// as one types.Batch over the gRPC ingest service and cleared once the server
// acknowledges it. While the server is unreachable windows keep being drained
// and merged, newer samples replacing older ones, so memory stays bounded by
// the number of distinct series rather than by the length of the outage.
//
// Transient errors (unavailable, deadline exceeded) keep the pending set and
// delay the next attempt by a truncated exponential backoff (1s→60s, ±25%
// jitter). Permanent errors (invalid argument, unauthenticated, permission
// denied) and acks with Accepted == false drop the batch; it is not retried.
//
// Auth: mtls dials with the configured client certificate; apikey appends the
// key to the outgoing metadata of every call.
//
// On shutdown Run drains the buffer one last time and tries a final send.
// It returns an error only when the buffer is poisoned.
//
// The dialFn field is injectable for testing.
package shipper
