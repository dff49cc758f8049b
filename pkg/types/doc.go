// Package types defines the wire types shared by the agent and the server.
//
// Sample is one scraped series value; its Key is the series identity used to
// collapse repeated writes inside a swap buffer window. Batch and Ack are the
// request and response of the gRPC ingest service (see package ingest),
// JSON-encoded. Sample values are encoded as quoted strings so NaN and ±Inf,
// legal in the Prometheus exposition format, survive the trip.
package types
