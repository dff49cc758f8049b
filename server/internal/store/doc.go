// Package store holds the latest sample of every series shipped by the agents.
// It is a thread-safe in-memory map keyed by types.Sample.Key with TTL
// eviction; series that stop arriving disappear after one TTL.
package store
