// Package collector runs the write side of the agent's swap buffer.
//
// One Collector per configured source scrapes on its own ticker, enriches the
// result through compute.Engine and saves every sample into the shared
// swapbuf.SwapBuffer keyed by its series key. All collectors write into the
// same buffer concurrently; the shipper is the only reader.
//
// A Save error means the buffer is poisoned. The collector stops and reports
// the error; Run cancels the remaining collectors and returns it.
package collector
