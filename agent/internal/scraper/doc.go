// Package scraper fetches Prometheus text expositions from configured sources
// and flattens them into types.Sample values.
//
// Every source type shares one implementation; the type only selects which
// metric families are relayed:
//
//	otelcol    → otelcol_*
//	prometheus → prometheus_*
//	loki       → loki_*
//	fluentbit  → fluentbit_*
//	http       → everything
//
// Counters, gauges and untyped metrics become one sample each. Summaries and
// histograms are reduced to their _sum and _count series.
//
// HTTP clients are built once per source and carry the source's auth
// (apikey, bearer, basic, mTLS) and TLS options.
package scraper
