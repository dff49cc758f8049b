// Package compute enriches scraped samples before they are written to the
// swap buffer.
//
// Engine keeps, per source, the previous value of every counter series and
// fills Sample.RatePM with the per-minute increase since that baseline. A
// counter that went backwards (process restart) yields a rate of 0. Gauges
// and untyped samples pass through unchanged.
//
// Every call also appends two synthetic gauges for the source:
// relay_scrape_up (1 or 0) and relay_source_uptime_pct over the last
// uptimeWindow scrapes. A failed scrape produces only these two samples and
// leaves the counter baselines untouched.
//
// Process takes the clock as an argument so tests are deterministic.
package compute
