// Package api implements the HTTP REST API for relay-server.
//
// New(store, alerts) returns an http.Handler that serves:
//
//	GET /api/v1/health        — overall state, per-state source counts
//	GET /api/v1/series        — all live series ([]SeriesResponse); ?source= and ?name= filter
//	GET /api/v1/series/{key}  — single series by path-escaped key; 404 if unknown or stale
//	GET /api/v1/sources       — one SourceResponse per live source
//	GET /api/v1/alerts        — firing and recently resolved alerts
//
// Source state comes from the agent's synthetic samples: down when the last
// scrape failed, degraded when recent uptime is under 90%, healthy otherwise,
// unknown when no up sample has arrived.
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for non-GET methods
//   - Read live entries from the store (stale entries excluded from lists)
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
