package api

import "github.com/prometheus/common/model"

// Float fields use model.SampleValue, which encodes as a quoted string so
// non-finite values stay representable.

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State         string            `json:"state"`
	SourceCount   int               `json:"source_count"`
	SeriesCount   int               `json:"series_count"`
	HealthyCount  int               `json:"healthy_count"`
	DegradedCount int               `json:"degraded_count"`
	DownCount     int               `json:"down_count"`
	UnknownCount  int               `json:"unknown_count"`
	AvgUptimePct  model.SampleValue `json:"avg_uptime_pct"`
	AlertCount    int               `json:"alert_count"`
}

// SeriesResponse is one series in GET /api/v1/series or
// GET /api/v1/series/{key}.
type SeriesResponse struct {
	Key      string             `json:"key"`
	AgentID  string             `json:"agent_id"`
	Source   string             `json:"source"`
	Name     string             `json:"name"`
	Labels   map[string]string  `json:"labels,omitempty"`
	Kind     string             `json:"kind"`
	Value    model.SampleValue  `json:"value"`
	RatePM   *model.SampleValue `json:"rate_pm,omitempty"` // nil until a counter has two scrapes
	LastSeen string             `json:"last_seen"`         // RFC3339
}

// SourceResponse is one source in GET /api/v1/sources.
type SourceResponse struct {
	Source    string             `json:"source"`
	AgentID   string             `json:"agent_id"`
	State     string             `json:"state"`
	Series    int                `json:"series"`
	UptimePct *model.SampleValue `json:"uptime_pct,omitempty"`
	LastSeen  string             `json:"last_seen"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
