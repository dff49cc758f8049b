package api

import (
	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/store"
)

// Source states reported by the API.
const (
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateDown     = "down"
	StateUnknown  = "unknown"
	StateCritical = "critical" // overall only: at least one source is down
)

// degradedUptimePct is the uptime below which a reachable source is degraded.
const degradedUptimePct = 90.0

// sourceHealth is the health-relevant view of one source's synthetic samples.
type sourceHealth struct {
	up        *float64
	uptimePct *float64
}

// collectHealth indexes the synthetic up/uptime samples by source.
func collectHealth(entries []*store.Entry) map[string]*sourceHealth {
	out := make(map[string]*sourceHealth)
	for _, e := range entries {
		s := e.Sample
		sh, ok := out[s.Source]
		if !ok {
			sh = &sourceHealth{}
			out[s.Source] = sh
		}
		v := s.Value
		switch s.Name {
		case types.MetricScrapeUp:
			sh.up = &v
		case types.MetricUptimePct:
			sh.uptimePct = &v
		}
	}
	return out
}

// state derives a source state from its last scrape outcome and uptime.
func (sh *sourceHealth) state() string {
	switch {
	case sh == nil || sh.up == nil:
		return StateUnknown
	case *sh.up < 1:
		return StateDown
	case sh.uptimePct != nil && *sh.uptimePct < degradedUptimePct:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// overallState folds per-source counts into one state.
func overallState(r HealthResponse) string {
	switch {
	case r.SourceCount == 0:
		return StateUnknown
	case r.DownCount > 0:
		return StateCritical
	case r.DegradedCount > 0:
		return StateDegraded
	case r.HealthyCount > 0:
		return StateHealthy
	default:
		return StateUnknown
	}
}
