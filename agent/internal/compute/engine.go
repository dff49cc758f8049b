package compute

import (
	"sync"
	"time"

	"github.com/obsidianstack/relay/agent/internal/scraper"
	"github.com/obsidianstack/relay/pkg/types"
)

// uptimeWindow is the number of recent scrape outcomes tracked for uptime %.
const uptimeWindow = 20

// Names of the synthetic per-source samples.
const (
	MetricScrapeUp  = types.MetricScrapeUp
	MetricUptimePct = types.MetricUptimePct
)

// Engine derives counter rates across scrape cycles.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	states map[string]*sourceState
}

// NewEngine returns a ready-to-use Engine.
func NewEngine() *Engine {
	return &Engine{states: make(map[string]*sourceState)}
}

// Process returns the samples of res enriched with rates, followed by the
// synthetic up and uptime gauges. The returned samples may be handed to a
// swap buffer as-is.
func (e *Engine) Process(res *scraper.ScrapeResult, now time.Time) []types.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateFor(res.SourceID)
	success := res.Err == nil
	st.recordScrape(success)

	var out []types.Sample
	if success {
		out = make([]types.Sample, 0, len(res.Samples)+2)
		next := make(map[string]baseline, len(st.counters))

		for _, s := range res.Samples {
			if s.Kind == types.KindCounter {
				key := s.Key()
				if prev, ok := st.counters[key]; ok {
					elapsed := now.Sub(prev.at).Minutes()
					if elapsed > 0 {
						s.RatePM = deltaOf(s.Value, prev.value) / elapsed
						s.HasRate = true
					}
				}
				next[key] = baseline{value: s.Value, at: now}
			}
			out = append(out, s)
		}
		// Series missing from this scrape lose their baseline.
		st.counters = next
	}

	up := 0.0
	if success {
		up = 1
	}
	out = append(out,
		types.Sample{Source: res.SourceID, Name: MetricScrapeUp, Kind: types.KindGauge, Value: up, Timestamp: now},
		types.Sample{Source: res.SourceID, Name: MetricUptimePct, Kind: types.KindGauge, Value: st.uptimePct(), Timestamp: now},
	)
	return out
}

// Forget drops all state kept for sourceID.
func (e *Engine) Forget(sourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, sourceID)
}

type baseline struct {
	value float64
	at    time.Time
}

// sourceState holds per-source counter baselines and uptime history.
type sourceState struct {
	counters map[string]baseline
	history  []bool // scrape outcomes, newest last
}

func (e *Engine) stateFor(id string) *sourceState {
	if st, ok := e.states[id]; ok {
		return st
	}
	st := &sourceState{counters: make(map[string]baseline)}
	e.states[id] = st
	return st
}

func (st *sourceState) recordScrape(success bool) {
	if len(st.history) >= uptimeWindow {
		st.history = st.history[1:]
	}
	st.history = append(st.history, success)
}

func (st *sourceState) uptimePct() float64 {
	if len(st.history) == 0 {
		return 100
	}
	var ok int
	for _, s := range st.history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(st.history)) * 100
}

// deltaOf returns the positive counter delta between current and previous.
// If current < previous (counter reset after restart), returns 0.
func deltaOf(current, previous float64) float64 {
	d := current - previous
	if d < 0 {
		return 0
	}
	return d
}
