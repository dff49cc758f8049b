package types

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

// Metric kinds carried in Sample.Kind.
const (
	KindCounter = "counter"
	KindGauge   = "gauge"
	KindUntyped = "untyped"
)

// Synthetic per-source samples the agent adds to every scrape.
const (
	MetricScrapeUp  = "relay_scrape_up"         // 1 if the last scrape succeeded
	MetricUptimePct = "relay_source_uptime_pct" // share of recent scrapes that succeeded
)

// Sample is the latest observed value of one series from one source.
//
// Value and RatePM are encoded as quoted strings in JSON, the way the
// Prometheus HTTP API does, so NaN and ±Inf survive the wire.
type Sample struct {
	Source    string            `json:"source"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Kind      string            `json:"kind"`
	Value     float64           `json:"value"`
	RatePM    float64           `json:"rate_pm,omitempty"` // per-minute rate, counters only
	HasRate   bool              `json:"has_rate,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Key returns the series identity: source/name{k="v",...} with labels sorted
// by name. Two samples with equal keys describe the same series.
func (s Sample) Key() string {
	var b strings.Builder
	b.WriteString(s.Source)
	b.WriteByte('/')
	b.WriteString(s.Name)
	if len(s.Labels) == 0 {
		return b.String()
	}

	names := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		names = append(names, k)
	}
	sort.Strings(names)

	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(s.Labels[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Clone returns a copy of s that shares no maps with it.
func (s Sample) Clone() Sample {
	out := s
	if s.Labels != nil {
		out.Labels = make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// sampleAlias drops Sample's methods so the JSON codecs below can embed it
// without recursing.
type sampleAlias Sample

type sampleJSON struct {
	sampleAlias
	Value  model.SampleValue `json:"value"`
	RatePM model.SampleValue `json:"rate_pm,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleJSON{
		sampleAlias: sampleAlias(s),
		Value:       model.SampleValue(s.Value),
		RatePM:      model.SampleValue(s.RatePM),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var aux sampleJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Sample(aux.sampleAlias)
	s.Value = float64(aux.Value)
	s.RatePM = float64(aux.RatePM)
	return nil
}
