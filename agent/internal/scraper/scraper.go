package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/obsidianstack/relay/agent/internal/config"
	"github.com/obsidianstack/relay/pkg/types"
)

// ScrapeResult is the output of one scrape cycle for a single source.
type ScrapeResult struct {
	SourceID   string
	SourceType string
	ScrapedAt  time.Time
	Samples    []types.Sample

	// Err is non-nil if the scrape itself failed (connectivity, auth, parse).
	Err error
}

// Scraper is implemented by every source scraper.
type Scraper interface {
	Scrape(ctx context.Context) (*ScrapeResult, error)
}

type expositionScraper struct {
	src    config.Source
	prefix string
	client *http.Client
	now    func() time.Time
}

// New returns the Scraper for the given source configuration.
// It builds the HTTP client once and reuses it across scrape calls.
func New(src config.Source) (Scraper, error) {
	prefix, ok := familyPrefix[src.Type]
	if !ok {
		return nil, fmt.Errorf("scraper: unsupported type %q", src.Type)
	}
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("scraper %q: build http client: %w", src.ID, err)
	}
	return &expositionScraper{src: src, prefix: prefix, client: client, now: time.Now}, nil
}

// Scrape fetches the source's exposition and returns one sample per relayed
// series. Fetch and parse failures are reported in ScrapeResult.Err; the
// returned error is reserved for cancellation.
func (s *expositionScraper) Scrape(ctx context.Context) (*ScrapeResult, error) {
	res := &ScrapeResult{
		SourceID:   s.src.ID,
		SourceType: s.src.Type,
		ScrapedAt:  s.now().UTC(),
	}

	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Err = fmt.Errorf("scrape %q: %w", s.src.ID, err)
		slog.Warn("scraper: fetch failed", "source", s.src.ID, "err", err)
		return res, nil
	}

	names := make([]string, 0, len(mfs))
	for name := range mfs {
		if strings.HasPrefix(name, s.prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		res.Samples = append(res.Samples, flatten(s.src.ID, mfs[name], res.ScrapedAt)...)
	}
	return res, nil
}

// flatten turns one metric family into samples.
func flatten(source string, mf *dto.MetricFamily, ts time.Time) []types.Sample {
	name := mf.GetName()
	out := make([]types.Sample, 0, len(mf.GetMetric()))

	for _, m := range mf.GetMetric() {
		labels := labelMap(m.GetLabel())
		at := ts
		if m.TimestampMs != nil {
			at = time.UnixMilli(m.GetTimestampMs()).UTC()
		}
		add := func(n, kind string, v float64) {
			out = append(out, types.Sample{
				Source:    source,
				Name:      n,
				Labels:    labels,
				Kind:      kind,
				Value:     v,
				Timestamp: at,
			})
		}

		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			add(name, types.KindCounter, m.GetCounter().GetValue())
		case dto.MetricType_GAUGE:
			add(name, types.KindGauge, m.GetGauge().GetValue())
		case dto.MetricType_UNTYPED:
			add(name, types.KindUntyped, m.GetUntyped().GetValue())
		case dto.MetricType_SUMMARY:
			add(name+"_sum", types.KindCounter, m.GetSummary().GetSampleSum())
			add(name+"_count", types.KindCounter, float64(m.GetSummary().GetSampleCount()))
		case dto.MetricType_HISTOGRAM:
			add(name+"_sum", types.KindCounter, m.GetHistogram().GetSampleSum())
			add(name+"_count", types.KindCounter, float64(m.GetHistogram().GetSampleCount()))
		case dto.MetricType_GAUGE_HISTOGRAM:
			add(name+"_gsum", types.KindGauge, m.GetHistogram().GetSampleSum())
			add(name+"_gcount", types.KindGauge, float64(m.GetHistogram().GetSampleCount()))
		}
	}
	return out
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, lp := range pairs {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}
