package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/relay/agent/internal/compute"
	"github.com/obsidianstack/relay/agent/internal/scraper"
	"github.com/obsidianstack/relay/pkg/swapbuf"
	"github.com/obsidianstack/relay/pkg/types"
)

// Collector scrapes one source and writes its samples to a swap buffer.
type Collector struct {
	sourceID string
	scraper  scraper.Scraper
	engine   *compute.Engine
	buf      *swapbuf.SwapBuffer[types.Sample]
	interval time.Duration
	now      func() time.Time
}

// New returns a Collector for sourceID that scrapes every interval.
func New(sourceID string, s scraper.Scraper, engine *compute.Engine, buf *swapbuf.SwapBuffer[types.Sample], interval time.Duration) *Collector {
	return &Collector{
		sourceID: sourceID,
		scraper:  s,
		engine:   engine,
		buf:      buf,
		interval: interval,
		now:      time.Now,
	}
}

// Run scrapes immediately and then on every tick until ctx is cancelled.
// It returns nil on cancellation and a wrapped swapbuf.ErrPoisoned if the
// buffer can no longer be written.
func (c *Collector) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		if err := c.collect(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// collect performs one scrape → compute → save cycle.
func (c *Collector) collect(ctx context.Context) error {
	res, err := c.scraper.Scrape(ctx)
	if err != nil {
		// Scrapers only return an error when ctx is done.
		slog.Debug("collector: scrape aborted", "source", c.sourceID, "err", err)
		return nil
	}

	samples := c.engine.Process(res, c.now())
	entries := make([]swapbuf.Entry[types.Sample], 0, len(samples))
	for _, s := range samples {
		entries = append(entries, swapbuf.NewEntry(s.Key(), s))
	}

	if err := c.buf.Save(entries...); err != nil {
		return fmt.Errorf("collector %q: save: %w", c.sourceID, err)
	}
	slog.Debug("collector: saved samples", "source", c.sourceID, "count", len(entries))
	return nil
}

// Run starts every collector and blocks until ctx is cancelled or one of
// them fails. The first failure cancels the others and is returned.
func Run(ctx context.Context, collectors []*Collector) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, c := range collectors {
		wg.Add(1)
		go func(c *Collector) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(c)
	}
	wg.Wait()
	return firstErr
}
