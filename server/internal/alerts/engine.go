package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/obsidianstack/relay/pkg/types"
	"github.com/obsidianstack/relay/server/internal/config"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string            `json:"id"`
	RuleName   string            `json:"rule_name"`
	SeriesKey  string            `json:"series_key"`
	Source     string            `json:"source"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	Value      model.SampleValue `json:"value"` // quoted string; may be NaN or ±Inf
	FiredAt    time.Time         `json:"fired_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	State      string            `json:"state"` // "firing" | "resolved"
}

type rule struct {
	config.AlertRule
	cond condition
}

// Engine evaluates alert rules against incoming samples and delivers webhook
// notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig

	mu       sync.Mutex
	active   map[string]*Alert    // key: "ruleName:seriesKey"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts
	client   *http.Client
	now      func() time.Time
	wg       sync.WaitGroup // in-flight deliveries
}

// New creates an Engine from the server alert configuration.
// Rules with an unparseable condition are logged and skipped.
// An Engine with no rules is valid — Evaluate becomes a no-op.
func New(cfg config.AlertsConfig) *Engine {
	e := &Engine{
		webhooks: cfg.Webhooks,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	for _, r := range cfg.Rules {
		c, err := parseCondition(r.Condition)
		if err != nil {
			slog.Error("alerts: skipping rule", "rule", r.Name, "err", err)
			continue
		}
		e.rules = append(e.rules, rule{AlertRule: r, cond: c})
	}
	return e
}

// Evaluate tests all configured rules against samples.
// Alerts that fire are stored and webhook delivery is triggered asynchronously.
// Alerts that were firing but whose condition is now false are resolved.
func (e *Engine) Evaluate(samples []types.Sample) {
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	var outbox []Alert

	e.mu.Lock()
	for _, r := range e.rules {
		for _, s := range samples {
			applies, fires, value := r.cond.eval(s)
			if !applies {
				continue
			}
			if a, ok := e.transition(r, s, fires, value, now); ok {
				outbox = append(outbox, a)
			}
		}
	}
	e.mu.Unlock()

	for i := range outbox {
		a := outbox[i]
		if a.State == "firing" {
			slog.Warn("alert fired",
				"rule", a.RuleName,
				"series", a.SeriesKey,
				"value", a.Value,
				"severity", a.Severity,
			)
		} else {
			slog.Info("alert resolved", "rule", a.RuleName, "series", a.SeriesKey)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.deliver(&a)
		}()
	}
}

// transition applies one evaluation to the alert state. It returns a copy of
// the alert to deliver when the state changed. Callers hold e.mu.
func (e *Engine) transition(r rule, s types.Sample, fires bool, value float64, now time.Time) (Alert, bool) {
	seriesKey := s.Key()
	key := r.Name + ":" + seriesKey

	if !fires {
		a, ok := e.active[key]
		if !ok {
			return Alert{}, false
		}
		resolved := now
		a.State = "resolved"
		a.ResolvedAt = &resolved
		delete(e.active, key)

		e.history = append(e.history, a)
		if len(e.history) > maxHistoryLen {
			e.history = e.history[len(e.history)-maxHistoryLen:]
		}
		return *a, true
	}

	if _, firing := e.active[key]; firing {
		return Alert{}, false
	}
	cooldown := r.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if last, ok := e.lastFire[key]; ok && now.Sub(last) <= cooldown {
		return Alert{}, false
	}

	sev := r.Severity
	if sev == "" {
		sev = "warning"
	}
	a := &Alert{
		ID:        fmt.Sprintf("%s:%s:%d", r.Name, seriesKey, now.UnixNano()),
		RuleName:  r.Name,
		SeriesKey: seriesKey,
		Source:    s.Source,
		Severity:  sev,
		Value:     model.SampleValue(value),
		Message: fmt.Sprintf("[%s] %s fired on %s — %s = %.2f",
			sev, r.Name, seriesKey, r.Condition, value),
		FiredAt: now,
		State:   "firing",
	}
	e.active[key] = a
	e.lastFire[key] = now
	return *a, true
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// FiringCount returns the number of currently firing alerts.
func (e *Engine) FiringCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Wait blocks until all in-flight webhook deliveries have finished.
func (e *Engine) Wait() { e.wg.Wait() }
