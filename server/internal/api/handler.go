package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/obsidianstack/relay/server/internal/alerts"
	"github.com/obsidianstack/relay/server/internal/store"
)

// AlertSource lists the currently relevant alerts.
type AlertSource interface {
	Active() []*alerts.Alert
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads series state from the store and returns JSON responses.
type Handler struct {
	store  *store.Store
	alerts AlertSource
	mux    *http.ServeMux
}

// New creates a Handler wired to the given store and registers all routes.
// alerts may be nil, in which case /api/v1/alerts returns an empty list.
func New(st *store.Store, alerts AlertSource) http.Handler {
	h := &Handler{store: st, alerts: alerts, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/series", h.listSeries)
	h.mux.HandleFunc("/api/v1/series/", h.getSeries) // subtree — extracts {key}
	h.mux.HandleFunc("/api/v1/sources", h.sources)
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health — per-state source counts and overall state.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries := h.store.List()
	byHealth := collectHealth(entries)
	resp := HealthResponse{
		SourceCount: len(byHealth),
		SeriesCount: len(entries),
		AlertCount:  len(h.activeAlerts()),
	}

	var uptimeSum float64
	var uptimeN int
	for _, sh := range byHealth {
		switch sh.state() {
		case StateHealthy:
			resp.HealthyCount++
		case StateDegraded:
			resp.DegradedCount++
		case StateDown:
			resp.DownCount++
		default:
			resp.UnknownCount++
		}
		if sh.uptimePct != nil {
			uptimeSum += *sh.uptimePct
			uptimeN++
		}
	}
	if uptimeN > 0 {
		resp.AvgUptimePct = model.SampleValue(uptimeSum / float64(uptimeN))
	}

	resp.State = overallState(resp)
	jsonResp(w, http.StatusOK, resp)
}

// listSeries returns GET /api/v1/series — all live series, optionally
// filtered by ?source= and ?name=.
func (h *Handler) listSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	source := r.URL.Query().Get("source")
	name := r.URL.Query().Get("name")

	entries := h.store.List()
	out := make([]SeriesResponse, 0, len(entries))
	for _, e := range entries {
		if source != "" && e.Sample.Source != source {
			continue
		}
		if name != "" && e.Sample.Name != name {
			continue
		}
		out = append(out, toSeriesResponse(e))
	}
	jsonResp(w, http.StatusOK, out)
}

// getSeries returns GET /api/v1/series/{key} — a single live series. The key
// must be path-escaped by the client.
func (h *Handler) getSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/v1/series/")
	if key == "" {
		// Redirect bare /api/v1/series/ to list handler.
		h.listSeries(w, r)
		return
	}

	e, ok := h.store.Get(key)
	if !ok {
		jsonErr(w, http.StatusNotFound, "series not found")
		return
	}
	// Exclude stale entries — treat them as not found.
	if time.Since(e.UpdatedAt) > h.store.TTL() {
		jsonErr(w, http.StatusNotFound, "series not found")
		return
	}

	jsonResp(w, http.StatusOK, toSeriesResponse(e))
}

// sources returns GET /api/v1/sources — one summary per live source.
func (h *Handler) sources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	byHealth := collectHealth(h.store.List())
	sums := h.store.Sources()
	out := make([]SourceResponse, 0, len(sums))
	for _, s := range sums {
		sh := byHealth[s.Source]
		resp := SourceResponse{
			Source:   s.Source,
			AgentID:  s.AgentID,
			State:    sh.state(),
			Series:   s.Series,
			LastSeen: s.LastUpdate.UTC().Format(time.RFC3339),
		}
		if sh != nil && sh.uptimePct != nil {
			v := model.SampleValue(*sh.uptimePct)
			resp.UptimePct = &v
		}
		out = append(out, resp)
	}
	jsonResp(w, http.StatusOK, out)
}

// listAlerts returns GET /api/v1/alerts — firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.activeAlerts())
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) activeAlerts() []*alerts.Alert {
	if h.alerts == nil {
		return []*alerts.Alert{}
	}
	return h.alerts.Active()
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func toSeriesResponse(e *store.Entry) SeriesResponse {
	s := e.Sample
	resp := SeriesResponse{
		Key:      e.Key,
		AgentID:  e.AgentID,
		Source:   s.Source,
		Name:     s.Name,
		Labels:   s.Labels,
		Kind:     s.Kind,
		Value:    model.SampleValue(s.Value),
		LastSeen: e.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if s.HasRate {
		rate := model.SampleValue(s.RatePM)
		resp.RatePM = &rate
	}
	return resp
}
