// Package http provides the JSON API for usage telemetry and cost
// queries, plus the realtime dashboard stream.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/adapters/metrics"
	"github.com/voyagelab/apimeter/app"
	"github.com/voyagelab/apimeter/domain/cost"
	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

// Handler provides the telemetry API endpoints.
type Handler struct {
	recorder   *app.Recorder
	aggregator *app.Aggregator
	costs      *app.CostCalculator
	hub        *app.Hub
	clock      ports.Clock
	logger     zerolog.Logger
	metrics    *metrics.Collector
	upgrader   websocket.Upgrader
}

// Deps contains dependencies for the API handler.
type Deps struct {
	Recorder   *app.Recorder
	Aggregator *app.Aggregator
	Costs      *app.CostCalculator
	Hub        *app.Hub
	Clock      ports.Clock
	Logger     zerolog.Logger
	Metrics    *metrics.Collector // optional
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		recorder:   deps.Recorder,
		aggregator: deps.Aggregator,
		costs:      deps.Costs,
		hub:        deps.Hub,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the API router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(NewLoggingMiddleware(h.logger))
	if h.metrics != nil {
		r.Use(NewMetricsMiddleware(h.metrics))
	}

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/usage", h.GetUsage)
		r.Post("/usage", h.RecordUsage)
		r.Get("/usage/timeseries", h.GetTimeseries)
		r.Get("/usage/aggregate/daily", h.GetDaily)
		r.Get("/usage/aggregate/monthly", h.GetMonthly)
		r.Get("/usage/stats", h.GetStats)

		r.Get("/cost", h.GetCost)
		r.Post("/cost/config", h.UpdateCostConfig)

		r.Get("/stream", h.Stream)
	})

	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UsageResponse is the cumulative usage view.
type UsageResponse struct {
	Totals  usage.Totals  `json:"totals"`
	Events  []usage.Event `json:"events"` // most recent first
	SinceTs *time.Time    `json:"sinceTs,omitempty"`
}

// GetUsage returns per-kind cumulative totals and the most recent events.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 25)
	writeJSON(w, http.StatusOK, UsageResponse{
		Totals:  h.recorder.Totals(),
		Events:  h.recorder.Recent(limit),
		SinceTs: h.recorder.OldestTimestamp(),
	})
}

// RecordUsageRequest is an externally reported usage event. Calls that
// go through the governor are recorded automatically; this endpoint is
// for callers that meter their own requests.
type RecordUsageRequest struct {
	API        usage.Kind        `json:"api"`
	Action     string            `json:"action"`
	Status     usage.Status      `json:"status"`
	DurationMs *int64            `json:"durationMs,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// RecordUsage appends one externally reported event.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req RecordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	stored, err := h.recorder.Record(usage.Event{
		Kind:       req.API,
		Action:     req.Action,
		Status:     req.Status,
		DurationMs: req.DurationMs,
		Meta:       req.Meta,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// GetTimeseries returns bucketed counts over a time range. The range
// comes from since/until (RFC3339) or a trailing window in minutes;
// bucket defaults to auto.
func (h *Handler) GetTimeseries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	bucket := usage.Bucket(q.Get("bucket"))
	if bucket == "" {
		bucket = usage.BucketAuto
	}
	if !bucket.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown bucket, expected auto, minute, hour or day")
		return
	}

	var kinds []usage.Kind
	if apis := q.Get("apis"); apis != "" {
		for _, s := range strings.Split(apis, ",") {
			k := usage.Kind(strings.TrimSpace(s))
			if !k.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_request", "unknown api "+string(k))
				return
			}
			kinds = append(kinds, k)
		}
	}

	status := usage.Status(q.Get("status"))
	if status == "all" {
		status = ""
	}
	if status != "" && status != usage.StatusSuccess && status != usage.StatusError {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown status, expected all, success or error")
		return
	}

	start, end, err := h.parseRange(q.Get("since"), q.Get("until"), q.Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if end.IsZero() {
		end = h.clock.Now().UTC()
	}
	if bucket == usage.BucketAuto {
		bucket = usage.AutoBucket(end.Sub(start))
	}

	points := h.aggregator.Timeseries(start, end, bucket, kinds, status)
	writeJSON(w, http.StatusOK, map[string]any{"bucket": bucket, "points": points})
}

func (h *Handler) parseRange(since, until, window string) (time.Time, time.Time, error) {
	if since != "" {
		start, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid since, expected RFC3339")
		}
		var end time.Time
		if until != "" {
			end, err = time.Parse(time.RFC3339, until)
			if err != nil {
				return time.Time{}, time.Time{}, errors.New("invalid until, expected RFC3339")
			}
		}
		return start, end, nil
	}

	minutes := 60
	if window != "" {
		n, err := strconv.Atoi(window)
		if err != nil || n <= 0 {
			return time.Time{}, time.Time{}, errors.New("invalid window, expected positive minutes")
		}
		minutes = n
	}
	now := h.clock.Now().UTC()
	return now.Add(-time.Duration(minutes) * time.Minute), now, nil
}

// GetDaily returns per-day rollups for the trailing days.
func (h *Handler) GetDaily(w http.ResponseWriter, r *http.Request) {
	days := parseIntQuery(r, "days", 7)
	if days <= 0 || days > 366 {
		writeError(w, http.StatusBadRequest, "invalid_request", "days must be between 1 and 366")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": h.aggregator.Daily(days)})
}

// GetMonthly returns per-month rollups for the trailing months.
func (h *Handler) GetMonthly(w http.ResponseWriter, r *http.Request) {
	months := parseIntQuery(r, "months", 6)
	if months <= 0 || months > 48 {
		writeError(w, http.StatusBadRequest, "invalid_request", "months must be between 1 and 48")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"months": h.aggregator.Monthly(months)})
}

// StatsResponse is the per-kind latency view for a trailing window.
type StatsResponse struct {
	WindowMinutes int                              `json:"windowMinutes"`
	PerAPI        map[usage.Kind]usage.WindowStats `json:"perApi"`
}

// GetStats returns per-kind latency statistics for a trailing window.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	window := parseIntQuery(r, "window", app.DefaultStatsWindowMinutes)
	if window <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "window must be positive minutes")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		WindowMinutes: window,
		PerAPI:        h.aggregator.WindowStats(window),
	})
}

// GetCost returns the cost snapshot for a trailing window.
func (h *Handler) GetCost(w http.ResponseWriter, r *http.Request) {
	window := parseIntQuery(r, "window", app.DefaultCostWindowMinutes)
	if window <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "window must be positive minutes")
		return
	}
	writeJSON(w, http.StatusOK, h.costs.Snapshot(window))
}

// UpdateCostConfig applies a partial rate-table change and returns the
// merged config.
func (h *Handler) UpdateCostConfig(w http.ResponseWriter, r *http.Request) {
	var upd cost.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	for k, rate := range upd.RatePerCallUSD {
		if !k.Valid() {
			writeError(w, http.StatusBadRequest, "validation_failed", "unknown api "+string(k))
			return
		}
		if rate < 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "rate for "+string(k)+" must not be negative")
			return
		}
	}

	writeJSON(w, http.StatusOK, h.costs.UpdateConfig(upd))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseIntQuery(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
