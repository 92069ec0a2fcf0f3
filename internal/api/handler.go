// Package api is the HTTP surface of the pipeline service: event ingress,
// management operations and read access to the execution log.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kittynXR/maowbot-sub000/internal/engine"
	"github.com/kittynXR/maowbot-sub000/internal/event"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
	"github.com/kittynXR/maowbot-sub000/internal/metrics"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

const (
	maxBatchSize = 100
	maxBodyBytes = 1 << 20
	// readyThreshold is the queue utilization above which /readyz fails.
	readyThreshold = 0.8
)

// ReadinessCheck reports whether an external dependency is usable.
// /readyz fails while any check reports false.
type ReadinessCheck struct {
	Name  string
	Ready func() bool
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	reader store.Reader
	checks []ReadinessCheck
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine, reader store.Reader, logger *slog.Logger, checks ...ReadinessCheck) http.Handler {
	h := &Handler{eng: eng, reader: reader, checks: checks, logger: logger.With("component", "api"), mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)
	h.mux.HandleFunc("POST /v1/events/dispatch", h.dispatchEvent)
	h.mux.HandleFunc("GET /v1/pipelines", h.listPipelines)
	h.mux.HandleFunc("POST /v1/pipelines/reload", h.reloadPipelines)
	h.mux.HandleFunc("POST /v1/pipelines/validate", h.validatePipeline)
	h.mux.HandleFunc("GET /v1/executions", h.listExecutions)
	h.mux.HandleFunc("GET /v1/executions/{id}", h.getExecution)
	h.mux.HandleFunc("GET /v1/stats", h.stats)
	h.mux.HandleFunc("GET /v1/handlers", h.listHandlers)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.logger, h.mux)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return false
	}
	return true
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (*event.Envelope, bool) {
	var ev event.Envelope
	if !decodeBody(w, r, &ev) {
		return nil, false
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return nil, false
	}
	ev.Normalize()
	return &ev, true
}

// POST /v1/events: fire-and-forget ingestion.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	if !h.eng.Submit(ev) {
		writeError(w, http.StatusTooManyRequests, "event queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"event_id": ev.ID, "queued": true})
}

// POST /v1/events/batch: fire-and-forget ingestion of up to 100 events.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.Envelope
	if !decodeBody(w, r, &events) {
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	queued, invalid := 0, 0
	for _, ev := range events {
		if ev == nil || ev.Type == "" {
			invalid++
			continue
		}
		if h.eng.Submit(ev) {
			queued++
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"total":    len(events),
		"queued":   queued,
		"invalid":  invalid,
		"rejected": len(events) - queued - invalid,
	})
}

// POST /v1/events/dispatch: synchronous dispatch returning the runs it caused.
func (h *Handler) dispatchEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	// Runs are recorded even if the client goes away mid-dispatch.
	recs := h.eng.Dispatch(context.WithoutCancel(r.Context()), ev)
	snaps := make([]execution.Snapshot, 0, len(recs))
	for _, rec := range recs {
		snaps = append(snaps, rec.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_id":   ev.ID,
		"matched":    len(snaps),
		"executions": snaps,
	})
}

// GET /v1/pipelines: stored definitions with statistics, plus the active set.
func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	defs, err := h.reader.ListPipelines(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		writeClassified(w, err)
		return
	}
	set := h.eng.Snapshot()
	active := make([]string, 0, set.Len())
	for _, p := range set.Pipelines {
		active = append(active, p.Def.ID)
	}
	rejected := set.Rejected
	if rejected == nil {
		rejected = []pipeline.Rejection{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation": set.Generation,
		"built_at":   set.BuiltAt,
		"active":     active,
		"rejected":   rejected,
		"pipelines":  defs,
	})
}

// POST /v1/pipelines/reload: rebuild and swap the compiled set from the store.
func (h *Handler) reloadPipelines(w http.ResponseWriter, r *http.Request) {
	report, err := h.eng.Reload(r.Context())
	if err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /v1/pipelines/validate: dry-run compilation of one pipeline.
func (h *Handler) validatePipeline(w http.ResponseWriter, r *http.Request) {
	var p pipeline.Pipeline
	if !decodeBody(w, r, &p) {
		return
	}
	if err := h.eng.Validate(p); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

// GET /v1/executions?pipeline_id=&status=&since=&until=&limit=
func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	q, err := parseExecutionQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs, err := h.reader.ListExecutions(r.Context(), q)
	if err != nil {
		writeClassified(w, err)
		return
	}
	if execs == nil {
		execs = []execution.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(execs), "executions": execs})
}

func parseExecutionQuery(r *http.Request) (store.ExecutionQuery, error) {
	v := r.URL.Query()
	q := store.ExecutionQuery{
		PipelineID: v.Get("pipeline_id"),
		Status:     execution.Status(v.Get("status")),
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if s := v.Get(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, fmt.Errorf("%s: expected RFC3339 time: %w", name, err)
			}
			*dst = t
		}
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("limit: expected a non-negative integer, got %q", s)
		}
		q.Limit = n
	}
	return q, nil
}

// GET /v1/executions/{id}
func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reader.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GET /v1/stats: live counters since process start.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.History().Stats())
}

// GET /v1/handlers?kind=filter|action
func (h *Handler) listHandlers(w http.ResponseWriter, r *http.Request) {
	kind := handler.Kind(r.URL.Query().Get("kind"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"handlers": h.eng.Registry().Descriptors(kind),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if a dependency is down or the event queue is more than
// 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	var down []string
	for _, c := range h.checks {
		if !c.Ready() {
			down = append(down, c.Name)
		}
	}
	if len(down) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":      "unavailable",
			"unavailable": down,
		})
		return
	}

	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.WithLabelValues("events").Set(util)
	if util > readyThreshold {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
		"generation":        h.eng.Snapshot().Generation,
	})
}
