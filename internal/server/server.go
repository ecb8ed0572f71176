// Package server implements the core's external HTTP surface (§6): the
// preview lifecycle endpoints, the routing-cookie endpoint, health and
// metrics-stats reporting, and the gateway's wildcard mount.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drape/core/internal/gateway"
	"github.com/drape/core/internal/logging"
	"github.com/drape/core/internal/observability"
	"github.com/drape/core/internal/orchestrator"
	"github.com/drape/core/internal/ratelimit"
	"github.com/drape/core/internal/store"
)

const routeCookieName = "drape_vm_id"

// StatsStore is the narrow store surface GET /metrics/stats needs.
type StatsStore interface {
	StatsSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

// RouteBinder is the narrow session registry surface POST /session
// needs to attach a routing cookie to an already-running preview.
type RouteBinder interface {
	BindMachine(ctx context.Context, machineID string, e store.RouteEntry) error
}

// Config bundles every collaborator the HTTP surface needs.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Gateway      *gateway.Gateway
	Stats        StatsStore
	Routes       RouteBinder
	Registry     *prometheus.Registry // nil disables GET /metrics
	StartLimiter *ratelimit.Limiter   // nil disables rate limiting on POST /preview/start
}

// New builds the top-level handler: tracing middleware around a mux
// carrying every route in §6's endpoint table plus the gateway's
// wildcard mount for everything under /@.
func New(cfg Config) http.Handler {
	mux := http.NewServeMux()

	h := &handler{cfg: cfg}
	mux.HandleFunc("POST /preview/start", h.startPreview)
	mux.HandleFunc("POST /preview/stop", h.stopPreview)
	mux.HandleFunc("GET /preview/progress", h.progress)
	mux.HandleFunc("POST /session", h.session)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /metrics/stats", h.metricsStats)
	if cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", cfg.Gateway) // everything else, including /@user/project/..., is gateway traffic

	return observability.HTTPMiddleware(mux)
}

type handler struct {
	cfg Config
}

type startRequest struct {
	ProjectID string `json:"project_id"`
}

// startPreview begins a session and streams its progress as SSE,
// terminating with a `ready` or `error` event (§6).
func (h *handler) startPreview(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	if h.cfg.StartLimiter != nil {
		key, tier := ratelimit.ByClientIP(r)
		result, err := h.cfg.StartLimiter.Allow(r.Context(), key, tier)
		if err == nil && !result.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(result.ResetAt.Unix()-time.Now().Unix(), 10))
			writeJSONStatus(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limit_exceeded"})
			return
		}
	}

	sessionID := h.cfg.Orchestrator.StartPreview(req.ProjectID)
	h.streamSession(w, r, sessionID)
}

// stopPreview cancels the project's current session and releases its
// VM (§6: "returns 204").
func (h *handler) stopPreview(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	sess, ok := h.cfg.Orchestrator.SessionByProject(req.ProjectID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.cfg.Orchestrator.StopPreview(r.Context(), sess.ID); err != nil {
		logging.Op().Warn("server: stop preview failed", "project_id", req.ProjectID, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// progress is the alternative SSE subscription to an existing session,
// addressed by ?session_id= (§6).
func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "session_id is required"})
		return
	}
	h.streamSession(w, r, sessionID)
}

// streamSession subscribes to sessionID's event bus and relays every
// envelope as an SSE event until a terminal one arrives or the client
// disconnects.
func (h *handler) streamSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ch, unsubscribe, ok := h.cfg.Orchestrator.Subscribe(sessionID)
	if !ok {
		writeJSONStatus(w, http.StatusNotFound, map[string]any{"error": "unknown session"})
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Drape-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, env)
			flusher.Flush()
			switch env.Kind {
			case orchestrator.EventReady, orchestrator.EventError, orchestrator.EventCancelled:
				return
			}
		}
	}
}

// sseEventName maps an envelope's internal kind to the wire event name from
// §6's progress event schema ("event: step" for progress ticks; ready/error
// keep their own names as terminal events).
func sseEventName(kind orchestrator.EventKind) string {
	if kind == orchestrator.EventProgress {
		return "step"
	}
	return string(kind)
}

func writeSSEEvent(w http.ResponseWriter, env orchestrator.Envelope) {
	name := sseEventName(env.Kind)
	body := map[string]any{"type": name}
	switch env.Kind {
	case orchestrator.EventProgress:
		if env.Progress != nil {
			body["step"] = env.Progress.Step
			body["percent"] = env.Progress.Percent
			body["message"] = env.Progress.Message
			body["timestamp"] = env.Progress.Timestamp
			body["elapsed_ms"] = env.Progress.ElapsedMs
			if env.Progress.Details != nil {
				body["details"] = env.Progress.Details
			}
		}
	case orchestrator.EventReady:
		if env.Ready != nil {
			body["previewUrl"] = env.Ready.PreviewURL
			body["machineId"] = env.Ready.MachineID
		}
	case orchestrator.EventError:
		if env.Error != nil {
			body["code"] = env.Error.Code
			body["message"] = env.Error.Message
			body["retryable"] = env.Error.Retryable
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

// session establishes the routing cookie for a project's already-running
// preview without starting a new one (§6).
func (h *handler) session(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	sess, ok := h.cfg.Orchestrator.SessionByProject(req.ProjectID)
	if !ok || sess.VM == nil {
		writeJSONStatus(w, http.StatusNotFound, map[string]any{"error": "no-session"})
		return
	}

	machineID := sess.VM.MachineID
	if h.cfg.Routes != nil {
		if err := h.cfg.Routes.BindMachine(r.Context(), machineID, store.RouteEntry{
			MachineID: machineID, ProjectID: req.ProjectID, SessionID: sess.ID,
			Ready: sess.CurrentState() == "ready", Step: string(sess.CurrentState()),
		}); err != nil {
			logging.Op().Warn("server: bind machine route failed", "machine_id", machineID, "err", err)
		}
	}

	http.SetCookie(w, &http.Cookie{Name: routeCookieName, Value: machineID, Path: "/", HttpOnly: true})
	writeJSONStatus(w, http.StatusOK, map[string]any{"machine_id": machineID})
}

// health reports pool occupancy and active session count (§6).
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.cfg.Orchestrator.Pool().Stats()
	writeJSONStatus(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool": map[string]any{
			"available":    stats.Available,
			"in_use":       stats.InUse,
			"replenishing": stats.Replenishing,
		},
		"sessions": h.cfg.Orchestrator.SessionCount(),
	})
}

// metricsStats aggregates per-class error counts over the trailing
// ?days=N window (default 1) for GET /metrics/stats.
func (h *handler) metricsStats(w http.ResponseWriter, r *http.Request) {
	days := 1
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	if h.cfg.Stats == nil {
		writeJSONStatus(w, http.StatusOK, map[string]any{"errors_by_class": map[string]int64{}})
		return
	}
	since := time.Now().AddDate(0, 0, -days)
	counts, err := h.cfg.Stats.StatsSince(r.Context(), since)
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]any{"error": "stats unavailable"})
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]any{"days": days, "errors_by_class": counts})
}

func writeJSONStatus(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
