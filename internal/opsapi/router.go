// Package opsapi serves the operator HTTP endpoints: health, relay stats,
// manual reload, recent lifecycle events, Prometheus metrics and
// optionally pprof.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/relay/engine"
	rtsup "feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/stats"
	logx "feedrelay/pkg/logx"
)

// Relay is the part of the engine the API drives.
type Relay interface {
	Stats() engine.Stats
	Reload(ctx context.Context) error
}

// EventLog returns recent lifecycle events, newest last.
type EventLog interface {
	Recent() []eventbus.Event
}

type Deps struct {
	Relay    Relay
	Events   EventLog
	Gatherer prometheus.Gatherer
	// Supervisors reports the goroutine supervisors worth inspecting,
	// keyed by component.
	Supervisors func() map[string]*rtsup.Supervisor
	Log         logx.Logger
}

const reloadTimeout = 30 * time.Second

type statsResponse struct {
	Relay       engine.Stats              `json:"relay"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the handler tree. Every route except /healthz requires
// the bearer token when one is set.
func NewRouter(token string, withPprof bool, deps Deps) http.Handler {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Get("/stats", h.stats)
		r.Post("/reload", h.reload)
		r.Get("/events", h.events)
		if deps.Gatherer != nil {
			r.Method(http.MethodGet, "/metrics", stats.Handler(deps.Gatherer))
		}
		if withPprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Relay == nil || !h.deps.Relay.Stats().Running {
		http.Error(w, "relay not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{}
	if h.deps.Relay != nil {
		resp.Relay = h.deps.Relay.Stats()
	}
	if h.deps.Supervisors != nil {
		resp.Supervisors = map[string]rtsup.Snapshot{}
		for name, sup := range h.deps.Supervisors() {
			if sup != nil {
				resp.Supervisors[name] = sup.Snapshot()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) reload(w http.ResponseWriter, r *http.Request) {
	if h.deps.Relay == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "relay not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()
	if err := h.deps.Relay.Reload(ctx); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
		h.deps.Log.Warn("manual reload failed", logx.Err(err), logx.String("request_id", middleware.GetReqID(r.Context())))
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	h.deps.Log.Info("manual reload", logx.String("request_id", middleware.GetReqID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *handlers) events(w http.ResponseWriter, _ *http.Request) {
	var evs []eventbus.Event
	if h.deps.Events != nil {
		evs = h.deps.Events.Recent()
	}
	if evs == nil {
		evs = []eventbus.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
