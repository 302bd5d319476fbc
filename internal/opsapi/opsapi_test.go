package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/relay/engine"
	"feedrelay/internal/stats"
	logx "feedrelay/pkg/logx"
)

type fakeRelay struct {
	running bool
	reloads atomic.Int32
	err     error
}

func (f *fakeRelay) Stats() engine.Stats {
	return engine.Stats{Running: f.running, QueueCap: 10}
}

func (f *fakeRelay) Reload(context.Context) error {
	f.reloads.Add(1)
	return f.err
}

type fakeEvents []eventbus.Event

func (f fakeEvents) Recent() []eventbus.Event { return f }

func do(t *testing.T, h http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		running bool
		want    int
	}{
		{"running", true, http.StatusOK},
		{"stopped", false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewRouter("secret", false, Deps{Relay: &fakeRelay{running: tt.running}, Log: logx.Nop()})
			if got := do(t, h, http.MethodGet, "/healthz", "").Code; got != tt.want {
				t.Fatalf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	h := NewRouter("secret", false, Deps{Relay: &fakeRelay{running: true}, Log: logx.Nop()})

	if got := do(t, h, http.MethodGet, "/stats", "").Code; got != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", got)
	}
	if got := do(t, h, http.MethodGet, "/stats", "wrong").Code; got != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", got)
	}
	if got := do(t, h, http.MethodGet, "/stats?token=secret", "").Code; got != http.StatusOK {
		t.Fatalf("query token: status = %d", got)
	}

	w := do(t, h, http.MethodGet, "/stats", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body statsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Relay.Running || body.Relay.QueueCap != 10 {
		t.Fatalf("stats = %+v", body.Relay)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()
	relay := &fakeRelay{running: true}
	h := NewRouter("", false, Deps{Relay: relay, Log: logx.Nop()})

	if got := do(t, h, http.MethodGet, "/reload", "").Code; got != http.StatusMethodNotAllowed {
		t.Fatalf("GET /reload status = %d", got)
	}
	if got := do(t, h, http.MethodPost, "/reload", "").Code; got != http.StatusOK {
		t.Fatalf("POST /reload status = %d", got)
	}
	if relay.reloads.Load() != 1 {
		t.Fatalf("reloads = %d", relay.reloads.Load())
	}

	relay.err = engine.ErrNotRunning
	if got := do(t, h, http.MethodPost, "/reload", "").Code; got != http.StatusServiceUnavailable {
		t.Fatalf("not running status = %d", got)
	}
	relay.err = errors.New("store down")
	if got := do(t, h, http.MethodPost, "/reload", "").Code; got != http.StatusInternalServerError {
		t.Fatalf("failure status = %d", got)
	}
}

func TestEventsAndMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := stats.NewCollector(reg)
	c.Dropped(stats.DropIngest)

	evs := fakeEvents{{Type: eventbus.TypeReloaded, Time: time.Unix(1, 0)}}
	h := NewRouter("", true, Deps{Relay: &fakeRelay{running: true}, Events: evs, Gatherer: reg, Log: logx.Nop()})

	w := do(t, h, http.MethodGet, "/events", "")
	var got []eventbus.Event
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || len(got) != 1 || got[0].Type != eventbus.TypeReloaded {
		t.Fatalf("events = %s (%v)", w.Body.String(), err)
	}

	w = do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "feedrelay_dropped_total") {
		t.Fatalf("metrics = %d %s", w.Code, w.Body.String())
	}

	if got := do(t, h, http.MethodGet, "/debug/pprof/", "").Code; got != http.StatusOK {
		t.Fatalf("pprof index status = %d", got)
	}
}

func TestServiceServes(t *testing.T) {
	t.Parallel()
	svc := New(Config{Addr: "127.0.0.1:0"}, Deps{Relay: &fakeRelay{running: true}, Log: logx.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	actx, acancel := context.WithTimeout(ctx, 2*time.Second)
	defer acancel()
	addr, err := svc.Addr(actx)
	if err != nil {
		t.Fatalf("addr: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(b) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, b)
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	if isLoopbackAddr("0.0.0.0:80") || !isLoopbackAddr("localhost:80") || !isLoopbackAddr("[::1]:80") {
		t.Fatal("loopback detection wrong")
	}
	svc := New(Config{Addr: "0.0.0.0:0"}, Deps{Log: logx.Nop()})
	if err := svc.serveOnce(context.Background()); err == nil {
		t.Fatal("insecure bind accepted")
	}
}
