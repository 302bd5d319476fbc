package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
	if l.With(Comp("x")).IsZero() {
		t.Fatal("logger with fields should not be zero")
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"warn","time":"x","message":"queue full","comp":"engine","dropped":3}` + "\n"))
	want := "[WARN] queue full\n- comp=engine\n- dropped=3"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("  not json  ")); got != "not json" {
		t.Fatalf("formatAlert(raw) = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"}, Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	t.Cleanup(func() { _ = svc.Close() })
	n := &recordingNotifier{}
	svc.SetNotifier(n)

	log.Info("ignored")
	log.Warn("relay overloaded", Comp("engine"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := n.snapshot(); len(msgs) > 0 {
			if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "[WARN] relay overloaded") {
				t.Fatalf("alerts = %q", msgs)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no alert delivered")
}
