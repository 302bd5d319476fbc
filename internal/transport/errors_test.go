package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	if Permanent(nil) != nil || Transient(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("nil errors must stay nil")
	}
	perm := fmt.Errorf("deliver: %w", Permanent(base))
	if !IsPermanent(perm) || !errors.Is(perm, base) {
		t.Fatalf("permanent not detected: %v", perm)
	}
	if IsPermanent(Transient(base)) {
		t.Fatal("transient reported as permanent")
	}
	ra := fmt.Errorf("send: %w", RetryAfter(base, 3*time.Second))
	d, ok := RetryHint(ra)
	if !ok || d != 3*time.Second {
		t.Fatalf("RetryHint = %s, %v", d, ok)
	}
	if _, ok := RetryHint(base); ok {
		t.Fatal("plain error has no hint")
	}
	if d, _ := RetryHint(RetryAfter(base, -time.Second)); d != 0 {
		t.Fatalf("negative hint = %s", d)
	}
}
