package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedrelay/internal/entity"
)

func TestZeroSettingsValid(t *testing.T) {
	t.Parallel()
	if err := (Settings{}).Validate(); err != nil {
		t.Fatalf("zero settings: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		s    Settings
	}{
		{"buttons mode", Settings{Buttons: ButtonFilter{Mode: "hide"}}},
		{"links mode", Settings{Links: LinkFilter{Mode: "shorten"}}},
		{"length bounds", Settings{Length: LengthFilter{Min: 10, Max: 5}}},
		{"media kind", Settings{Media: MediaFilter{Blocked: []string{"hologram"}}}},
		{"unify target", Settings{Format: FormatRule{Mode: FormatUnify, Target: entity.URL}}},
		{"format mode", Settings{Format: FormatRule{Mode: "rainbow"}}},
		{"header spans", Settings{Header: Decoration{Text: "hi", Entities: []entity.Entity{{Kind: entity.Bold, Offset: 1, Length: 5}}}}},
		{"empty replacement", Settings{Replace: Replacements{Pairs: []Replacement{{From: "", To: "x"}}}}},
		{"timezone", Settings{Schedule: Schedule{Enabled: true, Timezone: "Mars/Olympus"}}},
		{"day", Settings{Schedule: Schedule{Enabled: true, Days: []string{"someday"}}}},
		{"hour", Settings{Schedule: Schedule{Enabled: true, Hours: []int{24}}}},
		{"delete after", Settings{Delete: AutoDelete{After: "soon"}}},
	}
	for _, tt := range tests {
		if err := tt.s.Validate(); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestScheduleAllows(t *testing.T) {
	t.Parallel()
	// 2024-01-01 was a Monday.
	mon9 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		s    Schedule
		want bool
	}{
		{"disabled", Schedule{Days: []string{"sun"}}, true},
		{"day match", Schedule{Enabled: true, Days: []string{"Monday"}}, true},
		{"day miss", Schedule{Enabled: true, Days: []string{"tue", "wed"}}, false},
		{"hour match", Schedule{Enabled: true, Hours: []int{8, 9}}, true},
		{"hour miss", Schedule{Enabled: true, Hours: []int{10}}, false},
		{"timezone shifts hour", Schedule{Enabled: true, Hours: []int{16}, Timezone: "Asia/Jakarta"}, true},
	}
	for _, tt := range tests {
		if got := tt.s.Allows(mon9); got != tt.want {
			t.Fatalf("%s: Allows = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAutoDeleteDelay(t *testing.T) {
	t.Parallel()
	if d := (AutoDelete{After: "90m"}).Delay(); d != 90*time.Minute {
		t.Fatalf("Delay = %s", d)
	}
	if d := (AutoDelete{}).Delay(); d != 0 {
		t.Fatalf("Delay = %s", d)
	}
}

type countingLoader struct {
	calls int
	err   error
}

func (l *countingLoader) LoadSettings(context.Context, string) (Settings, error) {
	l.calls++
	return Settings{Pin: AutoPin{Enabled: true}}, l.err
}

func TestCacheTTLAndInvalidate(t *testing.T) {
	t.Parallel()
	src := &countingLoader{}
	c := NewCache(src, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := c.LoadSettings(ctx, "a")
		if err != nil || !s.Pin.Enabled {
			t.Fatalf("LoadSettings = %+v, %v", s, err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("calls = %d, want 1", src.calls)
	}
	now = now.Add(2 * time.Minute)
	_, _ = c.LoadSettings(ctx, "a")
	if src.calls != 2 {
		t.Fatalf("calls after expiry = %d, want 2", src.calls)
	}
	c.Invalidate()
	if c.Len() != 0 {
		t.Fatalf("Len after Invalidate = %d", c.Len())
	}
	_, _ = c.LoadSettings(ctx, "a")
	if src.calls != 3 {
		t.Fatalf("calls after Invalidate = %d, want 3", src.calls)
	}
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	t.Parallel()
	src := &countingLoader{err: errors.New("db down")}
	c := NewCache(src, time.Minute)
	if _, err := c.LoadSettings(context.Background(), "a"); err == nil {
		t.Fatal("expected error")
	}
	if c.Len() != 0 {
		t.Fatal("error result cached")
	}
}
