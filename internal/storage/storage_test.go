package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"feedrelay/internal/model"
	"feedrelay/internal/settings"
	logx "feedrelay/pkg/logx"
)

// openStores opens every driver. Postgres joins when
// FEEDRELAY_TEST_POSTGRES_DSN points at a scratch database.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	cfgs := []Config{
		{Driver: "file", Path: filepath.Join(dir, "relay.yaml")},
		{Driver: "sqlite", Path: filepath.Join(dir, "relay.db")},
	}
	if dsn := os.Getenv("FEEDRELAY_TEST_POSTGRES_DSN"); dsn != "" {
		cfgs = append(cfgs, Config{Driver: "postgres", DSN: dsn})
	}
	for _, c := range cfgs {
		st, err := Open(c, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", c.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[c.Driver] = st
	}
	return out
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := model.Task{
				ID:      "news",
				Active:  true,
				Sources: []model.FeedID{"-1001"},
				Destinations: []model.Destination{
					{ChatID: -2002, Settings: "default"},
					{ChatID: -3003, ThreadID: 7},
				},
			}
			if err := st.PutTask(ctx, task); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := st.PutTask(ctx, model.Task{ID: "off", Sources: []model.FeedID{"x"}}); err != nil {
				t.Fatalf("put inactive: %v", err)
			}

			active, err := st.ActiveTasks(ctx)
			if err != nil || len(active) != 1 {
				t.Fatalf("active = %+v, %v", active, err)
			}
			got := active[0]
			if got.ID != "news" || len(got.Destinations) != 2 || got.Destinations[1].ThreadID != 7 || got.Destinations[0].Settings != "default" {
				t.Fatalf("task = %+v", got)
			}
			if _, ok, _ := st.Task(ctx, "off"); !ok {
				t.Fatal("inactive task not found by id")
			}

			if err := st.DeleteTask(ctx, "news"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := st.DeleteTask(ctx, "news"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete = %v", err)
			}
		})
	}
}

func TestSettingsAndSeen(t *testing.T) {
	t.Parallel()
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if s, err := st.LoadSettings(ctx, "missing"); err != nil || s.Header.Text != "" {
				t.Fatalf("missing settings = %+v, %v", s, err)
			}
			want := settings.Settings{Header: settings.Decoration{Text: "NEWS:"}}
			if err := st.PutSettings(ctx, "k", want); err != nil {
				t.Fatalf("put settings: %v", err)
			}
			got, err := st.LoadSettings(ctx, "k")
			if err != nil || got.Header.Text != "NEWS:" {
				t.Fatalf("settings = %+v, %v", got, err)
			}

			if err := st.MarkSeen(ctx, "rss:a|1", time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("mark: %v", err)
			}
			if err := st.MarkSeen(ctx, "rss:a|old", time.Now().Add(-time.Hour)); err != nil {
				t.Fatalf("mark: %v", err)
			}
			if ok, _ := st.Seen(ctx, "rss:a|1"); !ok {
				t.Fatal("fresh mark not seen")
			}
			if ok, _ := st.Seen(ctx, "rss:a|old"); ok {
				t.Fatal("expired mark reported as seen")
			}
		})
	}
}

func TestFileStoreRejectsInvalidDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	doc := "tasks:\n  - id: a\n    sources: [\"x\"]\n    destinations:\n      - chat_id: 0\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Config{Driver: "file", Path: path}, logx.Nop()); err == nil {
		t.Fatal("expected validation error")
	}

	if err := os.WriteFile(path, []byte("tasks: []\nunknown: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Config{Driver: "file", Path: path}, logx.Nop()); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestFileStoreReloadDetectsEdits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fs := st.(*fileStore)

	if err := st.PutTask(context.Background(), model.Task{ID: "a", Active: true, Sources: []model.FeedID{"s"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if changed, err := fs.reload(); err != nil || changed {
		t.Fatalf("own write reported as edit: changed=%v err=%v", changed, err)
	}

	edit := "tasks:\n  - id: b\n    active: true\n    sources: [\"s\"]\n"
	if err := os.WriteFile(path, []byte(edit), 0o600); err != nil {
		t.Fatal(err)
	}
	changed, err := fs.reload()
	if err != nil || !changed {
		t.Fatalf("edit not detected: changed=%v err=%v", changed, err)
	}
	if _, ok, _ := st.Task(context.Background(), "b"); !ok {
		t.Fatal("edited task missing")
	}
}

func TestSeenSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.MarkSeen(context.Background(), "k", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if ok, _ := st.Seen(context.Background(), "k"); !ok {
		t.Fatal("seen mark lost across reopen")
	}
}

func TestSQLiteMigrationsApplyOnce(t *testing.T) {
	t.Parallel()
	dsn := "file:" + filepath.Join(t.TempDir(), "m.db")
	for i := 0; i < 2; i++ {
		v, err := migrateSQLite(dsn)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if v != 1 {
			t.Fatalf("run %d: version = %d, want 1", i, v)
		}
	}
}
