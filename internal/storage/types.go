package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedrelay/internal/model"
	"feedrelay/internal/settings"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("not found")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	DSN         string        // postgres only
}

// Store is the persistence API of the relay. It satisfies relay.TaskStore
// and relay.SettingsStore.
type Store interface {
	ActiveTasks(ctx context.Context) ([]model.Task, error)
	Task(ctx context.Context, id string) (model.Task, bool, error)
	PutTask(ctx context.Context, t model.Task) error
	DeleteTask(ctx context.Context, id string) error

	LoadSettings(ctx context.Context, key string) (settings.Settings, error)
	PutSettings(ctx context.Context, key string, s settings.Settings) error

	// MarkSeen remembers key until the given time. Seen reports whether an
	// unexpired mark exists.
	MarkSeen(ctx context.Context, key string, until time.Time) error
	Seen(ctx context.Context, key string) (bool, error)

	Close() error
}

// Watcher is implemented by stores that notice external edits. onChange
// runs after the new content has been loaded.
type Watcher interface {
	Watch(ctx context.Context, onChange func())
}

// ValidateTask rejects tasks the engine could not route.
func ValidateTask(t model.Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if len(t.Sources) == 0 {
		return fmt.Errorf("task %s: at least one source is required", t.ID)
	}
	for i, d := range t.Destinations {
		if d.ChatID == 0 {
			return fmt.Errorf("task %s: destination %d: chat_id is required", t.ID, i)
		}
	}
	return nil
}
