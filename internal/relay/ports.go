// Package relay holds the contracts between the forwarding engine and its
// collaborators. The engine itself lives in subpackages: album buffers
// grouped posts, worker delivers per task and engine fans posts out.
package relay

import (
	"context"

	"feedrelay/internal/model"
	"feedrelay/internal/settings"
)

// TaskStore lists forwarding tasks. Implementations must be safe for
// concurrent use.
type TaskStore interface {
	ActiveTasks(ctx context.Context) ([]model.Task, error)
	Task(ctx context.Context, id string) (model.Task, bool, error)
}

// SettingsStore loads per-destination transform settings. A missing key
// yields the zero Settings.
type SettingsStore interface {
	LoadSettings(ctx context.Context, key string) (settings.Settings, error)
}

var _ SettingsStore = (*settings.Cache)(nil)
