package model

import (
	"strconv"
	"time"
)

// Destination is one subscriber chat a task delivers to.
type Destination struct {
	ChatID   int64  `json:"chat_id" yaml:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	OwnerID  int64  `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	Settings string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Key identifies the destination within a task. It keys album buffers.
func (d Destination) Key() string {
	if d.ThreadID != 0 {
		return strconv.FormatInt(d.ChatID, 10) + "/" + strconv.Itoa(d.ThreadID)
	}
	return strconv.FormatInt(d.ChatID, 10)
}

// SettingsKey returns the key used to load the destination's settings.
// Destinations without an explicit key use their own Key.
func (d Destination) SettingsKey() string {
	if d.Settings != "" {
		return d.Settings
	}
	return d.Key()
}

// Task links source feeds to destinations.
type Task struct {
	ID           string        `json:"id" yaml:"id"`
	Sources      []FeedID      `json:"sources" yaml:"sources"`
	Destinations []Destination `json:"destinations" yaml:"destinations"`
	Active       bool          `json:"active" yaml:"active"`
}

// QueuedItem is one post waiting in a task's worker queue.
//
// It names the task rather than a destination: destinations are read live
// when the item is dequeued so reloads apply to queued work.
type QueuedItem struct {
	Post       Post
	TaskID     string
	EnqueuedAt time.Time
	TraceID    string
}
