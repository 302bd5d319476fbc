// Package album collects the items of a grouped post (a Telegram media
// album) until the group goes quiet, then hands them over in one flush.
//
// Each key moves through accumulating -> flushing -> removed. Every Add
// restarts the quiet timer; the entry is removed under the lock before the
// callback runs, so a key is flushed at most once.
package album

import (
	"context"
	"sort"
	"sync"
	"time"

	"feedrelay/internal/model"
	logx "feedrelay/pkg/logx"
)

const (
	DefaultQuiet      = time.Second
	DefaultMaxIdle    = 5 * time.Minute
	DefaultMaxEntries = 100
	DefaultSweepEvery = 30 * time.Second
)

// FlushFunc receives the items collected for key in arrival order.
type FlushFunc func(key string, posts []model.Post)

type Config struct {
	Quiet      time.Duration
	MaxIdle    time.Duration
	MaxEntries int
	SweepEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Quiet <= 0 {
		c.Quiet = DefaultQuiet
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
	return c
}

type entry struct {
	posts []model.Post
	flush FlushFunc
	timer *time.Timer
	gen   uint64
	first time.Time
	last  time.Time
}

type Stats struct {
	Pending int    `json:"pending"`
	Flushed uint64 `json:"flushed"`
	Evicted uint64 `json:"evicted"`
}

type Buffer struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	flushed uint64
	evicted uint64
}

type Option func(*Buffer)

func WithLogger(l logx.Logger) Option { return func(b *Buffer) { b.log = l } }

// WithClock replaces time.Now for idle accounting. Quiet timers still use
// the runtime clock.
func WithClock(now func() time.Time) Option { return func(b *Buffer) { b.now = now } }

func New(cfg Config, opts ...Option) *Buffer {
	b := &Buffer{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Add appends post to the group under key and restarts its quiet timer.
// flush replaces any callback given by earlier calls for the same key.
func (b *Buffer) Add(key string, post model.Post, flush FlushFunc) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[key]
	if e == nil {
		e = &entry{first: now}
		b.entries[key] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}
	e.posts = append(e.posts, post)
	if flush != nil {
		e.flush = flush
	}
	e.last = now
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(b.cfg.Quiet, func() { b.fire(key, gen) })
}

// fire flushes key unless a later Add or an eviction superseded the timer.
func (b *Buffer) fire(key string, gen uint64) {
	b.mu.Lock()
	e := b.entries[key]
	if e == nil || e.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.entries, key)
	b.flushed++
	b.mu.Unlock()

	b.run(key, e)
}

func (b *Buffer) run(key string, e *entry) {
	if e.flush == nil || len(e.posts) == 0 {
		return
	}
	e.flush(key, e.posts)
}

type evicted struct {
	key string
	e   *entry
}

// Sweep flushes entries idle longer than MaxIdle and, while more than
// MaxEntries remain, the oldest ones. Entries still inside their quiet
// period are never evicted for size. It returns how many were evicted.
func (b *Buffer) Sweep(now time.Time) int {
	b.mu.Lock()
	var out []evicted
	for k, e := range b.entries {
		if now.Sub(e.last) > b.cfg.MaxIdle {
			out = append(out, b.takeLocked(k, e))
		}
	}
	if over := len(b.entries) - b.cfg.MaxEntries; over > 0 {
		rest := make([]evicted, 0, len(b.entries))
		for k, e := range b.entries {
			if now.Sub(e.last) < b.cfg.Quiet {
				continue
			}
			rest = append(rest, evicted{key: k, e: e})
		}
		sortByFirst(rest)
		over = min(over, len(rest))
		for _, ev := range rest[:over] {
			out = append(out, b.takeLocked(ev.key, ev.e))
		}
	}
	b.evicted += uint64(len(out))
	b.mu.Unlock()

	if len(out) > 0 {
		b.log.Warn("album entries evicted", logx.Int("count", len(out)))
	}
	sortByFirst(out)
	for _, ev := range out {
		b.run(ev.key, ev.e)
	}
	return len(out)
}

// FlushAll flushes every pending group immediately, oldest first.
func (b *Buffer) FlushAll() int {
	b.mu.Lock()
	out := make([]evicted, 0, len(b.entries))
	for k, e := range b.entries {
		out = append(out, b.takeLocked(k, e))
	}
	b.flushed += uint64(len(out))
	b.mu.Unlock()

	sortByFirst(out)
	for _, ev := range out {
		b.run(ev.key, ev.e)
	}
	return len(out)
}

func (b *Buffer) takeLocked(key string, e *entry) evicted {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	delete(b.entries, key)
	return evicted{key: key, e: e}
}

// Run sweeps on a ticker until ctx ends.
func (b *Buffer) Run(ctx context.Context) {
	t := time.NewTicker(b.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Sweep(b.now())
		}
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Pending: len(b.entries), Flushed: b.flushed, Evicted: b.evicted}
}

func sortByFirst(evs []evicted) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].e.first.Equal(evs[j].e.first) {
			return evs[i].key < evs[j].key
		}
		return evs[i].e.first.Before(evs[j].e.first)
	})
}
