// Package worker runs one delivery pool per forwarding task.
//
// A pool owns a bounded queue of posts and a fixed set of workers. Each
// dequeued post is fanned out to the task's live destination list in paced
// batches; grouped posts are collected per destination by an album buffer
// and delivered together.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"feedrelay/internal/model"
	"feedrelay/internal/pipeline"
	"feedrelay/internal/relay"
	"feedrelay/internal/relay/album"
	rtsup "feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/stats"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker queue full")
)

type Config struct {
	QueueSize      int
	Workers        int
	BatchSize      int
	BatchPause     time.Duration
	BatchTimeout   time.Duration
	EnqueueTimeout time.Duration

	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryJitter is a fraction (0.2 = +-20%). Zero keeps delays exact.
	RetryJitter float64

	// CircuitTrip is the number of consecutive failed deliveries after
	// which a destination is skipped for a cooldown. Negative disables.
	CircuitTrip int

	Album album.Config
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	} else if c.BatchPause == 0 {
		c.BatchPause = 1500 * time.Millisecond
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.CircuitTrip == 0 {
		c.CircuitTrip = 5
	}
	return c
}

// Deps are the collaborators shared by every pool.
type Deps struct {
	Sender   transport.Sender
	Settings relay.SettingsStore
	Pipeline *pipeline.Pipeline
	Stats    stats.Sink
	Log      logx.Logger
}

type Stats struct {
	TaskID       string      `json:"task_id"`
	QueueLen     int         `json:"queue_len"`
	QueueCap     int         `json:"queue_cap"`
	Workers      int         `json:"workers"`
	Destinations int         `json:"destinations"`
	Enqueued     uint64      `json:"enqueued"`
	Dropped      uint64      `json:"dropped"`
	Delivered    uint64      `json:"delivered"`
	Failed       uint64      `json:"failed"`
	Filtered     uint64      `json:"filtered"`
	CircuitsOpen int         `json:"circuits_open"`
	Albums       album.Stats `json:"albums"`
}

type Pool struct {
	taskID string
	cfg    Config
	deps   Deps
	log    logx.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	queue  chan model.QueuedItem
	dests  atomic.Pointer[[]model.Destination]
	albums *album.Buffer
	breaks circuitStore

	// stopCh aborts waiting producers; drainCh tells workers to finish the
	// queue and exit. mu orders producers against the stopping flag.
	mu       sync.RWMutex
	stopping bool
	stopCh   chan struct{}
	drainCh  chan struct{}
	stopOnce sync.Once

	sup     *rtsup.Supervisor
	workers sync.WaitGroup

	flightMu     sync.Mutex
	flightClosed bool
	flights      sync.WaitGroup

	delMu   sync.Mutex
	delSeq  uint64
	deletes map[uint64]*time.Timer

	enqueued  uint64
	dropped   uint64
	delivered uint64
	failed    uint64
	filtered  uint64
}

type Option func(*Pool)

// WithSleep replaces the pacing and retry sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) { p.sleep = fn }
}

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

func NewPool(taskID string, dests []model.Destination, cfg Config, deps Deps, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	if deps.Stats == nil {
		deps.Stats = stats.Nop{}
	}
	if deps.Pipeline == nil {
		deps.Pipeline = pipeline.New(pipeline.WithLogger(deps.Log))
	}
	log := deps.Log.With(logx.Comp("worker"), logx.String("task", taskID))
	p := &Pool{
		taskID:  taskID,
		cfg:     cfg,
		deps:    deps,
		log:     log,
		sleep:   sleepCtx,
		now:     time.Now,
		queue:   make(chan model.QueuedItem, cfg.QueueSize),
		breaks:  circuitStore{trip: cfg.CircuitTrip},
		stopCh:  make(chan struct{}),
		drainCh: make(chan struct{}),
		deletes: make(map[uint64]*time.Timer),
	}
	for _, o := range opts {
		o(p)
	}
	p.albums = album.New(cfg.Album, album.WithLogger(log), album.WithClock(p.now))
	p.SetDestinations(dests)
	return p
}

func (p *Pool) TaskID() string { return p.taskID }

// SetDestinations replaces the live destination list. Items already queued
// are delivered to the new list.
func (p *Pool) SetDestinations(dests []model.Destination) {
	cp := append([]model.Destination(nil), dests...)
	p.dests.Store(&cp)
}

func (p *Pool) Destinations() []model.Destination {
	if d := p.dests.Load(); d != nil {
		return *d
	}
	return nil
}

// Start launches the workers under a supervisor derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.sup != nil || p.stopping {
		p.mu.Unlock()
		return
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	sup := p.sup
	p.mu.Unlock()

	p.workers.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%s.%d", p.taskID, idx), func(c context.Context) error {
			p.worker(c)
			p.workers.Done()
			return nil
		})
	}
	sup.Go0("album.sweep."+p.taskID, p.albums.Run)
	p.log.Debug("pool started", logx.Int("workers", p.cfg.Workers), logx.Int("queue", cap(p.queue)))
}

// Enqueue adds item to the queue, waiting at most EnqueueTimeout for room.
func (p *Pool) Enqueue(ctx context.Context, item model.QueuedItem) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopping {
		return ErrStopped
	}
	select {
	case p.queue <- item:
		atomic.AddUint64(&p.enqueued, 1)
		return nil
	default:
	}

	t := time.NewTimer(p.cfg.EnqueueTimeout)
	defer t.Stop()
	select {
	case p.queue <- item:
		atomic.AddUint64(&p.enqueued, 1)
		return nil
	case <-t.C:
		atomic.AddUint64(&p.dropped, 1)
		p.deps.Stats.Dropped(stats.DropTask)
		return ErrQueueFull
	case <-p.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.queue:
			p.process(ctx, it)
		case <-p.drainCh:
			for {
				select {
				case <-ctx.Done():
					return
				case it := <-p.queue:
					p.process(ctx, it)
				default:
					return
				}
			}
		}
	}
}

// Stop refuses new items, lets the workers drain the queue for up to grace,
// flushes pending albums and then cancels everything still running.
func (p *Pool) Stop(ctx context.Context, grace time.Duration) {
	p.stopOnce.Do(func() { p.stop(ctx, grace) })
}

func (p *Pool) stop(ctx context.Context, grace time.Duration) {
	close(p.stopCh)
	p.mu.Lock()
	p.stopping = true
	sup := p.sup
	p.mu.Unlock()
	close(p.drainCh)

	if sup == nil {
		return
	}

	gctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if !waitGroup(gctx, &p.workers) {
		left := len(p.queue)
		p.log.Warn("pool drain timed out", logx.Int("abandoned", left))
		sup.Cancel()
		for i := 0; i < left; i++ {
			p.deps.Stats.Dropped(stats.DropStopped)
		}
	}

	p.albums.FlushAll()
	p.flightMu.Lock()
	p.flightClosed = true
	p.flightMu.Unlock()
	if !waitGroup(gctx, &p.flights) {
		sup.Cancel()
		waitGroup(ctx, &p.flights)
	}

	p.delMu.Lock()
	pending := len(p.deletes)
	for id, t := range p.deletes {
		t.Stop()
		delete(p.deletes, id)
	}
	p.deletes = nil
	p.delMu.Unlock()
	if pending > 0 {
		p.log.Info("pending auto-deletes cancelled", logx.Int("count", pending))
	}

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("pool stop", logx.Err(err))
	}
	p.log.Debug("pool stopped")
}

func (p *Pool) Stats() Stats {
	return Stats{
		TaskID:       p.taskID,
		QueueLen:     len(p.queue),
		QueueCap:     cap(p.queue),
		Workers:      p.cfg.Workers,
		Destinations: len(p.Destinations()),
		Enqueued:     atomic.LoadUint64(&p.enqueued),
		Dropped:      atomic.LoadUint64(&p.dropped),
		Delivered:    atomic.LoadUint64(&p.delivered),
		Failed:       atomic.LoadUint64(&p.failed),
		Filtered:     atomic.LoadUint64(&p.filtered),
		CircuitsOpen: p.breaks.open(p.now()),
		Albums:       p.albums.Stats(),
	}
}

func (p *Pool) context() context.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.sup == nil {
		return context.Background()
	}
	return p.sup.Context()
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
