// Package engine ingests source posts and distributes them to the worker
// pools of every task subscribed to the post's origin.
//
// Submit never blocks: posts go to a bounded global queue and overflow is
// dropped and counted. Distributors read an immutable routing snapshot that
// Reload swaps atomically, so routing never takes a lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/model"
	"feedrelay/internal/pipeline"
	"feedrelay/internal/relay"
	"feedrelay/internal/relay/worker"
	rtsup "feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/stats"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

var ErrNotRunning = errors.New("relay engine not running")

const warnThrottleEvery = 5 * time.Second

type Config struct {
	QueueSize    int
	Distributors int
	DrainGrace   time.Duration
	Pool         worker.Config
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.Distributors <= 0 {
		c.Distributors = 30
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 5 * time.Second
	}
	return c
}

type Deps struct {
	Tasks    relay.TaskStore
	Settings relay.SettingsStore
	Sender   transport.Sender
	Pipeline *pipeline.Pipeline
	Stats    stats.Sink
	Bus      eventbus.Bus
	Log      logx.Logger
}

// invalidator is implemented by settings caches.
type invalidator interface{ Invalidate() }

type snapshot struct {
	pools    map[string]*worker.Pool
	bySource map[model.FeedID][]*worker.Pool
}

type Stats struct {
	Running      bool           `json:"running"`
	QueueLen     int            `json:"queue_len"`
	QueueCap     int            `json:"queue_cap"`
	Distributors int            `json:"distributors"`
	Received     uint64         `json:"received"`
	Dropped      uint64         `json:"dropped"`
	Unmatched    uint64         `json:"unmatched"`
	TaskDrops    uint64         `json:"task_drops"`
	Reloads      uint64         `json:"reloads"`
	LastReload   time.Time      `json:"last_reload"`
	Tasks        []worker.Stats `json:"tasks"`
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	queue chan model.Post
	snap  atomic.Pointer[snapshot]

	reloadMu   sync.Mutex
	reloads    uint64
	lastReload atomic.Int64

	mu       sync.RWMutex
	running  bool
	stopping bool
	sup      *rtsup.Supervisor
	drainCh  chan struct{}
	distWG   sync.WaitGroup

	received  uint64
	dropped   uint64
	unmatched uint64
	taskDrops uint64

	lastDropWarnAt     int64
	lastTaskDropWarnAt int64
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	if deps.Stats == nil {
		deps.Stats = stats.Nop{}
	}
	if deps.Pipeline == nil {
		deps.Pipeline = pipeline.New(pipeline.WithLogger(deps.Log))
	}
	s := &Service{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Log.With(logx.Comp("engine")),
		queue: make(chan model.Post, cfg.QueueSize),
	}
	s.snap.Store(&snapshot{pools: map[string]*worker.Pool{}, bySource: map[model.FeedID][]*worker.Pool{}})
	return s
}

// Submit queues post for distribution. It never blocks and reports false
// when the post was dropped.
func (s *Service) Submit(post model.Post) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopping {
		s.onDropped(post, stats.DropStopped)
		return false
	}
	select {
	case s.queue <- post:
		atomic.AddUint64(&s.received, 1)
		return true
	default:
		s.onDropped(post, stats.DropIngest)
		return false
	}
}

func (s *Service) onDropped(post model.Post, where string) {
	n := atomic.AddUint64(&s.dropped, 1)
	s.deps.Stats.Dropped(where)
	now := time.Now()
	if !s.shouldWarn(&s.lastDropWarnAt, now) {
		return
	}
	s.log.Warn("post dropped: ingest overloaded",
		logx.String("origin", string(post.Origin)),
		logx.String("where", where),
		logx.Int("queue_len", len(s.queue)),
		logx.Int("queue_cap", cap(s.queue)),
		logx.Uint64("dropped_total", n),
	)
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeDropped, Time: now, Data: map[string]any{
			"where":   where,
			"dropped": n,
		}})
	}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

// Start launches the distributors and builds the first routing snapshot.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.drainCh = make(chan struct{})
	s.running = true
	sup := s.sup
	s.mu.Unlock()

	s.distWG.Add(s.cfg.Distributors)
	for i := 0; i < s.cfg.Distributors; i++ {
		sup.GoRestart(fmt.Sprintf("distributor.%d", i), func(c context.Context) error {
			s.distributor(c)
			s.distWG.Done()
			return nil
		})
	}

	if err := s.Reload(ctx); err != nil {
		s.log.Error("initial reload failed", logx.Err(err))
		return err
	}
	s.log.Info("relay engine started",
		logx.Int("distributors", s.cfg.Distributors),
		logx.Int("queue", cap(s.queue)),
	)
	s.publish(eventbus.TypeStarted, nil)
	return nil
}

func (s *Service) distributor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case post := <-s.queue:
			s.distribute(ctx, post)
		case <-s.drainCh:
			for {
				select {
				case <-ctx.Done():
					return
				case post := <-s.queue:
					s.distribute(ctx, post)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) distribute(ctx context.Context, post model.Post) {
	pools := s.snap.Load().bySource[post.Origin]
	if len(pools) == 0 {
		atomic.AddUint64(&s.unmatched, 1)
		return
	}
	now := time.Now()
	for _, p := range pools {
		item := model.QueuedItem{
			Post:       post,
			TaskID:     p.TaskID(),
			EnqueuedAt: now,
			TraceID:    uuid.NewString(),
		}
		err := p.Enqueue(ctx, item)
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrQueueFull):
			n := atomic.AddUint64(&s.taskDrops, 1)
			if s.shouldWarn(&s.lastTaskDropWarnAt, now) {
				s.log.Warn("post dropped: task queue full",
					logx.String("task", p.TaskID()),
					logx.String("origin", string(post.Origin)),
					logx.Uint64("task_drops_total", n),
				)
			}
		case errors.Is(err, worker.ErrStopped):
			// The task was removed by a reload racing with this post.
			s.deps.Stats.Dropped(stats.DropStopped)
		default:
			s.log.Debug("enqueue aborted", logx.String("task", p.TaskID()), logx.Err(err))
		}
	}
}

// Reload rebuilds the routing snapshot from the task store. New tasks get
// a started pool, kept tasks get their destinations replaced in place and
// removed tasks are drained in the background.
func (s *Service) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.RLock()
	sup, running := s.sup, s.running && !s.stopping
	s.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	tasks, err := s.deps.Tasks.ActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if inv, ok := s.deps.Settings.(invalidator); ok {
		inv.Invalidate()
	}

	old := s.snap.Load()
	next := &snapshot{
		pools:    make(map[string]*worker.Pool, len(tasks)),
		bySource: make(map[model.FeedID][]*worker.Pool),
	}
	added, kept := 0, 0
	for _, t := range tasks {
		if !t.Active || t.ID == "" {
			continue
		}
		if _, dup := next.pools[t.ID]; dup {
			s.log.Warn("duplicate task id ignored", logx.String("task", t.ID))
			continue
		}
		p, ok := old.pools[t.ID]
		if ok {
			p.SetDestinations(t.Destinations)
			kept++
		} else {
			p = worker.NewPool(t.ID, t.Destinations, s.cfg.Pool, worker.Deps{
				Sender:   s.deps.Sender,
				Settings: s.deps.Settings,
				Pipeline: s.deps.Pipeline,
				Stats:    s.deps.Stats,
				Log:      s.deps.Log,
			})
			p.Start(sup.Context())
			added++
		}
		next.pools[t.ID] = p
		seen := make(map[model.FeedID]struct{}, len(t.Sources))
		for _, src := range t.Sources {
			if _, dup := seen[src]; dup {
				continue
			}
			seen[src] = struct{}{}
			next.bySource[src] = append(next.bySource[src], p)
		}
	}
	s.snap.Store(next)

	var removed []*worker.Pool
	for id, p := range old.pools {
		if _, ok := next.pools[id]; !ok {
			removed = append(removed, p)
		}
	}
	for _, p := range removed {
		p := p
		sup.Go0("drain."+p.TaskID(), func(c context.Context) {
			p.Stop(context.WithoutCancel(c), s.cfg.DrainGrace)
		})
	}

	n := atomic.AddUint64(&s.reloads, 1)
	s.lastReload.Store(time.Now().UnixNano())
	id := uuid.NewString()
	s.log.Info("tasks reloaded",
		logx.String("reload", id),
		logx.Int("tasks", len(next.pools)),
		logx.Int("added", added),
		logx.Int("kept", kept),
		logx.Int("removed", len(removed)),
		logx.Int("sources", len(next.bySource)),
	)
	s.publish(eventbus.TypeReloaded, map[string]any{
		"reload":  id,
		"count":   n,
		"tasks":   len(next.pools),
		"added":   added,
		"removed": len(removed),
	})
	return nil
}

// Stop refuses new posts, lets the distributors hand queued posts to the
// pools and then stops every pool with the drain grace.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	sup := s.sup
	close(s.drainCh)
	s.mu.Unlock()

	gctx, cancel := context.WithTimeout(ctx, s.cfg.DrainGrace)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.distWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-gctx.Done():
		s.log.Warn("distributor drain timed out", logx.Int("abandoned", len(s.queue)))
	}

	s.reloadMu.Lock()
	pools := s.snap.Load().pools
	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			p.Stop(ctx, s.cfg.DrainGrace)
		}(p)
	}
	wg.Wait()
	s.reloadMu.Unlock()

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("engine stop", logx.Err(err))
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Info("relay engine stopped", logx.Uint64("dropped_total", atomic.LoadUint64(&s.dropped)))
	s.publish(eventbus.TypeStopped, nil)
}

func (s *Service) Stats() Stats {
	s.mu.RLock()
	running := s.running && !s.stopping
	s.mu.RUnlock()

	snap := s.snap.Load()
	tasks := make([]worker.Stats, 0, len(snap.pools))
	for _, p := range snap.pools {
		tasks = append(tasks, p.Stats())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })

	st := Stats{
		Running:      running,
		QueueLen:     len(s.queue),
		QueueCap:     cap(s.queue),
		Distributors: s.cfg.Distributors,
		Received:     atomic.LoadUint64(&s.received),
		Dropped:      atomic.LoadUint64(&s.dropped),
		Unmatched:    atomic.LoadUint64(&s.unmatched),
		TaskDrops:    atomic.LoadUint64(&s.taskDrops),
		Reloads:      atomic.LoadUint64(&s.reloads),
		Tasks:        tasks,
	}
	if ns := s.lastReload.Load(); ns != 0 {
		st.LastReload = time.Unix(0, ns)
	}
	return st
}

// Supervisor exposes the distributor supervisor. Nil before Start.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sup
}

func (s *Service) publish(typ string, data any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
	}
}
