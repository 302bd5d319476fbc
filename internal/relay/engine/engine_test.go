package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/model"
	"feedrelay/internal/relay/worker"
	"feedrelay/internal/settings"
	"feedrelay/internal/transport"
)

type memTasks struct {
	mu    sync.Mutex
	tasks []model.Task
}

func (m *memTasks) set(ts ...model.Task) {
	m.mu.Lock()
	m.tasks = ts
	m.mu.Unlock()
}

func (m *memTasks) ActiveTasks(context.Context) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Task(nil), m.tasks...), nil
}

func (m *memTasks) Task(_ context.Context, id string) (model.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			return t, true, nil
		}
	}
	return model.Task{}, false, nil
}

type countingSettings struct{ invalidated int32 }

func (c *countingSettings) LoadSettings(context.Context, string) (settings.Settings, error) {
	return settings.Settings{}, nil
}

func (c *countingSettings) Invalidate() { atomic.AddInt32(&c.invalidated, 1) }

type chatSender struct {
	mu   sync.Mutex
	sent map[int64]int
}

func (c *chatSender) Deliver(_ context.Context, d model.Destination, _ transport.Message) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = map[int64]int{}
	}
	c.sent[d.ChatID]++
	return transport.MessageRef{ChatID: d.ChatID, MessageID: 1}, nil
}

func (c *chatSender) DeliverGroup(ctx context.Context, d model.Destination, msgs []transport.Message) ([]transport.MessageRef, error) {
	ref, err := c.Deliver(ctx, d, transport.Message{})
	return []transport.MessageRef{ref}, err
}

// gatedSender holds deliveries to one chat until gate is closed.
type gatedSender struct {
	chatSender
	chat int64
	gate chan struct{}
}

func (g *gatedSender) Deliver(ctx context.Context, d model.Destination, m transport.Message) (transport.MessageRef, error) {
	if d.ChatID == g.chat {
		<-g.gate
	}
	return g.chatSender.Deliver(ctx, d, m)
}

func (c *chatSender) count(chat int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[chat]
}

func task(id string, src model.FeedID, chats ...int64) model.Task {
	t := model.Task{ID: id, Sources: []model.FeedID{src}, Active: true}
	for _, c := range chats {
		t.Destinations = append(t.Destinations, model.Destination{ChatID: c})
	}
	return t
}

func post(origin model.FeedID) model.Post {
	return model.Post{Origin: origin, ID: "1", Kind: model.Text, Text: "hello"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestService(tasks *memTasks, snd transport.Sender, set *countingSettings) *Service {
	return New(Config{
		Distributors: 2,
		DrainGrace:   time.Second,
		Pool:         worker.Config{Workers: 2},
	}, Deps{Tasks: tasks, Settings: set, Sender: snd, Bus: eventbus.New()})
}

func TestSubmitOverflowCountsExactly(t *testing.T) {
	t.Parallel()
	s := New(Config{QueueSize: 5}, Deps{Tasks: &memTasks{}, Settings: &countingSettings{}, Sender: &chatSender{}})

	start := time.Now()
	accepted := 0
	for i := 0; i < 12; i++ {
		if s.Submit(post("src")) {
			accepted++
		}
	}
	if time.Since(start) > time.Second {
		t.Fatal("Submit blocked")
	}
	st := s.Stats()
	if accepted != 5 || st.Dropped != 7 || st.Received != 5 {
		t.Fatalf("accepted=%d stats=%+v", accepted, st)
	}
}

func TestRoutesBySource(t *testing.T) {
	t.Parallel()
	tasks := &memTasks{}
	tasks.set(task("a", "s1", 1, 2), task("b", "s2", 3))
	snd := &chatSender{}
	s := newTestService(tasks, snd, &countingSettings{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	s.Submit(post("s1"))
	s.Submit(post("nobody"))
	waitFor(t, "delivery", func() bool { return snd.count(1) == 1 && snd.count(2) == 1 })
	waitFor(t, "unmatched", func() bool { return s.Stats().Unmatched == 1 })
	if snd.count(3) != 0 {
		t.Fatalf("task b received a post from s1")
	}
}

func TestReloadSwapsRouting(t *testing.T) {
	t.Parallel()
	tasks := &memTasks{}
	tasks.set(task("a", "s1", 1), task("b", "s1", 2))
	snd := &chatSender{}
	set := &countingSettings{}
	s := newTestService(tasks, snd, set)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	kept := s.snap.Load().pools["a"]
	tasks.set(task("a", "s1", 1, 5), task("c", "s1", 9))
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	snap := s.snap.Load()
	if snap.pools["a"] != kept {
		t.Fatal("kept task should keep its pool")
	}
	if _, ok := snap.pools["b"]; ok {
		t.Fatal("removed task still routed")
	}
	if got := len(kept.Destinations()); got != 2 {
		t.Fatalf("kept destinations = %d", got)
	}
	if atomic.LoadInt32(&set.invalidated) != 2 {
		t.Fatalf("settings invalidated %d times", set.invalidated)
	}

	s.Submit(post("s1"))
	waitFor(t, "delivery", func() bool { return snd.count(1) == 1 && snd.count(5) == 1 && snd.count(9) == 1 })
	if snd.count(2) != 0 {
		t.Fatal("removed task delivered")
	}
	if st := s.Stats(); st.Reloads != 2 || len(st.Tasks) != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSubmitAfterStopDrops(t *testing.T) {
	t.Parallel()
	tasks := &memTasks{}
	tasks.set(task("a", "s1", 1))
	snd := &chatSender{}
	s := newTestService(tasks, snd, &countingSettings{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Submit(post("s1"))
	s.Stop(context.Background())

	if snd.count(1) != 1 {
		t.Fatalf("queued post lost on stop: %d", snd.count(1))
	}
	if s.Submit(post("s1")) {
		t.Fatal("Submit accepted after Stop")
	}
	if err := s.Reload(context.Background()); err != ErrNotRunning {
		t.Fatalf("reload after stop = %v", err)
	}
}

func TestConcurrentReloadsKeepRoutingConsistent(t *testing.T) {
	t.Parallel()
	setA := []model.Task{task("a", "s1", 1), task("b", "s1", 2)}
	setB := []model.Task{task("a", "s1", 1), task("c", "s2", 3)}
	tasks := &memTasks{}
	tasks.set(setA...)
	snd := &chatSender{}
	s := newTestService(tasks, snd, &countingSettings{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				tasks.set(setA...)
			} else {
				tasks.set(setB...)
			}
			if err := s.Reload(context.Background()); err != nil {
				t.Errorf("reload: %v", err)
			}
			s.Submit(post("s1"))
			s.Submit(post("s2"))
		}(i)
	}
	wg.Wait()

	ids := func() map[string]bool {
		out := map[string]bool{}
		for id := range s.snap.Load().pools {
			out[id] = true
		}
		return out
	}
	got := ids()
	torn := len(got) != 2 || !got["a"] || got["b"] == got["c"]
	if torn {
		t.Fatalf("routing after concurrent reloads = %v", got)
	}
	for src, pools := range s.snap.Load().bySource {
		for _, p := range pools {
			if !got[p.TaskID()] {
				t.Fatalf("source %s routes to unknown pool %s", src, p.TaskID())
			}
		}
	}

	tasks.set(setB...)
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := ids(); len(got) != 2 || !got["a"] || !got["c"] {
		t.Fatalf("routing = %v, want a,c", got)
	}
	if st := s.Stats(); st.Dropped != 0 {
		t.Fatalf("dropped = %d", st.Dropped)
	}
}

func TestRemovedTaskDeliversQueuedItems(t *testing.T) {
	t.Parallel()
	tasks := &memTasks{}
	tasks.set(task("a", "s1", 1), task("b", "s1", 2))
	snd := &gatedSender{chat: 2, gate: make(chan struct{})}
	s := newTestService(tasks, snd, &countingSettings{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	removed := s.snap.Load().pools["b"]
	for i := 0; i < 3; i++ {
		s.Submit(post("s1"))
	}
	waitFor(t, "items queued on b", func() bool { return removed.Stats().Enqueued == 3 })

	tasks.set(task("a", "s1", 1))
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := s.snap.Load().pools["b"]; ok {
		t.Fatal("removed task still routed")
	}
	close(snd.gate)

	waitFor(t, "queued items on removed task", func() bool { return snd.count(2) == 3 })
	s.Submit(post("s1"))
	waitFor(t, "delivery to kept task", func() bool { return snd.count(1) == 4 })
	if snd.count(2) != 3 {
		t.Fatalf("removed task received a post after reload: %d", snd.count(2))
	}
}
