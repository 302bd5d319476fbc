package worker

import (
	"context"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"feedrelay/internal/model"
	"feedrelay/internal/pipeline"
	"feedrelay/internal/settings"
	"feedrelay/internal/stats"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

// process fans one item out to the live destination list. Batches run
// concurrently inside and are separated by the pacing pause.
func (p *Pool) process(ctx context.Context, it model.QueuedItem) {
	dests := p.Destinations()
	if len(dests) == 0 {
		return
	}
	if it.Post.GroupID != "" {
		// Grouped items are only buffered here. The flush sends the album to
		// every destination without batching or pacing.
		for _, d := range dests {
			p.bufferGroupItem(it, d)
		}
		return
	}

	for i, batch := range chunk(dests, p.cfg.BatchSize) {
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.BatchPause); err != nil {
				return
			}
		}
		bctx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
		var wg sync.WaitGroup
		for _, d := range batch {
			wg.Add(1)
			go func(d model.Destination) {
				defer wg.Done()
				p.guard(d, func() { p.deliverOne(bctx, it, d) })
			}(d)
		}
		wg.Wait()
		cancel()
	}
}

// guard turns a panic while serving one destination into a permanent
// failure for that destination only.
func (p *Pool) guard(d model.Destination, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.failed, 1)
			p.deps.Stats.Failed(p.taskID, true)
			p.log.Error("delivery panicked",
				logx.String("dest", d.Key()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn()
}

func (p *Pool) deliverOne(ctx context.Context, it model.QueuedItem, d model.Destination) {
	log := p.log.With(logx.String("dest", d.Key()), logx.String("trace", it.TraceID))
	if open, until := p.breaks.isOpen(p.now(), d.Key()); open {
		p.skipOpen(log, until)
		return
	}

	s, out, ok := p.transform(ctx, log, d, func(s settings.Settings) ([]pipeline.Output, error) {
		o, err := p.deps.Pipeline.Run(ctx, it.Post, s)
		return []pipeline.Output{o}, err
	})
	if !ok {
		return
	}

	var ref transport.MessageRef
	attempts, err := p.retry(ctx, func(c context.Context) error {
		var err error
		ref, err = p.deps.Sender.Deliver(c, d, message(out[0]))
		return err
	})
	p.breaks.record(p.now(), d.Key(), err)
	if err != nil {
		p.fail(log, err, attempts)
		return
	}
	p.succeed(log, it.Post, attempts)
	p.afterDelivery(ctx, log, s, []transport.MessageRef{ref})
}

// transform loads the destination's settings and runs the pipeline. A
// rejection is counted as filtered, any other error as a failure.
func (p *Pool) transform(ctx context.Context, log logx.Logger, d model.Destination, run func(settings.Settings) ([]pipeline.Output, error)) (settings.Settings, []pipeline.Output, bool) {
	s, err := p.deps.Settings.LoadSettings(ctx, d.SettingsKey())
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.deps.Stats.Failed(p.taskID, false)
		log.Warn("settings load failed", logx.Err(err))
		return s, nil, false
	}
	out, err := run(s)
	if rej, ok := pipeline.AsRejection(err); ok {
		atomic.AddUint64(&p.filtered, 1)
		p.deps.Stats.Filtered(p.taskID, rej.Stage)
		log.Info("post filtered", logx.String("stage", rej.Stage), logx.String("reason", rej.Reason))
		return s, nil, false
	}
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.deps.Stats.Failed(p.taskID, false)
		log.Warn("transform failed", logx.Err(err))
		return s, nil, false
	}
	return s, out, true
}

func (p *Pool) succeed(log logx.Logger, post model.Post, attempts int) {
	atomic.AddUint64(&p.delivered, 1)
	start := post.ReceivedAt
	if start.IsZero() {
		start = p.now()
	}
	latency := p.now().Sub(start)
	p.deps.Stats.Delivered(p.taskID, latency)
	log.Debug("delivered", logx.Int("attempts", attempts), logx.Duration("latency", latency))
}

// fail records a delivery that will not be retried. A transient error
// that used up every retry counts as permanent.
func (p *Pool) fail(log logx.Logger, err error, attempts int) {
	exhausted := attempts > p.cfg.MaxRetries
	permanent := transport.IsPermanent(err) || exhausted
	atomic.AddUint64(&p.failed, 1)
	p.deps.Stats.Failed(p.taskID, permanent)
	log.Warn("delivery failed",
		logx.Bool("permanent", permanent),
		logx.Bool("retries_exhausted", exhausted),
		logx.Int("attempts", attempts),
		logx.Err(err))
}

func (p *Pool) skipOpen(log logx.Logger, until time.Time) {
	atomic.AddUint64(&p.dropped, 1)
	p.deps.Stats.Dropped(stats.DropCircuit)
	log.Debug("destination circuit open", logx.Time("until", until))
}

// retry runs op until it succeeds, fails permanently or MaxRetries retries
// are used up. It returns the number of attempts and the last error.
func (p *Pool) retry(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil || transport.IsPermanent(err) || attempts > p.cfg.MaxRetries {
			return attempts, err
		}
		if ctx.Err() != nil {
			return attempts, err
		}
		delay := p.backoffDelay(attempts, err)
		p.log.Debug("delivery retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		if serr := p.sleep(ctx, delay); serr != nil {
			return attempts, err
		}
	}
}

// backoffDelay doubles RetryBase per attempt. A retry-after hint from the
// platform replaces the computed delay. Both are capped at RetryMaxDelay.
func (p *Pool) backoffDelay(attempt int, err error) time.Duration {
	maxD := p.cfg.RetryMaxDelay
	d, hinted := transport.RetryHint(err)
	if !hinted {
		d = p.cfg.RetryBase
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxD {
				break
			}
		}
	}
	if j := p.cfg.RetryJitter; j > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// afterDelivery applies the auto-pin and auto-delete toggles through the
// optional sender capabilities.
func (p *Pool) afterDelivery(ctx context.Context, log logx.Logger, s settings.Settings, refs []transport.MessageRef) {
	if len(refs) == 0 {
		return
	}
	if s.Pin.Enabled {
		if pn, ok := p.deps.Sender.(transport.Pinner); ok {
			if err := pn.Pin(ctx, refs[0]); err != nil {
				log.Warn("auto-pin failed", logx.Err(err))
			}
		}
	}
	if delay := s.Delete.Delay(); delay > 0 {
		if dl, ok := p.deps.Sender.(transport.Deleter); ok {
			p.scheduleDelete(dl, refs, delay)
		}
	}
}

func (p *Pool) scheduleDelete(dl transport.Deleter, refs []transport.MessageRef, delay time.Duration) {
	p.delMu.Lock()
	defer p.delMu.Unlock()
	if p.deletes == nil {
		return
	}
	p.delSeq++
	id := p.delSeq
	p.deletes[id] = time.AfterFunc(delay, func() {
		p.delMu.Lock()
		delete(p.deletes, id)
		p.delMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.BatchTimeout)
		defer cancel()
		for _, ref := range refs {
			if err := dl.Delete(ctx, ref); err != nil {
				p.log.Warn("auto-delete failed",
					logx.Int64("chat", ref.ChatID),
					logx.Int("message", ref.MessageID),
					logx.Err(err),
				)
			}
		}
	})
}

func (p *Pool) bufferGroupItem(it model.QueuedItem, d model.Destination) {
	key := d.Key() + "|" + string(it.Post.Origin) + "|" + it.Post.GroupID
	p.albums.Add(key, it.Post, func(_ string, posts []model.Post) {
		p.flushGroup(d, it.TraceID, posts)
	})
}

// flushGroup delivers a completed album. It runs on the album timer or,
// during Stop, on the stopping goroutine.
func (p *Pool) flushGroup(d model.Destination, trace string, posts []model.Post) {
	p.flightMu.Lock()
	if p.flightClosed {
		p.flightMu.Unlock()
		atomic.AddUint64(&p.dropped, 1)
		p.log.Warn("album flushed after stop", logx.String("dest", d.Key()), logx.Int("items", len(posts)))
		return
	}
	p.flights.Add(1)
	p.flightMu.Unlock()
	defer p.flights.Done()

	ctx, cancel := context.WithTimeout(p.context(), p.cfg.BatchTimeout)
	defer cancel()
	p.guard(d, func() { p.deliverGroup(ctx, d, trace, orderGroup(posts)) })
}

func (p *Pool) deliverGroup(ctx context.Context, d model.Destination, trace string, posts []model.Post) {
	log := p.log.With(logx.String("dest", d.Key()), logx.String("trace", trace), logx.Int("items", len(posts)))
	if open, until := p.breaks.isOpen(p.now(), d.Key()); open {
		p.skipOpen(log, until)
		return
	}
	s, outs, ok := p.transform(ctx, log, d, func(s settings.Settings) ([]pipeline.Output, error) {
		return p.deps.Pipeline.RunGroup(ctx, posts, s)
	})
	if !ok {
		return
	}
	msgs := make([]transport.Message, 0, len(outs))
	for _, o := range outs {
		msgs = append(msgs, message(o))
	}

	var refs []transport.MessageRef
	attempts, err := p.retry(ctx, func(c context.Context) error {
		var err error
		refs, err = p.deps.Sender.DeliverGroup(c, d, msgs)
		return err
	})
	p.breaks.record(p.now(), d.Key(), err)
	if err != nil {
		p.fail(log, err, attempts)
		return
	}
	p.succeed(log, posts[0], attempts)
	p.afterDelivery(ctx, log, s, refs)
}

func message(o pipeline.Output) transport.Message {
	return transport.Message{
		Kind:    o.Post.Kind,
		HTML:    o.HTML,
		Media:   o.Post.Media,
		Buttons: o.Post.Buttons,
	}
}

// orderGroup sorts album items by message id when ids are numeric. Workers
// buffer items concurrently, so arrival order is not reliable.
func orderGroup(posts []model.Post) []model.Post {
	out := append([]model.Post(nil), posts...)
	sort.SliceStable(out, func(i, j int) bool {
		a, errA := strconv.ParseInt(out[i].ID, 10, 64)
		b, errB := strconv.ParseInt(out[j].ID, 10, 64)
		if errA != nil || errB != nil {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return a < b
	})
	return out
}

func chunk(dests []model.Destination, size int) [][]model.Destination {
	if size <= 0 {
		size = len(dests)
	}
	out := make([][]model.Destination, 0, (len(dests)+size-1)/size)
	for len(dests) > 0 {
		n := min(size, len(dests))
		out = append(out, dests[:n])
		dests = dests[n:]
	}
	return out
}
