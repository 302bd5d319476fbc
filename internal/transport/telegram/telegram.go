// Package telegram connects feedrelay to the Telegram Bot API through
// telebot. One Adapter is both a source (channel posts the bot can see) and
// the sender for every destination.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outgoing API calls across all destinations.
	RatePerSec int
	// Sources restricts which chats are relayed. Empty accepts every chat
	// the bot receives posts from.
	Sources []int64

	AlertChatID   int64
	AlertThreadID int

	DisablePreview bool
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter
	sources map[int64]struct{}

	sink    atomic.Pointer[transport.Sink]
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped uint64
}

var (
	_ transport.Sender  = (*Adapter)(nil)
	_ transport.Pinner  = (*Adapter)(nil)
	_ transport.Deleter = (*Adapter)(nil)
	_ transport.Source  = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: []string{"channel_post", "message"}},
	})
	if err != nil {
		return nil, err
	}
	return newAdapter(cfg, log, b), nil
}

func newAdapter(cfg Config, log logx.Logger, b *tele.Bot) *Adapter {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.Comp("telegram")),
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sources: make(map[int64]struct{}, len(cfg.Sources)),
	}
	for _, id := range cfg.Sources {
		a.sources[id] = struct{}{}
	}
	a.bot.Handle(tele.OnChannelPost, a.onPost)
	return a
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) accepts(chatID int64) bool {
	if len(a.sources) == 0 {
		return true
	}
	_, ok := a.sources[chatID]
	return ok
}

func (a *Adapter) onPost(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || !a.accepts(m.Chat.ID) {
		return nil
	}
	sink := a.sink.Load()
	if sink == nil {
		return nil
	}
	if !(*sink)(postFromMessage(m, time.Now())) {
		atomic.AddUint64(&a.dropped, 1)
	}
	return nil
}

// Start begins long polling. Posts go to sink until Stop.
func (a *Adapter) Start(ctx context.Context, sink transport.Sink) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sink.Store(&sink)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telegram.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped()
				return
			case <-t.C:
				a.reportDropped()
			}
		}
	})
	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop. An early return while the context is
	// alive is treated as a failure and restarted.
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) reportDropped() {
	if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
		a.log.Warn("source posts dropped", logx.Uint64("count", n))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.sink.Store(nil)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	// stop_on_cancel stops the poller; telebot's Stop must run only once.
	sup.Cancel()

	// Keep shutdown snappy even when getUpdates is mid long-poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop", logx.Err(err))
	}
	return nil
}

// Supervisor exposes the polling supervisor for the ops API. Nil when
// stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}
