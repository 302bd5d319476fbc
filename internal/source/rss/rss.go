// Package rss polls RSS and Atom feeds on a cron schedule and emits new
// items as relay posts with origin "rss:<feed id>".
//
// The first poll of a feed only records the items already present, so a
// fresh subscription does not flood its destinations with the backlog.
package rss

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/robfig/cron/v3"

	"feedrelay/internal/entity"
	"feedrelay/internal/model"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

const (
	DefaultSchedule = "@every 10m"
	DefaultTimeout  = 20 * time.Second
	DefaultSeenFor  = 30 * 24 * time.Hour

	maxBodySize   = 5 << 20
	maxSummary    = 1000 // runes
	seededMarker  = "__seeded"
	userAgent     = "feedrelay/1.0 (+rss)"
	acceptHeaders = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"
)

// Feed is one polled feed.
type Feed struct {
	ID       string
	URL      string
	Schedule string
	Timeout  time.Duration
	SeenFor  time.Duration
}

// Origin is the feed id tasks use as a source.
func (f Feed) Origin() model.FeedID { return model.FeedID("rss:" + f.ID) }

// SeenStore remembers which items were already emitted.
type SeenStore interface {
	MarkSeen(ctx context.Context, key string, until time.Time) error
	Seen(ctx context.Context, key string) (bool, error)
}

// Source implements transport.Source for a set of feeds.
type Source struct {
	feeds  []Feed
	seen   SeenStore
	client *http.Client
	log    logx.Logger
	now    func() time.Time
	policy *bluemonday.Policy

	mu    sync.Mutex
	cron  *cron.Cron
	state map[string]*feedState
}

type feedState struct {
	mu           sync.Mutex
	etag         string
	lastModified string
}

var _ transport.Source = (*Source)(nil)

type Option func(*Source)

func WithHTTPClient(c *http.Client) Option { return func(s *Source) { s.client = c } }

func WithClock(now func() time.Time) Option { return func(s *Source) { s.now = now } }

func New(feeds []Feed, seen SeenStore, log logx.Logger, opts ...Option) *Source {
	s := &Source{
		feeds:  feeds,
		seen:   seen,
		client: &http.Client{},
		log:    log.With(logx.Comp("rss")),
		now:    time.Now,
		policy: bluemonday.StrictPolicy(),
		state:  map[string]*feedState{},
	}
	for _, o := range opts {
		o(s)
	}
	for i := range s.feeds {
		f := &s.feeds[i]
		if strings.TrimSpace(f.Schedule) == "" {
			f.Schedule = DefaultSchedule
		}
		if f.Timeout <= 0 {
			f.Timeout = DefaultTimeout
		}
		if f.SeenFor <= 0 {
			f.SeenFor = DefaultSeenFor
		}
		s.state[f.ID] = &feedState{}
	}
	return s
}

func (s *Source) Name() string { return "rss" }

// Start schedules every feed and polls each once right away.
func (s *Source) Start(ctx context.Context, sink transport.Sink) error {
	if sink == nil {
		return errors.New("rss: nil sink")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, f := range s.feeds {
		f := f
		job := cron.FuncJob(func() { s.Poll(ctx, f, sink) })
		if _, err := c.AddJob(f.Schedule, job); err != nil {
			return fmt.Errorf("rss feed %q: schedule %q: %w", f.ID, f.Schedule, err)
		}
	}
	c.Start()
	s.cron = c

	for _, f := range s.feeds {
		f := f
		go s.Poll(ctx, f, sink)
	}
	s.log.Info("rss source started", logx.Int("feeds", len(s.feeds)))
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll fetches f once and emits unseen items oldest first. It returns the
// number of posts the sink accepted.
func (s *Source) Poll(ctx context.Context, f Feed, sink transport.Sink) int {
	st := s.state[f.ID]
	if st == nil {
		return 0
	}
	// Overlapping polls of one feed would emit the same items twice.
	st.mu.Lock()
	defer st.mu.Unlock()

	log := s.log.With(logx.String("feed", f.ID))
	items, err := s.fetch(ctx, f, st)
	if err != nil {
		log.Warn("rss fetch failed", logx.Err(err))
		return 0
	}
	if items == nil {
		log.Debug("rss feed not modified")
		return 0
	}

	seeded, err := s.seen.Seen(ctx, s.key(f, seededMarker))
	if err != nil {
		log.Warn("rss seen lookup failed", logx.Err(err))
		return 0
	}
	now := s.now()
	until := now.Add(f.SeenFor)

	if !seeded {
		for _, it := range items {
			_ = s.seen.MarkSeen(ctx, s.key(f, itemID(it)), until)
		}
		// The marker outlives every item mark.
		if err := s.seen.MarkSeen(ctx, s.key(f, seededMarker), now.Add(100*365*24*time.Hour)); err != nil {
			log.Warn("rss seed failed", logx.Err(err))
		}
		log.Info("rss feed seeded", logx.Int("items", len(items)))
		return 0
	}

	accepted := 0
	for _, it := range items {
		id := itemID(it)
		key := s.key(f, id)
		ok, err := s.seen.Seen(ctx, key)
		if err != nil {
			log.Warn("rss seen lookup failed", logx.Err(err))
			continue
		}
		if ok {
			continue
		}
		if !sink(s.toPost(f, id, it, now)) {
			// Dropped under overload; retried on the next poll.
			continue
		}
		accepted++
		if err := s.seen.MarkSeen(ctx, key, until); err != nil {
			log.Warn("rss mark seen failed", logx.Err(err))
		}
	}
	if accepted > 0 {
		log.Info("rss items emitted", logx.Int("count", accepted))
	}
	return accepted
}

// fetch returns the items oldest first, or nil when the feed is unchanged.
func (s *Source) fetch(ctx context.Context, f Feed, st *feedState) ([]*gofeed.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeaders)
	if st.etag != "" {
		req.Header.Set("If-None-Match", st.etag)
	}
	if st.lastModified != "" {
		req.Header.Set("If-Modified-Since", st.lastModified)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	st.etag = resp.Header.Get("ETag")
	st.lastModified = resp.Header.Get("Last-Modified")

	items := make([]*gofeed.Item, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it != nil {
			items = append(items, it)
		}
	}
	// Feeds list newest first; keep document order for undated items.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	for _, it := range items {
		if published(it).IsZero() {
			return items, nil
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return published(items[i]).Before(published(items[j])) })
	return items, nil
}

func (s *Source) key(f Feed, id string) string {
	return string(f.Origin()) + "|" + id
}

// toPost renders an item as a text or photo post. The title is bold and
// links to the item.
func (s *Source) toPost(f Feed, id string, it *gofeed.Item, now time.Time) model.Post {
	title := collapse(html.UnescapeString(s.policy.Sanitize(it.Title)))
	summary := s.plain(it.Description)
	if summary == "" {
		summary = s.plain(it.Content)
	}
	summary = truncate(summary, maxSummary)

	var (
		b    strings.Builder
		ents []entity.Entity
	)
	if title != "" {
		n := entity.UTF16Len(title)
		b.WriteString(title)
		ents = append(ents, entity.Entity{Kind: entity.Bold, Offset: 0, Length: n})
		if it.Link != "" {
			ents = append(ents, entity.Entity{Kind: entity.TextLink, Offset: 0, Length: n, URL: it.Link})
		}
	}
	if summary != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(summary)
	}
	if title == "" && it.Link != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(it.Link)
	}

	p := model.Post{
		Origin:     f.Origin(),
		ID:         id,
		Kind:       model.Text,
		Text:       b.String(),
		Entities:   ents,
		ReceivedAt: now,
	}
	if img := imageURL(it); img != "" {
		p.Kind = model.Photo
		p.Media = &model.Media{Kind: model.Photo, URL: img}
	}
	return p
}

// plain strips markup and entities from an HTML fragment.
func (s *Source) plain(frag string) string {
	if strings.TrimSpace(frag) == "" {
		return ""
	}
	// Keep paragraph breaks visible after tags are stripped.
	r := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n")
	txt := html.UnescapeString(s.policy.Sanitize(r.Replace(frag)))
	lines := strings.Split(txt, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, ln := range lines {
		ln = collapse(ln)
		if ln == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return strings.TrimSpace(s[:i]) + "…"
		}
		n++
	}
	return s
}

// itemID prefers the GUID, then the link. Items with neither get a stable
// name-based UUID.
func itemID(it *gofeed.Item) string {
	if g := strings.TrimSpace(it.GUID); g != "" {
		return g
	}
	if l := strings.TrimSpace(it.Link); l != "" {
		return l
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(it.Title+"\x00"+it.Published+"\x00"+it.Description)).String()
}

func published(it *gofeed.Item) time.Time {
	if it.PublishedParsed != nil {
		return *it.PublishedParsed
	}
	if it.UpdatedParsed != nil {
		return *it.UpdatedParsed
	}
	return time.Time{}
}

func imageURL(it *gofeed.Item) string {
	if it.Image != nil && it.Image.URL != "" {
		return it.Image.URL
	}
	for _, e := range it.Enclosures {
		if e != nil && strings.HasPrefix(e.Type, "image/") && e.URL != "" {
			return e.URL
		}
	}
	return ""
}

// cronLogger routes cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
