// Package pipeline runs a post through the per-destination transform stages.
//
// Stages run in a fixed order. Filters may reject the post with a
// *Rejection; rewriters change text and keep formatting spans consistent
// through the entity package. Every stage is skipped when its settings are
// zero.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedrelay/internal/entity"
	"feedrelay/internal/model"
	"feedrelay/internal/settings"
	logx "feedrelay/pkg/logx"
)

// Rejection reports that a stage filtered the post out. It is not a
// delivery failure.
type Rejection struct {
	Stage  string
	Reason string
}

func (r *Rejection) Error() string { return fmt.Sprintf("filtered by %s: %s", r.Stage, r.Reason) }

// AsRejection returns the rejection wrapped in err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

func reject(stage, format string, args ...any) error {
	return &Rejection{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Translator translates text into the target language (an ISO 639-1 code).
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// Output is a transformed post ready for a transport.
type Output struct {
	Post model.Post
	// HTML is Post.Text with its entities rendered as Telegram HTML.
	HTML string
}

type work struct {
	post model.Post
	set  settings.Settings
	now  time.Time
}

type stage struct {
	name    string
	enabled func(settings.Settings) bool
	apply   func(ctx context.Context, w *work) error
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	log        logx.Logger
	translator Translator
	now        func() time.Time
	stages     []stage
}

type Option func(*Pipeline)

func WithLogger(l logx.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithTranslator enables the translation stage.
func WithTranslator(t Translator) Option { return func(p *Pipeline) { p.translator = t } }

// WithClock overrides the clock used by the schedule stage.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(opts ...Option) *Pipeline {
	p := &Pipeline{now: time.Now}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(logx.Comp("pipeline"))
	p.stages = []stage{
		{"schedule", func(s settings.Settings) bool { return s.Schedule.Enabled }, stageSchedule},
		{"media", func(s settings.Settings) bool { return len(s.Media.Blocked) > 0 }, stageMedia},
		{"forwarded", func(s settings.Settings) bool { return s.Forwarded.Block }, stageForwarded},
		{"buttons", func(s settings.Settings) bool { return s.Buttons.Mode != "" }, stageButtons},
		{"length", func(s settings.Settings) bool { return s.Length.Min > 0 || s.Length.Max > 0 }, stageLength},
		{"allow", func(s settings.Settings) bool { return len(s.Allow.Words) > 0 }, stageAllow},
		{"deny", func(s settings.Settings) bool { return len(s.Deny.Words) > 0 }, stageDeny},
		{"language", func(s settings.Settings) bool { return len(s.Language.Allowed) > 0 }, stageLanguage},
		{"links", func(s settings.Settings) bool { return s.Links.Mode != "" }, stageLinks},
		{"replace", func(s settings.Settings) bool { return len(s.Replace.Pairs) > 0 }, stageReplace},
		{"translate", func(s settings.Settings) bool { return s.Translate.Target != "" && p.translator != nil }, p.stageTranslate},
		{"header", func(s settings.Settings) bool { return s.Header.Text != "" }, stageHeader},
		{"footer", func(s settings.Settings) bool { return s.Footer.Text != "" }, stageFooter},
		{"format", func(s settings.Settings) bool { return s.Format.Mode != "" }, stageFormat},
	}
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	out := make([]string, len(p.stages))
	for i, st := range p.stages {
		out[i] = st.name
	}
	return out
}

// Run transforms a copy of post for one destination. A filtered post yields
// a *Rejection error.
func (p *Pipeline) Run(ctx context.Context, post model.Post, s settings.Settings) (Output, error) {
	w := &work{post: post.Clone(), set: s, now: p.now()}
	w.post.Entities = entity.Clamp(w.post.Text, w.post.Entities)
	for _, st := range p.stages {
		if !st.enabled(s) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		if err := st.apply(ctx, w); err != nil {
			return Output{}, err
		}
	}
	return Output{Post: w.post, HTML: entity.Render(w.post.Text, w.post.Entities)}, nil
}

// RunGroup transforms an album. The caption post (the first one carrying
// text, else the first) goes through every stage and decides for the whole
// group; the other items only pass the media filter. Items whose kind is
// blocked are dropped, and a group left empty is rejected.
func (p *Pipeline) RunGroup(ctx context.Context, posts []model.Post, s settings.Settings) ([]Output, error) {
	if len(posts) == 0 {
		return nil, reject("media", "empty group")
	}
	caption := 0
	for i, post := range posts {
		if post.Text != "" {
			caption = i
			break
		}
	}

	// Media is decided per item below.
	capSet := s
	capSet.Media = settings.MediaFilter{}
	head, err := p.Run(ctx, posts[caption], capSet)
	if err != nil {
		return nil, err
	}

	out := make([]Output, 0, len(posts))
	for i, post := range posts {
		if blockedKind(s, post.Kind) {
			continue
		}
		if i == caption {
			out = append(out, head)
			continue
		}
		cp := post.Clone()
		cp.Text, cp.Entities = "", nil
		out = append(out, Output{Post: cp})
	}
	if len(out) == 0 {
		return nil, reject("media", "every item of the group is blocked")
	}
	if blockedKind(s, posts[caption].Kind) && posts[caption].Text != "" {
		// The caption item was dropped; its text moves to the first survivor.
		out[0].Post.Text = head.Post.Text
		out[0].Post.Entities = head.Post.Entities
		out[0].HTML = head.HTML
	}
	return out, nil
}
