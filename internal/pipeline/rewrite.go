package pipeline

import (
	"context"
	"sort"
	"strings"

	"mvdan.cc/xurls/v2"

	"feedrelay/internal/entity"
	"feedrelay/internal/settings"
	logx "feedrelay/pkg/logx"
)

var bareLinks = xurls.Relaxed()

// isBareLink accepts a relaxed match only when it has a scheme, a www.
// prefix or a path. Telegram already marks plain domains as url spans, and
// file names such as README.md must stay text.
func isBareLink(m string) bool {
	if strings.Contains(m, "://") {
		return true
	}
	lower := strings.ToLower(m)
	if strings.HasPrefix(lower, "www.") {
		return true
	}
	return strings.Contains(m, "/") && !isEmail(m)
}

type unitRange struct{ start, end int }

// linkRanges returns the merged UTF-16 ranges of every visible link: url
// spans plus bare links the platform did not mark. Email addresses are
// left alone.
func linkRanges(text string, spans []entity.Entity) []unitRange {
	var rs []unitRange
	for _, e := range spans {
		if e.Kind == entity.URL {
			rs = append(rs, unitRange{e.Offset, e.End()})
		}
	}
	for _, m := range bareLinks.FindAllStringIndex(text, -1) {
		if s := text[m[0]:m[1]]; isEmail(s) || !isBareLink(s) {
			continue
		}
		rs = append(rs, unitRange{entity.CodeUnitOffset(text, m[0]), entity.CodeUnitOffset(text, m[1])})
	}
	if len(rs) == 0 {
		return nil
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].start < rs[j].start })
	merged := rs[:1]
	for _, r := range rs[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func isEmail(s string) bool {
	return strings.Contains(s, "@") && !strings.Contains(s, "/")
}

func stageLinks(_ context.Context, w *work) error {
	ranges := linkRanges(w.post.Text, w.post.Entities)
	hasTextLink := false
	for _, e := range w.post.Entities {
		if e.Kind == entity.TextLink {
			hasTextLink = true
			break
		}
	}
	if len(ranges) == 0 && !hasTextLink {
		return nil
	}
	if w.set.Links.Mode == settings.LinksBlock {
		return reject("links", "post contains links")
	}

	old := w.post.Text
	text := old
	for i := len(ranges) - 1; i >= 0; i-- {
		start := entity.NativeIndex(text, ranges[i].start)
		end := entity.NativeIndex(text, ranges[i].end)
		switch {
		case end < len(text) && text[end] == ' ':
			end++
		case start > 0 && text[start-1] == ' ':
			start--
		}
		text = text[:start] + text[end:]
	}
	keep := entity.Filter(w.post.Entities, func(e entity.Entity) bool { return !e.Kind.IsLink() })
	w.post.Text = text
	w.post.Entities = entity.Relocate(old, keep, text)
	return nil
}

func stageReplace(_ context.Context, w *work) error {
	text, spans := w.post.Text, w.post.Entities
	for _, r := range w.set.Replace.Pairs {
		text, spans = entity.ReplaceAll(text, spans, r.From, r.To)
	}
	w.post.Text, w.post.Entities = text, spans
	return nil
}

// stageTranslate sends the original text when the translator fails.
func (p *Pipeline) stageTranslate(ctx context.Context, w *work) error {
	if strings.TrimSpace(w.post.Text) == "" {
		return nil
	}
	out, err := p.translator.Translate(ctx, w.post.Text, w.set.Translate.Target)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("translation failed", logx.String("target", w.set.Translate.Target), logx.Err(err))
		return nil
	}
	w.post.Entities = entity.Relocate(w.post.Text, w.post.Entities, out)
	w.post.Text = out
	return nil
}

func stageHeader(_ context.Context, w *work) error {
	h := w.set.Header
	if w.post.Text == "" {
		w.post.Text = h.Text
		w.post.Entities = entity.Merge(h.Entities, nil)
		return nil
	}
	shift := entity.UTF16Len(h.Text) + 1
	w.post.Text = h.Text + "\n" + w.post.Text
	w.post.Entities = entity.Merge(h.Entities, entity.Shift(w.post.Entities, shift))
	return nil
}

func stageFooter(_ context.Context, w *work) error {
	f := w.set.Footer
	if w.post.Text == "" {
		w.post.Text = f.Text
		w.post.Entities = entity.Merge(f.Entities, nil)
		return nil
	}
	shift := entity.UTF16Len(w.post.Text) + 1
	w.post.Text = w.post.Text + "\n" + f.Text
	w.post.Entities = entity.Merge(w.post.Entities, entity.Shift(f.Entities, shift))
	return nil
}

func stageFormat(_ context.Context, w *work) error {
	switch w.set.Format.Mode {
	case settings.FormatStrip:
		w.post.Entities = entity.Filter(w.post.Entities, func(e entity.Entity) bool { return e.Kind.Protected() })
	case settings.FormatUnify:
		w.post.Entities = unify(w.post.Text, w.post.Entities, w.set.Format.Target)
	}
	return nil
}

// unify converts every stylistic span to target and fills the gaps between
// them, so the whole text carries target exactly once. Protected spans are
// kept as they are.
func unify(text string, spans []entity.Entity, target entity.Kind) []entity.Entity {
	n := entity.UTF16Len(text)
	var styled, kept []entity.Entity
	for _, e := range spans {
		if e.Kind.Stylistic() {
			styled = append(styled, entity.Entity{Kind: target, Offset: e.Offset, Length: e.Length})
			continue
		}
		kept = append(kept, e)
	}
	sort.SliceStable(styled, func(i, j int) bool { return styled[i].Offset < styled[j].Offset })

	var cover []entity.Entity
	cursor := 0
	for _, e := range styled {
		if e.Offset > cursor {
			cover = append(cover, entity.Entity{Kind: target, Offset: cursor, Length: e.Offset - cursor})
			cursor = e.Offset
		}
		if e.End() > cursor {
			cover = append(cover, entity.Entity{Kind: target, Offset: cursor, Length: e.End() - cursor})
			cursor = e.End()
		}
	}
	if cursor < n {
		cover = append(cover, entity.Entity{Kind: target, Offset: cursor, Length: n - cursor})
	}
	return entity.Merge(cover, kept)
}
