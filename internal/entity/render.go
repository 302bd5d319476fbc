package entity

import (
	"sort"
	"strconv"
	"strings"
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

var attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// EscapeHTML escapes the three characters Telegram HTML treats specially.
func EscapeHTML(s string) string { return htmlEscaper.Replace(s) }

func openTag(e Entity) string {
	switch e.Kind {
	case Bold:
		return "<b>"
	case Italic:
		return "<i>"
	case Underline:
		return "<u>"
	case Strikethrough:
		return "<s>"
	case Spoiler:
		return "<tg-spoiler>"
	case Code:
		return "<code>"
	case Pre:
		if e.Language != "" {
			return `<pre><code class="language-` + attrEscaper.Replace(e.Language) + `">`
		}
		return "<pre>"
	case Blockquote:
		return "<blockquote>"
	case ExpandableBlockquote:
		return "<blockquote expandable>"
	case TextLink:
		return `<a href="` + attrEscaper.Replace(e.URL) + `">`
	case TextMention:
		return `<a href="tg://user?id=` + strconv.FormatInt(e.UserID, 10) + `">`
	case CustomEmoji:
		return `<tg-emoji emoji-id="` + attrEscaper.Replace(e.CustomEmojiID) + `">`
	}
	return ""
}

func closeTag(e Entity) string {
	switch e.Kind {
	case Bold:
		return "</b>"
	case Italic:
		return "</i>"
	case Underline:
		return "</u>"
	case Strikethrough:
		return "</s>"
	case Spoiler:
		return "</tg-spoiler>"
	case Code:
		return "</code>"
	case Pre:
		if e.Language != "" {
			return "</code></pre>"
		}
		return "</pre>"
	case Blockquote, ExpandableBlockquote:
		return "</blockquote>"
	case TextLink, TextMention:
		return "</a>"
	case CustomEmoji:
		return "</tg-emoji>"
	}
	return ""
}

type boundary struct {
	pos int
	end bool
	idx int
}

// Render flattens text and spans into Telegram HTML.
//
// Boundaries are swept in (position, end-before-start) order. Spans that
// start together open longest first, then in input order; spans that end
// together close in reverse opening order. A span that must close while
// others opened after it are still open closes them, closes itself, and
// reopens them, so the output is always well-formed. Kinds without markup
// (url, mention, hashtag, ...) are skipped.
func Render(text string, spans []Entity) string {
	u := encode(text)
	events := make([]boundary, 0, 2*len(spans))
	for i, e := range spans {
		if e.Length <= 0 || e.Offset < 0 || e.End() > len(u) || openTag(e) == "" {
			continue
		}
		events = append(events, boundary{pos: e.Offset, idx: i}, boundary{pos: e.End(), end: true, idx: i})
	}
	if len(events) == 0 {
		return EscapeHTML(text)
	}

	sort.SliceStable(events, func(a, b int) bool {
		ea, eb := events[a], events[b]
		if ea.pos != eb.pos {
			return ea.pos < eb.pos
		}
		if ea.end != eb.end {
			return ea.end
		}
		sa, sb := spans[ea.idx], spans[eb.idx]
		if ea.end {
			// Reverse of opening order.
			if sa.Offset != sb.Offset {
				return sa.Offset > sb.Offset
			}
			if sa.Length != sb.Length {
				return sa.Length < sb.Length
			}
			return ea.idx > eb.idx
		}
		if sa.Length != sb.Length {
			return sa.Length > sb.Length
		}
		return ea.idx < eb.idx
	})

	var b strings.Builder
	b.Grow(len(text) + 16*len(spans))
	stack := make([]int, 0, len(spans))
	cursor := 0
	for _, ev := range events {
		if ev.pos > cursor {
			b.WriteString(EscapeHTML(decode(u[cursor:ev.pos])))
			cursor = ev.pos
		}
		if !ev.end {
			b.WriteString(openTag(spans[ev.idx]))
			stack = append(stack, ev.idx)
			continue
		}
		k := -1
		for j := len(stack) - 1; j >= 0; j-- {
			if stack[j] == ev.idx {
				k = j
				break
			}
		}
		if k < 0 {
			continue
		}
		for j := len(stack) - 1; j >= k; j-- {
			b.WriteString(closeTag(spans[stack[j]]))
		}
		reopen := append([]int(nil), stack[k+1:]...)
		stack = stack[:k]
		for _, r := range reopen {
			b.WriteString(openTag(spans[r]))
			stack = append(stack, r)
		}
	}
	if cursor < len(u) {
		b.WriteString(EscapeHTML(decode(u[cursor:])))
	}
	return b.String()
}
