package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"feedrelay/internal/model"
	"feedrelay/internal/transport"
)

const (
	textLimit    = 4000
	captionLimit = 1000
)

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.Transient(err)
	}
	return nil
}

func (a *Adapter) opts(dest model.Destination, buttons [][]model.Button) *tele.SendOptions {
	o := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: a.cfg.DisablePreview,
		ThreadID:              dest.ThreadID,
	}
	if rm := markup(buttons); rm != nil {
		o.ReplyMarkup = rm
	}
	return o
}

// Deliver sends one message. Text longer than one Telegram message is split;
// a caption too long for its media is sent as a follow-up text message.
// The returned ref points at the first message sent.
func (a *Adapter) Deliver(ctx context.Context, dest model.Destination, msg transport.Message) (transport.MessageRef, error) {
	chat := &tele.Chat{ID: dest.ChatID}
	ref := transport.MessageRef{ChatID: dest.ChatID, ThreadID: dest.ThreadID}

	if msg.Kind == model.Text {
		chunks := splitHTML(msg.HTML, textLimit)
		for i, chunk := range chunks {
			var buttons [][]model.Button
			if i == len(chunks)-1 {
				buttons = msg.Buttons
			}
			m, err := a.send(ctx, chat, chunk, a.opts(dest, buttons))
			if err != nil {
				return ref, partial(err, i, len(chunks))
			}
			if i == 0 {
				ref.MessageID = m.ID
			}
		}
		return ref, nil
	}

	caption, rest := msg.HTML, ""
	if len([]rune(caption)) > captionLimit || !captioned(msg.Kind) {
		caption, rest = "", msg.HTML
	}
	what, err := sendable(msg.Kind, msg.Media, caption)
	if err != nil {
		return ref, err
	}
	m, err := a.send(ctx, chat, what, a.opts(dest, msg.Buttons))
	if err != nil {
		return ref, err
	}
	ref.MessageID = m.ID
	if rest == "" {
		return ref, nil
	}
	chunks := splitHTML(rest, textLimit)
	for i, chunk := range chunks {
		if _, err := a.send(ctx, chat, chunk, a.opts(dest, nil)); err != nil {
			return ref, partial(err, i+1, len(chunks)+1)
		}
	}
	return ref, nil
}

// partial marks a failure after sent of total parts went out as
// permanent, so a retry does not post the delivered parts again.
func partial(err error, sent, total int) error {
	if sent == 0 {
		return err
	}
	return transport.Permanent(fmt.Errorf("%d of %d parts delivered: %w", sent, total, err))
}

// DeliverGroup sends an album. Kinds Telegram cannot group are sent one by
// one after the album.
func (a *Adapter) DeliverGroup(ctx context.Context, dest model.Destination, msgs []transport.Message) ([]transport.MessageRef, error) {
	var album tele.Album
	var single []transport.Message
	for i, msg := range msgs {
		caption := msg.HTML
		if len([]rune(caption)) > captionLimit {
			caption = ""
		}
		what, err := sendable(msg.Kind, msg.Media, caption)
		if err != nil {
			return nil, err
		}
		in, ok := what.(tele.Inputtable)
		if !ok || len(album) == 10 {
			single = append(single, msgs[i])
			continue
		}
		album = append(album, in)
	}

	var refs []transport.MessageRef
	if len(album) > 0 {
		if err := a.wait(ctx); err != nil {
			return nil, err
		}
		sent, err := a.bot.SendAlbum(&tele.Chat{ID: dest.ChatID}, album, a.opts(dest, nil))
		if err != nil {
			return nil, classify(err)
		}
		for _, m := range sent {
			refs = append(refs, transport.MessageRef{ChatID: dest.ChatID, ThreadID: dest.ThreadID, MessageID: m.ID})
		}
	}
	for i, msg := range single {
		ref, err := a.Deliver(ctx, dest, msg)
		if err != nil {
			sent := i
			if len(album) > 0 {
				sent++
			}
			return refs, partial(err, sent, len(single)+min(len(album), 1))
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (a *Adapter) Pin(ctx context.Context, ref transport.MessageRef) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return classify(a.bot.Pin(stored(ref), tele.Silent))
}

func (a *Adapter) Delete(ctx context.Context, ref transport.MessageRef) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	return classify(a.bot.Delete(stored(ref)))
}

// Notify sends a plain-text alert to the configured operator chat.
func (a *Adapter) Notify(ctx context.Context, text string) error {
	if a.cfg.AlertChatID == 0 {
		return nil
	}
	chat := &tele.Chat{ID: a.cfg.AlertChatID}
	for _, chunk := range splitText(text, textLimit) {
		o := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: a.cfg.AlertThreadID}
		if _, err := a.send(ctx, chat, chunk, o); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, to tele.Recipient, what any, opt *tele.SendOptions) (*tele.Message, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	m, err := a.bot.Send(to, what, opt)
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

func stored(ref transport.MessageRef) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
}

func captioned(k model.Kind) bool {
	return k != model.VideoNote && k != model.Sticker
}

func sendable(k model.Kind, media *model.Media, caption string) (any, error) {
	if k == model.Text {
		return caption, nil
	}
	if media == nil {
		return nil, transport.Permanent(fmt.Errorf("%s message without media", k))
	}
	f := fileOf(media)
	switch k {
	case model.Photo:
		return &tele.Photo{File: f, Caption: caption}, nil
	case model.Video:
		return &tele.Video{File: f, Caption: caption}, nil
	case model.Document:
		return &tele.Document{File: f, Caption: caption}, nil
	case model.Audio:
		return &tele.Audio{File: f, Caption: caption}, nil
	case model.Voice:
		return &tele.Voice{File: f, Caption: caption}, nil
	case model.Animation:
		return &tele.Animation{File: f, Caption: caption}, nil
	case model.VideoNote:
		return &tele.VideoNote{File: f}, nil
	case model.Sticker:
		return &tele.Sticker{File: f}, nil
	}
	return nil, transport.Permanent(fmt.Errorf("unsupported kind %d", k))
}

// classify maps telebot errors onto the transport error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var group tele.GroupError
	if errors.As(err, &group) {
		return transport.Permanent(err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return transport.Transient(err)
		case apiErr.Code >= 400:
			return transport.Permanent(err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return transport.Transient(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "(400)") || strings.Contains(msg, "(403)") {
		return transport.Permanent(err)
	}
	return transport.Transient(err)
}

// splitText cuts plain text into chunks of at most limit runes, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, len(rs)/limit+1)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}
		for i := end - 1; i > start+limit/3; i-- {
			if rs[i] == '\n' {
				end = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// htmlToken is one indivisible piece of Telegram HTML: a tag, a character
// reference or a single rune of text.
type htmlToken struct {
	text  string
	runes int
	open  string // element name when the token opens one
	close string // element name when the token closes one
}

func tokenizeHTML(s string) []htmlToken {
	rs := []rune(s)
	var out []htmlToken
	for i := 0; i < len(rs); {
		switch rs[i] {
		case '<':
			if j := indexRune(rs, i, '>', len(rs)); j > i {
				tok := htmlToken{text: string(rs[i : j+1]), runes: j + 1 - i}
				name := tagName(rs[i+1 : j])
				if strings.HasPrefix(name, "/") {
					tok.close = name[1:]
				} else if name != "" {
					tok.open = name
				}
				out = append(out, tok)
				i = j + 1
				continue
			}
		case '&':
			if j := indexRune(rs, i, ';', i+12); j > i+1 {
				out = append(out, htmlToken{text: string(rs[i : j+1]), runes: j + 1 - i})
				i = j + 1
				continue
			}
		}
		out = append(out, htmlToken{text: string(rs[i]), runes: 1})
		i++
	}
	return out
}

// indexRune finds r in rs after from and before limit.
func indexRune(rs []rune, from int, r rune, limit int) int {
	limit = min(limit, len(rs))
	for j := from + 1; j < limit; j++ {
		if rs[j] == r {
			return j
		}
		if r == ';' && !isRefRune(rs[j]) {
			return -1
		}
	}
	return -1
}

func isRefRune(r rune) bool {
	return r == '#' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

func tagName(inner []rune) string {
	end := 0
	for end < len(inner) && inner[end] != ' ' && inner[end] != '\t' && inner[end] != '\n' {
		end++
	}
	return strings.ToLower(string(inner[:end]))
}

func closingTags(stack []htmlToken) (string, int) {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteString("</" + stack[i].open + ">")
	}
	return b.String(), utf8.RuneCountInString(b.String())
}

// splitHTML cuts Telegram HTML into well-formed chunks of at most limit
// runes. Tags and character references are never cut; elements open at a
// cut are closed at the end of one chunk and reopened at the start of the
// next. Newline boundaries are preferred.
func splitHTML(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	toks := tokenizeHTML(s)
	var (
		out   []string
		stack []htmlToken
	)
	for i := 0; i < len(toks); {
		for i < len(toks) && toks[i].text == "\n" {
			i++
		}
		if i == len(toks) {
			break
		}

		var buf strings.Builder
		size := 0
		for _, o := range stack {
			buf.WriteString(o.text)
			size += o.runes
		}
		cur := append([]htmlToken(nil), stack...)
		_, closing := closingTags(cur)
		prefix, hasText := size, false

		type mark struct {
			tok, bytes int
			stack      []htmlToken
		}
		// brk is the last newline worth cutting at; last ends the last text
		// token, so a cut never leaves an empty element behind.
		var brk, last *mark

		j := i
		for ; j < len(toks); j++ {
			t := toks[j]
			nextClose, pop := closing, -1
			switch {
			case t.open != "":
				nextClose += len(t.open) + 3
			case t.close != "":
				for k := len(cur) - 1; k >= 0; k-- {
					if cur[k].open == t.close {
						pop = k
						nextClose -= len(t.close) + 3
						break
					}
				}
			}
			if size+t.runes+nextClose > limit && hasText {
				break
			}
			buf.WriteString(t.text)
			size += t.runes
			closing = nextClose
			switch {
			case t.open != "":
				cur = append(cur, t)
			case t.close != "":
				if pop >= 0 {
					cur = append(cur[:pop:pop], cur[pop+1:]...)
				}
			default:
				hasText = true
			}
			if t.open == "" {
				last = &mark{tok: j + 1, bytes: buf.Len(), stack: cur}
			}
			if t.text == "\n" && size-prefix > (limit-prefix)/3 {
				brk = last
			}
		}

		body := buf.String()
		if j < len(toks) {
			if brk == nil {
				brk = last
			}
			if brk != nil {
				body, cur, j = body[:brk.bytes], brk.stack, brk.tok
			}
		}
		tail, _ := closingTags(cur)
		out = append(out, strings.TrimRight(body, "\n")+tail)
		stack, i = cur, j
	}
	return out
}
