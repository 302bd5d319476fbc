package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"feedrelay/internal/entity"
	"feedrelay/internal/model"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

func TestPostFromMessage(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	m := &tele.Message{
		ID:      42,
		Chat:    &tele.Chat{ID: -1001},
		AlbumID: "alb",
		Caption: "Hi there",
		CaptionEntities: tele.Entities{
			{Type: tele.EntityBold, Offset: 0, Length: 2},
			{Type: tele.EntityTextLink, Offset: 3, Length: 50, URL: "https://x.co"},
		},
		Photo: &tele.Photo{File: tele.File{FileID: "ph1"}},
		ReplyMarkup: &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{
			{{Text: "Open", URL: "https://x.co"}, {Text: "Vote", Data: "v1"}},
		}},
	}
	p := postFromMessage(m, now)
	if p.Origin != "-1001" || p.ID != "42" || p.GroupID != "alb" || p.Kind != model.Photo {
		t.Fatalf("post = %+v", p)
	}
	if p.Media == nil || p.Media.FileID != "ph1" {
		t.Fatalf("media = %+v", p.Media)
	}
	if p.Text != "Hi there" || len(p.Entities) != 2 {
		t.Fatalf("text/entities = %q %+v", p.Text, p.Entities)
	}
	if p.Entities[1].Kind != entity.TextLink || p.Entities[1].Length != 5 {
		t.Fatalf("link not clamped: %+v", p.Entities[1])
	}
	if !p.HasButtons() || !p.ReceivedAt.Equal(now) {
		t.Fatalf("buttons/time = %+v %s", p.Buttons, p.ReceivedAt)
	}
}

func TestMarkupKeepsURLButtons(t *testing.T) {
	t.Parallel()
	rm := markup([][]model.Button{{{Text: "Vote", Data: "v"}}, {{Text: "Open", URL: "https://x"}}})
	if rm == nil || len(rm.InlineKeyboard) != 1 || rm.InlineKeyboard[0][0].URL != "https://x" {
		t.Fatalf("markup = %+v", rm)
	}
	if markup([][]model.Button{{{Text: "Vote", Data: "v"}}}) != nil {
		t.Fatal("callback-only keyboard should be dropped")
	}
}

func TestSendable(t *testing.T) {
	t.Parallel()
	what, err := sendable(model.Photo, &model.Media{Kind: model.Photo, URL: "https://img"}, "cap")
	if err != nil {
		t.Fatalf("sendable: %v", err)
	}
	ph, ok := what.(*tele.Photo)
	if !ok || ph.Caption != "cap" || ph.FileURL != "https://img" {
		t.Fatalf("photo = %#v", what)
	}
	if _, err := sendable(model.Video, nil, ""); !transport.IsPermanent(err) {
		t.Fatalf("missing media err = %v", err)
	}
	if what, _ := sendable(model.Text, nil, "hello"); what != "hello" {
		t.Fatalf("text = %#v", what)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	if !transport.IsPermanent(classify(&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"})) {
		t.Fatal("403 should be permanent")
	}
	if transport.IsPermanent(classify(&tele.Error{Code: 502, Description: "Bad Gateway"})) {
		t.Fatal("502 should be transient")
	}
	if transport.IsPermanent(classify(errors.New("connection reset"))) {
		t.Fatal("unknown errors should be transient")
	}
	if classify(nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("split = %q", got)
	}
	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("split = %q", got)
	}
}

// wellFormed reports whether every element opened in chunk is closed in it
// and no character reference is cut.
func wellFormed(chunk string) bool {
	var stack []string
	for _, tok := range tokenizeHTML(chunk) {
		switch {
		case tok.open != "":
			stack = append(stack, tok.open)
		case tok.close != "":
			if len(stack) == 0 || stack[len(stack)-1] != tok.close {
				return false
			}
			stack = stack[:len(stack)-1]
		case tok.text == "&":
			return false
		}
	}
	return len(stack) == 0
}

// plainText joins the text of chunks without markup or line breaks.
func plainText(chunks []string) string {
	var b strings.Builder
	for _, c := range chunks {
		for _, tok := range tokenizeHTML(c) {
			if tok.open == "" && tok.close == "" && tok.text != "\n" {
				b.WriteString(tok.text)
			}
		}
	}
	return b.String()
}

func TestSplitHTML(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     string
		limit  int
		chunks int
	}{
		{"fits", "<b>hi</b>", 20, 1},
		{"long bold", "<b>" + strings.Repeat("x", 4500) + "</b>", 4000, 2},
		{"escape on the boundary", strings.Repeat("y", 3998) + "&amp;zz", 4000, 2},
		{"nested with link", `<i>` + strings.Repeat("a", 30) + `<a href="https://x.co/?a=1&amp;b=2">` + strings.Repeat("b", 30) + `</a></i>tail`, 60, 0},
		{"prefers newline", "<b>" + strings.Repeat("a", 20) + "\n" + strings.Repeat("b", 20) + "</b>", 32, 2},
		{"tag after text", "aaaaaaa<b>bb</b>", 9, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitHTML(tt.in, tt.limit)
			if tt.chunks > 0 && len(got) != tt.chunks {
				t.Fatalf("chunks = %d, want %d", len(got), tt.chunks)
			}
			for i, c := range got {
				if n := utf8.RuneCountInString(c); n > tt.limit {
					t.Fatalf("chunk %d has %d runes, limit %d", i, n, tt.limit)
				}
				if !wellFormed(c) {
					t.Fatalf("chunk %d not well-formed: %q", i, c)
				}
			}
			if plainText(got) != plainText([]string{tt.in}) {
				t.Fatalf("text changed across chunks: %q", got)
			}
		})
	}
}

func TestSplitHTMLReopensElements(t *testing.T) {
	t.Parallel()
	got := splitHTML("<b>"+strings.Repeat("x", 4500)+"</b>", 4000)
	if !strings.HasPrefix(got[1], "<b>") || !strings.HasSuffix(got[0], "</b>") {
		t.Fatalf("bold not carried across the cut: %q... / %q...", got[0][:10], got[1][:10])
	}
	esc := splitHTML(strings.Repeat("y", 3998)+"&amp;zz", 4000)
	if !strings.HasPrefix(esc[1], "&amp;") {
		t.Fatalf("escape cut: %q", esc[1])
	}
}

// fakeBotAPI answers sendMessage; calls listed in fail get a 500.
func fakeBotAPI(t *testing.T, fail map[int]bool) (*tele.Bot, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		w.Header().Set("Content-Type", "application/json")
		if fail[n] {
			_, _ = io.WriteString(w, `{"ok":false,"error_code":500,"description":"Internal Server Error"}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":42,"type":"channel"}}}`, 100+n)
	}))
	t.Cleanup(srv.Close)
	b, err := tele.NewBot(tele.Settings{URL: srv.URL, Token: "t", Offline: true})
	if err != nil {
		t.Fatalf("bot: %v", err)
	}
	return b, &calls
}

func TestDeliverPartialFailureIsPermanent(t *testing.T) {
	t.Parallel()
	long := transport.Message{Kind: model.Text, HTML: strings.Repeat("x", textLimit+500)}
	tests := []struct {
		name      string
		fail      map[int]bool
		permanent bool
	}{
		{"first part fails", map[int]bool{1: true}, false},
		{"second part fails", map[int]bool{2: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bot, calls := fakeBotAPI(t, tt.fail)
			a := newAdapter(Config{RatePerSec: 100}, logx.Nop(), bot)
			_, err := a.Deliver(context.Background(), model.Destination{ChatID: 42}, long)
			if err == nil {
				t.Fatal("failure not reported")
			}
			if got := transport.IsPermanent(err); got != tt.permanent {
				t.Fatalf("permanent = %v, want %v (%v)", got, tt.permanent, err)
			}
			if calls.Load() != int32(len(tt.fail)+boolInt(tt.permanent)) {
				t.Fatalf("api calls = %d", calls.Load())
			}
		})
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
