package pipeline

import (
	"context"
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"feedrelay/internal/entity"
	"feedrelay/internal/model"
	"feedrelay/internal/settings"
)

func stageSchedule(_ context.Context, w *work) error {
	if !w.set.Schedule.Allows(w.now) {
		return reject("schedule", "outside the delivery window")
	}
	return nil
}

func blockedKind(s settings.Settings, k model.Kind) bool {
	name := k.String()
	for _, b := range s.Media.Blocked {
		if strings.EqualFold(strings.TrimSpace(b), name) {
			return true
		}
	}
	return false
}

func stageMedia(_ context.Context, w *work) error {
	if blockedKind(w.set, w.post.Kind) {
		return reject("media", "%s posts are blocked", w.post.Kind)
	}
	return nil
}

func stageForwarded(_ context.Context, w *work) error {
	if w.post.Forwarded {
		return reject("forwarded", "forwarded posts are blocked")
	}
	return nil
}

func stageButtons(_ context.Context, w *work) error {
	if !w.post.HasButtons() {
		return nil
	}
	if w.set.Buttons.Mode == settings.ButtonsBlock {
		return reject("buttons", "posts with buttons are blocked")
	}
	w.post.Buttons = nil
	return nil
}

func stageLength(_ context.Context, w *work) error {
	n := entity.UTF16Len(w.post.Text)
	if lo := w.set.Length.Min; lo > 0 && n < lo {
		return reject("length", "%d units, minimum %d", n, lo)
	}
	if hi := w.set.Length.Max; hi > 0 && n > hi {
		return reject("length", "%d units, maximum %d", n, hi)
	}
	return nil
}

// containsAny reports the first word found in text, case-insensitively.
func containsAny(text string, words []string) (string, bool) {
	folder := cases.Fold()
	hay := folder.String(text)
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if strings.Contains(hay, folder.String(w)) {
			return w, true
		}
	}
	return "", false
}

func stageAllow(_ context.Context, w *work) error {
	if _, ok := containsAny(w.post.Text, w.set.Allow.Words); !ok {
		return reject("allow", "no required word present")
	}
	return nil
}

func stageDeny(_ context.Context, w *work) error {
	if word, ok := containsAny(w.post.Text, w.set.Deny.Words); ok {
		return reject("deny", "contains %q", word)
	}
	return nil
}

// normalizeLang maps "en", "EN", "en-US", "eng" to the ISO 639-1 base "en".
func normalizeLang(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return strings.ToLower(code)
	}
	base, _ := tag.Base()
	return base.String()
}

func stageLanguage(_ context.Context, w *work) error {
	if strings.TrimSpace(w.post.Text) == "" {
		return nil
	}
	info := whatlanggo.Detect(w.post.Text)
	if !info.IsReliable() {
		return nil
	}
	detected := normalizeLang(info.Lang.Iso6391())
	if detected == "" {
		detected = normalizeLang(info.Lang.Iso6393())
	}
	if detected == "" {
		return nil
	}
	for _, a := range w.set.Language.Allowed {
		if normalizeLang(a) == detected {
			return nil
		}
	}
	return reject("language", "detected %s", detected)
}
