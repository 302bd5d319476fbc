package model

import (
	"testing"

	"feedrelay/internal/entity"
)

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	p := Post{
		Text:     "hi",
		Entities: []entity.Entity{{Kind: entity.Bold, Offset: 0, Length: 2}},
		Media:    &Media{Kind: Photo, FileID: "f"},
		Buttons:  [][]Button{{{Text: "go", URL: "https://x.co"}}},
	}
	cp := p.Clone()
	cp.Entities[0].Offset = 1
	cp.Media.FileID = "g"
	cp.Buttons[0][0].Text = "changed"
	if p.Entities[0].Offset != 0 || p.Media.FileID != "f" || p.Buttons[0][0].Text != "go" {
		t.Fatalf("original mutated: %+v", p)
	}
}

func TestKindNames(t *testing.T) {
	t.Parallel()
	for k := Text; k <= Sticker; k++ {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseKind("hologram"); ok {
		t.Fatal("unknown kind parsed")
	}
}

func TestDestinationKeys(t *testing.T) {
	t.Parallel()
	d := Destination{ChatID: -100, ThreadID: 7}
	if d.Key() != "-100/7" || d.SettingsKey() != "-100/7" {
		t.Fatalf("keys = %q %q", d.Key(), d.SettingsKey())
	}
	d.Settings = "shared"
	if d.SettingsKey() != "shared" {
		t.Fatalf("SettingsKey = %q", d.SettingsKey())
	}
}
