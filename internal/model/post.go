// Package model holds the data passed between sources, the relay engine and
// transports.
package model

import (
	"time"

	"feedrelay/internal/entity"
)

// FeedID identifies a source or destination feed. Telegram chats use their
// numeric id ("-1001234"); other sources use a prefixed id ("rss:news").
type FeedID string

// Kind is the content type of a post.
type Kind int

const (
	Text Kind = iota
	Photo
	Video
	Document
	Audio
	Voice
	VideoNote
	Animation
	Sticker
)

var kindNames = [...]string{"text", "photo", "video", "document", "audio", "voice", "video_note", "animation", "sticker"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind maps a kind name back to its value.
func ParseKind(s string) (Kind, bool) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), true
		}
	}
	return Text, false
}

// Media references an attachment either by platform file id or by URL.
type Media struct {
	Kind   Kind
	FileID string
	URL    string
}

// Button is an inline action button under a post.
type Button struct {
	Text string
	URL  string
	Data string
}

// Post is one content item observed on a source feed.
//
// A Post is treated as immutable once received. Pipeline stages work on
// copies (see Clone).
type Post struct {
	Origin     FeedID
	ID         string
	GroupID    string
	Kind       Kind
	Text       string
	Entities   []entity.Entity
	Media      *Media
	ReplyTo    string
	Buttons    [][]Button
	Forwarded  bool
	ReceivedAt time.Time
}

// Clone returns a deep copy of p.
func (p Post) Clone() Post {
	cp := p
	if p.Entities != nil {
		cp.Entities = append([]entity.Entity(nil), p.Entities...)
	}
	if p.Media != nil {
		m := *p.Media
		cp.Media = &m
	}
	if p.Buttons != nil {
		cp.Buttons = make([][]Button, len(p.Buttons))
		for i, row := range p.Buttons {
			cp.Buttons[i] = append([]Button(nil), row...)
		}
	}
	return cp
}

// HasButtons reports whether p carries at least one inline button.
func (p Post) HasButtons() bool {
	for _, row := range p.Buttons {
		if len(row) > 0 {
			return true
		}
	}
	return false
}
