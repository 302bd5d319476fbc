// Package entity models formatting spans (message entities) over post text.
//
// Offsets and lengths are counted in UTF-16 code units, the unit used by the
// Telegram Bot API. Go strings are UTF-8 and indexed by byte, so every
// conversion between a byte index and a span offset goes through this package.
//
// Everything here is pure: no I/O, no shared state. Functions never mutate
// their input slices.
package entity

// Kind is the entity type as named by the Bot API.
type Kind string

const (
	Bold                 Kind = "bold"
	Italic               Kind = "italic"
	Underline            Kind = "underline"
	Strikethrough        Kind = "strikethrough"
	Spoiler              Kind = "spoiler"
	Code                 Kind = "code"
	Pre                  Kind = "pre"
	Blockquote           Kind = "blockquote"
	ExpandableBlockquote Kind = "expandable_blockquote"
	TextLink             Kind = "text_link"
	TextMention          Kind = "text_mention"
	CustomEmoji          Kind = "custom_emoji"

	// Auto-detected kinds. They carry no markup of their own.
	URL        Kind = "url"
	Mention    Kind = "mention"
	Hashtag    Kind = "hashtag"
	Cashtag    Kind = "cashtag"
	BotCommand Kind = "bot_command"
	Email      Kind = "email"
	Phone      Kind = "phone_number"
)

// Entity is one formatting span.
//
// Auxiliary data depends on Kind: URL for text_link, Language for pre,
// UserID for text_mention, CustomEmojiID for custom_emoji.
type Entity struct {
	Kind          Kind   `json:"type" yaml:"type"`
	Offset        int    `json:"offset" yaml:"offset"`
	Length        int    `json:"length" yaml:"length"`
	URL           string `json:"url,omitempty" yaml:"url,omitempty"`
	Language      string `json:"language,omitempty" yaml:"language,omitempty"`
	UserID        int64  `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty" yaml:"custom_emoji_id,omitempty"`
}

// End returns the offset one past the last code unit of the span.
func (e Entity) End() int { return e.Offset + e.Length }

// Protected reports whether the kind must survive format stripping.
// These spans carry meaning (a target, a person, a tag), not just style.
func (k Kind) Protected() bool {
	switch k {
	case URL, TextLink, Mention, TextMention, Hashtag, Cashtag, BotCommand, Email, Phone, CustomEmoji:
		return true
	}
	return false
}

// Stylistic reports whether the kind is pure styling that format
// unification may convert to another stylistic kind.
func (k Kind) Stylistic() bool {
	switch k {
	case Bold, Italic, Underline, Strikethrough, Spoiler, Code, Pre, Blockquote, ExpandableBlockquote:
		return true
	}
	return false
}

// IsLink reports whether the span points somewhere outside the message.
func (k Kind) IsLink() bool { return k == URL || k == TextLink }
