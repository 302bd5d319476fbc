// Package settings defines per-destination pipeline settings.
//
// Every stage has its own sub-struct. The zero value of each sub-struct
// disables the stage, so settings written before a stage existed keep
// working unchanged.
package settings

import (
	"fmt"
	"strings"
	"time"

	"feedrelay/internal/entity"
	"feedrelay/internal/model"
)

// Settings is the full pipeline configuration of one destination.
type Settings struct {
	Schedule  Schedule       `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Media     MediaFilter    `json:"media,omitempty" yaml:"media,omitempty"`
	Forwarded ForwardFilter  `json:"forwarded,omitempty" yaml:"forwarded,omitempty"`
	Buttons   ButtonFilter   `json:"buttons,omitempty" yaml:"buttons,omitempty"`
	Length    LengthFilter   `json:"length,omitempty" yaml:"length,omitempty"`
	Allow     WordList       `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny      WordList       `json:"deny,omitempty" yaml:"deny,omitempty"`
	Language  LanguageFilter `json:"language,omitempty" yaml:"language,omitempty"`
	Links     LinkFilter     `json:"links,omitempty" yaml:"links,omitempty"`
	Replace   Replacements   `json:"replace,omitempty" yaml:"replace,omitempty"`
	Translate Translation    `json:"translate,omitempty" yaml:"translate,omitempty"`
	Header    Decoration     `json:"header,omitempty" yaml:"header,omitempty"`
	Footer    Decoration     `json:"footer,omitempty" yaml:"footer,omitempty"`
	Format    FormatRule     `json:"format,omitempty" yaml:"format,omitempty"`
	Pin       AutoPin        `json:"pin,omitempty" yaml:"pin,omitempty"`
	Delete    AutoDelete     `json:"delete,omitempty" yaml:"delete,omitempty"`
}

// Schedule limits delivery to some weekdays and hours.
// Empty Days or Hours mean "any".
type Schedule struct {
	Enabled  bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Days     []string `json:"days,omitempty" yaml:"days,omitempty"`
	Hours    []int    `json:"hours,omitempty" yaml:"hours,omitempty"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

type MediaFilter struct {
	Blocked []string `json:"blocked,omitempty" yaml:"blocked,omitempty"`
}

type ForwardFilter struct {
	Block bool `json:"block,omitempty" yaml:"block,omitempty"`
}

const (
	ButtonsStrip = "strip"
	ButtonsBlock = "block"
)

type ButtonFilter struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// LengthFilter bounds the text length in UTF-16 units. Zero means unbounded.
type LengthFilter struct {
	Min int `json:"min,omitempty" yaml:"min,omitempty"`
	Max int `json:"max,omitempty" yaml:"max,omitempty"`
}

type WordList struct {
	Words []string `json:"words,omitempty" yaml:"words,omitempty"`
}

type LanguageFilter struct {
	Allowed []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
}

const (
	LinksRemove = "remove"
	LinksBlock  = "block"
)

type LinkFilter struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

type Replacement struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

type Replacements struct {
	Pairs []Replacement `json:"pairs,omitempty" yaml:"pairs,omitempty"`
}

// Translation names the target language. Empty disables the stage.
type Translation struct {
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Decoration is a header or footer with its own formatting.
type Decoration struct {
	Text     string          `json:"text,omitempty" yaml:"text,omitempty"`
	Entities []entity.Entity `json:"entities,omitempty" yaml:"entities,omitempty"`
}

const (
	FormatStrip = "strip"
	FormatUnify = "unify"
)

type FormatRule struct {
	Mode   string      `json:"mode,omitempty" yaml:"mode,omitempty"`
	Target entity.Kind `json:"target,omitempty" yaml:"target,omitempty"`
}

type AutoPin struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// AutoDelete removes delivered messages after a Go duration ("24h").
type AutoDelete struct {
	After string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Delay returns the parsed delay, or 0 when disabled or invalid.
func (a AutoDelete) Delay() time.Duration {
	s := strings.TrimSpace(a.After)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseDay accepts "mon", "Monday", "MON" and so on.
func parseDay(d string) (time.Weekday, bool) {
	key := strings.ToLower(strings.TrimSpace(d))
	if len(key) < 3 {
		return 0, false
	}
	wd, ok := weekdays[key[:3]]
	return wd, ok
}

// Location resolves the schedule timezone, UTC when empty.
func (s Schedule) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Allows reports whether t falls inside the window. A disabled schedule
// allows everything.
func (s Schedule) Allows(t time.Time) bool {
	if !s.Enabled {
		return true
	}
	loc, err := s.Location()
	if err != nil {
		loc = time.UTC
	}
	t = t.In(loc)
	if len(s.Days) > 0 {
		ok := false
		for _, d := range s.Days {
			if wd, known := parseDay(d); known && wd == t.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.Hours) > 0 {
		for _, h := range s.Hours {
			if h == t.Hour() {
				return true
			}
		}
		return false
	}
	return true
}

// Validate rejects settings the pipeline cannot run.
func (s Settings) Validate() error {
	if s.Schedule.Enabled {
		if _, err := s.Schedule.Location(); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
		for _, d := range s.Schedule.Days {
			if _, ok := parseDay(d); !ok {
				return fmt.Errorf("schedule.days: unknown day %q", d)
			}
		}
		for _, h := range s.Schedule.Hours {
			if h < 0 || h > 23 {
				return fmt.Errorf("schedule.hours: %d out of range", h)
			}
		}
	}
	for _, k := range s.Media.Blocked {
		if _, ok := model.ParseKind(k); !ok {
			return fmt.Errorf("media.blocked: unknown kind %q", k)
		}
	}
	switch s.Buttons.Mode {
	case "", ButtonsStrip, ButtonsBlock:
	default:
		return fmt.Errorf("buttons.mode: unknown mode %q", s.Buttons.Mode)
	}
	if s.Length.Min < 0 || s.Length.Max < 0 || (s.Length.Max > 0 && s.Length.Min > s.Length.Max) {
		return fmt.Errorf("length: invalid bounds %d..%d", s.Length.Min, s.Length.Max)
	}
	switch s.Links.Mode {
	case "", LinksRemove, LinksBlock:
	default:
		return fmt.Errorf("links.mode: unknown mode %q", s.Links.Mode)
	}
	for i, p := range s.Replace.Pairs {
		if p.From == "" {
			return fmt.Errorf("replace.pairs[%d]: empty from", i)
		}
	}
	if !entity.Valid(s.Header.Text, s.Header.Entities) {
		return fmt.Errorf("header: entities out of range")
	}
	if !entity.Valid(s.Footer.Text, s.Footer.Entities) {
		return fmt.Errorf("footer: entities out of range")
	}
	switch s.Format.Mode {
	case "", FormatStrip:
	case FormatUnify:
		if !s.Format.Target.Stylistic() {
			return fmt.Errorf("format.target: %q is not a style", s.Format.Target)
		}
	default:
		return fmt.Errorf("format.mode: unknown mode %q", s.Format.Mode)
	}
	if s.Delete.After != "" {
		if d, err := time.ParseDuration(s.Delete.After); err != nil || d < 0 {
			return fmt.Errorf("delete.after: invalid duration %q", s.Delete.After)
		}
	}
	return nil
}
