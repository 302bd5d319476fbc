// Package transport defines how relayed posts leave the process and how
// source posts enter it. Concrete platforms live in subpackages.
package transport

import (
	"context"

	"feedrelay/internal/model"
)

// MessageRef points at a delivered message.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Message is one outgoing item, already transformed for its destination.
type Message struct {
	Kind    model.Kind
	HTML    string
	Media   *model.Media
	Buttons [][]model.Button
}

// Sender delivers messages to destinations. Implementations classify their
// errors with Transient, Permanent or RetryAfter.
type Sender interface {
	Deliver(ctx context.Context, dest model.Destination, msg Message) (MessageRef, error)
	DeliverGroup(ctx context.Context, dest model.Destination, msgs []Message) ([]MessageRef, error)
}

// Pinner is implemented by senders that can pin delivered messages.
type Pinner interface {
	Pin(ctx context.Context, ref MessageRef) error
}

// Deleter is implemented by senders that can delete delivered messages.
type Deleter interface {
	Delete(ctx context.Context, ref MessageRef) error
}

// Sink receives posts observed by a source. It returns false when the post
// was dropped.
type Sink func(model.Post) bool

// Source produces posts until ctx ends or Stop is called.
type Source interface {
	Name() string
	Start(ctx context.Context, sink Sink) error
	Stop(ctx context.Context) error
}
