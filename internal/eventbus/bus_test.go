package eventbus

import (
	"testing"
	"time"
)

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeDropped})
	b.Publish(Event{Type: TypeDropped})

	e := <-ch
	if e.Type != TypeDropped || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("second event should have been dropped, got %+v", e)
	default:
	}
}

func TestRecorderKeepsNewest(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(16)
	r := NewRecorder(2)
	done := make(chan struct{})
	go func() {
		r.Run(ch)
		close(done)
	}()

	for _, typ := range []string{TypeStarted, TypeReloaded, TypeStopped} {
		b.Publish(Event{Type: typ})
	}
	unsub()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}

	got := r.Recent()
	if len(got) != 2 || got[0].Type != TypeReloaded || got[1].Type != TypeStopped {
		t.Fatalf("recent = %+v", got)
	}
}
