package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutWithIDs(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "job.finished", Data: "tick"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.ID == "" || e.Time.IsZero() {
				t.Fatalf("event not stamped: %+v", e)
			}
			if e.Data != "tick" {
				t.Fatalf("data = %v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribeTypeFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "job.failed")
	defer unsub()

	b.Publish(Event{Type: "job.finished"})
	b.Publish(Event{Type: "job.failed"})

	e := <-ch
	if e.Type != "job.failed" {
		t.Fatalf("type = %q, want job.failed", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "x"})
		}
		unsub()
		// Publishing after unsubscribe must not panic.
		b.Publish(Event{Type: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}
