package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	s.Publish(Event{Kind: "transition", WorkItemID: "wi_1", To: "TEMPLATE_MAPPING"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.WorkItemID != "wi_1" || evt.Timestamp.IsZero() {
				t.Fatalf("unexpected event: %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx)

	for i := 0; i < 20; i++ {
		s.Publish(Event{Kind: "transition", To: "COMPLETED"})
	}
	if s.Dropped() != 4 {
		t.Fatalf("expected 4 dropped events, got %d", s.Dropped())
	}
}
