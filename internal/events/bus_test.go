package events

import (
	"testing"
	"time"
)

func TestBusDeliversToTopicAndWildcard(t *testing.T) {
	b := NewBus()
	topic, unsubTopic := b.Subscribe(EventOrderCancelled, 1)
	defer unsubTopic()
	all, unsubAll := b.SubscribeAll(2)
	defer unsubAll()

	b.Emit(EventOrderCancelled, OrderEvent{OrderID: "o-1"})
	b.Emit(EventOrderCreated, OrderEvent{OrderID: "o-2"})

	select {
	case env := <-topic:
		if env.Type != EventOrderCancelled || env.Payload.(OrderEvent).OrderID != "o-1" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("topic subscriber got nothing")
	}
	if got := len(all); got != 2 {
		t.Fatalf("wildcard subscriber got %d events, want 2", got)
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(EventOrderFilled, 1)
	defer unsub()

	b.Emit(EventOrderFilled, nil)
	b.Emit(EventOrderFilled, nil)
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventBatchSummary, 1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Emit(EventBatchSummary, nil) // must not panic
}
