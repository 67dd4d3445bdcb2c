package bus

import (
	"testing"
	"time"
)

func TestBus_PublishDeliversToMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("turn.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTurnStarted, TurnStartedEvent{ThreadID: "t1", UserID: 42})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTurnStarted {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicTurnStarted)
		}
		started, ok := ev.Payload.(TurnStartedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want TurnStartedEvent", ev.Payload)
		}
		if started.ThreadID != "t1" || started.UserID != 42 {
			t.Fatalf("unexpected payload: %+v", started)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishSkipsNonMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("cache.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTurnStarted, TurnStartedEvent{ThreadID: "t1"})

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_EmptyPrefixMatchesAllTopics(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicCacheCircuitChanged, CacheCircuitEvent{From: "closed", To: "open"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicCacheCircuitChanged {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicCacheCircuitChanged)
		}
		circuit, ok := ev.Payload.(CacheCircuitEvent)
		if !ok {
			t.Fatalf("payload type = %T, want CacheCircuitEvent", ev.Payload)
		}
		if circuit.From != "closed" || circuit.To != "open" {
			t.Fatalf("unexpected payload: %+v", circuit)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("turn.")
	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}

	b.Publish(TopicTurnStarted, TurnStartedEvent{ThreadID: "t1"})

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBus_UnsubscribeNilIsNoop(t *testing.T) {
	b := New()
	b.Unsubscribe(nil)
}

func TestBus_DropsEventsWhenBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("turn.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+5; i++ {
		b.Publish(TopicTurnStarted, TurnStartedEvent{ThreadID: "flood"})
	}

	if got := b.DroppedEventCount(); got != 5 {
		t.Fatalf("dropped count = %d, want 5", got)
	}
}

func TestBus_SubscriberCountTracksActiveSubs(t *testing.T) {
	b := New()
	if b.SubscriberCount() != 0 {
		t.Fatalf("initial subscriber count = %d, want 0", b.SubscriberCount())
	}

	sub1 := b.Subscribe("turn.")
	sub2 := b.Subscribe("cache.")
	if b.SubscriberCount() != 2 {
		t.Fatalf("subscriber count = %d, want 2", b.SubscriberCount())
	}

	b.Unsubscribe(sub1)
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscriber count after one unsubscribe = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub2)
}

func TestDropThreshold(t *testing.T) {
	cases := []struct {
		count int64
		want  int64
	}{
		{0, 1},
		{1, 1},
		{9, 1},
		{10, 10},
		{99, 10},
		{100, 100},
		{1000, 1000},
		{1500, 1000},
	}
	for _, tc := range cases {
		if got := dropThreshold(tc.count); got != tc.want {
			t.Errorf("dropThreshold(%d) = %d, want %d", tc.count, got, tc.want)
		}
	}
}
