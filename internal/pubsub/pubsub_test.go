package pubsub

import (
	"testing"
)

func TestBroadcasterDeliversInSubscriptionOrder(t *testing.T) {
	var b Broadcaster[int]
	var got []string

	b.Subscribe(func(v int) { got = append(got, "first") })
	b.Subscribe(func(v int) { got = append(got, "second") })

	b.Publish(1)

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("Expected [first second], got %v", got)
	}
}

func TestBroadcasterOnlyCurrentSubscribersReceive(t *testing.T) {
	var b Broadcaster[int]
	var early, late []int

	b.Subscribe(func(v int) { early = append(early, v) })
	b.Publish(1)
	b.Subscribe(func(v int) { late = append(late, v) })
	b.Publish(2)

	if len(early) != 2 {
		t.Errorf("Expected early subscriber to get 2 values, got %v", early)
	}
	if len(late) != 1 || late[0] != 2 {
		t.Errorf("Expected late subscriber to get only [2], got %v", late)
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	var b Broadcaster[string]
	count := 0

	unsubscribe := b.Subscribe(func(string) { count++ })
	b.Publish("a")
	unsubscribe()
	unsubscribe()
	b.Publish("b")

	if count != 1 {
		t.Errorf("Expected 1 delivery, got %d", count)
	}
	if b.Len() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", b.Len())
	}
}

func TestBroadcasterRecoversPanickingSubscriber(t *testing.T) {
	var b Broadcaster[int]
	received := false

	b.Subscribe(func(int) { panic("boom") })
	b.Subscribe(func(int) { received = true })

	b.Publish(1)

	if !received {
		t.Error("Expected second subscriber to receive value after first panicked")
	}
}

func TestBroadcasterChannelDropsWhenFull(t *testing.T) {
	var b Broadcaster[int]
	ch, cancel := b.Channel(1)
	defer cancel()

	b.Publish(1)
	b.Publish(2) // dropped

	if v := <-ch; v != 1 {
		t.Errorf("Expected 1, got %d", v)
	}
	select {
	case v := <-ch:
		t.Errorf("Expected no buffered value, got %d", v)
	default:
	}
}

func TestBroadcasterChannelCancelCloses(t *testing.T) {
	var b Broadcaster[int]
	ch, cancel := b.Channel(4)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("Expected closed channel")
	}
	b.Publish(1) // must not panic on closed channel
}

func TestValueReplaysCurrent(t *testing.T) {
	v := NewValue([]string{}, nil)
	v.Set([]string{"a"})

	var got [][]string
	unsubscribe := v.Subscribe(func(x []string) { got = append(got, x) })
	defer unsubscribe()

	v.Set([]string{"a", "b"})

	if len(got) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(got))
	}
	if len(got[0]) != 1 || len(got[1]) != 2 {
		t.Errorf("Unexpected deliveries: %v", got)
	}
	if len(v.Get()) != 2 {
		t.Errorf("Expected Get to return latest value, got %v", v.Get())
	}
}
