package pubsub

import (
	"testing"
	"time"
)

type testPayload int

func (p testPayload) Type() string { return "test" }

func TestPubSubFanOutInOrder(t *testing.T) {
	ps := NewPubSub(10)
	defer ps.Close()
	a, err := ps.Subscribe("rooms")
	if err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	b, _ := ps.Subscribe("rooms")
	other, _ := ps.Subscribe("other")
	for i := 0; i < 5; i++ {
		if err = ps.Notify("rooms", testPayload(i)); err != nil {
			t.Fatalf("Notify: %s", err)
		}
	}
	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 5; i++ {
			got := <-sub.C
			if got.(testPayload) != testPayload(i) {
				t.Fatalf("got %v want %d", got, i)
			}
		}
	}
	if len(other.C) != 0 {
		t.Fatalf("payload leaked to another channel")
	}
}

func TestPubSubDropsSlowSubscriber(t *testing.T) {
	ps := NewPubSub(1)
	ps.notifyTimeout = 20 * time.Millisecond
	defer ps.Close()
	slow, _ := ps.Subscribe("rooms")
	ps.Notify("rooms", testPayload(1)) // fills the buffer
	if err := ps.Notify("rooms", testPayload(2)); err == nil {
		t.Fatalf("want timeout error")
	}
	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatalf("slow subscriber not dropped")
	}
	if !slow.Dropped() {
		t.Fatalf("Dropped() = false")
	}
	if ps.NumSubscribers("rooms") != 0 {
		t.Fatalf("subscriber still registered")
	}
}

func TestPubSubCloseEndsSubscriptions(t *testing.T) {
	ps := NewPubSub(1)
	sub, _ := ps.Subscribe("rooms")
	sub2, _ := ps.Subscribe("rooms")
	sub2.Close()
	sub2.Close()
	ps.Close()
	select {
	case <-sub.Done():
	default:
		t.Fatalf("subscription still open after Close")
	}
	if sub.Dropped() {
		t.Fatalf("closed subscription reported as dropped")
	}
	if _, err := ps.Subscribe("rooms"); err == nil {
		t.Fatalf("Subscribe after Close should fail")
	}
	// notifying nobody is fine
	if err := ps.Notify("rooms", testPayload(0)); err != nil {
		t.Fatalf("Notify after Close: %s", err)
	}
}
