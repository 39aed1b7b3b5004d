package hub

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedValue(t *testing.T) {
	h := New[int](0)
	sub := h.Subscribe()
	defer sub.Unsubscribe()

	h.Publish(42)

	select {
	case v := <-sub.C():
		if v != 42 {
			t.Errorf("got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published value")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	h := New[string](0)
	a := h.Subscribe()
	b := h.Subscribe()
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	h.Publish("hello")

	for _, sub := range []*Subscription[string]{a, b} {
		select {
		case v := <-sub.C():
			if v != "hello" {
				t.Errorf("got %q, want hello", v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestSubscribeOnlySeesValuesAfterSubscribing(t *testing.T) {
	h := New[int](0)
	h.Publish(1) // no subscribers yet, dropped

	sub := h.Subscribe()
	defer sub.Unsubscribe()

	h.Publish(2)

	select {
	case v := <-sub.C():
		if v != 2 {
			t.Errorf("got %d, want 2", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case v, ok := <-sub.C():
		t.Fatalf("unexpected second value %d (ok=%v)", v, ok)
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	h := New[int](2)
	sub := h.Subscribe()
	defer sub.Unsubscribe()

	h.Publish(1)
	h.Publish(2)
	h.Publish(3) // buffer size 2: 1 should be dropped

	first := <-sub.C()
	second := <-sub.C()

	if first != 2 || second != 3 {
		t.Errorf("got [%d %d], want [2 3]", first, second)
	}
}

func TestUnsubscribeIsIdempotentAndClosesChannel(t *testing.T) {
	h := New[int](0)
	sub := h.Subscribe()

	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel after Unsubscribe")
	}

	if h.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", h.SubscriberCount())
	}
}

func TestCloseUnsubscribesEveryone(t *testing.T) {
	h := New[int](0)
	a := h.Subscribe()
	b := h.Subscribe()

	h.Close()

	if h.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", h.SubscriberCount())
	}
	if _, ok := <-a.C(); ok {
		t.Error("expected a's channel closed")
	}
	if _, ok := <-b.C(); ok {
		t.Error("expected b's channel closed")
	}
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	h := New[int](0)
	sub := h.Subscribe()
	sub.Unsubscribe()

	h.Publish(1) // must not panic or deadlock
}
