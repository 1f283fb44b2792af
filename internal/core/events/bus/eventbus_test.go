package bus

import (
	"errors"
	"testing"
)

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	var got Event
	_, err := b.Subscribe("sync.applied", func(e Event) error {
		got = e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err = b.Publish(NewEvent("sync.applied", "replica", 123, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got == nil || got.Data() != 123 || got.Source() != "replica" {
		t.Fatalf("handler not called with event: %#v", got)
	}
}

func TestDeliveryOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 5; i++ {
		_, _ = b.Subscribe("ev", func(Event) error {
			order = append(order, i)
			return nil
		})
	}
	_ = b.Publish(NewEvent("ev", "src", nil, nil))
	for i, v := range order {
		if v != i {
			t.Fatalf("handlers out of order: %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(order))
	}
}

func TestPublishJoinsHandlerErrors(t *testing.T) {
	b := New()
	first, second := errors.New("first"), errors.New("second")
	calls := 0
	_, _ = b.Subscribe("x", func(Event) error { calls++; return first })
	_, _ = b.Subscribe("x", func(Event) error { calls++; return nil })
	_, _ = b.Subscribe("x", func(Event) error { calls++; return second })

	err := b.Publish(NewEvent("x", "src", nil, nil))
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("expected both handler errors, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("a failing handler must not stop delivery: %d calls", calls)
	}
}

func TestTopicsIsolation(t *testing.T) {
	b := New()
	if err := b.CreateTopic("group.g1"); err != nil {
		t.Fatalf("topic: %v", err)
	}
	count1, count2, countDefault := 0, 0, 0
	_, _ = b.SubscribeTopic("group.g1", "notification", func(e Event) error { count1++; return nil })
	_, _ = b.SubscribeTopic("group.g2", "notification", func(e Event) error { count2++; return nil })
	_, _ = b.Subscribe("notification", func(e Event) error { countDefault++; return nil })

	_ = b.PublishToTopic("group.g1", NewEvent("notification", "g1", nil, nil))
	if count1 != 1 || count2 != 0 || countDefault != 0 {
		t.Fatalf("topic isolation failed: %d %d %d", count1, count2, countDefault)
	}
}

func TestCancelAndDeleteTopic(t *testing.T) {
	b := New()
	calls := 0
	sub, _ := b.SubscribeTopic("t", "ev", func(Event) error { calls++; return nil })
	other, _ := b.SubscribeTopic("t", "ev", func(Event) error { calls++; return nil })

	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = sub.Cancel()
	if sub.IsActive() {
		t.Fatal("cancelled subscription still active")
	}
	_ = b.PublishToTopic("t", NewEvent("ev", "src", nil, nil))
	if calls != 1 {
		t.Fatalf("expected 1 call after cancel, got %d", calls)
	}

	if err := b.DeleteTopic("t"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if other.IsActive() {
		t.Fatal("subscription survived topic deletion")
	}
	_ = b.PublishToTopic("t", NewEvent("ev", "src", nil, nil))
	if calls != 1 {
		t.Fatalf("deleted topic still delivers: %d", calls)
	}
	if err := b.DeleteTopic(""); err == nil {
		t.Fatal("default topic must not be deletable")
	}
}
