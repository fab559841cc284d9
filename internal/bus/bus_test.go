package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("action.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicActionPushed, ActionPushedEvent{ActionID: "a1", Lane: "user"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicActionPushed {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicActionPushed)
		}
		ev, ok := event.Payload.(ActionPushedEvent)
		if !ok || ev.ActionID != "a1" {
			t.Fatalf("unexpected payload %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	actionSub := b.Subscribe("action.")
	defer b.Unsubscribe(actionSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicActionStatus, ActionStatusEvent{ActionID: "a1"})
	b.Publish(TopicGuardBlocked, GuardBlockedEvent{ActionID: "a1"})

	select {
	case event := <-actionSub.Ch():
		if event.Topic != TopicActionStatus {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicActionStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for action event")
	}
	select {
	case event := <-actionSub.Ch():
		t.Fatalf("unexpected event on action subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for wildcard event")
		}
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("guard.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicGuardBlocked, i)
	}
	if got := b.Dropped(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicActionPushed, nil)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish(TopicActionClaimed, ActionClaimedEvent{})
			}
		}()
	}
	wg.Wait()
	if got := len(sub.ch); got != 80 {
		t.Fatalf("buffered = %d, want 80", got)
	}
}
