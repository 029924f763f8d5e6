package events

import (
	"sync"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	before := time.Now()
	event := NewEvent(EventTaskAssigned, "20260825-120000-ab12cd34", TaskUpdate{TaskID: 1})
	after := time.Now()

	if event.Type != EventTaskAssigned {
		t.Errorf("expected type %s, got %s", EventTaskAssigned, event.Type)
	}
	if event.RunID != "20260825-120000-ab12cd34" {
		t.Errorf("expected run ID 20260825-120000-ab12cd34, got %s", event.RunID)
	}
	if event.Time.Before(before) || event.Time.After(after) {
		t.Errorf("event time %v not between %v and %v", event.Time, before, after)
	}
}

func TestMemoryPublisher_PublishAndSubscribe(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("run-1")

	event := NewEvent(EventTaskCompleted, "run-1", TaskUpdate{TaskID: 3, Status: "completed"})
	pub.Publish(event)

	select {
	case received := <-ch:
		if received.Type != EventTaskCompleted {
			t.Errorf("expected type %s, got %s", EventTaskCompleted, received.Type)
		}
		if received.RunID != "run-1" {
			t.Errorf("expected run ID run-1, got %s", received.RunID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestMemoryPublisher_GlobalSubscriber(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	global := pub.Subscribe(GlobalRunID)

	pub.Publish(NewEvent(EventWorkerStarted, "run-a", nil))
	pub.Publish(NewEvent(EventWorkerStarted, "run-b", nil))

	for i := 0; i < 2; i++ {
		select {
		case e := <-global:
			if e.RunID != "run-a" && e.RunID != "run-b" {
				t.Errorf("unexpected run ID %s", e.RunID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestMemoryPublisher_NonBlockingOnFullBuffer(t *testing.T) {
	pub := NewMemoryPublisher(WithBufferSize(1))
	defer pub.Close()

	ch := pub.Subscribe("run-1")

	// Fill the buffer, then publish more; the publisher must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			pub.Publish(NewEvent(EventTokens, "run-1", TokenUpdate{TaskID: int64(i)}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	// Exactly one event fit into the buffer.
	select {
	case <-ch:
	default:
		t.Error("expected one buffered event")
	}
}

func TestMemoryPublisher_Unsubscribe(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("run-1")
	if got := pub.SubscriberCount("run-1"); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	pub.Unsubscribe("run-1", ch)
	if got := pub.SubscriberCount("run-1"); got != 0 {
		t.Errorf("SubscriberCount after unsubscribe = %d, want 0", got)
	}

	// Channel is closed after unsubscribe.
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after Unsubscribe")
	}
}

func TestMemoryPublisher_CloseIsIdempotent(t *testing.T) {
	pub := NewMemoryPublisher()
	ch := pub.Subscribe("run-1")

	pub.Close()
	pub.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed subscriber channel after Close")
	}

	// Subscribe after close returns a closed channel.
	ch2 := pub.Subscribe("run-1")
	if _, ok := <-ch2; ok {
		t.Error("expected closed channel from Subscribe after Close")
	}
}

func TestMemoryPublisher_ConcurrentPublish(t *testing.T) {
	pub := NewMemoryPublisher(WithBufferSize(1000))
	defer pub.Close()

	ch := pub.Subscribe("run-1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pub.Publish(NewEvent(EventTokens, "run-1", nil))
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received != 200 {
				t.Errorf("received %d events, want 200", received)
			}
			return
		}
	}
}
