package broadcast

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscriber) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestSubscribeDeliversInitialSnapshot(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("FLASH-1", 7, 10)
	defer sub.Close()

	snap := recv(t, sub)
	if snap.Type != TypeInitial || snap.SKU != "FLASH-1" || snap.Available != 7 || snap.Total != 10 {
		t.Fatalf("initial snapshot = %+v", snap)
	}
}

func TestPublishFansOutPerSKU(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("FLASH-1", 5, 5)
	b := hub.Subscribe("FLASH-1", 5, 5)
	other := hub.Subscribe("OTHER-1", 3, 3)
	defer a.Close()
	defer b.Close()
	defer other.Close()

	recv(t, a)
	recv(t, b)
	recv(t, other)

	hub.Publish("FLASH-1", 4, 5)

	for _, sub := range []*Subscriber{a, b} {
		snap := recv(t, sub)
		if snap.Type != TypeUpdate || snap.Available != 4 {
			t.Fatalf("update = %+v", snap)
		}
	}

	select {
	case snap := <-other.C():
		t.Fatalf("unrelated subscriber received %+v", snap)
	default:
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("FLASH-1", 1, 1)
	if got := hub.Subscribers("FLASH-1"); got != 1 {
		t.Fatalf("subscribers = %d", got)
	}
	sub.Close()
	if got := hub.Subscribers("FLASH-1"); got != 0 {
		t.Fatalf("subscribers after close = %d", got)
	}
	// Close is idempotent.
	sub.Close()

	if _, ok := <-sub.C(); ok {
		// The initial snapshot may still be buffered; drain until closed.
		for range sub.C() {
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("FLASH-1", 100, 100)

	// Fill the buffer without draining; one slot already holds the initial
	// snapshot.
	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish("FLASH-1", 100-i, 100)
	}

	if got := hub.Subscribers("FLASH-1"); got != 0 {
		t.Fatalf("slow subscriber still attached (%d)", got)
	}

	// The channel must be closed after the drop; drain the buffered part.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after drop")
		}
	}
}
