package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	b := New(time.Hour)
	defer b.Stop()

	var mu sync.Mutex
	var got []Event

	b.Subscribe("u1", "a", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	b.Subscribe("u1", "b", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	b.Subscribe("u2", "c", func(e Event) {
		t.Fatal("u2 subscriber should not receive u1's event")
	})

	b.BroadcastTaskCreated("u1", TaskCreatedPayload{TaskID: "t1", Description: "d"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	for _, e := range got {
		if e.Name != EventTaskCreated {
			t.Errorf("unexpected event name %q", e.Name)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(time.Hour)
	defer b.Stop()

	count := 0
	b.Subscribe("u1", "a", func(e Event) { count++ })
	b.Unsubscribe("u1", "a")
	b.Publish("u1", Event{Name: EventTaskUpdate})

	if count != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", count)
	}
	if b.SubscriberCount("u1") != 0 {
		t.Fatalf("expected subscriber count 0, got %d", b.SubscriberCount("u1"))
	}
}

func TestPanickingSinkIsDropped(t *testing.T) {
	b := New(time.Hour)
	defer b.Stop()

	b.Subscribe("u1", "bad", func(e Event) { panic("boom") })
	okCount := 0
	b.Subscribe("u1", "good", func(e Event) { okCount++ })

	b.Publish("u1", Event{Name: EventTaskUpdate})
	// second publish should no longer try the dropped sink
	b.Publish("u1", Event{Name: EventTaskUpdate})

	if okCount != 2 {
		t.Fatalf("expected good sink to receive both events, got %d", okCount)
	}
	if b.SubscriberCount("u1") != 1 {
		t.Fatalf("expected bad sink dropped, subscriber count = %d", b.SubscriberCount("u1"))
	}
}

func TestPingTickDropsUnresponsiveSink(t *testing.T) {
	b := New(time.Hour) // long interval; we drive tick() manually
	defer b.Stop()

	b.Subscribe("u1", "silent", func(e Event) {})

	b.tick() // missed 1
	if b.SubscriberCount("u1") != 1 {
		t.Fatalf("sink dropped too early after one missed pong")
	}
	b.tick() // missed 2, reaches MissedPongLimit
	if b.SubscriberCount("u1") != 0 {
		t.Fatalf("expected sink dropped after two missed pongs")
	}
}

// TestResponsiveSinkSurvivesPingLoop drives a Sink handler that answers the
// bus's EventPong the way WSSink.handle does — calling NotePong itself once
// its round-trip succeeds — entirely through repeated tick() calls. It never
// calls NotePong from the test body, so it exercises the real ping/pong
// contract rather than just the bookkeeping NotePong resets.
func TestResponsiveSinkSurvivesPingLoop(t *testing.T) {
	b := New(time.Hour) // long interval; we drive tick() manually
	defer b.Stop()

	b.Subscribe("u1", "responsive", func(e Event) {
		if e.Name == EventPong {
			// Mirrors WSSink.handle: a successful ping round-trip reports
			// liveness back to the bus immediately.
			b.NotePong("u1", "responsive")
		}
	})

	for i := 0; i < MissedPongLimit*3; i++ {
		b.tick()
		if b.SubscriberCount("u1") != 1 {
			t.Fatalf("responsive sink dropped after %d ticks, should survive indefinitely", i+1)
		}
	}
}

func TestNotePongResetsMissedCounter(t *testing.T) {
	b := New(time.Hour)
	defer b.Stop()

	b.Subscribe("u1", "a", func(e Event) {})
	b.tick() // missed 1
	b.NotePong("u1", "a")
	b.tick() // missed 1 again, not 2 — reset took effect

	if b.SubscriberCount("u1") != 1 {
		t.Fatalf("expected sink to survive after pong reset missed counter")
	}
}
