package bus

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultPingInterval is the spec §4.5/§5 default liveness ping cadence.
const DefaultPingInterval = 30 * time.Second

// MissedPongLimit is the number of consecutive missed pongs before a sink
// is dropped (spec §4.5/§5: "drop after 2 missed").
const MissedPongLimit = 2

// Sink receives events for one subscriber. The bus itself delivers through
// EventHandler callbacks, called synchronously with no timeout; a handler
// that panics is dropped and other subscribers are unaffected. A transport
// is responsible for calling (*Bus).NotePong when it observes a pong.
type Sink interface {
	Send(Event) error
}

type subscriber struct {
	id           string
	handler      EventHandler
	missedPongs  int
	lastSeen     time.Time
	pingDeadline time.Time
}

// Bus is the per-user fan-out Event Bus described in spec §4.5.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // userID -> subscriberID -> subscriber

	pingInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates an Event Bus and starts its background liveness ping loop.
func New(pingInterval time.Duration) *Bus {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	b := &Bus{
		subscribers:  make(map[string]map[string]*subscriber),
		pingInterval: pingInterval,
		stopCh:       make(chan struct{}),
	}
	go b.pingLoop()
	return b
}

// Subscribe registers handler as a sink for userID's events. Multiple sinks
// per user are allowed (spec §4.5).
func (b *Bus) Subscribe(userID, subscriberID string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.subscribers[userID]
	if !ok {
		m = make(map[string]*subscriber)
		b.subscribers[userID] = m
	}
	m[subscriberID] = &subscriber{
		id:       subscriberID,
		handler:  handler,
		lastSeen: time.Now(),
	}
}

// Unsubscribe removes a sink.
func (b *Bus) Unsubscribe(userID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.subscribers[userID]
	if !ok {
		return
	}
	delete(m, subscriberID)
	if len(m) == 0 {
		delete(b.subscribers, userID)
	}
}

// Publish delivers event to every current sink for userID, best-effort.
// "Delivery failures... cause that sink to be dropped; other sinks are
// unaffected" (spec §4.5) — a panicking/erroring handler only removes
// itself.
func (b *Bus) Publish(userID string, event Event) {
	b.mu.RLock()
	m, ok := b.subscribers[userID]
	if !ok {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(m))
	for _, s := range m {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	var failed []string
	for _, s := range targets {
		if !b.deliver(s, event) {
			failed = append(failed, s.id)
		}
	}
	if len(failed) > 0 {
		b.mu.Lock()
		if m, ok := b.subscribers[userID]; ok {
			for _, id := range failed {
				delete(m, id)
			}
			if len(m) == 0 {
				delete(b.subscribers, userID)
			}
		}
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(s *subscriber, event Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event bus sink panicked, dropping", "subscriber", s.id, "recover", r)
			ok = false
		}
	}()
	s.handler(event)
	return true
}

// SubscriberCount reports how many sinks are registered for userID.
func (b *Bus) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[userID])
}

// NotePong records a pong from subscriberID, resetting its missed-pong
// counter.
func (b *Bus) NotePong(userID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subscribers[userID]; ok {
		if s, ok := m[subscriberID]; ok {
			s.missedPongs = 0
			s.lastSeen = time.Now()
		}
	}
}

// pingLoop sends a pong-carrying ping (modeled as the EventPong event, since
// the core's only contract with a sink is the Event stream) to every
// subscriber every pingInterval, dropping any sink that has missed
// MissedPongLimit consecutive rounds.
func (b *Bus) pingLoop() {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Bus) tick() {
	b.mu.Lock()
	var drop []struct{ user, sub string }
	for userID, m := range b.subscribers {
		for id, s := range m {
			s.missedPongs++
			if s.missedPongs >= MissedPongLimit {
				drop = append(drop, struct{ user, sub string }{userID, id})
			}
		}
	}
	b.mu.Unlock()

	for _, d := range drop {
		slog.Info("event bus dropping unresponsive subscriber", "user", d.user, "subscriber", d.sub)
		b.Unsubscribe(d.user, d.sub)
	}

	b.mu.RLock()
	targets := make(map[string][]*subscriber, len(b.subscribers))
	for userID, m := range b.subscribers {
		for _, s := range m {
			targets[userID] = append(targets[userID], s)
		}
	}
	b.mu.RUnlock()

	for userID, subs := range targets {
		for _, s := range subs {
			b.deliver(s, Event{Name: EventPong})
		}
	}
}

// Stop halts the liveness ping loop. The bus remains usable for
// Publish/Subscribe afterward; Stop only retires the background goroutine.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// BroadcastTaskUpdate is a convenience wrapper (spec §4.5).
func (b *Bus) BroadcastTaskUpdate(userID string, p TaskUpdatePayload) {
	b.Publish(userID, Event{Name: EventTaskUpdate, Payload: p})
}

// BroadcastTaskCreated is a convenience wrapper (spec §4.5).
func (b *Bus) BroadcastTaskCreated(userID string, p TaskCreatedPayload) {
	b.Publish(userID, Event{Name: EventTaskCreated, Payload: p})
}

// BroadcastScheduleExecuted is a convenience wrapper (spec §4.5).
func (b *Bus) BroadcastScheduleExecuted(userID string, p ScheduleExecutedPayload) {
	b.Publish(userID, Event{Name: EventScheduleExecuted, Payload: p})
}

// BroadcastStorageUpdate is a convenience wrapper (spec §4.5).
func (b *Bus) BroadcastStorageUpdate(userID string, p StorageUpdatePayload) {
	b.Publish(userID, Event{Name: EventStorageUpdate, Payload: p})
}

var _ EventPublisher = (*Bus)(nil)
