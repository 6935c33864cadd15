// Package chatadapter defines the chat transport contract (spec §6) and the
// per-user FIFO serialization that spec §5 names as "the authoritative
// serialization point for user-visible effects." The concrete transport
// (Telegram/Discord/etc.) is explicitly out of scope (spec §1); only the
// interface and ordering guarantee live here.
package chatadapter

import (
	"context"
	"log/slog"
	"sync"
)

// Adapter is the external chat-transport collaborator.
type Adapter interface {
	SendText(ctx context.Context, userID, body string) error
	SendFile(ctx context.Context, userID, path, caption string) error
	React(ctx context.Context, userID, messageRef, emoji string) error
	SetTyping(ctx context.Context, userID string) error
	NotifyMenuCommandSet(ctx context.Context, userID string, commands []string) error
}

// job is one queued effect for a user.
type job struct {
	run func()
}

// Serializer fans SendText, SendFile and React calls for a given user
// through a single goroutine-backed FIFO queue, so "per-user outbound
// messages and files are serialized... this is the authoritative
// serialization point" (spec §5) holds regardless of which component
// (Session, Task Manager, File Tracker) originates the call. SetTyping and
// NotifyMenuCommandSet are not wrapped.
type Serializer struct {
	adapter Adapter

	mu     sync.Mutex
	queues map[string]chan job
	done   map[string]chan struct{}
}

// NewSerializer wraps adapter with per-user FIFO delivery.
func NewSerializer(adapter Adapter) *Serializer {
	return &Serializer{
		adapter: adapter,
		queues:  make(map[string]chan job),
		done:    make(map[string]chan struct{}),
	}
}

func (s *Serializer) queueFor(userID string) chan job {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[userID]
	if ok {
		return q
	}

	q = make(chan job, 256)
	doneCh := make(chan struct{})
	s.queues[userID] = q
	s.done[userID] = doneCh

	go func() {
		defer close(doneCh)
		for j := range q {
			j.run()
		}
	}()

	return q
}

func (s *Serializer) enqueue(userID string, run func()) {
	s.queueFor(userID) <- job{run: run}
}

// SendText enqueues a text send for userID, returning immediately; the
// adapter failure (if any) is logged, not propagated — "Adapter failures
// are logged and do not fail the originating task" (spec §6).
func (s *Serializer) SendText(userID, body string) {
	s.enqueue(userID, func() {
		if err := s.adapter.SendText(context.Background(), userID, body); err != nil {
			slog.Warn("chat adapter send_text failed", "user", userID, "error", err)
		}
	})
}

// SendFile enqueues a file delivery for userID.
func (s *Serializer) SendFile(userID, path, caption string) {
	s.enqueue(userID, func() {
		if err := s.adapter.SendFile(context.Background(), userID, path, caption); err != nil {
			slog.Warn("chat adapter send_file failed", "user", userID, "path", path, "error", err)
		}
	})
}

// React enqueues a reaction.
func (s *Serializer) React(userID, messageRef, emoji string) {
	s.enqueue(userID, func() {
		if err := s.adapter.React(context.Background(), userID, messageRef, emoji); err != nil {
			slog.Warn("chat adapter react failed", "user", userID, "error", err)
		}
	})
}

// Close drains and stops all per-user queues, waiting for in-flight jobs to
// finish.
func (s *Serializer) Close() {
	s.mu.Lock()
	queues := s.queues
	doneChans := s.done
	s.queues = make(map[string]chan job)
	s.done = make(map[string]chan struct{})
	s.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	for _, d := range doneChans {
		<-d
	}
}
