package taskmanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentsubstrate/internal/bus"
	"github.com/nextlevelbuilder/agentsubstrate/internal/llmbackend"
	"github.com/nextlevelbuilder/agentsubstrate/internal/session"
)

type blockingBackend struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingBackend) Invoke(ctx context.Context, req llmbackend.InvokeRequest) (llmbackend.InvokeResponse, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return llmbackend.InvokeResponse{}, ctx.Err()
	}
	return llmbackend.InvokeResponse{Text: "ok"}, nil
}

func (b *blockingBackend) Summarize(ctx context.Context, logExcerpt string) (string, error) {
	return "", nil
}

type echoBackend struct {
	calls int32
	text  string
}

func (b *echoBackend) Invoke(ctx context.Context, req llmbackend.InvokeRequest) (llmbackend.InvokeResponse, error) {
	atomic.AddInt32(&b.calls, 1)
	return llmbackend.InvokeResponse{Text: b.text}, nil
}

func (b *echoBackend) Summarize(ctx context.Context, logExcerpt string) (string, error) { return "", nil }

type lengthReviewer struct {
	minLen int
}

func (r *lengthReviewer) Review(ctx context.Context, result, criteria string, now time.Time) (ReviewVerdict, error) {
	if len(result) >= r.minLen {
		return ReviewVerdict{Accepted: true}, nil
	}
	return ReviewVerdict{
		Accepted:          false,
		Feedback:          "too short",
		Suggestions:       []string{"add more detail"},
		MissingDimensions: []string{"depth"},
	}, nil
}

func newTestManager(t *testing.T, cfg Config, backend llmbackend.Backend, reviewer ReviewAgent) *Manager {
	t.Helper()
	b := bus.New(time.Hour)
	t.Cleanup(b.Stop)
	workDir := t.TempDir()
	sessions := session.NewManager(t.TempDir(), backend, session.Config{})
	return New(cfg, backend, sessions, reviewer, b, nil, func(userID string) string { return workDir }, t.TempDir())
}

func TestConcurrencyCapAndFIFOAdmission(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{}), started: make(chan struct{}, 10)}
	m := newTestManager(t, Config{MaxSubAgents: 2}, backend, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Delegate("u1", fmt.Sprintf("task %d", i), "do work")
		if err != nil {
			t.Fatalf("delegate: %v", err)
		}
		ids = append(ids, id)
	}

	// allow exactly 2 to start
	<-backend.started
	<-backend.started

	running := countStatus(m, ids, StatusRunning)
	pending := countStatus(m, ids, StatusPending)
	if running != 2 {
		t.Fatalf("expected 2 running under cap, got %d", running)
	}
	if pending != 3 {
		t.Fatalf("expected 3 pending, got %d", pending)
	}

	close(backend.release)

	deadline := time.After(2 * time.Second)
	for {
		done := 0
		for _, id := range ids {
			task, _ := m.Get(id)
			if task.Status == StatusCompleted {
				done++
			}
		}
		if done == len(ids) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for all tasks to complete")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func countStatus(m *Manager, ids []string, status string) int {
	n := 0
	for _, id := range ids {
		task, _ := m.Get(id)
		if task.Status == status {
			n++
		}
	}
	return n
}

func TestReviewLoopRetriesUntilAccept(t *testing.T) {
	backend := &echoBackend{text: "this is a sufficiently long and detailed result"}
	reviewer := &lengthReviewer{minLen: 10}
	m := newTestManager(t, Config{MaxSubAgents: 2, MaxRetries: 3}, backend, reviewer)

	id, err := m.DelegateAndReview("u1", "d", "p", "min length 10")
	if err != nil {
		t.Fatalf("delegate_and_review: %v", err)
	}

	waitTerminal(t, m, id)
	task, _ := m.Get(id)
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.RetryCount != 0 {
		t.Fatalf("expected immediate accept with no retries, got %d", task.RetryCount)
	}
}

func TestReviewLoopMaxRetriesReached(t *testing.T) {
	backend := &echoBackend{text: "short"}
	reviewer := &lengthReviewer{minLen: 100}
	m := newTestManager(t, Config{MaxSubAgents: 2, MaxRetries: 3}, backend, reviewer)

	id, err := m.DelegateAndReview("u1", "d", "p", "min length 100")
	if err != nil {
		t.Fatalf("delegate_and_review: %v", err)
	}

	waitTerminal(t, m, id)
	task, _ := m.Get(id)
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed (max retries reached still completes), got %s", task.Status)
	}
	if !task.MaxRetriesReached {
		t.Fatal("expected max_retries_reached flag set")
	}
	if task.RetryCount != task.MaxRetries {
		t.Fatalf("expected retry_count == max_retries (%d), got %d", task.MaxRetries, task.RetryCount)
	}
	if len(task.RetryHistory) != task.MaxRetries {
		t.Fatalf("expected %d rejection entries in retry history, got %d", task.MaxRetries, len(task.RetryHistory))
	}
}

func TestCancelRunningTask(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{}), started: make(chan struct{}, 1)}
	m := newTestManager(t, Config{MaxSubAgents: 1}, backend, nil)

	id, err := m.Delegate("u1", "d", "p")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	<-backend.started

	if err := m.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitTerminal(t, m, id)

	task, _ := m.Get(id)
	if task.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
	if task.FilesProduced != nil {
		t.Fatal("expected no files delivered on cancellation")
	}
}

// remoteUnknownOnceBackend fails the first Invoke with remote_unknown (as a
// backend would once it has forgotten a session), then succeeds. Each call
// records whether it carried a History block, so the test can confirm
// recover_context ran before the retry.
type remoteUnknownOnceBackend struct {
	mu        sync.Mutex
	calls     int
	historyAt []string
}

func (b *remoteUnknownOnceBackend) Invoke(ctx context.Context, req llmbackend.InvokeRequest) (llmbackend.InvokeResponse, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.historyAt = append(b.historyAt, req.History)
	b.mu.Unlock()

	if call == 1 {
		return llmbackend.InvokeResponse{}, &llmbackend.Error{Kind: llmbackend.ErrRemoteUnknown, Err: fmt.Errorf("remote forgot session")}
	}
	return llmbackend.InvokeResponse{Text: "recovered response", RemoteID: "remote-2"}, nil
}

func (b *remoteUnknownOnceBackend) Summarize(ctx context.Context, logExcerpt string) (string, error) {
	return "", nil
}

func TestExecuteRecoversSessionOnRemoteUnknown(t *testing.T) {
	backend := &remoteUnknownOnceBackend{}
	b := bus.New(time.Hour)
	t.Cleanup(b.Stop)
	workDir := t.TempDir()
	sessions := session.NewManager(t.TempDir(), backend, session.Config{})
	m := New(Config{MaxSubAgents: 1}, backend, sessions, nil, b, nil, func(userID string) string { return workDir }, t.TempDir())

	id, err := m.Delegate("u1", "d", "p")
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	waitTerminal(t, m, id)

	task, _ := m.Get(id)
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed after recovery, got %s (%s)", task.Status, task.Error)
	}
	if task.Result != "recovered response" {
		t.Fatalf("expected result from the post-recovery call, got %q", task.Result)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.calls != 2 {
		t.Fatalf("expected exactly 2 backend invocations (fail then recover), got %d", backend.calls)
	}
	if backend.historyAt[1] == "" {
		t.Fatal("expected recover_context history on the retry after remote_unknown")
	}
}

func waitTerminal(t *testing.T, m *Manager, id string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		task, _ := m.Get(id)
		switch task.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for task %s to reach a terminal state (last: %s)", id, task.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
