package host

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentsubstrate/internal/chatadapter"
	"github.com/nextlevelbuilder/agentsubstrate/internal/config"
	"github.com/nextlevelbuilder/agentsubstrate/internal/llmbackend"
	"github.com/nextlevelbuilder/agentsubstrate/internal/session"
)

type stubBackend struct{}

func (stubBackend) Invoke(ctx context.Context, req llmbackend.InvokeRequest) (llmbackend.InvokeResponse, error) {
	return llmbackend.InvokeResponse{Text: "ok"}, nil
}

func (stubBackend) Summarize(ctx context.Context, logExcerpt string) (string, error) {
	return "summary", nil
}

func TestNewWiresAllComponents(t *testing.T) {
	cfg := config.Default()
	cfg.StorageRoot = t.TempDir()
	cfg.Scheduler.TickIntervalSeconds = 1

	h, err := New(context.Background(), cfg, chatadapter.LoggingAdapter{}, stubBackend{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer h.Shutdown()

	if h.Memory == nil || h.Events == nil || h.Sessions == nil || h.Tasks == nil || h.Scheduler == nil {
		t.Fatal("expected all components wired")
	}

	s, err := h.Sessions.OpenOrResume("u1")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if s.Status != session.StatusActive {
		t.Fatalf("expected active session, got %s", s.Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	cfg.StorageRoot = t.TempDir()
	cfg.Scheduler.TickIntervalSeconds = 1

	h, err := New(context.Background(), cfg, chatadapter.LoggingAdapter{}, stubBackend{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}
