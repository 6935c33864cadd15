package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentsubstrate/internal/llmbackend"
)

type stubBackend struct {
	summarizeErr error
	summaryText  string
}

func (s *stubBackend) Invoke(ctx context.Context, req llmbackend.InvokeRequest) (llmbackend.InvokeResponse, error) {
	return llmbackend.InvokeResponse{}, nil
}

func (s *stubBackend) Summarize(ctx context.Context, logExcerpt string) (string, error) {
	if s.summarizeErr != nil {
		return "", s.summarizeErr
	}
	return s.summaryText, nil
}

func TestOpenOrResumeReusesActiveSession(t *testing.T) {
	m := NewManager(t.TempDir(), nil, Config{})

	s1, err := m.OpenOrResume("u1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s2, err := m.OpenOrResume("u1")
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("expected same session reused, got %s vs %s", s1.ID, s2.ID)
	}
}

func TestOpenOrResumeCreatesNewAfterTimeout(t *testing.T) {
	m := NewManager(t.TempDir(), nil, Config{SessionTimeout: 10 * time.Millisecond})

	s1, _ := m.OpenOrResume("u1")
	time.Sleep(20 * time.Millisecond)

	s2, err := m.OpenOrResume("u1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s1.ID == s2.ID {
		t.Fatal("expected a new session after timeout")
	}
}

func TestRecordTurnAppendsAndUpdatesAccounting(t *testing.T) {
	m := NewManager(t.TempDir(), nil, Config{})
	s, _ := m.OpenOrResume("u1")

	if err := m.RecordTurn(s, "user", "hello", nil); err != nil {
		t.Fatalf("record turn: %v", err)
	}
	if err := m.RecordTurn(s, "assistant", "hi there", &Usage{InputTokens: 10, OutputTokens: 20, Cost: 0.01}); err != nil {
		t.Fatalf("record turn: %v", err)
	}

	if s.MessageCount != 2 {
		t.Fatalf("expected message count 2, got %d", s.MessageCount)
	}
	if s.InputTokens != 10 || s.OutputTokens != 20 {
		t.Fatalf("expected accumulated tokens, got %d/%d", s.InputTokens, s.OutputTokens)
	}

	turns, err := m.readChatLog("u1", s.ID)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(turns) != 2 || turns[0].Body != "hello" {
		t.Fatalf("unexpected chat log contents: %+v", turns)
	}
}

func TestExpireWritesSummaryAndArchives(t *testing.T) {
	m := NewManager(t.TempDir(), &stubBackend{summaryText: "summary text"}, Config{})
	s, _ := m.OpenOrResume("u1")
	m.RecordTurn(s, "user", "hello", nil)

	summary, err := m.Expire(context.Background(), s, ReasonTimeout)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if summary.SummaryText != "summary text" {
		t.Fatalf("expected backend summary used, got %q", summary.SummaryText)
	}
	if s.Status != StatusArchived {
		t.Fatalf("expected archived status, got %s", s.Status)
	}

	// open_or_resume after expiry yields a fresh session id (R4).
	s2, err := m.OpenOrResume("u1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.ID == s.ID {
		t.Fatal("expected a new session id after expiry")
	}
	if s2.MessageCount != 0 {
		t.Fatal("expected no carried-over turns on new session")
	}
}

func TestExpireFallsBackOnSummarizeFailure(t *testing.T) {
	m := NewManager(t.TempDir(), &stubBackend{summarizeErr: errors.New("boom")}, Config{})
	s, _ := m.OpenOrResume("u1")
	m.RecordTurn(s, "user", "hello", nil)

	summary, err := m.Expire(context.Background(), s, ReasonRemoteUnknown)
	if err != nil {
		t.Fatalf("expire should still complete on summarize failure: %v", err)
	}
	if summary.SummaryText == "" {
		t.Fatal("expected non-empty fallback summary")
	}
}

func TestRecoverContextIncludesSummariesAndRecentLog(t *testing.T) {
	m := NewManager(t.TempDir(), &stubBackend{summaryText: "earlier context"}, Config{RecoverLastKChars: 1000, RecoverLastNSummaries: 3})

	s1, _ := m.OpenOrResume("u1")
	m.RecordTurn(s1, "user", "first session turn", nil)
	if _, err := m.Expire(context.Background(), s1, ReasonTimeout); err != nil {
		t.Fatalf("expire: %v", err)
	}

	s2, _ := m.OpenOrResume("u1")
	m.RecordTurn(s2, "user", "second session turn", nil)

	ctxBlock, err := m.RecoverContext(s2)
	if err != nil {
		t.Fatalf("recover context: %v", err)
	}
	if !contains(ctxBlock, "earlier context") {
		t.Errorf("expected recovered context to include prior summary, got: %s", ctxBlock)
	}
	if !contains(ctxBlock, "second session turn") {
		t.Errorf("expected recovered context to include recent log, got: %s", ctxBlock)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
