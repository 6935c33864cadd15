package taskmanager

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentsubstrate/internal/llmbackend"
)

type fixedReviewBackend struct {
	text string
}

func (f *fixedReviewBackend) Invoke(ctx context.Context, req llmbackend.InvokeRequest) (llmbackend.InvokeResponse, error) {
	return llmbackend.InvokeResponse{Text: f.text}, nil
}

func (f *fixedReviewBackend) Summarize(ctx context.Context, logExcerpt string) (string, error) {
	return "", nil
}

func TestLLMReviewAgentParsesAcceptedVerdict(t *testing.T) {
	agent := &LLMReviewAgent{Backend: &fixedReviewBackend{text: `{"accepted": true, "feedback": "looks good"}`}}
	v, err := agent.Review(context.Background(), "some result", "must be thorough", time.Now())
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !v.Accepted {
		t.Fatal("expected accepted verdict")
	}
}

func TestLLMReviewAgentRejectsWithFeedback(t *testing.T) {
	wire := `{"accepted": false, "feedback": "too vague", "suggestions": ["add examples"], "missing_dimensions": ["depth"]}`
	agent := &LLMReviewAgent{Backend: &fixedReviewBackend{text: wire}}
	v, err := agent.Review(context.Background(), "result", "criteria", time.Now())
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if v.Accepted {
		t.Fatal("expected rejected verdict")
	}
	if v.Feedback != "too vague" || len(v.Suggestions) != 1 || len(v.MissingDimensions) != 1 {
		t.Fatalf("unexpected verdict fields: %+v", v)
	}
}

func TestLLMReviewAgentToleratesPrefixedJSON(t *testing.T) {
	wire := "Here is my verdict:\n" + `{"accepted": true}`
	agent := &LLMReviewAgent{Backend: &fixedReviewBackend{text: wire}}
	v, err := agent.Review(context.Background(), "result", "criteria", time.Now())
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !v.Accepted {
		t.Fatal("expected accepted verdict despite prefixed text")
	}
}

func TestLLMReviewAgentAutoAcceptsUnparseable(t *testing.T) {
	agent := &LLMReviewAgent{Backend: &fixedReviewBackend{text: "not json at all"}}
	v, err := agent.Review(context.Background(), "result", "criteria", time.Now())
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !v.Accepted {
		t.Fatal("expected auto-accept fallback on unparseable reviewer output")
	}
}
