package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentsubstrate/internal/llmbackend"
)

// LLMReviewAgent is the default ReviewAgent: it asks the same backend used
// to execute sub-agent tasks to grade a result against review_criteria,
// grounded on the teacher's applyQualityGates review-and-retry idiom.
type LLMReviewAgent struct {
	Backend llmbackend.Backend
}

type reviewVerdictWire struct {
	Accepted          bool     `json:"accepted"`
	Feedback          string   `json:"feedback"`
	Suggestions       []string `json:"suggestions"`
	MissingDimensions []string `json:"missing_dimensions"`
}

// Review implements ReviewAgent.
func (r *LLMReviewAgent) Review(ctx context.Context, result, criteria string, currentDate time.Time) (ReviewVerdict, error) {
	prompt := fmt.Sprintf(`You are a strict reviewer. Today is %s.
Evaluate the RESULT below against the CRITERIA.
Respond with a single JSON object only, shape:
{"accepted": bool, "feedback": string, "suggestions": [string], "missing_dimensions": [string]}

CRITERIA:
%s

RESULT:
%s`, currentDate.Format("2006-01-02"), criteria, result)

	resp, err := r.Backend.Invoke(ctx, llmbackend.InvokeRequest{Prompt: prompt})
	if err != nil {
		return ReviewVerdict{}, fmt.Errorf("taskmanager: review: %w", err)
	}

	var wire reviewVerdictWire
	text := strings.TrimSpace(resp.Text)
	if idx := strings.IndexByte(text, '{'); idx > 0 {
		text = text[idx:]
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		// A reviewer that can't be parsed is treated as an accept-with-warning
		// rather than stalling the task forever in retries.
		return ReviewVerdict{Accepted: true, Feedback: "reviewer response unparseable, auto-accepted"}, nil
	}

	return ReviewVerdict{
		Accepted:          wire.Accepted,
		Feedback:          wire.Feedback,
		Suggestions:       wire.Suggestions,
		MissingDimensions: wire.MissingDimensions,
	}, nil
}

var _ ReviewAgent = (*LLMReviewAgent)(nil)
