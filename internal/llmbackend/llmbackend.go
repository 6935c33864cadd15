// Package llmbackend defines the opaque LLM backend contract consumed by
// Session and the Task Manager's Review Agent (spec §6). It deliberately
// says nothing about a specific vendor wire protocol — that is out of
// scope per spec §1.
package llmbackend

import (
	"context"
	"errors"
)

// ErrorKind classifies backend failures per spec §7's error taxonomy.
type ErrorKind int

const (
	ErrTransport ErrorKind = iota
	ErrRateLimit
	ErrRemoteUnknown
	ErrInvalidRequest
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransport:
		return "transport"
	case ErrRateLimit:
		return "rate_limit"
	case ErrRemoteUnknown:
		return "remote_unknown"
	case ErrInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error wraps a backend failure with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsRemoteUnknown reports whether err signals that the remote session id is
// no longer recognized by the backend (spec §4.1 recovery trigger).
func IsRemoteUnknown(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == ErrRemoteUnknown
	}
	return false
}

// Usage reports token accounting for one invocation.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// ToolCall is a single tool-call intent surfaced by the model.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// InvokeRequest is the request half of the invoke contract.
type InvokeRequest struct {
	Prompt   string
	History  string // serialized prior turns/context block, backend-specific
	RemoteID string // empty on first call for a session
	Model    string
}

// InvokeResponse is the response half of the invoke contract.
type InvokeResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	RemoteID  string
}

// Backend is the external LLM collaborator. Implementations must honor
// ctx cancellation for both Invoke and Summarize, since both are named
// blocking points in spec §5.
type Backend interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
	Summarize(ctx context.Context, logExcerpt string) (string, error)
}
