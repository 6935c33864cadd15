package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestInitAndStartSpan(t *testing.T) {
	shutdown := Init("agentsubstrate-test")
	defer shutdown(context.Background())

	ctx, end := StartSpan(context.Background(), "unit.test", "key", "value")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	end(nil)
}

func TestStartSpanRecordsError(t *testing.T) {
	shutdown := Init("")
	defer shutdown(context.Background())

	_, end := StartSpan(context.Background(), "unit.test.error")
	end(errors.New("boom"))
}
