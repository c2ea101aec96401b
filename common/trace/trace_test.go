package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/Kotodama/common/trace"
)

func TestGenerateID_Unique(t *testing.T) {
	a, b := trace.GenerateID(), trace.GenerateID()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if !strings.HasPrefix(a, "r_") || len(a) != 34 {
		t.Errorf("unexpected id shape %q", a)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if got := trace.FromContext(context.Background()); got != "" {
		t.Errorf("empty context should have no trace id, got %q", got)
	}
	ctx := trace.WithTraceID(context.Background(), "r_fixed")
	if got := trace.FromContext(ctx); got != "r_fixed" {
		t.Errorf("FromContext = %q", got)
	}
	if got := trace.FromContext(trace.New(context.Background())); got == "" {
		t.Error("New should attach a trace id")
	}
}
