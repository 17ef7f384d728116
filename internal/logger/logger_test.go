package logger

import (
	"context"
	"testing"
	"time"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "" {
		t.Errorf("empty context: got %q", got)
	}

	ctx = WithTraceID(ctx, "101-12345")
	if got := TraceID(ctx); got != "101-12345" {
		t.Errorf("got %q, want 101-12345", got)
	}
}

func TestTickTraceID(t *testing.T) {
	ts := time.Unix(0, 42)
	if got := TickTraceID("101", ts); got != "101-42" {
		t.Errorf("got %q, want 101-42", got)
	}
}

func TestAttrs(t *testing.T) {
	if attrs := Attrs(context.Background()); attrs != nil {
		t.Errorf("no trace id: got %v", attrs)
	}
	ctx := WithTraceID(context.Background(), "x")
	if attrs := Attrs(ctx); len(attrs) != 1 {
		t.Errorf("got %v, want one attr", attrs)
	}
}
