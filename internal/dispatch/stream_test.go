package dispatch

import (
	"context"
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/internal/cloudcode"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

func drainEvents(t *testing.T, events <-chan *cloudcode.SSEEvent) []*cloudcode.SSEEvent {
	t.Helper()
	var got []*cloudcode.SSEEvent
	for e := range events {
		got = append(got, e)
	}
	return got
}

func TestEmitEmptyResponseFallbackShape(t *testing.T) {
	events := make(chan *cloudcode.SSEEvent, 10)
	emitEmptyResponseFallback(events, "claude-opus")
	close(events)

	got := drainEvents(t, events)
	wantTypes := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(got), len(wantTypes))
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Fatalf("event %d: got type %q, want %q", i, got[i].Type, want)
		}
	}
	if got[0].Message == nil || got[0].Message.Model != "claude-opus" {
		t.Fatalf("expected message_start to carry the original model name")
	}
	delta := got[2].Delta
	if delta["text"] == "" {
		t.Fatal("expected a non-empty apology in the text delta")
	}
}

func TestMaybeFallbackStreamSkipsWhenDisabled(t *testing.T) {
	d := newTestDispatcher()
	events := make(chan *cloudcode.SSEEvent, 1)
	req := &anthropic.MessagesRequest{Model: "claude-opus"}

	handled, err := d.maybeFallbackStream(context.Background(), req, false, nil, events)
	if handled {
		t.Fatal("expected fallback to be skipped when fallbackEnabled is false")
	}
	if err != nil {
		t.Fatalf("expected nil error when fallback is skipped, got %v", err)
	}
}

func TestMaybeFallbackStreamSkipsWhenNoMapping(t *testing.T) {
	d := newTestDispatcher()
	events := make(chan *cloudcode.SSEEvent, 1)
	req := &anthropic.MessagesRequest{Model: "some-model-with-no-fallback"}

	handled, err := d.maybeFallbackStream(context.Background(), req, true, nil, events)
	if handled {
		t.Fatal("expected fallback to be skipped when no fallback mapping exists for the model")
	}
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
