package modelstream

import (
	"context"
	"testing"
)

func TestScriptedBackendText(t *testing.T) {
	b := NewScriptedBackend("t", Text("4"))
	events, err := b.Stream(context.Background(), nil, nil, "", Options{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[1].Type != AssistantTextDelta || got[1].Text != "4" {
		t.Fatalf("unexpected delta event: %+v", got[1])
	}
	if got[2].Type != MessageStop || got[2].StopReason != StopEndTurn {
		t.Fatalf("unexpected stop event: %+v", got[2])
	}
}

func TestScriptedBackendCancellation(t *testing.T) {
	b := NewScriptedBackend("t", Text("a", "b", "c"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, err := b.Stream(ctx, nil, nil, "", Options{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	ev := <-events
	if ev.Type != MessageStop || ev.StopReason != StopCancelled {
		t.Fatalf("expected immediate cancellation stop, got %+v", ev)
	}
}

func TestScriptedBackendMultipleBatches(t *testing.T) {
	b := NewScriptedBackend("t", Text("first"), Text("second"))
	for _, want := range []string{"first", "second"} {
		events, _ := b.Stream(context.Background(), nil, nil, "", Options{})
		var got string
		for ev := range events {
			if ev.Type == AssistantTextDelta {
				got += ev.Text
			}
		}
		if got != want {
			t.Fatalf("batch got %q, want %q", got, want)
		}
	}
}
