package modelstream

import (
	"context"

	"github.com/loomcli/loom/internal/message"
)

// ScriptedBackend plays a fixed list of StreamEvent batches, one batch
// per call to Stream, advancing to the next batch on each subsequent
// call. It is the test/headless harness backend, grounded on the
// teacher's MockProvider: a deterministic stand-in that lets tests drive
// the agent loop's state machine without a network dependency.
type ScriptedBackend struct {
	name    string
	batches [][]StreamEvent
	next    int
	closed  bool
}

// NewScriptedBackend returns a backend that emits batches[0] on the
// first Stream call, batches[1] on the second, and so on. If Stream is
// called more times than there are batches, the last batch repeats.
func NewScriptedBackend(name string, batches ...[]StreamEvent) *ScriptedBackend {
	return &ScriptedBackend{name: name, batches: batches}
}

func (b *ScriptedBackend) Name() string { return b.name }

func (b *ScriptedBackend) Close() error { b.closed = true; return nil }

// Stream replays the next scripted batch, honoring ctx cancellation
// between events so cancellation tests can exercise the mid-stream cut.
func (b *ScriptedBackend) Stream(ctx context.Context, _ []message.Message, _ []message.ToolSpec, _ string, _ Options) (<-chan StreamEvent, error) {
	idx := b.next
	if idx >= len(b.batches) {
		idx = len(b.batches) - 1
	}
	if idx < 0 {
		idx = 0
	}
	var batch []StreamEvent
	if idx < len(b.batches) {
		batch = b.batches[idx]
	}
	b.next++

	out := make(chan StreamEvent, 1)
	go func() {
		defer close(out)
		for _, ev := range batch {
			if ctx.Err() != nil {
				out <- StreamEvent{Type: MessageStop, StopReason: StopCancelled}
				return
			}
			select {
			case <-ctx.Done():
				out <- StreamEvent{Type: MessageStop, StopReason: StopCancelled}
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

// ScriptedFactory constructs ScriptedBackend instances sharing the same
// scripted batches, for wiring into a Registry under KindScripted.
type ScriptedFactory struct {
	Batches [][]StreamEvent
}

func (f *ScriptedFactory) Kind() Kind { return KindScripted }

func (f *ScriptedFactory) Create(_ string, _ Options) Backend {
	return NewScriptedBackend("scripted", f.Batches...)
}

// Text builds a single assistant-text-only batch: MessageStart,
// AssistantTextDelta for each fragment, MessageStop{EndTurn}. A
// convenience matching spec.md scenario S1.
func Text(fragments ...string) []StreamEvent {
	events := []StreamEvent{{Type: MessageStart}}
	for _, f := range fragments {
		events = append(events, StreamEvent{Type: AssistantTextDelta, Text: f})
	}
	events = append(events, StreamEvent{Type: MessageStop, StopReason: StopEndTurn})
	return events
}

// ToolCall builds a batch that opens one tool-use, feeds it the given
// JSON input in one fragment, closes it, and stops with StopToolUse. A
// convenience matching spec.md scenario S2.
func ToolCall(toolUseID, name, inputJSON string) []StreamEvent {
	return []StreamEvent{
		{Type: MessageStart},
		{Type: ToolUseStart, ToolUseID: toolUseID, ToolUseName: name},
		{Type: ToolUseInputDelta, ToolUseID: toolUseID, JSONFragment: inputJSON},
		{Type: ToolUseStop, ToolUseID: toolUseID},
		{Type: MessageStop, StopReason: StopToolUse},
	}
}
