package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/modelstream"
	"github.com/loomcli/loom/internal/registry"
)

// toolAccumulator assembles ToolUseStart/ToolUseInputDelta/ToolUseStop
// events into complete ToolUseBlocks, tolerating interleaved deltas for
// concurrently open tool-uses (the teacher's toolCallAccumulator dealt
// with interleaved argument deltas keyed by index; here StreamEvent
// already carries the stable ToolUseID so the map is keyed by that
// instead of a positional index).
type toolAccumulator struct {
	order []string
	name  map[string]string
	input map[string]*strBuilder
}

type strBuilder struct{ b []byte }

func (s *strBuilder) WriteString(str string) { s.b = append(s.b, str...) }
func (s *strBuilder) String() string         { return string(s.b) }

// withRecitation builds the message slice sent to the model for one
// stream call, appending the recitation (if any) as a transient
// RoleSystem message that is never stored in the Conversation itself —
// the stored history stays exactly what the user and assistant
// exchanged, per message.Conversation's append-only, never-mutated
// contract.
func withRecitation(msgs []message.Message, recitation string) []message.Message {
	if recitation == "" {
		return msgs
	}
	out := make([]message.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, message.Message{Role: message.RoleSystem, Text: recitation})
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{name: make(map[string]string), input: make(map[string]*strBuilder)}
}

func (a *toolAccumulator) start(id, name string) {
	a.order = append(a.order, id)
	a.name[id] = name
	a.input[id] = &strBuilder{}
}

func (a *toolAccumulator) delta(id, fragment string) {
	b, ok := a.input[id]
	if !ok {
		b = &strBuilder{}
		a.input[id] = b
	}
	b.WriteString(fragment)
}

func (a *toolAccumulator) finalize() []message.ToolUseBlock {
	out := make([]message.ToolUseBlock, 0, len(a.order))
	for _, id := range a.order {
		raw := a.input[id].String()
		if raw == "" {
			raw = "{}"
		}
		out = append(out, message.ToolUseBlock{ToolUseID: id, Name: a.name[id], Input: json.RawMessage(raw)})
	}
	return out
}

// streamOneRound streams one model call with the agent's full tool set,
// applying the retry/backoff policy to transient transport errors and
// classifying terminal failures. It returns the accumulated assistant
// text, any tool-use blocks, the stream's stop reason, and a non-nil
// *TurnError only on an unretried terminal failure.
func (l *Loop) streamOneRound(ctx context.Context, recitation string) (string, []message.ToolUseBlock, modelstream.StopReason, Usage, *TurnError) {
	tools := l.toolSpecs()
	return l.streamWithRetry(ctx, tools, recitation)
}

// streamOneRoundNoTools is used for the final summary call once the
// tool-round ceiling is hit: no tools are offered so the model cannot
// keep looping.
func (l *Loop) streamOneRoundNoTools(ctx context.Context, recitation string) (string, []message.ToolUseBlock, modelstream.StopReason, Usage, *TurnError) {
	return l.streamWithRetry(ctx, nil, recitation)
}

func (l *Loop) toolSpecs() []message.ToolSpec {
	view := registry.AgentView{Tools: l.cfg.Agent.Tools, ToolAliases: l.cfg.Agent.ToolAliases}
	return l.cfg.Registry.ListForAgent(view)
}

func (l *Loop) streamWithRetry(ctx context.Context, tools []message.ToolSpec, recitation string) (string, []message.ToolUseBlock, modelstream.StopReason, Usage, *TurnError) {
	var lastErr *turnErrorAnnotated
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitteredBackoff(attempt)):
			case <-ctx.Done():
				return "", nil, modelstream.StopCancelled, Usage{}, nil
			}
		}

		text, toolUses, stopReason, usage, turnErr := l.consumeStream(ctx, tools, recitation)
		if turnErr == nil {
			return text, toolUses, stopReason, usage, nil
		}
		lastErr = turnErr
		if !turnErr.retryable {
			return "", nil, 0, Usage{}, turnErr.TurnError
		}
		// Retryable: loop to the next attempt.
	}
	if lastErr == nil {
		return "", nil, 0, Usage{}, nil
	}
	return "", nil, 0, Usage{}, lastErr.TurnError
}

func (l *Loop) consumeStream(ctx context.Context, tools []message.ToolSpec, recitation string) (string, []message.ToolUseBlock, modelstream.StopReason, Usage, *turnErrorAnnotated) {
	events, err := l.cfg.Backend.Stream(ctx, withRecitation(l.conv.Iter(), recitation), tools, l.cfg.Agent.SystemPrompt, modelstream.Options{})
	if err != nil {
		return "", nil, 0, Usage{}, &turnErrorAnnotated{TurnError: &TurnError{Kind: ErrKindTransport, Err: err}, retryable: true}
	}

	var textParts []string
	acc := newToolAccumulator()
	stopReason := modelstream.StopOther
	var usage Usage

	for ev := range events {
		switch ev.Type {
		case modelstream.AssistantTextDelta:
			textParts = append(textParts, ev.Text)
			l.emit(HostEvent{Type: HostAssistantTextDelta, Text: ev.Text})
		case modelstream.ToolUseStart:
			acc.start(ev.ToolUseID, ev.ToolUseName)
		case modelstream.ToolUseInputDelta:
			acc.delta(ev.ToolUseID, ev.JSONFragment)
		case modelstream.ToolUseStop:
			// Input is complete for this tool-use; nothing further to do
			// until MessageStop finalizes the whole batch.
		case modelstream.MessageStop:
			stopReason = ev.StopReason
		case modelstream.Metadata:
			usage = Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
		case modelstream.Error:
			kind := translateErrKind(ev.ErrKind)
			return message.JoinText(textParts), acc.finalize(), stopReason, usage, &turnErrorAnnotated{
				TurnError: &TurnError{Kind: kind, Err: streamErr(ev)},
				retryable: ev.Retryable,
			}
		}
	}

	return message.JoinText(textParts), acc.finalize(), stopReason, usage, nil
}

type turnErrorAnnotated struct {
	*TurnError
	retryable bool
}

func streamErr(ev modelstream.StreamEvent) error {
	if ev.Err != nil {
		return ev.Err
	}
	return errors.New(string(ev.ErrKind))
}

func translateErrKind(k modelstream.ErrorKind) ErrorKind {
	switch k {
	case modelstream.ErrQuota:
		return ErrKindQuota
	case modelstream.ErrContextOverflow:
		return ErrKindContextOverflow
	case modelstream.ErrAuth:
		return ErrKindAuth
	case modelstream.ErrValidation:
		return ErrKindConfigInvalid
	default:
		return ErrKindTransport
	}
}
