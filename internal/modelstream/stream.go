// Package modelstream defines the abstract streaming backend contract
// every model provider implements, plus the StreamEvent vocabulary the
// agent loop consumes.
package modelstream

import (
	"context"
	"encoding/json"

	"github.com/loomcli/loom/internal/message"
)

// Kind enumerates the concrete backend selected by session config tag,
// per the "polymorphism over model backends" design note: selection is
// by enumerated tag, dynamic dispatch is acceptable at the per-turn
// boundary where cost is negligible.
type Kind string

const (
	KindScripted  Kind = "scripted"
	KindAnthropic Kind = "anthropic"
)

// StopReason is the terminal reason a MessageStop event carries.
type StopReason string

const (
	StopEndTurn    StopReason = "end_turn"
	StopToolUse    StopReason = "tool_use"
	StopMaxTokens  StopReason = "max_tokens"
	StopCancelled  StopReason = "cancelled"
	StopOther      StopReason = "other"
)

// ErrorKind classifies a stream Error event. These mirror the error
// kinds spec'd for §7 (StreamTransport, StreamQuota, StreamContextOverflow,
// StreamAuth) plus a generic Validation bucket for malformed requests.
type ErrorKind string

const (
	ErrTransport      ErrorKind = "transport"       // retryable
	ErrQuota          ErrorKind = "quota"           // retryable with backoff
	ErrContextOverflow ErrorKind = "context_overflow" // triggers compaction
	ErrAuth           ErrorKind = "auth"            // fatal to session
	ErrValidation     ErrorKind = "validation"      // non-retryable
)

// EventType discriminates a StreamEvent.
type EventType int

const (
	MessageStart EventType = iota
	AssistantTextDelta
	ToolUseStart
	ToolUseInputDelta
	ToolUseStop
	MessageStop
	Metadata
	Error
)

// Usage carries token accounting, emitted at most once per stream via a
// Metadata event.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamEvent is one element of the lazy sequence a Backend emits. Only
// the fields relevant to Type are populated.
type StreamEvent struct {
	Type EventType

	// AssistantTextDelta
	Text string

	// ToolUseStart / ToolUseInputDelta / ToolUseStop
	ToolUseID    string
	ToolUseName  string // ToolUseStart only
	JSONFragment string // ToolUseInputDelta only

	// MessageStop
	StopReason StopReason

	// Metadata
	Usage Usage

	// Error
	ErrKind   ErrorKind
	Retryable bool
	Err       error
}

// Options carries per-turn generation settings passed to Stream.
type Options struct {
	Temperature float64
}

// Backend is the capability interface every concrete model provider
// implements. stream(messages, tool_specs?, system_prompt?, cancel_signal)
// -> lazy sequence of StreamEvent. The returned channel is
// single-producer, finite, not restartable, and is closed after the
// terminal event (MessageStop or Error) is sent.
//
// Cancel-safety: a cancelled ctx must cause the stream to terminate
// promptly (Error{ErrKind not set and Retryable false} or
// MessageStop{StopCancelled}) and release transport resources; partial
// assistant content already emitted remains semantically valid.
type Backend interface {
	// Name identifies the backend for logging and config selection.
	Name() string

	// Stream issues one model turn. tools may be nil for a turn with no
	// tool-calling. systemPrompt may be empty.
	Stream(ctx context.Context, messages []message.Message, tools []message.ToolSpec, systemPrompt string, opts Options) (<-chan StreamEvent, error)

	// Close releases idle transport resources.
	Close() error
}

// Factory constructs a Backend for a given model tag.
type Factory interface {
	Kind() Kind
	Create(model string, opts Options) Backend
}

// Registry resolves backends by enumerated Kind tag.
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// Register adds a factory under its Kind.
func (r *Registry) Register(f Factory) {
	r.factories[f.Kind()] = f
}

// Create resolves and constructs a backend by kind.
func (r *Registry) Create(kind Kind, model string, opts Options) (Backend, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return f.Create(model, opts), nil
}

// UnknownKindError is returned by Create for an unregistered Kind.
type UnknownKindError struct{ Kind Kind }

func (e *UnknownKindError) Error() string { return "modelstream: unknown backend kind " + string(e.Kind) }

// marshalToolSpecs returns the InputSchema of each message.ToolSpec, in
// order; names and descriptions are not included. No backend in this
// package calls it.
func marshalToolSpecs(tools []message.ToolSpec) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.InputSchema)
	}
	return out
}
