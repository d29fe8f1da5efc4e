package agentloop

import "github.com/loomcli/loom/internal/message"

// HostEventType discriminates a HostEvent, mirroring spec.md §6's
// Core -> Host event stream.
type HostEventType int

const (
	HostAssistantTextDelta HostEventType = iota
	HostToolCallBegin
	HostToolCallProgress
	HostToolCallEnd
	HostApprovalRequest
	HostTurnComplete
	HostTurnFailed
	HostTurnCancelled
)

// HostEvent is one element the loop emits to the host sink channel.
type HostEvent struct {
	Type HostEventType

	Text string // HostAssistantTextDelta, HostToolCallProgress

	ToolUseID          string
	ToolName           string
	RenderedDescription string
	InputSummary       string
	Status             message.ResultStatus
	TruncatedOutput    string

	Approval ApprovalEventData

	Usage Usage

	ErrorKind string
	Message   string
}

// ApprovalEventData carries the fields of an ApprovalRequest surfaced
// to the host.
type ApprovalEventData struct {
	TurnID    string
	ToolUseID string
	ToolName  string
	ToolInput string
	Rendered  string
	Options   []string
}

// Usage mirrors modelstream.Usage for the TurnComplete event so host
// code doesn't need to import modelstream just to read it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
