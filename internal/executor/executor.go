// Package executor implements the Tool Executor (C5): schema-validated,
// timed, output-capped tool dispatch with cooperative cancellation and a
// bounded worker pool for reentrant tools.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/registry"
)

const (
	// DefaultTimeout is the per-tool execution timeout when the tool
	// spec does not declare one.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxOutputBytes is the per-tool output cap when the tool
	// spec does not declare one.
	DefaultMaxOutputBytes = 30000

	// CancelGrace is how long a cancelled invocation gets to return on
	// its own before the executor detaches it and synthesizes a
	// Cancelled result.
	CancelGrace = time.Second

	// TruncationMarker is appended when output is cut at the tail,
	// after the kept prefix, preserving rune boundaries.
	TruncationMarker = "\n… truncated"

	// DefaultParallelism is the default bound on concurrent tool
	// execution: serial, unless every running tool declares itself
	// reentrant in its spec (see Executor.Execute's caller, the agent
	// loop, which raises this only for an all-reentrant batch).
	DefaultParallelism = 1

	// ReentrantParallelism is the ceiling used when a batch of
	// tool-uses are all declared reentrant.
	ReentrantParallelism = 8
)

// ProgressEvent is emitted by Execute without blocking further tool
// execution, consumable by the host as ToolCallProgress.
type ProgressEvent struct {
	ToolUseID string
	Text      string
}

// Executor runs tool-uses against a Registry, enforcing timeouts,
// output caps, and cancellation grace.
type Executor struct {
	reg      *registry.Registry
	progress chan<- ProgressEvent
	sem      *semaphore.Weighted
}

// New constructs an Executor. progress may be nil if the host does not
// want progress events. parallelism bounds concurrent Execute calls
// across the whole executor (the agent loop chooses DefaultParallelism
// or ReentrantParallelism per spec.md §4.8 depending on whether the
// current tool-use batch is all-reentrant).
func New(reg *registry.Registry, progress chan<- ProgressEvent, parallelism int64) *Executor {
	if parallelism < 1 {
		parallelism = DefaultParallelism
	}
	return &Executor{reg: reg, progress: progress, sem: semaphore.NewWeighted(parallelism)}
}

// detachedResult carries a late completion from a cancelled, detached
// invoker back through the drain channel so its goroutine can exit
// without blocking on a full channel — the teacher's
// Proxy.callUpstreamWithRetry cancellation-aware pattern, generalized.
type detachedResult struct {
	status  message.ResultStatus
	content []message.ResultContent
	err     error
}

// Execute runs one tool-use to completion (success, error, timeout, or
// cancellation) and returns its paired ToolResultBlock. agentCtx is
// passed through to the invoker opaquely.
func (e *Executor) Execute(ctx context.Context, use message.ToolUseBlock, spec message.ToolSpec, agentCtx any) message.ToolResultBlock {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return errorResult(use.ToolUseID, "cancelled before acquiring a worker slot")
	}
	defer e.sem.Release(1)

	if err := e.reg.Validate(use.Name, json.RawMessage(use.Input)); err != nil {
		return errorResult(use.ToolUseID, err.Error())
	}

	invoker, ok := e.reg.Invoker(use.Name)
	if !ok {
		return errorResult(use.ToolUseID, fmt.Sprintf("no invoker registered for tool %q", use.Name))
	}

	timeout := DefaultTimeout
	if spec.Policy.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.Policy.TimeoutSeconds) * time.Second
	}
	maxOutput := DefaultMaxOutputBytes
	if spec.Policy.MaxOutputBytes > 0 {
		maxOutput = spec.Policy.MaxOutputBytes
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progress := func(text string) {
		if e.progress != nil {
			select {
			case e.progress <- ProgressEvent{ToolUseID: use.ToolUseID, Text: text}:
			default:
			}
		}
	}

	done := make(chan detachedResult, 1)
	var describe io.Writer = io.Discard

	go func() {
		status, content, err := invoker(execCtx, json.RawMessage(use.Input), agentCtx, progress, describe)
		done <- detachedResult{status: status, content: content, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return errorResult(use.ToolUseID, res.err.Error())
		}
		return message.ToolResultBlock{
			ToolUseID: use.ToolUseID,
			Status:    res.status,
			Content:   truncateContent(res.content, maxOutput),
		}
	case <-execCtx.Done():
		// Either the caller cancelled or the per-tool timeout elapsed.
		// Give the invoker CancelGrace to return on its own.
		select {
		case res := <-done:
			if res.err != nil {
				return errorResult(use.ToolUseID, res.err.Error())
			}
			return message.ToolResultBlock{
				ToolUseID: use.ToolUseID,
				Status:    res.status,
				Content:   truncateContent(res.content, maxOutput),
			}
		case <-time.After(CancelGrace):
			// Detach: the goroutine above keeps running and will write
			// to done eventually, but nothing reads it further except
			// to let the channel (buffered, size 1) be garbage
			// collected once the invoker finally completes.
			reason := "timed out"
			if ctx.Err() != nil {
				reason = "cancelled"
			}
			return cancelledResult(use.ToolUseID, reason)
		}
	}
}

func errorResult(toolUseID, text string) message.ToolResultBlock {
	return message.ToolResultBlock{
		ToolUseID: toolUseID,
		Status:    message.StatusError,
		Content:   []message.ResultContent{{Kind: message.ContentText, Text: text}},
	}
}

func cancelledResult(toolUseID, reason string) message.ToolResultBlock {
	return errorResult(toolUseID, "tool execution "+reason+" and did not return within the cancellation grace period")
}

// truncateContent applies tail-truncation, preserving rune boundaries,
// to every text content entry whose own length exceeds maxBytes. Each
// entry is measured separately; the combined size of several entries
// is not capped.
// This replaces the teacher's truncateMiddle (internal/mcptools/shell.go)
// with spec.md §4.5's tail-truncation requirement.
func truncateContent(content []message.ResultContent, maxBytes int) []message.ResultContent {
	out := make([]message.ResultContent, len(content))
	for i, c := range content {
		if c.Kind == message.ContentText && len(c.Text) > maxBytes {
			c.Text = TailTruncate(c.Text, maxBytes)
		}
		out[i] = c
	}
	return out
}

// TailTruncate keeps the first maxBytes of s (rounded down to the
// nearest rune boundary) and appends TruncationMarker.
func TailTruncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !isRuneBoundary(s, cut) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i >= len(s) {
		return true
	}
	// A byte is not a UTF-8 continuation byte (10xxxxxx) iff it starts
	// a new rune.
	return s[i]&0xC0 != 0x80
}
