// Package agentloop implements the Agent Loop (C8): the central driver
// that streams a model turn, accumulates assistant text and tool-use
// blocks, evaluates permissions, routes through approval when asked,
// dispatches allowed tools to the executor, and feeds results back for
// another round until the turn reaches a terminal state.
package agentloop

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/loomcli/loom/internal/approval"
	"github.com/loomcli/loom/internal/contextmgr"
	"github.com/loomcli/loom/internal/executor"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/modelstream"
	"github.com/loomcli/loom/internal/registry"
)

const (
	// DefaultMaxToolRounds bounds a single turn's tool-calling rounds
	// when Config.MaxToolRounds is unset, grounded
	// on the teacher's ProcessTurnOptions.MaxToolRounds default.
	DefaultMaxToolRounds = 60

	retryBase   = 250 * time.Millisecond
	retryCap    = 8 * time.Second
	maxAttempts = 4
)

// AgentConfig is the subset of spec.md §3's Agent configuration view the
// loop consults directly (tool aliasing/allowlisting is delegated to
// the registry and permission packages, which take the same fields).
type AgentConfig struct {
	Name          string
	SystemPrompt  string
	Tools         []string
	ToolAliases   map[string]string
	TrustAllTools bool
}

// Config bundles every collaborator the loop needs for one session.
type Config struct {
	Backend         modelstream.Backend
	Registry        *registry.Registry
	Executor        *executor.Executor
	ApprovalChannel *approval.Channel
	ContextMgr      *contextmgr.Manager
	Agent           AgentConfig
	Scratchpad      contextmgr.ScratchpadReader
	// ExecutorReentrant is used in place of Executor for a tool-use
	// batch where every tool declares itself reentrant, raising the
	// concurrency ceiling from executor.DefaultParallelism to
	// executor.ReentrantParallelism. Falls back to Executor if nil.
	ExecutorReentrant *executor.Executor
	// TokenBudget triggers proactive compaction when the conversation's
	// estimated token count exceeds it (0 disables proactive compaction;
	// reactive compaction on StreamContextOverflow still applies).
	TokenBudget   int
	MaxToolRounds int
	// AgentCtx is passed through to every tool invoker opaquely.
	AgentCtx any

	approval *approval.Router
}

// Loop drives one session's Conversation through turns.
type Loop struct {
	cfg    Config
	conv   *message.Conversation
	state  State
	mu     sync.Mutex
	cancel context.CancelFunc
	events chan<- HostEvent

	// allowAlways is the session-scoped allow-set extension from
	// ApprovalResult{AllowAlways}; never persisted by the core.
	allowAlwaysMu sync.Mutex
	allowAlways   map[string]bool

	// deferred holds tool-uses whose spec declares
	// PermissionPolicy.OnlyWhenTurnComplete, collected across every
	// round of the current turn and fired once the turn reaches a
	// terminal state (see drainDeferredTools).
	deferredMu sync.Mutex
	deferred   []deferredToolCall
}

// deferredToolCall is one queued OnlyWhenTurnComplete tool-use awaiting
// firing at turn completion.
type deferredToolCall struct {
	Use  message.ToolUseBlock
	Spec message.ToolSpec
}

// New constructs a Loop over an existing (possibly freshly-seeded)
// Conversation. events receives the host-facing event stream; it
// should be read continuously by the caller, since it is a bounded
// channel whose full condition exerts backpressure on the loop.
func New(cfg Config, conv *message.Conversation, events chan<- HostEvent) *Loop {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.ApprovalChannel != nil {
		cfg.approval = approval.NewRouter(cfg.ApprovalChannel)
	}
	if cfg.ExecutorReentrant == nil {
		cfg.ExecutorReentrant = cfg.Executor
	}
	return &Loop{
		cfg:         cfg,
		conv:        conv,
		state:       Idle,
		events:      events,
		allowAlways: make(map[string]bool),
	}
}

// State returns the loop's current turn state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Conversation returns the owned Conversation snapshot.
func (l *Loop) Conversation() *message.Conversation { return l.conv }

// Cancel propagates a single session-level cancel signal to the active
// stream, executions, and pending approvals, per spec.md §5. It is a
// no-op if no turn is in flight.
func (l *Loop) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// ApprovalChannel exposes the request/result pair the host reads
// requests from and writes decisions to; the loop's own Ask calls go
// through an internal Router wrapping this same Channel.
func (l *Loop) ApprovalChannel() *approval.Channel { return l.cfg.ApprovalChannel }

// SubmitPrompt accepts a new user prompt from Idle, transitioning
// through Streaming/ToolsPending/AwaitingApproval/Executing until the
// turn reaches Done, Failed, or Cancelled, at which point the loop
// returns to Idle (the caller drives one-shot-mode exit separately).
func (l *Loop) SubmitPrompt(parentCtx context.Context, text string, resourcePaths []string) (State, error) {
	l.mu.Lock()
	if l.state != Idle {
		state := l.state
		l.mu.Unlock()
		return state, fmt.Errorf("agentloop: cannot submit a prompt while in state %s", state)
	}
	l.mu.Unlock()

	msg, err := l.cfg.ContextMgr.ResolveUserPrompt(parentCtx, text, resourcePaths)
	if err != nil {
		return Failed, err
	}
	l.conv.Append(msg)

	ctx, cancel := context.WithCancel(parentCtx)
	l.mu.Lock()
	l.cancel = cancel
	l.state = Streaming
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.state = Idle
		l.mu.Unlock()
	}()

	final := l.runTurn(ctx)
	cancel()
	return final, nil
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) emit(ev HostEvent) {
	if l.events == nil {
		return
	}
	l.events <- ev
}

// recentCall records one tool-use's name and raw input so runTurn can
// detect the model repeating itself, grounded on the teacher's
// ProcessTurn recentCall tracking.
type recentCall struct {
	Name string
	Args string
}

// runTurn is the round loop: Streaming -> ToolsPending ->
// AwaitingApproval -> Executing -> Streaming | Done | Failed |
// Cancelled.
func (l *Loop) runTurn(ctx context.Context) State {
	turnID := approval.NewTurnID()
	compactedOnce := false
	var recent []recentCall

	for round := 0; round < l.cfg.MaxToolRounds; round++ {
		recitation := l.cfg.ContextMgr.Recitation(l.conv, l.cfg.Scratchpad, round)

		if l.cfg.TokenBudget > 0 {
			compacted, err := l.cfg.ContextMgr.CompactIfNeeded(ctx, l.conv, l.cfg.Backend, l.cfg.TokenBudget, false)
			if err == nil {
				l.conv = compacted
			}
		}

		l.setState(Streaming)
		text, toolUses, stopReason, usage, turnErr := l.streamOneRound(ctx, recitation)

		if turnErr != nil {
			if turnErr.Kind == ErrKindContextOverflow && !compactedOnce {
				compactedOnce = true
				compacted, cerr := l.cfg.ContextMgr.CompactIfNeeded(ctx, l.conv, l.cfg.Backend, 0, true)
				if cerr != nil {
					l.emitFailed(turnErr)
					l.drainDeferredTools(ctx)
					return Failed
				}
				l.conv = compacted
				round-- // retry this round after compaction, not counted again
				continue
			}
			l.emitFailed(turnErr)
			l.drainDeferredTools(ctx)
			return Failed
		}

		if stopReason == modelstream.StopCancelled {
			l.finishCancelled(text, toolUses)
			l.drainDeferredTools(ctx)
			return Cancelled
		}

		assistantMsg := message.Message{Role: message.RoleAssistant, Text: text, ToolUses: toolUses, CreatedAt: timeNow()}
		l.conv.Append(assistantMsg)

		if len(toolUses) == 0 {
			l.emit(HostEvent{Type: HostTurnComplete, Usage: usage})
			l.drainDeferredTools(ctx)
			return Done
		}

		results, cancelledTurn := l.runToolsPending(ctx, turnID, toolUses)

		for _, use := range toolUses {
			recent = append(recent, recentCall{Name: use.Name, Args: string(use.Input)})
		}
		if n := len(recent); n >= 3 && recent[n-1] == recent[n-2] && recent[n-2] == recent[n-3] && len(results) > 0 {
			last := &results[len(results)-1]
			last.Content = append(last.Content, message.ResultContent{
				Kind: message.ContentText,
				Text: "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>",
			})
		}

		l.conv.Append(message.Message{Role: message.RoleUser, ToolResults: results, CreatedAt: timeNow()})

		if cancelledTurn || ctx.Err() != nil {
			l.emit(HostEvent{Type: HostTurnCancelled})
			l.drainDeferredTools(ctx)
			return Cancelled
		}
		// Otherwise continue to the next Streaming round.
	}

	// Tool-round ceiling reached: one final text-only call so the model
	// must summarize rather than looping forever, grounded on the
	// teacher's ProcessTurn ceiling behavior.
	if ctx.Err() != nil {
		l.emit(HostEvent{Type: HostTurnCancelled})
		l.drainDeferredTools(ctx)
		return Cancelled
	}
	l.conv.Append(message.Message{
		Role:      message.RoleUser,
		Text:      "You have exhausted your tool call limit for this turn. Respond in text only. Summarize what you accomplished and what remains.",
		CreatedAt: timeNow(),
	})
	text, _, stopReason, usage, turnErr := l.streamOneRoundNoTools(ctx, "")
	if turnErr != nil {
		l.emitFailed(turnErr)
		l.drainDeferredTools(ctx)
		return Failed
	}
	if stopReason == modelstream.StopCancelled {
		l.finishCancelled(text, nil)
		l.drainDeferredTools(ctx)
		return Cancelled
	}
	l.conv.Append(message.Message{Role: message.RoleAssistant, Text: text, CreatedAt: timeNow()})
	l.emit(HostEvent{Type: HostTurnComplete, Usage: usage})
	l.drainDeferredTools(ctx)
	return Done
}

// drainDeferredTools fires every queued OnlyWhenTurnComplete tool-use
// and clears the queue. Per spec.md's codified reading of "turn
// complete", this runs on all three terminal states (Done, Failed,
// Cancelled), so it is detached from the turn's own context: a
// cancelled turn must not also cancel its deferred hooks.
func (l *Loop) drainDeferredTools(ctx context.Context) {
	l.deferredMu.Lock()
	pending := l.deferred
	l.deferred = nil
	l.deferredMu.Unlock()

	if len(pending) == 0 {
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, call := range pending {
		l.emit(HostEvent{Type: HostToolCallBegin, ToolUseID: call.Use.ToolUseID, ToolName: call.Use.Name, InputSummary: string(call.Use.Input)})
		result := l.cfg.Executor.Execute(detached, call.Use, call.Spec, l.cfg.AgentCtx)
		l.emit(HostEvent{Type: HostToolCallEnd, ToolUseID: call.Use.ToolUseID, Status: result.Status})
	}
}

func (l *Loop) emitFailed(err *TurnError) {
	l.emit(HostEvent{Type: HostTurnFailed, ErrorKind: string(err.Kind), Message: err.Error()})
}

// finishCancelled keeps streamed text, drops the incomplete tool-use
// set from the event stream (already excluded from toolUses by
// consumeStream on mid-stream cancellation), and appends whatever
// partial assistant message resulted, then synthesizes Cancelled
// results for anything left unpaired so the conversation remains valid.
func (l *Loop) finishCancelled(text string, toolUses []message.ToolUseBlock) {
	if text != "" || len(toolUses) > 0 {
		l.conv.Append(message.Message{Role: message.RoleAssistant, Text: text, ToolUses: toolUses, CreatedAt: timeNow()})
	}
	if dangling := l.conv.UnpairedToolUses(); len(dangling) > 0 {
		l.conv.Append(message.SynthesizeResults(dangling, "cancelled"))
	}
	l.emit(HostEvent{Type: HostTurnCancelled})
}

func timeNow() time.Time { return time.Now() }

func jitteredBackoff(attempt int) time.Duration {
	d := retryBase * time.Duration(1<<uint(attempt))
	if d > retryCap {
		d = retryCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

