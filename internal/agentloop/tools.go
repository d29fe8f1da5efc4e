package agentloop

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loomcli/loom/internal/approval"
	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/permission"
)

// runToolsPending evaluates permissions for every tool-use in the
// batch, routes Ask-verdict tool-uses through the approval Router,
// dispatches every Allow-verdict (or now-approved) tool-use to the
// executor, and synthesizes Error results for every Deny, all
// concurrently: "the loop may interleave approval requests and
// execution of already-allowed tools" (spec.md §4.8).
//
// It returns the paired results in the same order as toolUses and
// whether the turn was cancelled (ctx done, or the host denied via a
// cancelled Ask) before every tool-use resolved.
func (l *Loop) runToolsPending(ctx context.Context, turnID string, toolUses []message.ToolUseBlock) ([]message.ToolResultBlock, bool) {
	l.setState(ToolsPending)

	results := make([]message.ToolResultBlock, len(toolUses))
	var wg sync.WaitGroup
	var cancelledMu sync.Mutex
	cancelled := false

	allReentrant := true
	specs := make([]message.ToolSpec, len(toolUses))
	for i, use := range toolUses {
		spec, ok := l.cfg.Registry.Lookup(use.Name)
		specs[i] = spec
		if !ok || !spec.Policy.Reentrant {
			allReentrant = false
		}
	}
	exec := l.cfg.Executor
	if allReentrant {
		exec = l.cfg.ExecutorReentrant
	}

	for i, use := range toolUses {
		i, use := i, use
		spec := specs[i]

		l.emit(HostEvent{Type: HostToolCallBegin, ToolUseID: use.ToolUseID, ToolName: use.Name, InputSummary: string(use.Input)})

		verdict := permission.Evaluate(permission.Context{
			AllowedTools:    l.cfg.Agent.Tools,
			TrustAllTools:   l.cfg.Agent.TrustAllTools,
			AlreadyAllowed:  l.isAllowAlways(use.Name),
			DenylistContext: denylistContext(use),
		}, spec, use.Name)

		wg.Add(1)
		go func() {
			defer wg.Done()

			switch verdict.Verdict {
			case permission.Deny:
				results[i] = message.ToolResultBlock{
					ToolUseID: use.ToolUseID,
					Status:    message.StatusError,
					Content:   []message.ResultContent{{Kind: message.ContentText, Text: "denied: " + joinReasons(verdict.Reasons)}},
				}
				l.emit(HostEvent{Type: HostToolCallEnd, ToolUseID: use.ToolUseID, Status: message.StatusError})
				return

			case permission.Ask:
				l.setState(AwaitingApproval)
				req := approval.Request{
					TurnID:              turnID,
					ToolUseID:           use.ToolUseID,
					ToolName:            use.Name,
					ToolInput:           string(use.Input),
					RenderedDescription: renderDescription(spec, use),
					Options:             []approval.Option{approval.OptionAllow, approval.OptionAllowAlways, approval.OptionDeny},
				}
				l.emit(HostEvent{Type: HostApprovalRequest, ToolUseID: use.ToolUseID, ToolName: use.Name, Approval: ApprovalEventData{
					TurnID: turnID, ToolUseID: use.ToolUseID, ToolName: use.Name, ToolInput: req.ToolInput,
					Rendered: req.RenderedDescription, Options: []string{"allow", "allow_always", "deny"},
				}})

				res, err := l.cfg.approval.Ask(ctx, req)
				if err != nil {
					cancelledMu.Lock()
					cancelled = true
					cancelledMu.Unlock()
					results[i] = message.ToolResultBlock{
						ToolUseID: use.ToolUseID,
						Status:    message.StatusError,
						Content:   []message.ResultContent{{Kind: message.ContentText, Text: "cancelled"}},
					}
					return
				}

				switch res.Decision {
				case approval.OptionDeny:
					results[i] = message.ToolResultBlock{
						ToolUseID: use.ToolUseID,
						Status:    message.StatusError,
						Content:   []message.ResultContent{{Kind: message.ContentText, Text: "denied by user"}},
					}
					l.emit(HostEvent{Type: HostToolCallEnd, ToolUseID: use.ToolUseID, Status: message.StatusError})
					return
				case approval.OptionAllowAlways:
					l.setAllowAlways(use.Name)
				}
				// OptionAllow and OptionAllowAlways both fall through to execution.

			}

			if spec.Policy.OnlyWhenTurnComplete {
				l.queueDeferredTool(use, spec)
				results[i] = message.ToolResultBlock{
					ToolUseID: use.ToolUseID,
					Status:    message.StatusSuccess,
					Content:   []message.ResultContent{{Kind: message.ContentText, Text: "queued: fires when the turn completes"}},
				}
				l.emit(HostEvent{Type: HostToolCallEnd, ToolUseID: use.ToolUseID, Status: message.StatusSuccess})
				return
			}

			l.setState(Executing)
			result := exec.Execute(ctx, use, spec, l.cfg.AgentCtx)
			results[i] = result
			l.emit(HostEvent{Type: HostToolCallEnd, ToolUseID: use.ToolUseID, Status: result.Status})
		}()
	}

	wg.Wait()
	return results, cancelled
}

func (l *Loop) isAllowAlways(toolName string) bool {
	l.allowAlwaysMu.Lock()
	defer l.allowAlwaysMu.Unlock()
	return l.allowAlways[toolName]
}

func (l *Loop) setAllowAlways(toolName string) {
	l.allowAlwaysMu.Lock()
	defer l.allowAlwaysMu.Unlock()
	l.allowAlways[toolName] = true
}

// queueDeferredTool records an OnlyWhenTurnComplete tool-use for firing
// once the turn reaches a terminal state (see Loop.drainDeferredTools).
func (l *Loop) queueDeferredTool(use message.ToolUseBlock, spec message.ToolSpec) {
	l.deferredMu.Lock()
	defer l.deferredMu.Unlock()
	l.deferred = append(l.deferred, deferredToolCall{Use: use, Spec: spec})
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "no reason given"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

func renderDescription(spec message.ToolSpec, use message.ToolUseBlock) string {
	if spec.Description != "" {
		return spec.Description + ": " + string(use.Input)
	}
	return use.Name + ": " + string(use.Input)
}

// denylistContext extracts the string a PermissionPolicy.Denylist is
// matched against: shell_exec is matched on its command field so a
// denylist pattern like "rm -rf *" is meaningful, everything else is
// matched on the tool name itself.
func denylistContext(use message.ToolUseBlock) string {
	if use.Name != "shell_exec" {
		return use.Name
	}
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(use.Input, &args); err == nil && args.Command != "" {
		return args.Command
	}
	return use.Name
}
