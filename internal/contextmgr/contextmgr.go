// Package contextmgr implements the Context Manager (C7): resource
// files and hook outputs surfaced to the agent loop, user-prompt
// resolution, goal recitation during long tool-calling rounds, and
// token-budget compaction.
package contextmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loomcli/loom/internal/message"
	"github.com/loomcli/loom/internal/modelstream"
)

// HookTrigger names a point in the turn lifecycle at which configured
// hook commands run.
type HookTrigger string

const (
	HookAgentSpawn      HookTrigger = "agent_spawn"
	HookUserPromptSubmit HookTrigger = "user_prompt_submit"
	HookPreToolUse       HookTrigger = "pre_tool_use"
	HookPostToolUse      HookTrigger = "post_tool_use"
)

// HookRunner executes one hook command and returns its captured output.
// Implemented by the host binary over mvdan.cc/sh/v3 (the same
// sandboxed in-process POSIX interpreter the shell_exec tool uses, so
// hooks honor the same command denylist) rather than os/exec directly.
type HookRunner func(ctx context.Context, command string) (string, error)

// Manager holds per-session context state: loaded resources, hook
// output cache, and the prompt/recitation helpers the loop calls every
// turn and every N tool-rounds.
type Manager struct {
	mu        sync.Mutex
	resources map[string]string // canonical path -> content, loaded lazily
	hooks     map[HookTrigger][]string
	runHook   HookRunner

	// RecitationInterval is the number of tool-calling rounds between
	// synthetic goal reminders, grounded on the teacher's
	// reminderInterval constant (10).
	RecitationInterval int
}

// New constructs a Manager. hooks maps trigger name to shell commands,
// taken from the agent's config.AgentTOML.Hooks. runHook may be nil if hooks are
// disabled (e.g. integration-test mode).
func New(hooks map[HookTrigger][]string, runHook HookRunner) *Manager {
	return &Manager{
		resources:          make(map[string]string),
		hooks:              hooks,
		runHook:            runHook,
		RecitationInterval: 10,
	}
}

// LoadResource reads path (if not already cached) and returns its
// content, deduplicated by canonical (absolute, symlink-resolved) path.
func (m *Manager) LoadResource(path string) (string, error) {
	canon, err := filepath.EvalSymlinks(path)
	if err != nil {
		canon = path
	}
	canon, err = filepath.Abs(canon)
	if err != nil {
		canon = path
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if content, ok := m.resources[canon]; ok {
		return content, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("contextmgr: load resource %s: %w", path, err)
	}
	content := string(data)
	m.resources[canon] = content
	return content, nil
}

// RunHooks executes every command registered for trigger, in order,
// concatenating their captured output. A nil runHook (hooks disabled)
// or an empty trigger list returns "", nil.
func (m *Manager) RunHooks(ctx context.Context, trigger HookTrigger) (string, error) {
	cmds := m.hooks[trigger]
	if len(cmds) == 0 || m.runHook == nil {
		return "", nil
	}
	var out []string
	for _, cmd := range cmds {
		o, err := m.runHook(ctx, cmd)
		if err != nil {
			return strings.Join(out, "\n"), fmt.Errorf("contextmgr: hook %q failed: %w", cmd, err)
		}
		if o != "" {
			out = append(out, o)
		}
	}
	return strings.Join(out, "\n"), nil
}

// ResolveUserPrompt builds the user Message for raw input text,
// injecting loaded resource references and user_prompt_submit hook
// output as a structured prefix ahead of the user's own words.
func (m *Manager) ResolveUserPrompt(ctx context.Context, raw string, resourcePaths []string) (message.Message, error) {
	var prefix []string

	hookOut, err := m.RunHooks(ctx, HookUserPromptSubmit)
	if err != nil {
		return message.Message{}, err
	}
	if hookOut != "" {
		prefix = append(prefix, "<hook-output trigger=\"user_prompt_submit\">\n"+hookOut+"\n</hook-output>")
	}

	for _, p := range resourcePaths {
		content, err := m.LoadResource(p)
		if err != nil {
			return message.Message{}, err
		}
		prefix = append(prefix, fmt.Sprintf("<resource path=%q>\n%s\n</resource>", p, content))
	}

	text := raw
	if len(prefix) > 0 {
		text = strings.Join(prefix, "\n\n") + "\n\n" + raw
	}
	return message.Message{Role: message.RoleUser, Text: text}, nil
}

// ScratchpadReader exposes the current contents of the "thinking" tool's
// scratchpad, if enabled, for recitation to prefer over echoing the
// original prompt.
type ScratchpadReader interface {
	Content() string
}

// Recitation builds a <system-reminder> string every RecitationInterval
// rounds, keeping the model's original goal in its recent attention
// window during long tool-calling loops. The agent loop sends it as a
// transient system message after the stored history; it is never
// appended to the Conversation. Returns "" when no reminder is due this
// round.
func (m *Manager) Recitation(conv *message.Conversation, pad ScratchpadReader, round int) string {
	if round == 0 || m.RecitationInterval <= 0 || round%m.RecitationInterval != 0 {
		return ""
	}

	var reminder string
	if pad != nil {
		reminder = pad.Content()
	}
	if reminder == "" {
		for _, msg := range conv.Iter() {
			if msg.Role == message.RoleUser && msg.Text != "" {
				reminder = "The user's original request: " + msg.Text
				break
			}
		}
	}
	if reminder == "" {
		return ""
	}
	return "<system-reminder>\n" + reminder + "\n</system-reminder>"
}

// CompactionSystemPrompt is the fixed instruction C2 is invoked with
// when summarizing a conversation range.
const CompactionSystemPrompt = "Produce a structured bullet summary of the conversation so far, preserving every decision, file path, and open task mentioned. Be concise but do not omit anything a continuation would need."

// DefaultPreserveMessages is how many of the most recent messages
// compaction always keeps uncompressed (N in spec.md §4.7), enough to
// preserve at least one complete turn including its tool-result
// pairing.
const DefaultPreserveMessages = 4

// CompactIfNeeded runs the compaction algorithm when estimated token
// count exceeds budget, or unconditionally when force is true (the
// caller already observed StreamContextOverflow). It is idempotent on
// fixed input: re-running on an already-compacted conversation that
// fits the budget is a no-op.
func (m *Manager) CompactIfNeeded(ctx context.Context, conv *message.Conversation, backend modelstream.Backend, budget int, force bool) (*message.Conversation, error) {
	if !force && conv.TokenEstimate() <= budget {
		return conv, nil
	}

	msgs := conv.Iter()
	if len(msgs) <= 1+DefaultPreserveMessages {
		// Nothing meaningful to compact: seed plus tail already covers
		// everything.
		return conv, nil
	}

	// Already compacted (a system message sits in the prefix) and
	// still over budget with nothing left to summarize beyond the
	// preserved tail: idempotence requires this returns unchanged
	// rather than looping.
	seedIdx := 0
	endIdx := len(msgs) - DefaultPreserveMessages
	if endIdx <= seedIdx+1 {
		return conv, nil
	}
	if msgs[seedIdx+1].Role == message.RoleSystem && endIdx <= seedIdx+2 {
		return conv, nil
	}

	toSummarize := msgs[seedIdx+1 : endIdx]
	if len(toSummarize) == 0 {
		return conv, nil
	}

	summaryConv := message.New()
	summaryConv.Append(message.Message{Role: message.RoleUser, Text: renderForSummary(toSummarize)})

	events, err := backend.Stream(ctx, summaryConv.Iter(), nil, CompactionSystemPrompt, modelstream.Options{})
	if err != nil {
		return nil, fmt.Errorf("contextmgr: compaction stream: %w", err)
	}
	var summary strings.Builder
	for ev := range events {
		switch ev.Type {
		case modelstream.AssistantTextDelta:
			summary.WriteString(ev.Text)
		case modelstream.Error:
			return nil, fmt.Errorf("contextmgr: compaction failed: %w", ev.Err)
		}
	}

	compacted := message.New()
	compacted.Append(msgs[seedIdx])
	if err := compacted.TryAppend(message.Message{Role: message.RoleSystem, Text: summary.String()}); err != nil {
		return nil, fmt.Errorf("contextmgr: compaction produced invalid prefix: %w", err)
	}
	for _, m := range msgs[endIdx:] {
		if err := compacted.TryAppend(m); err != nil {
			// Repair broken pairing: the tail's first message lost its
			// tool-use's match because the summarized range absorbed
			// the other half of a pair. Insert a synthetic Compacted
			// error result for any tool-use left dangling.
			if dangling := compacted.UnpairedToolUses(); len(dangling) > 0 {
				repair := message.SynthesizeResults(dangling, "Compacted")
				if rerr := compacted.TryAppend(repair); rerr != nil {
					return nil, fmt.Errorf("contextmgr: compaction repair failed: %w", rerr)
				}
			}
			if err2 := compacted.TryAppend(m); err2 != nil {
				return nil, fmt.Errorf("contextmgr: compaction could not repair pairing: %w", err2)
			}
			continue
		}
	}

	if err := compacted.Validate(); err != nil {
		return nil, fmt.Errorf("contextmgr: compacted conversation invalid: %w", err)
	}
	return compacted, nil
}

func renderForSummary(msgs []message.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text)
		for _, tu := range m.ToolUses {
			fmt.Fprintf(&b, "  tool-use %s(%s)\n", tu.Name, tu.Input)
		}
		for _, tr := range m.ToolResults {
			for _, c := range tr.Content {
				fmt.Fprintf(&b, "  tool-result[%s] %s\n", tr.Status, c.Text)
			}
		}
	}
	return b.String()
}
