// Package toolctx holds the mutable, per-agent state the built-in tools
// close over through agentloop's opaque AgentCtx: which files have been
// read this session, the delta tracker undo relies on, the shared
// in-process shell, the thinking scratchpad, and (for a subagent child)
// the box its "summary" call reports into. Keeping this here rather
// than in internal/tools or internal/subagent avoids an import cycle
// between the two.
package toolctx

import (
	"sync"

	"github.com/loomcli/loom/internal/delta"
	"github.com/loomcli/loom/internal/shell"
)

// ReadTracker records which absolute paths have been read this agent's
// lifetime, enforcing fs_write's "Read before Edit" invariant.
type ReadTracker struct {
	mu   sync.Mutex
	read map[string]bool
}

func NewReadTracker() *ReadTracker { return &ReadTracker{read: make(map[string]bool)} }

func (t *ReadTracker) MarkRead(absPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read[absPath] = true
}

func (t *ReadTracker) WasRead(absPath string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read[absPath]
}

// Scratchpad holds the agent's current plan/notes, written by the
// thinking tool and read back by contextmgr.Manager.Recitation in
// preference to echoing the original prompt.
type Scratchpad struct {
	mu      sync.RWMutex
	content string
}

func NewScratchpad() *Scratchpad { return &Scratchpad{} }

func (s *Scratchpad) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

func (s *Scratchpad) Set(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = content
}

// Capture is the box the reserved "summary" tool writes into; a
// subagent child's Context carries one, a root agent's does not.
type Capture struct {
	mu      sync.Mutex
	called  bool
	summary string
	note    string
}

func (c *Capture) Set(summary, note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.called {
		return
	}
	c.called = true
	c.summary = summary
	c.note = note
}

// Result returns the captured report and whether summary was ever called.
func (c *Capture) Result() (summary, note string, called bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary, c.note, c.called
}

// Context is the AgentCtx value every built-in invoker type-asserts.
type Context struct {
	Root       string
	Reads      *ReadTracker
	Deltas     *delta.Tracker
	Sh         *shell.Shell
	Scratchpad *Scratchpad

	// ThinkingEnabled gates the "thinking" tool per AgentConfig.
	ThinkingEnabled bool

	// Summary is non-nil only for a subagent child's Context; the
	// reserved "summary" tool's invoker refuses to run without one.
	Summary *Capture

	// Depth counts delegate() nesting: 0 for the root turn, 1 for its
	// first-level children, and so on. The delegate invoker reads this
	// to pass along as the caller's depth for the next Run call.
	Depth int
}

// New builds a root agent's Context. root anchors fs_read/fs_write/
// fs_list/shell_exec path resolution; deltas and sh are shared across
// the whole session (and with any subagent children it spawns).
func New(root string, deltas *delta.Tracker, sh *shell.Shell, thinkingEnabled bool) *Context {
	return &Context{
		Root:            root,
		Reads:           NewReadTracker(),
		Deltas:          deltas,
		Sh:              sh,
		Scratchpad:      NewScratchpad(),
		ThinkingEnabled: thinkingEnabled,
	}
}

// Child derives a subagent's Context: it shares the root's filesystem
// anchor, delta tracker, and shell (so "cd" and undo state carry over),
// but gets its own read tracker, its own scratchpad, and a fresh
// Capture to report its summary into, matching the teacher's
// per-sub-agent isolated FileReadTracker and Scratchpad.
func (c *Context) Child() *Context {
	return &Context{
		Root:            c.Root,
		Reads:           NewReadTracker(),
		Deltas:          c.Deltas,
		Sh:              c.Sh,
		Scratchpad:      NewScratchpad(),
		ThinkingEnabled: c.ThinkingEnabled,
		Summary:         &Capture{},
		Depth:           c.Depth + 1,
	}
}
