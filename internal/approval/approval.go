// Package approval implements the Approval Channel (C6): an explicit
// request/response protocol between the agent loop and whatever host
// drives it (interactive TUI, headless CLI, test harness), so none of
// them need a different integration shape. Grounded on the teacher's
// tea.Program/p.Send(...) message-passing idiom, generalized from a
// concrete TUI message type to a transport-agnostic event pair.
package approval

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Option is one of the three decisions a host may return for a request.
type Option string

const (
	OptionAllow       Option = "allow"
	OptionAllowAlways Option = "allow_always"
	OptionDeny        Option = "deny"
)

// Request is emitted by the loop for a tool-use whose permission
// verdict was Ask.
type Request struct {
	TurnID              string
	ToolUseID           string
	ToolName            string
	ToolInput           string // raw JSON
	RenderedDescription string
	Options             []Option
}

// Result is the host's single response to a Request, matched by
// ToolUseID.
type Result struct {
	ToolUseID string
	Decision  Option
}

// Channel is the bounded pair of channels connecting the loop and the
// host. The loop writes to Requests and reads from Results; the host
// does the opposite. Both directions are bounded so a slow or absent
// reader exerts backpressure on the producer rather than dropping
// events, per spec.md §5.
type Channel struct {
	Requests chan Request
	Results  chan Result
}

// New creates a Channel with the given buffer depth. A depth of 0 is
// valid (fully synchronous rendezvous); hosts that batch UI updates
// typically want a small buffer so the loop is not stalled waiting for
// a render frame.
func New(buffer int) *Channel {
	return &Channel{
		Requests: make(chan Request, buffer),
		Results:  make(chan Result, buffer),
	}
}

// NewTurnID returns a fresh turn identifier.
func NewTurnID() string { return uuid.NewString() }

// Pending tracks outstanding requests for one turn so the loop can
// match results by ToolUseID and discard late responses after
// cancellation invalidates the turn.
type Pending struct {
	turnID string
	want   map[string]struct{}
}

// NewPending starts tracking requests for turnID.
func NewPending(turnID string) *Pending {
	return &Pending{turnID: turnID, want: make(map[string]struct{})}
}

// Add records that toolUseID now has an outstanding request.
func (p *Pending) Add(toolUseID string) { p.want[toolUseID] = struct{}{} }

// Resolve marks toolUseID as answered and reports whether it was
// actually outstanding (a false return means the result is late/unknown
// and must be discarded).
func (p *Pending) Resolve(toolUseID string) bool {
	if _, ok := p.want[toolUseID]; !ok {
		return false
	}
	delete(p.want, toolUseID)
	return true
}

// Remaining reports how many requests are still outstanding.
func (p *Pending) Remaining() int { return len(p.want) }

// Router demultiplexes a Channel's single Results stream across
// concurrently outstanding Ask calls for the same turn: the loop may
// have several tool-uses simultaneously AwaitingApproval ("the loop may
// interleave approval requests and execution of already-allowed
// tools"), and results may arrive out of order, so a single reader
// goroutine must own ch.Results and fan results out by ToolUseID.
type Router struct {
	ch   *Channel
	mu   sync.Mutex
	wait map[string]chan Result
	done chan struct{}
}

// NewRouter starts the background dispatcher for ch. Call Close to stop
// it; cancelling the contexts of outstanding Ask calls does not.
func NewRouter(ch *Channel) *Router {
	r := &Router{ch: ch, wait: make(map[string]chan Result), done: make(chan struct{})}
	go r.run()
	return r
}

func (r *Router) run() {
	for {
		select {
		case res := <-r.ch.Results:
			r.mu.Lock()
			waiter, ok := r.wait[res.ToolUseID]
			if ok {
				delete(r.wait, res.ToolUseID)
			}
			r.mu.Unlock()
			if ok {
				waiter <- res
			}
			// A result with no matching waiter is a late response for
			// a tool-use whose turn was already cancelled and drained
			// (spec.md §4.6 rule 4): discard it.
		case <-r.done:
			return
		}
	}
}

// Close stops the router's dispatcher goroutine.
func (r *Router) Close() { close(r.done) }

// Ask sends req on ch.Requests (blocking if the host hasn't drained it,
// per the bounded-channel backpressure policy) and waits for the
// matching Result via the Router, honoring ctx cancellation. Per
// spec.md §4.6 rule 3, the default host-configured deadline is none:
// Ask waits indefinitely unless ctx is cancelled.
func (r *Router) Ask(ctx context.Context, req Request) (Result, error) {
	waiter := make(chan Result, 1)
	r.mu.Lock()
	r.wait[req.ToolUseID] = waiter
	r.mu.Unlock()

	select {
	case r.ch.Requests <- req:
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.wait, req.ToolUseID)
		r.mu.Unlock()
		return Result{}, ctx.Err()
	}

	select {
	case res := <-waiter:
		return res, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.wait, req.ToolUseID)
		r.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

// DrainForTurn forgets every currently-waiting request, so results that
// arrive for them later are discarded by the dispatcher. It does not
// wake the blocked Ask calls: each still returns only when its ctx is
// cancelled (the agent loop interprets that ctx.Err() return as
// Cancelled).
func (r *Router) DrainForTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.wait {
		delete(r.wait, id)
	}
}
