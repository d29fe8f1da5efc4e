// Package message defines the conversation data model shared by every
// other component: typed messages, tool-use/result pairing, and the
// append-only Conversation that the agent loop owns for the life of a
// session.
package message

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Role identifies which of the three message kinds a Message carries.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentKind discriminates the payload of a ToolResultBlock content entry.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentJSON  ContentKind = "json"
	ContentImage ContentKind = "image"
)

// ResultStatus is the outcome of a tool invocation.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// ResultContent is one entry of a ToolResultBlock's content sequence.
type ResultContent struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	JSON string      `json:"json,omitempty"` // raw JSON text, kept opaque to this package
	// Image holds base64-encoded image bytes plus a MIME type, mirroring
	// the shape the teacher's provider package uses for image blocks.
	Image     string `json:"image,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolUseBlock is an assistant-emitted tool invocation request. Produced
// incrementally by C2: the input may arrive as a zero-length placeholder
// that is filled in by later JSON fragments, and is not executable until
// the stream signals the block's close (ToolUseStop).
type ToolUseBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Input     string `json:"input"` // raw JSON object text
}

// ToolResultBlock pairs with exactly one ToolUseBlock from the preceding
// assistant message. Every assistant tool-use must be paired with exactly
// one result before the next model turn may begin; unpaired tool-uses are
// converted to synthetic Error results describing the reason.
type ToolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	Status    ResultStatus    `json:"status"`
	Content   []ResultContent `json:"content"`
}

// ImageBlock is an inline image attached to a user prompt.
type ImageBlock struct {
	Data      string `json:"data"` // base64
	MediaType string `json:"media_type"`
}

// Message is a single entry in a Conversation. Exactly one of the role
// kinds applies at a time; fields irrelevant to a role are left zero.
type Message struct {
	Role Role `json:"role"`

	// Text is the plain-text portion: the user prompt text, the
	// assistant's accumulated text delta, or (for RoleSystem) the
	// compaction summary.
	Text string `json:"text,omitempty"`

	// Images are optional attachments on a user prompt.
	Images []ImageBlock `json:"images,omitempty"`

	// ToolUses are present on an assistant message that invoked tools.
	ToolUses []ToolUseBlock `json:"tool_uses,omitempty"`

	// ToolResults are present on the user message that immediately
	// follows a tool-using assistant message, one per ToolUseBlock in
	// the same order.
	ToolResults []ToolResultBlock `json:"tool_results,omitempty"`

	// CreatedAt is volatile metadata: excluded from Fingerprint.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// IsToolUsing reports whether an assistant message carries tool-uses.
func (m Message) IsToolUsing() bool { return len(m.ToolUses) > 0 }

// Conversation is the ordered, append-only message sequence for one
// session. It is owned exclusively by the Agent Loop for the life of the
// session; other components receive immutable snapshots via Iter.
// Individual Messages are never mutated after insertion.
type Conversation struct {
	messages []Message
}

// New returns an empty Conversation.
func New() *Conversation {
	return &Conversation{}
}

// Len returns the number of messages currently held.
func (c *Conversation) Len() int { return len(c.messages) }

// Iter returns an immutable snapshot slice of the current messages. The
// returned slice must not be mutated by the caller.
func (c *Conversation) Iter() []Message {
	return c.messages
}

// Append adds m to the end of the conversation after validating the
// alternation and tool-use/result pairing invariants. Invariant
// violations are a programming error and fail fast via panic, per the
// ConversationInvariant error kind's "programming error" classification.
func (c *Conversation) Append(m Message) {
	if err := c.validateAppend(m); err != nil {
		panic(fmt.Sprintf("message: conversation invariant violated: %v", err))
	}
	c.messages = append(c.messages, m)
}

// TryAppend is the non-panicking counterpart of Append, used by the
// compaction repair path which must recover from (and log) a broken
// pairing rather than crash the process.
func (c *Conversation) TryAppend(m Message) error {
	if err := c.validateAppend(m); err != nil {
		return err
	}
	c.messages = append(c.messages, m)
	return nil
}

func (c *Conversation) validateAppend(m Message) error {
	if m.Role == "" {
		return fmt.Errorf("message has no role")
	}
	if len(c.messages) == 0 {
		if m.Role != RoleUser {
			return fmt.Errorf("first message must be a user prompt, got %s", m.Role)
		}
		return nil
	}
	prev := c.messages[len(c.messages)-1]
	switch prev.Role {
	case RoleUser:
		if m.Role != RoleAssistant && m.Role != RoleSystem {
			return fmt.Errorf("expected assistant message after user, got %s", m.Role)
		}
	case RoleAssistant:
		if prev.IsToolUsing() {
			if m.Role != RoleUser {
				return fmt.Errorf("expected paired tool-result user message after tool-using assistant message, got %s", m.Role)
			}
			if err := validatePairing(prev.ToolUses, m.ToolResults); err != nil {
				return err
			}
		} else if m.Role != RoleUser {
			return fmt.Errorf("expected user message after assistant, got %s", m.Role)
		}
	case RoleSystem:
		// System compaction messages sit in the prefix. Any role is
		// accepted after a system message; alternation is not checked
		// across it against the message before the system message.
	}
	return nil
}

func validatePairing(uses []ToolUseBlock, results []ToolResultBlock) error {
	if len(uses) != len(results) {
		return fmt.Errorf("tool-use/result count mismatch: %d uses, %d results", len(uses), len(results))
	}
	for i, u := range uses {
		if results[i].ToolUseID != u.ToolUseID {
			return fmt.Errorf("tool-result %d has id %q, want %q (order must match)", i, results[i].ToolUseID, u.ToolUseID)
		}
	}
	return nil
}

// TruncateAfter discards every message after index (0-indexed); the
// message at index itself is kept, and an index of -1 empties the
// conversation. Used by compaction and by turn-failure rollback to
// revert to the last valid state.
func (c *Conversation) TruncateAfter(index int) {
	if index < -1 {
		index = -1
	}
	if index+1 >= len(c.messages) {
		return
	}
	c.messages = c.messages[:index+1]
}

// Validate re-checks every invariant over the whole sequence. Used after
// compaction's repair step, and in tests.
func (c *Conversation) Validate() error {
	tmp := &Conversation{}
	for _, m := range c.messages {
		if err := tmp.TryAppend(m); err != nil {
			return err
		}
	}
	return nil
}

// TokenEstimate follows the teacher's simple heuristic: total character
// count of all textual content divided by four, with no tokenizer
// dependency (see DESIGN.md for why this stays stdlib-only).
func (c *Conversation) TokenEstimate() int {
	chars := 0
	for _, m := range c.messages {
		chars += len(m.Text)
		for _, tu := range m.ToolUses {
			chars += len(tu.Name) + len(tu.Input)
		}
		for _, tr := range m.ToolResults {
			for _, content := range tr.Content {
				chars += len(content.Text) + len(content.JSON)
			}
		}
	}
	return chars / 4
}

// Fingerprint is a content hash over the ordered message sequence,
// excluding volatile metadata (timestamps, tool-use IDs). Used for cache
// keys and equality checks in tests; two conversations with the same
// semantic content but different tool-use IDs or timestamps fingerprint
// identically.
func (c *Conversation) Fingerprint() string {
	h := sha256.New()
	for _, m := range c.messages {
		fmt.Fprintf(h, "role:%s\n", m.Role)
		fmt.Fprintf(h, "text:%s\n", m.Text)
		for _, img := range m.Images {
			fmt.Fprintf(h, "img:%s:%s\n", img.MediaType, img.Data)
		}
		for _, tu := range m.ToolUses {
			fmt.Fprintf(h, "tooluse:%s:%s\n", tu.Name, tu.Input)
		}
		for _, tr := range m.ToolResults {
			fmt.Fprintf(h, "toolresult:%s\n", tr.Status)
			for _, content := range tr.Content {
				fmt.Fprintf(h, " content:%s:%s:%s\n", content.Kind, content.Text, content.JSON)
			}
		}
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

// LastAssistantText returns the text of the most recent assistant
// message, or "" if none exists. Used by cancellation rollback and by
// subagent result extraction fallbacks.
func (c *Conversation) LastAssistantText() string {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == RoleAssistant {
			return c.messages[i].Text
		}
	}
	return ""
}

// UnpairedToolUses returns the tool-uses of the final message when it is
// a tool-using assistant message with no following result message yet —
// the set that a cancelled or failed turn must synthesize results for.
func (c *Conversation) UnpairedToolUses() []ToolUseBlock {
	if len(c.messages) == 0 {
		return nil
	}
	last := c.messages[len(c.messages)-1]
	if last.Role == RoleAssistant && last.IsToolUsing() {
		return last.ToolUses
	}
	return nil
}

// SynthesizeResults appends a user message pairing every tool-use in
// uses with an Error result carrying reason as its text content. Used by
// cancellation and by compaction's pairing-repair path.
func SynthesizeResults(uses []ToolUseBlock, reason string) Message {
	results := make([]ToolResultBlock, len(uses))
	for i, u := range uses {
		results[i] = ToolResultBlock{
			ToolUseID: u.ToolUseID,
			Status:    StatusError,
			Content:   []ResultContent{{Kind: ContentText, Text: reason}},
		}
	}
	return Message{Role: RoleUser, ToolResults: results, CreatedAt: time.Now()}
}

// JoinText concatenates a slice of text deltas, a helper for host
// drivers reassembling an AssistantTextDelta stream for the ordering
// invariant test.
func JoinText(deltas []string) string {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(d)
	}
	return b.String()
}
