package message

import "encoding/json"

// PermissionVerdict is the tri-state result of permission evaluation,
// defined here rather than in internal/permission to avoid an import
// cycle: ToolSpec carries a policy that both C3 (registry) and C4
// (permission engine) need to see.
type PermissionVerdict string

const (
	Allow PermissionVerdict = "allow"
	Ask   PermissionVerdict = "ask"
	Deny  PermissionVerdict = "deny"
)

// PermissionPolicy is the per-tool-spec policy fragment C4 consults
// after allowlist evaluation. Denylist entries upgrade the verdict to
// Deny regardless of the agent's allowlist (e.g. a destructive shell
// command).
type PermissionPolicy struct {
	// Denylist is a set of shell-style glob patterns matched against a
	// tool-specific context string (for shell_exec, the command line).
	// Any match forces Deny.
	Denylist []string `json:"denylist,omitempty"`

	// Reentrant marks a tool as safe to run concurrently with other
	// reentrant tools; only reentrant tools may be executed in parallel
	// within one Executing phase.
	Reentrant bool `json:"reentrant,omitempty"`

	// OnlyWhenTurnComplete marks a tool (notably post-tool-use hooks
	// surfaced as tools) for deferred firing at turn completion rather
	// than immediate execution.
	OnlyWhenTurnComplete bool `json:"only_when_turn_complete,omitempty"`

	// TimeoutSeconds overrides the executor's default per-tool timeout
	// (0 means use the default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// MaxOutputBytes overrides the executor's default output cap (0
	// means use the default).
	MaxOutputBytes int `json:"max_output_bytes,omitempty"`
}

// ToolSpec describes one invocable tool: its schema and its policy.
// Names are case-sensitive and globally unique within an agent. MCP
// tools carry their server-qualified name, e.g. "@github/search_issues".
type ToolSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	InputSchema json.RawMessage   `json:"input_schema"`
	Policy      PermissionPolicy  `json:"permission_policy"`
	Server      string            `json:"server,omitempty"` // "" for builtins and the reserved summary tool
	Builtin     bool              `json:"builtin"`
}

// IsBuiltin reports whether the spec is one of the core's built-in
// tools (as opposed to MCP-provided).
func (t ToolSpec) IsBuiltin() bool { return t.Builtin }

// Document is the persisted conversation layout: a single JSON document
// per session. version=1. Round-trip (deserialise -> serialise) is
// byte-identical modulo key ordering.
type Document struct {
	Version  uint32            `json:"version"`
	Agent    string            `json:"agent"`
	Messages []Message         `json:"messages"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CurrentVersion is the only document schema version the core emits.
const CurrentVersion uint32 = 1

// ToDocument snapshots the conversation into a persistable Document.
func (c *Conversation) ToDocument(agent string, metadata map[string]string) Document {
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return Document{
		Version:  CurrentVersion,
		Agent:    agent,
		Messages: msgs,
		Metadata: metadata,
	}
}

// FromDocument rebuilds a Conversation from a persisted Document,
// re-validating invariants as it replays each message.
func FromDocument(doc Document) (*Conversation, error) {
	c := &Conversation{}
	for _, m := range doc.Messages {
		if err := c.TryAppend(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Marshal serialises the document for persistence.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDocument parses a persisted document.
func UnmarshalDocument(data []byte) (Document, error) {
	var d Document
	err := json.Unmarshal(data, &d)
	return d, err
}
