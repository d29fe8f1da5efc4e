package permission

import (
	"testing"

	"github.com/loomcli/loom/internal/message"
)

func TestNativeVsMCPSeparation(t *testing.T) {
	allowed := []string{"fs_*", "@git"}

	r := Evaluate(Context{AllowedTools: allowed}, message.ToolSpec{}, "fs_read")
	if r.Verdict != Allow {
		t.Fatalf("native fs_read: got %v, want Allow", r.Verdict)
	}

	r = Evaluate(Context{AllowedTools: allowed}, message.ToolSpec{}, "@server/fs_read")
	if r.Verdict == Allow {
		t.Fatal("native pattern should not leak into MCP namespace")
	}

	r = Evaluate(Context{AllowedTools: allowed}, message.ToolSpec{}, "@git/status")
	if r.Verdict != Allow {
		t.Fatalf("server-level @git: got %v, want Allow", r.Verdict)
	}
}

func TestBuiltinNamespace(t *testing.T) {
	cases := []struct {
		allowed []string
		tool    string
		want    Verdict
	}{
		{[]string{"@builtin"}, "fs_read", Allow},
		{[]string{"@builtin/"}, "fs_read", Allow},
		{[]string{"@builtin/*"}, "fs_read", Allow},
		{[]string{"@builtin/fs_read"}, "fs_read", Allow},
		{[]string{"@builtin/fs_read"}, "fs_write", Ask},
		{[]string{"@builtin/fs_*"}, "fs_write", Allow},
	}
	for _, c := range cases {
		r := Evaluate(Context{AllowedTools: c.allowed}, message.ToolSpec{}, c.tool)
		if r.Verdict != c.want {
			t.Errorf("allowed=%v tool=%s: got %v, want %v", c.allowed, c.tool, r.Verdict, c.want)
		}
	}
}

func TestTrustAllToolsOverridesAskNotDeny(t *testing.T) {
	spec := message.ToolSpec{Policy: message.PermissionPolicy{Denylist: []string{"rm -rf*"}}}

	r := Evaluate(Context{AllowedTools: nil, TrustAllTools: true}, message.ToolSpec{}, "shell_exec")
	if r.Verdict != Allow {
		t.Fatalf("trust_all_tools should upgrade Ask to Allow, got %v", r.Verdict)
	}

	r = Evaluate(Context{TrustAllTools: true, DenylistContext: "rm -rf /"}, spec, "shell_exec")
	if r.Verdict != Deny {
		t.Fatalf("trust_all_tools must never override Deny, got %v", r.Verdict)
	}
}

func TestDenyTakesPriorityOverAllow(t *testing.T) {
	spec := message.ToolSpec{Policy: message.PermissionPolicy{Denylist: []string{"rm -rf*"}}}
	r := Evaluate(Context{AllowedTools: []string{"shell_exec"}, DenylistContext: "rm -rf /tmp"}, spec, "shell_exec")
	if r.Verdict != Deny {
		t.Fatalf("denylist match should force Deny even when allowed, got %v", r.Verdict)
	}
}

func TestAlreadyAllowedSkipsAsk(t *testing.T) {
	r := Evaluate(Context{AlreadyAllowed: true}, message.ToolSpec{}, "shell_exec")
	if r.Verdict != Allow {
		t.Fatalf("AllowAlways session augmentation should short-circuit to Allow, got %v", r.Verdict)
	}
}

func TestDeniedNotInAllowlistDefaultsToAsk(t *testing.T) {
	r := Evaluate(Context{AllowedTools: []string{"fs_read"}}, message.ToolSpec{}, "shell_exec")
	if r.Verdict != Ask {
		t.Fatalf("got %v, want Ask", r.Verdict)
	}
}
