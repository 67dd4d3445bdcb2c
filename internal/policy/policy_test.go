package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/halvorsen/tokenbroker/internal/policy"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.AllowTool("execute_python") {
		t.Fatal("default policy should allow all tools")
	}
}

func TestLoad_EmptyPathReturnsDefault(t *testing.T) {
	p, err := policy.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.AllowTool("anything") {
		t.Fatal("default policy should allow all tools")
	}
}

func TestLoad_ParsesDisabledTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("disabled_tools:\n  - execute_python\n  - Analyze_Image\n"), 0o644); err != nil {
		t.Fatalf("write policy.yaml: %v", err)
	}

	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.AllowTool("execute_python") {
		t.Fatal("expected execute_python to be disabled")
	}
	if p.AllowTool("analyze_image") {
		t.Fatal("expected AllowTool to be case-insensitive")
	}
	if !p.AllowTool("render_latex") {
		t.Fatal("expected render_latex to remain enabled")
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("disabled_tools: [unterminated"), 0o644); err != nil {
		t.Fatalf("write policy.yaml: %v", err)
	}

	if _, err := policy.Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestPolicyVersion_StableForEquivalentPolicies(t *testing.T) {
	a := policy.Policy{DisabledTools: []string{"execute_python", "render_latex"}}
	b := policy.Policy{DisabledTools: []string{"EXECUTE_PYTHON", " render_latex "}}
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatalf("expected equivalent policies to hash the same: %q vs %q", a.PolicyVersion(), b.PolicyVersion())
	}
}

func TestPolicyVersion_DiffersWhenToolsDiffer(t *testing.T) {
	a := policy.Policy{DisabledTools: []string{"execute_python"}}
	b := policy.Policy{DisabledTools: []string{"render_latex"}}
	if a.PolicyVersion() == b.PolicyVersion() {
		t.Fatal("expected different disabled tools to produce different versions")
	}
}

func TestLivePolicy_AllowToolAndReload(t *testing.T) {
	lp := policy.NewLivePolicy(policy.Policy{}, "")
	if !lp.AllowTool("execute_python") {
		t.Fatal("expected initial policy to allow all tools")
	}

	lp.Reload(policy.Policy{DisabledTools: []string{"execute_python"}})
	if lp.AllowTool("execute_python") {
		t.Fatal("expected execute_python to be disabled after reload")
	}
	if !lp.AllowTool("render_latex") {
		t.Fatal("expected render_latex to remain enabled after reload")
	}
}

func TestLivePolicy_SnapshotIsACopy(t *testing.T) {
	lp := policy.NewLivePolicy(policy.Policy{DisabledTools: []string{"execute_python"}}, "")
	snap := lp.Snapshot()
	snap.DisabledTools[0] = "mutated"

	if !lp.AllowTool("execute_python") {
		t.Fatal("mutating the snapshot slice must not affect live policy state")
	}
	if lp.AllowTool("mutated") == false {
		// sanity: mutated name was never disabled in the live copy
	}
}

func TestLivePolicy_PolicyVersionReflectsReload(t *testing.T) {
	lp := policy.NewLivePolicy(policy.Policy{}, "")
	before := lp.PolicyVersion()
	lp.Reload(policy.Policy{DisabledTools: []string{"execute_python"}})
	after := lp.PolicyVersion()
	if before == after {
		t.Fatal("expected PolicyVersion to change after reload")
	}
}

func TestReloadFromFile_UpdatesLivePolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("disabled_tools: []\n"), 0o644); err != nil {
		t.Fatalf("write policy.yaml: %v", err)
	}

	lp := policy.NewLivePolicy(policy.Policy{}, path)
	if err := os.WriteFile(path, []byte("disabled_tools:\n  - execute_python\n"), 0o644); err != nil {
		t.Fatalf("rewrite policy.yaml: %v", err)
	}
	if err := policy.ReloadFromFile(lp, ""); err != nil {
		t.Fatalf("ReloadFromFile: %v", err)
	}
	if lp.AllowTool("execute_python") {
		t.Fatal("expected execute_python disabled after ReloadFromFile")
	}
}

func TestReloadFromFile_KeepsPreviousPolicyOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("disabled_tools:\n  - execute_python\n"), 0o644); err != nil {
		t.Fatalf("write policy.yaml: %v", err)
	}
	lp := policy.NewLivePolicy(policy.Policy{}, path)
	if err := policy.ReloadFromFile(lp, ""); err != nil {
		t.Fatalf("initial ReloadFromFile: %v", err)
	}

	if err := os.WriteFile(path, []byte("disabled_tools: [broken"), 0o644); err != nil {
		t.Fatalf("rewrite policy.yaml: %v", err)
	}
	if err := policy.ReloadFromFile(lp, ""); err == nil {
		t.Fatal("expected ReloadFromFile to report the parse error")
	}
	if lp.AllowTool("execute_python") {
		t.Fatal("expected previous policy (execute_python disabled) to remain active")
	}
}

func TestReloadFromFile_NilLivePolicy(t *testing.T) {
	if err := policy.ReloadFromFile(nil, "anything.yaml"); err == nil {
		t.Fatal("expected error for nil LivePolicy")
	}
}
