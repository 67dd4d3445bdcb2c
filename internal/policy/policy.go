// Package policy loads the operator-editable tool allowlist (policy.yaml):
// which of the catalog's paid tools are currently enabled, independent of a
// user's balance. Grounded on the teacher's internal/policy/policy.go (the
// validated-YAML-plus-thread-safe-live-reload shape), narrowed from
// domain/capability/MCP rules to this system's one axis: tool name.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface the turn loop and tool dispatch consult before
// running a paid tool.
type Checker interface {
	AllowTool(name string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	// DisabledTools names catalog tools an operator has turned off, e.g.
	// during a provider incident or cost spike. Absent here means enabled.
	DisabledTools []string `yaml:"disabled_tools"`
}

func Default() Policy {
	return Policy{}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return p, nil
}

// AllowTool reports whether name is enabled.
func (p Policy) AllowTool(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, disabled := range p.DisabledTools {
		if strings.ToLower(strings.TrimSpace(disabled)) == name {
			return false
		}
	}
	return true
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.DisabledTools {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe reload, refreshed whenever
// config.Watcher reports a change to policy.yaml.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string
}

// NewLivePolicy creates a LivePolicy from an initial snapshot.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// AllowTool is the thread-safe check used at runtime.
func (lp *LivePolicy) AllowTool(name string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowTool(name)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.DisabledTools = append([]string(nil), lp.data.DisabledTools...)
	return cp
}

// Reload replaces the policy data in place.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// ReloadFromFile reloads lp from lp.path (or the given path if lp.path is
// empty), leaving the previous policy active if the file fails to parse.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	if path == "" {
		path = lp.path
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}
