//
//  Copyright © Manetu Inc. All rights reserved.
//

package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/common"
)

var logger = logging.GetLogger("flowpilot.manifest")

// Registry holds the loaded policy manifests. It is safe for concurrent
// readers; [Registry.Reload] atomically replaces the loaded set.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	manifests map[string]*Manifest
	actions   map[string]bool
}

func loadDir(dir string) (map[string]*Manifest, map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading manifest directory %s: %w", dir, err)
	}

	manifests := make(map[string]*Manifest)
	var failures []string

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(sub, FileName)); err != nil {
			continue
		}

		m, err := Load(sub)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		manifests[m.Name] = m
		logger.SysDebugf("loaded manifest %s (package %s)", m.Name, m.RulePackage)
	}

	if len(failures) > 0 {
		return nil, nil, fmt.Errorf("manifest load failed:\n  %s", strings.Join(failures, "\n  "))
	}
	if len(manifests) == 0 {
		return nil, nil, fmt.Errorf("no policy manifests found under %s", dir)
	}

	actions := make(map[string]bool)
	for _, m := range manifests {
		for _, a := range m.Actions() {
			actions[a] = true
		}
	}

	return manifests, actions, nil
}

// NewRegistry walks dir, loading every subdirectory that contains a
// manifest.yaml. Subdirectories without a manifest file are skipped; any
// manifest that fails schema checks is an error. A directory yielding zero
// manifests is an error: a decision point with no policies cannot answer
// anything but deny.
//
// All load failures are collected and reported together so that a bad
// deployment surfaces every broken manifest at once.
func NewRegistry(dir string) (*Registry, error) {
	manifests, actions, err := loadDir(dir)
	if err != nil {
		return nil, err
	}

	logger.SysInfof("loaded %d policy manifests from %s", len(manifests), dir)
	return &Registry{dir: dir, manifests: manifests, actions: actions}, nil
}

// Reload re-reads the manifest directory and atomically swaps in the new
// set. On failure the previously loaded manifests stay in effect.
func (r *Registry) Reload() error {
	manifests, actions, err := loadDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.manifests = manifests
	r.actions = actions
	r.mu.Unlock()

	logger.SysInfof("reloaded %d policy manifests from %s", len(manifests), r.dir)
	return nil
}

// Select returns the manifest named by the policy hint. The hint is
// required; there is no implicit default manifest.
func (r *Registry) Select(hint string) (*Manifest, error) {
	if hint == "" {
		return nil, common.NewError(common.KindNotFound, "authz.invalid_policy", "policy_hint is required")
	}
	r.mu.RLock()
	m, ok := r.manifests[hint]
	r.mu.RUnlock()
	if !ok {
		return nil, common.NewErrorf(common.KindNotFound, "authz.invalid_policy", "unknown policy %q", hint)
	}
	return m, nil
}

// GetByName returns the manifest with the given name, or nil.
func (r *Registry) GetByName(name string) *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifests[name]
}

// ListNames returns the loaded manifest names, sorted.
func (r *Registry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.manifests))
	for name := range r.manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllActions returns the union of allowed actions across every loaded
// manifest, sorted. The authorization engine validates action names against
// this set.
func (r *Registry) AllActions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]string, 0, len(r.actions))
	for a := range r.actions {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

// AllowsAction reports whether any manifest permits the action name.
func (r *Registry) AllowsAction(action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actions[action]
}
