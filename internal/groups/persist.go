package groups

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"fleetd/internal/state"
	"fleetd/internal/types"
)

const (
	groupsFile      = "groups.json"
	allocationsFile = "allocations.json"
)

type snapshot struct {
	Groups      map[string]*types.ResourceGroup `json:"groups"`
	Allocations map[string]*types.Allocation    `json:"allocations"`
}

// Save writes groups and the allocation ledger under dir.
func (m *Manager) Save(dir string) error {
	m.mu.Lock()
	snap := snapshot{
		Groups:      make(map[string]*types.ResourceGroup, len(m.groups)),
		Allocations: make(map[string]*types.Allocation, len(m.allocations)),
	}
	for id, g := range m.groups {
		snap.Groups[id] = g.Clone()
	}
	for id, a := range m.allocations {
		snap.Allocations[id] = cloneAlloc(a)
	}
	m.mu.Unlock()

	if err := state.SaveJSON(filepath.Join(dir, groupsFile), snap.Groups); err != nil {
		return err
	}
	return state.SaveJSON(filepath.Join(dir, allocationsFile), snap.Allocations)
}

// Load replays groups and allocations from dir. Missing files mean no groups
// yet. Used once at boot before any loop starts.
func (m *Manager) Load(dir string) error {
	groups := make(map[string]*types.ResourceGroup)
	if err := state.LoadJSON(filepath.Join(dir, groupsFile), &groups); err != nil && !os.IsNotExist(err) {
		return err
	}
	allocations := make(map[string]*types.Allocation)
	if err := state.LoadJSON(filepath.Join(dir, allocationsFile), &allocations); err != nil && !os.IsNotExist(err) {
		return err
	}

	m.mu.Lock()
	m.groups = groups
	m.allocations = allocations
	m.openByResource = make(map[string]string)
	for id, alloc := range allocations {
		if alloc.Open() {
			m.openByResource[alloc.ResourceID] = id
		}
	}
	m.mu.Unlock()

	m.logger.Info("group state replayed",
		zap.Int("groups", len(groups)),
		zap.Int("allocations", len(allocations)))
	return nil
}
