// Package groups partitions assets into policy-governed resource groups and
// owns the allocation ledger. Every selector reservation on a grouped asset
// passes through the policy gate here; explicit allocations additionally
// check team reservations and concurrency caps. Decommission safety for all
// assets, grouped or not, lives here too.
package groups

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/types"
)

// Manager owns groups and allocations.
type Manager struct {
	cfg    *config.Config
	reg    *registry.Registry
	clk    clock.Clock
	logger *zap.Logger

	mu             sync.Mutex
	groups         map[string]*types.ResourceGroup
	allocations    map[string]*types.Allocation
	openByResource map[string]string // resource id -> open allocation id

	onChange func()

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds the manager; call StartReaper to close expired allocations in
// the background.
func New(cfg *config.Config, reg *registry.Registry, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		reg:            reg,
		clk:            clk,
		logger:         logger.Named("groups"),
		groups:         make(map[string]*types.ResourceGroup),
		allocations:    make(map[string]*types.Allocation),
		openByResource: make(map[string]string),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// SetOnChange installs the hook called after every mutation, for persistence.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) notify() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Create registers a new group.
func (m *Manager) Create(group *types.ResourceGroup) (*types.ResourceGroup, error) {
	if group.Name == "" {
		return nil, types.Validationf("group needs a name")
	}
	if !group.Kind.Valid() {
		return nil, types.Validationf("group %s has unknown kind %q", group.Name, group.Kind)
	}
	stored := group.Clone()
	if stored.ID == "" {
		stored.ID = types.NewID("grp")
	}
	now := m.clk.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.MemberIDs = nil

	m.mu.Lock()
	if _, exists := m.groups[stored.ID]; exists {
		m.mu.Unlock()
		return nil, types.Conflictf("group %s already exists", stored.ID)
	}
	m.groups[stored.ID] = stored
	m.mu.Unlock()

	m.logger.Info("group created",
		zap.String("group", stored.ID),
		zap.String("name", stored.Name),
		zap.String("kind", string(stored.Kind)))
	m.notify()

	// Adopt members named on the request one by one so each gets the usual
	// kind and re-link handling.
	for _, id := range group.MemberIDs {
		if err := m.AddMember(stored.ID, id); err != nil {
			m.logger.Warn("adopting member failed",
				zap.String("group", stored.ID), zap.String("asset", id), zap.Error(err))
		}
	}
	return m.Get(stored.ID)
}

// Get returns a copy of the group.
func (m *Manager) Get(id string) (*types.ResourceGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[id]
	if !ok {
		return nil, types.NotFoundf("group %s", id)
	}
	return group.Clone(), nil
}

// List returns copies of every group, ordered by id.
func (m *Manager) List() []*types.ResourceGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*types.ResourceGroup, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.groups[id].Clone())
	}
	return out
}

// UpdatePolicy replaces the group's allocation policy.
func (m *Manager) UpdatePolicy(id string, policy types.AllocationPolicy) (*types.ResourceGroup, error) {
	m.mu.Lock()
	group, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return nil, types.NotFoundf("group %s", id)
	}
	group.Policy = policy
	group.Policy.ReservedForTeams = append([]string(nil), policy.ReservedForTeams...)
	group.UpdatedAt = m.clk.Now().UTC()
	out := group.Clone()
	m.mu.Unlock()
	m.notify()
	return out, nil
}

// Delete removes an empty group with no open allocations.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	group, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return types.NotFoundf("group %s", id)
	}
	if len(group.MemberIDs) > 0 {
		m.mu.Unlock()
		return types.Conflictf("group %s still has %d members", id, len(group.MemberIDs))
	}
	if m.openCountLocked(id) > 0 {
		m.mu.Unlock()
		return types.Conflictf("group %s still has open allocations", id)
	}
	delete(m.groups, id)
	m.mu.Unlock()

	m.logger.Info("group deleted", zap.String("group", id))
	m.notify()
	return nil
}

// AddMember links an asset into the group. An asset belongs to at most one
// group; moving re-links it, dropping the previous membership.
func (m *Manager) AddMember(groupID, assetID string) error {
	asset, err := m.reg.Get(assetID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	group, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return types.NotFoundf("group %s", groupID)
	}
	if group.Kind != asset.GetKind() {
		m.mu.Unlock()
		return types.Validationf("group %s holds %s assets, %s is a %s",
			groupID, group.Kind, assetID, asset.GetKind())
	}
	if group.HasMember(assetID) {
		m.mu.Unlock()
		return nil
	}

	prevGroup := asset.Meta().GroupID
	if prevGroup != "" && prevGroup != groupID {
		if prev, ok := m.groups[prevGroup]; ok {
			prev.MemberIDs = removeID(prev.MemberIDs, assetID)
			prev.UpdatedAt = m.clk.Now().UTC()
		}
	}
	group.MemberIDs = append(group.MemberIDs, assetID)
	sort.Strings(group.MemberIDs)
	group.UpdatedAt = m.clk.Now().UTC()
	m.mu.Unlock()

	if _, err := m.reg.Update(assetID, func(a types.Asset) error {
		a.Meta().GroupID = groupID
		return nil
	}); err != nil {
		return err
	}
	m.logger.Info("asset joined group",
		zap.String("asset", assetID),
		zap.String("group", groupID),
		zap.String("previous", prevGroup))
	m.notify()
	return nil
}

// RemoveMember unlinks an asset from its group.
func (m *Manager) RemoveMember(groupID, assetID string) error {
	m.mu.Lock()
	group, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return types.NotFoundf("group %s", groupID)
	}
	if !group.HasMember(assetID) {
		m.mu.Unlock()
		return types.NotFoundf("asset %s in group %s", assetID, groupID)
	}
	group.MemberIDs = removeID(group.MemberIDs, assetID)
	group.UpdatedAt = m.clk.Now().UTC()
	m.mu.Unlock()

	if _, err := m.reg.Update(assetID, func(a types.Asset) error {
		a.Meta().GroupID = ""
		return nil
	}); err != nil && types.KindOf(err) != types.ErrNotFound {
		return err
	}
	m.notify()
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Stats aggregates the group's members and allocation pressure.
func (m *Manager) Stats(groupID string) (*types.GroupStats, error) {
	group, err := m.Get(groupID)
	if err != nil {
		return nil, err
	}

	stats := &types.GroupStats{
		GroupID:         groupID,
		MemberCount:     len(group.MemberIDs),
		MembersByStatus: make(map[string]int),
		MaxAllocations:  group.Policy.MaxConcurrentAllocations,
	}

	utilSum := 0.0
	utilCount := 0
	for _, asset := range m.reg.ListGroup(groupID) {
		meta := asset.Meta()
		if !meta.Utilization.CollectedAt.IsZero() {
			utilSum += meta.Utilization.Average()
			utilCount++
		}
		switch typed := asset.(type) {
		case *types.BuildServer:
			stats.MembersByStatus[string(typed.Status)]++
			stats.TotalCores += typed.TotalCores
			stats.TotalMemoryMB += typed.TotalMemoryMB
			stats.TotalStorageGB += typed.TotalStorageGB
			stats.ActiveWorkloads += typed.ActiveBuildCount
			stats.QueuedWorkloads += typed.QueueDepth
		case *types.VirtHost:
			stats.MembersByStatus[string(typed.Status)]++
			stats.TotalCores += typed.TotalCores
			stats.TotalMemoryMB += typed.TotalMemoryMB
			stats.TotalStorageGB += typed.TotalStorageGB
			stats.ActiveWorkloads += typed.RunningGuests
		case *types.Board:
			stats.MembersByStatus[string(typed.Status)]++
			if typed.Status == types.BoardInUse || typed.Status == types.BoardFlashing {
				stats.ActiveWorkloads++
			}
		}
	}
	if utilCount > 0 {
		stats.AvgUtilization = utilSum / float64(utilCount)
	}

	m.mu.Lock()
	stats.OpenAllocations = m.openCountLocked(groupID)
	m.mu.Unlock()
	return stats, nil
}
