package groups

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// AllowReservation is the selector's policy gate. It applies the checks that
// do not depend on a requester: approval-gated groups and the concurrency
// cap. Team reservations are enforced on explicit allocations, which carry
// the requester identity.
func (m *Manager) AllowReservation(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupID]
	if !ok {
		// Stale group id on the asset; nothing to enforce.
		return nil
	}
	if group.Policy.RequireApproval {
		return types.Conflictf("group %s requires approval for allocation", groupID)
	}
	if max := group.Policy.MaxConcurrentAllocations; max > 0 && m.openCountLocked(groupID) >= max {
		return types.Conflictf("group %s is at its allocation limit (%d)", groupID, max)
	}
	return nil
}

// Allocate grants a policy-checked allocation of a group member to a
// requester. The checks run in the documented order: approval, team
// reservation, concurrency cap.
func (m *Manager) Allocate(groupID, resourceID string, requester types.Requester) (*types.Allocation, error) {
	asset, err := m.reg.Get(resourceID)
	if err != nil {
		return nil, err
	}
	if asset.Meta().Maintenance {
		return nil, types.Conflictf("asset %s is in maintenance", resourceID)
	}

	m.mu.Lock()

	group, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NotFoundf("group %s", groupID)
	}
	if !group.HasMember(resourceID) {
		m.mu.Unlock()
		return nil, types.NotFoundf("asset %s in group %s", resourceID, groupID)
	}

	if group.Policy.RequireApproval {
		m.mu.Unlock()
		return nil, types.Conflictf("group %s requires approval for allocation", groupID)
	}
	if !group.Policy.AllowsTeam(requester.Team) {
		m.mu.Unlock()
		return nil, types.Conflictf("group %s is reserved for teams %v, requester team is %q",
			groupID, group.Policy.ReservedForTeams, requester.Team)
	}
	if max := group.Policy.MaxConcurrentAllocations; max > 0 && m.openCountLocked(groupID) >= max {
		m.mu.Unlock()
		return nil, types.Conflictf("group %s is at its max concurrent allocations (%d)", groupID, max)
	}
	if openID, held := m.openByResource[resourceID]; held {
		m.mu.Unlock()
		return nil, types.Conflictf("asset %s is already allocated (%s)", resourceID, openID)
	}

	now := m.clk.Now().UTC()
	alloc := &types.Allocation{
		ID:          types.NewID("alc"),
		GroupID:     groupID,
		ResourceID:  resourceID,
		Requester:   requester,
		AllocatedAt: now,
	}
	lease := group.Policy.MaxAllocationDuration
	if lease == 0 {
		lease = m.cfg.DefaultMaxAllocationDuration()
	}
	if lease > 0 {
		expires := now.Add(lease)
		alloc.ExpiresAt = &expires
	}

	m.allocations[alloc.ID] = alloc
	m.openByResource[resourceID] = alloc.ID
	out := cloneAlloc(alloc)
	m.mu.Unlock()

	m.logger.Info("allocation granted",
		zap.String("allocation", alloc.ID),
		zap.String("group", groupID),
		zap.String("resource", resourceID),
		zap.String("team", requester.Team))
	m.notify()
	return out, nil
}

// Release closes an allocation. Idempotent on already released ids.
func (m *Manager) Release(allocationID string) (*types.Allocation, error) {
	m.mu.Lock()
	alloc, ok := m.allocations[allocationID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NotFoundf("allocation %s", allocationID)
	}
	if alloc.Open() {
		now := m.clk.Now().UTC()
		alloc.ReleasedAt = &now
		delete(m.openByResource, alloc.ResourceID)
	}
	out := cloneAlloc(alloc)
	m.mu.Unlock()
	m.notify()
	return out, nil
}

// Allocation returns one allocation by id.
func (m *Manager) Allocation(id string) (*types.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.allocations[id]
	if !ok {
		return nil, types.NotFoundf("allocation %s", id)
	}
	return cloneAlloc(alloc), nil
}

// OpenAllocations lists open allocations, optionally filtered by group,
// ordered by id.
func (m *Manager) OpenAllocations(groupID string) []*types.Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Allocation
	for _, alloc := range m.allocations {
		if !alloc.Open() {
			continue
		}
		if groupID != "" && alloc.GroupID != groupID {
			continue
		}
		out = append(out, cloneAlloc(alloc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenAllocationFor returns the open allocation on the resource, if any.
func (m *Manager) OpenAllocationFor(resourceID string) (*types.Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.openByResource[resourceID]
	if !ok {
		return nil, false
	}
	return cloneAlloc(m.allocations[id]), true
}

// StartReaper launches the loop that closes expired allocations.
func (m *Manager) StartReaper() {
	interval := m.cfg.Groups.ReaperIntervalSeconds
	if interval <= 0 {
		interval = 60
	}
	go func() {
		defer close(m.doneCh)
		for {
			select {
			case <-m.stopCh:
				return
			case <-m.clk.After(secondsToDuration(interval)):
				m.ReapExpired()
			}
		}
	}()
}

// StopReaper halts the loop.
func (m *Manager) StopReaper() {
	close(m.stopCh)
	<-m.doneCh
}

// ReapExpired closes every allocation past its lease and reports how many.
func (m *Manager) ReapExpired() int {
	now := m.clk.Now().UTC()
	m.mu.Lock()
	reaped := 0
	for _, alloc := range m.allocations {
		if alloc.Expired(now) {
			alloc.ReleasedAt = &now
			delete(m.openByResource, alloc.ResourceID)
			reaped++
			m.logger.Info("expired allocation reaped",
				zap.String("allocation", alloc.ID),
				zap.String("resource", alloc.ResourceID))
		}
	}
	m.mu.Unlock()
	if reaped > 0 {
		m.notify()
	}
	return reaped
}

func (m *Manager) openCountLocked(groupID string) int {
	count := 0
	for _, alloc := range m.allocations {
		if alloc.Open() && alloc.GroupID == groupID {
			count++
		}
	}
	return count
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func cloneAlloc(a *types.Allocation) *types.Allocation {
	out := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		out.ExpiresAt = &t
	}
	if a.ReleasedAt != nil {
		t := *a.ReleasedAt
		out.ReleasedAt = &t
	}
	return &out
}
