package groups

import (
	"go.uber.org/zap"

	"fleetd/internal/types"
)

// Decommission removes an asset from the fleet. It refuses while the asset
// still has an open allocation or an active workload unless force is set,
// in which case open allocations are released first and the removal goes
// through regardless of workload state.
func (m *Manager) Decommission(assetID string, force bool) error {
	asset, err := m.reg.Get(assetID)
	if err != nil {
		return err
	}

	if !force {
		if alloc, held := m.OpenAllocationFor(assetID); held {
			return types.Conflictf("asset %s has an open allocation (%s)", assetID, alloc.ID)
		}
		if reason := activeWorkload(asset); reason != "" {
			return types.Conflictf("asset %s has an active workload: %s", assetID, reason)
		}
	} else if alloc, held := m.OpenAllocationFor(assetID); held {
		if _, err := m.Release(alloc.ID); err != nil {
			return err
		}
		m.logger.Warn("forced decommission released allocation",
			zap.String("asset", assetID),
			zap.String("allocation", alloc.ID))
	}

	// Drop group membership so the member list does not dangle.
	if groupID := asset.Meta().GroupID; groupID != "" {
		m.mu.Lock()
		if group, ok := m.groups[groupID]; ok {
			group.MemberIDs = removeID(group.MemberIDs, assetID)
			group.UpdatedAt = m.clk.Now().UTC()
		}
		m.mu.Unlock()
	}

	if _, err := m.reg.Remove(assetID); err != nil {
		return err
	}
	m.logger.Info("asset decommissioned",
		zap.String("asset", assetID),
		zap.Bool("force", force))
	m.notify()
	return nil
}

// activeWorkload names the workload blocking decommission, or returns "".
func activeWorkload(asset types.Asset) string {
	switch typed := asset.(type) {
	case *types.BuildServer:
		if typed.ActiveBuildCount > 0 {
			return "builds in progress"
		}
	case *types.VirtHost:
		if typed.RunningGuests > 0 {
			return "guests running"
		}
	case *types.Board:
		if typed.AssignedTestID != "" {
			return "test assigned"
		}
		if typed.Status == types.BoardInUse || typed.Status == types.BoardFlashing {
			return "board busy"
		}
	}
	return ""
}
