package groups

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newManager(t *testing.T) (*Manager, *registry.Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := registry.New(clk, zap.NewNop())
	mgr := New(config.DefaultConfig(), reg, clk, zap.NewNop())
	return mgr, reg, clk
}

func buildServer(id string) *types.BuildServer {
	return &types.BuildServer{
		AssetMeta: types.AssetMeta{
			ID:            id,
			Kind:          types.KindBuildServer,
			Hostname:      id,
			Address:       id + ".lab",
			Architectures: []string{"x86_64"},
			Health:        types.LevelHealthy,
		},
		Status:              types.ServerOnline,
		TotalCores:          8,
		TotalMemoryMB:       16384,
		TotalStorageGB:      500,
		MaxConcurrentBuilds: 4,
	}
}

func kernelGroup(t *testing.T, mgr *Manager, reg *registry.Registry, members int) *types.ResourceGroup {
	t.Helper()
	ids := make([]string, 0, members)
	for i := 0; i < members; i++ {
		id := "bs-" + string(rune('a'+i))
		require.NoError(t, reg.Add(buildServer(id)))
		ids = append(ids, id)
	}
	group, err := mgr.Create(&types.ResourceGroup{
		Name:      "kernel-ci",
		Kind:      types.KindBuildServer,
		MemberIDs: ids,
		Policy: types.AllocationPolicy{
			MaxConcurrentAllocations: 2,
			ReservedForTeams:         []string{"kernel"},
		},
	})
	require.NoError(t, err)
	return group
}

func TestCreateAdoptsMembers(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 2)

	assert.Len(t, group.MemberIDs, 2)
	for _, id := range group.MemberIDs {
		asset, err := reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, group.ID, asset.Meta().GroupID)
	}
}

func TestCreateRejectsKindMismatch(t *testing.T) {
	mgr, reg, _ := newManager(t)
	require.NoError(t, reg.Add(buildServer("bs-x")))

	group, err := mgr.Create(&types.ResourceGroup{
		Name:      "boards",
		Kind:      types.KindBoard,
		MemberIDs: []string{"bs-x"},
	})
	require.NoError(t, err)
	// The build server cannot join a board group.
	assert.Empty(t, group.MemberIDs)
}

func TestMemberRelinkDropsOldGroup(t *testing.T) {
	mgr, reg, _ := newManager(t)
	require.NoError(t, reg.Add(buildServer("bs-1")))

	g1, err := mgr.Create(&types.ResourceGroup{Name: "g1", Kind: types.KindBuildServer, MemberIDs: []string{"bs-1"}})
	require.NoError(t, err)
	g2, err := mgr.Create(&types.ResourceGroup{Name: "g2", Kind: types.KindBuildServer})
	require.NoError(t, err)

	require.NoError(t, mgr.AddMember(g2.ID, "bs-1"))

	g1, err = mgr.Get(g1.ID)
	require.NoError(t, err)
	assert.Empty(t, g1.MemberIDs)
	g2, err = mgr.Get(g2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bs-1"}, g2.MemberIDs)

	asset, err := reg.Get("bs-1")
	require.NoError(t, err)
	assert.Equal(t, g2.ID, asset.Meta().GroupID)
}

func TestDeleteRejectsNonEmptyGroup(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 1)

	err := mgr.Delete(group.ID)
	assert.Equal(t, types.ErrConflict, types.KindOf(err))

	require.NoError(t, mgr.RemoveMember(group.ID, group.MemberIDs[0]))
	assert.NoError(t, mgr.Delete(group.ID))
}

func TestAllocationPolicyOrder(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 4)
	kernel := types.Requester{Team: "kernel", User: "ci"}

	a1, err := mgr.Allocate(group.ID, group.MemberIDs[0], kernel)
	require.NoError(t, err)
	_, err = mgr.Allocate(group.ID, group.MemberIDs[1], kernel)
	require.NoError(t, err)

	// Third kernel request hits the concurrency cap.
	_, err = mgr.Allocate(group.ID, group.MemberIDs[2], kernel)
	require.Equal(t, types.ErrConflict, types.KindOf(err))
	assert.Contains(t, err.Error(), "max concurrent")

	// A storage-team request fails the team reservation before the cap.
	_, err = mgr.Allocate(group.ID, group.MemberIDs[3], types.Requester{Team: "storage"})
	require.Equal(t, types.ErrConflict, types.KindOf(err))
	assert.Contains(t, err.Error(), "team")

	// Releasing one frees a slot under the cap.
	_, err = mgr.Release(a1.ID)
	require.NoError(t, err)
	_, err = mgr.Allocate(group.ID, group.MemberIDs[2], kernel)
	assert.NoError(t, err)
}

func TestRequireApprovalBlocksAllocation(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 1)
	_, err := mgr.UpdatePolicy(group.ID, types.AllocationPolicy{RequireApproval: true})
	require.NoError(t, err)

	_, err = mgr.Allocate(group.ID, group.MemberIDs[0], types.Requester{Team: "kernel"})
	require.Equal(t, types.ErrConflict, types.KindOf(err))
	assert.Contains(t, err.Error(), "approval")
}

func TestDoubleAllocationOfOneResource(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 1)
	_, err := mgr.UpdatePolicy(group.ID, types.AllocationPolicy{})
	require.NoError(t, err)

	first, err := mgr.Allocate(group.ID, group.MemberIDs[0], types.Requester{Team: "kernel"})
	require.NoError(t, err)
	_, err = mgr.Allocate(group.ID, group.MemberIDs[0], types.Requester{Team: "kernel"})
	require.Equal(t, types.ErrConflict, types.KindOf(err))

	// Release is idempotent.
	_, err = mgr.Release(first.ID)
	require.NoError(t, err)
	released, err := mgr.Release(first.ID)
	require.NoError(t, err)
	assert.False(t, released.Open())
}

func TestAllowReservationGate(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 3)
	kernel := types.Requester{Team: "kernel"}

	// Unknown group ids on an asset enforce nothing.
	assert.NoError(t, mgr.AllowReservation("grp-gone"))

	assert.NoError(t, mgr.AllowReservation(group.ID))
	_, err := mgr.Allocate(group.ID, group.MemberIDs[0], kernel)
	require.NoError(t, err)
	_, err = mgr.Allocate(group.ID, group.MemberIDs[1], kernel)
	require.NoError(t, err)

	err = mgr.AllowReservation(group.ID)
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestLeaseExpiryReaped(t *testing.T) {
	mgr, reg, clk := newManager(t)
	group := kernelGroup(t, mgr, reg, 1)
	_, err := mgr.UpdatePolicy(group.ID, types.AllocationPolicy{
		MaxAllocationDuration: time.Hour,
	})
	require.NoError(t, err)

	alloc, err := mgr.Allocate(group.ID, group.MemberIDs[0], types.Requester{Team: "kernel"})
	require.NoError(t, err)
	require.NotNil(t, alloc.ExpiresAt)

	clk.Advance(30 * time.Minute)
	assert.Zero(t, mgr.ReapExpired())

	clk.Advance(31 * time.Minute)
	assert.Equal(t, 1, mgr.ReapExpired())
	got, err := mgr.Allocation(alloc.ID)
	require.NoError(t, err)
	assert.False(t, got.Open())

	_, held := mgr.OpenAllocationFor(group.MemberIDs[0])
	assert.False(t, held)
}

func TestReaperLoopStops(t *testing.T) {
	mgr, reg, _ := newManager(t)
	kernelGroup(t, mgr, reg, 1)
	mgr.StartReaper()
	mgr.StopReaper()
}

func TestDecommissionGuards(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 1)
	id := group.MemberIDs[0]

	_, err := reg.Update(id, func(a types.Asset) error {
		a.(*types.BuildServer).ActiveBuildCount = 2
		return nil
	})
	require.NoError(t, err)

	err = mgr.Decommission(id, false)
	require.Equal(t, types.ErrConflict, types.KindOf(err))
	assert.Contains(t, err.Error(), "workload")

	_, err = reg.Update(id, func(a types.Asset) error {
		a.(*types.BuildServer).ActiveBuildCount = 0
		return nil
	})
	require.NoError(t, err)

	alloc, err := mgr.Allocate(group.ID, id, types.Requester{Team: "kernel"})
	require.NoError(t, err)
	err = mgr.Decommission(id, false)
	require.Equal(t, types.ErrConflict, types.KindOf(err))
	assert.Contains(t, err.Error(), "allocation")

	// Force releases the allocation and removes the asset.
	require.NoError(t, mgr.Decommission(id, true))
	got, err := mgr.Allocation(alloc.ID)
	require.NoError(t, err)
	assert.False(t, got.Open())
	_, err = reg.Get(id)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))

	group, err = mgr.Get(group.ID)
	require.NoError(t, err)
	assert.Empty(t, group.MemberIDs)
}

func TestDecommissionIdleAsset(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 1)
	id := group.MemberIDs[0]

	require.NoError(t, mgr.Decommission(id, false))
	_, err := reg.Get(id)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))

	group, err = mgr.Get(group.ID)
	require.NoError(t, err)
	assert.Empty(t, group.MemberIDs)
}

func TestStatsAggregation(t *testing.T) {
	mgr, reg, _ := newManager(t)
	group := kernelGroup(t, mgr, reg, 2)

	_, err := reg.Update(group.MemberIDs[0], func(a types.Asset) error {
		s := a.(*types.BuildServer)
		s.ActiveBuildCount = 1
		s.QueueDepth = 3
		return nil
	})
	require.NoError(t, err)

	_, err = mgr.Allocate(group.ID, group.MemberIDs[1], types.Requester{Team: "kernel"})
	require.NoError(t, err)

	stats, err := mgr.Stats(group.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.MemberCount)
	assert.Equal(t, 16, stats.TotalCores)
	assert.Equal(t, 1, stats.ActiveWorkloads)
	assert.Equal(t, 3, stats.QueuedWorkloads)
	assert.Equal(t, 1, stats.OpenAllocations)
	assert.Equal(t, 2, stats.MaxAllocations)
	assert.Equal(t, 2, stats.MembersByStatus[string(types.ServerOnline)])
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mgr, reg, clk := newManager(t)
	group := kernelGroup(t, mgr, reg, 2)
	alloc, err := mgr.Allocate(group.ID, group.MemberIDs[0], types.Requester{Team: "kernel", User: "dev"})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, mgr.Save(dir))

	restored := New(config.DefaultConfig(), reg, clk, zap.NewNop())
	require.NoError(t, restored.Load(dir))

	got, err := restored.Get(group.ID)
	require.NoError(t, err)
	assert.Equal(t, group.MemberIDs, got.MemberIDs)
	assert.Equal(t, []string{"kernel"}, got.Policy.ReservedForTeams)

	open, held := restored.OpenAllocationFor(group.MemberIDs[0])
	require.True(t, held)
	assert.Equal(t, alloc.ID, open.ID)
}
