package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/types"
)

func newSelector(t *testing.T) (*Selector, *registry.Registry, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := registry.New(clk, zap.NewNop())
	sel := New(config.DefaultConfig(), reg, clk, zap.NewNop())
	return sel, reg, clk
}

func buildServer(id string, active, max int) *types.BuildServer {
	return &types.BuildServer{
		AssetMeta: types.AssetMeta{
			ID:            id,
			Kind:          types.KindBuildServer,
			Hostname:      id,
			Address:       id + ".lab",
			Architectures: []string{"x86_64"},
			Health:        types.LevelHealthy,
		},
		Status: types.ServerOnline,
		Toolchains: []types.Toolchain{
			{Name: "aarch64-gcc-12", Version: "12.3", TargetArch: "arm64", Available: true},
			{Name: "gcc-11", Version: "11.4", TargetArch: "x86_64", Available: true},
		},
		TotalCores:          8,
		TotalMemoryMB:       16384,
		TotalStorageGB:      500,
		MaxConcurrentBuilds: max,
		ActiveBuildCount:    active,
	}
}

func board(id, firmware string) *types.Board {
	return &types.Board{
		AssetMeta: types.AssetMeta{
			ID:            id,
			Kind:          types.KindBoard,
			Hostname:      id,
			Address:       id + ".lab",
			Architectures: []string{"arm64"},
			Health:        types.LevelHealthy,
		},
		Status:          types.BoardAvailable,
		BoardType:       "rpi4",
		CurrentFirmware: firmware,
		Peripherals:     []string{"hdmi", "can"},
	}
}

func TestLessLoadedServerWins(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(buildServer("h1", 0, 4)))
	require.NoError(t, reg.Add(buildServer("h2", 3, 4)))

	got, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "h1", got.AssetID)
	require.Len(t, got.Alternatives, 1)
	assert.Equal(t, "h2", got.Alternatives[0].AssetID)
}

func TestFilterSoundness(t *testing.T) {
	sel, reg, _ := newSelector(t)

	offline := buildServer("offline", 0, 4)
	offline.Status = types.ServerOffline
	maint := buildServer("maint", 0, 4)
	maint.Maintenance = true
	wrongArch := buildServer("wrong-arch", 0, 4)
	wrongArch.Toolchains = []types.Toolchain{{Name: "gcc-11", TargetArch: "x86_64", Available: true}}
	full := buildServer("full", 4, 4)
	hot := buildServer("hot", 0, 4)
	hot.Utilization = types.Utilization{CPUPercent: 99, MemoryPercent: 99, StoragePercent: 99}
	good := buildServer("good", 1, 4)

	for _, s := range []*types.BuildServer{offline, maint, wrongArch, full, hot, good} {
		require.NoError(t, reg.Add(s))
	}

	got, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "good", got.AssetID)
	assert.Empty(t, got.Alternatives)
}

func TestReservationUniquenessAndTTL(t *testing.T) {
	sel, reg, clk := newSelector(t)
	require.NoError(t, reg.Add(buildServer("h1", 0, 4)))

	first, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	require.NoError(t, err)
	assert.True(t, sel.Reserved("h1"))

	// The only candidate is held: selection exhausts.
	_, err = sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	assert.Equal(t, types.ErrExhausted, types.KindOf(err))

	// Past the TTL the hold lapses and the asset is selectable again.
	clk.Advance(31 * time.Second)
	assert.False(t, sel.Reserved("h1"))
	second, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ReservationID, second.ReservationID)

	sel.Release(second.ReservationID)
	assert.Zero(t, sel.LiveReservations())
	// Release is idempotent.
	sel.Release(second.ReservationID)
}

func TestConfirmFreesTableWithoutReselecting(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(buildServer("h1", 0, 4)))

	got, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	require.NoError(t, err)
	sel.Confirm(got.ReservationID)
	assert.Zero(t, sel.LiveReservations())
}

func TestPreferredFastPath(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(buildServer("h1", 0, 4)))
	require.NoError(t, reg.Add(buildServer("h2", 3, 4)))

	// h2 would lose on score, but it qualifies, so preference wins.
	got, err := sel.SelectBuildServer(types.BuildServerRequirements{
		TargetArch:  "arm64",
		PreferredID: "h2",
	})
	require.NoError(t, err)
	assert.Equal(t, "h2", got.AssetID)

	// A preferred asset that fails the filter falls back to scoring.
	sel.Release(got.ReservationID)
	full := buildServer("full", 4, 4)
	require.NoError(t, reg.Add(full))
	got, err = sel.SelectBuildServer(types.BuildServerRequirements{
		TargetArch:  "arm64",
		PreferredID: "full",
	})
	require.NoError(t, err)
	assert.Equal(t, "h1", got.AssetID)
}

func TestExhaustedCarriesWaitEstimate(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(buildServer("h1", 4, 4)))

	_, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	require.Equal(t, types.ErrExhausted, types.KindOf(err))
	assert.Greater(t, types.WaitEstimateOf(err), time.Duration(0))
}

func TestWorkloadDurationShapesEstimate(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(buildServer("h1", 4, 4)))

	sel.RecordWorkloadDuration(10 * time.Minute)
	_, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	longer := types.WaitEstimateOf(err)

	for i := 0; i < 20; i++ {
		sel.RecordWorkloadDuration(10 * time.Second)
	}
	_, err = sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	assert.Less(t, types.WaitEstimateOf(err), longer)
}

func TestVirtHostScoringPrefersHeadroom(t *testing.T) {
	sel, reg, _ := newSelector(t)

	mk := func(id string, guests, max int, hwAssist bool) *types.VirtHost {
		return &types.VirtHost{
			AssetMeta: types.AssetMeta{
				ID:            id,
				Kind:          types.KindVirtHost,
				Hostname:      id,
				Address:       id + ".lab",
				Architectures: []string{"x86_64"},
				Health:        types.LevelHealthy,
			},
			Status:         types.ServerOnline,
			HardwareAssist: hwAssist,
			TotalCores:     32,
			TotalMemoryMB:  131072,
			MaxGuests:      max,
			RunningGuests:  guests,
		}
	}
	require.NoError(t, reg.Add(mk("busy", 7, 8, true)))
	require.NoError(t, reg.Add(mk("idle", 0, 8, true)))

	got, err := sel.SelectVirtHost(types.VirtHostRequirements{GuestArch: "amd64", GuestCores: 2, GuestMemoryMB: 2048})
	require.NoError(t, err)
	assert.Equal(t, "idle", got.AssetID)
}

func TestVirtHostHardwareAssistRequired(t *testing.T) {
	sel, reg, _ := newSelector(t)
	host := &types.VirtHost{
		AssetMeta: types.AssetMeta{
			ID: "no-vt", Kind: types.KindVirtHost, Hostname: "no-vt", Address: "no-vt.lab",
			Architectures: []string{"x86_64"}, Health: types.LevelHealthy,
		},
		Status: types.ServerOnline, MaxGuests: 8,
	}
	require.NoError(t, reg.Add(host))

	_, err := sel.SelectVirtHost(types.VirtHostRequirements{GuestArch: "x86_64", RequireHardwareAssist: true})
	assert.Equal(t, types.ErrExhausted, types.KindOf(err))
}

func TestBoardSelectionReportsFlashing(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(board("b1", "v1")))

	got, err := sel.SelectBoard(types.BoardRequirements{Arch: "arm64", FirmwareVersion: "v2"})
	require.NoError(t, err)
	assert.Equal(t, "b1", got.AssetID)
	assert.True(t, got.RequiresFlashing)

	sel.Release(got.ReservationID)
	got, err = sel.SelectBoard(types.BoardRequirements{Arch: "arm64", FirmwareVersion: "v1"})
	require.NoError(t, err)
	assert.False(t, got.RequiresFlashing)
}

func TestBoardFirmwareMatchOutscoresMismatch(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(board("b-old", "v1")))
	require.NoError(t, reg.Add(board("b-new", "v2")))

	got, err := sel.SelectBoard(types.BoardRequirements{Arch: "arm64", FirmwareVersion: "v2"})
	require.NoError(t, err)
	assert.Equal(t, "b-new", got.AssetID)
	assert.False(t, got.RequiresFlashing)
}

func TestBoardPeripheralFilter(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(board("b1", "v1")))

	_, err := sel.SelectBoard(types.BoardRequirements{Arch: "arm64", Peripherals: []string{"camera"}})
	assert.Equal(t, types.ErrExhausted, types.KindOf(err))

	got, err := sel.SelectBoard(types.BoardRequirements{Arch: "arm64", Peripherals: []string{"can"}})
	require.NoError(t, err)
	assert.Equal(t, "b1", got.AssetID)
}

func TestDeterministicTieBreakByID(t *testing.T) {
	sel, reg, _ := newSelector(t)
	require.NoError(t, reg.Add(buildServer("h-b", 0, 4)))
	require.NoError(t, reg.Add(buildServer("h-a", 0, 4)))

	got, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "h-a", got.AssetID)
}

type denyGate struct{ err error }

func (g denyGate) AllowReservation(groupID string) error { return g.err }

func TestPolicyGateBlocksGroupedAssets(t *testing.T) {
	sel, reg, _ := newSelector(t)
	grouped := buildServer("h1", 0, 4)
	grouped.GroupID = "grp-1"
	require.NoError(t, reg.Add(grouped))

	sel.SetPolicyGate(denyGate{err: types.Conflictf("group grp-1 requires approval")})
	_, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	assert.Equal(t, types.ErrExhausted, types.KindOf(err))

	sel.SetPolicyGate(nil)
	got, err := sel.SelectBuildServer(types.BuildServerRequirements{TargetArch: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "h1", got.AssetID)
}
