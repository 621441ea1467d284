package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/transport"
	"fleetd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Healthy readings: load 0.4 on 8 cores, half the memory free, 20% disk with
// 400 GB free, SoC at 45C.
const healthyProbeOutput = "0.40 0.30 0.20 1/200 123\n" +
	"8\n" +
	"16384000 8192000\n" +
	"/dev/sda1 524288000 104857600 419430400 20% /\n" +
	"45000\n"

type fixture struct {
	cfg    *config.Config
	reg    *registry.Registry
	hub    *transport.Hub
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.Mode = "mock"
	cfg.Credentials = map[string]config.Credential{
		"lab": {User: "lab", Port: 22, Password: "x"},
	}
	cfg.Health.RecoverySettleSeconds = 0

	reg := registry.New(clock.Real(), zap.NewNop())
	hub, err := transport.NewHub(cfg, clock.Real(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })

	engine := New(cfg, reg, hub, clock.Real(), zap.NewNop())
	return &fixture{cfg: cfg, reg: reg, hub: hub, engine: engine}
}

func (f *fixture) addServer(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.reg.Add(&types.BuildServer{
		AssetMeta: types.AssetMeta{
			ID:             id,
			Kind:           types.KindBuildServer,
			Hostname:       id + ".lab",
			Address:        id + ".lab",
			CredentialsRef: "lab",
			Architectures:  []string{"x86_64"},
		},
		Status:              types.ServerUnknown,
		TotalCores:          8,
		MaxConcurrentBuilds: 4,
	}))
}

func (f *fixture) addBoard(t *testing.T, id string, method types.PowerMethod) {
	t.Helper()
	require.NoError(t, f.reg.Add(&types.Board{
		AssetMeta: types.AssetMeta{
			ID:             id,
			Kind:           types.KindBoard,
			Hostname:       id + ".lab",
			Address:        id + ".lab",
			CredentialsRef: "lab",
			Architectures:  []string{"arm64"},
		},
		Status:       types.BoardAvailable,
		BoardType:    "rpi4b",
		FlashStation: "station-1.lab",
		Power:        types.PowerConfig{Method: method, Locator: "1-1:4"},
	}))
}

func TestParseServerProbe(t *testing.T) {
	r, err := parseProbe(healthyProbeOutput, false)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, r.util.CPUPercent, 0.01, "load 0.4 over 8 cores")
	assert.InDelta(t, 50.0, r.util.MemoryPercent, 0.01)
	assert.InDelta(t, 20.0, r.util.StoragePercent, 0.01)
	assert.InDelta(t, 400.0, r.util.FreeDiskGB, 0.5)
	assert.Zero(t, r.tempC)
}

func TestParseBoardProbeTemperature(t *testing.T) {
	r, err := parseProbe(healthyProbeOutput, true)
	require.NoError(t, err)
	assert.InDelta(t, 45.0, r.tempC, 0.01)
}

func TestParseProbeMalformed(t *testing.T) {
	_, err := parseProbe("garbage\n", false)
	require.Error(t, err)
	assert.Equal(t, types.ErrRemote, types.KindOf(err))

	_, err = parseProbe("0.1 0.1 0.1 1/2 3\nzero-cores\nx y\ndf\n", false)
	assert.Equal(t, types.ErrRemote, types.KindOf(err))
}

func TestEvaluateThresholds(t *testing.T) {
	th := config.DefaultConfig().Thresholds.Thresholds

	// Board at 72C with warn=70: degraded via temperature.
	r := &reading{util: types.Utilization{CPUPercent: 10, MemoryPercent: 10, StoragePercent: 10, FreeDiskGB: 100}, tempC: 72}
	checks := evaluate(r, 100*time.Millisecond, th, true)
	require.Len(t, checks, 6)
	assert.Equal(t, types.LevelDegraded, levelOf(checks))
	var temp types.CheckResult
	for _, c := range checks {
		if c.Category == "temperature" {
			temp = c
		}
	}
	assert.Equal(t, types.CheckWarn, temp.Status)

	// CPU past critical: unhealthy.
	r = &reading{util: types.Utilization{CPUPercent: 96, MemoryPercent: 10, StoragePercent: 10, FreeDiskGB: 100}}
	assert.Equal(t, types.LevelUnhealthy, levelOf(evaluate(r, 0, th, false)))

	// Free disk below critical: unhealthy (low gauge inverts).
	r = &reading{util: types.Utilization{CPUPercent: 10, MemoryPercent: 10, StoragePercent: 10, FreeDiskGB: 4}}
	assert.Equal(t, types.LevelUnhealthy, levelOf(evaluate(r, 0, th, false)))

	// Everything nominal: healthy.
	r = &reading{util: types.Utilization{CPUPercent: 10, MemoryPercent: 20, StoragePercent: 30, FreeDiskGB: 100}}
	assert.Equal(t, types.LevelHealthy, levelOf(evaluate(r, 0, th, false)))
}

func TestEvaluateWorstWins(t *testing.T) {
	th := config.DefaultConfig().Thresholds.Thresholds
	// Memory warns while CPU fails: the failure dominates.
	r := &reading{util: types.Utilization{CPUPercent: 97, MemoryPercent: 88, StoragePercent: 10, FreeDiskGB: 100}}
	checks := evaluate(r, 0, th, false)
	assert.Equal(t, types.LevelUnhealthy, levelOf(checks))
}

func TestServerStatusMapping(t *testing.T) {
	assert.Equal(t, types.ServerOffline, serverStatus(types.LevelUnreachable))
	assert.Equal(t, types.ServerDegraded, serverStatus(types.LevelUnhealthy))
	assert.Equal(t, types.ServerDegraded, serverStatus(types.LevelDegraded))
	assert.Equal(t, types.ServerOnline, serverStatus(types.LevelHealthy))
	assert.Equal(t, types.ServerUnknown, serverStatus(types.LevelUnknown))
}

func TestBoardStatusPreservesWorkloadStates(t *testing.T) {
	for _, hold := range []types.BoardStatus{types.BoardInUse, types.BoardFlashing, types.BoardMaintenance, types.BoardRecovery} {
		assert.Equal(t, hold, boardStatus(hold, types.LevelHealthy), string(hold))
		assert.Equal(t, hold, boardStatus(hold, types.LevelUnreachable), string(hold))
	}
	assert.Equal(t, types.BoardAvailable, boardStatus(types.BoardOffline, types.LevelHealthy))
	assert.Equal(t, types.BoardOffline, boardStatus(types.BoardOffline, types.LevelUnreachable))
}

func TestProbeHealthyServer(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1")
	f.hub.Mocks().Dialer.Script("cat /proc/loadavg", transport.MockResponse{Stdout: healthyProbeOutput})

	result, err := f.engine.ProbeNow(context.Background(), "srv-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, types.LevelHealthy, result.Level)

	srv, err := f.reg.BuildServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.ServerOnline, srv.Status)
	assert.Equal(t, types.LevelHealthy, srv.Health)
	assert.False(t, srv.LastProbe.IsZero())
	assert.InDelta(t, 50.0, srv.Utilization.MemoryPercent, 0.01)
}

func TestProbeTransportErrorMarksServerOffline(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1")
	f.hub.Mocks().Dialer.FailDial("srv-1.lab", errors.New("no route to host"))

	result, err := f.engine.ProbeNow(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.LevelUnreachable, result.Level)
	assert.NotEmpty(t, result.TransportError)

	srv, err := f.reg.BuildServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, types.ServerOffline, srv.Status)
}

func TestProbeEmitsEventOnChangeOnly(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1")
	f.hub.Mocks().Dialer.Script("cat /proc/loadavg", transport.MockResponse{Stdout: healthyProbeOutput})

	_, err := f.engine.ProbeNow(context.Background(), "srv-1")
	require.NoError(t, err)

	select {
	case ev := <-f.engine.Events():
		assert.Equal(t, "srv-1", ev.AssetID)
		assert.Equal(t, types.LevelUnknown, ev.OldLevel)
		assert.Equal(t, types.LevelHealthy, ev.NewLevel)
	default:
		t.Fatal("expected a level-change event for unknown -> healthy")
	}

	// Same level again: no event.
	_, err = f.engine.ProbeNow(context.Background(), "srv-1")
	require.NoError(t, err)
	select {
	case ev := <-f.engine.Events():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestMaintenanceSkipsProbe(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1")
	_, err := f.reg.SetMaintenance("srv-1", true)
	require.NoError(t, err)

	result, err := f.engine.ProbeNow(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, f.hub.Mocks().Dialer.Calls())
}

func TestBoardRecoverySucceeds(t *testing.T) {
	f := newFixture(t)
	f.addBoard(t, "brd-1", types.PowerUSBHub)
	mocks := f.hub.Mocks()
	mocks.Dialer.Script("cat /proc/loadavg", transport.MockResponse{Stdout: healthyProbeOutput})
	// First probe sees a dead link; the post-cycle probe succeeds.
	mocks.Dialer.ScriptOnce("cat /proc/loadavg", transport.MockResponse{Err: errors.New("connection reset")})

	result, err := f.engine.ProbeNow(context.Background(), "brd-1")
	require.NoError(t, err)
	assert.Equal(t, types.LevelUnreachable, result.Level)

	board, err := f.reg.Board("brd-1")
	require.NoError(t, err)
	assert.Equal(t, types.BoardAvailable, board.Status, "board recovered after power cycle")
	assert.Equal(t, types.LevelHealthy, board.Health)
	assert.Contains(t, mocks.Power.History(), "brd-1:cycle")
}

func TestBoardRecoveryFailureMarksOffline(t *testing.T) {
	f := newFixture(t)
	f.addBoard(t, "brd-1", types.PowerUSBHub)
	f.hub.Mocks().Dialer.Script("cat /proc/loadavg", transport.MockResponse{Err: errors.New("connection reset")})

	_, err := f.engine.ProbeNow(context.Background(), "brd-1")
	require.NoError(t, err)

	board, err := f.reg.Board("brd-1")
	require.NoError(t, err)
	assert.Equal(t, types.BoardOffline, board.Status)
	assert.Contains(t, f.hub.Mocks().Power.History(), "brd-1:cycle")
}

func TestBoardManualPowerSkipsRecovery(t *testing.T) {
	f := newFixture(t)
	f.addBoard(t, "brd-1", types.PowerManual)
	f.hub.Mocks().Dialer.FailDial("brd-1.lab", errors.New("no route"))

	_, err := f.engine.ProbeNow(context.Background(), "brd-1")
	require.NoError(t, err)

	board, err := f.reg.Board("brd-1")
	require.NoError(t, err)
	assert.Equal(t, types.BoardOffline, board.Status)
	assert.Empty(t, f.hub.Mocks().Power.History(), "manual boards cannot be cycled")
}

func TestBoardBelowRecoveryThresholdKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.cfg.Health.RecoveryFailureThreshold = 3
	f.addBoard(t, "brd-1", types.PowerUSBHub)
	f.hub.Mocks().Dialer.Script("cat /proc/loadavg", transport.MockResponse{Err: errors.New("reset")})

	_, err := f.engine.ProbeNow(context.Background(), "brd-1")
	require.NoError(t, err)

	board, err := f.reg.Board("brd-1")
	require.NoError(t, err)
	assert.Equal(t, types.BoardAvailable, board.Status, "one failure below the trigger leaves the board alone")
	assert.Empty(t, f.hub.Mocks().Power.History())

	// Two more failures reach the trigger.
	for i := 0; i < 2; i++ {
		_, err = f.engine.ProbeNow(context.Background(), "brd-1")
		require.NoError(t, err)
	}
	board, err = f.reg.Board("brd-1")
	require.NoError(t, err)
	assert.Equal(t, types.BoardOffline, board.Status)
	assert.Contains(t, f.hub.Mocks().Power.History(), "brd-1:cycle")
}

func TestEngineStartStop(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1")
	f.hub.Mocks().Dialer.Script("cat /proc/loadavg", transport.MockResponse{Stdout: healthyProbeOutput})

	f.engine.Start()
	f.engine.Stop()

	// Events channel closes after shutdown so consumers can range.
	for range f.engine.Events() {
	}
}

func TestProbeUnknownAsset(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ProbeNow(context.Background(), "srv-404")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}
