package alerts

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
	"fleetd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newService(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(config.DefaultConfig(), clk, zap.NewNop()), clk
}

func degradedEvent(clk clock.Clock, resourceID string, tempC float64) types.HealthEvent {
	now := clk.Now()
	return types.HealthEvent{
		AssetID:  resourceID,
		Kind:     types.KindBoard,
		Hostname: resourceID,
		OldLevel: types.LevelHealthy,
		NewLevel: types.LevelDegraded,
		Result: &types.HealthCheckResult{
			AssetID: resourceID,
			Kind:    types.KindBoard,
			Level:   types.LevelDegraded,
			Checks: []types.CheckResult{
				{Category: "cpu", Status: types.CheckPass, Value: 10},
				{Category: "temperature", Status: types.CheckWarn, Value: tempC, Threshold: 70, Detail: "72.0C"},
			},
			TemperatureC: tempC,
			ProbedAt:     now,
		},
		DetectedAt: now,
	}
}

func TestTemperatureDegradationGeneratesWarning(t *testing.T) {
	svc, clk := newService(t)

	svc.HandleEvent(degradedEvent(clk, "board-1", 72))

	active := svc.Active(ActiveFilter{ResourceID: "board-1"})
	require.Len(t, active, 1)
	assert.Equal(t, types.SeverityWarning, active[0].Severity)
	assert.Equal(t, types.CategoryTemperature, active[0].Category)
	assert.Contains(t, active[0].Message, "temperature")
}

func TestDeduplicationAndCooldown(t *testing.T) {
	svc, clk := newService(t)

	svc.HandleEvent(degradedEvent(clk, "board-1", 72))
	require.Len(t, svc.Active(ActiveFilter{}), 1)

	// Same pair while active: short-circuited.
	svc.HandleEvent(degradedEvent(clk, "board-1", 73))
	assert.Len(t, svc.Active(ActiveFilter{}), 1)

	// Resolve, then re-degrade inside the cool-down: still suppressed.
	alerts := svc.Active(ActiveFilter{})
	_, err := svc.Resolve(alerts[0].ID, "op")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	svc.HandleEvent(degradedEvent(clk, "board-1", 74))
	assert.Empty(t, svc.Active(ActiveFilter{}))

	// Past the cool-down a fresh alert is allowed.
	clk.Advance(5 * time.Minute)
	svc.HandleEvent(degradedEvent(clk, "board-1", 74))
	assert.Len(t, svc.Active(ActiveFilter{}), 1)
}

func TestDedupIsPerCategory(t *testing.T) {
	svc, clk := newService(t)

	event := degradedEvent(clk, "srv-1", 0)
	event.Result.Checks = []types.CheckResult{
		{Category: "cpu", Status: types.CheckWarn, Value: 90, Detail: "90%"},
		{Category: "memory", Status: types.CheckWarn, Value: 88, Detail: "88%"},
		{Category: "temperature", Status: types.CheckWarn, Value: 71, Detail: "71.0C"},
	}
	svc.HandleEvent(event)

	// cpu and memory collapse into one utilization alert; temperature is its
	// own pair.
	active := svc.Active(ActiveFilter{})
	require.Len(t, active, 2)
	counts := map[types.AlertCategory]int{}
	for _, a := range active {
		counts[a.Category]++
	}
	assert.Equal(t, 1, counts[types.CategoryUtilization])
	assert.Equal(t, 1, counts[types.CategoryTemperature])
}

func TestUnreachableIsCriticalConnectivity(t *testing.T) {
	svc, clk := newService(t)

	event := types.HealthEvent{
		AssetID:    "host-1",
		Kind:       types.KindVirtHost,
		Hostname:   "host-1",
		OldLevel:   types.LevelHealthy,
		NewLevel:   types.LevelUnreachable,
		Result:     &types.HealthCheckResult{Level: types.LevelUnreachable, TransportError: "dial tcp: refused"},
		DetectedAt: clk.Now(),
	}
	svc.HandleEvent(event)

	active := svc.Active(ActiveFilter{Severity: types.SeverityCritical})
	require.Len(t, active, 1)
	assert.Equal(t, types.CategoryConnectivity, active[0].Category)
}

func TestAutoResolveOnHealthy(t *testing.T) {
	svc, clk := newService(t)

	svc.HandleEvent(degradedEvent(clk, "board-1", 72))
	require.Len(t, svc.Active(ActiveFilter{}), 1)

	svc.HandleEvent(types.HealthEvent{
		AssetID:    "board-1",
		Kind:       types.KindBoard,
		OldLevel:   types.LevelDegraded,
		NewLevel:   types.LevelHealthy,
		DetectedAt: clk.Now(),
	})

	assert.Empty(t, svc.Active(ActiveFilter{}))
	history := svc.History(10)
	require.Len(t, history, 1)
	assert.Equal(t, types.AlertResolved, history[0].Status)
	assert.Contains(t, history[0].ResolvedBy, "auto:")
}

func TestLifecycle(t *testing.T) {
	svc, clk := newService(t)
	svc.HandleEvent(degradedEvent(clk, "board-1", 72))
	id := svc.Active(ActiveFilter{})[0].ID

	acked, err := svc.Acknowledge(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.AlertAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AcknowledgedBy)

	// Acknowledged alerts still count as open.
	assert.Len(t, svc.Active(ActiveFilter{}), 1)

	_, err = svc.Acknowledge(id, "bob")
	assert.Equal(t, types.ErrConflict, types.KindOf(err))

	resolved, err := svc.Resolve(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = svc.Resolve(id, "alice")
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestGenerationLatencyRecorded(t *testing.T) {
	svc, clk := newService(t)

	event := degradedEvent(clk, "board-1", 72)
	clk.Advance(3 * time.Second)
	svc.HandleEvent(event)

	active := svc.Active(ActiveFilter{})
	require.Len(t, active, 1)
	assert.Equal(t, 3*time.Second, active[0].GenerationLatency)
}

func TestCountBySeverity(t *testing.T) {
	svc, clk := newService(t)

	svc.HandleEvent(degradedEvent(clk, "board-1", 72))
	svc.HandleEvent(types.HealthEvent{
		AssetID:    "host-1",
		Kind:       types.KindVirtHost,
		Hostname:   "host-1",
		OldLevel:   types.LevelHealthy,
		NewLevel:   types.LevelUnreachable,
		Result:     &types.HealthCheckResult{Level: types.LevelUnreachable},
		DetectedAt: clk.Now(),
	})

	counts := svc.CountBySeverity()
	assert.Equal(t, 1, counts[types.SeverityWarning])
	assert.Equal(t, 1, counts[types.SeverityCritical])
}

type failingChannel struct{ err error }

func (f failingChannel) Deliver(ctx context.Context, alert *types.Alert) error { return f.err }

func TestDeliveryRecordedPerChannel(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig()
	cfg.Alerts.Channels = []string{"dashboard", "webhook"}
	svc := New(cfg, clk, zap.NewNop())

	dash := NewDashboardChannel(10)
	svc.RegisterChannel("dashboard", dash)
	svc.RegisterChannel("webhook", failingChannel{err: errors.New("503")})

	svc.HandleEvent(degradedEvent(clk, "board-1", 72))

	active := svc.Active(ActiveFilter{})
	require.Len(t, active, 1)
	require.Len(t, active[0].Deliveries, 2)

	byChannel := map[string]types.AlertDelivery{}
	for _, d := range active[0].Deliveries {
		byChannel[d.Channel] = d
	}
	assert.True(t, byChannel["dashboard"].OK)
	assert.False(t, byChannel["webhook"].OK)
	assert.Contains(t, byChannel["webhook"].Error, "503")

	// Delivery failure did not roll back creation, and the dashboard saw it.
	assert.Len(t, dash.Recent(), 1)
}

func TestStartConsumesEventStream(t *testing.T) {
	svc, clk := newService(t)

	events := make(chan types.HealthEvent, 1)
	svc.Start(events)
	events <- degradedEvent(clk, "board-1", 72)
	close(events)

	require.Eventually(t, func() bool {
		return len(svc.Active(ActiveFilter{})) == 1
	}, time.Second, 5*time.Millisecond)
	svc.Stop()
}

func TestHistoryTrimKeepsOpenAlerts(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig()
	cfg.Alerts.MaxHistory = 2
	cfg.Alerts.CooldownSeconds = 0
	svc := New(cfg, clk, zap.NewNop())

	for i := 0; i < 3; i++ {
		svc.HandleEvent(degradedEvent(clk, "board-1", 72))
		id := svc.Active(ActiveFilter{})[0].ID
		_, err := svc.Resolve(id, "op")
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	svc.HandleEvent(degradedEvent(clk, "board-1", 72))

	// The open alert survives trimming; only resolved history is dropped.
	assert.Len(t, svc.Active(ActiveFilter{}), 1)
	assert.LessOrEqual(t, len(svc.History(0)), 3)
}
