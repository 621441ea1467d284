// Package health probes every registered asset on a jittered interval,
// classifies the readings against thresholds, writes the outcome back to the
// registry and emits events when an asset's level changes. Boards that stop
// answering get one automated rescue attempt through their power controller
// before being marked offline.
package health

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// supervisorInterval is how often the engine reconciles its per-asset loops
// with the registry contents.
const supervisorInterval = 2 * time.Second

// Engine owns one probe loop per asset plus the supervisor that starts and
// stops them as assets come and go. Probes for the same asset never overlap;
// a weighted semaphore caps how many assets are probed at once.
type Engine struct {
	reg    *registry.Registry
	hub    *transport.Hub
	clk    clock.Clock
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	sem    *semaphore.Weighted
	events chan types.HealthEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	loops    map[string]chan struct{}
	failures map[string]int
	probing  map[string]*sync.Mutex

	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds the engine; call Start to begin probing.
func New(cfg *config.Config, reg *registry.Registry, hub *transport.Hub, clk clock.Clock, logger *zap.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		reg:      reg,
		hub:      hub,
		clk:      clk,
		logger:   logger.Named("health"),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Health.MaxParallel),
		events:   make(chan types.HealthEvent, cfg.Alerts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		loops:    make(map[string]chan struct{}),
		failures: make(map[string]int),
		probing:  make(map[string]*sync.Mutex),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Events delivers level-change events. The channel closes on Stop, after the
// last loop has exited, so consumers can range over it.
func (e *Engine) Events() <-chan types.HealthEvent {
	return e.events
}

// SetConfig swaps thresholds and intervals at runtime. The probe-parallelism
// cap stays as sized at construction.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.logger.Info("health configuration updated")
}

func (e *Engine) config() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Start launches the supervisor.
func (e *Engine) Start() {
	go e.supervise()
	e.logger.Info("health engine started",
		zap.Duration("interval", e.config().HealthInterval()),
		zap.Int64("max_parallel", e.config().Health.MaxParallel))
}

// Stop cancels in-flight probes, winds down every loop and closes the event
// channel.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.cancel()
	<-e.doneCh
}

func (e *Engine) supervise() {
	defer close(e.doneCh)
	e.syncLoops()
	for {
		select {
		case <-e.stopCh:
			e.mu.Lock()
			for id, stop := range e.loops {
				close(stop)
				delete(e.loops, id)
			}
			e.mu.Unlock()
			e.wg.Wait()
			close(e.events)
			return
		case <-e.clk.After(supervisorInterval):
			e.syncLoops()
		}
	}
}

// syncLoops reconciles running loops with registry contents.
func (e *Engine) syncLoops() {
	assets := e.reg.ListAll()
	live := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		live[a.GetID()] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range assets {
		id := a.GetID()
		if _, running := e.loops[id]; running {
			continue
		}
		stop := make(chan struct{})
		e.loops[id] = stop
		e.wg.Add(1)
		go e.runLoop(id, stop)
	}
	for id, stop := range e.loops {
		if _, ok := live[id]; !ok {
			close(stop)
			delete(e.loops, id)
			delete(e.failures, id)
			delete(e.probing, id)
		}
	}
}

func (e *Engine) runLoop(id string, stop chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-e.stopCh:
			return
		case <-e.clk.After(e.jitteredInterval()):
			if _, err := e.probeAsset(e.ctx, id); err != nil && types.KindOf(err) != types.ErrCancelled {
				e.logger.Warn("probe failed", zap.String("asset", id), zap.Error(err))
			}
		}
	}
}

// jitteredInterval spreads ticks so a large fleet does not probe in convoys.
func (e *Engine) jitteredInterval() time.Duration {
	cfg := e.config()
	interval := cfg.HealthInterval()
	jitter := cfg.Health.Jitter
	if jitter <= 0 {
		return interval
	}
	spread := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(interval) * spread)
}

// ProbeNow runs one probe immediately, serialized against the asset's loop.
func (e *Engine) ProbeNow(ctx context.Context, id string) (*types.HealthCheckResult, error) {
	return e.probeAsset(ctx, id)
}

func (e *Engine) probeAsset(ctx context.Context, id string) (*types.HealthCheckResult, error) {
	lock := e.assetLock(id)
	lock.Lock()
	defer lock.Unlock()

	asset, err := e.reg.Get(id)
	if err != nil {
		return nil, err
	}
	meta := asset.Meta()
	if meta.Maintenance {
		return nil, nil
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, types.Cancelledf("probe of %s cancelled while waiting for a slot", id)
	}
	result := e.runChecks(ctx, asset)
	e.sem.Release(1)

	oldLevel := meta.Health
	e.apply(asset, result)
	e.emit(meta, oldLevel, result)

	if board, ok := asset.(*types.Board); ok && result.Level == types.LevelUnreachable {
		e.maybeRecover(ctx, board, meta)
	}
	return result, nil
}

// runChecks opens a session, executes the kind's probe and classifies the
// readings. Transport failures yield an unreachable result instead of an
// error; the caller still records and reacts to them.
func (e *Engine) runChecks(ctx context.Context, asset types.Asset) *types.HealthCheckResult {
	meta := asset.Meta()
	cfg := e.config()
	th := cfg.ThresholdsFor(meta.ID)
	isBoard := meta.Kind == types.KindBoard

	result := &types.HealthCheckResult{
		AssetID:  meta.ID,
		Kind:     meta.Kind,
		ProbedAt: e.clk.Now().UTC(),
	}

	sess, err := e.hub.Session(ctx, meta)
	if err != nil {
		return e.unreachable(result, meta.ID, err)
	}
	defer sess.Close()

	var r *reading
	var rtt time.Duration
	if isBoard {
		r, rtt, err = runBoardProbe(ctx, sess)
	} else {
		r, rtt, err = runServerProbe(ctx, sess)
	}
	result.ResponseTime = rtt
	if err != nil {
		if types.KindOf(err) == types.ErrTransport || types.KindOf(err) == types.ErrCancelled {
			return e.unreachable(result, meta.ID, err)
		}
		// The command ran and failed: the asset is up but sick.
		result.Checks = []types.CheckResult{{
			Category: "connectivity",
			Status:   types.CheckFail,
			Detail:   err.Error(),
		}}
		result.Level = types.LevelUnhealthy
		e.resetFailures(meta.ID)
		return result
	}

	result.Checks = evaluate(r, rtt, th, isBoard)
	result.Level = levelOf(result.Checks)
	result.Utilization = &types.Utilization{
		CPUPercent:     r.util.CPUPercent,
		MemoryPercent:  r.util.MemoryPercent,
		StoragePercent: r.util.StoragePercent,
		FreeDiskGB:     r.util.FreeDiskGB,
		CollectedAt:    result.ProbedAt,
	}
	if isBoard {
		result.TemperatureC = r.tempC
	}
	e.resetFailures(meta.ID)
	return result
}

func (e *Engine) unreachable(result *types.HealthCheckResult, id string, err error) *types.HealthCheckResult {
	result.Level = types.LevelUnreachable
	result.TransportError = err.Error()
	e.mu.Lock()
	e.failures[id]++
	e.mu.Unlock()
	return result
}

func (e *Engine) resetFailures(id string) {
	e.mu.Lock()
	delete(e.failures, id)
	e.mu.Unlock()
}

func (e *Engine) failureCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[id]
}

// apply writes the probe outcome and the derived status to the registry.
func (e *Engine) apply(asset types.Asset, result *types.HealthCheckResult) {
	_, err := e.reg.Update(asset.GetID(), func(a types.Asset) error {
		meta := a.Meta()
		meta.Health = result.Level
		meta.LastProbe = result.ProbedAt
		if result.Utilization != nil {
			meta.Utilization = *result.Utilization
		}

		switch typed := a.(type) {
		case *types.BuildServer:
			typed.Status = serverStatus(result.Level)
		case *types.VirtHost:
			typed.Status = serverStatus(result.Level)
		case *types.Board:
			if result.TemperatureC > 0 {
				typed.TemperatureC = result.TemperatureC
			}
			typed.Status = boardStatus(typed.Status, result.Level)
		}
		return nil
	})
	if err != nil && types.KindOf(err) != types.ErrNotFound {
		e.logger.Warn("recording probe result failed", zap.String("asset", asset.GetID()), zap.Error(err))
	}
}

// emit publishes a level-change event. The channel is bounded; when the
// consumer falls behind the event is dropped with a warning rather than
// stalling the probe loop.
func (e *Engine) emit(meta *types.AssetMeta, oldLevel types.HealthLevel, result *types.HealthCheckResult) {
	if result.Level == oldLevel {
		return
	}
	event := types.HealthEvent{
		AssetID:    meta.ID,
		Kind:       meta.Kind,
		Hostname:   meta.Hostname,
		OldLevel:   oldLevel,
		NewLevel:   result.Level,
		Result:     result,
		DetectedAt: result.ProbedAt,
	}
	select {
	case e.events <- event:
	default:
		e.logger.Warn("event channel full, dropping level change",
			zap.String("asset", meta.ID),
			zap.String("old", string(oldLevel)),
			zap.String("new", string(result.Level)))
	}
}

// serverStatus maps a probe level onto build server and virt host statuses.
func serverStatus(level types.HealthLevel) types.ServerStatus {
	switch level {
	case types.LevelUnreachable:
		return types.ServerOffline
	case types.LevelUnhealthy, types.LevelDegraded:
		return types.ServerDegraded
	case types.LevelHealthy:
		return types.ServerOnline
	default:
		return types.ServerUnknown
	}
}

// boardStatus only moves boards between the states the health loop owns.
// In-use, flashing and maintenance are workload states; probes must not
// clobber them. Unreachable keeps the current status because the recovery
// path decides between recovery and offline based on the failure count.
func boardStatus(current types.BoardStatus, level types.HealthLevel) types.BoardStatus {
	switch current {
	case types.BoardInUse, types.BoardFlashing, types.BoardMaintenance, types.BoardRecovery:
		return current
	}
	switch level {
	case types.LevelHealthy, types.LevelDegraded, types.LevelUnhealthy:
		return types.BoardAvailable
	default:
		return current
	}
}

func (e *Engine) assetLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.probing[id]
	if !ok {
		lock = &sync.Mutex{}
		e.probing[id] = lock
	}
	return lock
}
