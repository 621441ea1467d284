// Package buildqueue accepts kernel build jobs, lines them up by priority,
// places them on build servers through the selector and runs them remotely.
// One slot semaphore per server enforces its concurrency limit; job output
// streams through the log hub.
package buildqueue

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fleetd/internal/artifacts"
	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/selector"
	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// SubmitRequest is an incoming build job.
type SubmitRequest struct {
	Repo   string `json:"repo" validate:"required"`
	Branch string `json:"branch" validate:"required"`
	Commit string `json:"commit,omitempty"`

	TargetArch string            `json:"target_arch" validate:"required"`
	Priority   types.Priority    `json:"priority,omitempty"`
	Config     types.BuildConfig `json:"config"`

	// Requirements narrow server selection beyond the target arch.
	Requirements types.BuildServerRequirements `json:"requirements,omitempty"`
}

// Manager owns the job table, the pending queue and the executors.
type Manager struct {
	cfg    *config.Config
	reg    *registry.Registry
	sel    *selector.Selector
	idx    *artifacts.Index
	hub    *transport.Hub
	clk    clock.Clock
	logger *zap.Logger
	logs   *LogHub

	mu       sync.Mutex
	jobs     map[string]*types.BuildJob
	reqs     map[string]types.BuildServerRequirements
	q        *queue
	cancels  map[string]context.CancelFunc
	slots    map[string]*semaphore.Weighted
	onChange func()

	rootCtx    context.Context
	rootCancel context.CancelFunc
	executors  sync.WaitGroup

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds the manager; call Start to run the scheduler.
func New(cfg *config.Config, reg *registry.Registry, sel *selector.Selector,
	idx *artifacts.Index, hub *transport.Hub, clk clock.Clock, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		reg:        reg,
		sel:        sel,
		idx:        idx,
		hub:        hub,
		clk:        clk,
		logger:     logger.Named("buildqueue"),
		logs:       NewLogHub(cfg.Build.LogBufferLines, clk),
		jobs:       make(map[string]*types.BuildJob),
		reqs:       make(map[string]types.BuildServerRequirements),
		q:          newQueue(cfg.Queue.MaxSize),
		cancels:    make(map[string]context.CancelFunc),
		slots:      make(map[string]*semaphore.Weighted),
		rootCtx:    ctx,
		rootCancel: cancel,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Logs exposes the log hub for streaming endpoints.
func (m *Manager) Logs() *LogHub { return m.logs }

// SetOnChange installs the hook called after every job mutation.
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

// Start launches the scheduler loop.
func (m *Manager) Start() {
	go m.loop()
}

// Stop cancels running builds and waits for everything to wind down.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.rootCancel()
	m.executors.Wait()
}

// Wake nudges the scheduler; health events and completed builds call this so
// queued jobs do not wait for the next tick.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Submit validates the request, tries to place it immediately and otherwise
// queues it. A full queue rejects the job outright.
func (m *Manager) Submit(req SubmitRequest) (*types.BuildJob, error) {
	if req.Repo == "" || req.Branch == "" {
		return nil, types.Validationf("build job needs a repo and a branch")
	}
	if req.TargetArch == "" {
		return nil, types.Validationf("build job needs a target architecture")
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, types.Validationf("unknown priority %q", req.Priority)
	}

	job := &types.BuildJob{
		ID:         types.NewID("bld"),
		Repo:       req.Repo,
		Branch:     req.Branch,
		Commit:     req.Commit,
		TargetArch: req.TargetArch,
		Config:     req.Config.Clone(),
		Status:     types.BuildQueued,
		Priority:   req.Priority,
		CreatedAt:  m.clk.Now().UTC(),
	}
	reqs := req.Requirements
	reqs.TargetArch = req.TargetArch

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.reqs[job.ID] = reqs
	m.mu.Unlock()

	if err := m.idx.RecordBuild(job); err != nil {
		m.logger.Warn("build row not recorded", zap.String("job", job.ID), zap.Error(err))
	}

	if m.tryDispatch(job.ID) {
		m.notify()
		return m.Get(job.ID)
	}

	m.mu.Lock()
	if err := m.q.push(job); err != nil {
		delete(m.jobs, job.ID)
		delete(m.reqs, job.ID)
		m.mu.Unlock()
		return nil, err
	}
	depth := m.q.depth()
	m.mu.Unlock()

	m.logger.Info("job queued",
		zap.String("job", job.ID),
		zap.String("priority", string(job.Priority)),
		zap.Int("depth", depth))
	m.notify()
	return m.Get(job.ID)
}

// Get returns a copy of the job.
func (m *Manager) Get(id string) (*types.BuildJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, types.NotFoundf("build job %s", id)
	}
	return job.Clone(), nil
}

// List returns jobs, optionally filtered by status, newest first.
func (m *Manager) List(status types.BuildJobStatus) []*types.BuildJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.BuildJob
	for _, job := range m.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// QueueDepth reports how many jobs are waiting.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.depth()
}

// Position reports a queued job's 1-based place in line, 0 otherwise.
func (m *Manager) Position(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.position(id)
}

// Cancel stops a job. Queued jobs finish as cancelled right away; building
// jobs have their remote work torn down by the executor, which then records
// the cancelled status.
func (m *Manager) Cancel(id string) (*types.BuildJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, types.NotFoundf("build job %s", id)
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return nil, types.Conflictf("build job %s is already %s", id, job.Status)
	}
	if job.Status == types.BuildQueued {
		m.q.remove(id)
		now := m.clk.Now().UTC()
		job.Status = types.BuildCancelled
		job.CompletedAt = &now
		out := job.Clone()
		m.mu.Unlock()
		m.logger.Info("queued job cancelled", zap.String("job", id))
		m.recordRow(out)
		m.notify()
		return out, nil
	}
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.logger.Info("building job cancel requested", zap.String("job", id))
	return m.Get(id)
}

// Retry clones a terminal job into a fresh submission.
func (m *Manager) Retry(id string) (*types.BuildJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return nil, types.NotFoundf("build job %s", id)
	}
	if !job.Status.Terminal() {
		m.mu.Unlock()
		return nil, types.Conflictf("build job %s is still %s", id, job.Status)
	}
	req := SubmitRequest{
		Repo:         job.Repo,
		Branch:       job.Branch,
		Commit:       job.Commit,
		TargetArch:   job.TargetArch,
		Priority:     job.Priority,
		Config:       job.Config.Clone(),
		Requirements: m.reqs[id],
	}
	m.mu.Unlock()

	retried, err := m.Submit(req)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if stored := m.jobs[retried.ID]; stored != nil {
		stored.RetriedFrom = id
		retried = stored.Clone()
	}
	m.mu.Unlock()
	return retried, nil
}

func (m *Manager) loop() {
	defer close(m.doneCh)
	tick := m.cfg.QueueTick()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.wake:
			m.scanOnce()
		case <-m.clk.After(tick):
			m.scanOnce()
		}
	}
}

// scanOnce walks the queue head first and dispatches every job a server can
// take right now. A job that cannot be placed stays put; later jobs still get
// a look so one starved architecture does not block the line.
func (m *Manager) scanOnce() {
	m.mu.Lock()
	pending := make([]string, 0, m.q.depth())
	for _, job := range m.q.items() {
		pending = append(pending, job.ID)
	}
	m.mu.Unlock()

	for _, id := range pending {
		if m.tryDispatch(id) {
			m.mu.Lock()
			m.q.remove(id)
			m.mu.Unlock()
			m.notify()
		}
	}
}

// tryDispatch places the job on a server and hands it to an executor.
// Returns true when the job no longer belongs in the queue.
func (m *Manager) tryDispatch(id string) bool {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != types.BuildQueued {
		m.mu.Unlock()
		return true
	}
	reqs := m.reqs[id]
	m.mu.Unlock()

	selection, err := m.sel.SelectBuildServer(reqs)
	if err != nil {
		return false
	}
	server, err := m.reg.BuildServer(selection.AssetID)
	if err != nil {
		m.sel.Release(selection.ReservationID)
		return false
	}

	slot := m.slot(server.ID, server.MaxConcurrentBuilds)
	if !slot.TryAcquire(1) {
		m.sel.Release(selection.ReservationID)
		return false
	}

	if _, err := m.reg.Update(server.ID, func(a types.Asset) error {
		a.(*types.BuildServer).ActiveBuildCount++
		return nil
	}); err != nil {
		slot.Release(1)
		m.sel.Release(selection.ReservationID)
		return false
	}
	m.sel.Confirm(selection.ReservationID)

	ctx, cancel := context.WithCancel(m.rootCtx)
	now := m.clk.Now().UTC()

	m.mu.Lock()
	if job.Status != types.BuildQueued {
		// Cancelled while we were selecting.
		m.mu.Unlock()
		cancel()
		m.releaseServer(server.ID, slot)
		return true
	}
	job.Status = types.BuildBuilding
	job.StartedAt = &now
	job.ServerID = server.ID
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.logger.Info("job dispatched",
		zap.String("job", id),
		zap.String("server", server.ID),
		zap.Float64("score", selection.Score))

	m.executors.Add(1)
	go func() {
		defer m.executors.Done()
		defer cancel()
		artifactIDs, runErr := m.runBuild(ctx, job.Clone(), server)
		m.finish(id, server.ID, slot, artifactIDs, runErr, ctx.Err() != nil)
	}()
	return true
}

func (m *Manager) releaseServer(serverID string, slot *semaphore.Weighted) {
	slot.Release(1)
	if _, err := m.reg.Update(serverID, func(a types.Asset) error {
		s := a.(*types.BuildServer)
		if s.ActiveBuildCount > 0 {
			s.ActiveBuildCount--
		}
		return nil
	}); err != nil && types.KindOf(err) != types.ErrNotFound {
		m.logger.Warn("active build count not released",
			zap.String("server", serverID), zap.Error(err))
	}
}

func (m *Manager) finish(id, serverID string, slot *semaphore.Weighted, artifactIDs []string, runErr error, cancelled bool) {
	now := m.clk.Now().UTC()

	m.mu.Lock()
	job := m.jobs[id]
	delete(m.cancels, id)
	job.CompletedAt = &now
	if job.StartedAt != nil {
		job.DurationSeconds = now.Sub(*job.StartedAt).Seconds()
	}
	job.ArtifactIDs = artifactIDs
	switch {
	case cancelled:
		job.Status = types.BuildCancelled
		job.ErrorMessage = "cancelled"
	case runErr != nil:
		job.Status = types.BuildFailed
		job.ErrorMessage = runErr.Error()
	default:
		job.Status = types.BuildCompleted
	}
	out := job.Clone()
	m.mu.Unlock()

	m.releaseServer(serverID, slot)
	if out.StartedAt != nil {
		m.sel.RecordWorkloadDuration(now.Sub(*out.StartedAt))
	}

	m.recordRow(out)
	if out.Status == types.BuildCompleted {
		if err := m.idx.SetLatest(out.Branch, out.TargetArch, out.ID); err != nil {
			m.logger.Warn("latest pointer not updated", zap.String("job", id), zap.Error(err))
		}
		m.logger.Info("job completed",
			zap.String("job", id),
			zap.Int("artifacts", len(artifactIDs)),
			zap.Float64("duration_s", out.DurationSeconds))
	} else {
		m.logger.Warn("job did not complete",
			zap.String("job", id),
			zap.String("status", string(out.Status)),
			zap.String("error", out.ErrorMessage))
	}

	m.notify()
	m.Wake()
}

func (m *Manager) recordRow(job *types.BuildJob) {
	if err := m.idx.RecordBuild(job); err != nil {
		m.logger.Warn("build row not recorded", zap.String("job", job.ID), zap.Error(err))
	}
}

// slot returns the server's concurrency semaphore, sizing it on first use.
func (m *Manager) slot(serverID string, maxBuilds int) *semaphore.Weighted {
	if maxBuilds <= 0 {
		maxBuilds = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[serverID]; ok {
		return s
	}
	s := semaphore.NewWeighted(int64(maxBuilds))
	m.slots[serverID] = s
	return s
}
