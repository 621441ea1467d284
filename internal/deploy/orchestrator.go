// Package deploy pushes built artifacts onto virtualization hosts and
// physical boards and walks each deployment through its state machine:
// pending → transferring → (flashing) → booting → verifying → completed,
// with failed as the short-circuit. Completed history lives in sqlite, the
// last hundred per target, independent of artifact retention.
package deploy

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"fleetd/internal/artifacts"
	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// Orchestrator owns in-flight deployments and the history.
type Orchestrator struct {
	cfg    *config.Config
	reg    *registry.Registry
	idx    *artifacts.Index
	hub    *transport.Hub
	db     *sql.DB
	clk    clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	deployments map[string]*types.Deployment
	done        map[string]chan struct{}
	onChange    func()

	rootCtx    context.Context
	rootCancel context.CancelFunc
	runners    sync.WaitGroup
}

// New initializes the history schema on the shared state database.
func New(cfg *config.Config, reg *registry.Registry, idx *artifacts.Index,
	hub *transport.Hub, db *sql.DB, clk clock.Clock, logger *zap.Logger) (*Orchestrator, error) {
	if _, err := db.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("deployment schema: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:         cfg,
		reg:         reg,
		idx:         idx,
		hub:         hub,
		db:          db,
		clk:         clk,
		logger:      logger.Named("deploy"),
		deployments: make(map[string]*types.Deployment),
		done:        make(map[string]chan struct{}),
		rootCtx:     ctx,
		rootCancel:  cancel,
	}, nil
}

// SetOnChange installs the hook called after every deployment mutation.
func (o *Orchestrator) SetOnChange(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onChange = fn
}

// Stop cancels in-flight deployments and waits them out.
func (o *Orchestrator) Stop() {
	o.rootCancel()
	o.runners.Wait()
}

// Get returns the deployment, live or historical.
func (o *Orchestrator) Get(id string) (*types.Deployment, error) {
	o.mu.Lock()
	if d, ok := o.deployments[id]; ok {
		out := d.Clone()
		o.mu.Unlock()
		return out, nil
	}
	o.mu.Unlock()
	return o.loadRow(id)
}

// List returns the in-memory deployments, newest first.
func (o *Orchestrator) List() []*types.Deployment {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.Deployment, 0, len(o.deployments))
	for _, d := range o.deployments {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Wait blocks until the deployment reaches a terminal state or the context
// ends, and returns its final record.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*types.Deployment, error) {
	o.mu.Lock()
	ch, running := o.done[id]
	o.mu.Unlock()
	if running {
		select {
		case <-ctx.Done():
			return nil, types.Cancelledf("wait for deployment %s: %v", id, ctx.Err())
		case <-ch:
		}
	}
	return o.Get(id)
}

// DeployToVirt creates and starts a guest deployment. The returned record is
// the pending deployment; progress runs in the background — use Wait.
func (o *Orchestrator) DeployToVirt(hostID string, sel types.ArtifactSelection, guest types.GuestConfig) (*types.Deployment, error) {
	host, err := o.reg.VirtHost(hostID)
	if err != nil {
		return nil, err
	}
	if host.Maintenance {
		return nil, types.Conflictf("virt host %s is in maintenance", hostID)
	}
	if host.Status != types.ServerOnline {
		return nil, types.Conflictf("virt host %s is %s", hostID, host.Status)
	}

	arts, err := o.idx.Resolve(sel)
	if err != nil {
		return nil, err
	}
	if err := checkArch(arts, host.Architectures); err != nil {
		return nil, err
	}

	d := o.newDeployment(types.KindVirtHost, hostID, sel, arts)
	o.launch(d, func(ctx context.Context) error {
		return o.runVirt(ctx, d.ID, host, arts, guest)
	})
	return d.Clone(), nil
}

// DeployToBoard creates and starts a board deployment.
func (o *Orchestrator) DeployToBoard(boardID string, sel types.ArtifactSelection) (*types.Deployment, error) {
	board, err := o.reg.Board(boardID)
	if err != nil {
		return nil, err
	}
	switch board.Status {
	case types.BoardAvailable:
	case types.BoardMaintenance:
		return nil, types.Conflictf("board %s is in maintenance", boardID)
	default:
		return nil, types.Conflictf("board %s is %s", boardID, board.Status)
	}

	arts, err := o.idx.Resolve(sel)
	if err != nil {
		return nil, err
	}
	if err := checkArch(arts, board.Architectures); err != nil {
		return nil, err
	}

	d := o.newDeployment(types.KindBoard, boardID, sel, arts)
	o.launch(d, func(ctx context.Context) error {
		return o.runBoard(ctx, d.ID, board, arts)
	})
	return d.Clone(), nil
}

// Rollback re-deploys the artifacts of the last completed deployment on the
// same target and marks the given deployment rolled back.
func (o *Orchestrator) Rollback(deploymentID string) (*types.Deployment, error) {
	current, err := o.Get(deploymentID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Terminal() {
		return nil, types.Conflictf("deployment %s is still %s", deploymentID, current.Status)
	}

	previous, err := o.lastCompleted(current.TargetID, deploymentID)
	if err != nil {
		return nil, err
	}

	sel := types.ArtifactSelection{
		ArtifactIDs:     previous.ArtifactIDs,
		FirmwareVersion: previous.FirmwareVersion,
	}
	var replacement *types.Deployment
	switch current.TargetKind {
	case types.KindVirtHost:
		replacement, err = o.DeployToVirt(current.TargetID, sel, types.GuestConfig{})
	case types.KindBoard:
		replacement, err = o.DeployToBoard(current.TargetID, sel)
	default:
		return nil, types.Validationf("deployment %s has unknown target kind %q", deploymentID, current.TargetKind)
	}
	if err != nil {
		return nil, err
	}

	o.markRolledBack(current, replacement.ID)
	o.logger.Info("rollback started",
		zap.String("deployment", deploymentID),
		zap.String("replacement", replacement.ID),
		zap.String("previous", previous.ID))
	return replacement, nil
}

func (o *Orchestrator) markRolledBack(d *types.Deployment, byID string) {
	o.mu.Lock()
	if live, ok := o.deployments[d.ID]; ok {
		d = live
	}
	now := o.clk.Now().UTC()
	d.Transitions = append(d.Transitions, types.DeploymentTransition{
		From: d.Status, To: types.DeployRolledBack, At: now,
	})
	d.Status = types.DeployRolledBack
	d.RolledBackBy = byID
	out := d.Clone()
	o.mu.Unlock()

	if err := o.saveRow(out); err != nil {
		o.logger.Warn("rolled-back row not saved", zap.String("deployment", d.ID), zap.Error(err))
	}
	o.notify()
}

func (o *Orchestrator) newDeployment(kind types.AssetKind, targetID string, sel types.ArtifactSelection, arts []*types.Artifact) *types.Deployment {
	ids := make([]string, 0, len(arts))
	buildID := arts[0].BuildID
	firmware := sel.FirmwareVersion
	for _, a := range arts {
		ids = append(ids, a.ID)
		if a.BuildID != buildID {
			buildID = ""
		}
		if firmware == "" && a.FirmwareVersion() != "" {
			firmware = a.FirmwareVersion()
		}
	}
	if firmware == "" {
		firmware = buildID
	}

	d := &types.Deployment{
		ID:              types.NewID("dep"),
		TargetKind:      kind,
		TargetID:        targetID,
		BuildID:         buildID,
		ArtifactIDs:     ids,
		Status:          types.DeployPending,
		FirmwareVersion: firmware,
		CreatedAt:       o.clk.Now().UTC(),
	}
	o.mu.Lock()
	o.deployments[d.ID] = d
	o.done[d.ID] = make(chan struct{})
	o.mu.Unlock()

	if err := o.saveRow(d); err != nil {
		o.logger.Warn("deployment row not saved", zap.String("deployment", d.ID), zap.Error(err))
	}
	return d
}

func (o *Orchestrator) launch(d *types.Deployment, run func(ctx context.Context) error) {
	o.runners.Add(1)
	go func() {
		defer o.runners.Done()
		ctx := o.rootCtx
		now := o.clk.Now().UTC()

		o.mu.Lock()
		d.StartedAt = &now
		o.mu.Unlock()

		err := run(ctx)
		o.finish(d.ID, err)
	}()
}

// transition advances the state machine, records the step and persists.
func (o *Orchestrator) transition(id string, to types.DeploymentStatus) {
	o.mu.Lock()
	d, ok := o.deployments[id]
	if !ok || d.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	now := o.clk.Now().UTC()
	d.Transitions = append(d.Transitions, types.DeploymentTransition{From: d.Status, To: to, At: now})
	d.Status = to
	out := d.Clone()
	o.mu.Unlock()

	o.logger.Info("deployment transition",
		zap.String("deployment", id),
		zap.String("to", string(to)))
	if err := o.saveRow(out); err != nil {
		o.logger.Warn("deployment row not saved", zap.String("deployment", id), zap.Error(err))
	}
	o.notify()
}

func (o *Orchestrator) finish(id string, runErr error) {
	o.mu.Lock()
	d := o.deployments[id]
	now := o.clk.Now().UTC()
	d.CompletedAt = &now
	if !d.Status.Terminal() {
		to := types.DeployCompleted
		if runErr != nil {
			to = types.DeployFailed
			d.ErrorMessage = runErr.Error()
		} else {
			d.BootVerified = true
		}
		d.Transitions = append(d.Transitions, types.DeploymentTransition{From: d.Status, To: to, At: now})
		d.Status = to
	}
	out := d.Clone()
	ch := o.done[id]
	delete(o.done, id)
	o.mu.Unlock()

	if err := o.saveRow(out); err != nil {
		o.logger.Warn("deployment row not saved", zap.String("deployment", id), zap.Error(err))
	}
	if runErr != nil {
		o.logger.Warn("deployment failed",
			zap.String("deployment", id),
			zap.String("target", out.TargetID),
			zap.Error(runErr))
	} else {
		o.logger.Info("deployment completed",
			zap.String("deployment", id),
			zap.String("target", out.TargetID),
			zap.String("firmware", out.FirmwareVersion))
	}
	close(ch)
	o.notify()
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	fn := o.onChange
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// checkArch rejects artifacts built for an architecture the target cannot
// run, before any transfer starts.
func checkArch(arts []*types.Artifact, targetArchs []string) error {
	for _, art := range arts {
		if art.Architecture == "" {
			continue
		}
		ok := false
		for _, arch := range targetArchs {
			if types.ArchCompatible(art.Architecture, arch) {
				ok = true
				break
			}
		}
		if !ok {
			return types.Validationf("artifact %s is %s, target supports %v",
				art.Filename, art.Architecture, targetArchs)
		}
	}
	return nil
}
