// Package pipeline sequences the fixed build → deploy → boot → test stage
// chain. Each stage runs through a registered handler with a bounded retry
// budget; a stage that exhausts its budget fails the pipeline and skips
// everything after it.
package pipeline

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/types"
)

// Engine owns pipelines and their stage runners.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	pipelines map[string]*types.Pipeline
	handlers  map[types.StageType]Handler
	cancels   map[string]context.CancelFunc
	done      map[string]chan struct{}
	onChange  func()

	rootCtx    context.Context
	rootCancel context.CancelFunc
	runners    sync.WaitGroup
}

// New builds an engine with no handlers registered; stage types without a
// handler fall back to a deterministic pass-through.
func New(cfg *config.Config, clk clock.Clock, logger *zap.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		clk:        clk,
		logger:     logger.Named("pipeline"),
		pipelines:  make(map[string]*types.Pipeline),
		handlers:   make(map[types.StageType]Handler),
		cancels:    make(map[string]context.CancelFunc),
		done:       make(map[string]chan struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// RegisterHandler installs the handler for a stage type, replacing any
// previous one. Register before creating pipelines; a pipeline resolves its
// handler at stage start.
func (e *Engine) RegisterHandler(t types.StageType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

// SetOnChange installs the hook called after every pipeline mutation.
func (e *Engine) SetOnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

func (e *Engine) notify() {
	e.mu.Lock()
	fn := e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Stop cancels running pipelines and waits for their runners to exit.
func (e *Engine) Stop() {
	e.rootCancel()
	e.runners.Wait()
}

// Create validates the spec, builds the fixed stage chain, and starts the
// pipeline immediately.
func (e *Engine) Create(spec types.PipelineSpec) (*types.Pipeline, error) {
	if spec.Repo == "" {
		return nil, types.Validationf("pipeline needs a repository URL")
	}
	if spec.Branch == "" {
		return nil, types.Validationf("pipeline needs a branch")
	}
	if spec.Architecture == "" {
		return nil, types.Validationf("pipeline needs a target architecture")
	}
	if !spec.Environment.Valid() {
		return nil, types.Validationf("unknown environment %q", spec.Environment)
	}
	if spec.Priority == "" {
		spec.Priority = types.PriorityNormal
	}
	if !spec.Priority.Valid() {
		return nil, types.Validationf("unknown priority %q", spec.Priority)
	}

	retries := e.cfg.Pipelines.DefaultMaxRetries
	if spec.MaxRetries != nil && *spec.MaxRetries >= 0 {
		retries = *spec.MaxRetries
	}

	p := &types.Pipeline{
		ID:           types.NewID("pipe"),
		Repo:         spec.Repo,
		Branch:       spec.Branch,
		Commit:       spec.Commit,
		Architecture: spec.Architecture,
		Environment:  spec.Environment,
		Spec:         spec,
		Status:       types.PipelinePending,
		CurrentStage: -1,
		CreatedAt:    e.clk.Now(),
	}
	for _, t := range types.StageOrder {
		p.Stages = append(p.Stages, types.Stage{
			Name:       string(t),
			Type:       t,
			Status:     types.StagePending,
			MaxRetries: retries,
		})
	}

	e.mu.Lock()
	e.pipelines[p.ID] = p
	e.done[p.ID] = make(chan struct{})
	out := p.Clone()
	e.mu.Unlock()

	e.logger.Info("pipeline created",
		zap.String("id", p.ID),
		zap.String("repo", spec.Repo),
		zap.String("branch", spec.Branch),
		zap.String("environment", string(spec.Environment)))
	e.notify()
	e.launch(p.ID, 0)
	return out, nil
}

// launch starts a runner for the pipeline from the given stage index.
func (e *Engine) launch(id string, from int) {
	ctx, cancel := context.WithCancel(e.rootCtx)
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()

	e.runners.Add(1)
	go func() {
		defer e.runners.Done()
		defer cancel()
		e.run(ctx, id, from)
	}()
}

// Get returns a copy of the pipeline.
func (e *Engine) Get(id string) (*types.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[id]
	if !ok {
		return nil, types.NotFoundf("pipeline %s", id)
	}
	return p.Clone(), nil
}

// List returns pipelines, optionally filtered by status, newest first.
func (e *Engine) List(status types.PipelineStatus) []*types.Pipeline {
	e.mu.Lock()
	out := make([]*types.Pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Wait blocks until the pipeline terminates or ctx expires, then returns it.
func (e *Engine) Wait(ctx context.Context, id string) (*types.Pipeline, error) {
	e.mu.Lock()
	ch, running := e.done[id]
	e.mu.Unlock()
	if running {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, types.Cancelledf("wait on pipeline %s: %v", id, ctx.Err())
		}
	}
	return e.Get(id)
}

// Cancel stops a pipeline. The running stage and everything after it end up
// skipped; a terminal pipeline stays terminal.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	p, ok := e.pipelines[id]
	if !ok {
		e.mu.Unlock()
		return types.NotFoundf("pipeline %s", id)
	}
	if p.Status.Terminal() {
		e.mu.Unlock()
		return types.Conflictf("pipeline %s already %s", id, p.Status)
	}
	cancel := e.cancels[id]
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.logger.Info("pipeline cancel requested", zap.String("id", id))
	return nil
}

// RetryFromStage re-runs a terminal pipeline starting at the named stage.
// Earlier completed stages keep their results; the target and everything
// after it reset to pending.
func (e *Engine) RetryFromStage(id, stageName string) (*types.Pipeline, error) {
	e.mu.Lock()
	p, ok := e.pipelines[id]
	if !ok {
		e.mu.Unlock()
		return nil, types.NotFoundf("pipeline %s", id)
	}
	if !p.Status.Terminal() {
		e.mu.Unlock()
		return nil, types.Conflictf("pipeline %s is %s; only finished pipelines can be retried", id, p.Status)
	}
	from := p.StageByName(stageName)
	if from < 0 {
		e.mu.Unlock()
		return nil, types.NotFoundf("pipeline %s has no stage %q", id, stageName)
	}
	for i := 0; i < from; i++ {
		if p.Stages[i].Status != types.StageCompleted {
			e.mu.Unlock()
			return nil, types.Conflictf("stage %s did not complete; retry from it or earlier", p.Stages[i].Name)
		}
	}
	for i := from; i < len(p.Stages); i++ {
		s := &p.Stages[i]
		s.Status = types.StagePending
		s.RetryCount = 0
		s.StartedAt = nil
		s.CompletedAt = nil
		s.DurationSeconds = 0
		s.OutputID = ""
		s.Logs = nil
		s.ErrorMessage = ""
	}
	p.Status = types.PipelinePending
	p.CurrentStage = -1
	p.CompletedAt = nil
	p.ErrorMessage = ""
	e.done[id] = make(chan struct{})
	out := p.Clone()
	e.mu.Unlock()

	e.logger.Info("pipeline retry",
		zap.String("id", id), zap.String("from_stage", stageName))
	e.notify()
	e.launch(id, from)
	return out, nil
}
