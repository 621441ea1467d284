package pipeline

import (
	"context"
	"errors"
	"sync"
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

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pipelines.RetryBackoffSeconds = 0
	e := New(cfg, clock.Real(), zap.NewNop())
	t.Cleanup(e.Stop)
	return e
}

func virtSpec() types.PipelineSpec {
	return types.PipelineSpec{
		Repo:         "https://git.lab/kernel.git",
		Branch:       "main",
		Commit:       "abc123",
		Architecture: "arm64",
		Environment:  types.EnvVirt,
	}
}

func budget(n int) *int { return &n }

func wait(t *testing.T, e *Engine, id string) *types.Pipeline {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return p
}

// recorder is a stage handler that notes call order and delegates per type.
type recorder struct {
	mu    sync.Mutex
	calls []types.StageType
	fail  map[types.StageType]int // failures to inject before succeeding
}

func (r *recorder) handler(t types.StageType) HandlerFunc {
	return func(ctx context.Context, sc *StageContext) (string, error) {
		r.mu.Lock()
		r.calls = append(r.calls, t)
		remaining := r.fail[t]
		if remaining > 0 {
			r.fail[t] = remaining - 1
		}
		r.mu.Unlock()
		if remaining > 0 {
			return "", errors.New("injected failure")
		}
		sc.Log("%s done", t)
		return string(t) + "-out", nil
	}
}

func (r *recorder) sequence() []types.StageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StageType(nil), r.calls...)
}

func (r *recorder) install(e *Engine) {
	for _, st := range types.StageOrder {
		e.RegisterHandler(st, r.handler(st))
	}
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{}
	rec.install(e)

	p, err := e.Create(virtSpec())
	require.NoError(t, err)
	assert.Equal(t, 4, len(p.Stages))
	assert.Equal(t, -1, p.CurrentStage)

	done := wait(t, e, p.ID)
	assert.Equal(t, types.PipelineCompleted, done.Status)
	assert.Equal(t, types.StageOrder, rec.sequence())
	assert.Equal(t, -1, done.CurrentStage)
	require.NotNil(t, done.CompletedAt)
	for _, s := range done.Stages {
		assert.Equal(t, types.StageCompleted, s.Status)
		assert.Equal(t, string(s.Type)+"-out", s.OutputID)
		assert.NotEmpty(t, s.Logs)
	}
}

func TestStageSeesEarlierOutputs(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{}
	rec.install(e)

	var deploySawBuild string
	e.RegisterHandler(types.StageDeploy, HandlerFunc(func(ctx context.Context, sc *StageContext) (string, error) {
		deploySawBuild = sc.Outputs[types.StageBuild]
		return "dep-1", nil
	}))

	p, err := e.Create(virtSpec())
	require.NoError(t, err)
	done := wait(t, e, p.ID)
	require.Equal(t, types.PipelineCompleted, done.Status)
	assert.Equal(t, "build-out", deploySawBuild)
	assert.Equal(t, "dep-1", done.Stages[1].OutputID)
}

func TestStageFailureSkipsLaterStages(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{}
	rec.install(e)
	e.RegisterHandler(types.StageDeploy, HandlerFunc(func(ctx context.Context, sc *StageContext) (string, error) {
		return "", errors.New("no host available")
	}))

	spec := virtSpec()
	spec.MaxRetries = budget(1)
	p, err := e.Create(spec)
	require.NoError(t, err)

	done := wait(t, e, p.ID)
	assert.Equal(t, types.PipelineFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "no host available")
	assert.Equal(t, types.StageCompleted, done.Stages[0].Status)
	assert.Equal(t, types.StageFailed, done.Stages[1].Status)
	assert.Equal(t, types.StageSkipped, done.Stages[2].Status)
	assert.Equal(t, types.StageSkipped, done.Stages[3].Status)
	// boot and test handlers never ran
	assert.Equal(t, []types.StageType{types.StageBuild}, rec.sequence())
}

func TestStageRetriesWithinBudget(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{fail: map[types.StageType]int{types.StageBoot: 2}}
	rec.install(e)

	spec := virtSpec()
	spec.MaxRetries = budget(2)
	p, err := e.Create(spec)
	require.NoError(t, err)

	done := wait(t, e, p.ID)
	assert.Equal(t, types.PipelineCompleted, done.Status)
	boot := done.Stages[2]
	assert.Equal(t, types.StageCompleted, boot.Status)
	assert.Equal(t, 2, boot.RetryCount)
	// two failure lines plus the success line
	assert.Len(t, boot.Logs, 3)

	// 3 boot attempts: build, deploy, boot x3, test
	assert.Len(t, rec.sequence(), 6)
}

func TestStageRetryBudgetExhausted(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{fail: map[types.StageType]int{types.StageBuild: 10}}
	rec.install(e)

	spec := virtSpec()
	spec.MaxRetries = budget(1)
	p, err := e.Create(spec)
	require.NoError(t, err)

	done := wait(t, e, p.ID)
	assert.Equal(t, types.PipelineFailed, done.Status)
	build := done.Stages[0]
	assert.Equal(t, types.StageFailed, build.Status)
	assert.Equal(t, 1, build.RetryCount)
	assert.Contains(t, build.ErrorMessage, "injected failure")
	// 1 original + 1 retry, nothing after
	assert.Len(t, rec.sequence(), 2)
}

func TestOmittedMaxRetriesUsesDefault(t *testing.T) {
	e := newEngine(t)
	p, err := e.Create(virtSpec())
	require.NoError(t, err)
	assert.Equal(t, e.cfg.Pipelines.DefaultMaxRetries, p.Stages[0].MaxRetries)
	wait(t, e, p.ID)

	spec := virtSpec()
	spec.MaxRetries = budget(-1)
	p, err = e.Create(spec)
	require.NoError(t, err)
	assert.Equal(t, e.cfg.Pipelines.DefaultMaxRetries, p.Stages[0].MaxRetries)
	wait(t, e, p.ID)
}

func TestCreateValidation(t *testing.T) {
	e := newEngine(t)

	spec := virtSpec()
	spec.Repo = ""
	_, err := e.Create(spec)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	spec = virtSpec()
	spec.Environment = "cloud"
	_, err = e.Create(spec)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	spec = virtSpec()
	spec.Priority = "asap"
	_, err = e.Create(spec)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestCancelSkipsRunningAndRemaining(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{}
	rec.install(e)

	started := make(chan struct{})
	release := make(chan struct{})
	e.RegisterHandler(types.StageDeploy, HandlerFunc(func(ctx context.Context, sc *StageContext) (string, error) {
		close(started)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-release:
			return "dep-1", nil
		}
	}))

	p, err := e.Create(virtSpec())
	require.NoError(t, err)
	<-started
	require.NoError(t, e.Cancel(p.ID))

	done := wait(t, e, p.ID)
	assert.Equal(t, types.PipelineCancelled, done.Status)
	assert.Equal(t, types.StageCompleted, done.Stages[0].Status)
	assert.Equal(t, types.StageSkipped, done.Stages[1].Status)
	assert.Equal(t, types.StageSkipped, done.Stages[2].Status)
	assert.Equal(t, types.StageSkipped, done.Stages[3].Status)

	// terminal forever
	err = e.Cancel(p.ID)
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
	close(release)
}

func TestRetryFromStage(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{fail: map[types.StageType]int{types.StageTest: 10}}
	rec.install(e)

	spec := virtSpec()
	spec.MaxRetries = budget(0)
	p, err := e.Create(spec)
	require.NoError(t, err)
	done := wait(t, e, p.ID)
	require.Equal(t, types.PipelineFailed, done.Status)

	// cannot retry while pointing at a stage after the failed one would
	// leave a gap
	_, err = e.RetryFromStage(p.ID, "missing")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))

	// clear the injected failure and re-run from the test stage
	rec.mu.Lock()
	rec.fail[types.StageTest] = 0
	rec.mu.Unlock()

	resumed, err := e.RetryFromStage(p.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, resumed.Stages[0].Status)
	assert.Equal(t, types.StagePending, resumed.Stages[3].Status)

	done = wait(t, e, p.ID)
	assert.Equal(t, types.PipelineCompleted, done.Status)
	assert.Equal(t, types.StageCompleted, done.Stages[3].Status)
	assert.Zero(t, done.Stages[3].RetryCount)

	// earlier stages were not re-run: build/deploy/boot once, test twice
	seq := rec.sequence()
	builds := 0
	for _, s := range seq {
		if s == types.StageBuild {
			builds++
		}
	}
	assert.Equal(t, 1, builds)
}

func TestRetryFromStageRequiresTerminal(t *testing.T) {
	e := newEngine(t)
	block := make(chan struct{})
	e.RegisterHandler(types.StageBuild, HandlerFunc(func(ctx context.Context, sc *StageContext) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-block:
			return "bld-1", nil
		}
	}))

	p, err := e.Create(virtSpec())
	require.NoError(t, err)
	_, err = e.RetryFromStage(p.ID, "build")
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
	close(block)
	wait(t, e, p.ID)
}

func TestStats(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{}
	rec.install(e)

	p1, err := e.Create(virtSpec())
	require.NoError(t, err)
	wait(t, e, p1.ID)

	e.RegisterHandler(types.StageBuild, HandlerFunc(func(ctx context.Context, sc *StageContext) (string, error) {
		return "", errors.New("boom")
	}))
	spec := virtSpec()
	spec.MaxRetries = budget(0)
	p2, err := e.Create(spec)
	require.NoError(t, err)
	wait(t, e, p2.ID)

	other := virtSpec()
	other.Repo = "https://git.lab/u-boot.git"
	other.MaxRetries = budget(0)
	p3, err := e.Create(other)
	require.NoError(t, err)
	wait(t, e, p3.ID)

	all := e.Stats("", "")
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, 1, all.Completed)
	assert.Equal(t, 2, all.Failed)
	assert.InDelta(t, 1.0/3.0, all.SuccessRate, 1e-9)

	kernel := e.Stats("https://git.lab/kernel.git", "")
	assert.Equal(t, 2, kernel.Total)
	assert.InDelta(t, 0.5, kernel.SuccessRate, 1e-9)

	none := e.Stats("https://git.lab/nothing.git", "")
	assert.Zero(t, none.Total)
	assert.Zero(t, none.SuccessRate)

	// a pipeline still in flight dilutes the rate: completed / total, not
	// completed / terminal
	block := make(chan struct{})
	e.RegisterHandler(types.StageBuild, HandlerFunc(func(ctx context.Context, sc *StageContext) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-block:
			return "bld-4", nil
		}
	}))
	busy := virtSpec()
	busy.Repo = "https://git.lab/rootfs.git"
	p4, err := e.Create(busy)
	require.NoError(t, err)

	inFlight := e.Stats("", "")
	assert.Equal(t, 4, inFlight.Total)
	assert.Equal(t, 1, inFlight.Running)
	assert.InDelta(t, 0.25, inFlight.SuccessRate, 1e-9)

	close(block)
	wait(t, e, p4.ID)
	assert.InDelta(t, 0.5, e.Stats("", "").SuccessRate, 1e-9)
}

func TestListNewestFirstAndStatusFilter(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{}
	rec.install(e)

	p1, err := e.Create(virtSpec())
	require.NoError(t, err)
	wait(t, e, p1.ID)
	p2, err := e.Create(virtSpec())
	require.NoError(t, err)
	wait(t, e, p2.ID)

	all := e.List("")
	require.Len(t, all, 2)

	completed := e.List(types.PipelineCompleted)
	assert.Len(t, completed, 2)
	assert.Empty(t, e.List(types.PipelineFailed))
}

func TestPersistReplayFailsInterrupted(t *testing.T) {
	e := newEngine(t)
	rec := &recorder{}
	rec.install(e)
	p, err := e.Create(virtSpec())
	require.NoError(t, err)
	wait(t, e, p.ID)

	// hand-craft a pipeline that was mid-run at crash time
	now := clock.Real().Now()
	e.mu.Lock()
	e.pipelines["pipe-crashed"] = &types.Pipeline{
		ID:           "pipe-crashed",
		Repo:         "https://git.lab/kernel.git",
		Branch:       "main",
		Architecture: "arm64",
		Environment:  types.EnvVirt,
		Status:       types.PipelineRunning,
		CurrentStage: 1,
		CreatedAt:    now,
		StartedAt:    &now,
		Stages: []types.Stage{
			{Name: "build", Type: types.StageBuild, Status: types.StageCompleted, OutputID: "bld-1"},
			{Name: "deploy", Type: types.StageDeploy, Status: types.StageRunning},
			{Name: "boot", Type: types.StageBoot, Status: types.StagePending},
			{Name: "test", Type: types.StageTest, Status: types.StagePending},
		},
	}
	e.mu.Unlock()

	dir := t.TempDir()
	require.NoError(t, e.Save(dir))

	restored := New(e.cfg, clock.Real(), zap.NewNop())
	t.Cleanup(restored.Stop)
	require.NoError(t, restored.Load(dir))

	crashed, err := restored.Get("pipe-crashed")
	require.NoError(t, err)
	assert.Equal(t, types.PipelineFailed, crashed.Status)
	assert.Equal(t, "interrupted by daemon restart", crashed.ErrorMessage)
	assert.Equal(t, types.StageCompleted, crashed.Stages[0].Status)
	assert.Equal(t, types.StageFailed, crashed.Stages[1].Status)
	assert.Equal(t, types.StageSkipped, crashed.Stages[2].Status)
	assert.Equal(t, -1, crashed.CurrentStage)

	finished, err := restored.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PipelineCompleted, finished.Status)

	// an interrupted pipeline can be resumed from its failed stage
	rec2 := &recorder{}
	rec2.install(restored)
	resumed, err := restored.RetryFromStage("pipe-crashed", "deploy")
	require.NoError(t, err)
	done := wait(t, restored, resumed.ID)
	assert.Equal(t, types.PipelineCompleted, done.Status)
	assert.Equal(t, "bld-1", done.Stages[0].OutputID)
}
