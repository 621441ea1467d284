package buildqueue

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"fleetd/internal/artifacts"
	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/selector"
	"fleetd/internal/state"
	"fleetd/internal/transport"
	"fleetd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	cfg *config.Config
	reg *registry.Registry
	hub *transport.Hub
	idx *artifacts.Index
	mgr *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.Mode = "mock"
	cfg.Credentials = map[string]config.Credential{
		"lab": {User: "lab", Port: 22, Password: "x"},
	}
	cfg.Build.ArtifactRoot = t.TempDir()

	clk := clock.Real()
	reg := registry.New(clk, zap.NewNop())
	hub, err := transport.NewHub(cfg, clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })

	db, err := state.OpenDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	idx, err := artifacts.New(cfg, db, clk, zap.NewNop())
	require.NoError(t, err)

	sel := selector.New(cfg, reg, clk, zap.NewNop())
	mgr := New(cfg, reg, sel, idx, hub, clk, zap.NewNop())
	t.Cleanup(mgr.Stop)
	mgr.Start()
	return &fixture{cfg: cfg, reg: reg, hub: hub, idx: idx, mgr: mgr}
}

func (f *fixture) addServer(t *testing.T, id string, maxBuilds int) {
	t.Helper()
	require.NoError(t, f.reg.Add(&types.BuildServer{
		AssetMeta: types.AssetMeta{
			ID:             id,
			Kind:           types.KindBuildServer,
			Hostname:       id,
			Address:        id + ".lab",
			CredentialsRef: "lab",
			Architectures:  []string{"x86_64"},
			Health:         types.LevelHealthy,
		},
		Status: types.ServerOnline,
		Toolchains: []types.Toolchain{
			{Name: "aarch64-gcc-12", TargetArch: "arm64", Available: true},
		},
		TotalCores:          8,
		TotalMemoryMB:       16384,
		MaxConcurrentBuilds: maxBuilds,
	}))
}

// scriptSuccess makes the remote side produce one kernel image.
func (f *fixture) scriptSuccess() {
	mocks := f.hub.Mocks()
	mocks.Dialer.Script("ls -1", transport.MockResponse{Stdout: "/remote/out/Image\n"})
	mocks.Dialer.Seed("/remote/out/Image", []byte("kernel-bytes"))
}

func submitReq() SubmitRequest {
	return SubmitRequest{
		Repo:       "https://git.lab/kernel.git",
		Branch:     "main",
		Commit:     "abc123",
		TargetArch: "arm64",
	}
}

func waitStatus(t *testing.T, mgr *Manager, id string, want types.BuildJobStatus) *types.BuildJob {
	t.Helper()
	var got *types.BuildJob
	require.Eventually(t, func() bool {
		job, err := mgr.Get(id)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestSubmitRunsBuildEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1", 4)
	f.scriptSuccess()

	job, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)
	assert.Equal(t, "srv-1", job.ServerID)

	done := waitStatus(t, f.mgr, job.ID, types.BuildCompleted)
	require.Len(t, done.ArtifactIDs, 1)
	assert.GreaterOrEqual(t, done.DurationSeconds, 0.0)

	art, err := f.idx.ByID(done.ArtifactIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "Image", art.Filename)
	assert.Equal(t, int64(len("kernel-bytes")), art.SizeBytes)
	assert.NoError(t, f.idx.Verify(art.ID))

	// The latest pointer moved with the successful build.
	latest, err := f.idx.Latest("main", "arm64")
	require.NoError(t, err)
	assert.Equal(t, done.ID, latest[0].BuildID)

	// The server's slot was returned.
	require.Eventually(t, func() bool {
		srv, err := f.reg.BuildServer("srv-1")
		return err == nil && srv.ActiveBuildCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The executed command sequence went clone → config → build.
	var lines []string
	for _, call := range f.hub.Mocks().Dialer.Calls() {
		lines = append(lines, call.Line)
	}
	assert.Contains(t, lines[1], "git clone")
	assert.Contains(t, lines[1], "--branch 'main'")
}

func TestBuildLogsStream(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1", 4)
	f.scriptSuccess()
	f.hub.Mocks().Dialer.Script("make", transport.MockResponse{Stdout: "CC init/main.o\n"})

	job, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)
	waitStatus(t, f.mgr, job.ID, types.BuildCompleted)

	history := f.mgr.Logs().History(job.ID)
	require.NotEmpty(t, history)
	joined := ""
	for _, line := range history {
		joined += line.Line + "\n"
	}
	assert.Contains(t, joined, "$ git clone")
	assert.Contains(t, joined, "CC init/main.o")
	assert.Contains(t, joined, "collected 1 artifacts")
}

func TestFailedStepFailsJob(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1", 4)
	f.hub.Mocks().Dialer.Script("git clone", transport.MockResponse{
		ExitCode: 128,
		Stderr:   "fatal: repository not found",
	})

	job, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)

	failed := waitStatus(t, f.mgr, job.ID, types.BuildFailed)
	assert.Contains(t, failed.ErrorMessage, "exit 128")
	assert.Contains(t, failed.ErrorMessage, "repository not found")

	// Retry clones the job under a new id.
	retried, err := f.mgr.Retry(job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retried.ID)
	assert.Equal(t, job.ID, retried.RetriedFrom)
}

func TestConcurrentReadsWhileJobFinishes(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1", 4)
	f.scriptSuccess()

	job, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)

	// Hammer the job entry from readers while the executor completes it;
	// the race detector pins down any unlocked access to the shared record.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if got, err := f.mgr.Get(job.ID); err == nil && got.StartedAt != nil {
					_ = got.StartedAt.Unix()
				}
				f.mgr.List("")
			}
		}()
	}

	done := waitStatus(t, f.mgr, job.ID, types.BuildCompleted)
	close(stop)
	wg.Wait()
	assert.GreaterOrEqual(t, done.DurationSeconds, 0.0)
}

func TestBuildEnvCrossCompile(t *testing.T) {
	f := newFixture(t)
	server := &types.BuildServer{
		AssetMeta: types.AssetMeta{Architectures: []string{"x86_64", "arm64"}},
		Toolchains: []types.Toolchain{
			{Name: "aarch64-gcc-12", TargetArch: "arm64", Available: true},
			{Name: "riscv-gcc", TargetArch: "riscv64",
				Path: "/opt/riscv/bin/riscv64-unknown-linux-gnu-", Available: true},
		},
	}

	// toolchain without a recorded path: conventional prefix
	env := f.mgr.buildEnv(&types.BuildJob{TargetArch: "arm64"}, server)
	assert.Equal(t, "arm64", env["ARCH"])
	assert.Equal(t, "aarch64-linux-gnu-", env["CROSS_COMPILE"])

	// explicit path wins over the prefix table
	env = f.mgr.buildEnv(&types.BuildJob{TargetArch: "riscv64"}, server)
	assert.Equal(t, "/opt/riscv/bin/riscv64-unknown-linux-gnu-", env["CROSS_COMPILE"])

	// native builds export no cross compiler
	env = f.mgr.buildEnv(&types.BuildJob{TargetArch: "x86_64"}, server)
	assert.Equal(t, "x86_64", env["ARCH"])
	assert.NotContains(t, env, "CROSS_COMPILE")
}

func TestQueueOrderingByPriority(t *testing.T) {
	q := newQueue(10)
	mk := func(id string, p types.Priority) *types.BuildJob {
		return &types.BuildJob{ID: id, Priority: p}
	}
	require.NoError(t, q.push(mk("n1", types.PriorityNormal)))
	require.NoError(t, q.push(mk("l1", types.PriorityLow)))
	require.NoError(t, q.push(mk("u1", types.PriorityUrgent)))
	require.NoError(t, q.push(mk("n2", types.PriorityNormal)))
	require.NoError(t, q.push(mk("h1", types.PriorityHigh)))
	require.NoError(t, q.push(mk("u2", types.PriorityUrgent)))

	var order []string
	for _, job := range q.items() {
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"u1", "u2", "h1", "n1", "n2", "l1"}, order)
}

func TestQueueCapRejects(t *testing.T) {
	f := newFixture(t)
	f.cfg.Queue.MaxSize = 1
	f.mgr.q.max = 1

	// No servers: everything queues.
	first, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)
	assert.Equal(t, 1, f.mgr.Position(first.ID))

	_, err = f.mgr.Submit(submitReq())
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
	assert.Equal(t, 1, f.mgr.QueueDepth())
}

func TestQueuedJobDispatchedWhenServerAppears(t *testing.T) {
	f := newFixture(t)
	f.scriptSuccess()

	job, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)
	assert.Equal(t, types.BuildQueued, job.Status)

	f.addServer(t, "srv-1", 4)
	f.mgr.Wake()
	waitStatus(t, f.mgr, job.ID, types.BuildCompleted)
	assert.Zero(t, f.mgr.QueueDepth())
}

func TestServerConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1", 1)
	f.scriptSuccess()

	a, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)
	b, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)

	// Both finish; the single slot serializes them.
	waitStatus(t, f.mgr, a.ID, types.BuildCompleted)
	waitStatus(t, f.mgr, b.ID, types.BuildCompleted)
}

func TestCancelQueuedJobIsTerminal(t *testing.T) {
	f := newFixture(t)

	job, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)

	cancelled, err := f.mgr.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildCancelled, cancelled.Status)
	assert.Zero(t, f.mgr.QueueDepth())

	// Terminal forever: a second cancel conflicts, and a later server
	// appearance must not resurrect the job.
	_, err = f.mgr.Cancel(job.ID)
	assert.Equal(t, types.ErrConflict, types.KindOf(err))

	f.addServer(t, "srv-1", 4)
	f.mgr.Wake()
	time.Sleep(50 * time.Millisecond)
	got, err := f.mgr.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildCancelled, got.Status)
}

func TestCancelBuildingJob(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, "srv-1", 4)
	f.scriptSuccess()
	f.hub.Mocks().Dialer.SetLatency(200 * time.Millisecond)

	job, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)
	require.Equal(t, types.BuildBuilding, job.Status)

	_, err = f.mgr.Cancel(job.ID)
	require.NoError(t, err)

	got := waitStatus(t, f.mgr, job.ID, types.BuildCancelled)
	assert.Equal(t, "cancelled", got.ErrorMessage)
}

func TestPersistReplay(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	queued, err := f.mgr.Submit(submitReq())
	require.NoError(t, err)

	// Fake a job caught mid-build by a crash.
	f.mgr.mu.Lock()
	now := time.Now().UTC()
	f.mgr.jobs["bld-crashed"] = &types.BuildJob{
		ID:         "bld-crashed",
		Repo:       "https://git.lab/kernel.git",
		Branch:     "main",
		TargetArch: "arm64",
		Priority:   types.PriorityNormal,
		Status:     types.BuildBuilding,
		CreatedAt:  now,
		StartedAt:  &now,
		ServerID:   "srv-gone",
	}
	f.mgr.mu.Unlock()
	require.NoError(t, f.mgr.Save(dir))

	restored := New(f.cfg, f.reg, selector.New(f.cfg, f.reg, clock.Real(), zap.NewNop()),
		f.idx, f.hub, clock.Real(), zap.NewNop())
	require.NoError(t, restored.Load(dir))

	replayed, err := restored.Get(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildQueued, replayed.Status)
	assert.Equal(t, 1, restored.Position(queued.ID))

	crashed, err := restored.Get("bld-crashed")
	require.NoError(t, err)
	assert.Equal(t, types.BuildFailed, crashed.Status)
	assert.Contains(t, crashed.ErrorMessage, "restart")
}

func TestLogHubDropsSlowSubscriber(t *testing.T) {
	hub := NewLogHub(100, clock.Real())
	ch, cancel := hub.Subscribe("job-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Append("job-1", "line")
	}
	// The channel was closed once it fell behind; draining ends.
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	// History keeps only the ring capacity.
	assert.Len(t, hub.History("job-1"), 100)
}
