package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/state"
	"fleetd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newIndex(t *testing.T) (*Index, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := config.DefaultConfig()
	cfg.Build.ArtifactRoot = t.TempDir()

	db, err := state.OpenDB(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := New(cfg, db, clk, zap.NewNop())
	require.NoError(t, err)
	return idx, clk
}

func completedJob(idx *Index, t *testing.T, id, branch, commit, arch string, at time.Time) {
	t.Helper()
	job := &types.BuildJob{
		ID:          id,
		Repo:        "https://git.lab/kernel.git",
		Branch:      branch,
		Commit:      commit,
		TargetArch:  arch,
		Status:      types.BuildCompleted,
		CompletedAt: &at,
	}
	require.NoError(t, idx.RecordBuild(job))
}

func TestIngestAndLookup(t *testing.T) {
	idx, clk := newIndex(t)
	completedJob(idx, t, "bld-1", "main", "abc123", "arm64", clk.Now())

	img, err := idx.Ingest("bld-1", "arm64", "Image", strings.NewReader("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, types.ArtifactKernelImage, img.Kind)
	assert.Equal(t, int64(5), img.SizeBytes)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", img.SHA256)

	_, err = idx.Ingest("bld-1", "arm64", "board.dtb", strings.NewReader("dtb"),
		map[string]string{"firmware_version": "v7"})
	require.NoError(t, err)

	// The pair (build, filename) is unique.
	_, err = idx.Ingest("bld-1", "arm64", "Image", strings.NewReader("again"), nil)
	assert.Equal(t, types.ErrConflict, types.KindOf(err))

	got, err := idx.ByID(img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.SHA256, got.SHA256)

	all, err := idx.ByBuild("bld-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Image", all[0].Filename)
	assert.Equal(t, types.ArtifactDeviceTree, all[1].Kind)
	assert.Equal(t, "v7", all[1].FirmwareVersion())

	byCommit, err := idx.ByCommit("abc123", "arm64")
	require.NoError(t, err)
	assert.Len(t, byCommit, 2)
	byCommit, err = idx.ByCommit("abc123", "x86_64")
	require.NoError(t, err)
	assert.Empty(t, byCommit)

	_, err = idx.ByID("art-missing")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestIngestRejectsPathEscapes(t *testing.T) {
	idx, _ := newIndex(t)
	_, err := idx.Ingest("bld-1", "arm64", "../evil", strings.NewReader("x"), nil)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
	_, err = idx.Ingest("bld-1", "arm64", "a/b", strings.NewReader("x"), nil)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestLatestPointerAndResolve(t *testing.T) {
	idx, clk := newIndex(t)
	completedJob(idx, t, "bld-1", "main", "c1", "arm64", clk.Now().Add(-time.Hour))
	completedJob(idx, t, "bld-2", "main", "c2", "arm64", clk.Now())
	_, err := idx.Ingest("bld-1", "arm64", "Image", strings.NewReader("old"), nil)
	require.NoError(t, err)
	art2, err := idx.Ingest("bld-2", "arm64", "Image", strings.NewReader("new"), nil)
	require.NoError(t, err)

	require.NoError(t, idx.SetLatest("main", "arm64", "bld-1"))
	require.NoError(t, idx.SetLatest("main", "arm64", "bld-2"))

	latest, err := idx.Latest("main", "arm64")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, art2.ID, latest[0].ID)

	_, err = idx.Latest("main", "riscv64")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))

	byBranch, err := idx.Resolve(types.ArtifactSelection{Branch: "main", Architecture: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "bld-2", byBranch[0].BuildID)

	byCommit, err := idx.Resolve(types.ArtifactSelection{CommitHash: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "bld-1", byCommit[0].BuildID)

	_, err = idx.Resolve(types.ArtifactSelection{})
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	idx, clk := newIndex(t)
	completedJob(idx, t, "bld-1", "main", "c1", "arm64", clk.Now())
	art, err := idx.Ingest("bld-1", "arm64", "Image", strings.NewReader("payload"), nil)
	require.NoError(t, err)

	require.NoError(t, idx.Verify(art.ID))

	require.NoError(t, os.WriteFile(art.Path, []byte("tampered"), 0o644))
	err = idx.Verify(art.ID)
	require.Equal(t, types.ErrConflict, types.KindOf(err))

	require.NoError(t, os.Remove(art.Path))
	err = idx.Verify(art.ID)
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestRetentionHonorsPinsAndTags(t *testing.T) {
	idx, clk := newIndex(t)
	old := clk.Now().Add(-40 * 24 * time.Hour)

	completedJob(idx, t, "bld-expired", "main", "c1", "arm64", old)
	completedJob(idx, t, "bld-pinned", "main", "c2", "arm64", old)
	completedJob(idx, t, "bld-tagged", "main", "c3", "arm64", old)
	completedJob(idx, t, "bld-fresh", "main", "c4", "arm64", clk.Now())

	for _, id := range []string{"bld-expired", "bld-pinned", "bld-tagged", "bld-fresh"} {
		_, err := idx.Ingest(id, "arm64", "Image", strings.NewReader("bytes-for-"+id), nil)
		require.NoError(t, err)
	}
	require.NoError(t, idx.Pin("bld-pinned"))
	require.NoError(t, idx.Tag("bld-tagged", "v6.9-rc1"))
	require.NoError(t, idx.SetLatest("main", "arm64", "bld-expired"))

	freed, removed, err := idx.RunRetention()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Greater(t, freed, int64(0))

	_, err = idx.ByBuild("bld-expired")
	require.NoError(t, err)
	arts, _ := idx.ByBuild("bld-expired")
	assert.Empty(t, arts)

	// Pointer moved to the newest surviving successful build.
	latest, err := idx.Latest("main", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "bld-fresh", latest[0].BuildID)

	// Survivors keep their bytes.
	for _, id := range []string{"bld-pinned", "bld-tagged", "bld-fresh"} {
		arts, err := idx.ByBuild(id)
		require.NoError(t, err)
		require.Len(t, arts, 1)
		assert.NoError(t, idx.Verify(arts[0].ID))
	}

	// Unpinning puts the build back in scope for the next pass.
	require.NoError(t, idx.Unpin("bld-pinned"))
	require.NoError(t, idx.Untag("bld-tagged", "v6.9-rc1"))
	_, removed, err = idx.RunRetention()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestRetentionLoopStops(t *testing.T) {
	idx, _ := newIndex(t)
	idx.StartRetention()
	idx.StopRetention()
}
