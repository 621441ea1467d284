// Package artifacts is the content-addressed build output index: sqlite rows
// for metadata, a plain file tree <root>/<build-id>/<filename> for bytes.
// Every stored file carries its sha-256; (build id, filename) is unique.
package artifacts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS builds (
	id            TEXT PRIMARY KEY,
	repo          TEXT NOT NULL,
	branch        TEXT NOT NULL,
	commit_hash   TEXT NOT NULL DEFAULT '',
	target_arch   TEXT NOT NULL,
	status        TEXT NOT NULL,
	completed_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS artifacts (
	id            TEXT PRIMARY KEY,
	build_id      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	filename      TEXT NOT NULL,
	path          TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	sha256        TEXT NOT NULL,
	architecture  TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	UNIQUE (build_id, filename)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_build ON artifacts(build_id);

CREATE TABLE IF NOT EXISTS latest (
	branch        TEXT NOT NULL,
	architecture  TEXT NOT NULL,
	build_id      TEXT NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (branch, architecture)
);

CREATE TABLE IF NOT EXISTS pins (
	build_id   TEXT PRIMARY KEY,
	pinned_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tags (
	build_id   TEXT NOT NULL,
	tag        TEXT NOT NULL,
	tagged_at  INTEGER NOT NULL,
	PRIMARY KEY (build_id, tag)
);
`

// Index stores artifact metadata in sqlite and bytes under the artifact root.
type Index struct {
	db     *sql.DB
	root   string
	cfg    *config.Config
	clk    clock.Clock
	logger *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New initializes the schema on the shared state database. The caller owns
// the *sql.DB.
func New(cfg *config.Config, db *sql.DB, clk clock.Clock, logger *zap.Logger) (*Index, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("artifact schema: %w", err)
	}
	return &Index{
		db:     db,
		root:   cfg.Build.ArtifactRoot,
		cfg:    cfg,
		clk:    clk,
		logger: logger.Named("artifacts"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// RecordBuild upserts the build row the artifacts hang off. Called when a
// job is accepted and again on completion.
func (x *Index) RecordBuild(job *types.BuildJob) error {
	completed := int64(0)
	if job.CompletedAt != nil {
		completed = job.CompletedAt.Unix()
	}
	_, err := x.db.Exec(`
		INSERT INTO builds (id, repo, branch, commit_hash, target_arch, status, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, commit_hash = excluded.commit_hash,
			completed_at = excluded.completed_at`,
		job.ID, job.Repo, job.Branch, job.Commit, job.TargetArch, string(job.Status), completed)
	if err != nil {
		return fmt.Errorf("record build %s: %w", job.ID, err)
	}
	return nil
}

// SetLatest repoints the branch/arch latest pointer. Callers only do this on
// successful build completion.
func (x *Index) SetLatest(branch, arch, buildID string) error {
	_, err := x.db.Exec(`
		INSERT INTO latest (branch, architecture, build_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (branch, architecture) DO UPDATE SET
			build_id = excluded.build_id, updated_at = excluded.updated_at`,
		branch, arch, buildID, x.clk.Now().Unix())
	if err != nil {
		return fmt.Errorf("set latest %s/%s: %w", branch, arch, err)
	}
	return nil
}

const artifactColumns = `id, build_id, kind, filename, path, size_bytes, sha256, architecture, created_at, metadata`

// ByID returns one artifact.
func (x *Index) ByID(id string) (*types.Artifact, error) {
	row := x.db.QueryRow(`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("artifact %s", id)
	}
	return a, err
}

// ByBuild returns every artifact of a build, ordered by filename.
func (x *Index) ByBuild(buildID string) ([]*types.Artifact, error) {
	rows, err := x.db.Query(`SELECT `+artifactColumns+` FROM artifacts WHERE build_id = ? ORDER BY filename`, buildID)
	if err != nil {
		return nil, err
	}
	return scanArtifacts(rows)
}

// ByCommit returns the artifacts of the build for a commit, optionally
// narrowed to one architecture.
func (x *Index) ByCommit(commit, arch string) ([]*types.Artifact, error) {
	query := `SELECT a.` + joinColumns("a") + ` FROM artifacts a
		JOIN builds b ON b.id = a.build_id
		WHERE b.commit_hash = ?`
	args := []any{commit}
	if arch != "" {
		query += ` AND b.target_arch = ?`
		args = append(args, arch)
	}
	query += ` ORDER BY a.build_id, a.filename`
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanArtifacts(rows)
}

// Latest returns the artifacts behind the branch/arch latest pointer.
func (x *Index) Latest(branch, arch string) ([]*types.Artifact, error) {
	var buildID string
	err := x.db.QueryRow(`SELECT build_id FROM latest WHERE branch = ? AND architecture = ?`,
		branch, arch).Scan(&buildID)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("no successful build on %s for %s", branch, arch)
	}
	if err != nil {
		return nil, err
	}
	return x.ByBuild(buildID)
}

// Resolve turns a deployment selection into concrete artifacts.
func (x *Index) Resolve(sel types.ArtifactSelection) ([]*types.Artifact, error) {
	switch {
	case len(sel.ArtifactIDs) > 0:
		out := make([]*types.Artifact, 0, len(sel.ArtifactIDs))
		for _, id := range sel.ArtifactIDs {
			a, err := x.ByID(id)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	case sel.BuildID != "":
		return x.requireSome(x.ByBuild(sel.BuildID))
	case sel.CommitHash != "":
		return x.requireSome(x.ByCommit(sel.CommitHash, sel.Architecture))
	case sel.Branch != "":
		return x.requireSome(x.Latest(sel.Branch, sel.Architecture))
	}
	return nil, types.Validationf("artifact selection is empty")
}

func (x *Index) requireSome(arts []*types.Artifact, err error) ([]*types.Artifact, error) {
	if err != nil {
		return nil, err
	}
	if len(arts) == 0 {
		return nil, types.NotFoundf("selection matched no artifacts")
	}
	return arts, nil
}

func joinColumns(alias string) string {
	return "id, " + alias + ".build_id, " + alias + ".kind, " + alias + ".filename, " +
		alias + ".path, " + alias + ".size_bytes, " + alias + ".sha256, " +
		alias + ".architecture, " + alias + ".created_at, " + alias + ".metadata"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*types.Artifact, error) {
	var a types.Artifact
	var createdAt int64
	var metadata string
	err := row.Scan(&a.ID, &a.BuildID, &a.Kind, &a.Filename, &a.Path,
		&a.SizeBytes, &a.SHA256, &a.Architecture, &createdAt, &metadata)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("artifact %s metadata: %w", a.ID, err)
		}
	}
	return &a, nil
}

func scanArtifacts(rows *sql.Rows) ([]*types.Artifact, error) {
	defer rows.Close()
	var out []*types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
