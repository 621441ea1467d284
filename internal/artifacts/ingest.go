package artifacts

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// ingestChunkSize bounds how much of an artifact sits in memory at once.
const ingestChunkSize = 1 << 20

// Ingest streams an artifact into the file tree, hashing as it goes, and
// records the row. The filename must be unique within the build.
func (x *Index) Ingest(buildID, arch, filename string, r io.Reader, metadata map[string]string) (*types.Artifact, error) {
	if buildID == "" || filename == "" {
		return nil, types.Validationf("ingest needs a build id and a filename")
	}
	if strings.Contains(filename, "/") || strings.Contains(filename, "..") {
		return nil, types.Validationf("artifact filename %q must be a bare name", filename)
	}

	dir := filepath.Join(x.root, buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	path := filepath.Join(dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("artifact file: %w", err)
	}
	hash := sha256.New()
	size, err := io.CopyBuffer(io.MultiWriter(f, hash), r, make([]byte, ingestChunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("artifact write: %w", err)
	}

	art := &types.Artifact{
		ID:           types.NewID("art"),
		BuildID:      buildID,
		Kind:         types.KindForFilename(filename),
		Filename:     filename,
		Path:         path,
		SizeBytes:    size,
		SHA256:       hex.EncodeToString(hash.Sum(nil)),
		Architecture: arch,
		CreatedAt:    x.clk.Now().UTC(),
		Metadata:     metadata,
	}

	meta := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			os.Remove(path)
			return nil, err
		}
		meta = string(raw)
	}

	_, err = x.db.Exec(`
		INSERT INTO artifacts (id, build_id, kind, filename, path, size_bytes, sha256, architecture, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.BuildID, string(art.Kind), art.Filename, art.Path,
		art.SizeBytes, art.SHA256, art.Architecture, art.CreatedAt.Unix(), meta)
	if err != nil {
		os.Remove(path)
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, types.Conflictf("build %s already has an artifact named %s", buildID, filename)
		}
		return nil, fmt.Errorf("index artifact: %w", err)
	}

	x.logger.Info("artifact ingested",
		zap.String("artifact", art.ID),
		zap.String("build", buildID),
		zap.String("filename", filename),
		zap.Int64("bytes", size))
	return art, nil
}

// Open returns a reader over the stored bytes.
func (x *Index) Open(id string) (io.ReadCloser, *types.Artifact, error) {
	art, err := x.ByID(id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(art.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact %s bytes: %w", id, err)
	}
	return f, art, nil
}

// Verify re-hashes the stored file against the recorded sha-256.
func (x *Index) Verify(id string) error {
	art, err := x.ByID(id)
	if err != nil {
		return err
	}
	f, err := os.Open(art.Path)
	if err != nil {
		return types.Conflictf("artifact %s bytes missing: %v", id, err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.CopyBuffer(hash, f, make([]byte, ingestChunkSize)); err != nil {
		return fmt.Errorf("rehash %s: %w", id, err)
	}
	if got := hex.EncodeToString(hash.Sum(nil)); got != art.SHA256 {
		return types.Conflictf("artifact %s corrupted: sha256 %s, recorded %s", id, got, art.SHA256)
	}
	return nil
}

// buildRow is the builds-table view the retention job and lookups need.
type buildRow struct {
	ID          string
	Repo        string
	Branch      string
	Commit      string
	TargetArch  string
	Status      string
	CompletedAt int64
}

func (x *Index) build(id string) (*buildRow, error) {
	var b buildRow
	err := x.db.QueryRow(`SELECT id, repo, branch, commit_hash, target_arch, status, completed_at
		FROM builds WHERE id = ?`, id).
		Scan(&b.ID, &b.Repo, &b.Branch, &b.Commit, &b.TargetArch, &b.Status, &b.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("build %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
