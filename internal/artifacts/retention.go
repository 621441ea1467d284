package artifacts

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// Pin exempts a build from retention until unpinned.
func (x *Index) Pin(buildID string) error {
	if _, err := x.build(buildID); err != nil {
		return err
	}
	_, err := x.db.Exec(`INSERT INTO pins (build_id, pinned_at) VALUES (?, ?)
		ON CONFLICT (build_id) DO NOTHING`, buildID, x.clk.Now().Unix())
	return err
}

// Unpin removes the retention exemption. Idempotent.
func (x *Index) Unpin(buildID string) error {
	_, err := x.db.Exec(`DELETE FROM pins WHERE build_id = ?`, buildID)
	return err
}

// Pinned reports whether the build is pinned.
func (x *Index) Pinned(buildID string) (bool, error) {
	var one int
	err := x.db.QueryRow(`SELECT 1 FROM pins WHERE build_id = ?`, buildID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Tag labels a build (release names, bisect markers). Tagged builds survive
// retention like pinned ones.
func (x *Index) Tag(buildID, tag string) error {
	if tag == "" {
		return types.Validationf("tag must not be empty")
	}
	if _, err := x.build(buildID); err != nil {
		return err
	}
	_, err := x.db.Exec(`INSERT INTO tags (build_id, tag, tagged_at) VALUES (?, ?, ?)
		ON CONFLICT (build_id, tag) DO NOTHING`, buildID, tag, x.clk.Now().Unix())
	return err
}

// Untag removes one label. Idempotent.
func (x *Index) Untag(buildID, tag string) error {
	_, err := x.db.Exec(`DELETE FROM tags WHERE build_id = ? AND tag = ?`, buildID, tag)
	return err
}

// Tags lists a build's labels.
func (x *Index) Tags(buildID string) ([]string, error) {
	rows, err := x.db.Query(`SELECT tag FROM tags WHERE build_id = ? ORDER BY tag`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StartRetention launches the periodic cleanup loop.
func (x *Index) StartRetention() {
	go func() {
		defer close(x.doneCh)
		for {
			select {
			case <-x.stopCh:
				return
			case <-x.clk.After(x.cfg.RetentionInterval()):
				freed, removed, err := x.RunRetention()
				if err != nil {
					x.logger.Error("retention pass failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					x.logger.Info("retention pass",
						zap.Int("builds_removed", removed),
						zap.Int64("bytes_freed", freed))
				}
			}
		}
	}()
}

// StopRetention halts the loop.
func (x *Index) StopRetention() {
	close(x.stopCh)
	<-x.doneCh
}

// RunRetention deletes builds older than the retention window that are
// neither pinned nor tagged, files and rows both, and reports the bytes
// freed. Latest pointers at a removed build move to the newest surviving
// successful build, or disappear.
func (x *Index) RunRetention() (freedBytes int64, removed int, err error) {
	cutoff := x.clk.Now().Add(-x.cfg.RetentionWindow()).Unix()

	rows, err := x.db.Query(`
		SELECT id FROM builds
		WHERE completed_at > 0 AND completed_at < ?
		  AND id NOT IN (SELECT build_id FROM pins)
		  AND id NOT IN (SELECT build_id FROM tags)`, cutoff)
	if err != nil {
		return 0, 0, err
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	for _, buildID := range expired {
		freed, derr := x.deleteBuild(buildID)
		if derr != nil {
			return freedBytes, removed, derr
		}
		freedBytes += freed
		removed++
	}
	return freedBytes, removed, nil
}

func (x *Index) deleteBuild(buildID string) (int64, error) {
	var freed int64
	if err := x.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM artifacts WHERE build_id = ?`,
		buildID).Scan(&freed); err != nil {
		return 0, err
	}

	if err := os.RemoveAll(filepath.Join(x.root, buildID)); err != nil {
		return 0, fmt.Errorf("remove artifact tree for %s: %w", buildID, err)
	}
	if _, err := x.db.Exec(`DELETE FROM artifacts WHERE build_id = ?`, buildID); err != nil {
		return 0, err
	}
	if err := x.repointLatest(buildID); err != nil {
		return 0, err
	}
	if _, err := x.db.Exec(`DELETE FROM builds WHERE id = ?`, buildID); err != nil {
		return 0, err
	}
	x.logger.Debug("build expired", zap.String("build", buildID), zap.Int64("bytes", freed))
	return freed, nil
}

// repointLatest moves any latest pointer off the build being deleted to the
// newest surviving successful build of the same branch/arch.
func (x *Index) repointLatest(buildID string) error {
	rows, err := x.db.Query(`SELECT branch, architecture FROM latest WHERE build_id = ?`, buildID)
	if err != nil {
		return err
	}
	type key struct{ branch, arch string }
	var stale []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.branch, &k.arch); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range stale {
		var replacement string
		err := x.db.QueryRow(`
			SELECT id FROM builds
			WHERE branch = ? AND target_arch = ? AND status = ? AND id != ?
			ORDER BY completed_at DESC LIMIT 1`,
			k.branch, k.arch, string(types.BuildCompleted), buildID).Scan(&replacement)
		switch {
		case err == sql.ErrNoRows:
			if _, err := x.db.Exec(`DELETE FROM latest WHERE branch = ? AND architecture = ?`,
				k.branch, k.arch); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := x.SetLatest(k.branch, k.arch, replacement); err != nil {
				return err
			}
		}
	}
	return nil
}
