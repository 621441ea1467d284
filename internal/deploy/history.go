package deploy

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"fleetd/internal/types"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS deployments (
	id           TEXT PRIMARY KEY,
	target_kind  TEXT NOT NULL,
	target_id    TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	record       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployments_target ON deployments(target_id, created_at DESC);
`

// saveRow upserts the full deployment record. The record column carries the
// whole struct as JSON; the indexed columns exist for the queries.
func (o *Orchestrator) saveRow(d *types.Deployment) error {
	record, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = o.db.Exec(`
		INSERT INTO deployments (id, target_kind, target_id, status, created_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, record = excluded.record`,
		d.ID, string(d.TargetKind), d.TargetID, string(d.Status), d.CreatedAt.Unix(), string(record))
	if err != nil {
		return fmt.Errorf("deployment row %s: %w", d.ID, err)
	}
	return o.trimHistory(d.TargetID)
}

// trimHistory keeps the newest historyLimit rows per target. Deployment
// history survives artifact retention; only this cap bounds it.
func (o *Orchestrator) trimHistory(targetID string) error {
	limit := o.cfg.Deployment.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	_, err := o.db.Exec(`
		DELETE FROM deployments WHERE target_id = ? AND id NOT IN (
			SELECT id FROM deployments WHERE target_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?)`,
		targetID, targetID, limit)
	return err
}

func scanDeployment(row interface{ Scan(...any) error }) (*types.Deployment, error) {
	var record string
	if err := row.Scan(&record); err != nil {
		return nil, err
	}
	var d types.Deployment
	if err := json.Unmarshal([]byte(record), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// loadRow reads one deployment from history.
func (o *Orchestrator) loadRow(id string) (*types.Deployment, error) {
	d, err := scanDeployment(o.db.QueryRow(`SELECT record FROM deployments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("deployment %s", id)
	}
	return d, err
}

// History lists a target's deployments, newest first.
func (o *Orchestrator) History(targetID string, limit int) ([]*types.Deployment, error) {
	if limit <= 0 || limit > o.cfg.Deployment.HistoryLimit {
		limit = o.cfg.Deployment.HistoryLimit
	}
	rows, err := o.db.Query(`
		SELECT record FROM deployments WHERE target_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// lastCompleted returns the most recent completed deployment on the target,
// excluding the given id.
func (o *Orchestrator) lastCompleted(targetID, excludeID string) (*types.Deployment, error) {
	rows, err := o.db.Query(`
		SELECT record FROM deployments
		WHERE target_id = ? AND status = ? AND id != ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		targetID, string(types.DeployCompleted), excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, types.NotFoundf("no completed deployment on %s to roll back to", targetID)
	}
	return scanDeployment(rows)
}
