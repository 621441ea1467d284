package buildqueue

import (
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"fleetd/internal/state"
	"fleetd/internal/types"
)

const jobsFile = "build_jobs.json"

type jobsSnapshot struct {
	Jobs         map[string]*types.BuildJob               `json:"jobs"`
	Requirements map[string]types.BuildServerRequirements `json:"requirements,omitempty"`
}

// Save writes the job table. Queue order is reconstructed on load from
// priority and creation time.
func (m *Manager) Save(dir string) error {
	m.mu.Lock()
	snap := jobsSnapshot{
		Jobs:         make(map[string]*types.BuildJob, len(m.jobs)),
		Requirements: make(map[string]types.BuildServerRequirements, len(m.reqs)),
	}
	for id, job := range m.jobs {
		snap.Jobs[id] = job.Clone()
	}
	for id, req := range m.reqs {
		snap.Requirements[id] = req
	}
	m.mu.Unlock()
	return state.SaveJSON(filepath.Join(dir, jobsFile), snap)
}

// Load replays the job table. Jobs caught mid-build by the restart fail with
// an explanation; queued jobs line back up. Runs once at boot before Start.
func (m *Manager) Load(dir string) error {
	var snap jobsSnapshot
	if err := state.LoadJSON(filepath.Join(dir, jobsFile), &snap); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	now := m.clk.Now().UTC()
	interrupted := 0
	var queued []*types.BuildJob

	m.mu.Lock()
	for id, job := range snap.Jobs {
		switch job.Status {
		case types.BuildBuilding:
			job.Status = types.BuildFailed
			job.ErrorMessage = "interrupted by daemon restart"
			job.CompletedAt = &now
			interrupted++
		case types.BuildQueued:
			queued = append(queued, job)
		}
		m.jobs[id] = job
		if req, ok := snap.Requirements[id]; ok {
			m.reqs[id] = req
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	for _, job := range queued {
		if err := m.q.push(job); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	m.logger.Info("build jobs replayed",
		zap.Int("jobs", len(snap.Jobs)),
		zap.Int("queued", len(queued)),
		zap.Int("interrupted", interrupted))
	return nil
}
