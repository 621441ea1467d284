package pipeline

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"fleetd/internal/state"
	"fleetd/internal/types"
)

const pipelinesFile = "pipelines.json"

// Save writes every pipeline under dir.
func (e *Engine) Save(dir string) error {
	e.mu.Lock()
	snap := make(map[string]*types.Pipeline, len(e.pipelines))
	for id, p := range e.pipelines {
		snap[id] = p.Clone()
	}
	e.mu.Unlock()
	return state.SaveJSON(filepath.Join(dir, pipelinesFile), snap)
}

// Load replays pipelines from dir. A pipeline that was mid-run when the
// daemon died cannot be resumed: its running stage is marked failed and the
// pipeline terminates, leaving RetryFromStage as the operator's path back.
// Call once at boot before creating new pipelines.
func (e *Engine) Load(dir string) error {
	stored := make(map[string]*types.Pipeline)
	if err := state.LoadJSON(filepath.Join(dir, pipelinesFile), &stored); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	now := e.clk.Now()
	interrupted := 0
	for _, p := range stored {
		if p.Status.Terminal() {
			continue
		}
		interrupted++
		for i := range p.Stages {
			s := &p.Stages[i]
			switch s.Status {
			case types.StageRunning:
				s.Status = types.StageFailed
				s.CompletedAt = &now
				s.ErrorMessage = "interrupted by daemon restart"
			case types.StagePending:
				s.Status = types.StageSkipped
			}
		}
		p.Status = types.PipelineFailed
		p.ErrorMessage = "interrupted by daemon restart"
		p.CurrentStage = -1
		p.CompletedAt = &now
	}

	e.mu.Lock()
	e.pipelines = stored
	e.mu.Unlock()

	e.logger.Info("pipeline state replayed",
		zap.Int("pipelines", len(stored)),
		zap.Int("interrupted", interrupted))
	return nil
}
