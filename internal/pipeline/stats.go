package pipeline

import (
	"time"

	"fleetd/internal/types"
)

// Stats aggregates pipeline outcomes, optionally narrowed to one repo or
// branch (empty string matches everything).
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// SuccessRate is completed over total, 0..1. Pipelines still running
	// count against it until they finish.
	SuccessRate float64 `json:"success_rate"`

	// AverageDurationSeconds covers completed pipelines only.
	AverageDurationSeconds float64 `json:"average_duration_seconds"`
}

// Stats computes outcome counts and timings for pipelines matching the
// filters.
func (e *Engine) Stats(repo, branch string) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var st Stats
	var totalDur time.Duration
	for _, p := range e.pipelines {
		if repo != "" && p.Repo != repo {
			continue
		}
		if branch != "" && p.Branch != branch {
			continue
		}
		st.Total++
		switch p.Status {
		case types.PipelineCompleted:
			st.Completed++
			if p.StartedAt != nil && p.CompletedAt != nil {
				totalDur += p.CompletedAt.Sub(*p.StartedAt)
			}
		case types.PipelineFailed:
			st.Failed++
		case types.PipelineCancelled:
			st.Cancelled++
		default:
			st.Running++
		}
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Total)
	}
	if st.Completed > 0 {
		st.AverageDurationSeconds = (totalDur / time.Duration(st.Completed)).Seconds()
	}
	return st
}
