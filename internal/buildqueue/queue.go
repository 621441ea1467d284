package buildqueue

import (
	"fleetd/internal/types"
)

// queue is the pending-job line: highest priority first, FIFO within a
// priority band. Insertion keeps the slice ordered, so the scheduler's
// head-first scan is just a walk.
type queue struct {
	max  int
	jobs []*types.BuildJob
}

func newQueue(max int) *queue {
	if max <= 0 {
		max = 1000
	}
	return &queue{max: max}
}

// push inserts behind every job of equal or higher priority.
func (q *queue) push(job *types.BuildJob) error {
	if len(q.jobs) >= q.max {
		return types.Conflictf("build queue is full (%d jobs)", q.max)
	}
	at := len(q.jobs)
	for i, queued := range q.jobs {
		if queued.Priority.Rank() < job.Priority.Rank() {
			at = i
			break
		}
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[at+1:], q.jobs[at:])
	q.jobs[at] = job
	return nil
}

// remove drops the job, reporting whether it was queued.
func (q *queue) remove(id string) bool {
	for i, job := range q.jobs {
		if job.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// items exposes the live order for the scheduler scan.
func (q *queue) items() []*types.BuildJob { return q.jobs }

func (q *queue) depth() int { return len(q.jobs) }

// position returns the 1-based place in line, 0 when not queued.
func (q *queue) position(id string) int {
	for i, job := range q.jobs {
		if job.ID == id {
			return i + 1
		}
	}
	return 0
}
