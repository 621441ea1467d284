package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// run walks the stage chain from index from. Stages already completed (a
// retry resuming mid-chain) keep their outputs and are not re-run.
func (e *Engine) run(ctx context.Context, id string, from int) {
	e.mu.Lock()
	p, ok := e.pipelines[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	now := e.clk.Now()
	p.Status = types.PipelineRunning
	if p.StartedAt == nil {
		p.StartedAt = &now
	}
	total := len(p.Stages)
	outputs := make(map[types.StageType]string)
	for i := 0; i < from && i < total; i++ {
		if p.Stages[i].OutputID != "" {
			outputs[p.Stages[i].Type] = p.Stages[i].OutputID
		}
	}
	e.mu.Unlock()
	e.notify()

	for i := from; i < total; i++ {
		if err := e.runStage(ctx, id, i, outputs); err != nil {
			e.finish(id, i, err, ctx.Err() != nil)
			return
		}
	}
	e.finish(id, -1, nil, false)
}

// runStage executes one stage through its handler, retrying up to the
// stage's budget with the configured backoff between attempts.
func (e *Engine) runStage(ctx context.Context, id string, i int, outputs map[types.StageType]string) error {
	e.mu.Lock()
	p := e.pipelines[id]
	stage := &p.Stages[i]
	now := e.clk.Now()
	stage.Status = types.StageRunning
	stage.StartedAt = &now
	p.CurrentStage = i
	maxRetries := stage.MaxRetries
	stageType := stage.Type
	e.mu.Unlock()
	e.notify()

	handler := e.handlerFor(stageType)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return types.Cancelledf("stage %s cancelled", stageType)
		}

		sc := e.stageContext(id, i, outputs)
		out, err := handler.Run(ctx, sc)
		if err == nil {
			e.mu.Lock()
			done := e.clk.Now()
			stage.Status = types.StageCompleted
			stage.CompletedAt = &done
			if stage.StartedAt != nil {
				stage.DurationSeconds = done.Sub(*stage.StartedAt).Seconds()
			}
			stage.OutputID = out
			e.mu.Unlock()
			if out != "" {
				outputs[stageType] = out
			}
			e.notify()
			return nil
		}
		if ctx.Err() != nil {
			return types.Cancelledf("stage %s cancelled", stageType)
		}

		e.mu.Lock()
		stage.Logs = append(stage.Logs, fmt.Sprintf("attempt %d failed: %v", attempt+1, err))
		if attempt >= maxRetries {
			done := e.clk.Now()
			stage.Status = types.StageFailed
			stage.CompletedAt = &done
			if stage.StartedAt != nil {
				stage.DurationSeconds = done.Sub(*stage.StartedAt).Seconds()
			}
			stage.ErrorMessage = err.Error()
			e.mu.Unlock()
			e.notify()
			return err
		}
		stage.RetryCount = attempt + 1
		e.mu.Unlock()
		e.logger.Warn("stage attempt failed, retrying",
			zap.String("pipeline", id),
			zap.String("stage", string(stageType)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		e.notify()

		select {
		case <-ctx.Done():
			return types.Cancelledf("stage %s cancelled", stageType)
		case <-e.clk.After(e.cfg.PipelineRetryBackoff()):
		}
	}
}

func (e *Engine) handlerFor(t types.StageType) Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handlers[t]; ok {
		return h
	}
	return defaultHandler{}
}

// stageContext snapshots the pipeline for a handler invocation. The Log
// closure writes back into the live stage record.
func (e *Engine) stageContext(id string, i int, outputs map[types.StageType]string) *StageContext {
	e.mu.Lock()
	p := e.pipelines[id].Clone()
	e.mu.Unlock()

	outCopy := make(map[types.StageType]string, len(outputs))
	for k, v := range outputs {
		outCopy[k] = v
	}
	return &StageContext{
		Pipeline: p,
		Stage:    p.Stages[i],
		Outputs:  outCopy,
		Log: func(format string, args ...any) {
			e.mu.Lock()
			if live, ok := e.pipelines[id]; ok && i < len(live.Stages) {
				live.Stages[i].Logs = append(live.Stages[i].Logs, fmt.Sprintf(format, args...))
			}
			e.mu.Unlock()
		},
	}
}

// finish records the terminal state. failedAt is the index of the stage that
// ended the run, -1 when every stage completed. A cancelled run leaves its
// interrupted stage skipped rather than failed.
func (e *Engine) finish(id string, failedAt int, cause error, cancelled bool) {
	e.mu.Lock()
	p, ok := e.pipelines[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	now := e.clk.Now()
	switch {
	case cancelled:
		p.Status = types.PipelineCancelled
		p.ErrorMessage = "cancelled"
		if failedAt >= 0 && p.Stages[failedAt].Status == types.StageRunning {
			p.Stages[failedAt].Status = types.StageSkipped
			p.Stages[failedAt].CompletedAt = &now
		}
	case cause != nil:
		p.Status = types.PipelineFailed
		p.ErrorMessage = cause.Error()
	default:
		p.Status = types.PipelineCompleted
	}
	if failedAt >= 0 {
		for i := failedAt + 1; i < len(p.Stages); i++ {
			if p.Stages[i].Status == types.StagePending {
				p.Stages[i].Status = types.StageSkipped
			}
		}
	}
	p.CurrentStage = -1
	p.CompletedAt = &now
	status := p.Status
	ch := e.done[id]
	delete(e.done, id)
	delete(e.cancels, id)
	e.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	e.logger.Info("pipeline finished",
		zap.String("id", id), zap.String("status", string(status)))
	e.notify()
}
