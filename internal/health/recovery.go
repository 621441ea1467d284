package health

import (
	"context"

	"go.uber.org/zap"

	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// maybeRecover runs the automated board rescue: power-cycle through the
// controller, wait for the board to settle, probe again. Boards without an
// automatable power method, or without a controller host, go straight to
// offline; someone has to walk to the rack either way.
func (e *Engine) maybeRecover(ctx context.Context, board *types.Board, meta *types.AssetMeta) {
	// Re-read: the workload state may have moved since the probe snapshot.
	board, err := e.reg.Board(meta.ID)
	if err != nil {
		return
	}
	switch board.Status {
	case types.BoardInUse, types.BoardFlashing, types.BoardMaintenance, types.BoardRecovery:
		return
	}
	cfg := e.config()
	if e.failureCount(meta.ID) < cfg.Health.RecoveryFailureThreshold {
		return
	}
	if !board.Power.Method.Automatable() || board.FlashStation == "" {
		e.markOffline(meta.ID)
		return
	}

	if _, err := e.reg.Update(meta.ID, func(a types.Asset) error {
		a.(*types.Board).Status = types.BoardRecovery
		return nil
	}); err != nil {
		return
	}
	e.logger.Info("board entering recovery",
		zap.String("board", meta.ID),
		zap.Int("consecutive_failures", e.failureCount(meta.ID)))

	recovered := e.cycleAndReprobe(ctx, board, meta)
	if recovered {
		e.resetFailures(meta.ID)
		e.reg.Update(meta.ID, func(a types.Asset) error {
			b := a.(*types.Board)
			b.Status = types.BoardAvailable
			b.Meta().Health = types.LevelHealthy
			return nil
		})
		e.logger.Info("board recovered", zap.String("board", meta.ID))
		return
	}
	e.markOffline(meta.ID)
	e.logger.Warn("board recovery failed, marked offline", zap.String("board", meta.ID))
}

func (e *Engine) cycleAndReprobe(ctx context.Context, board *types.Board, meta *types.AssetMeta) bool {
	sess, err := e.hub.SessionTo(ctx, board.FlashStation, meta.CredentialsRef)
	if err != nil {
		e.logger.Warn("recovery controller unreachable",
			zap.String("board", meta.ID),
			zap.String("controller", board.FlashStation),
			zap.Error(err))
		return false
	}
	defer sess.Close()

	spec := transport.PowerSpec{Method: string(board.Power.Method), Locator: board.Power.Locator}
	if _, err := e.hub.Power().Cycle(ctx, sess, meta.ID, spec, 0); err != nil {
		e.logger.Warn("recovery power-cycle failed", zap.String("board", meta.ID), zap.Error(err))
		return false
	}

	select {
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-e.clk.After(e.config().RecoverySettle()):
	}

	probeSess, err := e.hub.Session(ctx, meta)
	if err != nil {
		return false
	}
	defer probeSess.Close()
	_, _, err = runBoardProbe(ctx, probeSess)
	return err == nil
}

func (e *Engine) markOffline(id string) {
	e.reg.Update(id, func(a types.Asset) error {
		if b, ok := a.(*types.Board); ok && b.Status != types.BoardMaintenance {
			b.Status = types.BoardOffline
		}
		return nil
	})
}
