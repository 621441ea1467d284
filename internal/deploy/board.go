package deploy

import (
	"context"
	"path"

	"go.uber.org/zap"

	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// runBoard is the physical deployment flow. Boards with a flash station get
// staged-and-flashed through it; boards without one take the direct path:
// artifacts staged over the board's own shell, then a reboot into them.
func (o *Orchestrator) runBoard(ctx context.Context, depID string, board *types.Board, arts []*types.Artifact) error {
	if _, err := o.reg.Update(board.ID, func(a types.Asset) error {
		a.(*types.Board).Status = types.BoardFlashing
		return nil
	}); err != nil {
		return err
	}

	var err error
	if board.FlashStation != "" {
		err = o.flashViaStation(ctx, depID, board, arts)
	} else {
		err = o.flashDirect(ctx, depID, board, arts)
	}
	o.restoreBoard(depID, board.ID, err == nil)
	return err
}

// flashViaStation stages the images on the station and lets its tooling
// write and verify them.
func (o *Orchestrator) flashViaStation(ctx context.Context, depID string, board *types.Board, arts []*types.Artifact) error {
	o.transition(depID, types.DeployTransferring)
	sess, err := o.hub.SessionTo(ctx, board.FlashStation, board.CredentialsRef)
	if err != nil {
		return err
	}
	defer sess.Close()

	staging := path.Join(o.cfg.Deployment.StagingDir, depID)
	remote, err := o.transfer(ctx, sess, arts, staging)
	if err != nil {
		return err
	}

	o.transition(depID, types.DeployFlashing)
	images := make([]string, 0, len(arts))
	for _, art := range arts {
		if art.Kind != types.ArtifactBuildLog {
			images = append(images, remote[art.ID])
		}
	}
	res, err := o.hub.Flash().Flash(ctx, sess, transport.FlashRequest{
		BoardID:    board.ID,
		BoardType:  board.BoardType,
		ImagePaths: images,
		Verify:     true,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return types.Remotef("flash station reported failure on %s", board.ID)
	}

	o.transition(depID, types.DeployBooting)
	if board.Power.Method.Automatable() {
		spec := transport.PowerSpec{Method: string(board.Power.Method), Locator: board.Power.Locator}
		if _, err := o.hub.Power().Cycle(ctx, sess, board.ID, spec, 0); err != nil {
			return err
		}
	}

	o.transition(depID, types.DeployVerifying)
	return o.verifyBoard(ctx, board)
}

// flashDirect stages artifacts over the board's own shell and reboots into
// them. Used for boards that boot from network or mutable media and have no
// dedicated station.
func (o *Orchestrator) flashDirect(ctx context.Context, depID string, board *types.Board, arts []*types.Artifact) error {
	o.transition(depID, types.DeployTransferring)
	sess, err := o.hub.Session(ctx, &board.AssetMeta)
	if err != nil {
		return err
	}
	defer sess.Close()

	staging := path.Join(o.cfg.Deployment.StagingDir, depID)
	if _, err := o.transfer(ctx, sess, arts, staging); err != nil {
		return err
	}

	o.transition(depID, types.DeployBooting)
	// The connection drops mid-reboot; that is the expected outcome.
	if _, err := sess.Exec(ctx, transport.Command{Line: "reboot"}); err != nil {
		o.logger.Debug("reboot severed the session", zap.String("board", board.ID))
	}

	o.transition(depID, types.DeployVerifying)
	return o.verifyBoard(ctx, board)
}

// verifyBoard probes the rebooted board until it answers or the boot timeout
// lapses. Boards with a console line are watched over serial; the rest get a
// shell probe.
func (o *Orchestrator) verifyBoard(ctx context.Context, board *types.Board) error {
	if board.SerialDevice != "" && board.FlashStation != "" {
		return o.verifyOverSerial(ctx, board)
	}

	deadline := o.clk.Now().Add(o.cfg.BootTimeout())
	for {
		if o.probeShell(ctx, board) {
			return nil
		}
		if !o.clk.Now().Before(deadline) {
			return types.Remotef("board %s did not come back within %s", board.ID, o.cfg.BootTimeout())
		}
		select {
		case <-ctx.Done():
			return types.Cancelledf("board verification cancelled")
		case <-o.clk.After(o.cfg.VerifyPoll()):
		}
	}
}

func (o *Orchestrator) probeShell(ctx context.Context, board *types.Board) bool {
	sess, err := o.hub.Session(ctx, &board.AssetMeta)
	if err != nil {
		return false
	}
	defer sess.Close()
	res, err := sess.Exec(ctx, transport.Command{Line: "echo ok"})
	return err == nil && !res.Failed()
}

func (o *Orchestrator) verifyOverSerial(ctx context.Context, board *types.Board) error {
	sess, err := o.hub.SessionTo(ctx, board.FlashStation, board.CredentialsRef)
	if err != nil {
		return err
	}
	defer sess.Close()

	conn, err := o.hub.Serial().Open(ctx, sess, transport.SerialConfig{
		Device: board.SerialDevice,
		Baud:   board.SerialBaud,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	out, ok, err := conn.ReadUntil(ctx, "login:", o.cfg.BootTimeout())
	if err != nil {
		return err
	}
	if !ok {
		return types.Remotef("board %s console showed no login prompt within %s (last output %q)",
			board.ID, o.cfg.BootTimeout(), tailStr(out, 120))
	}
	return nil
}

// restoreBoard returns the board to service, recording the new firmware when
// the deployment succeeded.
func (o *Orchestrator) restoreBoard(depID, boardID string, succeeded bool) {
	o.mu.Lock()
	firmware := ""
	if d := o.deployments[depID]; d != nil {
		firmware = d.FirmwareVersion
	}
	o.mu.Unlock()

	if _, err := o.reg.Update(boardID, func(a types.Asset) error {
		b := a.(*types.Board)
		if b.Status == types.BoardFlashing {
			b.Status = types.BoardAvailable
		}
		if succeeded && firmware != "" {
			b.CurrentFirmware = firmware
		}
		return nil
	}); err != nil {
		o.logger.Warn("board not restored after deployment",
			zap.String("board", boardID), zap.Error(err))
	}
}

func tailStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
