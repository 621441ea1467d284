package deploy

import (
	"context"
	"os"
	"path"

	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// runVirt is the guest deployment flow: transfer artifacts onto the host,
// create and start the guest, verify it is running.
func (o *Orchestrator) runVirt(ctx context.Context, depID string, host *types.VirtHost,
	arts []*types.Artifact, guest types.GuestConfig) error {

	kernel := artifactOfKind(arts, types.ArtifactKernelImage)
	if kernel == nil {
		return types.Validationf("virt deployment needs a kernel image artifact")
	}

	o.transition(depID, types.DeployTransferring)
	sess, err := o.hub.Session(ctx, &host.AssetMeta)
	if err != nil {
		return err
	}
	defer sess.Close()

	remoteDir := path.Join(o.cfg.Deployment.DeployDir, depID)
	remote, err := o.transfer(ctx, sess, arts, remoteDir)
	if err != nil {
		return err
	}

	o.transition(depID, types.DeployBooting)
	name := guest.Name
	if name == "" {
		name = "guest-" + depID
	}
	o.setGuestName(depID, name)

	spec := transport.GuestSpec{
		Name:       name,
		Cores:      guest.Cores,
		MemoryMB:   guest.MemoryMB,
		KernelPath: remote[kernel.ID],
		KernelArgs: guest.KernelArgs,
		DiskGB:     guest.DiskGB,
		Network:    guest.Network,
	}
	if initrd := artifactOfKind(arts, types.ArtifactInitrd); initrd != nil {
		spec.InitrdPath = remote[initrd.ID]
	}
	if rootfs := artifactOfKind(arts, types.ArtifactRootfs); rootfs != nil {
		spec.RootfsPath = remote[rootfs.ID]
	}
	if _, err := o.hub.Virt().CreateGuest(ctx, sess, spec); err != nil {
		return err
	}
	if _, err := o.reg.Update(host.ID, func(a types.Asset) error {
		a.(*types.VirtHost).RunningGuests++
		return nil
	}); err != nil {
		o.logger.Warn("running guest count not updated")
	}

	o.transition(depID, types.DeployVerifying)
	return o.verifyGuest(ctx, sess, name)
}

// verifyGuest polls the hypervisor until the guest shows running or the boot
// timeout lapses.
func (o *Orchestrator) verifyGuest(ctx context.Context, sess transport.Session, name string) error {
	deadline := o.clk.Now().Add(o.cfg.BootTimeout())
	for {
		guests, err := o.hub.Virt().ListGuests(ctx, sess, false)
		if err == nil {
			for _, g := range guests {
				if g.Name == name && g.Running() {
					return nil
				}
			}
		}
		if !o.clk.Now().Before(deadline) {
			return types.Remotef("guest %s not running within %s", name, o.cfg.BootTimeout())
		}
		select {
		case <-ctx.Done():
			return types.Cancelledf("guest verification cancelled")
		case <-o.clk.After(o.cfg.VerifyPoll()):
		}
	}
}

// transfer uploads every artifact under remoteDir and checks each landed.
// Returns artifact id → remote path.
func (o *Orchestrator) transfer(ctx context.Context, sess transport.Session,
	arts []*types.Artifact, remoteDir string) (map[string]string, error) {

	if _, err := sess.Exec(ctx, transport.Command{Line: "mkdir -p '" + remoteDir + "'"}); err != nil {
		return nil, err
	}

	remote := make(map[string]string, len(arts))
	for _, art := range arts {
		f, err := os.Open(art.Path)
		if err != nil {
			return nil, types.Conflictf("artifact %s bytes missing: %v", art.ID, err)
		}
		dst := path.Join(remoteDir, art.Filename)
		tctx, cancel := context.WithTimeout(ctx, o.cfg.TransferTimeout())
		_, err = sess.Upload(tctx, f, dst)
		cancel()
		f.Close()
		if err != nil {
			return nil, err
		}

		check, err := sess.Exec(ctx, transport.Command{Line: "test -f '" + dst + "'"})
		if err != nil {
			return nil, err
		}
		if check.Failed() {
			return nil, types.Remotef("artifact %s did not land at %s", art.Filename, dst)
		}
		remote[art.ID] = dst
	}
	return remote, nil
}

func (o *Orchestrator) setGuestName(depID, name string) {
	o.mu.Lock()
	if d, ok := o.deployments[depID]; ok {
		d.GuestName = name
	}
	o.mu.Unlock()
}

func artifactOfKind(arts []*types.Artifact, kind types.ArtifactKind) *types.Artifact {
	for _, a := range arts {
		if a.Kind == kind {
			return a
		}
	}
	return nil
}

// DestroyGuest tears down a deployment's guest and releases the host slot.
func (o *Orchestrator) DestroyGuest(ctx context.Context, deploymentID string) error {
	d, err := o.Get(deploymentID)
	if err != nil {
		return err
	}
	if d.TargetKind != types.KindVirtHost || d.GuestName == "" {
		return types.Validationf("deployment %s has no guest", deploymentID)
	}
	host, err := o.reg.VirtHost(d.TargetID)
	if err != nil {
		return err
	}
	sess, err := o.hub.Session(ctx, &host.AssetMeta)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := o.hub.Virt().DestroyGuest(ctx, sess, d.GuestName, true); err != nil {
		return err
	}
	if _, err := o.reg.Update(host.ID, func(a types.Asset) error {
		h := a.(*types.VirtHost)
		if h.RunningGuests > 0 {
			h.RunningGuests--
		}
		return nil
	}); err != nil {
		return err
	}
	return nil
}
