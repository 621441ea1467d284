package fleetd

import (
	"context"
	"strings"
	"time"

	"fleetd/internal/buildqueue"
	"fleetd/internal/pipeline"
	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// buildPollInterval paces the wait for a build job driven by a pipeline.
const buildPollInterval = 500 * time.Millisecond

// registerStageHandlers binds the pipeline stage types to the real
// subsystems: the build queue, the selector, the deployment orchestrator and
// a remote test run over the transport hub.
func (d *Daemon) registerStageHandlers() {
	d.pipes.RegisterHandler(types.StageBuild, pipeline.HandlerFunc(d.runBuildStage))
	d.pipes.RegisterHandler(types.StageDeploy, pipeline.HandlerFunc(d.runDeployStage))
	d.pipes.RegisterHandler(types.StageBoot, pipeline.HandlerFunc(d.runBootStage))
	d.pipes.RegisterHandler(types.StageTest, pipeline.HandlerFunc(d.runTestStage))
}

// runBuildStage submits a build job and waits it out. The job id becomes the
// stage output the deploy stage selects artifacts by.
func (d *Daemon) runBuildStage(ctx context.Context, sc *pipeline.StageContext) (string, error) {
	spec := sc.Pipeline.Spec
	job, err := d.builds.Submit(buildqueue.SubmitRequest{
		Repo:       spec.Repo,
		Branch:     spec.Branch,
		Commit:     spec.Commit,
		TargetArch: spec.Architecture,
		Priority:   spec.Priority,
		Config:     spec.Build,
	})
	if err != nil {
		return "", err
	}
	sc.Log("build job %s submitted", job.ID)

	for {
		select {
		case <-ctx.Done():
			d.builds.Cancel(job.ID)
			return "", types.Cancelledf("build stage cancelled")
		case <-d.clk.After(buildPollInterval):
		}
		cur, err := d.builds.Get(job.ID)
		if err != nil {
			return "", err
		}
		switch cur.Status {
		case types.BuildCompleted:
			sc.Log("build %s completed with %d artifacts", cur.ID, len(cur.ArtifactIDs))
			return cur.ID, nil
		case types.BuildFailed:
			return "", types.Remotef("build %s failed: %s", cur.ID, cur.ErrorMessage)
		case types.BuildCancelled:
			return "", types.Cancelledf("build %s was cancelled", cur.ID)
		}
	}
}

// runDeployStage selects a target for the pipeline's environment and pushes
// the built artifacts onto it. The deployment id is the stage output.
func (d *Daemon) runDeployStage(ctx context.Context, sc *pipeline.StageContext) (string, error) {
	buildID := sc.Outputs[types.StageBuild]
	if buildID == "" {
		return "", types.Validationf("deploy stage needs a build output")
	}
	spec := sc.Pipeline.Spec
	selection := types.ArtifactSelection{BuildID: buildID}

	var dep *types.Deployment
	switch spec.Environment {
	case types.EnvVirt:
		pick, err := d.sel.SelectVirtHost(types.VirtHostRequirements{
			GuestArch:     spec.Architecture,
			GuestCores:    spec.Guest.Cores,
			GuestMemoryMB: spec.Guest.MemoryMB,
			Labels:        spec.Labels,
		})
		if err != nil {
			return "", err
		}
		sc.Log("deploying to host %s", pick.AssetID)
		dep, err = d.deploy.DeployToVirt(pick.AssetID, selection, spec.Guest)
		if err != nil {
			d.sel.Release(pick.ReservationID)
			return "", err
		}
		d.sel.Confirm(pick.ReservationID)
	case types.EnvBoard:
		pick, err := d.sel.SelectBoard(types.BoardRequirements{
			Arch:      spec.Architecture,
			BoardType: spec.BoardType,
			Labels:    spec.Labels,
		})
		if err != nil {
			return "", err
		}
		sc.Log("deploying to board %s", pick.AssetID)
		dep, err = d.deploy.DeployToBoard(pick.AssetID, selection)
		if err != nil {
			d.sel.Release(pick.ReservationID)
			return "", err
		}
		d.sel.Confirm(pick.ReservationID)
	default:
		return "", types.Validationf("unknown environment %q", spec.Environment)
	}

	done, err := d.deploy.Wait(ctx, dep.ID)
	if err != nil {
		return "", err
	}
	if done.Status != types.DeployCompleted {
		return "", types.Remotef("deployment %s %s: %s", done.ID, done.Status, done.ErrorMessage)
	}
	return done.ID, nil
}

// runBootStage confirms the deployment's boot verification took. The heavy
// lifting happened inside the deployment flow; this stage gates the pipeline
// on its outcome and re-checks the record.
func (d *Daemon) runBootStage(ctx context.Context, sc *pipeline.StageContext) (string, error) {
	depID := sc.Outputs[types.StageDeploy]
	if depID == "" {
		return "", types.Validationf("boot stage needs a deployment output")
	}
	dep, err := d.deploy.Get(depID)
	if err != nil {
		return "", err
	}
	if !dep.BootVerified {
		return "", types.Remotef("deployment %s did not verify boot", depID)
	}
	sc.Log("boot verified on %s", dep.TargetID)
	return depID, nil
}

// runTestStage executes the configured test command on the deployment
// target. With no command configured the stage passes trivially: the
// pipeline then proves build+deploy+boot only.
func (d *Daemon) runTestStage(ctx context.Context, sc *pipeline.StageContext) (string, error) {
	spec := sc.Pipeline.Spec
	if spec.Test.Command == "" {
		sc.Log("no test command configured")
		return "", nil
	}
	depID := sc.Outputs[types.StageDeploy]
	dep, err := d.deploy.Get(depID)
	if err != nil {
		return "", err
	}
	asset, err := d.reg.Get(dep.TargetID)
	if err != nil {
		return "", err
	}

	meta := asset.Meta()
	if board, ok := asset.(*types.Board); ok {
		if _, err := d.reg.Update(board.ID, func(a types.Asset) error {
			a.(*types.Board).AssignedTestID = sc.Pipeline.ID
			return nil
		}); err != nil {
			return "", err
		}
		defer d.reg.Update(board.ID, func(a types.Asset) error {
			a.(*types.Board).AssignedTestID = ""
			return nil
		})
	}

	sess, err := d.hub.Session(ctx, meta)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	line := spec.Test.Command
	if len(spec.Test.Args) > 0 {
		line += " " + strings.Join(spec.Test.Args, " ")
	}
	timeout := time.Duration(spec.Test.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = d.cfg.ExecTimeout()
	}
	sc.Log("running %s on %s", line, dep.TargetID)
	res, err := sess.Exec(ctx, transport.Command{
		Line:    line,
		Env:     spec.Test.Env,
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}
	if res.Failed() {
		return "", types.Remotef("test %q exited %d: %s",
			spec.Test.Name, res.ExitCode, tailOf(res.Stdout+res.Stderr, 500))
	}
	sc.Log("test %s passed", spec.Test.Name)
	return "", nil
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
