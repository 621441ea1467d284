package buildqueue

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// crossPrefix maps target architectures to the conventional cross-compiler
// prefix, used when the assigned toolchain does not record an explicit path.
var crossPrefix = map[string]string{
	"arm64":   "aarch64-linux-gnu-",
	"aarch64": "aarch64-linux-gnu-",
	"armv7":   "arm-linux-gnueabihf-",
	"armhf":   "arm-linux-gnueabihf-",
	"arm":     "arm-linux-gnueabihf-",
	"riscv64": "riscv64-linux-gnu-",
	"riscv":   "riscv64-linux-gnu-",
}

// kernelArch maps target architectures to the kernel's ARCH= spelling.
var kernelArch = map[string]string{
	"x86_64":  "x86_64",
	"amd64":   "x86_64",
	"arm64":   "arm64",
	"aarch64": "arm64",
	"armv7":   "arm",
	"armhf":   "arm",
	"arm":     "arm",
	"riscv64": "riscv",
	"riscv":   "riscv",
}

// runBuild executes one job on its assigned server: clone, build, collect.
// The caller owns job state; this only returns the ingested artifact ids and
// the first error. Cancellation arrives through ctx and tears down the
// remote command mid-flight.
func (m *Manager) runBuild(ctx context.Context, job *types.BuildJob, server *types.BuildServer) ([]string, error) {
	sess, err := m.hub.Session(ctx, &server.AssetMeta)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	workspace := path.Join(m.cfg.Build.WorkspaceRoot, job.ID)
	src := path.Join(workspace, "src")
	defer m.cleanupWorkspace(job, sess, workspace)

	env := m.buildEnv(job, server)
	run := func(dir, line string) error {
		return m.runStep(ctx, sess, job.ID, dir, line, env)
	}

	if err := run("", "mkdir -p "+shellQuote(workspace)); err != nil {
		return nil, err
	}
	if err := run("", m.cloneCommand(job, src)); err != nil {
		return nil, err
	}
	if job.Commit != "" {
		if err := run(src, "git checkout --detach "+shellQuote(job.Commit)); err != nil {
			return nil, err
		}
	}

	if custom := job.Config.Custom; custom != nil {
		for _, line := range custom.PreBuild {
			if err := run(src, line); err != nil {
				return nil, err
			}
		}
		for _, line := range custom.Build {
			if err := run(src, line); err != nil {
				return nil, err
			}
		}
		for _, line := range custom.PostBuild {
			if err := run(src, line); err != nil {
				return nil, err
			}
		}
	} else {
		jobs := server.TotalCores - 1
		if jobs < 1 {
			jobs = 1
		}
		configName := job.Config.ConfigName
		if configName == "" {
			configName = "defconfig"
		}
		extra := ""
		if len(job.Config.ExtraArgs) > 0 {
			extra = " " + strings.Join(job.Config.ExtraArgs, " ")
		}
		if err := run(src, "make "+configName); err != nil {
			return nil, err
		}
		if err := run(src, fmt.Sprintf("make -j%d%s", jobs, extra)); err != nil {
			return nil, err
		}
		if job.Config.BuildModules {
			if err := run(src, fmt.Sprintf("make -j%d modules", jobs)); err != nil {
				return nil, err
			}
		}
		if job.Config.BuildDeviceTrees {
			if err := run(src, "make dtbs"); err != nil {
				return nil, err
			}
		}
	}

	ids, err := m.collectArtifacts(ctx, sess, job, src)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, types.Remotef("build produced no artifacts matching the collection patterns")
	}
	m.logs.Append(job.ID, fmt.Sprintf("collected %d artifacts", len(ids)))
	return ids, nil
}

func (m *Manager) buildEnv(job *types.BuildJob, server *types.BuildServer) map[string]string {
	env := make(map[string]string)
	if arch, ok := kernelArch[job.TargetArch]; ok {
		env["ARCH"] = arch
	}
	if tc, ok := server.ToolchainFor(job.TargetArch); ok && tc.Path != "" {
		env["CROSS_COMPILE"] = tc.Path
	} else if prefix := crossPrefix[job.TargetArch]; prefix != "" {
		// Toolchain entry carries no explicit path: fall back to the
		// conventional cross prefix for the target.
		env["CROSS_COMPILE"] = prefix
	}
	for k, v := range job.Config.Env {
		env[k] = v
	}
	return env
}

func (m *Manager) cloneCommand(job *types.BuildJob, src string) string {
	var sb strings.Builder
	sb.WriteString("git clone")
	if job.Config.CloneDepth > 0 {
		fmt.Fprintf(&sb, " --depth %d", job.Config.CloneDepth)
	}
	if job.Config.Submodules {
		sb.WriteString(" --recurse-submodules")
	}
	fmt.Fprintf(&sb, " --branch %s %s %s",
		shellQuote(job.Branch), shellQuote(job.Repo), shellQuote(src))
	return sb.String()
}

// runStep runs one remote command, streaming its output into the log hub.
// A non-zero exit becomes a remote error carrying the tail of the output.
func (m *Manager) runStep(ctx context.Context, sess transport.Session, jobID, dir, line string, env map[string]string) error {
	full := line
	if dir != "" {
		full = "cd " + shellQuote(dir) + " && " + line
	}
	m.logs.Append(jobID, "$ "+line)

	res, err := sess.Exec(ctx, transport.Command{
		Line:    full,
		Env:     env,
		Timeout: m.cfg.ExecTimeout(),
	})
	if res != nil {
		if res.Stdout != "" {
			m.logs.Append(jobID, res.Stdout)
		}
		if res.Stderr != "" {
			m.logs.Append(jobID, res.Stderr)
		}
	}
	if err != nil {
		return err
	}
	if res.Failed() {
		return types.Remotef("%s failed (exit %d): %s", firstWord(line), res.ExitCode, tail(res.Output(), 500))
	}
	return nil
}

// collectArtifacts expands the collection globs remotely and streams each
// match straight into the index; nothing is buffered locally.
func (m *Manager) collectArtifacts(ctx context.Context, sess transport.Session, job *types.BuildJob, src string) ([]string, error) {
	patterns := job.Config.ArtifactPatterns
	if len(patterns) == 0 {
		patterns = m.cfg.Build.ArtifactPatterns
	}

	seen := make(map[string]bool)
	var ids []string
	for _, pattern := range patterns {
		res, err := sess.Exec(ctx, transport.Command{
			Line:    "ls -1 " + path.Join(src, pattern) + " 2>/dev/null || true",
			Timeout: m.cfg.ExecTimeout(),
		})
		if err != nil {
			return nil, err
		}
		for _, remote := range strings.Fields(res.Stdout) {
			name := path.Base(remote)
			if seen[name] {
				continue
			}
			seen[name] = true

			art, err := m.ingestRemote(ctx, sess, job, remote, name)
			if err != nil {
				return nil, err
			}
			ids = append(ids, art.ID)
			m.logs.Append(job.ID, fmt.Sprintf("artifact %s (%d bytes, sha256 %s)",
				name, art.SizeBytes, art.SHA256[:12]))
		}
	}
	return ids, nil
}

func (m *Manager) ingestRemote(ctx context.Context, sess transport.Session, job *types.BuildJob, remote, name string) (*types.Artifact, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := sess.Download(ctx, remote, pw)
		pw.CloseWithError(err)
	}()
	art, err := m.idx.Ingest(job.ID, job.TargetArch, name, pr, nil)
	pr.Close()
	if err != nil {
		return nil, err
	}
	return art, nil
}

// cleanupWorkspace removes the remote tree unless the job keeps it. Runs on
// a fresh context so a cancelled build still gets cleaned up.
func (m *Manager) cleanupWorkspace(job *types.BuildJob, sess transport.Session, workspace string) {
	if job.Config.KeepWorkspace || m.cfg.Build.WorkspaceKeep {
		m.logs.Append(job.ID, "workspace kept: "+workspace)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := sess.Exec(ctx, transport.Command{Line: "rm -rf " + shellQuote(workspace)}); err != nil {
		m.logger.Warn("workspace cleanup failed",
			zap.String("job", job.ID),
			zap.String("workspace", workspace),
			zap.Error(err))
	}
}

// shellQuote single-quotes an argument for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstWord(line string) string {
	if i := strings.IndexByte(line, ' '); i > 0 {
		return line[:i]
	}
	return line
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
