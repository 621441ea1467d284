package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// VirshAdapter drives libvirt guests through virsh and virt-install on the
// host's shell. The output formats parsed here are the stable machine modes
// (`virsh list --name`, `virsh domstate`), not the human tables.
type VirshAdapter struct {
	logger *zap.Logger
}

var _ Virt = (*VirshAdapter)(nil)

// NewVirshAdapter returns the shell-backed hypervisor adapter.
func NewVirshAdapter(logger *zap.Logger) *VirshAdapter {
	return &VirshAdapter{logger: logger.Named("virsh")}
}

func (v *VirshAdapter) ListGuests(ctx context.Context, sess Session, includeStopped bool) ([]GuestInfo, error) {
	line := "virsh list --name"
	if includeStopped {
		line = "virsh list --all --name"
	}
	res, err := sess.Exec(ctx, Command{Line: line, Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, types.Remotef("virsh list failed: %s", strings.TrimSpace(res.Stderr))
	}

	var guests []GuestInfo
	for _, name := range strings.Split(res.Stdout, "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		state := "running"
		if includeStopped {
			st, err := v.domainState(ctx, sess, name)
			if err != nil {
				return nil, err
			}
			state = st
		}
		guests = append(guests, GuestInfo{Name: name, State: state})
	}
	return guests, nil
}

func (v *VirshAdapter) CreateGuest(ctx context.Context, sess Session, spec GuestSpec) (*GuestInfo, error) {
	if spec.Name == "" {
		return nil, types.Validationf("guest spec needs a name")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "virt-install --name %s", shellQuote(spec.Name))
	fmt.Fprintf(&b, " --memory %d --vcpus %d", spec.MemoryMB, spec.Cores)
	if spec.KernelPath != "" {
		boot := "kernel=" + spec.KernelPath
		if spec.InitrdPath != "" {
			boot += ",initrd=" + spec.InitrdPath
		}
		if spec.KernelArgs != "" {
			boot += fmt.Sprintf(",kernel_args=%q", spec.KernelArgs)
		}
		fmt.Fprintf(&b, " --boot %s", shellQuote(boot))
	}
	if spec.RootfsPath != "" {
		fmt.Fprintf(&b, " --disk path=%s", shellQuote(spec.RootfsPath))
	} else if spec.DiskGB > 0 {
		fmt.Fprintf(&b, " --disk size=%d", spec.DiskGB)
	} else {
		b.WriteString(" --disk none")
	}
	network := spec.Network
	if network == "" {
		network = "default"
	}
	fmt.Fprintf(&b, " --network %s", shellQuote(network))
	b.WriteString(" --import --noautoconsole --autoconsole none")

	res, err := sess.Exec(ctx, Command{Line: b.String(), Timeout: 5 * time.Minute})
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, types.Remotef("virt-install %s failed: %s", spec.Name, strings.TrimSpace(res.Stderr))
	}

	state, err := v.domainState(ctx, sess, spec.Name)
	if err != nil {
		return nil, err
	}
	v.logger.Info("guest created", zap.String("name", spec.Name), zap.String("state", state))
	return &GuestInfo{Name: spec.Name, State: state}, nil
}

func (v *VirshAdapter) DestroyGuest(ctx context.Context, sess Session, name string, undefine bool) error {
	res, err := sess.Exec(ctx, Command{Line: "virsh destroy " + shellQuote(name), Timeout: time.Minute})
	if err != nil {
		return err
	}
	// destroy fails when the guest is already off; that is fine when we
	// are about to undefine it anyway.
	if res.Failed() && !undefine {
		return types.Remotef("virsh destroy %s failed: %s", name, strings.TrimSpace(res.Stderr))
	}
	if !undefine {
		return nil
	}

	res, err = sess.Exec(ctx, Command{Line: "virsh undefine " + shellQuote(name) + " --nvram", Timeout: time.Minute})
	if err != nil {
		return err
	}
	if res.Failed() {
		return types.Remotef("virsh undefine %s failed: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Capabilities probes the host with uname, nproc, /proc and kernel module
// parameters. Missing readings degrade to zero values rather than erroring;
// the selector treats absent capabilities as "no".
func (v *VirshAdapter) Capabilities(ctx context.Context, sess Session) (*HostCaps, error) {
	const probe = `uname -m; nproc; awk '/MemTotal/ {print $2}' /proc/meminfo; ` +
		`egrep -c '(vmx|svm)' /proc/cpuinfo || true; ` +
		`cat /sys/module/kvm_intel/parameters/nested /sys/module/kvm_amd/parameters/nested 2>/dev/null || true`
	res, err := sess.Exec(ctx, Command{Line: probe, Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, types.Remotef("capability probe failed: %s", strings.TrimSpace(res.Stderr))
	}

	caps := &HostCaps{}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		switch i {
		case 0:
			caps.Arch = line
		case 1:
			caps.Cores, _ = strconv.Atoi(line)
		case 2:
			kb, _ := strconv.ParseInt(line, 10, 64)
			caps.MemoryMB = kb / 1024
		case 3:
			n, _ := strconv.Atoi(line)
			caps.HardwareAssist = n > 0
		default:
			if line == "Y" || line == "1" {
				caps.NestedVirt = true
			}
		}
	}
	return caps, nil
}

func (v *VirshAdapter) domainState(ctx context.Context, sess Session, name string) (string, error) {
	res, err := sess.Exec(ctx, Command{Line: "virsh domstate " + shellQuote(name), Timeout: 30 * time.Second})
	if err != nil {
		return "", err
	}
	if res.Failed() {
		return "", types.Remotef("virsh domstate %s failed: %s", name, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}
