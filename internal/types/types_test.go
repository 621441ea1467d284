package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestArchCompatible(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"x86_64", "amd64", true},
		{"amd64", "x86_64", true},
		{"arm64", "aarch64", true},
		{"armv7", "armhf", true},
		{"armhf", "arm", true},
		{"riscv64", "riscv", true},
		{"arm64", "arm64", true},
		{"arm64", "x86_64", false},
		{"armv7", "arm64", false},
		{"mips", "mips", true},
		{"mips", "mipsel", false},
	}

	for _, tt := range tests {
		if got := ArchCompatible(tt.a, tt.b); got != tt.want {
			t.Errorf("ArchCompatible(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestWorstLevel(t *testing.T) {
	tests := []struct {
		name   string
		levels []HealthLevel
		want   HealthLevel
	}{
		{"all healthy", []HealthLevel{LevelHealthy, LevelHealthy}, LevelHealthy},
		{"one degraded", []HealthLevel{LevelHealthy, LevelDegraded}, LevelDegraded},
		{"unhealthy beats degraded", []HealthLevel{LevelDegraded, LevelUnhealthy}, LevelUnhealthy},
		{"unreachable beats all", []HealthLevel{LevelUnhealthy, LevelUnreachable, LevelHealthy}, LevelUnreachable},
		{"empty", nil, LevelUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WorstLevel(tt.levels...); got != tt.want {
				t.Errorf("WorstLevel(%v) = %v, want %v", tt.levels, got, tt.want)
			}
		})
	}
}

func TestCheckStatusLevel(t *testing.T) {
	if got := CheckPass.Level(); got != LevelHealthy {
		t.Errorf("pass level = %v", got)
	}
	if got := CheckWarn.Level(); got != LevelDegraded {
		t.Errorf("warn level = %v", got)
	}
	if got := CheckFail.Level(); got != LevelUnhealthy {
		t.Errorf("fail level = %v", got)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	terr := TransportErrf(cause, "dial %s", "host1:22")

	if KindOf(terr) != ErrTransport {
		t.Errorf("KindOf(transport) = %v", KindOf(terr))
	}
	if !errors.Is(terr, cause) {
		t.Error("wrapped cause lost")
	}

	// Wrapping through fmt.Errorf must preserve the kind.
	wrapped := fmt.Errorf("probe failed: %w", terr)
	if KindOf(wrapped) != ErrTransport {
		t.Errorf("KindOf(wrapped) = %v", KindOf(wrapped))
	}

	ex := Exhaustedf(90*time.Second, "no build server for %s", "arm64")
	if KindOf(ex) != ErrExhausted {
		t.Errorf("KindOf(exhausted) = %v", KindOf(ex))
	}
	if got := WaitEstimateOf(ex); got != 90*time.Second {
		t.Errorf("WaitEstimateOf = %v", got)
	}

	if !IsKind(Conflictf("queue full"), ErrConflict) {
		t.Error("conflict kind not detected")
	}
	if !IsKind(NotFoundf("board %s", "b1"), ErrNotFound) {
		t.Error("not-found kind not detected")
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if Priority("bogus").Valid() {
		t.Error("bogus priority should be invalid")
	}
}

func TestPolicyAllowsTeam(t *testing.T) {
	open := AllocationPolicy{}
	if !open.AllowsTeam("anyone") {
		t.Error("empty reservation list should allow all teams")
	}

	reserved := AllocationPolicy{ReservedForTeams: []string{"kernel", "bsp"}}
	if !reserved.AllowsTeam("kernel") {
		t.Error("listed team rejected")
	}
	if reserved.AllowsTeam("storage") {
		t.Error("unlisted team allowed")
	}
}

func TestAllocationExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(-time.Minute)

	a := Allocation{AllocatedAt: now.Add(-time.Hour), ExpiresAt: &exp}
	if !a.Expired(now) {
		t.Error("past expiry should report expired")
	}

	released := now.Add(-30 * time.Minute)
	a.ReleasedAt = &released
	if a.Expired(now) {
		t.Error("released allocation is not expired")
	}

	b := Allocation{AllocatedAt: now}
	if b.Expired(now.Add(100 * time.Hour)) {
		t.Error("allocation without expiry never expires")
	}
}

func TestBuildServerToolchainFor(t *testing.T) {
	s := &BuildServer{
		Toolchains: []Toolchain{
			{Name: "aarch64-gcc-12", TargetArch: "arm64", Available: true},
			{Name: "old-gcc", TargetArch: "x86_64", Available: false},
		},
	}

	if _, ok := s.ToolchainFor("aarch64"); !ok {
		t.Error("arch equivalence should find arm64 toolchain for aarch64")
	}
	if _, ok := s.ToolchainFor("x86_64"); ok {
		t.Error("unavailable toolchain must not match")
	}
}

func TestArtifactSelectionEmpty(t *testing.T) {
	if !(ArtifactSelection{}).Empty() {
		t.Error("zero selection should be empty")
	}
	if (ArtifactSelection{BuildID: "b1"}).Empty() {
		t.Error("build-id selection should not be empty")
	}
	if (ArtifactSelection{Branch: "main", Architecture: "arm64"}).Empty() {
		t.Error("branch selection should not be empty")
	}
}

func TestKindForFilename(t *testing.T) {
	tests := []struct {
		name string
		want ArtifactKind
	}{
		{"Image", ArtifactKernelImage},
		{"bzImage", ArtifactKernelImage},
		{"imx8mp-evk.dtb", ArtifactDeviceTree},
		{"initramfs.cpio.gz", ArtifactInitrd},
		{"rootfs.ext4", ArtifactRootfs},
		{"modules.tar.gz", ArtifactKernelModules},
		{"build.log", ArtifactBuildLog},
	}
	for _, tt := range tests {
		if got := KindForFilename(tt.name); got != tt.want {
			t.Errorf("KindForFilename(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCloneIsolation(t *testing.T) {
	b := &Board{
		AssetMeta: AssetMeta{
			ID:     "brd-1",
			Kind:   KindBoard,
			Labels: map[string]string{"rack": "r1"},
		},
		Peripherals: []string{"can"},
	}

	c := b.Clone().(*Board)
	c.Labels["rack"] = "r2"
	c.Peripherals[0] = "hdmi"

	if b.Labels["rack"] != "r1" {
		t.Error("clone shares label map")
	}
	if b.Peripherals[0] != "can" {
		t.Error("clone shares peripheral slice")
	}
}
