// Package types defines the entity model shared by every fleetd subsystem:
// assets (build servers, virtualization hosts, physical boards), build jobs,
// artifacts, deployments, pipelines, resource groups, alerts, and the typed
// error taxonomy.
//
// Design principles:
//   - Closed typed records: no untyped payload bags; free-form extras live in
//     string-valued Metadata/Labels maps.
//   - Ownership: the registry owns asset records; every other subsystem works
//     on snapshots (Clone) or holds ids.
//   - No secrets: assets carry a credentials *reference*; resolution happens
//     in the transport layer from configuration.
package types

import (
	"time"
)

// AssetKind discriminates the three managed resource classes.
type AssetKind string

const (
	KindBuildServer AssetKind = "build-server"
	KindVirtHost    AssetKind = "virt-host"
	KindBoard       AssetKind = "board"
)

// Valid reports whether the kind is one of the three managed classes.
func (k AssetKind) Valid() bool {
	switch k {
	case KindBuildServer, KindVirtHost, KindBoard:
		return true
	}
	return false
}

// ServerStatus is the lifecycle status shared by build servers and virt hosts.
type ServerStatus string

const (
	ServerOnline      ServerStatus = "online"
	ServerOffline     ServerStatus = "offline"
	ServerDegraded    ServerStatus = "degraded"
	ServerMaintenance ServerStatus = "maintenance"
	ServerUnknown     ServerStatus = "unknown"
)

// BoardStatus is the lifecycle status of a physical board.
type BoardStatus string

const (
	BoardAvailable   BoardStatus = "available"
	BoardInUse       BoardStatus = "in-use"
	BoardFlashing    BoardStatus = "flashing"
	BoardOffline     BoardStatus = "offline"
	BoardMaintenance BoardStatus = "maintenance"
	BoardRecovery    BoardStatus = "recovery"
	BoardUnknown     BoardStatus = "unknown"
)

// PowerMethod identifies how a board's power is controlled out-of-band.
type PowerMethod string

const (
	// PowerUSBHub switches a managed USB hub port (uhubctl style).
	PowerUSBHub PowerMethod = "usb-hub"

	// PowerNetworkPDU switches a PDU outlet over SNMP or HTTP.
	PowerNetworkPDU PowerMethod = "network-pdu"

	// PowerGPIORelay toggles a relay wired to a GPIO line.
	PowerGPIORelay PowerMethod = "gpio-relay"

	// PowerManual means a human flips the switch. Never automatable.
	PowerManual PowerMethod = "manual"
)

// Automatable reports whether the method can be commanded by the control plane.
func (m PowerMethod) Automatable() bool {
	return m == PowerUSBHub || m == PowerNetworkPDU || m == PowerGPIORelay
}

// PowerConfig locates a board's power control endpoint.
type PowerConfig struct {
	// Method selects the control mechanism.
	Method PowerMethod `json:"method"`

	// Locator is method-specific: "hub:port" for usb-hub,
	// "pdu-host:outlet" for network-pdu, a GPIO line for gpio-relay.
	Locator string `json:"locator,omitempty"`

	// CredentialsRef names the credentials used to reach the PDU or
	// hub controller, when one is required.
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// Utilization is the most recent resource snapshot reported by a probe.
type Utilization struct {
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	StoragePercent float64   `json:"storage_percent"`
	FreeDiskGB     float64   `json:"free_disk_gb"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Average returns the mean of the CPU, memory and storage percentages.
func (u Utilization) Average() float64 {
	return (u.CPUPercent + u.MemoryPercent + u.StoragePercent) / 3.0
}

// Toolchain is a cross-compiler installed on a build server.
// At most one toolchain per (server, target-arch) may be Available.
type Toolchain struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	TargetArch string `json:"target_arch"`
	Path       string `json:"path,omitempty"`
	Available  bool   `json:"available"`
}

// AssetMeta carries the fields common to every asset kind. Concrete asset
// types embed it; the registry keys on its ID.
type AssetMeta struct {
	// ID is opaque and unique within the process.
	ID string `json:"id"`

	// Kind is the asset class. Fixed at registration.
	Kind AssetKind `json:"kind"`

	// Hostname is the human-facing name; Address is what transports dial.
	Hostname string `json:"hostname"`
	Address  string `json:"address"`

	// CredentialsRef names an entry in the transport credential store.
	// The registry never holds secrets.
	CredentialsRef string `json:"credentials_ref,omitempty"`

	// Architectures this asset supports (builds for, runs, or is).
	Architectures []string `json:"architectures,omitempty"`

	// Labels are free-form selection constraints.
	Labels map[string]string `json:"labels,omitempty"`

	// GroupID links the asset to at most one resource group.
	GroupID string `json:"group_id,omitempty"`

	// Maintenance gates the asset out of selection and allocation.
	Maintenance bool `json:"maintenance"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastProbe is when the health engine last completed a tick.
	LastProbe time.Time `json:"last_probe,omitempty"`

	// Health is the level derived from the last probe.
	Health HealthLevel `json:"health"`

	// Utilization is the last reported resource snapshot.
	Utilization Utilization `json:"utilization"`
}

// GetID returns the asset id.
func (m *AssetMeta) GetID() string { return m.ID }

// GetKind returns the asset kind.
func (m *AssetMeta) GetKind() AssetKind { return m.Kind }

// Meta exposes the embedded common fields.
func (m *AssetMeta) Meta() *AssetMeta { return m }

// SupportsArch reports whether arch appears in the supported set,
// honoring the documented equivalence groups.
func (m *AssetMeta) SupportsArch(arch string) bool {
	for _, a := range m.Architectures {
		if ArchCompatible(a, arch) {
			return true
		}
	}
	return false
}

// HasLabels reports whether every requested label matches.
func (m *AssetMeta) HasLabels(want map[string]string) bool {
	for k, v := range want {
		if m.Labels[k] != v {
			return false
		}
	}
	return true
}

func (m *AssetMeta) cloneMeta() AssetMeta {
	out := *m
	out.Architectures = append([]string(nil), m.Architectures...)
	if m.Labels != nil {
		out.Labels = make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// Asset is the read interface shared by the three concrete asset types.
type Asset interface {
	GetID() string
	GetKind() AssetKind
	Meta() *AssetMeta

	// Clone returns a deep copy safe to hand outside the registry lock.
	Clone() Asset
}

// BuildServer is a machine that cross-compiles kernel/BSP source.
type BuildServer struct {
	AssetMeta

	Status ServerStatus `json:"status"`

	// Toolchains installed on the server.
	Toolchains []Toolchain `json:"toolchains,omitempty"`

	TotalCores     int   `json:"total_cores"`
	TotalMemoryMB  int64 `json:"total_memory_mb"`
	TotalStorageGB int64 `json:"total_storage_gb"`

	// MaxConcurrentBuilds caps simultaneous executions on this server.
	MaxConcurrentBuilds int `json:"max_concurrent_builds"`

	// ActiveBuildCount is maintained by the build queue. Never exceeds
	// MaxConcurrentBuilds.
	ActiveBuildCount int `json:"active_build_count"`

	// QueueDepth counts queued jobs that currently prefer this server.
	QueueDepth int `json:"queue_depth"`
}

// ToolchainFor returns the available toolchain for the target arch, if any.
func (s *BuildServer) ToolchainFor(arch string) (Toolchain, bool) {
	for _, tc := range s.Toolchains {
		if tc.Available && ArchCompatible(tc.TargetArch, arch) {
			return tc, true
		}
	}
	return Toolchain{}, false
}

// Clone returns a deep copy.
func (s *BuildServer) Clone() Asset {
	out := *s
	out.AssetMeta = s.cloneMeta()
	out.Toolchains = append([]Toolchain(nil), s.Toolchains...)
	return &out
}

// VirtHost is a hypervisor machine running guest VMs.
type VirtHost struct {
	AssetMeta

	Status ServerStatus `json:"status"`

	// HardwareAssist reports VT-x/AMD-V (or equivalent) availability.
	HardwareAssist bool `json:"hardware_assist"`

	// NestedVirt reports nested virtualization support.
	NestedVirt bool `json:"nested_virt"`

	TotalCores     int   `json:"total_cores"`
	TotalMemoryMB  int64 `json:"total_memory_mb"`
	TotalStorageGB int64 `json:"total_storage_gb"`

	// MaxGuests caps concurrently running guests.
	MaxGuests int `json:"max_guests"`

	// RunningGuests is maintained by the deployment orchestrator.
	RunningGuests int `json:"running_guests"`
}

// Clone returns a deep copy.
func (h *VirtHost) Clone() Asset {
	out := *h
	out.AssetMeta = h.cloneMeta()
	return &out
}

// Board is a physical device reached over shell, serial and power control.
type Board struct {
	AssetMeta

	Status BoardStatus `json:"status"`

	// BoardType names the hardware model (e.g. "rpi4", "imx8mp-evk").
	BoardType string `json:"board_type"`

	Power PowerConfig `json:"power"`

	// SerialDevice and SerialBaud locate the console on the serial server.
	SerialDevice string `json:"serial_device,omitempty"`
	SerialBaud   int    `json:"serial_baud,omitempty"`

	// FlashStation references the asset or host that flashes this board.
	// Empty means direct-SSH staging plus power-cycle flashing.
	FlashStation string `json:"flash_station,omitempty"`

	// CurrentFirmware is updated after each verified deployment.
	CurrentFirmware string `json:"current_firmware,omitempty"`

	// AssignedTestID is non-empty while a test run owns the board.
	AssignedTestID string `json:"assigned_test_id,omitempty"`

	// Peripherals the board exposes (e.g. "can", "camera", "hdmi").
	Peripherals []string `json:"peripherals,omitempty"`

	// TemperatureC is the last probed SoC temperature.
	TemperatureC float64 `json:"temperature_c,omitempty"`
}

// HasPeripherals reports whether every requested peripheral is present.
func (b *Board) HasPeripherals(want []string) bool {
	for _, w := range want {
		found := false
		for _, p := range b.Peripherals {
			if p == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (b *Board) Clone() Asset {
	out := *b
	out.AssetMeta = b.cloneMeta()
	out.Peripherals = append([]string(nil), b.Peripherals...)
	return &out
}

var (
	_ Asset = (*BuildServer)(nil)
	_ Asset = (*VirtHost)(nil)
	_ Asset = (*Board)(nil)
)

// archGroups are the documented architecture equivalence classes.
var archGroups = [][]string{
	{"x86_64", "amd64"},
	{"arm64", "aarch64"},
	{"armv7", "armhf", "arm"},
	{"riscv64", "riscv"},
}

// ArchCompatible reports whether two architecture names are equal or belong
// to the same equivalence group.
func ArchCompatible(a, b string) bool {
	if a == b {
		return true
	}
	for _, group := range archGroups {
		inA, inB := false, false
		for _, name := range group {
			if name == a {
				inA = true
			}
			if name == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	return false
}
