package types

import (
	"time"
)

// DeploymentStatus walks the deployment state machine. Progress is monotone
// unless a failure short-circuits to failed.
type DeploymentStatus string

const (
	DeployPending      DeploymentStatus = "pending"
	DeployTransferring DeploymentStatus = "transferring"
	DeployFlashing     DeploymentStatus = "flashing"
	DeployBooting      DeploymentStatus = "booting"
	DeployVerifying    DeploymentStatus = "verifying"
	DeployCompleted    DeploymentStatus = "completed"
	DeployFailed       DeploymentStatus = "failed"
	DeployRolledBack   DeploymentStatus = "rolled-back"
)

// Terminal reports whether the status admits no further transition.
func (s DeploymentStatus) Terminal() bool {
	return s == DeployCompleted || s == DeployFailed || s == DeployRolledBack
}

// DeploymentTransition records one state-machine step with its timestamp.
type DeploymentTransition struct {
	From DeploymentStatus `json:"from"`
	To   DeploymentStatus `json:"to"`
	At   time.Time        `json:"at"`
}

// GuestConfig shapes the VM a virt deployment creates.
type GuestConfig struct {
	// Name of the guest; generated from the deployment id when empty.
	Name string `json:"name,omitempty"`

	Cores    int   `json:"cores,omitempty"`
	MemoryMB int64 `json:"memory_mb,omitempty"`

	// DiskGB sizes the scratch disk when no rootfs artifact is selected.
	DiskGB int `json:"disk_gb,omitempty"`

	// KernelArgs are appended to the guest kernel command line.
	KernelArgs string `json:"kernel_args,omitempty"`

	// Network selects the host bridge or network name.
	Network string `json:"network,omitempty"`
}

// Deployment is one transfer+boot+verify onto a virt host or board.
type Deployment struct {
	ID string `json:"id"`

	// TargetKind is virt-host or board.
	TargetKind AssetKind `json:"target_kind"`
	TargetID   string    `json:"target_id"`

	BuildID     string   `json:"build_id,omitempty"`
	ArtifactIDs []string `json:"artifact_ids"`

	Status DeploymentStatus `json:"status"`

	// Transitions records every state change in order.
	Transitions []DeploymentTransition `json:"transitions,omitempty"`

	// GuestName is the VM created for virt deployments.
	GuestName string `json:"guest_name,omitempty"`

	// FirmwareVersion is what the selection installs on a board.
	FirmwareVersion string `json:"firmware_version,omitempty"`

	BootVerified bool `json:"boot_verified"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	// RolledBackBy references the deployment that replaced this one.
	RolledBackBy string `json:"rolled_back_by,omitempty"`
}

// Clone returns a deep copy.
func (d *Deployment) Clone() *Deployment {
	out := *d
	out.ArtifactIDs = append([]string(nil), d.ArtifactIDs...)
	out.Transitions = append([]DeploymentTransition(nil), d.Transitions...)
	if d.StartedAt != nil {
		t := *d.StartedAt
		out.StartedAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
