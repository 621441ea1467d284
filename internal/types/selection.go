package types

import (
	"time"
)

// Reservation is a short-lived hold on an asset taken during selection.
// It either transitions to a longer-lived binding (allocation, build
// assignment) or expires after TTL.
type Reservation struct {
	ID      string `json:"id"`
	AssetID string `json:"asset_id"`

	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`

	// Purpose records what the hold is for ("build", "deploy", "pipeline").
	Purpose string `json:"purpose,omitempty"`
}

// ExpiresAt is the instant the reservation lapses.
func (r Reservation) ExpiresAt() time.Time { return r.AcquiredAt.Add(r.TTL) }

// BuildServerRequirements filter and score build server candidates.
type BuildServerRequirements struct {
	TargetArch string `json:"target_arch"`

	MinCores    int   `json:"min_cores,omitempty"`
	MinMemoryMB int64 `json:"min_memory_mb,omitempty"`

	// Toolchain, when set, requires a toolchain with this name to be
	// available for TargetArch.
	Toolchain string `json:"toolchain,omitempty"`

	Labels  map[string]string `json:"labels,omitempty"`
	GroupID string            `json:"group_id,omitempty"`

	// PreferredID short-circuits selection when the asset qualifies.
	PreferredID string `json:"preferred_id,omitempty"`
}

// VirtHostRequirements filter and score virt host candidates.
type VirtHostRequirements struct {
	GuestArch string `json:"guest_arch"`

	GuestCores    int   `json:"guest_cores,omitempty"`
	GuestMemoryMB int64 `json:"guest_memory_mb,omitempty"`

	RequireHardwareAssist bool `json:"require_hardware_assist,omitempty"`
	RequireNestedVirt     bool `json:"require_nested_virt,omitempty"`

	Labels  map[string]string `json:"labels,omitempty"`
	GroupID string            `json:"group_id,omitempty"`

	PreferredID string `json:"preferred_id,omitempty"`
}

// BoardRequirements filter and score board candidates.
type BoardRequirements struct {
	Arch string `json:"arch"`

	BoardType string `json:"board_type,omitempty"`

	Peripherals []string `json:"peripherals,omitempty"`

	// FirmwareVersion is what the caller intends to run; a mismatch with
	// the board's current firmware sets RequiresFlashing on the selection.
	FirmwareVersion string `json:"firmware_version,omitempty"`

	Labels  map[string]string `json:"labels,omitempty"`
	GroupID string            `json:"group_id,omitempty"`

	PreferredID string `json:"preferred_id,omitempty"`
}

// Candidate is a scored selection survivor.
type Candidate struct {
	AssetID string  `json:"asset_id"`
	Score   float64 `json:"score"`
}

// Selection is a successful pick: the asset, the reservation holding it,
// and up to three runners-up.
type Selection struct {
	AssetID       string  `json:"asset_id"`
	ReservationID string  `json:"reservation_id"`
	Score         float64 `json:"score"`

	Alternatives []Candidate `json:"alternatives,omitempty"`

	// RequiresFlashing is set by the board selector when the requested
	// firmware differs from the board's current firmware.
	RequiresFlashing bool `json:"requires_flashing,omitempty"`
}
