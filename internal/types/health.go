package types

import (
	"time"
)

// HealthLevel classifies an asset from the last completed probe.
type HealthLevel string

const (
	LevelUnknown     HealthLevel = "unknown"
	LevelHealthy     HealthLevel = "healthy"
	LevelDegraded    HealthLevel = "degraded"
	LevelUnhealthy   HealthLevel = "unhealthy"
	LevelUnreachable HealthLevel = "unreachable"
)

// healthRank orders levels by severity for worst-wins folding.
// Unreachable outranks everything: if the transport failed we know nothing
// better about the asset.
var healthRank = map[HealthLevel]int{
	LevelUnknown:     0,
	LevelHealthy:     1,
	LevelDegraded:    2,
	LevelUnhealthy:   3,
	LevelUnreachable: 4,
}

// WorseThan reports whether l is strictly more severe than other.
func (l HealthLevel) WorseThan(other HealthLevel) bool {
	return healthRank[l] > healthRank[other]
}

// WorstLevel folds levels with worst-wins semantics.
func WorstLevel(levels ...HealthLevel) HealthLevel {
	worst := LevelUnknown
	for _, l := range levels {
		if l.WorseThan(worst) {
			worst = l
		}
	}
	return worst
}

// CheckStatus is the outcome of one individual check within a probe.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// Level maps a single check outcome to the health level it implies.
func (s CheckStatus) Level() HealthLevel {
	switch s {
	case CheckWarn:
		return LevelDegraded
	case CheckFail:
		return LevelUnhealthy
	default:
		return LevelHealthy
	}
}

// CheckResult is one threshold evaluation inside a probe.
type CheckResult struct {
	// Category names what was checked: connectivity, cpu, memory, storage,
	// free-disk, temperature, response-time.
	Category string `json:"category"`

	Status CheckStatus `json:"status"`

	// Value is the observed reading; Threshold the limit that tripped.
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// HealthCheckResult is the full outcome of one probe tick for one asset.
type HealthCheckResult struct {
	AssetID string    `json:"asset_id"`
	Kind    AssetKind `json:"kind"`

	// Level is the worst of all check levels; a transport error forces
	// unreachable regardless of individual checks.
	Level HealthLevel `json:"level"`

	Checks []CheckResult `json:"checks,omitempty"`

	// Utilization is populated when the probe could read it.
	Utilization *Utilization `json:"utilization,omitempty"`

	// TemperatureC is populated for boards.
	TemperatureC float64 `json:"temperature_c,omitempty"`

	// ResponseTime is how long the probe round-trip took.
	ResponseTime time.Duration `json:"response_time"`

	// TransportError is set when the asset could not be reached at all.
	TransportError string `json:"transport_error,omitempty"`

	ProbedAt time.Time `json:"probed_at"`
}

// Categories returns the categories of all non-passing checks.
func (r HealthCheckResult) Categories() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status != CheckPass {
			out = append(out, c.Category)
		}
	}
	return out
}

// HealthEvent is emitted when a probe worsens an asset's level. It feeds the
// alert service.
type HealthEvent struct {
	AssetID  string    `json:"asset_id"`
	Kind     AssetKind `json:"kind"`
	Hostname string    `json:"hostname"`

	OldLevel HealthLevel `json:"old_level"`
	NewLevel HealthLevel `json:"new_level"`

	Result *HealthCheckResult `json:"result"`

	// DetectedAt is when the degradation became observable. Alert latency
	// is measured from this instant.
	DetectedAt time.Time `json:"detected_at"`
}
