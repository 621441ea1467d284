package types

import (
	"time"
)

// AlertSeverity grades how bad a detected condition is.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus is the alert lifecycle.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertSuppressed   AlertStatus = "suppressed"
)

// AlertCategory names what degraded. Deduplication keys on
// (resource-id, category).
type AlertCategory string

const (
	CategoryConnectivity AlertCategory = "connectivity"
	CategoryUtilization  AlertCategory = "utilization"
	CategoryTemperature  AlertCategory = "temperature"
	CategoryProvisioning AlertCategory = "provisioning"
	CategoryHealth       AlertCategory = "health"
)

// AlertDelivery records one best-effort channel delivery attempt.
type AlertDelivery struct {
	Channel string    `json:"channel"`
	OK      bool      `json:"ok"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Alert is a recorded degradation with routing and lifecycle state.
type Alert struct {
	ID string `json:"id"`

	ResourceID   string    `json:"resource_id"`
	ResourceKind AssetKind `json:"resource_kind"`

	Severity AlertSeverity `json:"severity"`
	Category AlertCategory `json:"category"`
	Status   AlertStatus   `json:"status"`

	Title   string `json:"title"`
	Message string `json:"message"`

	// DetectedAt is when the triggering event became observable;
	// CreatedAt when the alert record was generated. Their difference is
	// the generation latency, contractually bounded at 30s.
	DetectedAt time.Time `json:"detected_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	GenerationLatency time.Duration `json:"generation_latency"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`

	Deliveries []AlertDelivery `json:"deliveries,omitempty"`
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	out := *a
	out.Deliveries = append([]AlertDelivery(nil), a.Deliveries...)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
