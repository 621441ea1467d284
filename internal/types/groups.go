package types

import (
	"time"
)

// AllocationPolicy governs who may take resources from a group and for how
// long.
type AllocationPolicy struct {
	// MaxConcurrentAllocations caps simultaneously open allocations.
	// Zero means unlimited.
	MaxConcurrentAllocations int `json:"max_concurrent_allocations,omitempty"`

	// ReservedForTeams restricts requesters; empty means open to all.
	ReservedForTeams []string `json:"reserved_for_teams,omitempty"`

	// PriorityBoost raises the effective priority of work scheduled on
	// group members.
	PriorityBoost int `json:"priority_boost,omitempty"`

	// RequireApproval blocks automatic allocation entirely.
	RequireApproval bool `json:"require_approval,omitempty"`

	// MaxAllocationDuration bounds allocation lifetime; zero = unlimited.
	MaxAllocationDuration time.Duration `json:"max_allocation_duration,omitempty"`
}

// AllowsTeam reports whether the team passes the reservation check.
func (p AllocationPolicy) AllowsTeam(team string) bool {
	if len(p.ReservedForTeams) == 0 {
		return true
	}
	for _, t := range p.ReservedForTeams {
		if t == team {
			return true
		}
	}
	return false
}

// ResourceGroup partitions assets of one kind under a shared policy.
// An asset belongs to at most one group at a time.
type ResourceGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Kind AssetKind `json:"kind"`

	Labels map[string]string `json:"labels,omitempty"`

	MemberIDs []string `json:"member_ids,omitempty"`

	Policy AllocationPolicy `json:"policy"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMember reports whether the asset id is in the group.
func (g *ResourceGroup) HasMember(id string) bool {
	for _, m := range g.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (g *ResourceGroup) Clone() *ResourceGroup {
	out := *g
	out.MemberIDs = append([]string(nil), g.MemberIDs...)
	out.Policy.ReservedForTeams = append([]string(nil), g.Policy.ReservedForTeams...)
	if g.Labels != nil {
		out.Labels = make(map[string]string, len(g.Labels))
		for k, v := range g.Labels {
			out.Labels[k] = v
		}
	}
	return &out
}

// Requester identifies who is asking for a resource.
type Requester struct {
	Team string `json:"team"`
	User string `json:"user,omitempty"`
}

// Allocation is a policy-governed binding of one resource to a requester.
// For each resource at most one allocation is open (ReleasedAt == nil) at any
// instant.
type Allocation struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	ResourceID string    `json:"resource_id"`
	Requester  Requester `json:"requester"`

	AllocatedAt time.Time  `json:"allocated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// Open reports whether the allocation is still held.
func (a *Allocation) Open() bool { return a.ReleasedAt == nil }

// Expired reports whether the allocation has outlived its lease.
func (a *Allocation) Expired(now time.Time) bool {
	return a.Open() && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// GroupStats aggregates a group's members for reporting.
type GroupStats struct {
	GroupID     string `json:"group_id"`
	MemberCount int    `json:"member_count"`

	MembersByStatus map[string]int `json:"members_by_status,omitempty"`

	TotalCores     int   `json:"total_cores"`
	TotalMemoryMB  int64 `json:"total_memory_mb"`
	TotalStorageGB int64 `json:"total_storage_gb"`

	// AvgUtilization averages across members reporting a snapshot.
	AvgUtilization float64 `json:"avg_utilization"`

	ActiveWorkloads int `json:"active_workloads"`
	QueuedWorkloads int `json:"queued_workloads"`

	OpenAllocations int `json:"open_allocations"`
	MaxAllocations  int `json:"max_allocations"`
}
