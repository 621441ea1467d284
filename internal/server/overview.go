package server

import (
	"net/http"

	"fleetd/internal/types"
)

// overview aggregates fleet-wide counts for dashboards: registry totals,
// health distribution, queue and pipeline pressure, open alerts.
func (s *Server) overview(w http.ResponseWriter, r *http.Request) {
	counts := s.deps.Registry.Counts()

	health := map[types.HealthLevel]int{}
	maintenance := 0
	for _, asset := range s.deps.Registry.ListAll() {
		meta := asset.Meta()
		health[meta.Health]++
		if meta.Maintenance {
			maintenance++
		}
	}

	body := map[string]any{
		"assets": map[string]any{
			"build_servers": counts[types.KindBuildServer],
			"virt_hosts":    counts[types.KindVirtHost],
			"boards":        counts[types.KindBoard],
			"total":         s.deps.Registry.Len(),
			"maintenance":   maintenance,
		},
		"health": health,
		"builds": map[string]any{
			"queue_depth": s.deps.Builds.QueueDepth(),
			"building":    len(s.deps.Builds.List(types.BuildBuilding)),
		},
		"pipelines":         s.deps.Pipelines.Stats("", ""),
		"alerts":            s.deps.Alerts.CountBySeverity(),
		"groups":            len(s.deps.Groups.List()),
		"transport_pools":   s.deps.Hub.PoolStats(),
	}
	s.writeJSON(w, http.StatusOK, body)
}
