package selector

import (
	"fleetd/internal/types"
)

// SelectBuildServer picks a build server for the requirements and reserves
// it. Returns an exhaustion error carrying a wait estimate when nothing
// qualifies.
func (s *Selector) SelectBuildServer(req types.BuildServerRequirements) (*types.Selection, error) {
	if req.TargetArch == "" {
		return nil, types.Validationf("build server selection needs a target architecture")
	}

	// Fast path: a qualifying preferred server short-circuits scoring.
	if req.PreferredID != "" {
		if server, err := s.reg.BuildServer(req.PreferredID); err == nil {
			if s.buildServerEligible(server, req) == nil && s.groupAdmits(&server.AssetMeta) {
				if sel, ok := s.pick([]scored{s.scoreBuildServer(server)}, "build"); ok {
					return sel, nil
				}
			}
		}
	}

	var cands []scored
	var rejections []rejection
	occupied := 0
	for _, server := range s.reg.BuildServers() {
		if server.ActiveBuildCount > 0 {
			occupied++
		}
		if rej := s.buildServerEligible(server, req); rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		if s.res.held(server.ID) || !s.groupAdmits(&server.AssetMeta) {
			continue
		}
		cands = append(cands, s.scoreBuildServer(server))
	}

	if sel, ok := s.pick(cands, "build"); ok {
		return sel, nil
	}
	return nil, s.exhausted("build server", rejections, occupied)
}

// buildServerEligible applies the filter predicates; nil means the server
// qualifies.
func (s *Selector) buildServerEligible(server *types.BuildServer, req types.BuildServerRequirements) *rejection {
	switch {
	case server.Status != types.ServerOnline,
		server.Maintenance,
		!server.SupportsArch(req.TargetArch),
		!server.HasLabels(req.Labels),
		req.GroupID != "" && server.GroupID != req.GroupID,
		req.MinCores > 0 && server.TotalCores < req.MinCores,
		req.MinMemoryMB > 0 && server.TotalMemoryMB < req.MinMemoryMB:
		return &rejection{id: server.ID}
	}

	tc, ok := server.ToolchainFor(req.TargetArch)
	if !ok || (req.Toolchain != "" && tc.Name != req.Toolchain) {
		return &rejection{id: server.ID}
	}

	if server.MaxConcurrentBuilds > 0 && server.ActiveBuildCount >= server.MaxConcurrentBuilds {
		return &rejection{id: server.ID, capacityOnly: true}
	}
	if server.Utilization.Average() > s.cfg.Selector.UtilizationCutoffPercent {
		return &rejection{id: server.ID, capacityOnly: true}
	}
	return nil
}

// scoreBuildServer weights idle capacity, queue pressure and build-slot
// headroom: 0.4 / 0.3 / 0.3.
func (s *Selector) scoreBuildServer(server *types.BuildServer) scored {
	util := clamp01(server.Utilization.Average() / 100)

	queueScore := 1.0
	if server.MaxConcurrentBuilds > 0 {
		queueScore = clamp01(1 - float64(server.QueueDepth)/float64(server.MaxConcurrentBuilds))
	}

	margin := 1.0
	if server.MaxConcurrentBuilds > 0 {
		margin = clamp01(1 - float64(server.ActiveBuildCount)/float64(server.MaxConcurrentBuilds))
	}

	return scored{
		id:    server.ID,
		score: 0.4*(1-util) + 0.3*queueScore + 0.3*margin,
		load:  float64(server.ActiveBuildCount),
	}
}
