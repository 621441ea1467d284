package selector

import (
	"fleetd/internal/types"
)

// SelectVirtHost picks a virtualization host able to place the requested
// guest and reserves it.
func (s *Selector) SelectVirtHost(req types.VirtHostRequirements) (*types.Selection, error) {
	if req.GuestArch == "" {
		return nil, types.Validationf("virt host selection needs a guest architecture")
	}

	if req.PreferredID != "" {
		if host, err := s.reg.VirtHost(req.PreferredID); err == nil {
			if s.virtHostEligible(host, req) == nil && s.groupAdmits(&host.AssetMeta) {
				if sel, ok := s.pick([]scored{s.scoreVirtHost(host, req)}, "deploy"); ok {
					return sel, nil
				}
			}
		}
	}

	var cands []scored
	var rejections []rejection
	occupied := 0
	for _, host := range s.reg.VirtHosts() {
		if host.RunningGuests > 0 {
			occupied++
		}
		if rej := s.virtHostEligible(host, req); rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		if s.res.held(host.ID) || !s.groupAdmits(&host.AssetMeta) {
			continue
		}
		cands = append(cands, s.scoreVirtHost(host, req))
	}

	if sel, ok := s.pick(cands, "deploy"); ok {
		return sel, nil
	}
	return nil, s.exhausted("virt host", rejections, occupied)
}

func (s *Selector) virtHostEligible(host *types.VirtHost, req types.VirtHostRequirements) *rejection {
	switch {
	case host.Status != types.ServerOnline,
		host.Maintenance,
		!host.SupportsArch(req.GuestArch),
		!host.HasLabels(req.Labels),
		req.GroupID != "" && host.GroupID != req.GroupID,
		req.RequireHardwareAssist && !host.HardwareAssist,
		req.RequireNestedVirt && !host.NestedVirt,
		req.GuestCores > 0 && host.TotalCores < req.GuestCores,
		req.GuestMemoryMB > 0 && host.TotalMemoryMB < req.GuestMemoryMB:
		return &rejection{id: host.ID}
	}

	if host.MaxGuests > 0 && host.RunningGuests >= host.MaxGuests {
		return &rejection{id: host.ID, capacityOnly: true}
	}
	if host.Utilization.Average() > s.cfg.Selector.UtilizationCutoffPercent {
		return &rejection{id: host.ID, capacityOnly: true}
	}
	return nil
}

// scoreVirtHost weights idle capacity, fit margin and guest-slot headroom
// (0.4 / 0.35 / 0.25) plus a 0.1 bonus when hardware assist is required and
// present.
func (s *Selector) scoreVirtHost(host *types.VirtHost, req types.VirtHostRequirements) scored {
	util := clamp01(host.Utilization.Average() / 100)

	// Capacity margin: how much of the host the guest would leave free,
	// the tighter of cores and memory.
	margin := 1.0
	if req.GuestCores > 0 && host.TotalCores > 0 {
		margin = clamp01(1 - float64(req.GuestCores)/float64(host.TotalCores))
	}
	if req.GuestMemoryMB > 0 && host.TotalMemoryMB > 0 {
		memMargin := clamp01(1 - float64(req.GuestMemoryMB)/float64(host.TotalMemoryMB))
		if memMargin < margin {
			margin = memMargin
		}
	}

	guestScore := 1.0
	if host.MaxGuests > 0 {
		guestScore = clamp01(1 - float64(host.RunningGuests)/float64(host.MaxGuests))
	}

	score := 0.4*(1-util) + 0.35*margin + 0.25*guestScore
	if req.RequireHardwareAssist && host.HardwareAssist {
		score += 0.1
	}
	return scored{
		id:    host.ID,
		score: score,
		load:  float64(host.RunningGuests),
	}
}
