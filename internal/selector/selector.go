// Package selector picks assets for builds, guest placement and board runs.
// All three selectors share one shape: fast path on a preferred asset,
// filter, weighted score, pick the maximum with deterministic tie-breaking,
// reserve with a short TTL. They also share one reservation table, so no two
// selectors can hold the same asset.
package selector

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/registry"
	"fleetd/internal/types"
)

// PolicyGate is consulted before reserving an asset that belongs to a
// resource group. The groups engine implements it; a nil gate admits
// everything.
type PolicyGate interface {
	// AllowReservation rejects with a conflict error when the group's
	// policy blocks automatic selection right now.
	AllowReservation(groupID string) error
}

// defaultWorkloadEstimate seeds the wait estimator before any workload has
// completed.
const defaultWorkloadEstimate = 5 * time.Minute

// maxAlternatives bounds the runner-up list on a selection.
const maxAlternatives = 3

// Selector implements the three kind-specific selection algorithms over the
// registry.
type Selector struct {
	reg    *registry.Registry
	clk    clock.Clock
	logger *zap.Logger
	cfg    *config.Config

	res  *reservations
	gate PolicyGate

	// workload duration EWMA feeds the wait estimate.
	avgMu       sync.Mutex
	avgWorkload time.Duration
}

// New builds a selector over the registry.
func New(cfg *config.Config, reg *registry.Registry, clk clock.Clock, logger *zap.Logger) *Selector {
	return &Selector{
		reg:         reg,
		clk:         clk,
		logger:      logger.Named("selector"),
		cfg:         cfg,
		res:         newReservations(clk),
		avgWorkload: defaultWorkloadEstimate,
	}
}

// SetPolicyGate installs the group policy check. The composition root wires
// the groups engine here; selectors stay ignorant of its internals.
func (s *Selector) SetPolicyGate(gate PolicyGate) {
	s.gate = gate
}

// Release frees a reservation before its TTL. Idempotent.
func (s *Selector) Release(reservationID string) {
	s.res.release(reservationID)
}

// Confirm promotes a reservation into a longer-lived binding owned by the
// caller (a build assignment or allocation). The table entry is freed; the
// caller's own record now guards the asset.
func (s *Selector) Confirm(reservationID string) {
	s.res.release(reservationID)
}

// Reserved reports whether a live reservation holds the asset.
func (s *Selector) Reserved(assetID string) bool {
	return s.res.held(assetID)
}

// LiveReservations counts unexpired holds.
func (s *Selector) LiveReservations() int {
	return s.res.live()
}

// RecordWorkloadDuration feeds the wait estimator with a completed workload.
func (s *Selector) RecordWorkloadDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	s.avgMu.Lock()
	// EWMA, alpha 0.2.
	s.avgWorkload = time.Duration(0.8*float64(s.avgWorkload) + 0.2*float64(d))
	s.avgMu.Unlock()
}

func (s *Selector) averageWorkload() time.Duration {
	s.avgMu.Lock()
	defer s.avgMu.Unlock()
	return s.avgWorkload
}

// scored pairs a candidate with its tie-breaking load figure.
type scored struct {
	id    string
	score float64
	load  float64
}

// rejection explains one filtered-out candidate, for wait estimation.
type rejection struct {
	id string

	// capacityOnly is true when the candidate failed only on capacity or
	// utilization, meaning it could become eligible without operator action.
	capacityOnly bool
}

// pick orders candidates by score, then lower load, then lower id, reserves
// the winner and fills the alternatives. Candidates that lose the reservation
// race fall through to the next best.
func (s *Selector) pick(cands []scored, purpose string) (*types.Selection, bool) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].load != cands[j].load {
			return cands[i].load < cands[j].load
		}
		return cands[i].id < cands[j].id
	})

	for i, c := range cands {
		res, ok := s.res.tryReserve(c.id, s.cfg.ReservationTTL(), purpose)
		if !ok {
			continue
		}
		sel := &types.Selection{
			AssetID:       c.id,
			ReservationID: res.ID,
			Score:         c.score,
		}
		for _, alt := range cands[i+1:] {
			if len(sel.Alternatives) == maxAlternatives {
				break
			}
			sel.Alternatives = append(sel.Alternatives, types.Candidate{AssetID: alt.id, Score: alt.score})
		}
		return sel, true
	}
	return nil, false
}

// exhausted builds the no-candidate error with a wait estimate derived from
// how many candidates could free up and how long workloads tend to run.
func (s *Selector) exhausted(kind string, rejections []rejection, occupied int) error {
	couldFree := 0
	for _, r := range rejections {
		if r.capacityOnly {
			couldFree++
		}
	}
	couldFree += occupied

	avg := s.averageWorkload()
	var wait time.Duration
	if couldFree > 0 {
		// The more slots that can open up, the sooner one should.
		wait = avg / time.Duration(couldFree)
	}
	return types.Exhaustedf(wait, "no %s candidate available (%d could become eligible)", kind, couldFree)
}

// groupAdmits runs the policy gate for grouped assets.
func (s *Selector) groupAdmits(meta *types.AssetMeta) bool {
	if s.gate == nil || meta.GroupID == "" {
		return true
	}
	if err := s.gate.AllowReservation(meta.GroupID); err != nil {
		s.logger.Debug("policy gate rejected candidate",
			zap.String("asset", meta.ID),
			zap.String("group", meta.GroupID),
			zap.Error(err))
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
