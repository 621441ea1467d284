package selector

import (
	"sync"
	"time"

	"fleetd/internal/clock"
	"fleetd/internal/types"
)

// reservations is the shared check-and-mark table behind all three selectors.
// At most one live reservation references an asset; expiry is lazy against
// the clock so no background loop is needed.
type reservations struct {
	clk clock.Clock

	mu      sync.Mutex
	byAsset map[string]types.Reservation
	byID    map[string]string // reservation id -> asset id
}

func newReservations(clk clock.Clock) *reservations {
	return &reservations{
		clk:     clk,
		byAsset: make(map[string]types.Reservation),
		byID:    make(map[string]string),
	}
}

// tryReserve atomically marks the asset if no live reservation holds it.
func (r *reservations) tryReserve(assetID string, ttl time.Duration, purpose string) (types.Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	r.sweepLocked(now)

	if _, held := r.byAsset[assetID]; held {
		return types.Reservation{}, false
	}
	res := types.Reservation{
		ID:         types.NewID("rsv"),
		AssetID:    assetID,
		AcquiredAt: now,
		TTL:        ttl,
		Purpose:    purpose,
	}
	r.byAsset[assetID] = res
	r.byID[res.ID] = assetID
	return res, true
}

// release frees the reservation; unknown or already expired ids are not an
// error, release is idempotent.
func (r *reservations) release(reservationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	assetID, ok := r.byID[reservationID]
	if !ok {
		return
	}
	delete(r.byID, reservationID)
	delete(r.byAsset, assetID)
}

// held reports whether a live reservation references the asset.
func (r *reservations) held(assetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(r.clk.Now())
	_, ok := r.byAsset[assetID]
	return ok
}

// live returns the current reservation count after sweeping.
func (r *reservations) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(r.clk.Now())
	return len(r.byAsset)
}

// sweepLocked drops reservations past their TTL.
func (r *reservations) sweepLocked(now time.Time) {
	for assetID, res := range r.byAsset {
		if now.After(res.ExpiresAt()) {
			delete(r.byID, res.ID)
			delete(r.byAsset, assetID)
		}
	}
}
