package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// assetResource binds a route prefix to the asset kind it manages.
type assetResource struct {
	path string
	kind types.AssetKind
}

const (
	kindBuildServer = types.KindBuildServer
	kindVirtHost    = types.KindVirtHost
	kindBoard       = types.KindBoard
)

var idPrefix = map[types.AssetKind]string{
	types.KindBuildServer: "srv",
	types.KindVirtHost:    "vh",
	types.KindBoard:       "brd",
}

// emptyAsset returns a zero value of the concrete type for the kind.
func emptyAsset(kind types.AssetKind) types.Asset {
	switch kind {
	case types.KindBuildServer:
		return &types.BuildServer{}
	case types.KindVirtHost:
		return &types.VirtHost{}
	default:
		return &types.Board{}
	}
}

func (s *Server) listAssets(res assetResource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assets := s.deps.Registry.List(res.kind)
		s.writeJSON(w, http.StatusOK, assets)
	}
}

func (s *Server) createAsset(res assetResource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asset := emptyAsset(res.kind)
		if err := s.decode(r, asset); err != nil {
			s.writeError(w, err)
			return
		}
		meta := asset.Meta()
		meta.Kind = res.kind
		if meta.ID == "" {
			meta.ID = types.NewID(idPrefix[res.kind])
		}
		if err := s.deps.Registry.Add(asset); err != nil {
			s.writeError(w, err)
			return
		}
		stored, err := s.deps.Registry.Get(meta.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, stored)
	}
}

func (s *Server) getAsset(res assetResource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asset, err := s.deps.Registry.Get(mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, err)
			return
		}
		if asset.GetKind() != res.kind {
			s.writeError(w, types.NotFoundf("%s %s", res.kind, mux.Vars(r)["id"]))
			return
		}
		s.writeJSON(w, http.StatusOK, asset)
	}
}

// updateAsset replaces the mutable descriptive fields from the request body.
// Runtime state (health, counters, status) stays owned by the daemon.
func (s *Server) updateAsset(res assetResource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		incoming := emptyAsset(res.kind)
		if err := s.decode(r, incoming); err != nil {
			s.writeError(w, err)
			return
		}
		updated, err := s.deps.Registry.Update(id, func(a types.Asset) error {
			if a.GetKind() != res.kind {
				return types.NotFoundf("%s %s", res.kind, id)
			}
			cur, in := a.Meta(), incoming.Meta()
			cur.Hostname = pick(in.Hostname, cur.Hostname)
			cur.Address = pick(in.Address, cur.Address)
			cur.CredentialsRef = pick(in.CredentialsRef, cur.CredentialsRef)
			if in.Architectures != nil {
				cur.Architectures = in.Architectures
			}
			if in.Labels != nil {
				cur.Labels = in.Labels
			}
			switch asset := a.(type) {
			case *types.BuildServer:
				src := incoming.(*types.BuildServer)
				if src.Toolchains != nil {
					asset.Toolchains = src.Toolchains
				}
				if src.MaxConcurrentBuilds > 0 {
					asset.MaxConcurrentBuilds = src.MaxConcurrentBuilds
				}
			case *types.VirtHost:
				src := incoming.(*types.VirtHost)
				if src.MaxGuests > 0 {
					asset.MaxGuests = src.MaxGuests
				}
			case *types.Board:
				src := incoming.(*types.Board)
				if src.BoardType != "" {
					asset.BoardType = src.BoardType
				}
				if src.Power.Method != "" {
					asset.Power = src.Power
				}
				if src.FlashStation != "" {
					asset.FlashStation = src.FlashStation
				}
				if src.Peripherals != nil {
					asset.Peripherals = src.Peripherals
				}
			}
			return nil
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	}
}

// deleteAsset decommissions through the group manager so open allocations
// and active workloads are honored; ?force=true overrides.
func (s *Server) deleteAsset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := r.URL.Query().Get("force") == "true"
	if err := s.deps.Groups.Decommission(id, force); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// assetStatus is the read-only health and lifecycle view.
func (s *Server) assetStatus(w http.ResponseWriter, r *http.Request) {
	asset, err := s.deps.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	meta := asset.Meta()
	body := map[string]any{
		"id":          meta.ID,
		"kind":        meta.Kind,
		"health":      meta.Health,
		"maintenance": meta.Maintenance,
		"last_probe":  meta.LastProbe,
		"utilization": meta.Utilization,
	}
	switch a := asset.(type) {
	case *types.BuildServer:
		body["status"] = a.Status
		body["active_builds"] = a.ActiveBuildCount
	case *types.VirtHost:
		body["status"] = a.Status
		body["running_guests"] = a.RunningGuests
	case *types.Board:
		body["status"] = a.Status
		body["current_firmware"] = a.CurrentFirmware
		body["temperature_c"] = a.TemperatureC
	}
	s.writeJSON(w, http.StatusOK, body)
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	asset, err := s.deps.Registry.SetMaintenance(mux.Vars(r)["id"], req.Enabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, asset)
}

func (s *Server) probeAsset(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Health.ProbeNow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// hostCapacity reports guest headroom on a virtualization host.
func (s *Server) hostCapacity(w http.ResponseWriter, r *http.Request) {
	host, err := s.deps.Registry.VirtHost(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	free := host.MaxGuests - host.RunningGuests
	if free < 0 {
		free = 0
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":             host.ID,
		"total_cores":    host.TotalCores,
		"total_memory_mb": host.TotalMemoryMB,
		"max_guests":     host.MaxGuests,
		"running_guests": host.RunningGuests,
		"free_guest_slots": free,
		"utilization":    host.Utilization,
	})
}

// powerCycleBoard drives the board's out-of-band power switch through its
// controller host.
func (s *Server) powerCycleBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.deps.Registry.Board(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !board.Power.Method.Automatable() {
		s.writeError(w, types.Conflictf("board %s has no automatable power control", board.ID))
		return
	}
	controller := board.FlashStation
	if controller == "" {
		s.writeError(w, types.Conflictf("board %s has no power controller host", board.ID))
		return
	}
	sess, err := s.deps.Hub.SessionTo(r.Context(), controller, board.CredentialsRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sess.Close()
	spec := transport.PowerSpec{Method: string(board.Power.Method), Locator: board.Power.Locator}
	res, err := s.deps.Hub.Power().Cycle(r.Context(), sess, board.ID, spec, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// flashBoard starts a board deployment from an artifact selection; the
// response is the tracking deployment record.
func (s *Server) flashBoard(w http.ResponseWriter, r *http.Request) {
	var sel types.ArtifactSelection
	if err := s.decode(r, &sel); err != nil {
		s.writeError(w, err)
		return
	}
	dep, err := s.deps.Deploy.DeployToBoard(mux.Vars(r)["id"], sel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, dep)
}

// targetDeployments lists deployment history for a board or host.
func (s *Server) targetDeployments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	hist, err := s.deps.Deploy.History(mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hist)
}

func pick(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
