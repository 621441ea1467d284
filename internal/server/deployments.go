package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleetd/internal/types"
)

// deployRequest targets either a virtualization host or a board.
type deployRequest struct {
	HostID  string `json:"host_id,omitempty"`
	BoardID string `json:"board_id,omitempty"`

	Selection types.ArtifactSelection `json:"selection"`
	Guest     types.GuestConfig       `json:"guest,omitempty"`
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Deploy.List())
}

func (s *Server) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	switch {
	case req.HostID != "" && req.BoardID != "":
		s.writeError(w, types.Validationf("deployment targets either a host or a board, not both"))
	case req.HostID != "":
		dep, err := s.deps.Deploy.DeployToVirt(req.HostID, req.Selection, req.Guest)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, dep)
	case req.BoardID != "":
		dep, err := s.deps.Deploy.DeployToBoard(req.BoardID, req.Selection)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, dep)
	default:
		s.writeError(w, types.Validationf("deployment needs a host_id or board_id"))
	}
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deps.Deploy.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dep)
}

func (s *Server) rollbackDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deps.Deploy.Rollback(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, dep)
}

func (s *Server) destroyGuest(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Deploy.DestroyGuest(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
