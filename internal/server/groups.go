package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleetd/internal/types"
)

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Groups.List())
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var group types.ResourceGroup
	if err := s.decode(r, &group); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.deps.Groups.Create(&group)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	group, err := s.deps.Groups.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Groups.Delete(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) updateGroupPolicy(w http.ResponseWriter, r *http.Request) {
	var policy types.AllocationPolicy
	if err := s.decode(r, &policy); err != nil {
		s.writeError(w, err)
		return
	}
	group, err := s.deps.Groups.UpdatePolicy(mux.Vars(r)["id"], policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) groupStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Groups.Stats(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) addGroupMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Groups.AddMember(vars["id"], vars["assetID"]); err != nil {
		s.writeError(w, err)
		return
	}
	group, err := s.deps.Groups.Get(vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Groups.RemoveMember(vars["id"], vars["assetID"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) listAllocations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Groups.OpenAllocations(mux.Vars(r)["id"]))
}

type allocateRequest struct {
	ResourceID string          `json:"resource_id" validate:"required"`
	Requester  types.Requester `json:"requester"`
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	alloc, err := s.deps.Groups.Allocate(mux.Vars(r)["id"], req.ResourceID, req.Requester)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, alloc)
}

func (s *Server) releaseAllocation(w http.ResponseWriter, r *http.Request) {
	alloc, err := s.deps.Groups.Release(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alloc)
}
