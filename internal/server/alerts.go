package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleetd/internal/alerts"
	"fleetd/internal/types"
)

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := alerts.ActiveFilter{
		ResourceID: q.Get("resource_id"),
		Severity:   types.AlertSeverity(q.Get("severity")),
		Category:   types.AlertCategory(q.Get("category")),
	}
	s.writeJSON(w, http.StatusOK, s.deps.Alerts.Active(filter))
}

func (s *Server) alertHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Alerts.History(queryInt(r, "limit", 0)))
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

type alertActionRequest struct {
	By string `json:"by" validate:"required"`
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	alert, err := s.deps.Alerts.Acknowledge(mux.Vars(r)["id"], req.By)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	alert, err := s.deps.Alerts.Resolve(mux.Vars(r)["id"], req.By)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}
