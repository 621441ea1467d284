package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleetd/internal/types"
)

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	status := types.PipelineStatus(r.URL.Query().Get("status"))
	s.writeJSON(w, http.StatusOK, s.deps.Pipelines.List(status))
}

func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request) {
	var spec types.PipelineSpec
	if err := s.decode(r, &spec); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.deps.Pipelines.Create(spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Pipelines.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Pipelines.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.deps.Pipelines.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, p)
}

type pipelineRetryRequest struct {
	FromStage string `json:"from_stage" validate:"required"`
}

func (s *Server) retryPipeline(w http.ResponseWriter, r *http.Request) {
	var req pipelineRetryRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.deps.Pipelines.RetryFromStage(mux.Vars(r)["id"], req.FromStage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) pipelineStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.writeJSON(w, http.StatusOK, s.deps.Pipelines.Stats(q.Get("repo"), q.Get("branch")))
}
