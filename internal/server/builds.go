package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"fleetd/internal/buildqueue"
	"fleetd/internal/types"
)

func (s *Server) listBuildJobs(w http.ResponseWriter, r *http.Request) {
	status := types.BuildJobStatus(r.URL.Query().Get("status"))
	jobs := s.deps.Builds.List(status)
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) submitBuildJob(w http.ResponseWriter, r *http.Request) {
	var req buildqueue.SubmitRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.deps.Builds.Submit(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) getBuildJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Builds.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]any{"job": job}
	if job.Status == types.BuildQueued {
		body["queue_position"] = s.deps.Builds.Position(job.ID)
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) cancelBuildJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Builds.Cancel(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) retryBuildJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Builds.Retry(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

// buildJobLogs returns the retained log history in one response.
func (s *Server) buildJobLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Builds.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Builds.Logs().History(id))
}
