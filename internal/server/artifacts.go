package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fleetd/internal/types"
)

// resolveArtifacts looks up artifacts by build, commit, branch-latest or
// explicit ids, all through the same selection resolution the deployment
// path uses.
func (s *Server) resolveArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel := types.ArtifactSelection{
		BuildID:      q.Get("build_id"),
		CommitHash:   q.Get("commit"),
		Branch:       q.Get("branch"),
		Architecture: q.Get("arch"),
	}
	if ids, ok := q["id"]; ok {
		sel.ArtifactIDs = ids
	}
	arts, err := s.deps.Artifacts.Resolve(sel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, arts)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.deps.Artifacts.ByID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, art)
}

// downloadArtifact streams the stored bytes.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	rc, art, err := s.deps.Artifacts.Open(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(art.SizeBytes, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+art.Filename+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("artifact download aborted",
			zap.String("artifact", art.ID), zap.Error(err))
	}
}

// verifyArtifact re-hashes the stored bytes against the recorded checksum.
func (s *Server) verifyArtifact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Artifacts.Verify(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "verified": true})
}

func (s *Server) pinBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Artifacts.Pin(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"build_id": id, "pinned": true})
}

func (s *Server) unpinBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Artifacts.Unpin(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"build_id": id, "pinned": false})
}

func (s *Server) listBuildTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.deps.Artifacts.Tags(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tags)
}

func (s *Server) tagBuild(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Artifacts.Tag(vars["id"], vars["tag"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"build_id": vars["id"], "tag": vars["tag"]})
}

func (s *Server) untagBuild(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Artifacts.Untag(vars["id"], vars["tag"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
