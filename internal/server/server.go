// Package server is the REST boundary: gorilla/mux routes over the domain
// services, validator-checked request bodies, error kinds mapped onto HTTP
// status codes, and a websocket stream for live build logs.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleetd/internal/alerts"
	"fleetd/internal/artifacts"
	"fleetd/internal/buildqueue"
	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/deploy"
	"fleetd/internal/groups"
	"fleetd/internal/health"
	"fleetd/internal/pipeline"
	"fleetd/internal/registry"
	"fleetd/internal/transport"
)

// Deps carries every service the routes reach into.
type Deps struct {
	Registry  *registry.Registry
	Health    *health.Engine
	Alerts    *alerts.Service
	Groups    *groups.Manager
	Builds    *buildqueue.Manager
	Artifacts *artifacts.Index
	Deploy    *deploy.Orchestrator
	Pipelines *pipeline.Engine
	Hub       *transport.Hub
	Clock     clock.Clock
}

// Server owns the HTTP listener and the route table.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	validate *validator.Validate
	upgrader websocket.Upgrader
	router   *mux.Router
	http     *http.Server
}

// New builds the server with its routes registered; call Start to listen.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.Named("server"),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same-origin policy is enforced upstream; the API is lab-internal.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler exposes the route table, primarily for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving on the configured listen address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSeconds) * time.Second,
	}
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve loop ended", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests within the shutdown grace period.
func (s *Server) Stop() error {
	if s.http == nil {
		return nil
	}
	grace := time.Duration(s.cfg.Server.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Asset inventory. The three kinds share handler plumbing; the path
	// fixes which kind a route accepts.
	for _, res := range []assetResource{
		{path: "build-servers", kind: kindBuildServer},
		{path: "hosts", kind: kindVirtHost},
		{path: "boards", kind: kindBoard},
	} {
		res := res
		api.HandleFunc("/"+res.path, s.listAssets(res)).Methods(http.MethodGet)
		api.HandleFunc("/"+res.path, s.createAsset(res)).Methods(http.MethodPost)
		api.HandleFunc("/"+res.path+"/{id}", s.getAsset(res)).Methods(http.MethodGet)
		api.HandleFunc("/"+res.path+"/{id}", s.updateAsset(res)).Methods(http.MethodPut)
		api.HandleFunc("/"+res.path+"/{id}", s.deleteAsset).Methods(http.MethodDelete)
		api.HandleFunc("/"+res.path+"/{id}/status", s.assetStatus).Methods(http.MethodGet)
		api.HandleFunc("/"+res.path+"/{id}/maintenance", s.setMaintenance).Methods(http.MethodPut)
		api.HandleFunc("/"+res.path+"/{id}/probe", s.probeAsset).Methods(http.MethodPost)
	}
	api.HandleFunc("/hosts/{id}/capacity", s.hostCapacity).Methods(http.MethodGet)
	api.HandleFunc("/boards/{id}/power-cycle", s.powerCycleBoard).Methods(http.MethodPost)
	api.HandleFunc("/boards/{id}/flash", s.flashBoard).Methods(http.MethodPost)
	api.HandleFunc("/boards/{id}/deployments", s.targetDeployments).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{id}/deployments", s.targetDeployments).Methods(http.MethodGet)

	// Build queue.
	api.HandleFunc("/build-jobs", s.listBuildJobs).Methods(http.MethodGet)
	api.HandleFunc("/build-jobs", s.submitBuildJob).Methods(http.MethodPost)
	api.HandleFunc("/build-jobs/{id}", s.getBuildJob).Methods(http.MethodGet)
	api.HandleFunc("/build-jobs/{id}/cancel", s.cancelBuildJob).Methods(http.MethodPost)
	api.HandleFunc("/build-jobs/{id}/retry", s.retryBuildJob).Methods(http.MethodPost)
	api.HandleFunc("/build-jobs/{id}/logs", s.buildJobLogs).Methods(http.MethodGet)
	api.HandleFunc("/build-jobs/{id}/logs/stream", s.streamBuildJobLogs).Methods(http.MethodGet)

	// Artifacts.
	api.HandleFunc("/artifacts", s.resolveArtifacts).Methods(http.MethodGet)
	api.HandleFunc("/artifacts/{id}", s.getArtifact).Methods(http.MethodGet)
	api.HandleFunc("/artifacts/{id}/download", s.downloadArtifact).Methods(http.MethodGet)
	api.HandleFunc("/artifacts/{id}/verify", s.verifyArtifact).Methods(http.MethodPost)
	api.HandleFunc("/builds/{id}/pin", s.pinBuild).Methods(http.MethodPut)
	api.HandleFunc("/builds/{id}/pin", s.unpinBuild).Methods(http.MethodDelete)
	api.HandleFunc("/builds/{id}/tags", s.listBuildTags).Methods(http.MethodGet)
	api.HandleFunc("/builds/{id}/tags/{tag}", s.tagBuild).Methods(http.MethodPut)
	api.HandleFunc("/builds/{id}/tags/{tag}", s.untagBuild).Methods(http.MethodDelete)

	// Deployments.
	api.HandleFunc("/deployments", s.listDeployments).Methods(http.MethodGet)
	api.HandleFunc("/deployments", s.createDeployment).Methods(http.MethodPost)
	api.HandleFunc("/deployments/{id}", s.getDeployment).Methods(http.MethodGet)
	api.HandleFunc("/deployments/{id}/rollback", s.rollbackDeployment).Methods(http.MethodPost)
	api.HandleFunc("/deployments/{id}/guest", s.destroyGuest).Methods(http.MethodDelete)

	// Pipelines.
	api.HandleFunc("/pipelines", s.listPipelines).Methods(http.MethodGet)
	api.HandleFunc("/pipelines", s.createPipeline).Methods(http.MethodPost)
	api.HandleFunc("/pipelines/stats", s.pipelineStats).Methods(http.MethodGet)
	api.HandleFunc("/pipelines/{id}", s.getPipeline).Methods(http.MethodGet)
	api.HandleFunc("/pipelines/{id}/cancel", s.cancelPipeline).Methods(http.MethodPost)
	api.HandleFunc("/pipelines/{id}/retry", s.retryPipeline).Methods(http.MethodPost)

	// Alerts.
	api.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/history", s.alertHistory).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.getAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.acknowledgeAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.resolveAlert).Methods(http.MethodPost)

	// Resource groups and allocations.
	api.HandleFunc("/groups", s.listGroups).Methods(http.MethodGet)
	api.HandleFunc("/groups", s.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/groups/{id}", s.getGroup).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}", s.deleteGroup).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{id}/policy", s.updateGroupPolicy).Methods(http.MethodPut)
	api.HandleFunc("/groups/{id}/stats", s.groupStats).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}/members/{assetID}", s.addGroupMember).Methods(http.MethodPut)
	api.HandleFunc("/groups/{id}/members/{assetID}", s.removeGroupMember).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{id}/allocations", s.listAllocations).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}/allocations", s.allocate).Methods(http.MethodPost)
	api.HandleFunc("/allocations/{id}", s.releaseAllocation).Methods(http.MethodDelete)

	api.HandleFunc("/overview", s.overview).Methods(http.MethodGet)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.deps.Clock.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", s.deps.Clock.Since(start)))
	})
}
