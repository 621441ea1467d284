// Package fleetd assembles the control-plane subsystems into one daemon:
// registry and health over the transport hub, the build queue and artifact
// index, deployment and pipeline orchestration, and the REST boundary.
package fleetd

import (
	"context"
	"database/sql"
	"net/http"
	"path/filepath"

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
	"fleetd/internal/selector"
	"fleetd/internal/server"
	"fleetd/internal/state"
	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// Daemon owns every subsystem and their start/stop ordering.
type Daemon struct {
	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger
	clk     clock.Clock

	db  *sql.DB
	hub *transport.Hub

	reg    *registry.Registry
	health *health.Engine
	alerts *alerts.Service
	sel    *selector.Selector
	groups *groups.Manager
	idx    *artifacts.Index
	builds *buildqueue.Manager
	deploy *deploy.Orchestrator
	pipes  *pipeline.Engine
	srv    *server.Server

	savers  []*state.Saver
	watcher *config.Watcher

	watchCtx    context.Context
	watchCancel context.CancelFunc

	eventsDone chan struct{}
}

// New builds the daemon and replays persisted state. cfgPath enables config
// hot-reload when non-empty; pass "" when the config came from defaults.
func New(cfg *config.Config, cfgPath string, logger *zap.Logger) (*Daemon, error) {
	clk := clock.Real()
	d := &Daemon{
		cfg:        cfg,
		cfgPath:    cfgPath,
		logger:     logger,
		clk:        clk,
		eventsDone: make(chan struct{}),
	}

	var err error
	if d.hub, err = transport.NewHub(cfg, clk, logger); err != nil {
		return nil, err
	}
	if d.db, err = state.OpenDB(filepath.Join(cfg.State.Dir, "fleet.db")); err != nil {
		d.hub.Close()
		return nil, err
	}

	d.reg = registry.New(clk, logger)
	if d.idx, err = artifacts.New(cfg, d.db, clk, logger); err != nil {
		d.close()
		return nil, err
	}
	d.sel = selector.New(cfg, d.reg, clk, logger)
	d.groups = groups.New(cfg, d.reg, clk, logger)
	d.sel.SetPolicyGate(d.groups)
	d.builds = buildqueue.New(cfg, d.reg, d.sel, d.idx, d.hub, clk, logger)
	if d.deploy, err = deploy.New(cfg, d.reg, d.idx, d.hub, d.db, clk, logger); err != nil {
		d.close()
		return nil, err
	}
	d.pipes = pipeline.New(cfg, clk, logger)
	d.registerStageHandlers()

	d.health = health.New(cfg, d.reg, d.hub, clk, logger)
	d.alerts = alerts.New(cfg, clk, logger)
	d.registerAlertChannels()

	d.srv = server.New(cfg, server.Deps{
		Registry:  d.reg,
		Health:    d.health,
		Alerts:    d.alerts,
		Groups:    d.groups,
		Builds:    d.builds,
		Artifacts: d.idx,
		Deploy:    d.deploy,
		Pipelines: d.pipes,
		Hub:       d.hub,
		Clock:     clk,
	}, logger)

	if err := d.replayState(); err != nil {
		d.close()
		return nil, err
	}
	d.wireSavers()
	return d, nil
}

// replayState reloads everything the previous run persisted.
func (d *Daemon) replayState() error {
	dir := d.cfg.State.Dir
	assets, err := registry.LoadDir(dir)
	if err != nil {
		return err
	}
	if err := d.reg.Restore(assets); err != nil {
		return err
	}
	if err := d.groups.Load(dir); err != nil {
		return err
	}
	if err := d.builds.Load(dir); err != nil {
		return err
	}
	return d.pipes.Load(dir)
}

// wireSavers attaches a debounced persister to every mutable store.
func (d *Daemon) wireSavers() {
	dir := d.cfg.State.Dir
	debounce := d.cfg.PersistDebounce()
	add := func(name string, hook func(func()), save func(string) error) {
		saver := state.NewSaver(name, debounce, func() error { return save(dir) },
			d.clk, d.logger)
		hook(saver.Kick)
		d.savers = append(d.savers, saver)
	}
	add("registry", d.reg.SetOnChange, d.reg.Save)
	add("groups", d.groups.SetOnChange, d.groups.Save)
	add("build-jobs", d.builds.SetOnChange, d.builds.Save)
	add("pipelines", d.pipes.SetOnChange, d.pipes.Save)
}

func (d *Daemon) registerAlertChannels() {
	cfg := d.cfg
	d.alerts.RegisterChannel("dashboard", alerts.NewDashboardChannel(cfg.Alerts.MaxHistory))
	if cfg.Alerts.WebhookURL != "" {
		d.alerts.RegisterChannel("webhook", alerts.NewWebhookChannel(cfg.Alerts.WebhookURL, nil))
	}
	if cfg.Alerts.ChatWebhookURL != "" {
		d.alerts.RegisterChannel("chat", alerts.NewChatChannel(cfg.Alerts.ChatWebhookURL, nil))
	}
	if cfg.Alerts.SMTPAddr != "" {
		d.alerts.RegisterChannel("email",
			alerts.NewEmailChannel(cfg.Alerts.SMTPAddr, cfg.Alerts.EmailFrom, cfg.Alerts.EmailTo))
	}
}

// Start brings the subsystems up in dependency order.
func (d *Daemon) Start() error {
	for _, s := range d.savers {
		s.Start()
	}

	d.health.Start()
	go d.pumpHealthEvents()

	d.groups.StartReaper()
	d.idx.StartRetention()
	d.builds.Start()

	if d.cfgPath != "" {
		w, err := config.NewWatcher(d.cfgPath, d.logger, d.onConfigReload)
		if err != nil {
			d.logger.Warn("config watcher unavailable", zap.Error(err))
		} else {
			d.watcher = w
			d.watchCtx, d.watchCancel = context.WithCancel(context.Background())
			if err := w.Start(d.watchCtx); err != nil {
				d.logger.Warn("config watch not started", zap.Error(err))
			}
		}
	}

	if err := d.srv.Start(); err != nil {
		return err
	}
	d.logger.Info("fleetd started", zap.String("listen", d.cfg.Server.Listen))
	return nil
}

// pumpHealthEvents fans health transitions out to the alert service and
// nudges the build queue: capacity may have changed either way.
func (d *Daemon) pumpHealthEvents() {
	defer close(d.eventsDone)
	for event := range d.health.Events() {
		d.alerts.HandleEvent(event)
		// A recovered server may unblock queued work; a degraded one
		// changes the candidate set for the next scan either way.
		if event.Kind == types.KindBuildServer {
			d.builds.Wake()
		}
	}
}

// onConfigReload applies hot-reloadable settings: probe thresholds and alert
// cool-downs. Structural settings (listen address, state dir) need a restart.
func (d *Daemon) onConfigReload(cfg *config.Config) {
	d.health.SetConfig(cfg)
	d.alerts.SetConfig(cfg)
	d.logger.Info("configuration reloaded", zap.String("path", d.cfgPath))
}

// Stop winds the daemon down in reverse order, flushing persisted state.
func (d *Daemon) Stop() error {
	err := d.srv.Stop()

	if d.watcher != nil {
		d.watchCancel()
		d.watcher.Stop()
	}

	d.builds.Stop()
	d.pipes.Stop()
	d.deploy.Stop()
	d.idx.StopRetention()
	d.groups.StopReaper()

	d.health.Stop()
	<-d.eventsDone

	for _, s := range d.savers {
		s.Stop()
	}
	d.close()
	d.logger.Info("fleetd stopped")
	return err
}

func (d *Daemon) close() {
	if d.db != nil {
		d.db.Close()
	}
	if d.hub != nil {
		d.hub.Close()
	}
}

// Handler exposes the REST routes without a listener, for embedding and
// tests.
func (d *Daemon) Handler() http.Handler { return d.srv.Handler() }
