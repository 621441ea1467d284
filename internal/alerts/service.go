// Package alerts turns health degradation events into routed alert records.
// One active alert per (resource, category) at a time; a per-category
// cool-down suppresses repeats after resolution. Generation latency against
// the detection timestamp is tracked and has a 30 second budget.
package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/config"
	"fleetd/internal/types"
)

// Channel delivers one alert to one destination. Delivery is best-effort;
// the outcome is recorded on the alert and never rolls back its creation.
type Channel interface {
	Deliver(ctx context.Context, alert *types.Alert) error
}

// dedupeKey identifies the active-alert and cool-down buckets.
type dedupeKey struct {
	resourceID string
	category   types.AlertCategory
}

// Service owns alert state and the event consumption loop.
type Service struct {
	clk    clock.Clock
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu sync.Mutex

	// alerts holds every alert still queryable, newest appended last.
	alerts  []*types.Alert
	byID    map[string]*types.Alert
	active  map[dedupeKey]*types.Alert
	lastGen map[dedupeKey]time.Time

	channels map[string]Channel

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds the service; RegisterChannel before Start.
func New(cfg *config.Config, clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		clk:      clk,
		logger:   logger.Named("alerts"),
		cfg:      cfg,
		byID:     make(map[string]*types.Alert),
		active:   make(map[dedupeKey]*types.Alert),
		lastGen:  make(map[dedupeKey]time.Time),
		channels: make(map[string]Channel),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetConfig swaps cool-downs and history bounds at runtime.
func (s *Service) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Service) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// RegisterChannel installs a delivery target under a name from
// alerts.channels. Call before Start.
func (s *Service) RegisterChannel(name string, ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[name] = ch
}

// Start consumes the health engine's event stream until it closes or Stop is
// called.
func (s *Service) Start(events <-chan types.HealthEvent) {
	go func() {
		defer close(s.doneCh)
		for {
			select {
			case <-s.stopCh:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				s.HandleEvent(event)
			}
		}
	}()
}

// Stop halts the consumption loop.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// HandleEvent translates one level-change event into alert records. Recovery
// events auto-resolve instead of generating.
func (s *Service) HandleEvent(event types.HealthEvent) {
	if event.NewLevel == types.LevelHealthy {
		s.AutoResolveForResource(event.AssetID, "probe healthy")
		return
	}
	if !event.NewLevel.WorseThan(event.OldLevel) {
		// Partial recovery (unreachable -> degraded): nothing new to say,
		// but connectivity is evidently back.
		if event.OldLevel == types.LevelUnreachable {
			s.resolveCategory(event.AssetID, types.CategoryConnectivity, "reachable again")
		}
		return
	}

	if event.NewLevel == types.LevelUnreachable {
		detail := ""
		if event.Result != nil {
			detail = event.Result.TransportError
		}
		s.generate(event, types.CategoryConnectivity, types.SeverityCritical,
			event.Hostname+" is unreachable", detail)
		return
	}

	severity := severityFor(event.NewLevel)
	categories := failingCategories(event.Result)
	if len(categories) == 0 {
		categories = []types.AlertCategory{types.CategoryHealth}
	}
	for _, cat := range categories {
		s.generate(event, cat, severity,
			event.Hostname+" "+string(event.NewLevel)+" ("+string(cat)+")",
			detailFor(event.Result, cat))
	}
}

// generate creates one alert unless the (resource, category) pair already has
// an active alert or sits inside its cool-down window.
func (s *Service) generate(event types.HealthEvent, category types.AlertCategory, severity types.AlertSeverity, title, message string) {
	cfg := s.config()
	now := s.clk.Now().UTC()
	key := dedupeKey{resourceID: event.AssetID, category: category}

	s.mu.Lock()
	if _, exists := s.active[key]; exists {
		s.mu.Unlock()
		return
	}
	if last, ok := s.lastGen[key]; ok && now.Sub(last) < cfg.CategoryCooldown(string(category)) {
		s.mu.Unlock()
		return
	}

	alert := &types.Alert{
		ID:                types.NewID("alr"),
		ResourceID:        event.AssetID,
		ResourceKind:      event.Kind,
		Severity:          severity,
		Category:          category,
		Status:            types.AlertActive,
		Title:             title,
		Message:           message,
		DetectedAt:        event.DetectedAt,
		CreatedAt:         now,
		UpdatedAt:         now,
		GenerationLatency: now.Sub(event.DetectedAt),
	}
	s.alerts = append(s.alerts, alert)
	s.byID[alert.ID] = alert
	s.active[key] = alert
	s.lastGen[key] = now
	s.trimHistoryLocked(cfg.Alerts.MaxHistory)
	channels := s.enabledChannelsLocked(cfg)
	s.mu.Unlock()

	if alert.GenerationLatency > cfg.AlertLatencyBudget() {
		s.logger.Warn("alert latency budget exceeded",
			zap.String("alert", alert.ID),
			zap.String("resource", alert.ResourceID),
			zap.Duration("latency", alert.GenerationLatency),
			zap.Duration("budget", cfg.AlertLatencyBudget()))
	}
	s.logger.Info("alert generated",
		zap.String("alert", alert.ID),
		zap.String("resource", alert.ResourceID),
		zap.String("category", string(category)),
		zap.String("severity", string(severity)))

	s.deliver(alert, channels)
}

// deliver fans the alert out to every enabled channel and records each
// outcome. A failed channel never affects the others.
func (s *Service) deliver(alert *types.Alert, channels map[string]Channel) {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := channels[name].Deliver(ctx, alert.Clone())
		cancel()

		record := types.AlertDelivery{Channel: name, OK: err == nil, At: s.clk.Now().UTC()}
		if err != nil {
			record.Error = err.Error()
			s.logger.Warn("alert delivery failed",
				zap.String("alert", alert.ID),
				zap.String("channel", name),
				zap.Error(err))
		}
		s.mu.Lock()
		alert.Deliveries = append(alert.Deliveries, record)
		s.mu.Unlock()
	}
}

func (s *Service) enabledChannelsLocked(cfg *config.Config) map[string]Channel {
	out := make(map[string]Channel)
	for _, name := range cfg.Alerts.Channels {
		if ch, ok := s.channels[name]; ok {
			out[name] = ch
		}
	}
	return out
}

// Acknowledge marks an active alert as seen by an actor.
func (s *Service) Acknowledge(id, by string) (*types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.byID[id]
	if !ok {
		return nil, types.NotFoundf("alert %s", id)
	}
	if alert.Status != types.AlertActive {
		return nil, types.Conflictf("alert %s is %s, only active alerts can be acknowledged", id, alert.Status)
	}
	now := s.clk.Now().UTC()
	alert.Status = types.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = by
	alert.UpdatedAt = now
	return alert.Clone(), nil
}

// Resolve closes an alert manually.
func (s *Service) Resolve(id, by string) (*types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.byID[id]
	if !ok {
		return nil, types.NotFoundf("alert %s", id)
	}
	if alert.Status == types.AlertResolved {
		return nil, types.Conflictf("alert %s is already resolved", id)
	}
	s.resolveLocked(alert, by)
	return alert.Clone(), nil
}

// AutoResolveForResource closes every open alert on the resource, typically
// after a probe reports it healthy again.
func (s *Service) AutoResolveForResource(resourceID, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	resolved := 0
	for key, alert := range s.active {
		if key.resourceID != resourceID {
			continue
		}
		s.resolveLocked(alert, "auto:"+reason)
		resolved++
	}
	if resolved > 0 {
		s.logger.Info("alerts auto-resolved",
			zap.String("resource", resourceID),
			zap.Int("count", resolved),
			zap.String("reason", reason))
	}
	return resolved
}

func (s *Service) resolveCategory(resourceID string, category types.AlertCategory, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupeKey{resourceID: resourceID, category: category}
	if alert, ok := s.active[key]; ok {
		s.resolveLocked(alert, "auto:"+reason)
	}
}

// resolveLocked finalizes the alert and frees its dedupe slot.
func (s *Service) resolveLocked(alert *types.Alert, by string) {
	now := s.clk.Now().UTC()
	alert.Status = types.AlertResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = by
	alert.UpdatedAt = now
	delete(s.active, dedupeKey{resourceID: alert.ResourceID, category: alert.Category})
}

// ActiveFilter narrows Active queries; zero values match everything.
type ActiveFilter struct {
	ResourceID string
	Severity   types.AlertSeverity
	Category   types.AlertCategory
}

// Active returns open (active or acknowledged) alerts, newest first.
func (s *Service) Active(filter ActiveFilter) []*types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.Status != types.AlertActive && a.Status != types.AlertAcknowledged {
			continue
		}
		if filter.ResourceID != "" && a.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		out = append(out, a.Clone())
	}
	return out
}

// Get returns one alert by id.
func (s *Service) Get(id string) (*types.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.byID[id]
	if !ok {
		return nil, types.NotFoundf("alert %s", id)
	}
	return alert.Clone(), nil
}

// History returns the most recent alerts regardless of status, newest first,
// capped at limit (and always at alerts.max_history).
func (s *Service) History(limit int) []*types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.alerts) {
		limit = len(s.alerts)
	}
	out := make([]*types.Alert, 0, limit)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.alerts[i].Clone())
	}
	return out
}

// CountBySeverity tallies open alerts.
func (s *Service) CountBySeverity() map[types.AlertSeverity]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.AlertSeverity]int)
	for _, a := range s.alerts {
		if a.Status == types.AlertActive || a.Status == types.AlertAcknowledged {
			out[a.Severity]++
		}
	}
	return out
}

// trimHistoryLocked drops the oldest resolved alerts past the history cap.
// Open alerts are never trimmed.
func (s *Service) trimHistoryLocked(max int) {
	if max <= 0 || len(s.alerts) <= max {
		return
	}
	kept := s.alerts[:0]
	over := len(s.alerts) - max
	for _, a := range s.alerts {
		if over > 0 && a.Status == types.AlertResolved {
			delete(s.byID, a.ID)
			over--
			continue
		}
		kept = append(kept, a)
	}
	s.alerts = kept
}

func severityFor(level types.HealthLevel) types.AlertSeverity {
	switch level {
	case types.LevelDegraded:
		return types.SeverityWarning
	case types.LevelUnhealthy:
		return types.SeverityError
	case types.LevelUnreachable:
		return types.SeverityCritical
	default:
		return types.SeverityInfo
	}
}

// failingCategories maps non-passing checks onto alert categories. Gauges on
// the same underlying resource collapse: cpu, memory, storage and free-disk
// all file under utilization.
func failingCategories(result *types.HealthCheckResult) []types.AlertCategory {
	if result == nil {
		return nil
	}
	seen := make(map[types.AlertCategory]struct{})
	var out []types.AlertCategory
	for _, c := range result.Checks {
		if c.Status == types.CheckPass {
			continue
		}
		cat := categoryFor(c.Category)
		if _, dup := seen[cat]; dup {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	return out
}

func categoryFor(check string) types.AlertCategory {
	switch check {
	case "temperature":
		return types.CategoryTemperature
	case "connectivity", "response-time":
		return types.CategoryConnectivity
	case "cpu", "memory", "storage", "free-disk":
		return types.CategoryUtilization
	default:
		return types.CategoryHealth
	}
}

func detailFor(result *types.HealthCheckResult, category types.AlertCategory) string {
	if result == nil {
		return ""
	}
	for _, c := range result.Checks {
		if c.Status != types.CheckPass && categoryFor(c.Category) == category {
			return c.Category + " at " + c.Detail
		}
	}
	return ""
}
