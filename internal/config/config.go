// Package config loads fleetd configuration from YAML with environment
// overrides. Every recognized option has a default; a missing file or a
// missing value falls back to it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fleetd configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Health     HealthConfig     `yaml:"health"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Queue      QueueConfig      `yaml:"queue"`
	Selector   SelectorConfig   `yaml:"selector"`
	Build      BuildConfig      `yaml:"build"`
	Deployment DeploymentConfig `yaml:"deployment"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Pipelines  PipelinesConfig  `yaml:"pipelines"`
	Groups     GroupsConfig     `yaml:"groups"`
	Transport  TransportConfig  `yaml:"transport"`
	Server     ServerConfig     `yaml:"server"`
	State      StateConfig      `yaml:"state"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Credentials is the store assets reference by name. Secrets live
	// here (or in the paths this points at), never in the registry.
	Credentials map[string]Credential `yaml:"credentials,omitempty"`
}

// Credential is one entry in the credential store.
type Credential struct {
	User           string `yaml:"user"`
	Port           int    `yaml:"port,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
	Password       string `yaml:"password,omitempty"`
}

// HealthConfig drives the probe loops.
type HealthConfig struct {
	// IntervalSeconds between probes of the same asset.
	IntervalSeconds int `yaml:"interval_seconds"`

	// Jitter spreads probe start times by ±fraction of the interval.
	Jitter float64 `yaml:"jitter"`

	// MaxParallel caps concurrent probes across all assets.
	MaxParallel int64 `yaml:"max_parallel"`

	// RecoveryFailureThreshold is how many consecutive unreachable probes
	// send a board into recovery (power-cycle) when power is automatable.
	RecoveryFailureThreshold int `yaml:"recovery_failure_threshold"`

	// RecoverySettleSeconds is the wait after a recovery power-cycle
	// before the re-probe.
	RecoverySettleSeconds int `yaml:"recovery_settle_seconds"`
}

// Thresholds classify probe readings. Warn trips degraded, Crit trips
// unhealthy. FreeDisk inverts: readings below the bound trip.
type Thresholds struct {
	CPUWarnPercent float64 `yaml:"cpu_warn_percent"`
	CPUCritPercent float64 `yaml:"cpu_crit_percent"`

	MemoryWarnPercent float64 `yaml:"memory_warn_percent"`
	MemoryCritPercent float64 `yaml:"memory_crit_percent"`

	StorageWarnPercent float64 `yaml:"storage_warn_percent"`
	StorageCritPercent float64 `yaml:"storage_crit_percent"`

	FreeDiskWarnGB float64 `yaml:"free_disk_warn_gb"`
	FreeDiskCritGB float64 `yaml:"free_disk_crit_gb"`

	TempWarnCelsius float64 `yaml:"temp_warn_celsius"`
	TempCritCelsius float64 `yaml:"temp_crit_celsius"`

	ResponseWarnMs float64 `yaml:"response_warn_ms"`
	ResponseCritMs float64 `yaml:"response_crit_ms"`

	// ConsecutiveFailures before an asset is considered persistently
	// unreachable.
	ConsecutiveFailures int `yaml:"consecutive_failures"`
}

// ThresholdsConfig is the global thresholds plus per-asset overrides keyed by
// asset id.
type ThresholdsConfig struct {
	Thresholds `yaml:",inline"`

	PerAsset map[string]Thresholds `yaml:"per_asset,omitempty"`
}

// QueueConfig shapes the build queue.
type QueueConfig struct {
	MaxSize     int `yaml:"max_size"`
	TickSeconds int `yaml:"tick_seconds"`
}

// SelectorConfig shapes reservations.
type SelectorConfig struct {
	// ReservationTTLSeconds bounds how long a selection hold survives
	// without being confirmed or released.
	ReservationTTLSeconds int `yaml:"reservation_ttl_seconds"`

	// UtilizationCutoffPercent filters out candidates whose average
	// utilization exceeds it.
	UtilizationCutoffPercent float64 `yaml:"utilization_cutoff_percent"`
}

// BuildConfig shapes executors and the artifact store.
type BuildConfig struct {
	ArtifactRoot string `yaml:"artifact_root"`

	RetentionDays          int `yaml:"retention_days"`
	RetentionIntervalHours int `yaml:"retention_interval_hours"`

	// WorkspaceRoot is where executors create per-job remote workspaces.
	WorkspaceRoot string `yaml:"workspace_root"`

	// WorkspaceKeep preserves remote workspaces after every build.
	WorkspaceKeep bool `yaml:"workspace_keep"`

	// ArtifactPatterns are the default collection globs, relative to the
	// remote workspace.
	ArtifactPatterns []string `yaml:"artifact_patterns,omitempty"`

	// ExecTimeoutSeconds bounds a single remote build command.
	ExecTimeoutSeconds int `yaml:"exec_timeout_seconds"`

	// LogBufferLines bounds the in-memory per-job log ring.
	LogBufferLines int `yaml:"log_buffer_lines"`
}

// DeploymentConfig shapes the orchestrator.
type DeploymentConfig struct {
	BootTimeoutSeconds     int `yaml:"boot_timeout_seconds"`
	TransferTimeoutSeconds int `yaml:"transfer_timeout_seconds"`

	// VerifyPollSeconds is the interval between boot liveness probes.
	VerifyPollSeconds int `yaml:"verify_poll_seconds"`

	// StagingDir is where board artifacts land before flashing.
	StagingDir string `yaml:"staging_dir"`

	// DeployDir is where virt-host artifacts land.
	DeployDir string `yaml:"deploy_dir"`

	// HistoryLimit keeps the last N deployments per target.
	HistoryLimit int `yaml:"history_limit"`
}

// AlertsConfig shapes the alert service.
type AlertsConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// PerCategoryCooldownSeconds overrides the cool-down per category.
	PerCategoryCooldownSeconds map[string]int `yaml:"per_category_cooldown_seconds,omitempty"`

	MaxHistory int `yaml:"max_history"`

	// LatencyBudgetSeconds is the contract between detection and record;
	// violations log a warning.
	LatencyBudgetSeconds int `yaml:"latency_budget_seconds"`

	// QueueSize bounds the inbound event queue.
	QueueSize int `yaml:"queue_size"`

	// Channels enables delivery targets: dashboard, email, webhook, chat.
	Channels []string `yaml:"channels,omitempty"`

	WebhookURL string `yaml:"webhook_url,omitempty"`

	// ChatWebhookURL receives Slack-compatible payloads.
	ChatWebhookURL string `yaml:"chat_webhook_url,omitempty"`

	SMTPAddr  string   `yaml:"smtp_addr,omitempty"`
	EmailFrom string   `yaml:"email_from,omitempty"`
	EmailTo   []string `yaml:"email_to,omitempty"`
}

// PipelinesConfig shapes the stage sequencer.
type PipelinesConfig struct {
	DefaultMaxRetries   int `yaml:"default_max_retries"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`
}

// GroupsConfig shapes allocation policy defaults.
type GroupsConfig struct {
	// DefaultMaxAllocationDurationSeconds applies when a group's policy
	// does not set one. Zero means unlimited.
	DefaultMaxAllocationDurationSeconds int `yaml:"default_max_allocation_duration_seconds"`

	ReaperIntervalSeconds int `yaml:"reaper_interval_seconds"`
}

// TransportConfig selects and tunes the adapter backends.
type TransportConfig struct {
	// Mode selects the backend family: "ssh" for real transports,
	// "mock" for the deterministic in-memory ones.
	Mode string `yaml:"mode"`

	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ExecTimeoutSeconds    int `yaml:"exec_timeout_seconds"`

	// RetryMax and RetryBaseMs shape the transport-error backoff
	// (base << attempt, capped).
	RetryMax    int `yaml:"retry_max"`
	RetryBaseMs int `yaml:"retry_base_ms"`

	// PoolMaxPerKey caps pooled connections per (user, host, port).
	PoolMaxPerKey int `yaml:"pool_max_per_key"`

	// BreakerMaxFailures consecutive connect failures open the per-host
	// circuit; BreakerCooldownSeconds is the open interval.
	BreakerMaxFailures     int `yaml:"breaker_max_failures"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`

	// KnownHostsPath enables host-key checking; empty accepts any key,
	// the usual posture inside an isolated lab network.
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`
}

// ServerConfig shapes the REST listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	ReadTimeoutSeconds   int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds  int `yaml:"write_timeout_seconds"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// StateConfig locates persisted state.
type StateConfig struct {
	// Dir holds the per-kind JSON files replayed at startup.
	Dir string `yaml:"dir"`

	// DatabasePath is the sqlite file backing the artifact index and
	// deployment history.
	DatabasePath string `yaml:"database_path"`

	// PersistDebounceMs coalesces bursts of mutations into one write.
	PersistDebounceMs int `yaml:"persist_debounce_ms"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "fleetd",
		Version: "1.0.0",

		Health: HealthConfig{
			IntervalSeconds:          30,
			Jitter:                   0.1,
			MaxParallel:              32,
			RecoveryFailureThreshold: 1,
			RecoverySettleSeconds:    10,
		},

		Thresholds: ThresholdsConfig{
			Thresholds: Thresholds{
				CPUWarnPercent:      85,
				CPUCritPercent:      95,
				MemoryWarnPercent:   85,
				MemoryCritPercent:   95,
				StorageWarnPercent:  85,
				StorageCritPercent:  95,
				FreeDiskWarnGB:      10,
				FreeDiskCritGB:      5,
				TempWarnCelsius:     70,
				TempCritCelsius:     85,
				ResponseWarnMs:      5000,
				ResponseCritMs:      10000,
				ConsecutiveFailures: 3,
			},
		},

		Queue: QueueConfig{
			MaxSize:     1000,
			TickSeconds: 10,
		},

		Selector: SelectorConfig{
			ReservationTTLSeconds:    30,
			UtilizationCutoffPercent: 90,
		},

		Build: BuildConfig{
			ArtifactRoot:           "/var/lib/artifacts",
			RetentionDays:          30,
			RetentionIntervalHours: 24,
			WorkspaceRoot:          "/var/tmp/fleet-builds",
			WorkspaceKeep:          false,
			ArtifactPatterns: []string{
				"arch/*/boot/Image",
				"arch/*/boot/zImage",
				"arch/*/boot/bzImage",
				"arch/*/boot/Image.gz",
				"arch/*/boot/dts/*.dtb",
				"arch/*/boot/dts/*/*.dtb",
			},
			ExecTimeoutSeconds: 3600,
			LogBufferLines:     10000,
		},

		Deployment: DeploymentConfig{
			BootTimeoutSeconds:     120,
			TransferTimeoutSeconds: 300,
			VerifyPollSeconds:      5,
			StagingDir:             "/var/tmp/fleet-staging",
			DeployDir:              "/var/lib/fleet-deploy",
			HistoryLimit:           100,
		},

		Alerts: AlertsConfig{
			CooldownSeconds:      300,
			MaxHistory:           10000,
			LatencyBudgetSeconds: 30,
			QueueSize:            256,
			Channels:             []string{"dashboard"},
		},

		Pipelines: PipelinesConfig{
			DefaultMaxRetries:   2,
			RetryBackoffSeconds: 1,
		},

		Groups: GroupsConfig{
			DefaultMaxAllocationDurationSeconds: 0,
			ReaperIntervalSeconds:               60,
		},

		Transport: TransportConfig{
			Mode:                   "ssh",
			ConnectTimeoutSeconds:  10,
			ExecTimeoutSeconds:     60,
			RetryMax:               3,
			RetryBaseMs:            100,
			PoolMaxPerKey:          4,
			BreakerMaxFailures:     5,
			BreakerCooldownSeconds: 30,
		},

		Server: ServerConfig{
			Listen:               ":8080",
			ReadTimeoutSeconds:   30,
			WriteTimeoutSeconds:  30,
			ShutdownGraceSeconds: 10,
		},

		State: StateConfig{
			Dir:               "data/state",
			DatabasePath:      "data/fleetd.db",
			PersistDebounceMs: 500,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults;
// environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies FLEETD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	envInt("FLEETD_HEALTH_INTERVAL_SECONDS", &c.Health.IntervalSeconds)
	envFloat("FLEETD_HEALTH_JITTER", &c.Health.Jitter)
	envInt64("FLEETD_HEALTH_MAX_PARALLEL", &c.Health.MaxParallel)

	envFloat("FLEETD_THRESHOLDS_CPU_WARN", &c.Thresholds.CPUWarnPercent)
	envFloat("FLEETD_THRESHOLDS_CPU_CRIT", &c.Thresholds.CPUCritPercent)
	envFloat("FLEETD_THRESHOLDS_MEMORY_WARN", &c.Thresholds.MemoryWarnPercent)
	envFloat("FLEETD_THRESHOLDS_MEMORY_CRIT", &c.Thresholds.MemoryCritPercent)
	envFloat("FLEETD_THRESHOLDS_STORAGE_WARN", &c.Thresholds.StorageWarnPercent)
	envFloat("FLEETD_THRESHOLDS_STORAGE_CRIT", &c.Thresholds.StorageCritPercent)
	envFloat("FLEETD_THRESHOLDS_TEMP_WARN", &c.Thresholds.TempWarnCelsius)
	envFloat("FLEETD_THRESHOLDS_TEMP_CRIT", &c.Thresholds.TempCritCelsius)

	envInt("FLEETD_QUEUE_MAX_SIZE", &c.Queue.MaxSize)
	envInt("FLEETD_QUEUE_TICK_SECONDS", &c.Queue.TickSeconds)

	envStr("FLEETD_BUILD_ARTIFACT_ROOT", &c.Build.ArtifactRoot)
	envInt("FLEETD_BUILD_RETENTION_DAYS", &c.Build.RetentionDays)
	envBool("FLEETD_BUILD_WORKSPACE_KEEP", &c.Build.WorkspaceKeep)

	envInt("FLEETD_DEPLOYMENT_BOOT_TIMEOUT", &c.Deployment.BootTimeoutSeconds)
	envInt("FLEETD_DEPLOYMENT_TRANSFER_TIMEOUT", &c.Deployment.TransferTimeoutSeconds)

	envInt("FLEETD_ALERTS_COOLDOWN_SECONDS", &c.Alerts.CooldownSeconds)
	envInt("FLEETD_ALERTS_MAX_HISTORY", &c.Alerts.MaxHistory)
	envStr("FLEETD_ALERTS_WEBHOOK_URL", &c.Alerts.WebhookURL)

	envInt("FLEETD_PIPELINES_DEFAULT_MAX_RETRIES", &c.Pipelines.DefaultMaxRetries)
	envInt("FLEETD_PIPELINES_RETRY_BACKOFF_SECONDS", &c.Pipelines.RetryBackoffSeconds)

	envInt("FLEETD_GROUPS_DEFAULT_MAX_ALLOCATION_DURATION_SECONDS",
		&c.Groups.DefaultMaxAllocationDurationSeconds)

	envStr("FLEETD_TRANSPORT_MODE", &c.Transport.Mode)
	envStr("FLEETD_SERVER_LISTEN", &c.Server.Listen)
	envStr("FLEETD_STATE_DIR", &c.State.Dir)
	envStr("FLEETD_STATE_DATABASE", &c.State.DatabasePath)
	envStr("FLEETD_LOG_LEVEL", &c.Logging.Level)
	envStr("FLEETD_LOG_FORMAT", &c.Logging.Format)
	envStr("FLEETD_LOG_FILE", &c.Logging.File)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// ===== Duration getters =====

// HealthInterval returns the probe interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

// RecoverySettle returns the post-power-cycle settle delay.
func (c *Config) RecoverySettle() time.Duration {
	return time.Duration(c.Health.RecoverySettleSeconds) * time.Second
}

// QueueTick returns the scheduler tick interval.
func (c *Config) QueueTick() time.Duration {
	return time.Duration(c.Queue.TickSeconds) * time.Second
}

// ReservationTTL returns the selection hold lifetime.
func (c *Config) ReservationTTL() time.Duration {
	return time.Duration(c.Selector.ReservationTTLSeconds) * time.Second
}

// BootTimeout returns the deployment boot wait bound.
func (c *Config) BootTimeout() time.Duration {
	return time.Duration(c.Deployment.BootTimeoutSeconds) * time.Second
}

// TransferTimeout returns the artifact transfer bound.
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.Deployment.TransferTimeoutSeconds) * time.Second
}

// VerifyPoll returns the boot liveness poll interval.
func (c *Config) VerifyPoll() time.Duration {
	return time.Duration(c.Deployment.VerifyPollSeconds) * time.Second
}

// AlertCooldown returns the default repeat-suppression window.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.Alerts.CooldownSeconds) * time.Second
}

// AlertLatencyBudget returns the detection-to-record contract.
func (c *Config) AlertLatencyBudget() time.Duration {
	return time.Duration(c.Alerts.LatencyBudgetSeconds) * time.Second
}

// PipelineRetryBackoff returns the between-retries delay.
func (c *Config) PipelineRetryBackoff() time.Duration {
	return time.Duration(c.Pipelines.RetryBackoffSeconds) * time.Second
}

// DefaultMaxAllocationDuration returns the group allocation lease default.
func (c *Config) DefaultMaxAllocationDuration() time.Duration {
	return time.Duration(c.Groups.DefaultMaxAllocationDurationSeconds) * time.Second
}

// ConnectTimeout returns the transport dial bound.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Transport.ConnectTimeoutSeconds) * time.Second
}

// ExecTimeout returns the default remote command bound.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Transport.ExecTimeoutSeconds) * time.Second
}

// RetryBase returns the transport backoff base.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Transport.RetryBaseMs) * time.Millisecond
}

// BreakerCooldown returns the per-host circuit open interval.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Transport.BreakerCooldownSeconds) * time.Second
}

// PersistDebounce returns the state write coalescing window.
func (c *Config) PersistDebounce() time.Duration {
	return time.Duration(c.State.PersistDebounceMs) * time.Millisecond
}

// RetentionWindow returns the artifact retention age bound.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Build.RetentionDays) * 24 * time.Hour
}

// RetentionInterval returns how often the retention job runs.
func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.Build.RetentionIntervalHours) * time.Hour
}

// CategoryCooldown returns the cool-down for an alert category, falling back
// to the global default.
func (c *Config) CategoryCooldown(category string) time.Duration {
	if s, ok := c.Alerts.PerCategoryCooldownSeconds[category]; ok {
		return time.Duration(s) * time.Second
	}
	return c.AlertCooldown()
}

// ThresholdsFor returns the thresholds for an asset, honoring per-asset
// overrides.
func (c *Config) ThresholdsFor(assetID string) Thresholds {
	if t, ok := c.Thresholds.PerAsset[assetID]; ok {
		return t
	}
	return c.Thresholds.Thresholds
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Health.IntervalSeconds <= 0 {
		return fmt.Errorf("health.interval_seconds must be positive, got %d", c.Health.IntervalSeconds)
	}
	if c.Health.Jitter < 0 || c.Health.Jitter >= 1 {
		return fmt.Errorf("health.jitter must be in [0,1), got %f", c.Health.Jitter)
	}
	if c.Health.MaxParallel <= 0 {
		return fmt.Errorf("health.max_parallel must be positive, got %d", c.Health.MaxParallel)
	}

	pairs := []struct {
		name       string
		warn, crit float64
	}{
		{"cpu", c.Thresholds.CPUWarnPercent, c.Thresholds.CPUCritPercent},
		{"memory", c.Thresholds.MemoryWarnPercent, c.Thresholds.MemoryCritPercent},
		{"storage", c.Thresholds.StorageWarnPercent, c.Thresholds.StorageCritPercent},
		{"temp", c.Thresholds.TempWarnCelsius, c.Thresholds.TempCritCelsius},
		{"response", c.Thresholds.ResponseWarnMs, c.Thresholds.ResponseCritMs},
	}
	for _, p := range pairs {
		if p.warn > p.crit {
			return fmt.Errorf("thresholds.%s warn %0.f exceeds crit %0.f", p.name, p.warn, p.crit)
		}
	}
	// Free disk is a floor: warn must sit above crit.
	if c.Thresholds.FreeDiskWarnGB < c.Thresholds.FreeDiskCritGB {
		return fmt.Errorf("thresholds.free_disk warn %0.f below crit %0.f",
			c.Thresholds.FreeDiskWarnGB, c.Thresholds.FreeDiskCritGB)
	}

	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Pipelines.DefaultMaxRetries < 0 {
		return fmt.Errorf("pipelines.default_max_retries must not be negative")
	}

	switch c.Transport.Mode {
	case "ssh", "mock":
	default:
		return fmt.Errorf("invalid transport.mode: %s (valid: ssh, mock)", c.Transport.Mode)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}
