package types

import (
	"time"
)

// Priority orders jobs in the build queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank returns the numeric ordering weight (higher runs first).
func (p Priority) Rank() int { return priorityRank[p] }

// Valid reports whether p is a recognized priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// BuildJobStatus is the build job lifecycle. Terminal states are immutable.
type BuildJobStatus string

const (
	BuildQueued    BuildJobStatus = "queued"
	BuildBuilding  BuildJobStatus = "building"
	BuildCompleted BuildJobStatus = "completed"
	BuildFailed    BuildJobStatus = "failed"
	BuildCancelled BuildJobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s BuildJobStatus) Terminal() bool {
	return s == BuildCompleted || s == BuildFailed || s == BuildCancelled
}

// CustomBuild replaces the standard kernel build flow with verbatim command
// sequences.
type CustomBuild struct {
	PreBuild  []string `json:"pre_build,omitempty"`
	Build     []string `json:"build"`
	PostBuild []string `json:"post_build,omitempty"`
}

// BuildConfig describes how the executor turns a checkout into artifacts.
type BuildConfig struct {
	// ConfigName is the defconfig target for the standard flow.
	ConfigName string `json:"config_name,omitempty"`

	// ExtraArgs are appended to the make invocation.
	ExtraArgs []string `json:"extra_args,omitempty"`

	// Env is exported into the remote build shell.
	Env map[string]string `json:"env,omitempty"`

	// BuildModules and BuildDeviceTrees enable the optional standard steps.
	BuildModules     bool `json:"build_modules"`
	BuildDeviceTrees bool `json:"build_device_trees"`

	// CloneDepth truncates git history (0 = full clone).
	CloneDepth int `json:"clone_depth,omitempty"`

	// Submodules clones submodules recursively.
	Submodules bool `json:"submodules,omitempty"`

	// Custom, when set, replaces the standard flow entirely.
	Custom *CustomBuild `json:"custom,omitempty"`

	// ArtifactPatterns override the configured collection globs.
	ArtifactPatterns []string `json:"artifact_patterns,omitempty"`

	// KeepWorkspace preserves the remote workspace after the build.
	KeepWorkspace bool `json:"keep_workspace,omitempty"`
}

// Clone returns a deep copy.
func (c BuildConfig) Clone() BuildConfig {
	out := c
	out.ExtraArgs = append([]string(nil), c.ExtraArgs...)
	out.ArtifactPatterns = append([]string(nil), c.ArtifactPatterns...)
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Custom != nil {
		cc := CustomBuild{
			PreBuild:  append([]string(nil), c.Custom.PreBuild...),
			Build:     append([]string(nil), c.Custom.Build...),
			PostBuild: append([]string(nil), c.Custom.PostBuild...),
		}
		out.Custom = &cc
	}
	return out
}

// BuildJob is a unit of work producing artifacts from source.
type BuildJob struct {
	ID string `json:"id"`

	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit,omitempty"`

	TargetArch string      `json:"target_arch"`
	Config     BuildConfig `json:"config"`

	Status   BuildJobStatus `json:"status"`
	Priority Priority       `json:"priority"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ServerID is set once a build server is assigned.
	ServerID string `json:"server_id,omitempty"`

	// ArtifactIDs are recorded as outputs are indexed.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`

	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`

	// RetriedFrom links a retry to the job it was cloned from.
	RetriedFrom string `json:"retried_from,omitempty"`
}

// Clone returns a deep copy.
func (j *BuildJob) Clone() *BuildJob {
	out := *j
	out.Config = j.Config.Clone()
	out.ArtifactIDs = append([]string(nil), j.ArtifactIDs...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
