package types

import (
	"time"
)

// EnvironmentKind selects where a pipeline deploys and tests.
type EnvironmentKind string

const (
	EnvVirt  EnvironmentKind = "virt"
	EnvBoard EnvironmentKind = "board"
)

// Valid reports whether k is a recognized environment kind.
func (k EnvironmentKind) Valid() bool { return k == EnvVirt || k == EnvBoard }

// StageType identifies the fixed pipeline stages, in execution order.
type StageType string

const (
	StageBuild  StageType = "build"
	StageDeploy StageType = "deploy"
	StageBoot   StageType = "boot"
	StageTest   StageType = "test"
)

// StageOrder is the fixed stage sequence of every pipeline.
var StageOrder = []StageType{StageBuild, StageDeploy, StageBoot, StageTest}

// StageStatus is the per-stage lifecycle.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// PipelineStatus is the whole-pipeline lifecycle. Terminal states are
// historical only.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineCompleted || s == PipelineFailed || s == PipelineCancelled
}

// Stage is one step of a pipeline.
type Stage struct {
	Name string    `json:"name"`
	Type StageType `json:"type"`

	Status StageStatus `json:"status"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// OutputID references what the stage produced: a build id, a
	// deployment id, or a handler-defined identifier.
	OutputID string `json:"output_id,omitempty"`

	// Logs capture the handler's progress lines for diagnosis.
	Logs []string `json:"logs,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// TestConfig shapes the test stage. Test content itself is external; the
// pipeline only carries what the registered handler needs.
type TestConfig struct {
	Name           string            `json:"name,omitempty"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// PipelineSpec is the client-provided description a pipeline is created from.
type PipelineSpec struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit,omitempty"`

	Architecture string          `json:"architecture"`
	Environment  EnvironmentKind `json:"environment"`

	Build BuildConfig `json:"build,omitempty"`
	Guest GuestConfig `json:"guest,omitempty"`
	Test  TestConfig  `json:"test,omitempty"`

	Priority Priority `json:"priority,omitempty"`

	// MaxRetries is the per-stage retry budget; nil (field omitted) means
	// "use the configured default".
	MaxRetries *int `json:"max_retries,omitempty"`

	// BoardType narrows board selection for board environments.
	BoardType string `json:"board_type,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`
}

// Pipeline is an ordered build→deploy→boot→test execution.
type Pipeline struct {
	ID string `json:"id"`

	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit,omitempty"`

	Architecture string          `json:"architecture"`
	Environment  EnvironmentKind `json:"environment"`

	Spec PipelineSpec `json:"spec"`

	Stages []Stage `json:"stages"`

	Status PipelineStatus `json:"status"`

	// CurrentStage indexes Stages while running; -1 before the first stage
	// starts and after the pipeline terminates.
	CurrentStage int `json:"current_stage"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// StageByName returns the index of the named stage, or -1.
func (p *Pipeline) StageByName(name string) int {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (p *Pipeline) Clone() *Pipeline {
	out := *p
	out.Stages = make([]Stage, len(p.Stages))
	for i := range p.Stages {
		s := p.Stages[i]
		s.Logs = append([]string(nil), p.Stages[i].Logs...)
		if p.Stages[i].StartedAt != nil {
			t := *p.Stages[i].StartedAt
			s.StartedAt = &t
		}
		if p.Stages[i].CompletedAt != nil {
			t := *p.Stages[i].CompletedAt
			s.CompletedAt = &t
		}
		out.Stages[i] = s
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		out.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
