package domain

import "time"

// Discipline is one of the two process-supervisor scheduling modes.
type Discipline string

const (
	DisciplineConcurrent Discipline = "concurrent"
	DisciplineSingleSwap Discipline = "single_swap"
)

// SpawnConfig is the value-typed request to start one inference server.
type SpawnConfig struct {
	ModelID         int64
	ModelName       string
	ModelPath       string
	ContextSize     int // 0 = unset, omit -c
	RequestedPort   int // 0 = no preference
	ExtraFlags      []string
	Jinja           bool
	ReasoningFormat string
}

// RunningProcess is a supervisor-owned handle to a live child process.
type RunningProcess struct {
	ModelID   int64
	PID       int
	Port      int
	StartedAt time.Time
	Config    SpawnConfig
}

// HealthStatus is a tagged union: exactly one of the three is meaningful,
// selected by Kind.
type HealthStatus struct {
	Kind   HealthKind
	Reason string // set when Kind == HealthUnreachable
}

// HealthKind discriminates HealthStatus.
type HealthKind string

const (
	HealthHealthy     HealthKind = "healthy"
	HealthUnreachable HealthKind = "unreachable"
	HealthProcessDied HealthKind = "process_died"
)

// Healthy is the zero-reason Healthy status.
func Healthy() HealthStatus { return HealthStatus{Kind: HealthHealthy} }

// Unreachable builds an Unreachable status carrying reason.
func Unreachable(reason string) HealthStatus {
	return HealthStatus{Kind: HealthUnreachable, Reason: reason}
}

// ProcessDied is the ProcessDied status.
func ProcessDied() HealthStatus { return HealthStatus{Kind: HealthProcessDied} }

// Equal reports whether two statuses represent the same observed state,
// used by the health monitor to decide whether to emit a change event.
func (h HealthStatus) Equal(other HealthStatus) bool {
	return h.Kind == other.Kind && h.Reason == other.Reason
}
