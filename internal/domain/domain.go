package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCapacity is returned when admission is refused and nothing can be preempted.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrTimeout is returned when a tracked operation misses its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrBackend wraps any failure reported by the content backend.
	ErrBackend = errors.New("backend failure")
	// ErrValidation is returned for malformed input, before any work starts.
	ErrValidation = errors.New("validation failed")
	// ErrRunInProgress is returned when a run is started while another is live.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrInvalidTransition is returned for a pause or start that the run's
	// current status does not allow.
	ErrInvalidTransition = errors.New("invalid run transition")
)

// PageKind distinguishes the pillar page from its cluster pages.
type PageKind string

const (
	PagePillar  PageKind = "pillar"
	PageCluster PageKind = "cluster"
)

// GenerationTask describes one page to produce. It is never mutated during a run.
type GenerationTask struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title" yaml:"title"`
	Kind         PageKind `json:"kind,omitempty" yaml:"kind" enum:"pillar,cluster"`
	Subheadings  []string `json:"subheadings,omitempty" yaml:"subheadings"`
	TargetLength int      `json:"target_length,omitempty" yaml:"target_length"`
}

// Provenance tags where a result's content came from.
type Provenance string

const (
	ProvenanceBackend  Provenance = "backend"
	ProvenanceFallback Provenance = "fallback"
)

// GenerationResult is the output of one completed task.
type GenerationResult struct {
	TaskID      string     `json:"task_id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Length      int        `json:"length"`
	Provenance  Provenance `json:"provenance" enum:"backend,fallback"`
	CompletedAt time.Time  `json:"completed_at"`
}

// RunStatus is the orchestrator state machine position.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled || s == RunFailed
}

// RunState is the mutable session state of a single run.
type RunState struct {
	RunID        string    `json:"run_id"`
	Status       RunStatus `json:"status" enum:"idle,running,paused,completed,cancelled,failed"`
	Total        int       `json:"total"`
	Completed    int       `json:"completed"`
	CurrentTitle string    `json:"current_title,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Error        string    `json:"error,omitempty"`
}

// Run is a persisted run: its state plus the inputs it was started with.
type Run struct {
	RunState
	Priority string           `json:"priority"`
	ActorID  string           `json:"actor_id"`
	Tasks    []GenerationTask `json:"tasks,omitempty"`
}

// Progress is handed to progress callbacks after every task attempt.
// EstimatedRemainingMS carries EstimatedRemaining in milliseconds for JSON.
type Progress struct {
	RunID                string        `json:"run_id"`
	Completed            int           `json:"completed"`
	Total                int           `json:"total"`
	CurrentTitle         string        `json:"current_title"`
	EstimatedRemaining   time.Duration `json:"-"`
	EstimatedRemainingMS int64         `json:"estimated_remaining_ms"`
}

// Priority is the admission tier of an operation. The zero value is unset;
// the governor and the orchestrator treat it as medium.
type Priority int

const (
	PriorityUnset Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityUnset:
		return "unset"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a tier name to a Priority. An empty name yields medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityMedium, fmt.Errorf("unknown priority %q: %w", s, ErrValidation)
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
