// Package orchestrator turns a list of generation tasks into results, one
// task at a time, gating each attempt through the governor and timing it
// through the tracker.
//
// A run moves idle → running ⇄ paused → completed | cancelled | failed. Pause
// and cancel are cooperative: they are observed between tasks, so an attempt
// in flight always finishes and its governor admission is always released.
// Backend failures never abort a run; the deterministic fallback generator
// fills in, so every task that starts yields exactly one result.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"pagegen/internal/backend"
	"pagegen/internal/domain"
	"pagegen/internal/governor"
	"pagegen/internal/telemetry"
	"pagegen/internal/tracker"
)

// DefaultBackendOperation names the tracked backend call. It matches the
// tracker's "generate" timeout rule.
const DefaultBackendOperation = "api.generate"

// Store is the persistence collaborator. SaveState receives the run state on
// every transition; SaveTask receives each result together with the state
// that counts it and must store both or neither. Failures are logged and
// never abort the run.
type Store interface {
	SaveState(ctx context.Context, state domain.RunState) error
	SaveTask(ctx context.Context, state domain.RunState, result domain.GenerationResult) error
}

// ProgressFunc receives progress after every task. It is called on the run's
// goroutine; a panic is recovered and logged.
type ProgressFunc func(domain.Progress)

// Config tunes a run.
type Config struct {
	// Priority is the governor priority of each task attempt. Unset means
	// medium.
	Priority domain.Priority
	// BackendOperation is the tracker operation name of a backend attempt.
	BackendOperation string
	// Timeout overrides the tracker's name-derived deadline when positive.
	Timeout time.Duration
	// CacheTTL keeps accepted backend content in the governor cache so an
	// identical task skips the backend while the entry lives. Zero disables it.
	CacheTTL time.Duration
}

// Deps are the collaborators of an Orchestrator. Nil fields fall back to the
// process-wide tracker and governor, an unavailable backend and no store.
type Deps struct {
	Tracker  *tracker.Tracker
	Governor *governor.Governor
	Backend  backend.Backend
	Store    Store
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
	Now      func() time.Time
}

// Orchestrator drives a single run. A finished Orchestrator cannot be
// started again; create a new one.
type Orchestrator struct {
	runID    string
	cfg      Config
	tracker  *tracker.Tracker
	governor *governor.Governor
	backend  backend.Backend
	fallback backend.Fallback
	store    Store
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	now      func() time.Time

	mu      sync.Mutex
	resumed *sync.Cond
	state   domain.RunState
	baseCtx context.Context

	persistMu sync.Mutex
}

// New returns an idle Orchestrator for runID.
func New(runID string, cfg Config, deps Deps) *Orchestrator {
	if cfg.BackendOperation == "" {
		cfg.BackendOperation = DefaultBackendOperation
	}
	if cfg.Priority == domain.PriorityUnset {
		cfg.Priority = domain.PriorityMedium
	}
	o := &Orchestrator{
		runID:    runID,
		cfg:      cfg,
		tracker:  deps.Tracker,
		governor: deps.Governor,
		backend:  deps.Backend,
		store:    deps.Store,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Now,
		baseCtx:  context.Background(),
	}
	if o.tracker == nil {
		o.tracker = tracker.Default()
	}
	if o.governor == nil {
		o.governor = governor.Default()
	}
	if o.backend == nil {
		o.backend = backend.Unavailable{}
	}
	if o.store == nil {
		o.store = nopStore{}
	}
	if o.logger == nil {
		o.logger = telemetry.NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NoopMetrics()
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.resumed = sync.NewCond(&o.mu)
	now := o.now()
	o.state = domain.RunState{RunID: runID, Status: domain.RunIdle, StartedAt: now, UpdatedAt: now}
	return o
}

// State returns a copy of the run state.
func (o *Orchestrator) State() domain.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start runs tasks in order and returns one result per task attempted, in
// input order. Invalid input fails with domain.ErrValidation before anything
// runs. An admission refused by the governor ends the run as failed and the
// error, wrapping domain.ErrCapacity, is returned with the results gathered
// so far. Cancelling ctx has the same effect as Cancel.
func (o *Orchestrator) Start(ctx context.Context, tasks []domain.GenerationTask, onProgress ProgressFunc) ([]domain.GenerationResult, error) {
	tasks, err := ValidateTasks(tasks)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.state.Status != domain.RunIdle {
		status := o.state.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("start run %s: status is %s: %w", o.runID, status, domain.ErrInvalidTransition)
	}
	start := o.now()
	o.state.Status = domain.RunRunning
	o.state.Total = len(tasks)
	o.state.StartedAt = start
	o.state.UpdatedAt = start
	o.baseCtx = context.WithoutCancel(ctx)
	runID := o.runID
	o.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		o.mu.Lock()
		o.resumed.Broadcast()
		o.mu.Unlock()
	})
	defer stop()

	o.logger.Info(ctx, "run started", "run", runID, "tasks", len(tasks), "priority", o.cfg.Priority.String())
	o.persist(ctx)

	results := make([]domain.GenerationResult, 0, len(tasks))
	for _, task := range tasks {
		if !o.awaitRunnable(ctx) {
			break
		}
		res, err := o.attempt(ctx, runID, task)
		if err != nil {
			o.finish(ctx, domain.RunFailed, err)
			return results, err
		}
		results = append(results, res)
		p := o.advance(task, start)
		o.persistTask(ctx, res)
		o.notify(ctx, onProgress, p)
	}

	if len(results) < len(tasks) && o.cancelled(ctx) {
		o.finish(ctx, domain.RunCancelled, nil)
	} else {
		o.finish(ctx, domain.RunCompleted, nil)
	}
	return results, nil
}

// Pause suspends the run before its next task. Pausing a paused run is a
// no-op; pausing a run that is not running fails with
// domain.ErrInvalidTransition.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	switch o.state.Status {
	case domain.RunPaused:
		o.mu.Unlock()
		return nil
	case domain.RunRunning:
	default:
		status := o.state.Status
		o.mu.Unlock()
		return fmt.Errorf("pause run %s: status is %s: %w", o.runID, status, domain.ErrInvalidTransition)
	}
	o.state.Status = domain.RunPaused
	o.state.UpdatedAt = o.now()
	ctx := o.baseCtx
	o.mu.Unlock()

	o.logger.Info(ctx, "run paused", "run", o.runID)
	o.persist(ctx)
	return nil
}

// Resume continues a paused run. It is a no-op in any other status.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.state.Status != domain.RunPaused {
		o.mu.Unlock()
		return
	}
	o.state.Status = domain.RunRunning
	o.state.UpdatedAt = o.now()
	o.resumed.Broadcast()
	ctx := o.baseCtx
	o.mu.Unlock()

	o.logger.Info(ctx, "run resumed", "run", o.runID)
	o.persist(ctx)
}

// Cancel stops the run before its next task. The attempt in flight, if any,
// finishes and its result is kept. Cancelling a finished run is a no-op.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	if o.state.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	wasIdle := o.state.Status == domain.RunIdle
	o.state.Status = domain.RunCancelled
	o.state.UpdatedAt = o.now()
	if wasIdle {
		o.state.FinishedAt = o.state.UpdatedAt
	}
	o.resumed.Broadcast()
	ctx := o.baseCtx
	o.mu.Unlock()

	o.logger.Info(ctx, "run cancel requested", "run", o.runID)
	if wasIdle {
		o.persist(ctx)
	}
}

// awaitRunnable blocks while the run is paused and reports whether the next
// task may start.
func (o *Orchestrator) awaitRunnable(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.state.Status == domain.RunPaused && ctx.Err() == nil {
		o.resumed.Wait()
	}
	return o.state.Status == domain.RunRunning && ctx.Err() == nil
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Status == domain.RunCancelled || ctx.Err() != nil
}

// attempt produces the result of one task. Only a refused admission is
// returned as an error; every backend failure falls back.
//
// The raw backend reply is handed back through the governor's scratch store
// under a key owned by the admission, so release discards it; a reply that
// arrives after its deadline is left for the age sweep.
func (o *Orchestrator) attempt(ctx context.Context, runID string, task domain.GenerationTask) (domain.GenerationResult, error) {
	id := runID + ":" + task.ID
	draftKey := id + "/draft"
	deadline := o.cfg.Timeout
	if deadline <= 0 {
		deadline = o.tracker.TimeoutFor(o.cfg.BackendOperation)
	}
	slow := time.AfterFunc(deadline/2, func() {
		o.logger.Warn(ctx, "backend attempt is slow", "run", runID, "task", task.ID, "deadline", deadline.String())
	})
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	err := o.governor.Admit(ctx, id, governor.Descriptor{
		Priority:    o.cfg.Priority,
		Context:     attemptCtx,
		Cancel:      cancel,
		Timers:      []*time.Timer{slow},
		ScratchKeys: []string{draftKey},
	})
	if err != nil {
		slow.Stop()
		o.logger.Warn(ctx, "task not admitted", "run", runID, "task", task.ID, "error", err.Error())
		return domain.GenerationResult{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	defer o.governor.Release(id)

	key := contentKey(o.cfg.BackendOperation, task)
	if o.cfg.CacheTTL > 0 {
		if v, ok := o.governor.Cache().Get(key); ok {
			if content, ok := v.(string); ok {
				o.logger.Debug(ctx, "backend content served from cache", "run", runID, "task", task.ID)
				o.metrics.IncCounter("pagegen.orchestrator.tasks", 1, "provenance", string(domain.ProvenanceBackend), "cached", "true")
				return o.result(task, content, domain.ProvenanceBackend), nil
			}
		}
	}

	var opts []tracker.RunOption
	if o.cfg.Timeout > 0 {
		opts = append(opts, tracker.WithTimeout(o.cfg.Timeout))
	}
	scratch := o.governor.Scratch()
	content, err := tracker.Do(attemptCtx, o.tracker, o.cfg.BackendOperation, func(ctx context.Context) (string, error) {
		c, err := o.backend.Attempt(ctx, task)
		if err != nil {
			return "", err
		}
		scratch.Set(draftKey, c)
		if err := backend.Check(task, c); err != nil {
			return "", err
		}
		if o.cfg.CacheTTL > 0 {
			o.governor.Cache().Set(key, c, o.cfg.CacheTTL)
		}
		return c, nil
	}, opts...)

	provenance := domain.ProvenanceBackend
	if err != nil {
		provenance = domain.ProvenanceFallback
		content = o.fallback.Generate(task)
		draftWords := 0
		if v, ok := scratch.Get(draftKey); ok {
			if draft, ok := v.(string); ok {
				draftWords = backend.WordCount(draft)
			}
		}
		o.logger.Warn(ctx, "backend failed, using fallback", "run", runID, "task", task.ID, "draft_words", draftWords, "error", err.Error())
	}
	o.metrics.IncCounter("pagegen.orchestrator.tasks", 1, "provenance", string(provenance), "cached", "false")
	return o.result(task, content, provenance), nil
}

func (o *Orchestrator) result(task domain.GenerationTask, content string, provenance domain.Provenance) domain.GenerationResult {
	return domain.GenerationResult{
		TaskID:      task.ID,
		Title:       task.Title,
		Content:     content,
		Length:      backend.WordCount(content),
		Provenance:  provenance,
		CompletedAt: o.now(),
	}
}

// contentKey identifies backend content by everything that shapes it.
func contentKey(operation string, task domain.GenerationTask) string {
	return strings.Join([]string{
		operation,
		task.ID,
		task.Title,
		string(task.Kind),
		strings.Join(task.Subheadings, "\x1f"),
		strconv.Itoa(task.TargetLength),
	}, "\x00")
}

// advance counts a completed task and computes the progress report.
func (o *Orchestrator) advance(task domain.GenerationTask, start time.Time) domain.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	o.state.Completed++
	o.state.CurrentTitle = task.Title
	o.state.UpdatedAt = now
	eta := estimateRemaining(now.Sub(start), o.state.Completed, o.state.Total)
	return domain.Progress{
		RunID:                o.state.RunID,
		Completed:            o.state.Completed,
		Total:                o.state.Total,
		CurrentTitle:         task.Title,
		EstimatedRemaining:   eta,
		EstimatedRemainingMS: eta.Milliseconds(),
	}
}

// estimateRemaining is (elapsed ÷ completed) × (total − completed).
func estimateRemaining(elapsed time.Duration, completed, total int) time.Duration {
	if completed <= 0 || total <= completed {
		return 0
	}
	return elapsed / time.Duration(completed) * time.Duration(total-completed)
}

func (o *Orchestrator) notify(ctx context.Context, fn ProgressFunc, p domain.Progress) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "progress callback panicked", "run", p.RunID, "panic", fmt.Sprint(r))
		}
	}()
	fn(p)
}

func (o *Orchestrator) finish(ctx context.Context, status domain.RunStatus, cause error) {
	o.mu.Lock()
	now := o.now()
	o.state.Status = status
	o.state.UpdatedAt = now
	o.state.FinishedAt = now
	if cause != nil {
		o.state.Error = cause.Error()
	}
	state := o.state
	o.resumed.Broadcast()
	o.mu.Unlock()

	o.logger.Info(ctx, "run finished",
		"run", state.RunID,
		"status", string(state.Status),
		"completed", state.Completed,
		"total", state.Total,
		"elapsed_ms", now.Sub(state.StartedAt).Milliseconds(),
	)
	o.persist(ctx)
}

// persist hands the current state to the store. Calls are serialized so the
// store observes states in order.
func (o *Orchestrator) persist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	state := o.State()
	if err := o.store.SaveState(ctx, state); err != nil {
		o.logger.Error(ctx, "save state failed", "run", state.RunID, "error", err.Error())
	}
}

func (o *Orchestrator) persistTask(ctx context.Context, res domain.GenerationResult) {
	ctx = context.WithoutCancel(ctx)
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	state := o.State()
	if err := o.store.SaveTask(ctx, state, res); err != nil {
		o.logger.Error(ctx, "save task failed", "run", state.RunID, "task", res.TaskID, "error", err.Error())
	}
}

type nopStore struct{}

func (nopStore) SaveState(context.Context, domain.RunState) error { return nil }

func (nopStore) SaveTask(context.Context, domain.RunState, domain.GenerationResult) error {
	return nil
}
