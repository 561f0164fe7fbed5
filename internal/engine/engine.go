package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagegen/internal/backend"
	"pagegen/internal/config"
	"pagegen/internal/domain"
	"pagegen/internal/events"
	"pagegen/internal/governor"
	"pagegen/internal/orchestrator"
	"pagegen/internal/repo"
	"pagegen/internal/telemetry"
	"pagegen/internal/tracker"
)

// Engine runs generation jobs against a shared tracker and governor and
// persists them through the repo. Copies of an Engine share the same live
// run registry.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Tracker  *tracker.Tracker
	Governor *governor.Governor
	Backend  backend.Backend
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
	Now      func() time.Time

	live *registry
}

// Option customizes an Engine.
type Option func(*Engine)

func WithTracker(t *tracker.Tracker) Option    { return func(e *Engine) { e.Tracker = t } }
func WithGovernor(g *governor.Governor) Option { return func(e *Engine) { e.Governor = g } }
func WithBackend(b backend.Backend) Option     { return func(e *Engine) { e.Backend = b } }
func WithLogger(l telemetry.Logger) Option     { return func(e *Engine) { e.Logger = l } }
func WithMetrics(m telemetry.Metrics) Option   { return func(e *Engine) { e.Metrics = m } }
func WithClock(now func() time.Time) Option    { return func(e *Engine) { e.Now = now } }

// New builds an Engine. Without options it owns a tracker and governor built
// from cfg and uses an unavailable backend, so every page falls back.
func New(db *sql.DB, cfg *config.Config, opts ...Option) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Logger:  telemetry.NoopLogger(),
		Metrics: telemetry.NoopMetrics(),
		Now:     time.Now,
		live:    newRegistry(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Tracker == nil {
		e.Tracker = tracker.New(cfg.TrackerOptions(), tracker.WithLogger(e.Logger), tracker.WithMetrics(e.Metrics))
	}
	if e.Governor == nil {
		e.Governor = governor.New(cfg.GovernorOptions(), governor.WithLogger(e.Logger), governor.WithMetrics(e.Metrics))
	}
	if e.Backend == nil {
		e.Backend = backend.Unavailable{}
	}
	e.Events.Now = e.Now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartOptions describe a run.
type StartOptions struct {
	Tasks []domain.GenerationTask
	// Priority is a tier name; empty uses the configured default.
	Priority string
	ActorID  string
}

// StartRun validates and persists a run, then executes it in the
// background. It returns as soon as the run is recorded.
func (e Engine) StartRun(ctx context.Context, opts StartOptions) (domain.Run, error) {
	h, err := e.prepare(ctx, opts)
	if err != nil {
		return domain.Run{}, err
	}
	go func() {
		_, _ = e.execute(h.ctx, h, nil)
	}()
	return h.run, nil
}

// Generate runs synchronously and returns the results. Cancelling ctx
// cancels the run cooperatively.
func (e Engine) Generate(ctx context.Context, opts StartOptions, onProgress orchestrator.ProgressFunc) (domain.Run, []domain.GenerationResult, error) {
	h, err := e.prepare(ctx, opts)
	if err != nil {
		return domain.Run{}, nil, err
	}
	stop := context.AfterFunc(ctx, h.orch.Cancel)
	defer stop()
	results, err := e.execute(h.ctx, h, onProgress)
	run := h.run
	run.RunState = h.orch.State()
	return run, results, err
}

func (e Engine) prepare(ctx context.Context, opts StartOptions) (*handle, error) {
	tasks, err := orchestrator.ValidateTasks(opts.Tasks)
	if err != nil {
		return nil, err
	}
	if opts.Priority == "" {
		opts.Priority = e.Config.Orchestrator.DefaultPriority
	}
	priority, err := domain.ParsePriority(opts.Priority)
	if err != nil {
		return nil, err
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = "local-user"
	}

	now := e.now().UTC()
	run := domain.Run{
		RunState: domain.RunState{RunID: uuid.NewString(), Status: domain.RunIdle, Total: len(tasks), StartedAt: now, UpdatedAt: now},
		Priority: priority.String(),
		ActorID:  actorID,
		Tasks:    tasks,
	}
	store := &runStore{engine: e, runID: run.RunID, actorID: actorID, last: domain.RunIdle, seq: map[string]int{}}
	for i, t := range tasks {
		store.seq[t.ID] = i
	}
	orch := orchestrator.New(run.RunID, orchestrator.Config{
		Priority:         priority,
		BackendOperation: e.Config.Orchestrator.BackendOperation,
		CacheTTL:         e.Config.Orchestrator.CacheTTL,
	}, orchestrator.Deps{
		Tracker:  e.Tracker,
		Governor: e.Governor,
		Backend:  e.Backend,
		Store:    store,
		Logger:   e.Logger,
		Metrics:  e.Metrics,
		Now:      e.Now,
	})
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{run: run, orch: orch, ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	if err := e.live.add(h, e.Config.Orchestrator.MaxLiveRuns); err != nil {
		cancel()
		return nil, err
	}

	if err := e.Repo.InsertRun(ctx, nil, run); err != nil {
		e.live.remove(run.RunID)
		cancel()
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return h, nil
}

func (e Engine) execute(ctx context.Context, h *handle, onProgress orchestrator.ProgressFunc) ([]domain.GenerationResult, error) {
	defer func() {
		e.live.remove(h.run.RunID)
		h.cancel()
		close(h.done)
	}()
	results, err := h.orch.Start(ctx, h.run.Tasks, onProgress)
	if err != nil {
		e.Logger.Warn(ctx, "run failed", "run", h.run.RunID, "error", err.Error())
	}
	return results, err
}

// Pause pauses a live run.
func (e Engine) Pause(ctx context.Context, runID string) (domain.Run, error) {
	h, err := e.liveRun(ctx, runID, "pause")
	if err != nil {
		return domain.Run{}, err
	}
	if err := h.orch.Pause(); err != nil {
		return domain.Run{}, err
	}
	return e.Snapshot(ctx, runID)
}

// Resume resumes a paused run; it is a no-op for a live run that is not paused.
func (e Engine) Resume(ctx context.Context, runID string) (domain.Run, error) {
	h, err := e.liveRun(ctx, runID, "resume")
	if err != nil {
		return domain.Run{}, err
	}
	h.orch.Resume()
	return e.Snapshot(ctx, runID)
}

// Cancel stops a live run before its next task. Cancelling a finished run is
// a no-op.
func (e Engine) Cancel(ctx context.Context, runID string) (domain.Run, error) {
	if h, ok := e.live.get(runID); ok {
		h.orch.Cancel()
		return e.Snapshot(ctx, runID)
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (e Engine) liveRun(ctx context.Context, runID, action string) (*handle, error) {
	if h, ok := e.live.get(runID); ok {
		return h, nil
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s run %s: status is %s: %w", action, runID, run.Status, domain.ErrInvalidTransition)
}

// Snapshot returns a run with its live state when it is executing.
func (e Engine) Snapshot(ctx context.Context, runID string) (domain.Run, error) {
	if h, ok := e.live.get(runID); ok {
		run := h.run
		run.RunState = h.orch.State()
		return run, nil
	}
	return e.Repo.GetRun(ctx, runID)
}

// Wait blocks until the run finishes or ctx ends and returns its final state.
func (e Engine) Wait(ctx context.Context, runID string) (domain.Run, error) {
	if h, ok := e.live.get(runID); ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return domain.Run{}, ctx.Err()
		}
	}
	return e.Repo.GetRun(ctx, runID)
}

// Runs lists persisted runs, live ones carrying their in-memory state.
func (e Engine) Runs(ctx context.Context, f repo.RunFilters) ([]domain.Run, error) {
	runs, err := e.Repo.ListRuns(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if h, ok := e.live.get(runs[i].RunID); ok {
			runs[i].RunState = h.orch.State()
		}
	}
	return runs, nil
}

// Results returns the stored results of a run in task order.
func (e Engine) Results(ctx context.Context, runID string) ([]domain.GenerationResult, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.Repo.ListResults(ctx, runID)
}

// LiveRuns returns the ids of executing runs.
func (e Engine) LiveRuns() []string { return e.live.ids() }

// Stats returns the tracker aggregates.
func (e Engine) Stats() []tracker.Stat { return e.Tracker.Stats() }

// GovernorSnapshot returns the governor state.
func (e Engine) GovernorSnapshot() governor.Snapshot { return e.Governor.Snapshot() }

// Recover marks runs left unfinished by a previous process as failed.
func (e Engine) Recover(ctx context.Context) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	ids, err := e.Repo.InterruptRuns(ctx, tx, e.now())
	if err != nil {
		return nil, fmt.Errorf("interrupt runs: %w", err)
	}
	for _, id := range ids {
		if err := e.Events.Append(ctx, tx, events.RunFailed, id, "run", id, "system", events.EventPayload{"error": "interrupted"}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.Logger.Warn(ctx, "interrupted runs marked failed", "count", len(ids))
	}
	return ids, nil
}

// Shutdown cancels every live run and waits for them to stop.
func (e Engine) Shutdown(ctx context.Context) error {
	handles := e.live.all()
	for _, h := range handles {
		h.orch.Cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CreateAPIKey issues a new key for actorID and returns its plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, fmt.Errorf("actor id is required: %w", domain.ErrValidation)
	}
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "pg_" + hex.EncodeToString(secret)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// IsNotFound reports whether err means an unknown run or key.
func IsNotFound(err error) bool { return errors.Is(err, repo.ErrNotFound) }

type handle struct {
	run    domain.Run
	orch   *orchestrator.Orchestrator
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type registry struct {
	mu   sync.Mutex
	runs map[string]*handle
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*handle)}
}

func (r *registry) add(h *handle, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.runs) >= limit {
		return fmt.Errorf("%d of %d runs live: %w", len(r.runs), limit, domain.ErrRunInProgress)
	}
	r.runs[h.run.RunID] = h
	return nil
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.runs, id)
	r.mu.Unlock()
}

func (r *registry) get(id string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[id]
	return h, ok
}

func (r *registry) all() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*handle, 0, len(r.runs))
	for _, h := range r.runs {
		out = append(out, h)
	}
	return out
}

func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	return out
}
