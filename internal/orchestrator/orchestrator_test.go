package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagegen/internal/backend"
	"pagegen/internal/domain"
	"pagegen/internal/governor"
	"pagegen/internal/tracker"
)

func makeTasks(n int) []domain.GenerationTask {
	tasks := make([]domain.GenerationTask, n)
	for i := range tasks {
		tasks[i] = domain.GenerationTask{
			ID:           fmt.Sprintf("t%02d", i),
			Title:        fmt.Sprintf("Page %d", i),
			TargetLength: 50,
		}
	}
	return tasks
}

type fixture struct {
	tracker  *tracker.Tracker
	governor *governor.Governor
	store    *memStore
}

func newFixture() *fixture {
	return &fixture{
		tracker:  tracker.New(tracker.Config{}),
		governor: governor.New(governor.Config{MaxActive: 3}),
		store:    &memStore{},
	}
}

func (f *fixture) orchestrator(runID string, b backend.Backend) *Orchestrator {
	return New(runID, Config{Priority: domain.PriorityMedium}, Deps{
		Tracker:  f.tracker,
		Governor: f.governor,
		Backend:  b,
		Store:    f.store,
	})
}

type memStore struct {
	mu       sync.Mutex
	states   []domain.RunState
	tasks    []savedTask
	failWith error
	// failTaskAt makes the nth SaveTask call (1-based) fail without storing.
	failTaskAt int
	taskCalls  int
}

type savedTask struct {
	state  domain.RunState
	result domain.GenerationResult
}

func (s *memStore) SaveState(_ context.Context, st domain.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
	return s.failWith
}

func (s *memStore) SaveTask(_ context.Context, st domain.RunState, r domain.GenerationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskCalls++
	if s.taskCalls == s.failTaskAt {
		return errors.New("write interrupted")
	}
	s.tasks = append(s.tasks, savedTask{state: st, result: r})
	return s.failWith
}

func (s *memStore) statuses() []domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RunStatus
	for _, st := range s.states {
		if len(out) == 0 || out[len(out)-1] != st.Status {
			out = append(out, st.Status)
		}
	}
	return out
}

var failing = backend.Func(func(context.Context, domain.GenerationTask) (string, error) {
	return "", fmt.Errorf("%w: unreachable", domain.ErrBackend)
})

func echo(ctx context.Context, task domain.GenerationTask) (string, error) {
	return "# " + task.Title + "\n\n" + strings.Repeat("word ", task.TargetLength), nil
}

func TestFailingBackendFallsBackForEveryTask(t *testing.T) {
	f := newFixture()
	o := f.orchestrator("run-1", failing)

	var reports []domain.Progress
	results, err := o.Start(context.Background(), makeTasks(10), func(p domain.Progress) {
		reports = append(reports, p)
	})
	require.NoError(t, err)
	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("t%02d", i), r.TaskID)
		assert.Equal(t, domain.ProvenanceFallback, r.Provenance)
		assert.NotEmpty(t, r.Content)
		assert.Positive(t, r.Length)
	}
	require.Len(t, reports, 10)
	for i, p := range reports {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 10, p.Total)
		assert.Equal(t, fmt.Sprintf("Page %d", i), p.CurrentTitle)
	}
	st := o.State()
	assert.Equal(t, domain.RunCompleted, st.Status)
	assert.Equal(t, 10, st.Completed)
	assert.False(t, st.FinishedAt.IsZero())
	assert.Zero(t, f.governor.ActiveCount(), "every admission is released")
}

func TestBackendContentIsKept(t *testing.T) {
	f := newFixture()
	o := f.orchestrator("run-1", backend.Func(echo))
	results, err := o.Start(context.Background(), makeTasks(3), nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, domain.ProvenanceBackend, r.Provenance)
		assert.True(t, strings.HasPrefix(r.Content, "# Page"))
	}
	stat, ok := f.tracker.StatFor(DefaultBackendOperation)
	require.True(t, ok)
	assert.Equal(t, 3, stat.Count)
	assert.Equal(t, 1.0, stat.SuccessRate)
}

func TestPartialBackendContentFallsBack(t *testing.T) {
	f := newFixture()
	short := backend.Func(func(context.Context, domain.GenerationTask) (string, error) { return "tiny", nil })
	results, err := f.orchestrator("run-1", short).Start(context.Background(), makeTasks(2), nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, domain.ProvenanceFallback, r.Provenance)
	}
}

func TestBackendTimeoutFallsBack(t *testing.T) {
	f := newFixture()
	slow := backend.Func(func(ctx context.Context, task domain.GenerationTask) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := New("run-1", Config{Timeout: 10 * time.Millisecond}, Deps{Tracker: f.tracker, Governor: f.governor, Backend: slow})
	results, err := o.Start(context.Background(), makeTasks(2), nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, domain.ProvenanceFallback, results[0].Provenance)
	stat, _ := f.tracker.StatFor(DefaultBackendOperation)
	assert.Zero(t, stat.SuccessRate)
}

func TestCancelMidRunStopsFurtherAdmissions(t *testing.T) {
	f := newFixture()
	var o *Orchestrator
	var calls atomic.Int32
	b := backend.Func(func(ctx context.Context, task domain.GenerationTask) (string, error) {
		if calls.Add(1) == 4 {
			o.Cancel()
		}
		return echo(ctx, task)
	})
	o = f.orchestrator("run-1", b)

	results, err := o.Start(context.Background(), makeTasks(10), nil)
	require.NoError(t, err)
	assert.Len(t, results, 4, "the in-flight attempt finishes")
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, domain.RunCancelled, o.State().Status)
	assert.Equal(t, 4, o.State().Completed)
	stat, _ := f.tracker.StatFor(DefaultBackendOperation)
	assert.Equal(t, 4, stat.Count)
	assert.Zero(t, f.governor.ActiveCount())
}

func TestContextCancellationEndsRun(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	b := backend.Func(func(c context.Context, task domain.GenerationTask) (string, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return echo(c, task)
	})
	results, err := f.orchestrator("run-1", b).Start(ctx, makeTasks(5), nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture()
	var o *Orchestrator
	var calls atomic.Int32
	b := backend.Func(func(ctx context.Context, task domain.GenerationTask) (string, error) {
		if calls.Add(1) == 2 {
			assert.NoError(t, o.Pause())
		}
		return echo(ctx, task)
	})
	o = f.orchestrator("run-1", b)

	done := make(chan []domain.GenerationResult)
	go func() {
		results, _ := o.Start(context.Background(), makeTasks(5), nil)
		done <- results
	}()

	require.Eventually(t, func() bool {
		st := o.State()
		return st.Status == domain.RunPaused && st.Completed == 2
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load(), "no task starts while paused")

	o.Resume()
	o.Resume()
	results := <-done
	assert.Len(t, results, 5)
	assert.Equal(t, domain.RunCompleted, o.State().Status)
	assert.Equal(t, []domain.RunStatus{domain.RunRunning, domain.RunPaused, domain.RunRunning, domain.RunCompleted}, f.store.statuses())
}

func TestCancelWhilePaused(t *testing.T) {
	f := newFixture()
	var o *Orchestrator
	b := backend.Func(func(ctx context.Context, task domain.GenerationTask) (string, error) {
		_ = o.Pause()
		return echo(ctx, task)
	})
	o = f.orchestrator("run-1", b)

	done := make(chan []domain.GenerationResult)
	go func() {
		results, _ := o.Start(context.Background(), makeTasks(5), nil)
		done <- results
	}()
	require.Eventually(t, func() bool { return o.State().Status == domain.RunPaused }, time.Second, time.Millisecond)
	o.Cancel()

	select {
	case results := <-done:
		assert.Len(t, results, 1)
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake the paused run")
	}
	assert.Equal(t, domain.RunCancelled, o.State().Status)
}

func TestTransitions(t *testing.T) {
	f := newFixture()
	o := f.orchestrator("run-1", failing)
	require.ErrorIs(t, o.Pause(), domain.ErrInvalidTransition)
	o.Resume()
	assert.Equal(t, domain.RunIdle, o.State().Status)

	_, err := o.Start(context.Background(), makeTasks(1), nil)
	require.NoError(t, err)
	_, err = o.Start(context.Background(), makeTasks(1), nil)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.ErrorIs(t, o.Pause(), domain.ErrInvalidTransition)
	o.Cancel()
	assert.Equal(t, domain.RunCompleted, o.State().Status)

	idle := f.orchestrator("run-2", failing)
	idle.Cancel()
	assert.Equal(t, domain.RunCancelled, idle.State().Status)
	_, err = idle.Start(context.Background(), makeTasks(1), nil)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestValidationRejectsBeforeWork(t *testing.T) {
	f := newFixture()
	var calls atomic.Int32
	b := backend.Func(func(ctx context.Context, task domain.GenerationTask) (string, error) {
		calls.Add(1)
		return echo(ctx, task)
	})
	o := f.orchestrator("run-1", b)
	_, err := o.Start(context.Background(), nil, nil)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = o.Start(context.Background(), []domain.GenerationTask{{ID: "a", Title: "A"}, {ID: "a", Title: "B"}}, nil)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, calls.Load())
	assert.Equal(t, domain.RunIdle, o.State().Status)
}

func TestRefusedAdmissionFailsRun(t *testing.T) {
	f := newFixture()
	f.governor = governor.New(governor.Config{MaxActive: 1})
	require.NoError(t, f.governor.Admit(context.Background(), "blocker", governor.Descriptor{Priority: domain.PriorityCritical}))

	o := f.orchestrator("run-1", backend.Func(echo))
	results, err := o.Start(context.Background(), makeTasks(3), nil)
	require.ErrorIs(t, err, domain.ErrCapacity)
	assert.Empty(t, results)
	st := o.State()
	assert.Equal(t, domain.RunFailed, st.Status)
	assert.Contains(t, st.Error, "capacity exceeded")
}

func TestPreemptedAttemptFallsBack(t *testing.T) {
	f := newFixture()
	f.governor = governor.New(governor.Config{MaxActive: 1})
	b := backend.Func(func(ctx context.Context, task domain.GenerationTask) (string, error) {
		assert.NoError(t, f.governor.Admit(context.Background(), "urgent-"+task.ID, governor.Descriptor{Priority: domain.PriorityHigh}))
		defer f.governor.Release("urgent-" + task.ID)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return echo(ctx, task)
	})
	results, err := f.orchestrator("run-1", b).Start(context.Background(), makeTasks(2), nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, domain.ProvenanceFallback, r.Provenance)
	}
}

func TestProgressPanicIsRecovered(t *testing.T) {
	f := newFixture()
	calls := 0
	results, err := f.orchestrator("run-1", failing).Start(context.Background(), makeTasks(3), func(domain.Progress) {
		calls++
		panic("ui exploded")
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, 3, calls)
}

func TestStoreFailuresDoNotAbort(t *testing.T) {
	f := newFixture()
	f.store.failWith = errors.New("disk full")
	results, err := f.orchestrator("run-1", failing).Start(context.Background(), makeTasks(3), nil)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Len(t, f.store.tasks, 3)
}

func TestEachResultIsStoredWithTheStateCountingIt(t *testing.T) {
	f := newFixture()
	f.store.failTaskAt = 2
	results, err := f.orchestrator("run-1", failing).Start(context.Background(), makeTasks(4), nil)
	require.NoError(t, err)
	assert.Len(t, results, 4)

	require.Len(t, f.store.tasks, 3)
	for _, saved := range f.store.tasks {
		idx := 0
		fmt.Sscanf(saved.result.TaskID, "t%02d", &idx)
		assert.Equal(t, idx+1, saved.state.Completed, "task %s stored with a stale count", saved.result.TaskID)
		assert.Equal(t, saved.result.Title, saved.state.CurrentTitle)
	}
	assert.Equal(t, "t02", f.store.tasks[1].result.TaskID)
}

func TestZeroConfigAdmitsAtMedium(t *testing.T) {
	f := newFixture()
	var seen []string
	observer := backend.Func(func(ctx context.Context, task domain.GenerationTask) (string, error) {
		for _, r := range f.governor.Snapshot().Active {
			seen = append(seen, r.Priority)
		}
		return echo(ctx, task)
	})
	o := New("run-1", Config{}, Deps{Tracker: f.tracker, Governor: f.governor, Backend: observer})
	_, err := o.Start(context.Background(), makeTasks(2), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"medium", "medium"}, seen)

	// A medium admission must not preempt the run's attempts.
	g := governor.New(governor.Config{MaxActive: 1})
	blocked := make(chan struct{})
	release := make(chan struct{})
	holder := New("run-2", Config{}, Deps{Tracker: f.tracker, Governor: g, Backend: backend.Func(func(ctx context.Context, task domain.GenerationTask) (string, error) {
		close(blocked)
		<-release
		return echo(ctx, task)
	})})
	done := make(chan error, 1)
	go func() {
		_, err := holder.Start(context.Background(), makeTasks(1), nil)
		done <- err
	}()
	<-blocked
	err = g.Admit(context.Background(), "other", governor.Descriptor{Priority: domain.PriorityMedium})
	assert.ErrorIs(t, err, domain.ErrCapacity)
	close(release)
	require.NoError(t, <-done)
}

func TestEstimatedRemaining(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	now := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	f := newFixture()
	o := New("run-1", Config{}, Deps{Tracker: f.tracker, Governor: f.governor, Backend: failing, Now: now})

	var reports []domain.Progress
	_, err := o.Start(context.Background(), makeTasks(4), func(p domain.Progress) { reports = append(reports, p) })
	require.NoError(t, err)
	require.Len(t, reports, 4)
	for _, p := range reports[:3] {
		assert.Positive(t, p.EstimatedRemaining)
		assert.Equal(t, p.EstimatedRemaining.Milliseconds(), p.EstimatedRemainingMS)
	}
	data, err := json.Marshal(reports[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf(`"estimated_remaining_ms":%d`, reports[0].EstimatedRemaining.Milliseconds()))
	assert.Zero(t, reports[3].EstimatedRemaining)

	assert.Equal(t, 30*time.Second, estimateRemaining(20*time.Second, 2, 5))
	assert.Zero(t, estimateRemaining(time.Second, 0, 5))
}

func TestRunsShareGovernorConcurrently(t *testing.T) {
	f := newFixture()
	f.governor = governor.New(governor.Config{MaxActive: 4})
	var wg sync.WaitGroup
	errs := make([]error, 4)
	counts := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := f.orchestrator(fmt.Sprintf("run-%d", i), backend.Func(echo))
			results, err := o.Start(context.Background(), makeTasks(5), nil)
			errs[i] = err
			counts[i] = len(results)
		}(i)
	}
	wg.Wait()
	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, 5, counts[i])
	}
	assert.Zero(t, f.governor.ActiveCount())
}
