package governor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagegen/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func medium() Descriptor { return Descriptor{Priority: domain.PriorityMedium} }

func TestAdmitSamePriorityBeyondCeilingFails(t *testing.T) {
	g := New(Config{MaxActive: 3})
	ctx := context.Background()
	var ok, rejected int
	for i := 0; i < 5; i++ {
		err := g.Admit(ctx, fmt.Sprintf("op-%d", i), medium())
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrCapacity)
		rejected++
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, rejected)
	assert.Equal(t, 3, g.ActiveCount())
}

func TestAdmitPreemptsLowestOldest(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{MaxActive: 3}, WithClock(clock.Now))
	ctx := context.Background()

	cancelled := map[string]bool{}
	var mu sync.Mutex
	admit := func(id string, p domain.Priority) error {
		return g.Admit(ctx, id, Descriptor{Priority: p, Cancel: func() {
			mu.Lock()
			cancelled[id] = true
			mu.Unlock()
		}})
	}
	require.NoError(t, admit("med-old", domain.PriorityMedium))
	clock.Advance(time.Second)
	require.NoError(t, admit("low-new", domain.PriorityLow))
	clock.Advance(time.Second)
	require.NoError(t, admit("low-newer", domain.PriorityLow))
	clock.Advance(time.Second)

	require.NoError(t, admit("high", domain.PriorityHigh))
	assert.False(t, g.IsActive("low-new"))
	assert.True(t, g.IsActive("low-newer"))
	assert.True(t, g.IsActive("med-old"))
	assert.True(t, cancelled["low-new"])

	require.NoError(t, admit("high-2", domain.PriorityHigh))
	assert.False(t, g.IsActive("low-newer"))

	require.NoError(t, admit("critical", domain.PriorityCritical))
	assert.False(t, g.IsActive("med-old"))
	assert.Equal(t, 3, g.ActiveCount())
}

func TestAdmitNeverPreemptsHighOrCritical(t *testing.T) {
	g := New(Config{MaxActive: 2})
	ctx := context.Background()
	require.NoError(t, g.Admit(ctx, "c1", Descriptor{Priority: domain.PriorityCritical}))
	require.NoError(t, g.Admit(ctx, "c2", Descriptor{Priority: domain.PriorityCritical}))
	err := g.Admit(ctx, "c3", Descriptor{Priority: domain.PriorityCritical})
	require.ErrorIs(t, err, domain.ErrCapacity)

	g2 := New(Config{MaxActive: 1})
	require.NoError(t, g2.Admit(ctx, "h", Descriptor{Priority: domain.PriorityHigh}))
	require.ErrorIs(t, g2.Admit(ctx, "c", Descriptor{Priority: domain.PriorityCritical}), domain.ErrCapacity)
	assert.True(t, g2.IsActive("h"))
}

func TestAdmitDuplicateID(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.Admit(context.Background(), "a", medium()))
	err := g.Admit(context.Background(), "a", medium())
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestReleaseRunsHooksOnceAndIsIdempotent(t *testing.T) {
	g := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := time.NewTimer(time.Hour)
	hooks := 0
	g.Scratch().Set("handoff", "payload")
	require.NoError(t, g.Admit(ctx, "op", Descriptor{
		Priority:    domain.PriorityLow,
		Context:     ctx,
		Cancel:      cancel,
		Timers:      []*time.Timer{timer},
		Cleanup:     []func(){func() { hooks++ }},
		ScratchKeys: []string{"handoff"},
	}))

	g.Release("op")
	g.Release("op")
	g.Release("unknown")

	assert.Equal(t, 1, hooks)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, timer.Stop(), "timer should already be stopped")
	_, ok := g.Scratch().Get("handoff")
	assert.False(t, ok)
	assert.Zero(t, g.ActiveCount())
}

func TestReleaseSurvivesPanickingHook(t *testing.T) {
	g := New(Config{})
	ran := false
	require.NoError(t, g.Admit(context.Background(), "op", Descriptor{Cleanup: []func(){
		func() { panic("boom") },
		func() { ran = true },
	}}))
	g.Release("op")
	assert.True(t, ran)
	assert.False(t, g.IsActive("op"))
}

func TestSweepReleasesLeakedButNotCritical(t *testing.T) {
	g := New(Config{MaxActive: 5})
	ctx := context.Background()
	leakedCtx, cancelLeaked := context.WithCancel(ctx)
	cancelLeaked()
	critCtx, cancelCrit := context.WithCancel(ctx)
	cancelCrit()

	require.NoError(t, g.Admit(ctx, "leaked", Descriptor{Priority: domain.PriorityHigh, Context: leakedCtx}))
	require.NoError(t, g.Admit(ctx, "critical", Descriptor{Priority: domain.PriorityCritical, Context: critCtx}))
	require.NoError(t, g.Admit(ctx, "live", Descriptor{Priority: domain.PriorityLow, Context: ctx}))

	rep := g.Sweep(ctx)
	assert.Equal(t, 1, rep.LeakedReleased)
	assert.False(t, g.IsActive("leaked"))
	assert.True(t, g.IsActive("critical"))
	assert.True(t, g.IsActive("live"))
}

func TestSweepRemovesExpiredAndStale(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{ScratchMaxAge: time.Minute}, WithClock(clock.Now))
	g.Cache().Set("short", 1, time.Second)
	g.Cache().Set("long", 2, time.Hour)
	g.Scratch().Set("old", "x")
	clock.Advance(2 * time.Minute)
	g.Scratch().Set("fresh", "y")

	rep := g.Sweep(context.Background())
	assert.Equal(t, 1, rep.CacheExpired)
	assert.Equal(t, 1, rep.ScratchStale)
	assert.Equal(t, 1, g.Cache().Len())
	_, ok := g.Scratch().Get("fresh")
	assert.True(t, ok)
}

func TestCheckPressureTriggersEmergencyCleanup(t *testing.T) {
	clock := newFakeClock()
	used := uint64(10)
	g := New(Config{
		MemoryCeilingBytes: 100,
		LongRunningAfter:   time.Minute,
		ScratchMaxBytes:    8,
	}, WithClock(clock.Now), WithMemorySampler(func() uint64 { return used }))
	ctx := context.Background()
	require.NoError(t, g.Admit(ctx, "slow", Descriptor{Priority: domain.PriorityLow}))
	g.Scratch().Set("big", "this value is far too large")
	g.Scratch().Set("small", "ok")
	clock.Advance(2 * time.Minute)

	g.CheckPressure(ctx)
	_, ok := g.Scratch().Get("big")
	assert.True(t, ok, "below ceiling nothing is dropped")

	used = 1000
	g.CheckPressure(ctx)
	_, ok = g.Scratch().Get("big")
	assert.False(t, ok)
	_, ok = g.Scratch().Get("small")
	assert.True(t, ok)
	assert.True(t, g.IsActive("slow"), "long-running records are only reported")
}

func TestEmergencyCleanupReportsLongRunning(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{LongRunningAfter: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, g.Admit(ctx, "b", medium()))
	require.NoError(t, g.Admit(ctx, "a", medium()))
	clock.Advance(time.Hour)
	require.NoError(t, g.Admit(ctx, "fresh", medium()))

	rep := g.EmergencyCleanup(ctx)
	assert.Equal(t, []string{"a", "b"}, rep.LongRunning)
	assert.Equal(t, 3, g.ActiveCount())
}

func TestStartAndCloseRunLoops(t *testing.T) {
	g := New(Config{SweepInterval: 5 * time.Millisecond, PressureInterval: 5 * time.Millisecond})
	g.Cache().Set("k", "v", time.Millisecond)
	g.Start(context.Background())
	g.Start(context.Background())
	require.Eventually(t, func() bool { return g.Cache().Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
}

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{MaxActive: 4}, WithClock(clock.Now), WithMemorySampler(func() uint64 { return 42 }))
	ctx := context.Background()
	require.NoError(t, g.Admit(ctx, "first", Descriptor{Priority: domain.PriorityHigh}))
	clock.Advance(time.Second)
	require.NoError(t, g.Admit(ctx, "second", medium()))
	g.Cache().Set("k", "v", 0)

	snap := g.Snapshot()
	assert.Equal(t, 4, snap.MaxActive)
	require.Len(t, snap.Active, 2)
	assert.Equal(t, "first", snap.Active[0].ID)
	assert.Equal(t, "high", snap.Active[0].Priority)
	assert.Equal(t, 1, snap.CacheEntries)
	assert.Equal(t, uint64(42), snap.MemoryBytes)
}

func TestConcurrentAdmitReleaseRespectsCeiling(t *testing.T) {
	g := New(Config{MaxActive: 4})
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("op-%d", i)
			p := domain.PriorityLow + domain.Priority(i%4)
			if err := g.Admit(ctx, id, Descriptor{Priority: p}); err != nil {
				return
			}
			mu.Lock()
			if n := g.ActiveCount(); n > maxSeen {
				maxSeen = n
			}
			mu.Unlock()
			g.Release(id)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, 4)
	assert.Zero(t, g.ActiveCount())
}
