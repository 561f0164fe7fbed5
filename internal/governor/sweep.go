package governor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"pagegen/internal/domain"
)

// SweepReport counts what a sweep reclaimed.
type SweepReport struct {
	CacheExpired   int `json:"cache_expired"`
	ScratchStale   int `json:"scratch_stale"`
	LeakedReleased int `json:"leaked_released"`
}

// CleanupReport counts what an emergency cleanup did.
type CleanupReport struct {
	SweepReport
	LongRunning      []string `json:"long_running,omitempty"`
	ScratchOversized int      `json:"scratch_oversized"`
}

// Start launches the sweep and pressure loops. They stop when ctx is done or
// Close is called. Calling Start twice is a no-op.
func (g *Governor) Start(ctx context.Context) {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()
	if g.stop != nil {
		return
	}
	g.logCtx = ctx
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	g.stop = cancel
	g.group = group
	group.Go(func() error {
		g.every(ctx, "sweep", g.cfg.SweepInterval, func(ctx context.Context) { g.Sweep(ctx) })
		return nil
	})
	group.Go(func() error {
		g.every(ctx, "pressure", g.cfg.PressureInterval, g.CheckPressure)
		return nil
	})
}

// Close stops the background loops and waits for them to exit.
func (g *Governor) Close() error {
	g.loopMu.Lock()
	stop, group := g.stop, g.group
	g.stop, g.group = nil, nil
	g.loopMu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	return group.Wait()
}

func (g *Governor) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.guard(ctx, name, fn)
		}
	}
}

// guard keeps a failing pass from ending its loop.
func (g *Governor) guard(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error(ctx, "background pass failed", "pass", name, "panic", fmt.Sprint(p))
		}
	}()
	fn(ctx)
}

// Sweep removes expired cache entries, scratch entries older than
// ScratchMaxAge, and releases non-critical records whose context is already
// done.
func (g *Governor) Sweep(ctx context.Context) SweepReport {
	rep := SweepReport{
		CacheExpired: g.cache.sweep(),
		ScratchStale: g.scratch.sweepOlderThan(g.cfg.ScratchMaxAge),
	}
	rep.LeakedReleased = g.releaseLeaked(ctx)
	g.metrics.IncCounter("pagegen.governor.swept", float64(rep.CacheExpired), "kind", "cache")
	g.metrics.IncCounter("pagegen.governor.swept", float64(rep.ScratchStale), "kind", "scratch")
	g.metrics.IncCounter("pagegen.governor.swept", float64(rep.LeakedReleased), "kind", "record")
	if rep != (SweepReport{}) {
		g.logger.Info(ctx, "sweep finished",
			"cache_expired", rep.CacheExpired,
			"scratch_stale", rep.ScratchStale,
			"leaked_released", rep.LeakedReleased,
		)
	}
	return rep
}

// CheckPressure samples memory usage and runs EmergencyCleanup when it is
// above MemoryCeilingBytes.
func (g *Governor) CheckPressure(ctx context.Context) {
	used := g.memory()
	g.metrics.RecordGauge("pagegen.governor.memory", float64(used))
	if g.cfg.MemoryCeilingBytes == 0 || used <= g.cfg.MemoryCeilingBytes {
		return
	}
	g.logger.Warn(ctx, "memory ceiling exceeded", "used_bytes", used, "ceiling_bytes", g.cfg.MemoryCeilingBytes)
	g.EmergencyCleanup(ctx)
}

// EmergencyCleanup sweeps, reports long-running records without releasing
// them, releases leaked records and drops oversized scratch entries.
// Critical records are never released.
func (g *Governor) EmergencyCleanup(ctx context.Context) CleanupReport {
	rep := CleanupReport{SweepReport: g.Sweep(ctx)}

	now := g.now()
	g.mu.Lock()
	for _, r := range g.active {
		if now.Sub(r.admittedAt) > g.cfg.LongRunningAfter {
			rep.LongRunning = append(rep.LongRunning, r.id)
		}
	}
	g.mu.Unlock()
	sort.Strings(rep.LongRunning)
	for _, id := range rep.LongRunning {
		g.logger.Warn(ctx, "long-running operation", "operation", id, "threshold", g.cfg.LongRunningAfter.String())
	}

	rep.ScratchOversized = g.scratch.dropLargerThan(g.cfg.ScratchMaxBytes)
	g.metrics.IncCounter("pagegen.governor.swept", float64(rep.ScratchOversized), "kind", "scratch_oversized")
	g.logger.Warn(ctx, "emergency cleanup finished",
		"cache_expired", rep.CacheExpired,
		"scratch_stale", rep.ScratchStale,
		"leaked_released", rep.LeakedReleased,
		"long_running", len(rep.LongRunning),
		"scratch_oversized", rep.ScratchOversized,
	)
	return rep
}

func (g *Governor) releaseLeaked(ctx context.Context) int {
	var leaked []*record
	g.mu.Lock()
	for _, r := range g.active {
		if r.desc.Priority == domain.PriorityCritical || !r.inert() {
			continue
		}
		leaked = append(leaked, r)
	}
	for _, r := range leaked {
		g.order.remove(r)
		delete(g.active, r.id)
	}
	g.mu.Unlock()
	for _, r := range leaked {
		g.cleanup(r)
		g.logger.Warn(ctx, "released leaked operation", "operation", r.id, "priority", r.desc.Priority.String())
	}
	return len(leaked)
}

func sortRecordInfos(items []RecordInfo) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].AdmittedAt.Equal(items[j].AdmittedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].AdmittedAt.Before(items[j].AdmittedAt)
	})
}
