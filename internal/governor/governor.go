package governor

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pagegen/internal/domain"
	"pagegen/internal/telemetry"
)

// Config holds the governor limits.
type Config struct {
	// MaxActive is the ceiling on simultaneously admitted operations.
	MaxActive int
	// CacheCapacity is the number of cache entries kept before the oldest is evicted.
	CacheCapacity int
	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration
	// PressureInterval is the period of the memory pressure check.
	PressureInterval time.Duration
	// MemoryCeilingBytes triggers emergency cleanup when exceeded. Zero disables the check.
	MemoryCeilingBytes uint64
	// LongRunningAfter is the age past which active records are reported.
	LongRunningAfter time.Duration
	// ScratchMaxAge is the age past which scratch entries are swept.
	ScratchMaxAge time.Duration
	// ScratchMaxBytes is the serialized size past which scratch entries are
	// dropped under memory pressure.
	ScratchMaxBytes int
}

// DefaultConfig returns the limits used for zero fields.
func DefaultConfig() Config {
	return Config{
		MaxActive:        3,
		CacheCapacity:    100,
		SweepInterval:    time.Minute,
		PressureInterval: 30 * time.Second,
		LongRunningAfter: 5 * time.Minute,
		ScratchMaxAge:    10 * time.Minute,
		ScratchMaxBytes:  1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxActive <= 0 {
		c.MaxActive = d.MaxActive
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = d.CacheCapacity
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.PressureInterval <= 0 {
		c.PressureInterval = d.PressureInterval
	}
	if c.LongRunningAfter <= 0 {
		c.LongRunningAfter = d.LongRunningAfter
	}
	if c.ScratchMaxAge <= 0 {
		c.ScratchMaxAge = d.ScratchMaxAge
	}
	if c.ScratchMaxBytes <= 0 {
		c.ScratchMaxBytes = d.ScratchMaxBytes
	}
	return c
}

// Descriptor carries the priority and the cleanup hooks of an operation.
// Everything it references is owned by the governor until release.
type Descriptor struct {
	Priority domain.Priority
	// Context is the operation's own context. A record whose context is
	// already done is considered leaked and is released by the sweep.
	Context context.Context
	// Cancel is invoked when the record is released or preempted.
	Cancel context.CancelFunc
	// Timers are stopped on release.
	Timers []*time.Timer
	// Cleanup callbacks run on release, in order.
	Cleanup []func()
	// ScratchKeys are deleted from the scratch store on release.
	ScratchKeys []string
}

type record struct {
	id         string
	desc       Descriptor
	admittedAt time.Time
	seq        uint64
	index      int
}

func (r *record) inert() bool {
	return r.desc.Context != nil && r.desc.Context.Err() != nil
}

// recordHeap orders records by preemption preference: lowest priority
// first, then oldest admission.
type recordHeap []*record

func (h recordHeap) Len() int { return len(h) }

func (h recordHeap) Less(i, j int) bool {
	if h[i].desc.Priority != h[j].desc.Priority {
		return h[i].desc.Priority < h[j].desc.Priority
	}
	if !h[i].admittedAt.Equal(h[j].admittedAt) {
		return h[i].admittedAt.Before(h[j].admittedAt)
	}
	return h[i].seq < h[j].seq
}

func (h recordHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *recordHeap) Push(x any) {
	r := x.(*record)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

func (h *recordHeap) remove(r *record) {
	heap.Remove(h, r.index)
}

// Governor admits operations up to a ceiling, preempting low-priority work
// when full, and reclaims cache, scratch and leaked records in the background.
// All methods are safe for concurrent use.
type Governor struct {
	cfg     Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	now     func() time.Time
	memory  func() uint64

	cache   *Cache
	scratch *Scratch

	mu     sync.Mutex
	active map[string]*record
	order  recordHeap
	seq    uint64

	loopMu sync.Mutex
	logCtx context.Context
	stop   context.CancelFunc
	group  *errgroup.Group
}

// Option customizes a Governor.
type Option func(*Governor)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithMemorySampler overrides the heap usage reading used by the pressure check.
func WithMemorySampler(fn func() uint64) Option {
	return func(g *Governor) { g.memory = fn }
}

// New returns a Governor. Background loops start with Start.
func New(cfg Config, opts ...Option) *Governor {
	g := &Governor{
		cfg:     cfg.withDefaults(),
		logger:  telemetry.NoopLogger(),
		metrics: telemetry.NoopMetrics(),
		now:     time.Now,
		memory:  heapInUse,
		active:  make(map[string]*record),
		logCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.cache = newCache(g.cfg.CacheCapacity, g.now)
	g.scratch = newScratch(g.now)
	return g
}

var defaultGovernor = sync.OnceValue(func() *Governor {
	return New(DefaultConfig(), WithLogger(telemetry.NewClueLogger()), WithMetrics(telemetry.NewOTELMetrics()))
})

// Default returns a process-wide governor. Its loops are not started.
func Default() *Governor { return defaultGovernor() }

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Config returns the effective configuration.
func (g *Governor) Config() Config { return g.cfg }

// Cache returns the TTL cache.
func (g *Governor) Cache() *Cache { return g.cache }

// Scratch returns the ephemeral scratch store.
func (g *Governor) Scratch() *Scratch { return g.scratch }

// Admit registers an operation. When the active set is full, the
// lowest-priority, oldest record is preempted if its priority is at most
// medium and strictly below the incoming priority; otherwise Admit fails with
// an error wrapping domain.ErrCapacity and the caller must not proceed. An
// unset priority is admitted as medium.
func (g *Governor) Admit(ctx context.Context, id string, d Descriptor) error {
	if d.Priority == domain.PriorityUnset {
		d.Priority = domain.PriorityMedium
	}
	g.mu.Lock()
	if _, dup := g.active[id]; dup {
		g.mu.Unlock()
		return fmt.Errorf("admit %s: already active: %w", id, domain.ErrValidation)
	}
	var victim *record
	if len(g.active) >= g.cfg.MaxActive {
		candidate := g.order[0]
		if candidate.desc.Priority > domain.PriorityMedium || candidate.desc.Priority >= d.Priority {
			active := len(g.active)
			g.mu.Unlock()
			g.metrics.IncCounter("pagegen.governor.admissions", 1, "outcome", "rejected")
			g.logger.Warn(ctx, "admission rejected",
				"operation", id,
				"priority", d.Priority.String(),
				"active", active,
				"limit", g.cfg.MaxActive,
			)
			return fmt.Errorf("admit %s: %d of %d slots busy: %w", id, active, g.cfg.MaxActive, domain.ErrCapacity)
		}
		g.order.remove(candidate)
		delete(g.active, candidate.id)
		victim = candidate
	}
	g.seq++
	rec := &record{id: id, desc: d, admittedAt: g.now(), seq: g.seq}
	heap.Push(&g.order, rec)
	g.active[id] = rec
	active := len(g.active)
	g.mu.Unlock()

	if victim != nil {
		g.cleanup(victim)
		g.metrics.IncCounter("pagegen.governor.preemptions", 1, "priority", victim.desc.Priority.String())
		g.logger.Warn(ctx, "operation preempted",
			"operation", victim.id,
			"priority", victim.desc.Priority.String(),
			"age_ms", g.now().Sub(victim.admittedAt).Milliseconds(),
			"by", id,
		)
	}
	g.metrics.IncCounter("pagegen.governor.admissions", 1, "outcome", "admitted")
	g.metrics.RecordGauge("pagegen.governor.active", float64(active))
	g.logger.Debug(ctx, "operation admitted", "operation", id, "priority", d.Priority.String(), "active", active)
	return nil
}

// Release removes the record and runs its cleanup hooks. Releasing an
// unknown or already released id is a no-op.
func (g *Governor) Release(id string) {
	g.mu.Lock()
	rec, ok := g.active[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	g.order.remove(rec)
	delete(g.active, id)
	active := len(g.active)
	g.mu.Unlock()

	g.cleanup(rec)
	g.metrics.RecordGauge("pagegen.governor.active", float64(active))
	g.logger.Debug(g.loggingContext(), "operation released", "operation", id, "active", active)
}

// IsActive reports whether id is currently admitted.
func (g *Governor) IsActive(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[id]
	return ok
}

// ActiveCount returns the size of the active set.
func (g *Governor) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// RecordInfo describes an active record.
type RecordInfo struct {
	ID         string    `json:"id"`
	Priority   string    `json:"priority"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// Snapshot is a point-in-time view of the governor.
type Snapshot struct {
	MaxActive      int          `json:"max_active"`
	Active         []RecordInfo `json:"active"`
	CacheEntries   int          `json:"cache_entries"`
	ScratchEntries int          `json:"scratch_entries"`
	MemoryBytes    uint64       `json:"memory_bytes"`
}

// Snapshot returns the current state, records ordered by admission time.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	records := make([]RecordInfo, 0, len(g.active))
	for _, r := range g.active {
		records = append(records, RecordInfo{ID: r.id, Priority: r.desc.Priority.String(), AdmittedAt: r.admittedAt})
	}
	g.mu.Unlock()
	sortRecordInfos(records)
	return Snapshot{
		MaxActive:      g.cfg.MaxActive,
		Active:         records,
		CacheEntries:   g.cache.Len(),
		ScratchEntries: g.scratch.Len(),
		MemoryBytes:    g.memory(),
	}
}

func (g *Governor) cleanup(r *record) {
	for _, t := range r.desc.Timers {
		if t != nil {
			t.Stop()
		}
	}
	if r.desc.Cancel != nil {
		r.desc.Cancel()
	}
	for _, fn := range r.desc.Cleanup {
		g.runHook(r.id, fn)
	}
	for _, key := range r.desc.ScratchKeys {
		g.scratch.Delete(key)
	}
}

func (g *Governor) runHook(id string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error(g.loggingContext(), "cleanup hook panicked", "operation", id, "panic", fmt.Sprint(p))
		}
	}()
	fn()
}

func (g *Governor) loggingContext() context.Context {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()
	return g.logCtx
}
