// Package tracker runs asynchronous units of work under a deadline and keeps
// a bounded history of how long they took and whether they succeeded.
//
// The tracker does not queue: when the number of concurrently tracked
// operations is already at the configured ceiling, Do fails immediately with
// domain.ErrCapacity. Callers that need queuing or preemption gate through
// the governor first.
//
// The timeout race hands work a context that is cancelled when the deadline
// expires, so context-aware work stops; work that ignores its context keeps
// running in the background and its late result is dropped.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pagegen/internal/domain"
	"pagegen/internal/telemetry"
)

// Config bounds the tracker.
type Config struct {
	// MaxConcurrent is the hard ceiling on simultaneously tracked operations.
	MaxConcurrent int
	// SampleRetention caps the number of retained samples; oldest go first.
	SampleRetention int
	// DefaultTimeout applies when no rule matches the operation name.
	DefaultTimeout time.Duration
	// Rules are checked in order; the first rule with a matching substring wins.
	Rules []TimeoutRule
}

// TimeoutRule maps operation-name substrings to a deadline.
type TimeoutRule struct {
	Match   []string      `yaml:"match" json:"match"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

const (
	defaultMaxConcurrent   = 10
	defaultSampleRetention = 1000
	defaultTimeout         = 30 * time.Second
)

// DefaultRules returns the built-in name-to-deadline rules: remote API and
// model calls get the longest budget, edge functions a medium one and storage
// calls a short one.
func DefaultRules() []TimeoutRule {
	return []TimeoutRule{
		{Match: []string{"api", "llm", "generate"}, Timeout: 2 * time.Minute},
		{Match: []string{"edge", "function"}, Timeout: time.Minute},
		{Match: []string{"storage", "db", "cache"}, Timeout: 10 * time.Second},
	}
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   defaultMaxConcurrent,
		SampleRetention: defaultSampleRetention,
		DefaultTimeout:  defaultTimeout,
		Rules:           DefaultRules(),
	}
}

// Sample is one measurement.
type Sample struct {
	Name    string    `json:"name"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Success bool      `json:"success"`
	Err     string    `json:"error,omitempty"`
}

// Duration is End minus Start.
func (s Sample) Duration() time.Duration { return s.End.Sub(s.Start) }

// Stat aggregates the retained samples of one operation name.
type Stat struct {
	Name        string        `json:"name"`
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	SuccessRate float64       `json:"success_rate"`
	LastRun     time.Time     `json:"last_run"`
}

// Tracker executes and measures operations. It is safe for concurrent use.
type Tracker struct {
	cfg     Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	now     func() time.Time

	active atomic.Int64

	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock overrides time.Now for measurements.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New returns a Tracker. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Tracker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.SampleRetention <= 0 {
		cfg.SampleRetention = defaultSampleRetention
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	t := &Tracker{
		cfg:     cfg,
		logger:  telemetry.NoopLogger(),
		metrics: telemetry.NoopMetrics(),
		now:     time.Now,
		samples: make([]Sample, cfg.SampleRetention),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var defaultTracker = sync.OnceValue(func() *Tracker {
	return New(DefaultConfig(), WithLogger(telemetry.NewClueLogger()), WithMetrics(telemetry.NewOTELMetrics()))
})

// Default returns a process-wide tracker for callers that do not construct
// their own.
func Default() *Tracker { return defaultTracker() }

// TimeoutFor returns the deadline applied to an operation called name.
func (t *Tracker) TimeoutFor(name string) time.Duration {
	lowered := strings.ToLower(name)
	for _, rule := range t.cfg.Rules {
		for _, m := range rule.Match {
			if m != "" && strings.Contains(lowered, strings.ToLower(m)) {
				return rule.Timeout
			}
		}
	}
	return t.cfg.DefaultTimeout
}

// Active returns the number of operations currently tracked.
func (t *Tracker) Active() int { return int(t.active.Load()) }

type runOptions struct {
	timeout time.Duration
}

// RunOption customizes a single Do call.
type RunOption func(*runOptions)

// WithTimeout overrides the name-derived deadline.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// Run is Do for work without a result value.
func (t *Tracker) Run(ctx context.Context, name string, work func(context.Context) error, opts ...RunOption) error {
	_, err := Do(ctx, t, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}, opts...)
	return err
}

type outcome[T any] struct {
	val T
	err error
}

// Do runs work, racing it against a deadline, and records a sample whatever
// the outcome. A deadline miss yields an error wrapping domain.ErrTimeout.
func Do[T any](ctx context.Context, t *Tracker, name string, work func(context.Context) (T, error), opts ...RunOption) (T, error) {
	var zero T
	if !t.acquire() {
		t.metrics.IncCounter("pagegen.tracker.operations", 1, "name", name, "outcome", "rejected")
		t.logger.Warn(ctx, "operation rejected", "operation", name, "active", t.Active(), "limit", t.cfg.MaxConcurrent)
		return zero, fmt.Errorf("track %s: %d operations in flight: %w", name, t.cfg.MaxConcurrent, domain.ErrCapacity)
	}
	defer t.active.Add(-1)

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = t.TimeoutFor(name)
	}
	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := t.now()
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("%s panicked: %v", name, r)}
			}
		}()
		v, err := work(runCtx)
		done <- outcome[T]{val: v, err: err}
	}()

	var res outcome[T]
	select {
	case res = <-done:
	case <-runCtx.Done():
		select {
		case res = <-done:
		default:
			res.err = runCtx.Err()
		}
	}
	if res.err != nil && ctx.Err() == nil && errors.Is(res.err, context.DeadlineExceeded) {
		res.err = fmt.Errorf("%s exceeded %s: %w", name, o.timeout, domain.ErrTimeout)
	}
	t.record(ctx, name, start, res.err)
	if res.err != nil {
		return zero, res.err
	}
	return res.val, nil
}

func (t *Tracker) acquire() bool {
	limit := int64(t.cfg.MaxConcurrent)
	for {
		cur := t.active.Load()
		if cur >= limit {
			return false
		}
		if t.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (t *Tracker) record(ctx context.Context, name string, start time.Time, err error) {
	s := Sample{Name: name, Start: start, End: t.now(), Success: err == nil}
	if err != nil {
		s.Err = err.Error()
	}
	t.mu.Lock()
	t.samples[t.next] = s
	t.next = (t.next + 1) % len(t.samples)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "failure"
		if errors.Is(err, domain.ErrTimeout) {
			outcome = "timeout"
		}
	}
	t.metrics.IncCounter("pagegen.tracker.operations", 1, "name", name, "outcome", outcome)
	t.metrics.RecordTimer("pagegen.tracker.duration", s.Duration(), "name", name)
	t.logger.Info(ctx, "operation finished",
		"operation", name,
		"duration_ms", s.Duration().Milliseconds(),
		"outcome", outcome,
		"error", s.Err,
	)
}

// Samples returns the retained samples, oldest first.
func (t *Tracker) Samples() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]Sample(nil), t.samples[:t.next]...)
	}
	out := make([]Sample, 0, len(t.samples))
	out = append(out, t.samples[t.next:]...)
	return append(out, t.samples[:t.next]...)
}

// Stats aggregates retained samples per operation name, sorted by name.
func (t *Tracker) Stats() []Stat {
	byName := make(map[string]*Stat)
	successes := make(map[string]int)
	total := make(map[string]time.Duration)
	for _, s := range t.Samples() {
		st, ok := byName[s.Name]
		d := s.Duration()
		if !ok {
			st = &Stat{Name: s.Name, MinDuration: d, MaxDuration: d}
			byName[s.Name] = st
		}
		st.Count++
		total[s.Name] += d
		if d < st.MinDuration {
			st.MinDuration = d
		}
		if d > st.MaxDuration {
			st.MaxDuration = d
		}
		if s.Success {
			successes[s.Name]++
		}
		if s.End.After(st.LastRun) {
			st.LastRun = s.End
		}
	}
	out := make([]Stat, 0, len(byName))
	for name, st := range byName {
		st.AvgDuration = total[name] / time.Duration(st.Count)
		st.SuccessRate = float64(successes[name]) / float64(st.Count)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatFor returns the aggregate for a single operation name.
func (t *Tracker) StatFor(name string) (Stat, bool) {
	for _, st := range t.Stats() {
		if st.Name == name {
			return st, true
		}
	}
	return Stat{}, false
}
