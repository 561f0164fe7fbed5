// Package governor implements admission control, memoization with expiry and
// leak reclamation for the generation pipeline.
//
// # Admission
//
// Admit places an operation in a bounded active set. Below the ceiling the
// operation is admitted unconditionally. At the ceiling the governor picks
// the lowest-priority, oldest record; when that record is at most medium
// priority and below the incoming one it is preempted (its cancel function
// runs, its timers stop, its cleanup hooks fire). Otherwise Admit fails with
// domain.ErrCapacity. The scan and the mutation happen under one lock.
//
//	g := governor.New(governor.Config{MaxActive: 3})
//	if err := g.Admit(ctx, "run-1:pillar", governor.Descriptor{Priority: domain.PriorityMedium}); err != nil {
//	    return err // do not start the work
//	}
//	defer g.Release("run-1:pillar")
//
// # Cache and scratch
//
// Cache entries carry their own ttl and are treated as absent once expired,
// whether or not a sweep has removed them. Scratch entries have no ttl; they
// are removed by age in the sweep or with the record that owns them.
//
// # Background reclamation
//
// Start runs two loops: a periodic sweep of expired cache entries, stale
// scratch entries and leaked records, and a memory pressure check that runs
// EmergencyCleanup when heap usage exceeds the configured ceiling. Neither
// loop surfaces errors to callers; failures are logged.
package governor
