package engine

import (
	"context"
	"database/sql"
	"sync"

	"pagegen/internal/domain"
	"pagegen/internal/events"
)

// runStore persists one run for the orchestrator and appends an event for
// every status change and every completed task.
type runStore struct {
	engine  Engine
	runID   string
	actorID string

	mu   sync.Mutex
	last domain.RunStatus
	seq  map[string]int
}

func (s *runStore) SaveState(ctx context.Context, st domain.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.writeState(ctx, tx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.last = st.Status
	return nil
}

// SaveTask stores a completed task's result together with the state that
// counts it, so the completed count never disagrees with the results table.
func (s *runStore) SaveTask(ctx context.Context, st domain.RunState, res domain.GenerationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.engine.Repo.InsertResult(ctx, tx, s.runID, s.seq[res.TaskID], res); err != nil {
		return err
	}
	payload := events.EventPayload{
		"task_id":    res.TaskID,
		"title":      res.Title,
		"provenance": string(res.Provenance),
		"length":     res.Length,
	}
	if err := s.engine.Events.Append(ctx, tx, events.TaskCompleted, s.runID, "result", res.TaskID, s.actorID, payload); err != nil {
		return err
	}
	if err := s.writeState(ctx, tx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.last = st.Status
	return nil
}

func (s *runStore) writeState(ctx context.Context, tx *sql.Tx, st domain.RunState) error {
	if err := s.engine.Repo.UpdateRunState(ctx, tx, st); err != nil {
		return err
	}
	if st.Status != s.last {
		if typ, ok := statusEvent(s.last, st.Status); ok {
			payload := events.EventPayload{"completed": st.Completed, "total": st.Total}
			if st.Error != "" {
				payload["error"] = st.Error
			}
			if err := s.engine.Events.Append(ctx, tx, typ, s.runID, "run", s.runID, s.actorID, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func statusEvent(from, to domain.RunStatus) (string, bool) {
	switch to {
	case domain.RunRunning:
		if from == domain.RunPaused {
			return events.RunResumed, true
		}
		return events.RunStarted, true
	case domain.RunPaused:
		return events.RunPaused, true
	case domain.RunCompleted:
		return events.RunCompleted, true
	case domain.RunCancelled:
		return events.RunCancelled, true
	case domain.RunFailed:
		return events.RunFailed, true
	}
	return "", false
}
