package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the log.
const (
	RunStarted    = "run.started"
	RunPaused     = "run.paused"
	RunResumed    = "run.resumed"
	RunCompleted  = "run.completed"
	RunCancelled  = "run.cancelled"
	RunFailed     = "run.failed"
	TaskCompleted = "task.completed"
	APIKeyCreated = "apikey.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an event inside tx, or directly when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const query = `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(runID), entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
