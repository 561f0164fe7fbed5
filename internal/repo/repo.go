package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagegen/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const runColumns = `id,status,priority,total,completed,COALESCE(current_title,''),actor_id,tasks_json,COALESCE(error,''),started_at,updated_at,COALESCE(finished_at,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                          domain.Run
		status, tasksJSON            string
		startedAt, updatedAt, finish string
	)
	err := row.Scan(&run.RunID, &status, &run.Priority, &run.Total, &run.Completed, &run.CurrentTitle,
		&run.ActorID, &tasksJSON, &run.Error, &startedAt, &updatedAt, &finish)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Status = domain.RunStatus(status)
	run.StartedAt = parseTime(startedAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.FinishedAt = parseTime(finish)
	if tasksJSON != "" {
		if err := json.Unmarshal([]byte(tasksJSON), &run.Tasks); err != nil {
			return run, fmt.Errorf("decode tasks of run %s: %w", run.RunID, err)
		}
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	tasks, err := json.Marshal(run.Tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO runs(id,status,priority,total,completed,current_title,actor_id,tasks_json,error,started_at,updated_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID, string(run.Status), run.Priority, run.Total, run.Completed, nullable(run.CurrentTitle), run.ActorID,
		string(tasks), nullable(run.Error), formatTime(run.StartedAt), formatTime(run.UpdatedAt), nullable(formatTime(run.FinishedAt)))
	return err
}

// UpdateRunState stores the mutable part of a run.
func (r Repo) UpdateRunState(ctx context.Context, tx *sql.Tx, st domain.RunState) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE runs SET status=?,total=?,completed=?,current_title=?,error=?,started_at=?,updated_at=?,finished_at=? WHERE id=?`,
		string(st.Status), st.Total, st.Completed, nullable(st.CurrentTitle), nullable(st.Error),
		formatTime(st.StartedAt), formatTime(st.UpdatedAt), nullable(formatTime(st.FinishedAt)), st.RunID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

type RunFilters struct {
	Status string
	Limit  int
}

// ListRuns returns runs newest first, without their task lists.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		run.Tasks = nil
		res = append(res, run)
	}
	return res, rows.Err()
}

// InterruptRuns marks runs left running or paused by a previous process as
// failed and returns their ids.
func (r Repo) InterruptRuns(ctx context.Context, tx *sql.Tx, now time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM runs WHERE status IN (?,?,?) ORDER BY id`,
		string(domain.RunIdle), string(domain.RunRunning), string(domain.RunPaused))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ts := formatTime(now)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?,error=?,updated_at=?,finished_at=? WHERE id=?`,
			string(domain.RunFailed), "interrupted", ts, ts, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// InsertResult stores a result; seq is its position in the run's task list.
func (r Repo) InsertResult(ctx context.Context, tx *sql.Tx, runID string, seq int, res domain.GenerationResult) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO results(run_id,seq,task_id,title,content,length,provenance,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		runID, seq, res.TaskID, res.Title, res.Content, res.Length, string(res.Provenance), formatTime(res.CompletedAt))
	return err
}

// ListResults returns the results of a run in task order.
func (r Repo) ListResults(ctx context.Context, runID string) ([]domain.GenerationResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,title,content,length,provenance,completed_at FROM results WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationResult
	for rows.Next() {
		var (
			g                       domain.GenerationResult
			provenance, completedAt string
		)
		if err := rows.Scan(&g.TaskID, &g.Title, &g.Content, &g.Length, &provenance, &completedAt); err != nil {
			return nil, err
		}
		g.Provenance = domain.Provenance(provenance)
		g.CompletedAt = parseTime(completedAt)
		res = append(res, g)
	}
	return res, rows.Err()
}

// CountResults returns per-provenance result counts of a run.
func (r Repo) CountResults(ctx context.Context, runID string) (map[domain.Provenance]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT provenance, COUNT(*) FROM results WHERE run_id=? GROUP BY provenance`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Provenance]int{}
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		counts[domain.Provenance(p)] = n
	}
	return counts, rows.Err()
}

const eventColumns = `id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
