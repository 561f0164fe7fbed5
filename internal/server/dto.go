package server

import (
	"encoding/json"
	"time"

	"pagegen/internal/domain"
	"pagegen/internal/governor"
	"pagegen/internal/tracker"
)

// Request payloads

type StartRunRequest struct {
	Tasks    []domain.GenerationTask `json:"tasks" minItems:"1"`
	Priority string                  `json:"priority,omitempty" enum:"low,medium,high,critical"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type RunResponse struct {
	domain.Run
	// ProgressPercent is completed over total, 0 for an empty run.
	ProgressPercent float64 `json:"progress_percent"`
}

type paginatedRuns struct {
	Items []RunResponse `json:"items"`
}

type ResultsResponse struct {
	RunID  string                    `json:"run_id"`
	Items  []domain.GenerationResult `json:"items"`
	Counts map[string]int            `json:"counts"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StatResponse struct {
	Name          string    `json:"name"`
	Count         int       `json:"count"`
	AvgDurationMS int64     `json:"avg_duration_ms"`
	MinDurationMS int64     `json:"min_duration_ms"`
	MaxDurationMS int64     `json:"max_duration_ms"`
	SuccessRate   float64   `json:"success_rate"`
	LastRun       time.Time `json:"last_run"`
}

type StatsResponse struct {
	Operations []StatResponse `json:"operations"`
	LiveRuns   []string       `json:"live_runs"`
}

type GovernorRecordResponse struct {
	ID         string `json:"id"`
	Priority   string `json:"priority"`
	AdmittedAt string `json:"admitted_at" format:"date-time"`
}

type GovernorResponse struct {
	MaxActive      int                      `json:"max_active"`
	Active         []GovernorRecordResponse `json:"active"`
	CacheEntries   int                      `json:"cache_entries"`
	ScratchEntries int                      `json:"scratch_entries"`
	MemoryBytes    uint64                   `json:"memory_bytes"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mappers

func runResponse(r domain.Run) RunResponse {
	res := RunResponse{Run: r}
	if r.Total > 0 {
		res.ProgressPercent = float64(r.Completed) * 100 / float64(r.Total)
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func statResponse(s tracker.Stat) StatResponse {
	return StatResponse{
		Name:          s.Name,
		Count:         s.Count,
		AvgDurationMS: s.AvgDuration.Milliseconds(),
		MinDurationMS: s.MinDuration.Milliseconds(),
		MaxDurationMS: s.MaxDuration.Milliseconds(),
		SuccessRate:   s.SuccessRate,
		LastRun:       s.LastRun,
	}
}

func governorResponse(s governor.Snapshot) GovernorResponse {
	res := GovernorResponse{
		MaxActive:      s.MaxActive,
		Active:         []GovernorRecordResponse{},
		CacheEntries:   s.CacheEntries,
		ScratchEntries: s.ScratchEntries,
		MemoryBytes:    s.MemoryBytes,
	}
	for _, r := range s.Active {
		res.Active = append(res.Active, GovernorRecordResponse{
			ID:         r.ID,
			Priority:   r.Priority,
			AdmittedAt: r.AdmittedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}
