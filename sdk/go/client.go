package pagegensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal pagegen HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task describes one page to generate.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Kind         string   `json:"kind,omitempty"`
	Subheadings  []string `json:"subheadings,omitempty"`
	TargetLength int      `json:"target_length,omitempty"`
}

// Run represents the API run model.
type Run struct {
	RunID           string    `json:"run_id"`
	Status          string    `json:"status"`
	Total           int       `json:"total"`
	Completed       int       `json:"completed"`
	CurrentTitle    string    `json:"current_title"`
	Priority        string    `json:"priority"`
	ActorID         string    `json:"actor_id"`
	Error           string    `json:"error"`
	ProgressPercent float64   `json:"progress_percent"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Tasks           []Task    `json:"tasks"`
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool {
	switch r.Status {
	case "completed", "cancelled", "failed":
		return true
	}
	return false
}

// Result is the output of one task.
type Result struct {
	TaskID      string    `json:"task_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Length      int       `json:"length"`
	Provenance  string    `json:"provenance"`
	CompletedAt time.Time `json:"completed_at"`
}

// Results lists a run's results with per-provenance counts.
type Results struct {
	RunID  string         `json:"run_id"`
	Items  []Result       `json:"items"`
	Counts map[string]int `json:"counts"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Stat is the timing aggregate of one operation name.
type Stat struct {
	Name          string  `json:"name"`
	Count         int     `json:"count"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
	MinDurationMS int64   `json:"min_duration_ms"`
	MaxDurationMS int64   `json:"max_duration_ms"`
	SuccessRate   float64 `json:"success_rate"`
}

// Stats is the /stats payload.
type Stats struct {
	Operations []Stat   `json:"operations"`
	LiveRuns   []string `json:"live_runs"`
}

// APIKey is returned once, with its plaintext, on creation.
type APIKey struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name"`
	Key     string `json:"key"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartRun starts a run; it executes in the background on the server.
func (c *Client) StartRun(ctx context.Context, tasks []Task, priority string) (Run, error) {
	body := map[string]any{"tasks": tasks}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp, err
}

// GetRun fetches a run.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, runPath(runID, ""), nil, &resp)
	return resp, err
}

// ListRuns lists runs newest first, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// PauseRun pauses a run before its next task.
func (c *Client) PauseRun(ctx context.Context, runID string) (Run, error) {
	return c.control(ctx, runID, "pause")
}

// ResumeRun resumes a paused run.
func (c *Client) ResumeRun(ctx context.Context, runID string) (Run, error) {
	return c.control(ctx, runID, "resume")
}

// CancelRun cancels a run before its next task.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	return c.control(ctx, runID, "cancel")
}

func (c *Client) control(ctx context.Context, runID, action string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(runID, action), nil, &resp)
	return resp, err
}

// WaitRun polls until the run is terminal or ctx ends.
func (c *Client) WaitRun(ctx context.Context, runID string, every time.Duration) (Run, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil || run.Terminal() {
			return run, err
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(every):
		}
	}
}

// Results returns a run's results in task order.
func (c *Client) Results(ctx context.Context, runID string) (Results, error) {
	var resp Results
	err := c.do(ctx, http.MethodGet, runPath(runID, "results"), nil, &resp)
	return resp, err
}

// Events returns the first page of events for a run, or all runs when runID
// is empty.
func (c *Client) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, runID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, runID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stats returns operation timing aggregates.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, &resp)
	return resp, err
}

// CreateAPIKey issues a key for actorID; an empty actor means the caller.
func (c *Client) CreateAPIKey(ctx context.Context, actorID, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "v0/api-keys", map[string]any{"actor_id": actorID, "name": name}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runPath(runID, action string) string {
	p := "v0/runs/" + url.PathEscape(runID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
