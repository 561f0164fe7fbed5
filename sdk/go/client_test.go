package pagegensdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pagegen/internal/config"
	"pagegen/internal/db"
	"pagegen/internal/engine"
	"pagegen/internal/engine/auth"
	"pagegen/internal/migrate"
	"pagegen/internal/server"
	pagegensdk "pagegen/sdk/go"
)

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		e.Shutdown(context.Background())
		conn.Close()
	})
	return srv
}

func TestClientRunFlow(t *testing.T) {
	srv := newAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := server.SignToken("sdk-secret", "admin", []string{auth.PermAll}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	admin := pagegensdk.New(srv.URL)
	admin.BearerToken = token
	key, err := admin.CreateAPIKey(ctx, "bot", "sdk")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	c := pagegensdk.New(srv.URL)
	c.APIKey = key.Key
	run, err := c.StartRun(ctx, []pagegensdk.Task{
		{ID: "p", Title: "Pillar", Kind: "pillar", TargetLength: 30},
		{ID: "c", Title: "Cluster", TargetLength: 30},
	}, "low")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.ActorID != "bot" || run.Priority != "low" {
		t.Fatalf("unexpected run %+v", run)
	}
	done, err := c.WaitRun(ctx, run.RunID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != "completed" || done.Completed != 2 {
		t.Fatalf("unexpected final run %+v", done)
	}
	results, err := c.Results(ctx, run.RunID)
	if err != nil || len(results.Items) != 2 || results.Counts["fallback"] != 2 {
		t.Fatalf("unexpected results %+v %v", results, err)
	}
	evts, err := c.Events(ctx, run.RunID, 10)
	if err != nil || len(evts) != 4 || evts[0].Type != "run.started" {
		t.Fatalf("unexpected events %+v %v", evts, err)
	}
	runs, err := c.ListRuns(ctx, "completed", 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("unexpected runs %+v %v", runs, err)
	}
	stats, err := c.Stats(ctx)
	if err != nil || len(stats.Operations) != 1 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
}

func TestClientErrors(t *testing.T) {
	srv := newAPI(t)
	ctx := context.Background()
	c := pagegensdk.New(srv.URL)
	_, err := c.GetRun(ctx, "missing")
	var apiErr *pagegensdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	token, _ := server.SignToken("sdk-secret", "reader", []string{auth.PermRunsRead}, time.Minute)
	c.BearerToken = token
	_, err = c.GetRun(ctx, "missing")
	if !errors.As(err, &apiErr) || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
	_, err = c.CancelRun(ctx, "missing")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}
