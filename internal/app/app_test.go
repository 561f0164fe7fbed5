package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pagegen/internal/backend"
	"pagegen/internal/config"
	"pagegen/internal/domain"
	"pagegen/internal/engine"
)

func TestOpenUsesDefaultsWithoutConfig(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(ctx)
	if a.Config.Backend.Provider != config.ProviderNone {
		t.Fatalf("expected provider none, got %q", a.Config.Backend.Provider)
	}
	if _, ok := a.Engine.Backend.(backend.Unavailable); !ok {
		t.Fatalf("expected unavailable backend, got %T", a.Engine.Backend)
	}
	_, results, err := a.Engine.Generate(ctx, engine.StartOptions{Tasks: []domain.GenerationTask{{ID: "a", Title: "A", TargetLength: 20}}}, nil)
	if err != nil || len(results) != 1 || results[0].Provenance != domain.ProvenanceFallback {
		t.Fatalf("unexpected generate %+v %v", results, err)
	}
}

func TestOpenReadsWorkspaceConfigAndRecovers(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	yml := "governor:\n  max_active: 7\norchestrator:\n  default_priority: low\nbackend:\n  provider: none\n"
	if err := os.WriteFile(filepath.Join(ws, config.FileName), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := Open(ctx, Options{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if a.Engine.GovernorSnapshot().MaxActive != 7 {
		t.Fatalf("expected max_active 7, got %d", a.Engine.GovernorSnapshot().MaxActive)
	}
	now := a.Engine.Now().UTC()
	stale := domain.Run{RunState: domain.RunState{RunID: "stale", Status: domain.RunPaused, Total: 2, StartedAt: now, UpdatedAt: now}, Priority: "low"}
	if err := a.Engine.Repo.InsertRun(ctx, nil, stale); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	a, err = Open(ctx, Options{Workspace: ws})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a.Close(ctx)
	run, err := a.Engine.Repo.GetRun(ctx, "stale")
	if err != nil || run.Status != domain.RunFailed {
		t.Fatalf("expected interrupted run failed, got %+v %v", run, err)
	}
}

func TestNewBackend(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	if _, err := NewBackend(config.BackendConfig{Provider: config.ProviderAnthropic}, ""); err == nil {
		t.Fatalf("expected missing key error")
	}
	b, err := NewBackend(config.BackendConfig{Provider: config.ProviderAnthropic, RequestsPerMinute: 60}, "sk-test")
	if err != nil || b == nil {
		t.Fatalf("anthropic backend: %v", err)
	}
	if _, err := NewBackend(config.BackendConfig{Provider: "other"}, ""); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	b, _ = NewBackend(config.BackendConfig{}, "")
	if _, err := b.Attempt(context.Background(), domain.GenerationTask{ID: "a"}); !errors.Is(err, domain.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestOpenRejectsBadProvider(t *testing.T) {
	if _, err := Open(context.Background(), Options{Workspace: t.TempDir(), Provider: "nope"}); err == nil {
		t.Fatalf("expected invalid provider")
	}
}
