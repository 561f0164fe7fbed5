package main

import (
	"os"
	"path/filepath"
	"testing"

	"pagegen/internal/domain"
)

func TestParseTaskFileList(t *testing.T) {
	tf, err := parseTaskFile([]byte(`
- id: pillar
  title: Guide to Go
  kind: pillar
  subheadings: [Basics, Tooling]
  target_length: 800
- id: c1
  title: Go modules
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tf.Tasks) != 2 || tf.Priority != "" {
		t.Fatalf("unexpected task file %+v", tf)
	}
	if tf.Tasks[0].Kind != domain.PagePillar || tf.Tasks[0].TargetLength != 800 || len(tf.Tasks[0].Subheadings) != 2 {
		t.Fatalf("unexpected first task %+v", tf.Tasks[0])
	}
}

func TestParseTaskFileObjectJSON(t *testing.T) {
	tf, err := parseTaskFile([]byte(`{"priority":"high","tasks":[{"id":"a","title":"A","target_length":50}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tf.Priority != "high" || len(tf.Tasks) != 1 || tf.Tasks[0].ID != "a" {
		t.Fatalf("unexpected task file %+v", tf)
	}
}

func TestParseTaskFileErrors(t *testing.T) {
	for name, in := range map[string]string{
		"empty":    "",
		"scalar":   "hello",
		"no tasks": "priority: low\n",
		"bad yaml": "- id: [",
	} {
		if _, err := parseTaskFile([]byte(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestWritePages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	results := []domain.GenerationResult{
		{TaskID: "pillar", Content: "# Pillar"},
		{TaskID: "../escape", Content: "# Escape"},
	}
	if err := writePages(dir, results); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "pillar.md"))
	if err != nil || string(data) != "# Pillar" {
		t.Fatalf("unexpected pillar page %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "_escape.md")); err != nil {
		t.Fatalf("expected sanitized file name: %v", err)
	}
}
