package orchestrator

import (
	"fmt"
	"strings"

	"pagegen/internal/backend"
	"pagegen/internal/domain"
)

// ValidateTasks checks a task list before any work starts and returns a
// normalized copy: kind defaults to cluster and a zero target length to
// backend.DefaultTargetLength. Every failure wraps domain.ErrValidation.
func ValidateTasks(tasks []domain.GenerationTask) ([]domain.GenerationTask, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task list is empty: %w", domain.ErrValidation)
	}
	out := make([]domain.GenerationTask, len(tasks))
	seen := make(map[string]int, len(tasks))
	pillars := 0
	for i, task := range tasks {
		task.ID = strings.TrimSpace(task.ID)
		if task.ID == "" {
			return nil, fmt.Errorf("task %d: id is required: %w", i, domain.ErrValidation)
		}
		if prev, dup := seen[task.ID]; dup {
			return nil, fmt.Errorf("task %d: id %q already used by task %d: %w", i, task.ID, prev, domain.ErrValidation)
		}
		seen[task.ID] = i
		if strings.TrimSpace(task.Title) == "" {
			return nil, fmt.Errorf("task %s: title is required: %w", task.ID, domain.ErrValidation)
		}
		if task.TargetLength < 0 {
			return nil, fmt.Errorf("task %s: target_length must be >= 0: %w", task.ID, domain.ErrValidation)
		}
		if task.TargetLength == 0 {
			task.TargetLength = backend.DefaultTargetLength
		}
		switch task.Kind {
		case "":
			task.Kind = domain.PageCluster
		case domain.PageCluster:
		case domain.PagePillar:
			pillars++
			if pillars > 1 {
				return nil, fmt.Errorf("task %s: only one pillar page is allowed: %w", task.ID, domain.ErrValidation)
			}
		default:
			return nil, fmt.Errorf("task %s: unknown kind %q: %w", task.ID, task.Kind, domain.ErrValidation)
		}
		task.Subheadings = append([]string(nil), task.Subheadings...)
		out[i] = task
	}
	return out, nil
}
