// Package backend defines the content-generation backend contract and the
// local fallback generator used when the backend cannot deliver.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pagegen/internal/domain"
)

// Backend produces the content of one page. Any error, including a
// context error, is treated by callers as a signal to fall back.
type Backend interface {
	Attempt(ctx context.Context, task domain.GenerationTask) (string, error)
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, task domain.GenerationTask) (string, error)

// Attempt implements Backend.
func (f Func) Attempt(ctx context.Context, task domain.GenerationTask) (string, error) {
	return f(ctx, task)
}

// ErrUnavailable is reported by Unavailable.
var ErrUnavailable = errors.New("backend unavailable")

// Unavailable is a Backend that always fails; it stands in when no provider
// is configured.
type Unavailable struct{}

// Attempt implements Backend.
func (Unavailable) Attempt(context.Context, domain.GenerationTask) (string, error) {
	return "", fmt.Errorf("%w: %w", domain.ErrBackend, ErrUnavailable)
}

// minUsableRatio is the fraction of the target length below which backend
// output is considered partial.
const minUsableRatio = 0.2

// Check reports whether content is usable for task. Empty output and output
// far shorter than the requested length are rejected.
func Check(task domain.GenerationTask, content string) error {
	words := WordCount(content)
	if words == 0 {
		return fmt.Errorf("%w: empty content", domain.ErrBackend)
	}
	if task.TargetLength > 0 && float64(words) < float64(task.TargetLength)*minUsableRatio {
		return fmt.Errorf("%w: %d words for a target of %d", domain.ErrBackend, words, task.TargetLength)
	}
	return nil
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
