// Package anthropic implements backend.Backend on top of the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"pagegen/internal/backend"
	"pagegen/internal/domain"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "claude-sonnet-4-5"

// tokensPerWord approximates the completion budget needed for a word.
const tokensPerWord = 2

type (
	// MessagesClient is the subset of the SDK client used here. It is
	// satisfied by *sdk.MessageService.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the backend.
	Options struct {
		// Model is the Claude model identifier.
		Model string
		// MaxTokens caps the completion. Zero derives the cap from the task's
		// target length.
		MaxTokens int
	}

	// Backend generates page content with Claude.
	Backend struct {
		msg    MessagesClient
		model  string
		maxTok int
	}
)

var _ backend.Backend = (*Backend)(nil)

// New returns a Backend using msg.
func New(msg MessagesClient, opts Options) (*Backend, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Backend{msg: msg, model: model, maxTok: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a Backend with the default SDK HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Attempt implements backend.Backend. Every failure, including an answer
// without usable text, wraps domain.ErrBackend.
func (b *Backend) Attempt(ctx context.Context, task domain.GenerationTask) (string, error) {
	msg, err := b.msg.New(ctx, b.params(task))
	if err != nil {
		return "", fmt.Errorf("%w: anthropic: %w", domain.ErrBackend, err)
	}
	content := textOf(msg)
	if err := backend.Check(task, content); err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	return content, nil
}

func (b *Backend) params(task domain.GenerationTask) sdk.MessageNewParams {
	maxTokens := b.maxTok
	if maxTokens <= 0 {
		maxTokens = targetLength(task)*tokensPerWord + 256
	}
	return sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(b.model),
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(Prompt(task)))},
	}
}

const systemPrompt = "You write website pages in markdown. Answer with the page only, " +
	"starting with a level-one heading, without preamble."

// Prompt renders the user prompt for task.
func Prompt(task domain.GenerationTask) string {
	var b strings.Builder
	kind := task.Kind
	if kind == "" {
		kind = domain.PageCluster
	}
	fmt.Fprintf(&b, "Write a %s page titled %q of about %d words.\n", kind, task.Title, targetLength(task))
	if kind == domain.PagePillar {
		b.WriteString("It is the pillar page: give a broad overview that the cluster pages can link back to.\n")
	}
	if len(task.Subheadings) > 0 {
		b.WriteString("Use these level-two sections, in order:\n")
		for _, h := range task.Subheadings {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	return b.String()
}

func targetLength(task domain.GenerationTask) int {
	if task.TargetLength > 0 {
		return task.TargetLength
	}
	return backend.DefaultTargetLength
}

func textOf(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
