package anthropic

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"pagegen/internal/domain"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}}}
}

func TestAttemptReturnsText(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage("# Coffee\n\nbrew it well")}
	b, err := New(stub, Options{Model: "claude-test", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	task := domain.GenerationTask{ID: "t1", Title: "Coffee", Subheadings: []string{"Beans", "Water"}}
	got, err := b.Attempt(context.Background(), task)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if got != "# Coffee\n\nbrew it well" {
		t.Fatalf("unexpected content %q", got)
	}
	if stub.lastParams.Model != sdk.Model("claude-test") {
		t.Fatalf("unexpected model %q", stub.lastParams.Model)
	}
	if stub.lastParams.MaxTokens != 128 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(stub.lastParams.Messages))
	}
}

func TestAttemptDerivesMaxTokensFromLength(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(strings.Repeat("word ", 100))}
	b, err := New(stub, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.Attempt(context.Background(), domain.GenerationTask{ID: "t", Title: "T", TargetLength: 300}); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if stub.lastParams.MaxTokens != 300*tokensPerWord+256 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
	if stub.lastParams.Model != sdk.Model(DefaultModel) {
		t.Fatalf("unexpected model %q", stub.lastParams.Model)
	}
}

func TestAttemptWrapsFailures(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("connection refused")}
	b, _ := New(stub, Options{})
	_, err := b.Attempt(context.Background(), domain.GenerationTask{ID: "t", Title: "T"})
	if !errors.Is(err, domain.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}

	stub.err = nil
	stub.resp = &sdk.Message{}
	_, err = b.Attempt(context.Background(), domain.GenerationTask{ID: "t", Title: "T"})
	if !errors.Is(err, domain.ErrBackend) {
		t.Fatalf("expected backend error for empty answer, got %v", err)
	}

	stub.resp = textMessage("too short")
	_, err = b.Attempt(context.Background(), domain.GenerationTask{ID: "t", Title: "T", TargetLength: 1000})
	if !errors.Is(err, domain.ErrBackend) {
		t.Fatalf("expected backend error for partial answer, got %v", err)
	}
}

func TestPromptListsSections(t *testing.T) {
	p := Prompt(domain.GenerationTask{Title: "Tea", Kind: domain.PagePillar, Subheadings: []string{"Green", "Black"}})
	for _, want := range []string{`"Tea"`, "pillar", "800 words", "- Green\n", "- Black\n"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt %q missing %q", p, want)
		}
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewFromAPIKey("", Options{}); err == nil {
		t.Fatal("expected error")
	}
}
