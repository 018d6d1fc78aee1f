package coach

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
)

type fakeCompleter struct {
	reply string
	err   error
	req   openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.reply}},
		},
	}, nil
}

func TestRewrite_ReturnsSuggestion(t *testing.T) {
	fake := &fakeCompleter{reply: "  Thank you for always handling school mornings.  "}
	c := NewWithCompleter(fake, "")

	got, err := c.Rewrite(context.Background(), "thanks for doing mornings i guess")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Thank you for always handling school mornings." {
		t.Fatalf("expected trimmed suggestion, got %q", got)
	}

	if len(fake.req.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(fake.req.Messages))
	}
	if fake.req.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("expected first message to carry the system prompt")
	}
	if fake.req.Messages[1].Content != "thanks for doing mornings i guess" {
		t.Errorf("expected the draft as the user message, got %q", fake.req.Messages[1].Content)
	}
}

func TestRewrite_EmptyDraft(t *testing.T) {
	c := NewWithCompleter(&fakeCompleter{reply: "x"}, "")
	if _, err := c.Rewrite(context.Background(), "   "); !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("expected ErrEmptyDraft, got %v", err)
	}
}

func TestRewrite_WrapsCompletionFailure(t *testing.T) {
	boom := errors.New("rate limited")
	c := NewWithCompleter(&fakeCompleter{err: boom}, "")
	if _, err := c.Rewrite(context.Background(), "draft"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped completion error, got %v", err)
	}
}

func TestRewrite_DisabledWithoutKey(t *testing.T) {
	c := New("", "")
	if c.Enabled() {
		t.Fatal("expected coach without an API key to be disabled")
	}
	if _, err := c.Rewrite(context.Background(), "draft"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
