package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrEmptyDraft signals there was no text to rewrite.
var ErrEmptyDraft = errors.New("coach: draft is empty")

// ErrUnavailable signals the coach is not configured.
var ErrUnavailable = errors.New("coach: not configured")

const systemPrompt = `You help separated co-parents write short appreciation messages to each other.
Rewrite the user's draft so it is warm, specific, and free of blame or sarcasm.
Keep the writer's meaning and voice. Reply with the rewritten message only, no commentary.`

// Completer is the slice of the OpenAI client the coach needs.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Coach rewrites appreciation drafts through a chat completion model. It is
// purely advisory: callers treat every failure as "no suggestion" and never
// block statement approval on it.
type Coach struct {
	client Completer
	model  string
}

// New builds a coach from an API key. An empty key yields a disabled coach
// whose Rewrite returns ErrUnavailable.
func New(apiKey, model string) *Coach {
	if model == "" {
		model = openai.GPT4oMini
	}
	c := &Coach{model: model}
	if apiKey != "" {
		c.client = openai.NewClient(apiKey)
	}
	return c
}

// NewWithCompleter builds a coach on an existing client, for tests.
func NewWithCompleter(client Completer, model string) *Coach {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Coach{client: client, model: model}
}

// Enabled reports whether an API key was configured.
func (c *Coach) Enabled() bool {
	return c.client != nil
}

// Rewrite returns a gentler phrasing of the draft.
func (c *Coach) Rewrite(ctx context.Context, draft string) (string, error) {
	if c.client == nil {
		return "", ErrUnavailable
	}
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return "", ErrEmptyDraft
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: draft},
		},
	})
	if err != nil {
		slog.Error("coach completion failed", "error", err)
		return "", fmt.Errorf("coach: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("coach returned no choices")
		return "", fmt.Errorf("coach: empty completion")
	}

	suggestion := strings.TrimSpace(resp.Choices[0].Message.Content)
	if suggestion == "" {
		return "", fmt.Errorf("coach: empty completion")
	}
	return suggestion, nil
}
