package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

const rerankSystemPrompt = "You are a precise relevance judge for passages of academic papers. Answer with JSON only."

type CompleterConfig struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

type Completer struct {
	client *Client
	cfg    CompleterConfig
}

func NewCompleter(client *Client, cfg CompleterConfig) *Completer {
	if cfg.Model == "" {
		cfg.Model = "openai/gpt-4o-mini"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = rerankSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	return &Completer{client: client, cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	request := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	var response chatResponse
	if err := c.client.postJSON(ctx, "/chat/completions", request, &response, "chat"); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", domain.WrapError(domain.ErrProvider, "chat", errors.New("no choices in response"))
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}
