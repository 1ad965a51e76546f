// Package openai talks to OpenAI-compatible HTTP APIs (OpenAI, OpenRouter,
// local gateways) for embeddings and chat completions.
package openai

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/resilience"
)

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Headers are sent with every request, e.g. OpenRouter attribution.
	Headers map[string]string
}

type Client struct {
	baseURL    string
	apiKey     string
	headers    map[string]string
	httpClient *http.Client
	executor   *resilience.Executor
	logger     *slog.Logger
}

func New(cfg ClientConfig, executor *resilience.Executor, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
		logger:     logger,
	}
}

func (c *Client) configured() bool {
	return c.apiKey != ""
}
