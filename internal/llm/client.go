// Package llm wraps the language-model provider behind a one-method client
// and owns everything that makes model output safe to consume: response
// sanitization, schema validation, and the single correction round the
// analysis workers are allowed.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/cartograph-io/cartographer/internal/config"
)

// ErrMissingAPIKey indicates ANTHROPIC_API_KEY is not set.
var ErrMissingAPIKey = errors.New("ANTHROPIC_API_KEY not configured")

// ErrEmptyResponse indicates the model returned no text content.
var ErrEmptyResponse = errors.New("model returned no text content")

// Client is the single surface the analysis workers talk to. Query sends one
// prompt and returns the raw text of the response.
type Client interface {
	Query(ctx context.Context, system, user string) (string, error)
}

// Config holds the provider settings.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	MaxRetries  int
	RequestsSec float64
}

// LoadConfig reads the provider settings from the environment.
func LoadConfig() Config {
	return Config{
		APIKey:      config.GetEnvStr("ANTHROPIC_API_KEY", ""),
		Model:       config.GetEnvStr("LLM_MODEL", "claude-sonnet-4-20250514"),
		MaxTokens:   config.GetEnvInt("LLM_MAX_TOKENS", 8192),
		MaxRetries:  config.GetEnvInt("LLM_MAX_RETRIES", 2),
		RequestsSec: config.GetEnvFloat("LLM_REQUESTS_PER_SECOND", 2),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}

	if c.MaxTokens < 1 {
		return fmt.Errorf("LLM_MAX_TOKENS must be positive, got %d", c.MaxTokens)
	}

	return nil
}

// AnthropicClient implements Client against the Anthropic Messages API.
// Transient failures (429, 5xx) retry inside the SDK; a process-wide rate
// limiter keeps concurrent workers under the account limit.
type AnthropicClient struct {
	client  anthropic.Client
	model   anthropic.Model
	tokens  int64
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates an AnthropicClient from cfg.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &AnthropicClient{
		client: anthropic.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithMaxRetries(cfg.MaxRetries),
		),
		model:   anthropic.Model(cfg.Model),
		tokens:  int64(cfg.MaxTokens),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsSec), 1),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Query sends one prompt and returns the concatenated text blocks of the
// response.
func (c *AnthropicClient) Query(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait cancelled: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.tokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("messages request failed: %w", err)
	}

	var sb strings.Builder

	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}

	c.logger.Debug("model response received",
		slog.String("model", string(c.model)),
		slog.Int("response_len", sb.Len()))

	return sb.String(), nil
}
