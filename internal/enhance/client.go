package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"

	"tg-imagebot/internal/config"
	"tg-imagebot/internal/logger"
)

type createFunc func(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)

// Client is a Completer backed by an OpenAI-compatible chat completion API
// behind a circuit breaker
type Client struct {
	create  createFunc
	model   string
	breaker *gobreaker.CircuitBreaker
}

func NewClient(cfg config.EnhancementConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	api := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "enhancement",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warningf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	})

	return &Client{
		create:  api.Chat.Completions.New,
		model:   cfg.Model,
		breaker: breaker,
	}
}

func (c *Client) Complete(ctx context.Context, req Completion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Model:       c.model,
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(req.MaxTokens),
		N:           openai.Int(1),
	}
	if len(req.Stop) > 0 {
		params.SetExtraFields(map[string]any{"stop": req.Stop})
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.create(ctx, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("enhancement backend unavailable: %w", err)
		}
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}

	resp, ok := result.(*openai.ChatCompletion)
	if !ok || resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}
