// Package llm adapts an OpenAI-compatible chat endpoint to the mining loop's
// hypothesis generator, factor constructor and expression synthesizer.
package llm

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/logger"
)

// ChatCompleter is the subset of the go-openai client used here
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config LLM 客户端配置
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float32
	MaxTokens         int
	Timeout           time.Duration // 单次请求超时
	RequestsPerMinute int           // 0 表示不限流
	Retry             RetryConfig
}

// Client sends chat completions with rate limiting and retries
type Client struct {
	chat    ChatCompleter
	config  Config
	limiter *rate.Limiter
	log     logger.Logger
}

// NewClient creates a client for the configured endpoint
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "llm api key is not set", nil)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{}
	return NewClientWith(openai.NewClientWithConfig(oc), cfg), nil
}

// NewClientWith creates a client over an existing completer
func NewClientWith(chat ChatCompleter, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	c := &Client{
		chat:   chat,
		config: cfg,
		log:    logger.GetGlobalLogger().WithField("component", "llm"),
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	c.log.Info("Initializing LLM client", "model", cfg.Model, "base_url", cfg.BaseURL)
	return c
}

// Complete sends a system and a user message and returns the reply text.
// Transient failures are retried with backoff; the returned error matches
// ErrLLMTransient or ErrLLMFatal.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.Retry.MaxAttempts; attempt++ {
		content, err := c.once(ctx, req)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if apperrors.CodeOf(err) == apperrors.ErrCodeLLMFatal {
			return "", err
		}

		if attempt < c.config.Retry.MaxAttempts {
			backoff := c.config.Retry.backoff(attempt)
			c.log.Debug("LLM request failed, retrying", "attempt", attempt,
				"max_attempts", c.config.Retry.MaxAttempts, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return "", classify(ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	c.log.Warn("LLM request failed after retries", "attempts", c.config.Retry.MaxAttempts, "error", lastErr)
	return "", lastErr
}

func (c *Client) once(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", classify(err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.chat.CreateChatCompletion(reqCtx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", apperrors.NewAppError(apperrors.ErrCodeLLMTransient, "llm returned no content", nil)
	}
	c.log.Debug("Received LLM response", "finish_reason", resp.Choices[0].FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return resp.Choices[0].Message.Content, nil
}

// RetryConfig holds retry configuration for LLM requests
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns the retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// backoff is exponential with +/-25% jitter
func (r RetryConfig) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= r.BackoffMultiplier
	}
	d := time.Duration(float64(r.BackoffBase) * multiplier)
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}
