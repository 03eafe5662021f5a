// Package real implements the LLM port against an OpenAI-compatible chat
// completions API.
package real

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/ai"
	"github.com/fairyhunter13/prompt-gauntlet/internal/adapter/observability"
	"github.com/fairyhunter13/prompt-gauntlet/internal/config"
	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
	"github.com/fairyhunter13/prompt-gauntlet/internal/service/ratelimiter"
)

const (
	opGenerate = "generate"
	opJudge    = "judge"

	generateTemperature = 0.7
	judgeTemperature    = 0.0

	errBodySnippetLen = 512
)

// Client implements domain.LLM over the /chat/completions endpoint. Requests
// pass a per-operation rate limiter and a per-model circuit breaker before
// they go out; retries use exponential backoff with 4xx as permanent.
type Client struct {
	cfg      config.Config
	hc       *http.Client
	limiter  ratelimiter.Limiter
	breakers *ai.BreakerSet
}

// New constructs the client. limiter may be nil (no client-side limiting).
func New(cfg config.Config, limiter ratelimiter.Limiter) *Client {
	return &Client{
		cfg: cfg,
		// Per-call deadlines come from the caller's context; the transport
		// timeout is a backstop against a wedged connection.
		hc: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:  limiter,
		breakers: ai.NewBreakerSet(),
	}
}

// Generate runs the challenge prompt against the level's system prompt.
func (c *Client) Generate(ctx domain.Context, systemPrompt, userPrompt string, opts domain.CallOptions) (string, error) {
	return c.chat(ctx, opGenerate, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}, generateTemperature, opts)
}

// Judge runs the grading prompt. The raw model text is returned; verdict
// parsing is the grader's concern.
func (c *Client) Judge(ctx domain.Context, prompt string, opts domain.CallOptions) (string, error) {
	return c.chat(ctx, opJudge, []chatMessage{
		{Role: "user", Content: prompt},
	}, judgeTemperature, opts)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) chat(ctx context.Context, op string, messages []chatMessage, temperature float64, opts domain.CallOptions) (string, error) {
	if c.cfg.LLMAPIKey == "" {
		return "", fmt.Errorf("op=real.chat: %w: LLM_API_KEY missing", domain.ErrInvalidArgument)
	}
	if opts.Model == "" {
		return "", fmt.Errorf("op=real.chat: %w: model required", domain.ErrInvalidArgument)
	}

	breaker := c.breakers.For(opts.Model)
	if !breaker.Allow() {
		return "", fmt.Errorf("op=real.chat: %w: circuit open for model %s", domain.ErrUpstreamTimeout, opts.Model)
	}
	if err := c.allowRate(ctx, op); err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{
		Model:       opts.Model,
		Temperature: temperature,
		MaxTokens:   opts.MaxOutputTokens,
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("op=real.chat: %w", err)
	}

	var out chatResponse
	attempt := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		observability.LLMRequestsTotal.WithLabelValues(op).Inc()
		observability.LLMRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			return classifyTransportErr(err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("llm rate limited", slog.String("op", op), slog.String("model", opts.Model))
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			slog.Warn("llm 4xx", slog.String("op", op), slog.String("model", opts.Model),
				slog.Int("status", resp.StatusCode), slog.String("body", snippet(respBody)))
			return backoff.Permanent(fmt.Errorf("%w: chat status %d", domain.ErrInternal, resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Warn("llm non-2xx", slog.String("op", op), slog.String("model", opts.Model),
				slog.Int("status", resp.StatusCode), slog.String("body", snippet(respBody)))
			return fmt.Errorf("%w: chat status %d", domain.ErrInternal, resp.StatusCode)
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err))
		}
		return nil
	}

	if err := backoff.Retry(attempt, backoff.WithContext(c.backoffConfig(), ctx)); err != nil {
		breaker.RecordFailure()
		return "", fmt.Errorf("op=real.chat op=%s: %w", op, err)
	}
	if len(out.Choices) == 0 {
		breaker.RecordFailure()
		return "", fmt.Errorf("op=real.chat op=%s: %w: empty choices", op, domain.ErrSchemaInvalid)
	}
	breaker.RecordSuccess()
	return out.Choices[0].Message.Content, nil
}

func (c *Client) allowRate(ctx context.Context, op string) error {
	if c.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := c.limiter.Allow(ctx, "llm:"+op, 1)
	if err != nil {
		// Limiter trouble must not take the LLM path down with it.
		slog.Warn("llm rate limiter error, failing open", slog.String("op", op), slog.Any("error", err))
		return nil
	}
	if !allowed {
		return fmt.Errorf("op=real.chat: %w: retry after %s", domain.ErrUpstreamRateLimit, retryAfter)
	}
	return nil
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// classifyTransportErr maps socket-level failures onto the domain taxonomy.
// Context expiry becomes ErrUpstreamTimeout and stops the retry loop.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err))
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	return err
}

func snippet(b []byte) string {
	if len(b) > errBodySnippetLen {
		b = b[:errBodySnippetLen]
	}
	return string(b)
}
