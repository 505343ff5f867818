package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"briefloop/internal/metrics"
)

const systemPrompt = "You are a marketing agency analyst. Answer with concise HTML."

// HTTPGenerator calls an OpenAI-compatible chat completions endpoint and
// retries transient failures with exponential backoff.
type HTTPGenerator struct {
	url         string
	model       string
	apiKey      string
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

type Option func(*HTTPGenerator)

func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPGenerator) {
		if c != nil {
			g.httpClient = c
		}
	}
}

func WithAPIKey(key string) Option {
	return func(g *HTTPGenerator) {
		g.apiKey = key
	}
}

func WithMaxAttempts(n int) Option {
	return func(g *HTTPGenerator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the cap on later delays.
func WithBackoff(base, max time.Duration) Option {
	return func(g *HTTPGenerator) {
		g.backoffBase = base
		g.maxBackoff = max
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *HTTPGenerator) {
		g.logger = logger
	}
}

func NewHTTP(endpoint, model string, opts ...Option) *HTTPGenerator {
	g := &HTTPGenerator{
		url:         buildURL(endpoint),
		model:       model,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxAttempts: 3,
		backoffBase: 2 * time.Second,
		maxBackoff:  30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func buildURL(baseURL string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.backoffBase
	eb.MaxInterval = g.maxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.maxAttempts-1)), ctx)

	attempt := 0
	var text string
	err = backoff.Retry(func() error {
		attempt++
		out, err := g.do(ctx, body)
		if err == nil {
			text = out
			return nil
		}
		if IsFatal(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		g.logger.Warn("generation attempt failed", "attempt", attempt, "error", err)
		return err
	}, policy)
	metrics.RecordGeneration(err, time.Since(start))
	if err != nil {
		return "", err
	}
	return text, nil
}

func (g *HTTPGenerator) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", NewFatalError(err)
		}
		return "", NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp.StatusCode, respBody)
	}
	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", NewFatalError(fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", NewFatalError(errors.New("empty completion"))
	}
	return parsed.Choices[0].Message.Content, nil
}

func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("generation API error (status %d): %s", statusCode, bodyStr)
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}
