// Package generate produces free text (retrospectives) from a prompt, either
// through an OpenAI-compatible chat completions endpoint or offline.
package generate

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"briefloop/internal/config"
)

// Generator turns a prompt into text. Implementations may be slow and may fail.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Static writes a fixed retrospective around the prompt's metrics block. It
// never fails and needs no network.
type Static struct{}

func (Static) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	metrics := "No metrics were recorded for the previous period."
	if _, after, ok := strings.Cut(prompt, MetricsMarker); ok {
		if m := strings.TrimSpace(after); m != "" && m != "null" {
			metrics = m
		}
	}
	var b strings.Builder
	b.WriteString("<h2>Cycle retrospective</h2>\n")
	b.WriteString("<p>Previous period metrics:</p>\n")
	fmt.Fprintf(&b, "<pre>%s</pre>\n", html.EscapeString(metrics))
	b.WriteString("<p>Carry the strongest channel forward and revisit the audit benchmark.</p>")
	return b.String(), nil
}

// MetricsMarker precedes the metrics JSON in retrospective prompts.
const MetricsMarker = "Previous period metrics (JSON):"

// RetrospectivePrompt embeds the previous period metrics in the prompt sent
// at rollover.
func RetrospectivePrompt(cycle int, metrics []byte) string {
	m := strings.TrimSpace(string(metrics))
	if m == "" {
		m = "null"
	}
	return fmt.Sprintf("Write a short HTML retrospective for marketing cycle %d. "+
		"Summarise what worked, what did not, and one focus for the next cycle.\n%s\n%s", cycle, MetricsMarker, m)
}

// FromConfig returns an HTTPGenerator when an endpoint is configured and
// Static otherwise.
func FromConfig(cfg config.GenerationConfig, logger *slog.Logger) Generator {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Static{}
	}
	opts := []Option{
		WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		WithMaxAttempts(cfg.MaxAttempts),
	}
	if cfg.APIKeyEnv != "" {
		opts = append(opts, WithAPIKey(os.Getenv(cfg.APIKeyEnv)))
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	return NewHTTP(cfg.Endpoint, cfg.Model, opts...)
}
