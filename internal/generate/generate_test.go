package generate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/config"
	"briefloop/internal/generate"
)

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
	})
	return string(b)
}

func TestHTTPGeneratorSendsChatCompletion(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(completion("<p>Good month</p>")))
	}))
	defer srv.Close()

	g := generate.NewHTTP(srv.URL+"/v1/", "test-model", generate.WithAPIKey("secret"))
	out, err := g.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "<p>Good month</p>", out)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "test-model", gotBody["model"])
}

func TestHTTPGeneratorRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(completion("ok")))
	}))
	defer srv.Close()

	g := generate.NewHTTP(srv.URL, "m", generate.WithMaxAttempts(3), generate.WithBackoff(time.Millisecond, 5*time.Millisecond))
	out, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPGeneratorStopsOnFatalErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := generate.NewHTTP(srv.URL, "m", generate.WithMaxAttempts(5), generate.WithBackoff(time.Millisecond, time.Millisecond))
	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, generate.IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGeneratorGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := generate.NewHTTP(srv.URL, "m", generate.WithMaxAttempts(2), generate.WithBackoff(time.Millisecond, time.Millisecond))
	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, generate.IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPGeneratorRejectsEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := generate.NewHTTP(srv.URL, "m").Generate(context.Background(), "p")
	assert.True(t, generate.IsFatal(err))
}

func TestStaticEmbedsMetrics(t *testing.T) {
	prompt := generate.RetrospectivePrompt(2, []byte(`{"leads":12}`))
	out, err := generate.Static{}.Generate(context.Background(), prompt)
	require.NoError(t, err)
	assert.Contains(t, out, "{&#34;leads&#34;:12}")

	out, err = generate.Static{}.Generate(context.Background(), generate.RetrospectivePrompt(1, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "No metrics were recorded")
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Generation
	_, ok := generate.FromConfig(cfg, nil).(generate.Static)
	assert.True(t, ok)

	cfg.Endpoint = "http://localhost:1"
	_, ok = generate.FromConfig(cfg, nil).(*generate.HTTPGenerator)
	assert.True(t, ok)
}

func TestStripHTML(t *testing.T) {
	got := generate.StripHTML("<h2>Title</h2><p>Hello   <b>world</b></p><script>alert(1)</script><ul><li>a</li><li>b</li></ul>")
	assert.Equal(t, "Title\n\nHello world\n\na\n\nb", got)
	assert.Equal(t, "plain text", generate.StripHTML("plain text"))
}

func TestToMarkdown(t *testing.T) {
	out, err := generate.ToMarkdown("<h2>Wins</h2><ul><li>More leads</li></ul>")
	require.NoError(t, err)
	assert.Contains(t, out, "## Wins")
	assert.Contains(t, out, "More leads")
}
