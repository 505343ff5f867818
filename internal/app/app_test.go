package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/app"
	"briefloop/internal/autopilot"
	"briefloop/internal/config"
	"briefloop/internal/generate"
)

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	ws := t.TempDir()
	a, err := app.Open(context.Background(), ws, app.Options{})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, config.Default().Public.BaseURL, a.Config.Public.BaseURL)
	st, err := a.Machine.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageOnboarding, st.Stage)
	assert.FileExists(t, filepath.Join(ws, ".briefloop", "briefloop.db"))
}

func TestOpenLoadsWorkspaceCatalogAndAutopilotDefault(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "sectors.yml"), []byte(`sectors:
  - name: Bakery
    questions:
      - id: bread
        label: Which breads do you sell?
        type: text
`), 0o644))
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(`public:
  base_url: "https://brief.example"
autopilot:
  enabled: true
  interval: 1m
catalog:
  path: sectors.yml
notify:
  nats_url: "nats://127.0.0.1:4222"
`), 0o644))

	ctx := context.Background()
	a, err := app.Open(ctx, ws, app.Options{Generator: generate.Static{}, SkipNotify: true})
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Engine.Catalog.Sectors(), 1)
	assert.Equal(t, "Bakery", a.Engine.Catalog.Sectors()[0].Name)

	require.NoError(t, a.ApplyAutopilotDefault(ctx))
	st, err := a.Machine.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, a.Config.Autopilot.Interval, a.Runner().Interval)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("public:\n  base_url: \"not a url\"\n"), 0o644))
	_, err := app.Open(context.Background(), ws, app.Options{})
	assert.Error(t, err)
}
