package briefloopsdk_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/autopilot"
	"briefloop/internal/config"
	"briefloop/internal/db"
	"briefloop/internal/engine"
	"briefloop/internal/migrate"
	"briefloop/internal/server"
	briefloopsdk "briefloop/sdk/go"
)

func newAPI(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	_, err = e.CreateProject(context.Background(), engine.ProjectCreateOptions{ID: "proj-1", ClientID: "client-1", Name: "Bistro", Sector: "Real Estate"})
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e, Machine: autopilot.New(e.Repo, nil), Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	token, err := server.IssueToken("sdk-secret", "sdk", time.Hour)
	require.NoError(t, err)
	return srv, token
}

func TestClientRoundTrip(t *testing.T) {
	srv, token := newAPI(t)
	ctx := context.Background()
	staff := briefloopsdk.New(srv.URL, token)
	public := briefloopsdk.New(srv.URL, "")

	rec, err := staff.CreateIntake(ctx, "proj-1", "client-1", "EMAIL")
	require.NoError(t, err)
	assert.Equal(t, "SENT", rec.Status)

	brief, err := public.OpenBrief(ctx, "proj-1", rec.Token)
	require.NoError(t, err)
	assert.True(t, brief.Form.Matched)
	require.Len(t, brief.Form.Sections, 2)
	assert.Equal(t, "sector", brief.Form.Sections[1].ID)

	saved, err := public.SaveBriefAnswers(ctx, "proj-1", rec.Token, map[string]any{"company_name": "Keys & Co"})
	require.NoError(t, err)
	assert.Len(t, saved.Answers, 1)

	merged, err := staff.MergeAnswers(ctx, rec.Token, map[string]any{"company_name": nil})
	require.NoError(t, err)
	assert.Empty(t, merged.Answers)

	done, err := public.SubmitBrief(ctx, "proj-1", rec.Token)
	require.NoError(t, err)
	assert.True(t, done.Locked)

	page, err := staff.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)

	st, err := staff.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageOnboarding, st.Stage)
}

func TestClientErrors(t *testing.T) {
	srv, _ := newAPI(t)
	ctx := context.Background()
	public := briefloopsdk.New(srv.URL, "")

	_, err := public.OpenBrief(ctx, "proj-1", "nope")
	require.Error(t, err)
	assert.True(t, briefloopsdk.IsUnavailable(err))

	_, err = public.Cycle(ctx)
	var apiErr *briefloopsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
