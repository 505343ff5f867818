package autopilot_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/autopilot"
	"briefloop/internal/db"
	"briefloop/internal/generate"
	"briefloop/internal/migrate"
	"briefloop/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }
}

func newMachine(t *testing.T, gen generate.Generator, opts ...autopilot.Option) (*autopilot.Machine, repo.Repo) {
	t.Helper()
	r := newRepo(t)
	opts = append([]autopilot.Option{autopilot.WithClock(fixedClock())}, opts...)
	return autopilot.New(r, gen, opts...), r
}

func toAnalytics(t *testing.T, m *autopilot.Machine) {
	t.Helper()
	ctx := context.Background()
	for {
		st, err := m.State(ctx)
		require.NoError(t, err)
		if st.Stage == autopilot.StageAnalytics {
			return
		}
		_, err = m.Advance(ctx)
		require.NoError(t, err)
	}
}

func TestAdvanceFollowsSuccessorList(t *testing.T) {
	m, _ := newMachine(t, nil)
	ctx := context.Background()

	st, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageOnboarding, st.Stage)
	assert.Equal(t, 1, st.CycleNumber)
	assert.False(t, st.Enabled)

	for i := 1; i < len(autopilot.Stages); i++ {
		got, err := m.Advance(ctx)
		require.NoError(t, err)
		assert.Equal(t, autopilot.Stages[i], got)
	}
	before, err := m.State(ctx)
	require.NoError(t, err)
	require.Len(t, before.Log, len(autopilot.Stages)-1)
	assert.Equal(t, "Stage advanced: onboarding -> audit_benchmark", before.Log[0].Message)

	got, err := m.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageAnalytics, got)
	after, err := m.State(ctx)
	require.NoError(t, err)
	assert.Len(t, after.Log, len(before.Log))
	assert.Equal(t, before.Version, after.Version)
}

func TestRolloverOutsideAnalyticsFails(t *testing.T) {
	m, _ := newMachine(t, nil)
	ctx := context.Background()
	for _, stage := range autopilot.Stages[:len(autopilot.Stages)-1] {
		before, err := m.State(ctx)
		require.NoError(t, err)
		require.Equal(t, stage, before.Stage)

		_, err = m.Rollover(ctx, autopilot.RolloverOptions{})
		assert.ErrorIs(t, err, autopilot.ErrInvalidTransition)

		after, err := m.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.Stage, after.Stage)
		assert.Equal(t, before.CycleNumber, after.CycleNumber)
		assert.Len(t, after.Log, len(before.Log))

		_, err = m.Advance(ctx)
		require.NoError(t, err)
	}
}

func TestRolloverStartsNextCycle(t *testing.T) {
	var prompts []string
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return "<h2>Retro</h2><p>Leads doubled</p>", nil
	})
	m, r := newMachine(t, gen)
	ctx := context.Background()
	_, err := m.RecordMetrics(ctx, json.RawMessage(`{"leads":24}`))
	require.NoError(t, err)

	for cycle := 1; cycle <= 3; cycle++ {
		toAnalytics(t, m)
		st, err := m.Rollover(ctx, autopilot.RolloverOptions{})
		require.NoError(t, err)
		assert.Equal(t, autopilot.StageAuditBenchmark, st.Stage)
		assert.Equal(t, cycle+1, st.CycleNumber)

		full, err := m.State(ctx)
		require.NoError(t, err)
		n := len(full.Log)
		require.GreaterOrEqual(t, n, 3)
		assert.Equal(t, "Rollover detected at end of cycle "+itoa(cycle), full.Log[n-3].Message)
		assert.Equal(t, "Cycle "+itoa(cycle+1)+" started", full.Log[n-2].Message)
		assert.Equal(t, "Retro\n\nLeads doubled", full.Log[n-1].Message)
	}
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[0], `{"leads":24}`)

	retros, err := r.ListRetrospectives(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retros, 3)
	assert.Equal(t, 3, retros[0].CycleNumber)
	assert.Contains(t, retros[0].Markdown, "## Retro")
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestRolloverTimeoutIsLogged(t *testing.T) {
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	m, _ := newMachine(t, gen)
	toAnalytics(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Rollover(ctx, autopilot.RolloverOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, autopilot.ErrUpstreamGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := m.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageAnalytics, st.Stage)
	assert.Equal(t, "Retrospective generation failed: context deadline exceeded", st.Log[len(st.Log)-1].Message)
}

func TestRolloverGenerationFailureKeepsStage(t *testing.T) {
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("model timed out")
	})
	m, _ := newMachine(t, gen)
	ctx := context.Background()
	toAnalytics(t, m)

	_, err := m.Rollover(ctx, autopilot.RolloverOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, autopilot.ErrUpstreamGeneration)

	st, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageAnalytics, st.Stage)
	assert.Equal(t, 1, st.CycleNumber)
	assert.Equal(t, "Retrospective generation failed: model timed out", st.Log[len(st.Log)-1].Message)

	st, err = m.Rollover(ctx, autopilot.RolloverOptions{SkipRetrospective: true})
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageAuditBenchmark, st.Stage)
	assert.Equal(t, 2, st.CycleNumber)
}

func TestRolloverConflictsWithConcurrentWriter(t *testing.T) {
	r := newRepo(t)
	other := autopilot.New(r, nil, autopilot.WithClock(fixedClock()))
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		_, err := other.Toggle(ctx, true)
		return "<p>late</p>", err
	})
	m := autopilot.New(r, gen, autopilot.WithClock(fixedClock()))
	ctx := context.Background()
	toAnalytics(t, m)

	_, err := m.Rollover(ctx, autopilot.RolloverOptions{})
	assert.ErrorIs(t, err, autopilot.ErrConflict)
	assert.True(t, autopilot.IsTransient(err))

	st, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageAnalytics, st.Stage)
	assert.True(t, st.Enabled)
}

func TestToggleNotifiesObservers(t *testing.T) {
	m, _ := newMachine(t, nil)
	ctx := context.Background()
	var mu sync.Mutex
	var kinds []string
	cancel := m.Subscribe(autopilot.ObserverFunc(func(ctx context.Context, n autopilot.Notification) {
		mu.Lock()
		kinds = append(kinds, n.Kind)
		mu.Unlock()
	}))

	st, err := m.Toggle(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, autopilot.StageOnboarding, st.Stage)
	_, err = m.Advance(ctx)
	require.NoError(t, err)

	cancel()
	_, err = m.Toggle(ctx, false)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{autopilot.KindToggled, autopilot.KindAdvanced}, kinds)

	full, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Autopilot disabled", full.Log[len(full.Log)-1].Message)
}

func TestLogIsCapped(t *testing.T) {
	m, _ := newMachine(t, nil, autopilot.WithLogCap(3))
	ctx := context.Background()
	toAnalytics(t, m)
	st, err := m.State(ctx)
	require.NoError(t, err)
	require.Len(t, st.Log, 3)
	assert.Equal(t, "Stage advanced: production -> analytics", st.Log[2].Message)
}

func TestRecordMetricsRejectsInvalidJSON(t *testing.T) {
	m, _ := newMachine(t, nil)
	_, err := m.RecordMetrics(context.Background(), json.RawMessage(`{nope`))
	assert.Error(t, err)
}
