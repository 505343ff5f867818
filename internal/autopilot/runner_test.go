package autopilot_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/autopilot"
	"briefloop/internal/generate"
)

func TestRunnerTickRespectsEnabled(t *testing.T) {
	m, _ := newMachine(t, nil)
	ctx := context.Background()
	runner := &autopilot.Runner{Machine: m}

	require.NoError(t, runner.Tick(ctx))
	st, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageOnboarding, st.Stage)

	_, err = m.Toggle(ctx, true)
	require.NoError(t, err)
	require.NoError(t, runner.Tick(ctx))
	st, err = m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageAuditBenchmark, st.Stage)
}

func TestRunnerTickRollsOverAtAnalytics(t *testing.T) {
	m, _ := newMachine(t, generate.Static{})
	ctx := context.Background()
	toAnalytics(t, m)
	_, err := m.Toggle(ctx, true)
	require.NoError(t, err)

	require.NoError(t, (&autopilot.Runner{Machine: m}).Tick(ctx))
	st, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageAuditBenchmark, st.Stage)
	assert.Equal(t, 2, st.CycleNumber)
}

func TestRunnerSurvivesGenerationFailure(t *testing.T) {
	m, _ := newMachine(t, generate.Func(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("offline")
	}))
	ctx := context.Background()
	toAnalytics(t, m)
	_, err := m.Toggle(ctx, true)
	require.NoError(t, err)

	runner := &autopilot.Runner{Machine: m}
	err = runner.Tick(ctx)
	assert.ErrorIs(t, err, autopilot.ErrUpstreamGeneration)

	st, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, autopilot.StageAnalytics, st.Stage)
	var failures int
	for _, e := range st.Log {
		if strings.HasPrefix(e.Message, "Retrospective generation failed") {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	m, _ := newMachine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.Toggle(ctx, true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- (&autopilot.Runner{Machine: m, Interval: 5 * time.Millisecond}).Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := m.State(context.Background())
		return err == nil && st.Stage != autopilot.StageOnboarding
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
