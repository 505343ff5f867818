package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/config"
	"briefloop/internal/db"
	"briefloop/internal/domain"
	"briefloop/internal/engine"
	"briefloop/internal/migrate"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = clk.Now
	ctx := context.Background()
	_, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", ClientID: "client-1", Name: "Bistro", Sector: "Restoration / Food", ActorID: "tester"})
	require.NoError(t, err)
	return testEnv{Engine: eng, Clock: clk, Ctx: ctx}
}

func TestCreateProjectRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-1", ClientID: "client-1", Name: "Again"})
	assert.ErrorIs(t, err, engine.ErrConflict)

	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ClientID: "client-1"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StageBriefReceived, p.WorkflowStage)
}

func TestApplyEventStrategyApproved(t *testing.T) {
	env := newTestEnv(t)
	old, err := env.Engine.CreateStrategy(env.Ctx, "proj-1", "Old plan", "tester")
	require.NoError(t, err)
	latest, err := env.Engine.CreateStrategy(env.Ctx, "proj-1", "Spring plan", "tester")
	require.NoError(t, err)

	p, applied, err := env.Engine.ApplyEvent(env.Ctx, "proj-1", engine.EventStrategyApproved, "tester")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, engine.StageActionPlan, p.WorkflowStage)

	strategies, err := env.Engine.ListStrategies(env.Ctx, "proj-1")
	require.NoError(t, err)
	status := map[string]string{}
	for _, s := range strategies {
		status[s.ID] = s.Status
	}
	assert.Equal(t, engine.StrategyActive, status[latest.ID])
	assert.Equal(t, engine.StrategyDraft, status[old.ID])

	stored, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StageActionPlan, stored.WorkflowStage)

	log, err := env.Engine.CycleLog(env.Ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, log)
	assert.Equal(t, "Project proj-1 moved to ACTION_PLAN", log[len(log)-1].Message)
}

func TestApplyEventUnknownChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.Repo.LatestEventID(env.Ctx, "")
	require.NoError(t, err)

	p, applied, err := env.Engine.ApplyEvent(env.Ctx, "proj-1", "SOMETHING_ELSE", "tester")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, engine.StageBriefReceived, p.WorkflowStage)

	after, err := env.Engine.Repo.LatestEventID(env.Ctx, "")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	n, err := env.Engine.Repo.CountCycleLog(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = env.Engine.ApplyEvent(env.Ctx, "missing", engine.EventAuditCompleted, "tester")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestApplyEventIsUnconditionalByDefault(t *testing.T) {
	env := newTestEnv(t)
	p, applied, err := env.Engine.ApplyEvent(env.Ctx, "proj-1", engine.EventAuditCompleted, "tester")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, engine.StageStrategyGen, p.WorkflowStage)
}

func TestStrictWorkflowRejectsIllegalFiring(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.Strict = true

	_, applied, err := env.Engine.ApplyEvent(env.Ctx, "proj-1", engine.EventAuditCompleted, "tester")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	assert.False(t, applied)

	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StageBriefReceived, p.WorkflowStage)

	p, applied, err = env.Engine.ApplyEvent(env.Ctx, "proj-1", engine.EventBriefCompleted, "tester")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, engine.StageAuditSearch, p.WorkflowStage)
}

func TestAdvanceStageWrapsAndStampsRotation(t *testing.T) {
	env := newTestEnv(t)
	var p domain.Project
	var err error
	for i := 1; i < len(engine.WorkflowStages); i++ {
		p, err = env.Engine.AdvanceStage(env.Ctx, "proj-1", "tester")
		require.NoError(t, err)
		assert.Equal(t, engine.WorkflowStages[i], p.WorkflowStage)
	}
	assert.Empty(t, p.LastRotationDate)

	p, err = env.Engine.AdvanceStage(env.Ctx, "proj-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, engine.StageBriefReceived, p.WorkflowStage)
	assert.NotEmpty(t, p.LastRotationDate)

	stored, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, p.LastRotationDate, stored.LastRotationDate)
}
