package engine_test

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/domain"
	"briefloop/internal/engine"
	"briefloop/internal/events"
	"briefloop/internal/repo"
	"briefloop/internal/schema"
)

func createIntake(t *testing.T, env testEnv, dispatch string) domain.IntakeRecord {
	t.Helper()
	rec, err := env.Engine.CreateOrReuse(env.Ctx, engine.IntakeRequest{
		ClientID:  "client-1",
		ProjectID: "proj-1",
		Config:    domain.IntakeConfig{SectorName: "Restoration / Food", Channels: []string{"instagram"}},
		Dispatch:  dispatch,
		ActorID:   "agency",
	})
	require.NoError(t, err)
	return rec
}

func raw(v string) json.RawMessage { return json.RawMessage(v) }

func TestCreateOrReuseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := createIntake(t, env, domain.DispatchManual)
	second := createIntake(t, env, domain.DispatchManual)

	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, domain.IntakeDraft, second.Status)
	assert.Len(t, first.Token, 32)
	assert.Equal(t, "http://localhost:5173/#/brief/proj-1/"+first.Token, first.Link)

	open, err := env.Engine.ListOpen(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCreateOrReuseEmailPromotesDraft(t *testing.T) {
	env := newTestEnv(t)
	draft := createIntake(t, env, domain.DispatchManual)
	require.Empty(t, draft.SentAt)

	sent := createIntake(t, env, domain.DispatchEmail)
	assert.Equal(t, draft.Token, sent.Token)
	assert.Equal(t, domain.IntakeSent, sent.Status)
	assert.Equal(t, domain.DispatchEmail, sent.DispatchMethod)
	assert.NotEmpty(t, sent.SentAt)
}

func TestCreateOrReuseEmailCreatesSent(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchEmail)
	assert.Equal(t, domain.IntakeSent, rec.Status)
}

func TestCreateOrReuseRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateOrReuse(env.Ctx, engine.IntakeRequest{ProjectID: "nope"})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = env.Engine.CreateOrReuse(env.Ctx, engine.IntakeRequest{ProjectID: "proj-1", Dispatch: "PIGEON"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.CreateOrReuse(env.Ctx, engine.IntakeRequest{ProjectID: "proj-1", ClientID: "someone-else"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestCreateOrReuseAfterCompletionIssuesNewRecord(t *testing.T) {
	env := newTestEnv(t)
	first := createIntake(t, env, domain.DispatchManual)
	_, err := env.Engine.Validate(env.Ctx, first.Token, "agency")
	require.NoError(t, err)

	second := createIntake(t, env, domain.DispatchManual)
	assert.NotEqual(t, first.Token, second.Token)
}

func TestReuseRepairsStaleLink(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	env.Engine.Config.Public.BaseURL = "https://briefs.example.com/"
	again := createIntake(t, env, domain.DispatchManual)
	assert.Equal(t, rec.Token, again.Token)
	assert.Equal(t, "https://briefs.example.com/#/brief/proj-1/"+rec.Token, again.Link)

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, repo.EventFilter{Type: events.IntakeLinkFixed})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestGetRepairsStaleLink(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	env.Engine.Config.Public.BaseURL = "https://briefs.example.com"
	got, err := env.Engine.Get(env.Ctx, rec.Token)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.Link, "https://briefs.example.com/#/brief/"))

	stored, err := env.Engine.Repo.GetIntake(env.Ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, got.Link, stored.Link)
}

func TestSubscribeRepairedRecordDeliveredOnce(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	watcher := make(chan *domain.IntakeRecord, 8)
	cancelWatcher, err := env.Engine.Subscribe(env.Ctx, rec.Token, func(r *domain.IntakeRecord) { watcher <- r })
	require.NoError(t, err)
	defer cancelWatcher()
	select {
	case <-watcher:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial delivery")
	}

	env.Engine.Config.Public.BaseURL = "https://briefs.example.com"
	var mu sync.Mutex
	var calls []*domain.IntakeRecord
	cancel, err := env.Engine.Subscribe(env.Ctx, rec.Token, func(r *domain.IntakeRecord) {
		mu.Lock()
		calls = append(calls, r)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	select {
	case repaired := <-watcher:
		require.NotNil(t, repaired)
		assert.True(t, strings.HasPrefix(repaired.Link, "https://briefs.example.com/#/brief/"))
	case <-time.After(2 * time.Second):
		t.Fatal("existing subscriber missed the repaired link")
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].Link, "https://briefs.example.com/#/brief/"))
}

func TestSaveAnswersReplacesWholeMap(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	_, err := env.Engine.SaveAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{"company_name": raw(`"Bistro"`), "website": raw(`"bistro.example"`)}, "client")
	require.NoError(t, err)
	got, err := env.Engine.SaveAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{"company_name": raw(`"Bistro Deux"`)}, "client")
	require.NoError(t, err)

	assert.Len(t, got.Answers, 1)
	assert.JSONEq(t, `"Bistro Deux"`, string(got.Answers["company_name"]))

	_, err = env.Engine.SaveAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{"x": raw(`{bad`)}, "client")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestSaveAnswersAfterValidateIsNoop(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)
	_, err := env.Engine.SaveAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{"company_name": raw(`"Bistro"`)}, "client")
	require.NoError(t, err)

	done, err := env.Engine.Validate(env.Ctx, rec.Token, "agency")
	require.NoError(t, err)
	require.True(t, done.Locked)

	env.Clock.Advance(time.Minute)
	_, err = env.Engine.SaveAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{"company_name": raw(`"Changed"`)}, "client")
	assert.ErrorIs(t, err, engine.ErrLocked)
	_, err = env.Engine.MergeAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{"company_name": raw(`"Changed"`)}, time.Time{}, "client")
	assert.ErrorIs(t, err, engine.ErrLocked)

	got, err := env.Engine.Get(env.Ctx, rec.Token)
	require.NoError(t, err)
	assert.True(t, got.Locked)
	assert.Equal(t, done.UpdatedAt, got.UpdatedAt)
	assert.JSONEq(t, `"Bistro"`, string(got.Answers["company_name"]))
}

func TestValidateRaisesBriefCompleted(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchEmail)

	done, err := env.Engine.Validate(env.Ctx, rec.Token, "agency")
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeCompleted, done.Status)
	assert.NotEmpty(t, done.CompletedAt)

	p, err := env.Engine.GetProject(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StageAuditSearch, p.WorkflowStage)

	// a second validation changes nothing
	again, err := env.Engine.Validate(env.Ctx, rec.Token, "agency")
	require.NoError(t, err)
	assert.Equal(t, done.CompletedAt, again.CompletedAt)

	_, _, err = env.Engine.Dispatch(env.Ctx, rec.Token, "agency")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestValidateInStrictModeKeepsCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Workflow.Strict = true
	_, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", "agency")
	require.NoError(t, err)
	rec := createIntake(t, env, domain.DispatchManual)

	done, err := env.Engine.Validate(env.Ctx, rec.Token, "agency")
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeCompleted, done.Status)

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, repo.EventFilter{Type: events.WorkflowIgnored})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestClaimFocusLastWriterWins(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	_, err := env.Engine.ClaimFocus(env.Ctx, rec.Token, domain.FocusAgency, "agency")
	require.NoError(t, err)
	got, err := env.Engine.ClaimFocus(env.Ctx, rec.Token, domain.FocusClient, "client")
	require.NoError(t, err)
	assert.Equal(t, domain.FocusClient, got.CurrentFocus)

	_, err = env.Engine.ClaimFocus(env.Ctx, rec.Token, "boss", "client")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestFocusLeaseExpires(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Intake.FocusTTL = 5 * time.Minute
	rec := createIntake(t, env, domain.DispatchManual)

	claimed, err := env.Engine.ClaimFocus(env.Ctx, rec.Token, domain.FocusAgency, "agency")
	require.NoError(t, err)
	assert.NotEmpty(t, claimed.FocusExpiresAt)

	env.Clock.Advance(4 * time.Minute)
	got, err := env.Engine.Get(env.Ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.FocusAgency, got.CurrentFocus)

	env.Clock.Advance(2 * time.Minute)
	got, err = env.Engine.Get(env.Ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.FocusNone, got.CurrentFocus)
	assert.Empty(t, got.FocusExpiresAt)

	stored, err := env.Engine.Repo.GetIntake(env.Ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.FocusNone, stored.CurrentFocus)
}

func TestReleaseFocusOnlyReleasesOwnClaim(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)
	_, err := env.Engine.ClaimFocus(env.Ctx, rec.Token, domain.FocusAgency, "agency")
	require.NoError(t, err)

	got, err := env.Engine.ReleaseFocus(env.Ctx, rec.Token, domain.FocusClient, "client")
	require.NoError(t, err)
	assert.Equal(t, domain.FocusAgency, got.CurrentFocus)

	got, err = env.Engine.ReleaseFocus(env.Ctx, rec.Token, domain.FocusAgency, "agency")
	require.NoError(t, err)
	assert.Equal(t, domain.FocusNone, got.CurrentFocus)
}

func TestMergeAnswersPerFieldLastWriterWins(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)
	t0 := env.Clock.Now()

	_, err := env.Engine.MergeAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{"company_name": raw(`"Agency edit"`)}, t0.Add(2*time.Second), "agency")
	require.NoError(t, err)
	got, err := env.Engine.MergeAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{
		"company_name": raw(`"Stale client edit"`),
		"website":      raw(`"bistro.example"`),
	}, t0.Add(time.Second), "client")
	require.NoError(t, err)

	assert.JSONEq(t, `"Agency edit"`, string(got.Answers["company_name"]))
	assert.JSONEq(t, `"bistro.example"`, string(got.Answers["website"]))

	got, err = env.Engine.MergeAnswers(env.Ctx, rec.Token, map[string]json.RawMessage{"website": raw(`null`)}, t0.Add(3*time.Second), "client")
	require.NoError(t, err)
	_, ok := got.Answers["website"]
	assert.False(t, ok)
	assert.Contains(t, got.AnswerStamps, "website")
}

func TestDispatchReturnsMailto(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	sent, mailto, err := env.Engine.Dispatch(env.Ctx, rec.Token, "agency")
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeSent, sent.Status)
	require.True(t, strings.HasPrefix(mailto, "mailto:?subject="))

	u, err := url.Parse(mailto)
	require.NoError(t, err)
	q, err := url.ParseQuery(u.RawQuery)
	require.NoError(t, err)
	assert.Equal(t, "Your project brief", q.Get("subject"))
	assert.Contains(t, q.Get("body"), rec.Link)
}

func TestOpenChecksProject(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	_, err := env.Engine.Open(env.Ctx, "proj-1", rec.Token)
	require.NoError(t, err)

	_, err = env.Engine.Open(env.Ctx, "proj-2", rec.Token)
	assert.ErrorIs(t, err, engine.ErrSecurityMismatch)
	assert.NotContains(t, err.Error(), "proj")

	_, err = env.Engine.Open(env.Ctx, "proj-1", "abc123")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestFormAssemblesSchema(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	_, form, err := env.Engine.Form(env.Ctx, "proj-1", rec.Token)
	require.NoError(t, err)
	require.Len(t, form.Sections, 2)
	assert.Equal(t, schema.SectorSectionID, form.Sections[1].ID)
}

func TestSubscribeMissingTokenYieldsNil(t *testing.T) {
	env := newTestEnv(t)
	got := make(chan *domain.IntakeRecord, 1)
	cancel, err := env.Engine.Subscribe(env.Ctx, "abc123", func(rec *domain.IntakeRecord) { got <- rec })
	require.NoError(t, err)
	defer cancel()

	select {
	case rec := <-got:
		assert.Nil(t, rec)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	env := newTestEnv(t)
	rec := createIntake(t, env, domain.DispatchManual)

	got := make(chan *domain.IntakeRecord, 8)
	cancel, err := env.Engine.Subscribe(env.Ctx, rec.Token, func(r *domain.IntakeRecord) { got <- r })
	require.NoError(t, err)
	defer cancel()

	next := func() *domain.IntakeRecord {
		select {
		case r := <-got:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("no delivery")
			return nil
		}
	}
	initial := next()
	require.NotNil(t, initial)
	assert.Equal(t, rec.Token, initial.Token)

	env.Clock.Advance(time.Second)
	_, err = env.Engine.ClaimFocus(env.Ctx, rec.Token, domain.FocusClient, "client")
	require.NoError(t, err)
	update := next()
	require.NotNil(t, update)
	assert.Equal(t, domain.FocusClient, update.CurrentFocus)

	env.Clock.Advance(time.Second)
	require.NoError(t, env.Engine.Delete(env.Ctx, rec.Token, "agency"))
	assert.Nil(t, next())
	assert.Equal(t, 1, env.Engine.Hub.Subscribers(rec.Token))

	cancel()
	assert.Zero(t, env.Engine.Hub.Subscribers(rec.Token))
}

func TestDeleteMissingRecord(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.Engine.Delete(env.Ctx, "abc123", "agency"), engine.ErrNotFound)
}
