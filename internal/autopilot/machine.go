// Package autopilot runs the agency-wide campaign cycle: a fixed stage
// progression that rolls over from analytics into a new cycle once a
// retrospective of the previous period exists.
package autopilot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"briefloop/internal/domain"
	"briefloop/internal/engine"
	"briefloop/internal/events"
	"briefloop/internal/generate"
	"briefloop/internal/metrics"
	"briefloop/internal/repo"
)

const (
	StageOnboarding     = "onboarding"
	StageAuditBenchmark = "audit_benchmark"
	StageStrategy       = "strategy"
	StageActionPlan     = "action_plan"
	StageEditorialPlan  = "editorial_plan"
	StageProduction     = "production"
	StageAnalytics      = "analytics"
)

// Stages lists the cycle stages in order.
var Stages = []string{
	StageOnboarding,
	StageAuditBenchmark,
	StageStrategy,
	StageActionPlan,
	StageEditorialPlan,
	StageProduction,
	StageAnalytics,
}

var successors = map[string]string{
	StageOnboarding:     StageAuditBenchmark,
	StageAuditBenchmark: StageStrategy,
	StageStrategy:       StageActionPlan,
	StageActionPlan:     StageEditorialPlan,
	StageEditorialPlan:  StageProduction,
	StageProduction:     StageAnalytics,
}

var (
	ErrInvalidTransition  = engine.ErrInvalidTransition
	ErrUpstreamGeneration = engine.ErrUpstreamGeneration
	ErrConflict           = engine.ErrConflict
	ErrStoreUnavailable   = engine.ErrStoreUnavailable
)

// Notification kinds.
const (
	KindToggled    = "toggled"
	KindAdvanced   = "advanced"
	KindRolledOver = "rolled_over"
)

type Notification struct {
	Kind  string            `json:"kind"`
	State domain.CycleState `json:"state"`
	At    time.Time         `json:"at"`
}

// Observer is told about committed cycle changes. Calls happen on the
// goroutine that made the change.
type Observer interface {
	OnCycle(ctx context.Context, n Notification)
}

type ObserverFunc func(ctx context.Context, n Notification)

func (f ObserverFunc) OnCycle(ctx context.Context, n Notification) { f(ctx, n) }

// RolloverOptions control a rollover. SkipRetrospective starts the next cycle
// without calling the generator.
type RolloverOptions struct {
	SkipRetrospective bool
}

// Machine is the cycle state machine. Its state lives in the store, so
// several Machines over one database stay consistent; a write based on a
// stale read fails with ErrConflict.
type Machine struct {
	repo   repo.Repo
	gen    generate.Generator
	logger *slog.Logger
	now    func() time.Time
	logCap int

	mu        sync.Mutex
	observers map[int]Observer
	nextID    int
}

type Option func(*Machine)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogCap bounds the automation log; n <= 0 keeps every entry.
func WithLogCap(n int) Option {
	return func(m *Machine) {
		m.logCap = n
	}
}

func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.Subscribe(o)
	}
}

func New(r repo.Repo, gen generate.Generator, opts ...Option) *Machine {
	if gen == nil {
		gen = generate.Static{}
	}
	m := &Machine{
		repo:      r,
		gen:       gen,
		logger:    slog.Default(),
		now:       time.Now,
		logCap:    500,
		observers: map[int]Observer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type actorKey struct{}

// WithActor tags ctx with the actor recorded on cycle audit events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "autopilot"
}

// Subscribe registers o until the returned cancel is called.
func (m *Machine) Subscribe(o Observer) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = o
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) notify(ctx context.Context, kind string, st domain.CycleState) {
	m.mu.Lock()
	obs := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	m.mu.Unlock()
	n := Notification{Kind: kind, State: st, At: m.now().UTC()}
	for _, o := range obs {
		o.OnCycle(ctx, n)
	}
}

func (m *Machine) stamp() string {
	return m.now().UTC().Format(time.RFC3339Nano)
}

// loadTx returns the state row, creating it at onboarding on first use.
func (m *Machine) loadTx(ctx context.Context, tx *sql.Tx) (domain.CycleState, error) {
	if err := m.repo.InitCycleState(ctx, tx, StageOnboarding, false, m.stamp()); err != nil {
		return domain.CycleState{}, fmt.Errorf("init cycle state: %w", err)
	}
	return m.repo.GetCycleState(ctx, tx)
}

func (m *Machine) appendLog(ctx context.Context, tx *sql.Tx, messages ...string) error {
	for _, msg := range messages {
		if err := m.repo.AppendCycleLog(ctx, tx, m.stamp(), msg, m.logCap); err != nil {
			return fmt.Errorf("append cycle log: %w", err)
		}
	}
	return nil
}

// write persists st with an optimistic version check, appends the log lines
// and the audit event, then commits.
func (m *Machine) write(ctx context.Context, tx *sql.Tx, st domain.CycleState, evtType string, payload events.EventPayload, messages ...string) (domain.CycleState, error) {
	st.UpdatedAt = m.stamp()
	version, err := m.repo.SaveCycleState(ctx, tx, st)
	if err != nil {
		return domain.CycleState{}, err
	}
	st.Version = version
	if err := m.appendLog(ctx, tx, messages...); err != nil {
		return domain.CycleState{}, err
	}
	if err := (events.Writer{Now: m.now}).Append(ctx, tx, evtType, "", "cycle", "cycle", actorFrom(ctx), payload); err != nil {
		return domain.CycleState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CycleState{}, fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	metrics.SetCycle(st.Stage, st.CycleNumber, Stages)
	return st, nil
}

// State returns the current state with the retained log, oldest first.
func (m *Machine) State(ctx context.Context) (domain.CycleState, error) {
	tx, err := m.repo.Begin(ctx)
	if err != nil {
		return domain.CycleState{}, err
	}
	defer tx.Rollback()
	st, err := m.loadTx(ctx, tx)
	if err != nil {
		return domain.CycleState{}, err
	}
	if st.Log, err = m.repo.CycleLogTx(ctx, tx, m.logCap); err != nil {
		return domain.CycleState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CycleState{}, fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return st, nil
}

// Advance moves to the successor stage. At analytics it changes nothing and
// returns analytics; leaving analytics takes a Rollover.
func (m *Machine) Advance(ctx context.Context) (string, error) {
	tx, err := m.repo.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	st, err := m.loadTx(ctx, tx)
	if err != nil {
		return "", err
	}
	next, ok := successors[st.Stage]
	if !ok {
		return st.Stage, nil
	}
	from := st.Stage
	st.Stage = next
	st, err = m.write(ctx, tx, st, events.CycleAdvanced, events.EventPayload{"from": from, "to": next},
		fmt.Sprintf("Stage advanced: %s -> %s", from, next))
	if err != nil {
		return "", err
	}
	m.logger.Info("cycle stage advanced", "from", from, "to", next, "cycle", st.CycleNumber)
	m.notify(ctx, KindAdvanced, st)
	return next, nil
}

// Rollover closes the cycle at analytics and starts the next one at
// audit_benchmark. The retrospective is generated first; if that fails the
// failure is logged and nothing else changes.
func (m *Machine) Rollover(ctx context.Context, opts RolloverOptions) (domain.CycleState, error) {
	st, err := m.readState(ctx)
	if err != nil {
		return domain.CycleState{}, err
	}
	if st.Stage != StageAnalytics {
		return domain.CycleState{}, fmt.Errorf("%w: rollover requires %s, cycle is at %s", ErrInvalidTransition, StageAnalytics, st.Stage)
	}

	var retroHTML string
	if !opts.SkipRetrospective {
		retroHTML, err = m.gen.Generate(ctx, generate.RetrospectivePrompt(st.CycleNumber, st.PreviousPeriodMetrics))
		if err != nil {
			metrics.RecordRollover(err)
			m.logger.Error("retrospective generation failed", "cycle", st.CycleNumber, "error", err)
			noteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noteTimeout)
			lerr := m.note(noteCtx, fmt.Sprintf("Retrospective generation failed: %v", err))
			cancel()
			if lerr != nil {
				m.logger.Error("record generation failure", "error", lerr)
			}
			return domain.CycleState{}, fmt.Errorf("%w: %w", ErrUpstreamGeneration, err)
		}
	}

	tx, err := m.repo.Begin(ctx)
	if err != nil {
		return domain.CycleState{}, err
	}
	defer tx.Rollback()
	cur, err := m.loadTx(ctx, tx)
	if err != nil {
		return domain.CycleState{}, err
	}
	if cur.Version != st.Version {
		return domain.CycleState{}, fmt.Errorf("%w: cycle changed during rollover", ErrConflict)
	}
	closed := cur.CycleNumber
	cur.CycleNumber++
	cur.Stage = StageAuditBenchmark
	messages := []string{
		fmt.Sprintf("Rollover detected at end of cycle %d", closed),
		fmt.Sprintf("Cycle %d started", cur.CycleNumber),
	}
	payload := events.EventPayload{"closed_cycle": closed, "cycle": cur.CycleNumber}
	if opts.SkipRetrospective {
		messages = append(messages, "Retrospective skipped")
		payload["retrospective"] = "skipped"
	} else {
		text := generate.StripHTML(retroHTML)
		if text == "" {
			text = "Retrospective was empty"
		}
		messages = append(messages, text)
		md, err := generate.ToMarkdown(retroHTML)
		if err != nil {
			m.logger.Warn("retrospective markdown conversion failed", "error", err)
			md = text
		}
		id, err := m.repo.InsertRetrospective(ctx, tx, domain.Retrospective{
			CycleNumber: closed, HTML: retroHTML, Markdown: md, CreatedAt: m.stamp(),
		})
		if err != nil {
			return domain.CycleState{}, fmt.Errorf("store retrospective: %w", err)
		}
		payload["retrospective_id"] = id
	}
	cur, err = m.write(ctx, tx, cur, events.CycleRolledOver, payload, messages...)
	metrics.RecordRollover(err)
	if err != nil {
		return domain.CycleState{}, err
	}
	m.logger.Info("cycle rolled over", "closed", closed, "cycle", cur.CycleNumber)
	m.notify(ctx, KindRolledOver, cur)
	return cur, nil
}

// Toggle switches the timer runner on or off. The stage is untouched.
func (m *Machine) Toggle(ctx context.Context, enabled bool) (domain.CycleState, error) {
	tx, err := m.repo.Begin(ctx)
	if err != nil {
		return domain.CycleState{}, err
	}
	defer tx.Rollback()
	st, err := m.loadTx(ctx, tx)
	if err != nil {
		return domain.CycleState{}, err
	}
	st.Enabled = enabled
	msg := "Autopilot disabled"
	if enabled {
		msg = "Autopilot enabled"
	}
	st, err = m.write(ctx, tx, st, events.CycleToggled, events.EventPayload{"enabled": enabled}, msg)
	if err != nil {
		return domain.CycleState{}, err
	}
	m.logger.Info("autopilot toggled", "enabled", enabled)
	m.notify(ctx, KindToggled, st)
	return st, nil
}

// RecordMetrics stores the snapshot the next rollover summarises.
func (m *Machine) RecordMetrics(ctx context.Context, snapshot json.RawMessage) (domain.CycleState, error) {
	if !json.Valid(snapshot) {
		return domain.CycleState{}, fmt.Errorf("%w: metrics snapshot is not valid JSON", engine.ErrInvalidInput)
	}
	tx, err := m.repo.Begin(ctx)
	if err != nil {
		return domain.CycleState{}, err
	}
	defer tx.Rollback()
	st, err := m.loadTx(ctx, tx)
	if err != nil {
		return domain.CycleState{}, err
	}
	st.PreviousPeriodMetrics = append(json.RawMessage(nil), snapshot...)
	return m.write(ctx, tx, st, events.CycleMetrics, events.EventPayload{"bytes": len(snapshot)},
		fmt.Sprintf("Metrics recorded for cycle %d", st.CycleNumber))
}

func (m *Machine) Retrospectives(ctx context.Context, limit int) ([]domain.Retrospective, error) {
	return m.repo.ListRetrospectives(ctx, limit)
}

func (m *Machine) readState(ctx context.Context) (domain.CycleState, error) {
	tx, err := m.repo.Begin(ctx)
	if err != nil {
		return domain.CycleState{}, err
	}
	defer tx.Rollback()
	st, err := m.loadTx(ctx, tx)
	if err != nil {
		return domain.CycleState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CycleState{}, fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return st, nil
}

// note appends a single log line outside any state change.
func (m *Machine) note(ctx context.Context, message string) error {
	tx, err := m.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.appendLog(ctx, tx, message); err != nil {
		return err
	}
	return tx.Commit()
}

// noteTimeout bounds the failure note written after the caller's context has
// expired.
const noteTimeout = 5 * time.Second

// IsTransient reports errors a caller may retry: lost version races and an
// unreachable store.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}
