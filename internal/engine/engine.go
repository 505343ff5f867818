package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"briefloop/internal/catalog"
	"briefloop/internal/config"
	"briefloop/internal/domain"
	"briefloop/internal/events"
	"briefloop/internal/repo"
)

// Engine owns the project workflow and intake lifecycle. Every mutation runs
// in its own transaction and appends one audit event before committing.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Config  *config.Config
	Catalog *catalog.Store
	Hub     *Hub
	Logger  *slog.Logger
	Now     func() time.Time
	// NewToken mints intake tokens. Nil uses crypto/rand.
	NewToken func() (string, error)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Config:  cfg,
		Catalog: catalog.Default(),
		Hub:     NewHub(),
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	return events.Writer{Now: e.now}.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

func (e Engine) logCap() int {
	if e.Config.Autopilot.LogCap > 0 {
		return e.Config.Autopilot.LogCap
	}
	return 500
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID             string
	ClientID       string
	Name           string
	Sector         string
	RotationPeriod string
	ActorID        string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, fmt.Errorf("%w: project name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(opts.ClientID) == "" {
		return domain.Project{}, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	id := opts.ID
	if id == "" {
		id = "proj-" + uuid.NewString()[:8]
	}
	now := stamp(e.now())
	p := domain.Project{
		ID:             id,
		ClientID:       opts.ClientID,
		Name:           strings.TrimSpace(opts.Name),
		Sector:         opts.Sector,
		Status:         "active",
		WorkflowStage:  StageBriefReceived,
		RotationPeriod: opts.RotationPeriod,
		CycleStartDate: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, id); err == nil {
		return domain.Project{}, fmt.Errorf("%w: project %s already exists", ErrConflict, id)
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"client_id": p.ClientID, "name": p.Name, "stage": p.WorkflowStage,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

func (e Engine) CreateStrategy(ctx context.Context, projectID, title, actorID string) (domain.Strategy, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Strategy{}, fmt.Errorf("%w: strategy title is required", ErrInvalidInput)
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.Strategy{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return domain.Strategy{}, err
	}
	now := stamp(e.now())
	s := domain.Strategy{
		ID:        "strat-" + uuid.NewString()[:8],
		ProjectID: projectID,
		Title:     strings.TrimSpace(title),
		Status:    StrategyDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertStrategyTx(ctx, tx, s); err != nil {
		return domain.Strategy{}, fmt.Errorf("insert strategy: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.StrategyCreated, projectID, "strategy", s.ID, actorID, events.EventPayload{"title": s.Title}); err != nil {
		return domain.Strategy{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Strategy{}, err
	}
	return s, nil
}

func (e Engine) ListStrategies(ctx context.Context, projectID string) ([]domain.Strategy, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListStrategies(ctx, projectID)
}

// CycleLog returns the newest limit automation log entries, oldest first.
func (e Engine) CycleLog(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	return e.Repo.CycleLog(ctx, limit)
}
