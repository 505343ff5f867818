package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"briefloop/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a versioned write that lost against a concurrent writer.
	ErrConflict = errors.New("version conflict")
	// ErrUnavailable wraps failures to reach the database at all.
	ErrUnavailable = errors.New("store unavailable")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Begin opens a transaction, classifying connection failures as ErrUnavailable.
func (r Repo) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return tx, nil
}

const projectColumns = `id,client_id,name,COALESCE(sector,''),status,workflow_stage,COALESCE(rotation_period,''),COALESCE(cycle_start_date,''),COALESCE(last_rotation_date,''),created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.ClientID, &p.Name, &p.Sector, &p.Status, &p.WorkflowStage, &p.RotationPeriod, &p.CycleStartDate, &p.LastRotationDate, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,client_id,name,sector,status,workflow_stage,rotation_period,cycle_start_date,last_rotation_date,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ClientID, p.Name, nullable(p.Sector), p.Status, p.WorkflowStage, nullable(p.RotationPeriod), nullable(p.CycleStartDate), nullable(p.LastRotationDate), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q querier, id string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectStage persists the workflow pointer and, when set, the rotation date.
func (r Repo) UpdateProjectStage(ctx context.Context, tx *sql.Tx, id, stage, lastRotation, now string) error {
	fields := []string{"workflow_stage=?", "updated_at=?"}
	args := []any{stage, now}
	if lastRotation != "" {
		fields = append(fields, "last_rotation_date=?")
		args = append(args, lastRotation)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStrategyTx(ctx context.Context, tx *sql.Tx, s domain.Strategy) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO strategies(id,project_id,title,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Title, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) ListStrategies(ctx context.Context, projectID string) ([]domain.Strategy, error) {
	return listStrategies(ctx, r.DB, projectID)
}

func (r Repo) ListStrategiesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Strategy, error) {
	return listStrategies(ctx, tx, projectID)
}

// listStrategies returns newest first.
func listStrategies(ctx context.Context, q querier, projectID string) ([]domain.Strategy, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,project_id,title,status,created_at,updated_at FROM strategies WHERE project_id=? ORDER BY created_at DESC, rowid DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Strategy
	for rows.Next() {
		var s domain.Strategy
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Title, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetStrategy(ctx context.Context, id string) (domain.Strategy, error) {
	var s domain.Strategy
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,title,status,created_at,updated_at FROM strategies WHERE id=?`, id).
		Scan(&s.ID, &s.ProjectID, &s.Title, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) SetStrategyStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE strategies SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
