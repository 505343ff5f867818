package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"briefloop/internal/domain"
)

const intakeColumns = `token,project_id,client_id,config_json,status,dispatch_method,link,answers_json,answer_stamps_json,locked,COALESCE(current_focus,''),COALESCE(focus_expires_at,''),created_at,updated_at,COALESCE(sent_at,''),COALESCE(completed_at,'')`

func scanIntake(row scanner) (domain.IntakeRecord, error) {
	var (
		rec              domain.IntakeRecord
		cfgJSON, answers string
		stamps           string
		locked           int
	)
	err := row.Scan(&rec.Token, &rec.ProjectID, &rec.ClientID, &cfgJSON, &rec.Status, &rec.DispatchMethod, &rec.Link,
		&answers, &stamps, &locked, &rec.CurrentFocus, &rec.FocusExpiresAt, &rec.CreatedAt, &rec.UpdatedAt, &rec.SentAt, &rec.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Locked = locked == 1
	if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
		return rec, fmt.Errorf("decode intake config: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &rec.Answers); err != nil {
		return rec, fmt.Errorf("decode intake answers: %w", err)
	}
	if rec.Answers == nil {
		rec.Answers = map[string]json.RawMessage{}
	}
	if err := json.Unmarshal([]byte(stamps), &rec.AnswerStamps); err != nil {
		return rec, fmt.Errorf("decode answer stamps: %w", err)
	}
	return rec, nil
}

func (r Repo) GetIntake(ctx context.Context, token string) (domain.IntakeRecord, error) {
	return getIntake(ctx, r.DB, token)
}

func (r Repo) GetIntakeTx(ctx context.Context, tx *sql.Tx, token string) (domain.IntakeRecord, error) {
	return getIntake(ctx, tx, token)
}

func getIntake(ctx context.Context, q querier, token string) (domain.IntakeRecord, error) {
	return scanIntake(q.QueryRowContext(ctx, `SELECT `+intakeColumns+` FROM intake_records WHERE token=?`, token))
}

// IntakeFilter narrows ListIntake. Empty Statuses means any status.
type IntakeFilter struct {
	ProjectID string
	Statuses  []string
}

func (r Repo) ListIntake(ctx context.Context, f IntakeFilter) ([]domain.IntakeRecord, error) {
	return listIntake(ctx, r.DB, f)
}

func (r Repo) ListIntakeTx(ctx context.Context, tx *sql.Tx, f IntakeFilter) ([]domain.IntakeRecord, error) {
	return listIntake(ctx, tx, f)
}

func listIntake(ctx context.Context, q querier, f IntakeFilter) ([]domain.IntakeRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + intakeColumns + ` FROM intake_records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, token`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntakeRecord
	for rows.Next() {
		rec, err := scanIntake(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) InsertIntake(ctx context.Context, tx *sql.Tx, rec domain.IntakeRecord) error {
	cfg, answers, stamps, err := encodeIntake(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO intake_records(token,project_id,client_id,config_json,status,dispatch_method,link,answers_json,answer_stamps_json,locked,current_focus,focus_expires_at,created_at,updated_at,sent_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.Token, rec.ProjectID, rec.ClientID, cfg, rec.Status, rec.DispatchMethod, rec.Link, answers, stamps, boolInt(rec.Locked),
		nullable(rec.CurrentFocus), nullable(rec.FocusExpiresAt), rec.CreatedAt, rec.UpdatedAt, nullable(rec.SentAt), nullable(rec.CompletedAt))
	return err
}

// UpdateIntake writes every mutable column. project_id, client_id and config are never rewritten.
func (r Repo) UpdateIntake(ctx context.Context, tx *sql.Tx, rec domain.IntakeRecord) error {
	_, answers, stamps, err := encodeIntake(rec)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE intake_records SET status=?, dispatch_method=?, link=?, answers_json=?, answer_stamps_json=?, locked=?, current_focus=?, focus_expires_at=?, updated_at=?, sent_at=?, completed_at=? WHERE token=?`,
		rec.Status, rec.DispatchMethod, rec.Link, answers, stamps, boolInt(rec.Locked), nullable(rec.CurrentFocus), nullable(rec.FocusExpiresAt),
		rec.UpdatedAt, nullable(rec.SentAt), nullable(rec.CompletedAt), rec.Token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteIntake(ctx context.Context, tx *sql.Tx, token string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM intake_records WHERE token=?`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeIntake(rec domain.IntakeRecord) (cfg, answers, stamps string, err error) {
	b, err := json.Marshal(rec.Config)
	if err != nil {
		return "", "", "", fmt.Errorf("encode intake config: %w", err)
	}
	cfg = string(b)
	if rec.Answers == nil {
		rec.Answers = map[string]json.RawMessage{}
	}
	if b, err = json.Marshal(rec.Answers); err != nil {
		return "", "", "", fmt.Errorf("encode intake answers: %w", err)
	}
	answers = string(b)
	if rec.AnswerStamps == nil {
		rec.AnswerStamps = map[string]string{}
	}
	if b, err = json.Marshal(rec.AnswerStamps); err != nil {
		return "", "", "", fmt.Errorf("encode answer stamps: %w", err)
	}
	return cfg, answers, string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
