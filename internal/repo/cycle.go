package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"briefloop/internal/domain"
)

// InitCycleState inserts the singleton row if it does not exist yet.
func (r Repo) InitCycleState(ctx context.Context, tx *sql.Tx, stage string, enabled bool, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO cycle_state(id,enabled,stage,cycle_number,version,updated_at) VALUES (1,?,?,1,1,?)`,
		boolInt(enabled), stage, now)
	return err
}

// GetCycleState loads the state row without its log.
func (r Repo) GetCycleState(ctx context.Context, tx *sql.Tx) (domain.CycleState, error) {
	var (
		st      domain.CycleState
		enabled int
		metrics sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT enabled,stage,cycle_number,previous_metrics_json,version,updated_at FROM cycle_state WHERE id=1`).
		Scan(&enabled, &st.Stage, &st.CycleNumber, &metrics, &st.Version, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	st.Enabled = enabled == 1
	if metrics.Valid && metrics.String != "" {
		st.PreviousPeriodMetrics = json.RawMessage(metrics.String)
	}
	return st, nil
}

// SaveCycleState writes st if the stored version still equals st.Version and
// bumps the version. A lost race returns ErrConflict.
func (r Repo) SaveCycleState(ctx context.Context, tx *sql.Tx, st domain.CycleState) (int64, error) {
	var metrics any
	if len(st.PreviousPeriodMetrics) > 0 {
		metrics = string(st.PreviousPeriodMetrics)
	}
	res, err := tx.ExecContext(ctx, `UPDATE cycle_state SET enabled=?, stage=?, cycle_number=?, previous_metrics_json=?, version=version+1, updated_at=? WHERE id=1 AND version=?`,
		boolInt(st.Enabled), st.Stage, st.CycleNumber, metrics, st.UpdatedAt, st.Version)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrConflict
	}
	return st.Version + 1, nil
}

// AppendCycleLog appends a message and trims the log to the newest limit entries (limit <= 0 keeps all).
func (r Repo) AppendCycleLog(ctx context.Context, tx *sql.Tx, ts, message string, limit int) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO cycle_log(ts,message) VALUES (?,?)`, ts, message); err != nil {
		return err
	}
	if limit <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM cycle_log WHERE id NOT IN (SELECT id FROM cycle_log ORDER BY id DESC LIMIT ?)`, limit)
	return err
}

// CycleLog returns log entries oldest first; limit <= 0 returns everything.
func (r Repo) CycleLog(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	return cycleLog(ctx, r.DB, limit)
}

func (r Repo) CycleLogTx(ctx context.Context, tx *sql.Tx, limit int) ([]domain.LogEntry, error) {
	return cycleLog(ctx, tx, limit)
}

func cycleLog(ctx context.Context, q querier, limit int) ([]domain.LogEntry, error) {
	query := `SELECT id,ts,message FROM (SELECT id,ts,message FROM cycle_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `) ORDER BY id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.LogEntry{}
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Message); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountCycleLog(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycle_log`).Scan(&n)
	return n, err
}

func (r Repo) InsertRetrospective(ctx context.Context, tx *sql.Tx, rt domain.Retrospective) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO retrospectives(cycle_number,html,markdown,created_at) VALUES (?,?,?,?)`,
		rt.CycleNumber, rt.HTML, rt.Markdown, rt.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListRetrospectives returns the newest first.
func (r Repo) ListRetrospectives(ctx context.Context, limit int) ([]domain.Retrospective, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,cycle_number,html,markdown,created_at FROM retrospectives ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Retrospective{}
	for rows.Next() {
		var rt domain.Retrospective
		if err := rows.Scan(&rt.ID, &rt.CycleNumber, &rt.HTML, &rt.Markdown, &rt.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rt)
	}
	return res, rows.Err()
}
