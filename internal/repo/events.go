package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"briefloop/internal/domain"
)

// EventFilter narrows the audit log. Zero values match everything.
type EventFilter struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
}

func (f EventFilter) where(args []any) (string, []any) {
	clauses := []string{"1=1"}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return strings.Join(clauses, " AND "), args
}

// LatestEventsFrom returns events newest first, strictly older than cursor when cursor > 0.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	where, args := f.where(nil)
	if cursor > 0 {
		where += " AND id<?"
		args = append(args, cursor)
	}
	args = append(args, limit)
	return r.queryEvents(ctx, fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, where), args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := EventFilter{ProjectID: projectID}.where(nil)
	if cursor > 0 {
		where += " AND id>?"
		args = append(args, cursor)
	}
	args = append(args, limit)
	return r.queryEvents(ctx, fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, where), args...)
}

// LatestEventID returns the most recent event ID, optionally scoped to a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	where, args := EventFilter{ProjectID: projectID}.where(nil)
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE `+where, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
