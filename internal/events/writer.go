package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	ProjectCreated   = "project.created"
	StrategyCreated  = "strategy.created"
	StrategyStatus   = "strategy.status"
	WorkflowAdvanced = "workflow.advanced"
	WorkflowIgnored  = "workflow.ignored"
	IntakeCreated    = "intake.created"
	IntakeReused     = "intake.reused"
	IntakeLinkFixed  = "intake.link.repaired"
	IntakeSent       = "intake.sent"
	IntakeFocus      = "intake.focus"
	IntakeAnswers    = "intake.answers"
	IntakeCompleted  = "intake.completed"
	IntakeDeleted    = "intake.deleted"
	CycleAdvanced    = "cycle.advanced"
	CycleRolledOver  = "cycle.rolled_over"
	CycleToggled     = "cycle.toggled"
	CycleMetrics     = "cycle.metrics"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if actorID == "" {
		actorID = "system"
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
