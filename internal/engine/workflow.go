package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"briefloop/internal/domain"
	"briefloop/internal/events"
	"briefloop/internal/metrics"
)

const (
	StageBriefReceived     = "BRIEF_RECEIVED"
	StageAuditSearch       = "AUDIT_SEARCH"
	StageStrategyGen       = "STRATEGY_GEN"
	StageActionPlan        = "ACTION_PLAN"
	StageProduction        = "PRODUCTION"
	StageReportingRotation = "REPORTING_ROTATION"

	EventBriefCompleted   = "BRIEF_COMPLETED"
	EventAuditCompleted   = "AUDIT_COMPLETED"
	EventStrategyApproved = "STRATEGY_APPROVED"

	StrategyDraft    = "draft"
	StrategyActive   = "active"
	StrategyArchived = "archived"
)

// WorkflowStages lists project stages in their manual advance order.
var WorkflowStages = []string{
	StageBriefReceived,
	StageAuditSearch,
	StageStrategyGen,
	StageActionPlan,
	StageProduction,
	StageReportingRotation,
}

var workflowTargets = map[string]string{
	EventBriefCompleted:   StageAuditSearch,
	EventAuditCompleted:   StageStrategyGen,
	EventStrategyApproved: StageActionPlan,
}

// workflowSources is the only stage each event may fire from in strict mode.
var workflowSources = map[string]string{
	EventBriefCompleted:   StageBriefReceived,
	EventAuditCompleted:   StageAuditSearch,
	EventStrategyApproved: StageStrategyGen,
}

func ensureWorkflowTransition(strict bool, current, event string) (string, bool, error) {
	target, ok := workflowTargets[event]
	if !ok {
		return "", false, nil
	}
	if strict && workflowSources[event] != current {
		return "", false, fmt.Errorf("%w: %s not allowed from %s", ErrInvalidTransition, event, current)
	}
	return target, true, nil
}

// ApplyEvent moves a project to the stage mapped from event. Unmapped events
// report applied=false and change nothing.
func (e Engine) ApplyEvent(ctx context.Context, projectID, event, actorID string) (domain.Project, bool, error) {
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.Project{}, false, err
	}
	defer tx.Rollback()
	p, applied, err := e.applyEventTx(ctx, tx, projectID, event, actorID)
	if err != nil || !applied {
		return p, applied, err
	}
	if err := commit(tx); err != nil {
		return domain.Project{}, false, err
	}
	e.logger().Info("workflow event applied", "project", p.ID, "event", event, "stage", p.WorkflowStage)
	return p, true, nil
}

func (e Engine) applyEventTx(ctx context.Context, tx *sql.Tx, projectID, event, actorID string) (domain.Project, bool, error) {
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, false, err
	}
	target, ok, err := ensureWorkflowTransition(e.Config.Workflow.Strict, p.WorkflowStage, event)
	if err != nil || !ok {
		return p, false, err
	}
	now := stamp(e.now())
	payload := events.EventPayload{"event": event, "from": p.WorkflowStage, "to": target}
	if event == EventStrategyApproved {
		strategies, err := e.Repo.ListStrategiesTx(ctx, tx, projectID)
		if err != nil {
			return domain.Project{}, false, err
		}
		if len(strategies) > 0 {
			if err := e.Repo.SetStrategyStatus(ctx, tx, strategies[0].ID, StrategyActive, now); err != nil {
				return domain.Project{}, false, fmt.Errorf("activate strategy: %w", err)
			}
			payload["strategy_id"] = strategies[0].ID
		}
	}
	if err := e.moveProject(ctx, tx, &p, target, "", now); err != nil {
		return domain.Project{}, false, err
	}
	if err := e.appendEvent(ctx, tx, events.WorkflowAdvanced, p.ID, "project", p.ID, actorID, payload); err != nil {
		return domain.Project{}, false, err
	}
	metrics.RecordWorkflowTransition(event, target)
	return p, true, nil
}

// AdvanceStage steps a project one stage forward by hand. REPORTING_ROTATION
// wraps to BRIEF_RECEIVED and stamps the rotation date.
func (e Engine) AdvanceStage(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	next, err := nextWorkflowStage(p.WorkflowStage)
	if err != nil {
		return domain.Project{}, err
	}
	now := stamp(e.now())
	rotation := ""
	if next == StageBriefReceived {
		rotation = now
	}
	from := p.WorkflowStage
	if err := e.moveProject(ctx, tx, &p, next, rotation, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, tx, events.WorkflowAdvanced, p.ID, "project", p.ID, actorID, events.EventPayload{
		"event": "MANUAL", "from": from, "to": next,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Project{}, err
	}
	metrics.RecordWorkflowTransition("MANUAL", next)
	return p, nil
}

func nextWorkflowStage(current string) (string, error) {
	for i, s := range WorkflowStages {
		if s == current {
			return WorkflowStages[(i+1)%len(WorkflowStages)], nil
		}
	}
	return "", fmt.Errorf("%w: unknown workflow stage %q", ErrInvalidTransition, current)
}

func (e Engine) moveProject(ctx context.Context, tx *sql.Tx, p *domain.Project, stage, rotation, now string) error {
	if err := e.Repo.UpdateProjectStage(ctx, tx, p.ID, stage, rotation, now); err != nil {
		return fmt.Errorf("update project stage: %w", err)
	}
	p.WorkflowStage = stage
	p.UpdatedAt = now
	if rotation != "" {
		p.LastRotationDate = rotation
	}
	return e.Repo.AppendCycleLog(ctx, tx, now, fmt.Sprintf("Project %s moved to %s", p.ID, stage), e.logCap())
}

// raiseBriefCompleted fires BRIEF_COMPLETED for a validated record. A strict
// rejection is logged and does not undo the validation.
func (e Engine) raiseBriefCompleted(ctx context.Context, tx *sql.Tx, projectID, actorID string) error {
	p, _, err := e.applyEventTx(ctx, tx, projectID, EventBriefCompleted, actorID)
	if errors.Is(err, ErrInvalidTransition) {
		now := stamp(e.now())
		msg := fmt.Sprintf("Project %s ignored %s at %s", projectID, EventBriefCompleted, p.WorkflowStage)
		if err := e.Repo.AppendCycleLog(ctx, tx, now, msg, e.logCap()); err != nil {
			return err
		}
		e.logger().Warn("workflow event rejected", "project", projectID, "event", EventBriefCompleted, "error", err)
		return e.appendEvent(ctx, tx, events.WorkflowIgnored, projectID, "project", projectID, actorID, events.EventPayload{"event": EventBriefCompleted})
	}
	return err
}
