package domain

import "encoding/json"

type Project struct {
	ID               string `json:"id"`
	ClientID         string `json:"client_id"`
	Name             string `json:"name"`
	Sector           string `json:"sector,omitempty"`
	Status           string `json:"status"`
	WorkflowStage    string `json:"workflow_stage" enum:"BRIEF_RECEIVED,AUDIT_SEARCH,STRATEGY_GEN,ACTION_PLAN,PRODUCTION,REPORTING_ROTATION"`
	RotationPeriod   string `json:"rotation_period,omitempty"`
	CycleStartDate   string `json:"cycle_start_date,omitempty" format:"date-time"`
	LastRotationDate string `json:"last_rotation_date,omitempty" format:"date-time"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type Strategy struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status" enum:"draft,active,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// IntakeConfig fixes which form a record shows. Immutable after creation.
type IntakeConfig struct {
	SectorName          string   `json:"sector_name" yaml:"sector_name"`
	DistributionContext string   `json:"distribution_context,omitempty" yaml:"distribution_context"`
	Channels            []string `json:"channels,omitempty" yaml:"channels"`
}

type IntakeRecord struct {
	Token          string                     `json:"token"`
	ProjectID      string                     `json:"project_id"`
	ClientID       string                     `json:"client_id"`
	Config         IntakeConfig               `json:"config"`
	Status         string                     `json:"status" enum:"DRAFT,SENT,COMPLETED"`
	DispatchMethod string                     `json:"dispatch_method" enum:"MANUAL,EMAIL"`
	Link           string                     `json:"link"`
	Answers        map[string]json.RawMessage `json:"answers"`
	AnswerStamps   map[string]string          `json:"answer_stamps,omitempty"`
	Locked         bool                       `json:"locked"`
	CurrentFocus   string                     `json:"current_focus,omitempty" enum:"none,agency,client"`
	FocusExpiresAt string                     `json:"focus_expires_at,omitempty" format:"date-time"`
	CreatedAt      string                     `json:"created_at" format:"date-time"`
	UpdatedAt      string                     `json:"updated_at" format:"date-time"`
	SentAt         string                     `json:"sent_at,omitempty" format:"date-time"`
	CompletedAt    string                     `json:"completed_at,omitempty" format:"date-time"`
}

// Open reports whether the record still counts against the one-open-record-per-project rule.
func (r IntakeRecord) Open() bool {
	return r.Status == IntakeDraft || r.Status == IntakeSent
}

const (
	IntakeDraft     = "DRAFT"
	IntakeSent      = "SENT"
	IntakeCompleted = "COMPLETED"

	DispatchManual = "MANUAL"
	DispatchEmail  = "EMAIL"

	FocusNone   = "none"
	FocusAgency = "agency"
	FocusClient = "client"
)

type CycleState struct {
	Enabled               bool            `json:"enabled"`
	Stage                 string          `json:"stage" enum:"onboarding,audit_benchmark,strategy,action_plan,editorial_plan,production,analytics"`
	CycleNumber           int             `json:"cycle_number"`
	Log                   []LogEntry      `json:"log"`
	PreviousPeriodMetrics json.RawMessage `json:"previous_period_metrics,omitempty"`
	Version               int64           `json:"version"`
	UpdatedAt             string          `json:"updated_at" format:"date-time"`
}

type LogEntry struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Message string `json:"message"`
}

type Retrospective struct {
	ID          int64  `json:"id"`
	CycleNumber int    `json:"cycle_number"`
	HTML        string `json:"html"`
	Markdown    string `json:"markdown"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
