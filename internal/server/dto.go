package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"briefloop/internal/domain"
	"briefloop/internal/schema"
)

// Request payloads

type CreateProjectRequest struct {
	ID             string `json:"id,omitempty"`
	ClientID       string `json:"client_id"`
	Name           string `json:"name"`
	Sector         string `json:"sector,omitempty"`
	RotationPeriod string `json:"rotation_period,omitempty"`
}

type WorkflowEventRequest struct {
	Event string `json:"event" example:"BRIEF_COMPLETED"`
}

type CreateStrategyRequest struct {
	Title string `json:"title"`
}

type CreateIntakeRequest struct {
	ClientID            string   `json:"client_id"`
	SectorName          string   `json:"sector_name,omitempty"`
	DistributionContext string   `json:"distribution_context,omitempty"`
	Channels            []string `json:"channels,omitempty"`
	DispatchMethod      string   `json:"dispatch_method,omitempty" enum:"MANUAL,EMAIL"`
}

type FocusRequest struct {
	Role    string `json:"role,omitempty" enum:"none,agency,client"`
	Release bool   `json:"release,omitempty"`
}

type AnswersRequest struct {
	Answers map[string]any `json:"answers"`
}

type MergeAnswersRequest struct {
	Answers map[string]any `json:"answers"`
	At      string         `json:"at,omitempty" format:"date-time"`
}

type RolloverRequest struct {
	SkipRetrospective bool `json:"skip_retrospective,omitempty"`
}

type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

type MetricsRequest struct {
	Metrics map[string]any `json:"metrics"`
}

// Responses

type IntakeList struct {
	Items []domain.IntakeRecord `json:"items"`
}

type DispatchResponse struct {
	Record domain.IntakeRecord `json:"record"`
	Mailto string              `json:"mailto"`
}

type BriefResponse struct {
	Record domain.IntakeRecord `json:"record"`
	Form   schema.Schema       `json:"form"`
}

type CycleAdvanceResponse struct {
	Stage string `json:"stage"`
}

type RetrospectiveList struct {
	Items []domain.Retrospective `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if strings.TrimSpace(evt.Payload) != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

// rawAnswers re-encodes decoded answer values for the engine. A nil value
// becomes a JSON null.
func rawAnswers(in map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("answer %q: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}
