package briefloopsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal briefloop HTTP API client. Staff calls need
// BearerToken; public brief calls work without it.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Record is the API intake record model (partial).
type Record struct {
	Token        string                     `json:"token"`
	ProjectID    string                     `json:"project_id"`
	Status       string                     `json:"status"`
	Link         string                     `json:"link"`
	Locked       bool                       `json:"locked"`
	CurrentFocus string                     `json:"current_focus"`
	Answers      map[string]json.RawMessage `json:"answers"`
	UpdatedAt    string                     `json:"updated_at"`
}

// Question is one form field.
type Question struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required,omitempty"`
}

// Section groups questions of a brief form.
type Section struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Brief is what a client sees when opening a public link.
type Brief struct {
	Record Record `json:"record"`
	Form   struct {
		Sector   string    `json:"sector"`
		Matched  bool      `json:"matched"`
		Sections []Section `json:"sections"`
	} `json:"form"`
}

// CycleState is the autopilot state (partial).
type CycleState struct {
	Enabled     bool   `json:"enabled"`
	Stage       string `json:"stage"`
	CycleNumber int    `json:"cycle_number"`
	Version     int64  `json:"version"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsUnavailable reports whether err is a 404 from the API, which is all a
// public caller learns about a bad link.
func IsUnavailable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// CreateIntake creates a brief for a project, or returns the open one.
func (c *Client) CreateIntake(ctx context.Context, projectID, clientID, dispatch string) (Record, error) {
	body := map[string]any{"client_id": clientID}
	if dispatch != "" {
		body["dispatch_method"] = dispatch
	}
	var resp Record
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%s/intake", url.PathEscape(projectID)), body, &resp)
	return resp, err
}

// Validate completes and locks a brief.
func (c *Client) Validate(ctx context.Context, token string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, c.intakePath(token, "validate"), nil, &resp)
	return resp, err
}

// MergeAnswers patches answers field by field; a nil value removes a field.
func (c *Client) MergeAnswers(ctx context.Context, token string, answers map[string]any) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPatch, c.intakePath(token, "answers"), map[string]any{"answers": answers}, &resp)
	return resp, err
}

// OpenBrief resolves a public link.
func (c *Client) OpenBrief(ctx context.Context, projectID, token string) (Brief, error) {
	var resp Brief
	err := c.do(ctx, http.MethodGet, c.briefPath(projectID, token, ""), nil, &resp)
	return resp, err
}

// SaveBriefAnswers replaces the answers of a brief through its public link.
func (c *Client) SaveBriefAnswers(ctx context.Context, projectID, token string, answers map[string]any) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPut, c.briefPath(projectID, token, "answers"), map[string]any{"answers": answers}, &resp)
	return resp, err
}

// SubmitBrief validates a brief through its public link.
func (c *Client) SubmitBrief(ctx context.Context, projectID, token string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodPost, c.briefPath(projectID, token, "validate"), nil, &resp)
	return resp, err
}

// Cycle returns the autopilot state.
func (c *Client) Cycle(ctx context.Context) (CycleState, error) {
	var resp CycleState
	err := c.do(ctx, http.MethodGet, "v0/cycle", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) intakePath(token, action string) string {
	return fmt.Sprintf("v0/intake/%s/%s", url.PathEscape(token), action)
}

func (c *Client) briefPath(projectID, token, action string) string {
	p := fmt.Sprintf("v0/public/brief/%s/%s", url.PathEscape(projectID), url.PathEscape(token))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
