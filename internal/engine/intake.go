package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"briefloop/internal/domain"
	"briefloop/internal/events"
	"briefloop/internal/metrics"
	"briefloop/internal/repo"
	"briefloop/internal/schema"
)

const tokenBytes = 24

var openStatuses = []string{domain.IntakeDraft, domain.IntakeSent}

// IntakeRequest are parameters for CreateOrReuse.
type IntakeRequest struct {
	ClientID  string
	ProjectID string
	Config    domain.IntakeConfig
	Dispatch  string
	ActorID   string
}

// BuildLink derives the public link of a record.
func BuildLink(baseURL, projectID, token string) string {
	return strings.TrimRight(baseURL, "/") + "/#/brief/" + url.PathEscape(projectID) + "/" + token
}

// MailtoURL builds a mail composer URL whose body carries the link.
func MailtoURL(subject, agency, link string) string {
	body := "Hello,\n\nPlease fill in your project brief here:\n" + link + "\n"
	if agency != "" {
		body += "\n" + agency + "\n"
	}
	return "mailto:?subject=" + mailEscape(subject) + "&body=" + mailEscape(body)
}

func mailEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (e Engine) token() (string, error) {
	if e.NewToken != nil {
		return e.NewToken()
	}
	return newToken()
}

func normalizeDispatch(method string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case "", domain.DispatchManual:
		return domain.DispatchManual, nil
	case domain.DispatchEmail:
		return domain.DispatchEmail, nil
	default:
		return "", fmt.Errorf("%w: unknown dispatch method %q", ErrInvalidInput, method)
	}
}

// CreateOrReuse returns the project's open record, creating one when none
// exists. The existence check and the insert share a transaction but two
// concurrent callers can still both miss and insert.
func (e Engine) CreateOrReuse(ctx context.Context, req IntakeRequest) (domain.IntakeRecord, error) {
	dispatch, err := normalizeDispatch(req.Dispatch)
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProjectTx(ctx, tx, req.ProjectID)
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	if req.ClientID != "" && req.ClientID != p.ClientID {
		return domain.IntakeRecord{}, fmt.Errorf("%w: client %s does not own project %s", ErrInvalidInput, req.ClientID, p.ID)
	}
	open, err := e.Repo.ListIntakeTx(ctx, tx, repo.IntakeFilter{ProjectID: p.ID, Statuses: openStatuses})
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	now := e.now()
	ts := stamp(now)

	if len(open) > 0 {
		rec := open[0]
		fixes := e.normalizeRecord(&rec, now)
		rec.DispatchMethod = dispatch
		if dispatch == domain.DispatchEmail && rec.Status == domain.IntakeDraft {
			if err := ensureIntakeTransition(rec.Status, domain.IntakeSent); err != nil {
				return domain.IntakeRecord{}, err
			}
			rec.Status = domain.IntakeSent
			rec.SentAt = ts
			if err := e.appendEvent(ctx, tx, events.IntakeSent, rec.ProjectID, "intake", rec.Token, req.ActorID, events.EventPayload{"dispatch": dispatch}); err != nil {
				return domain.IntakeRecord{}, err
			}
		}
		rec.UpdatedAt = ts
		if err := e.Repo.UpdateIntake(ctx, tx, rec); err != nil {
			return domain.IntakeRecord{}, fmt.Errorf("update intake: %w", err)
		}
		if err := e.appendFixEvents(ctx, tx, rec, fixes, req.ActorID); err != nil {
			return domain.IntakeRecord{}, err
		}
		if err := e.appendEvent(ctx, tx, events.IntakeReused, rec.ProjectID, "intake", rec.Token, req.ActorID, events.EventPayload{
			"status": rec.Status, "dispatch": dispatch,
		}); err != nil {
			return domain.IntakeRecord{}, err
		}
		if err := commit(tx); err != nil {
			return domain.IntakeRecord{}, err
		}
		metrics.RecordIntake("reused")
		e.Hub.Publish(rec.Token, &rec)
		return rec, nil
	}

	token, err := e.token()
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	rec := domain.IntakeRecord{
		Token:          token,
		ProjectID:      p.ID,
		ClientID:       p.ClientID,
		Config:         req.Config,
		Status:         domain.IntakeDraft,
		DispatchMethod: dispatch,
		Link:           BuildLink(e.Config.Public.BaseURL, p.ID, token),
		Answers:        map[string]json.RawMessage{},
		AnswerStamps:   map[string]string{},
		CurrentFocus:   domain.FocusNone,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if rec.Config.SectorName == "" {
		rec.Config.SectorName = p.Sector
	}
	if dispatch == domain.DispatchEmail {
		rec.Status = domain.IntakeSent
		rec.SentAt = ts
	}
	if err := e.Repo.InsertIntake(ctx, tx, rec); err != nil {
		return domain.IntakeRecord{}, fmt.Errorf("insert intake: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.IntakeCreated, rec.ProjectID, "intake", rec.Token, req.ActorID, events.EventPayload{
		"status": rec.Status, "dispatch": dispatch, "sector": rec.Config.SectorName,
	}); err != nil {
		return domain.IntakeRecord{}, err
	}
	if err := commit(tx); err != nil {
		return domain.IntakeRecord{}, err
	}
	metrics.RecordIntake("created")
	e.logger().Info("intake record created", "project", rec.ProjectID, "status", rec.Status)
	return rec, nil
}

func ensureIntakeTransition(from, to string) error {
	switch from {
	case domain.IntakeDraft:
		if to == domain.IntakeSent || to == domain.IntakeCompleted {
			return nil
		}
	case domain.IntakeSent:
		if to == domain.IntakeSent || to == domain.IntakeCompleted {
			return nil
		}
	}
	return fmt.Errorf("%w: intake %s -> %s", ErrInvalidTransition, from, to)
}

// normalizeRecord repairs a stale link and clears an expired focus lease in
// place. It returns the names of the applied fixes.
func (e Engine) normalizeRecord(rec *domain.IntakeRecord, now time.Time) []string {
	var fixes []string
	if want := BuildLink(e.Config.Public.BaseURL, rec.ProjectID, rec.Token); rec.Link != want {
		rec.Link = want
		fixes = append(fixes, "link")
	}
	if rec.FocusExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339Nano, rec.FocusExpiresAt)
		if err != nil || !now.Before(exp) {
			rec.CurrentFocus = domain.FocusNone
			rec.FocusExpiresAt = ""
			fixes = append(fixes, "focus")
		}
	}
	return fixes
}

func (e Engine) appendFixEvents(ctx context.Context, tx *sql.Tx, rec domain.IntakeRecord, fixes []string, actorID string) error {
	for _, fix := range fixes {
		var err error
		switch fix {
		case "link":
			err = e.appendEvent(ctx, tx, events.IntakeLinkFixed, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{"link": rec.Link})
		case "focus":
			err = e.appendEvent(ctx, tx, events.IntakeFocus, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{"focus": domain.FocusNone, "reason": "expired"})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// loadTx reads a record and persists any normalisation it needed.
func (e Engine) loadTx(ctx context.Context, tx *sql.Tx, token string) (domain.IntakeRecord, bool, error) {
	rec, err := e.Repo.GetIntakeTx(ctx, tx, token)
	if err != nil {
		return rec, false, err
	}
	now := e.now()
	fixes := e.normalizeRecord(&rec, now)
	if len(fixes) == 0 {
		return rec, false, nil
	}
	rec.UpdatedAt = stamp(now)
	if err := e.Repo.UpdateIntake(ctx, tx, rec); err != nil {
		return rec, false, fmt.Errorf("normalize intake: %w", err)
	}
	if err := e.appendFixEvents(ctx, tx, rec, fixes, ""); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (e Engine) get(ctx context.Context, token string) (domain.IntakeRecord, bool, error) {
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.IntakeRecord{}, false, err
	}
	defer tx.Rollback()
	rec, changed, err := e.loadTx(ctx, tx, token)
	if err != nil {
		return domain.IntakeRecord{}, false, err
	}
	if changed {
		if err := commit(tx); err != nil {
			return domain.IntakeRecord{}, false, err
		}
	}
	return rec, changed, nil
}

func (e Engine) Get(ctx context.Context, token string) (domain.IntakeRecord, error) {
	rec, changed, err := e.get(ctx, token)
	if err != nil {
		return rec, err
	}
	if changed {
		e.Hub.Publish(rec.Token, &rec)
	}
	return rec, nil
}

// List returns records newest first. Normalisation is applied to the
// returned copies only.
func (e Engine) List(ctx context.Context, f repo.IntakeFilter) ([]domain.IntakeRecord, error) {
	recs, err := e.Repo.ListIntake(ctx, f)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for i := range recs {
		e.normalizeRecord(&recs[i], now)
	}
	return recs, nil
}

// ListOpen returns the DRAFT or SENT records of a project.
func (e Engine) ListOpen(ctx context.Context, projectID string) ([]domain.IntakeRecord, error) {
	return e.List(ctx, repo.IntakeFilter{ProjectID: projectID, Statuses: openStatuses})
}

// Subscribe calls fn with the current record, or nil when absent, and again
// after every change until cancel is called.
func (e Engine) Subscribe(ctx context.Context, token string, fn func(*domain.IntakeRecord)) (func(), error) {
	if e.Hub == nil {
		return nil, errors.New("subscriptions are not available")
	}
	cancel, err := e.Hub.subscribe(token, fn, func() (*domain.IntakeRecord, bool, error) {
		rec, changed, err := e.get(ctx, token)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return &rec, changed, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AddSubscribers(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			metrics.AddSubscribers(-1)
			cancel()
		})
	}, nil
}

// mutate runs fn against the normalised record inside one transaction,
// persists the result and notifies subscribers.
func (e Engine) mutate(ctx context.Context, token string, fn func(tx *sql.Tx, rec *domain.IntakeRecord, now time.Time) (bool, error)) (domain.IntakeRecord, error) {
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	defer tx.Rollback()
	rec, normalized, err := e.loadTx(ctx, tx, token)
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	now := e.now()
	changed, err := fn(tx, &rec, now)
	if err != nil {
		return rec, err
	}
	if changed {
		rec.UpdatedAt = stamp(now)
		if err := e.Repo.UpdateIntake(ctx, tx, rec); err != nil {
			return domain.IntakeRecord{}, fmt.Errorf("update intake: %w", err)
		}
	}
	if changed || normalized {
		if err := commit(tx); err != nil {
			return domain.IntakeRecord{}, err
		}
		e.Hub.Publish(rec.Token, &rec)
	}
	return rec, nil
}

func validRole(role string) bool {
	switch role {
	case domain.FocusNone, domain.FocusAgency, domain.FocusClient:
		return true
	}
	return false
}

// ClaimFocus overwrites the focus holder. With a configured TTL the claim is
// a lease that lapses unless renewed.
func (e Engine) ClaimFocus(ctx context.Context, token, role, actorID string) (domain.IntakeRecord, error) {
	if !validRole(role) {
		return domain.IntakeRecord{}, fmt.Errorf("%w: unknown focus role %q", ErrInvalidInput, role)
	}
	return e.mutate(ctx, token, func(tx *sql.Tx, rec *domain.IntakeRecord, now time.Time) (bool, error) {
		rec.CurrentFocus = role
		rec.FocusExpiresAt = ""
		if ttl := e.Config.Intake.FocusTTL; ttl > 0 && role != domain.FocusNone {
			rec.FocusExpiresAt = stamp(now.Add(ttl))
		}
		metrics.RecordFocusClaim(role)
		return true, e.appendEvent(ctx, tx, events.IntakeFocus, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{
			"focus": role, "expires_at": rec.FocusExpiresAt,
		})
	})
}

// ReleaseFocus clears the focus. A non-empty role only releases a claim held
// by that role.
func (e Engine) ReleaseFocus(ctx context.Context, token, role, actorID string) (domain.IntakeRecord, error) {
	return e.mutate(ctx, token, func(tx *sql.Tx, rec *domain.IntakeRecord, now time.Time) (bool, error) {
		if rec.CurrentFocus == "" || rec.CurrentFocus == domain.FocusNone {
			return false, nil
		}
		if role != "" && rec.CurrentFocus != role {
			return false, nil
		}
		rec.CurrentFocus = domain.FocusNone
		rec.FocusExpiresAt = ""
		return true, e.appendEvent(ctx, tx, events.IntakeFocus, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{"focus": domain.FocusNone})
	})
}

func checkAnswers(answers map[string]json.RawMessage) error {
	for k, v := range answers {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: empty question id", ErrInvalidInput)
		}
		if !json.Valid(v) {
			return fmt.Errorf("%w: answer %q is not valid JSON", ErrInvalidInput, k)
		}
	}
	return nil
}

// SaveAnswers replaces the whole answers map. Locked records are left
// untouched and ErrLocked is returned.
func (e Engine) SaveAnswers(ctx context.Context, token string, answers map[string]json.RawMessage, actorID string) (domain.IntakeRecord, error) {
	if err := checkAnswers(answers); err != nil {
		return domain.IntakeRecord{}, err
	}
	rec, err := e.mutate(ctx, token, func(tx *sql.Tx, rec *domain.IntakeRecord, now time.Time) (bool, error) {
		if rec.Locked {
			return false, ErrLocked
		}
		ts := stamp(now)
		rec.Answers = make(map[string]json.RawMessage, len(answers))
		rec.AnswerStamps = make(map[string]string, len(answers))
		for k, v := range answers {
			rec.Answers[k] = append(json.RawMessage(nil), v...)
			rec.AnswerStamps[k] = ts
		}
		return true, e.appendEvent(ctx, tx, events.IntakeAnswers, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{
			"mode": "replace", "fields": len(answers),
		})
	})
	metrics.RecordAnswerSave("replace", err)
	return rec, err
}

// MergeAnswers applies a per-field last-writer-wins patch. Each field is
// written only if at is not older than its stored stamp; a JSON null removes
// the answer. A zero at means now.
func (e Engine) MergeAnswers(ctx context.Context, token string, patch map[string]json.RawMessage, at time.Time, actorID string) (domain.IntakeRecord, error) {
	if err := checkAnswers(patch); err != nil {
		return domain.IntakeRecord{}, err
	}
	rec, err := e.mutate(ctx, token, func(tx *sql.Tx, rec *domain.IntakeRecord, now time.Time) (bool, error) {
		if rec.Locked {
			return false, ErrLocked
		}
		when := at
		if when.IsZero() {
			when = now
		}
		if rec.Answers == nil {
			rec.Answers = map[string]json.RawMessage{}
		}
		if rec.AnswerStamps == nil {
			rec.AnswerStamps = map[string]string{}
		}
		var touched []string
		for k, v := range patch {
			if prev, ok := rec.AnswerStamps[k]; ok {
				if pt, err := time.Parse(time.RFC3339Nano, prev); err == nil && when.Before(pt) {
					continue
				}
			}
			if strings.TrimSpace(string(v)) == "null" {
				delete(rec.Answers, k)
			} else {
				rec.Answers[k] = append(json.RawMessage(nil), v...)
			}
			rec.AnswerStamps[k] = stamp(when)
			touched = append(touched, k)
		}
		if len(touched) == 0 {
			return false, nil
		}
		return true, e.appendEvent(ctx, tx, events.IntakeAnswers, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{
			"mode": "merge", "fields": touched,
		})
	})
	metrics.RecordAnswerSave("merge", err)
	return rec, err
}

// Validate completes and locks a record and raises BRIEF_COMPLETED for its
// project. Validating a completed record changes nothing.
func (e Engine) Validate(ctx context.Context, token, actorID string) (domain.IntakeRecord, error) {
	rec, err := e.mutate(ctx, token, func(tx *sql.Tx, rec *domain.IntakeRecord, now time.Time) (bool, error) {
		if rec.Status == domain.IntakeCompleted {
			return false, nil
		}
		if err := ensureIntakeTransition(rec.Status, domain.IntakeCompleted); err != nil {
			return false, err
		}
		rec.Status = domain.IntakeCompleted
		rec.Locked = true
		rec.CompletedAt = stamp(now)
		rec.CurrentFocus = domain.FocusNone
		rec.FocusExpiresAt = ""
		if err := e.appendEvent(ctx, tx, events.IntakeCompleted, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{
			"answers": len(rec.Answers),
		}); err != nil {
			return false, err
		}
		if err := e.raiseBriefCompleted(ctx, tx, rec.ProjectID, actorID); err != nil {
			return false, err
		}
		metrics.RecordValidation()
		return true, nil
	})
	if err == nil && rec.Status == domain.IntakeCompleted {
		e.logger().Info("intake record validated", "project", rec.ProjectID)
	}
	return rec, err
}

// Dispatch marks a record SENT and returns the mail composer URL carrying
// its link.
func (e Engine) Dispatch(ctx context.Context, token, actorID string) (domain.IntakeRecord, string, error) {
	rec, err := e.mutate(ctx, token, func(tx *sql.Tx, rec *domain.IntakeRecord, now time.Time) (bool, error) {
		if err := ensureIntakeTransition(rec.Status, domain.IntakeSent); err != nil {
			return false, err
		}
		rec.Status = domain.IntakeSent
		rec.DispatchMethod = domain.DispatchEmail
		rec.SentAt = stamp(now)
		return true, e.appendEvent(ctx, tx, events.IntakeSent, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{"dispatch": domain.DispatchEmail})
	})
	if err != nil {
		return rec, "", err
	}
	return rec, MailtoURL(e.Config.Intake.MailSubject, e.Config.Agency.Name, rec.Link), nil
}

// Open resolves a public link. A record filed under another project is a
// security mismatch rather than a miss.
func (e Engine) Open(ctx context.Context, projectID, token string) (domain.IntakeRecord, error) {
	rec, err := e.Get(ctx, token)
	if err != nil {
		return domain.IntakeRecord{}, err
	}
	if rec.ProjectID != projectID {
		e.logger().Warn("intake link project mismatch", "requested_project", projectID)
		return domain.IntakeRecord{}, ErrSecurityMismatch
	}
	return rec, nil
}

// Form resolves a public link and assembles the record's form.
func (e Engine) Form(ctx context.Context, projectID, token string) (domain.IntakeRecord, schema.Schema, error) {
	rec, err := e.Open(ctx, projectID, token)
	if err != nil {
		return domain.IntakeRecord{}, schema.Schema{}, err
	}
	return rec, schema.Build(e.Catalog, rec.Config.SectorName, rec.Config.Channels, rec.Config.DistributionContext), nil
}

func (e Engine) Delete(ctx context.Context, token, actorID string) error {
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rec, err := e.Repo.GetIntakeTx(ctx, tx, token)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteIntake(ctx, tx, token); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.IntakeDeleted, rec.ProjectID, "intake", rec.Token, actorID, events.EventPayload{"status": rec.Status}); err != nil {
		return err
	}
	if err := commit(tx); err != nil {
		return err
	}
	e.Hub.Publish(token, nil)
	return nil
}
