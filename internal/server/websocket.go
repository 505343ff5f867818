package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"briefloop/internal/domain"
	"briefloop/internal/engine"
	"briefloop/internal/repo"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	outboxSize     = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client to server message types.
const (
	msgFocus   = "focus"
	msgRelease = "release"
	msgAnswers = "answers"
)

type clientMessage struct {
	Type    string                     `json:"type"`
	Answers map[string]json.RawMessage `json:"answers,omitempty"`
}

type snapshotMessage struct {
	Type   string               `json:"type"`
	Record *domain.IntakeRecord `json:"record"`
}

type errorMessage struct {
	Type  string       `json:"type"`
	Error apiErrorBody `json:"error"`
}

type socketConfig struct {
	engine   engine.Engine
	debounce time.Duration
	logger   *slog.Logger
}

func registerSockets(r chi.Router, basePath string, sc socketConfig) {
	r.Get(path.Join(basePath, "ws/intake/{token}"), sc.handle(false))
	r.Get(path.Join(basePath, "public/brief/{project_id}/{token}/ws"), sc.handle(true))
}

func (sc socketConfig) handle(public bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		s := &socketSession{
			engine: sc.engine,
			token:  token,
			public: public,
			logger: sc.logger,
			out:    make(chan any, outboxSize),
			done:   make(chan struct{}),
		}
		if public {
			if _, err := sc.engine.Open(r.Context(), chi.URLParam(r, "project_id"), token); err != nil {
				respondStatusError(w, publicError(err))
				return
			}
			s.role, s.actor = domain.FocusClient, ClientActor
		} else {
			actor, authErr := actorIDFromContext(r.Context())
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}
			s.role, s.actor = domain.FocusAgency, actor
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sc.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		s.conn = conn
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()
		s.answers = &answerBuffer{delay: sc.debounce, save: func(patch map[string]json.RawMessage) {
			if _, err := s.engine.MergeAnswers(ctx, s.token, patch, time.Time{}, s.actor); err != nil {
				s.sendError(err)
			}
		}}
		s.serve(ctx)
	}
}

// socketSession streams one intake record to one editor and applies the
// editor's focus and answer messages.
type socketSession struct {
	engine  engine.Engine
	token   string
	public  bool
	role    string
	actor   string
	logger  *slog.Logger
	conn    *websocket.Conn
	answers *answerBuffer

	out  chan any
	done chan struct{}
}

func (s *socketSession) serve(ctx context.Context) {
	defer s.conn.Close()
	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)

	cancel, err := s.engine.Subscribe(ctx, s.token, func(rec *domain.IntakeRecord) {
		s.send(snapshotMessage{Type: "snapshot", Record: rec})
	})
	if err != nil {
		s.sendError(err)
	} else {
		s.readLoop(ctx)
		s.answers.flush()
		if _, err := s.engine.ReleaseFocus(ctx, s.token, s.role, s.actor); err != nil && !errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("release focus on disconnect", "error", err)
		}
		cancel()
	}
	close(s.done)
	<-writerDone
}

func (s *socketSession) send(msg any) {
	select {
	case s.out <- msg:
	case <-s.done:
	}
}

func (s *socketSession) sendError(err error) {
	var se huma.StatusError
	if s.public {
		se = publicError(err)
	} else {
		se = handleError(err)
	}
	body := apiErrorBody{Code: "internal_error", Message: "internal error"}
	if ae, ok := se.(*apiError); ok {
		body = ae.Body
	}
	s.send(errorMessage{Type: "error", Error: body})
}

func (s *socketSession) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(errorMessage{Type: "error", Error: apiErrorBody{Code: "bad_request", Message: "malformed message"}})
			continue
		}
		switch msg.Type {
		case msgFocus:
			_, err = s.engine.ClaimFocus(ctx, s.token, s.role, s.actor)
		case msgRelease:
			_, err = s.engine.ReleaseFocus(ctx, s.token, s.role, s.actor)
		case msgAnswers:
			s.answers.add(msg.Answers)
		default:
			s.send(errorMessage{Type: "error", Error: apiErrorBody{Code: "bad_request", Message: "unknown message type", Details: map[string]any{"type": msg.Type}}})
		}
		if err != nil {
			s.sendError(err)
		}
	}
}

func (s *socketSession) writeLoop(done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

// answerBuffer coalesces answer patches arriving within delay of each other
// into one save. Later values for a field replace earlier ones.
type answerBuffer struct {
	delay time.Duration
	save  func(map[string]json.RawMessage)

	mu      sync.Mutex
	pending map[string]json.RawMessage
	timer   *time.Timer
}

func (b *answerBuffer) add(patch map[string]json.RawMessage) {
	if len(patch) == 0 {
		return
	}
	b.mu.Lock()
	if b.pending == nil {
		b.pending = make(map[string]json.RawMessage, len(patch))
	}
	for k, v := range patch {
		b.pending[k] = v
	}
	if b.delay <= 0 {
		b.mu.Unlock()
		b.flush()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.flush)
	b.mu.Unlock()
}

func (b *answerBuffer) flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(pending) > 0 {
		b.save(pending)
	}
}
