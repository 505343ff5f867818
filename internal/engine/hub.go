package engine

import (
	"encoding/json"
	"sync"
	"time"

	"briefloop/internal/domain"
)

// Hub fans intake record changes out to subscribers. Deliveries for one
// subscription run on its own goroutine, in publish order, so callbacks may
// block or call back into the engine without stalling writers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
	last map[string]time.Time
}

type subscription struct {
	token string
	fn    func(*domain.IntakeRecord)

	mu     sync.Mutex
	queue  []*domain.IntakeRecord
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[*subscription]struct{}{},
		last: map[string]time.Time{},
	}
}

// subscribe registers fn and enqueues the snapshot returned by load while
// holding the hub lock, so no publish can slip in ahead of it. When load
// reports that it persisted a repaired record, the other subscribers of token
// receive that record too; the new subscription gets it once, as its initial
// snapshot.
func (h *Hub) subscribe(token string, fn func(*domain.IntakeRecord), load func() (*domain.IntakeRecord, bool, error)) (func(), error) {
	s := &subscription{token: token, fn: fn, wake: make(chan struct{}, 1), done: make(chan struct{})}
	h.mu.Lock()
	initial, changed, err := load()
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if changed && initial != nil {
		h.publishLocked(token, initial)
	}
	if h.subs[token] == nil {
		h.subs[token] = map[*subscription]struct{}{}
	}
	h.subs[token][s] = struct{}{}
	s.push(initial)
	h.mu.Unlock()

	go s.run()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[token], s)
			if len(h.subs[token]) == 0 {
				delete(h.subs, token)
				delete(h.last, token)
			}
			h.mu.Unlock()
			s.close()
		})
	}, nil
}

// Publish delivers rec (nil when deleted) to every subscriber of token.
// Snapshots older than the last one published for the token are dropped.
// Tokens without subscribers are not tracked.
func (h *Hub) Publish(token string, rec *domain.IntakeRecord) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs[token]) == 0 {
		return
	}
	if rec == nil {
		delete(h.last, token)
	}
	h.publishLocked(token, rec)
}

func (h *Hub) publishLocked(token string, rec *domain.IntakeRecord) {
	if rec != nil {
		if ts, err := time.Parse(time.RFC3339Nano, rec.UpdatedAt); err == nil {
			if prev, ok := h.last[token]; ok && ts.Before(prev) {
				return
			}
			h.last[token] = ts
		}
	}
	for s := range h.subs[token] {
		var snap *domain.IntakeRecord
		if rec != nil {
			c := cloneRecord(*rec)
			snap = &c
		}
		s.push(snap)
	}
}

// Subscribers reports how many live subscriptions exist for token.
func (h *Hub) Subscribers(token string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[token])
}

// tracked reports how many tokens hold a last-published timestamp.
func (h *Hub) tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.last)
}

func (s *subscription) push(rec *domain.IntakeRecord) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, rec)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.fn(next)
		}
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

func cloneRecord(rec domain.IntakeRecord) domain.IntakeRecord {
	out := rec
	out.Config.Channels = append([]string(nil), rec.Config.Channels...)
	if rec.Answers != nil {
		out.Answers = make(map[string]json.RawMessage, len(rec.Answers))
		for k, v := range rec.Answers {
			out.Answers[k] = append(json.RawMessage(nil), v...)
		}
	}
	if rec.AnswerStamps != nil {
		out.AnswerStamps = make(map[string]string, len(rec.AnswerStamps))
		for k, v := range rec.AnswerStamps {
			out.AnswerStamps[k] = v
		}
	}
	return out
}
