// Package notify forwards autopilot cycle notifications to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"briefloop/internal/autopilot"
)

// Publisher is the part of *nats.Conn the observer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published for each notification.
type Message struct {
	Kind        string `json:"kind"`
	Stage       string `json:"stage"`
	CycleNumber int    `json:"cycle_number"`
	Enabled     bool   `json:"enabled"`
	Version     int64  `json:"version"`
	At          string `json:"at"`
}

// Observer publishes every cycle notification on "<subject>.<kind>".
type Observer struct {
	pub     Publisher
	subject string
	logger  *slog.Logger
}

func NewObserver(pub Publisher, subject string, logger *slog.Logger) *Observer {
	if subject == "" {
		subject = "briefloop.cycle"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{pub: pub, subject: subject, logger: logger}
}

func (o *Observer) OnCycle(ctx context.Context, n autopilot.Notification) {
	if err := ctx.Err(); err != nil {
		return
	}
	data, err := json.Marshal(Encode(n))
	if err != nil {
		o.logger.Error("encode cycle notification", "error", err)
		return
	}
	subject := o.subject + "." + n.Kind
	if err := o.pub.Publish(subject, data); err != nil {
		o.logger.Warn("publish cycle notification", "subject", subject, "error", err)
	}
}

func Encode(n autopilot.Notification) Message {
	return Message{
		Kind:        n.Kind,
		Stage:       n.State.Stage,
		CycleNumber: n.State.CycleNumber,
		Enabled:     n.State.Enabled,
		Version:     n.State.Version,
		At:          n.At.UTC().Format(time.RFC3339),
	}
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}
