package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefloop/internal/autopilot"
	"briefloop/internal/domain"
	"briefloop/internal/notify"
)

type fakePublisher struct {
	subjects []string
	bodies   [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return f.err
}

func TestObserverPublishesPerKindSubject(t *testing.T) {
	pub := &fakePublisher{}
	obs := notify.NewObserver(pub, "agency.cycle", nil)
	obs.OnCycle(context.Background(), autopilot.Notification{
		Kind:  autopilot.KindRolledOver,
		State: domain.CycleState{Stage: autopilot.StageAuditBenchmark, CycleNumber: 4, Enabled: true, Version: 9},
		At:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "agency.cycle.rolled_over", pub.subjects[0])
	var msg notify.Message
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, notify.Message{
		Kind: "rolled_over", Stage: "audit_benchmark", CycleNumber: 4, Enabled: true, Version: 9, At: "2024-05-01T12:00:00Z",
	}, msg)
}

func TestObserverSwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("disconnected")}
	obs := notify.NewObserver(pub, "", nil)
	assert.NotPanics(t, func() {
		obs.OnCycle(context.Background(), autopilot.Notification{Kind: autopilot.KindToggled})
	})
	assert.Equal(t, []string{"briefloop.cycle.toggled"}, pub.subjects)
}

func TestObserverSkipsCancelledContext(t *testing.T) {
	pub := &fakePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	notify.NewObserver(pub, "", nil).OnCycle(ctx, autopilot.Notification{Kind: autopilot.KindAdvanced})
	assert.Empty(t, pub.subjects)
}
