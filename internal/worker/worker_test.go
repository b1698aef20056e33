package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trade-service/internal/models"
	"trade-service/internal/service"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*models.Event
}

func (s *recordingSink) Publish(ctx context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func TestRealtimeWorkerRelaysEvents(t *testing.T) {
	sink := &recordingSink{}
	w := NewRealtimeWorker(nil, sink)

	event := models.Event{
		EventID:    "e-1",
		Type:       models.EventTypeTradeUpdate,
		TradeID:    "t-1",
		NewStatus:  string(models.TradeStatusCancelled),
		Recipients: []string{"buyer", "seller"},
	}
	value, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: value}))

	// acks are hub-local and never travel through Kafka
	ack, _ := json.Marshal(models.Event{Type: models.EventTypeSubscriptionAck})
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: ack}))

	require.Len(t, sink.events, 1)
	assert.Equal(t, "t-1", sink.events[0].TradeID)
	assert.Equal(t, []string{"buyer", "seller"}, sink.events[0].Recipients)

	assert.Error(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(ctx context.Context) (service.SweepResult, error) {
	s.calls.Add(1)
	return service.SweepResult{}, s.err
}

func TestSweepWorkerRunsUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("database unavailable")}
	w := NewSweepWorker(sweeper, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweep worker did not stop")
	}
}
