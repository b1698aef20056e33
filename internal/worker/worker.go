package worker

import (
	"context"
	"time"

	"trade-service/internal/broker"
	"trade-service/internal/models"
	"trade-service/internal/service"
	"trade-service/internal/util"

	"go.uber.org/zap"
)

// EventSink receives events relayed from Kafka; realtime.Hub satisfies it
type EventSink interface {
	Publish(ctx context.Context, event *models.Event) error
}

// RealtimeWorker relays trade events from Kafka into this instance's hub.
// Every instance consumes with its own group so that each hub sees every event.
type RealtimeWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	sink         EventSink
}

// NewRealtimeWorker creates a new realtime worker
func NewRealtimeWorker(consumer *broker.Consumer, sink EventSink) *RealtimeWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnEvent(sink.Publish)

	return &RealtimeWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		sink:         sink,
	}
}

// Start starts the worker
func (w *RealtimeWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting realtime worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *RealtimeWorker) Stop() error {
	util.GetLogger().Info("Stopping realtime worker")
	return w.consumer.Close()
}

// Sweeper runs one expiry pass
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// SweepWorker runs the sweeper on a fixed interval
type SweepWorker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewSweepWorker creates a new sweep worker
func NewSweepWorker(sweeper Sweeper, interval time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepWorker{
		sweeper:  sweeper,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start sweeps once right away and then on every tick until ctx is cancelled
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sweep worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping sweep worker")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	if _, err := w.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("Sweep failed", zap.Error(err))
	}
}
