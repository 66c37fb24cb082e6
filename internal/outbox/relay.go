// Package outbox relays committed outbox rows to Kafka.
package outbox

import (
	"context"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/metrics"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	batchSize    = 100
	pollInterval = time.Second
)

// Store is the slice of the repository the relay drives.
type Store interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Writer is satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Relay struct {
	store Store
	ops   Writer
	log   *zap.SugaredLogger
}

// NewRelay builds a relay. ops receives a copy of every reconciliation entry;
// a nil ops writer leaves those entries on the event topic only.
func NewRelay(store Store, ops Writer, log *zap.SugaredLogger) *Relay {
	return &Relay{store: store, ops: ops, log: log}
}

// Run flushes every pollInterval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	r.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.log.Errorf("poll outbox: %v", err)
			}
		}
	}
}

// Flush relays one batch and returns how many rows were marked processed.
// A row that fails any write stays unprocessed and is retried on the next pass.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		l := r.log.With("outbox_id", evt.ID, "event_type", evt.EventType,
			"aggregate", evt.Aggregate, "aggregate_id", evt.AggregateID)

		if needsOperator(evt.EventType) {
			l.Warnw("manual reconciliation required", "payload", evt.Payload)
			if r.ops != nil {
				if err := r.ops.WriteMessages(ctx, repo.EventMessage(evt)); err != nil {
					l.Errorf("publish to reconciliation topic: %v", err)
					continue
				}
			}
		}
		if err := r.store.PublishEvent(ctx, evt); err != nil {
			l.Errorf("publish: %v", err)
			continue
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			l.Errorf("mark processed: %v", err)
			continue
		}
		metrics.OutboxPublishedTotal.WithLabelValues(evt.EventType).Inc()
		l.Info("event relayed")
		sent++
	}
	return sent, nil
}

func needsOperator(eventType string) bool {
	switch eventType {
	case model.EventSettlementReconciliationRequired, model.EventAdminFeeReconciliationRequired:
		return true
	}
	return false
}
