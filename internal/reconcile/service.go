package reconcile

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-storefront-settlement/internal/kafka"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const dedupScope = "reconciler"

// Recorder is where settlement failures are queued for manual reconciliation.
type Recorder interface {
	RecordSettlementFailure(ctx context.Context, f *orders.SettlementFailure) (bool, error)
}

// Service turns SettlementFailed events into reconciliation queue rows.
// Redis dedup is an optimization; the queue itself is idempotent by event id.
type Service struct {
	Store  Recorder
	Redis  *redis.Client // optional
	Log    *zap.Logger
	Notify func(env orders.Envelope) // optional hook for other event types
}

// HandleMessage is installed as the Kafka consumer handler.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		// A poison message would block the partition forever.
		s.log().Error("reconcile_bad_message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	return s.Handle(ctx, env)
}

func (s *Service) Handle(ctx context.Context, env orders.Envelope) error {
	if env.EventType != orders.EventSettlementFailed {
		if s.Notify != nil {
			s.Notify(env)
		}
		return nil
	}
	log := s.log().With(zap.String("event_id", env.EventID), zap.String("tenant_id", env.TenantID),
		zap.String("invoice_id", env.CorrelationID))

	var dkey string
	if s.Redis != nil {
		dkey = fmt.Sprintf(redisx.KeyDedup, dedupScope, env.EventID)
		won, err := redisx.Claim(ctx, s.Redis, dkey, redisx.TTLDedup)
		switch {
		case err != nil:
			log.Warn("reconcile_dedup_unavailable", zap.Error(err))
			dkey = ""
		case !won:
			log.Debug("reconcile_duplicate_event")
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.SettlementFailedPayload](env.Payload)
	if err != nil {
		log.Error("reconcile_bad_payload", zap.Error(err))
		return nil
	}
	f := &orders.SettlementFailure{
		EventID:       env.EventID,
		TenantID:      env.TenantID,
		InvoiceID:     p.InvoiceID,
		TransactionID: p.TransactionID,
		Reason:        p.Reason,
		Detail:        p.Detail,
		OccurredAt:    env.OccurredAt,
	}
	inserted, err := s.Store.RecordSettlementFailure(ctx, f)
	if err != nil {
		if dkey != "" {
			if rerr := redisx.Release(ctx, s.Redis, dkey); rerr != nil {
				log.Warn("reconcile_dedup_release_failed", zap.Error(rerr))
			}
		}
		return fmt.Errorf("record settlement failure %s: %w", env.EventID, err)
	}
	if inserted {
		log.Warn("settlement_queued_for_reconciliation", zap.String("reason", p.Reason),
			zap.String("transaction_id", p.TransactionID))
	}
	return nil
}

func (s *Service) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Direct delivers events to the service in-process, for deployments without
// a broker.
type Direct struct {
	Service *Service
}

func (d Direct) Publish(ctx context.Context, _ string, _ []byte, env orders.Envelope) error {
	return d.Service.Handle(ctx, env)
}
