package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/stage"
	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher hands an event to the broker. Implementations must not block
// the caller on a slow broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, env orders.Envelope) error
}

// failureNamespace seeds deterministic settlement failure event ids, so a
// webhook retried against the same broken checkout lands on one queue entry.
var failureNamespace = uuid.MustParse("5b0f3c1e-9a4e-4c7d-8f0e-3d2b6c1a7e90")

// Notifier publishes settlement events after the fact; a publish failure is
// logged and never undoes a committed settlement.
type Notifier struct {
	pub      Publisher
	producer string
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewNotifier(pub Publisher, producer string, log *zap.Logger, m *metrics.Metrics) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{pub: pub, producer: producer, log: log, metrics: m, now: time.Now}
}

func (n *Notifier) OrderMaterialized(ctx context.Context, tc tenant.Context, t *orders.Transaction, m *Materialized) {
	items := make([]orders.MaterializedItem, 0, len(m.Items))
	for _, it := range m.Items {
		items = append(items, orders.MaterializedItem{
			ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity, FinalPrice: it.FinalPrice,
		})
	}
	env, err := orders.NewEnvelope(orders.EventOrderMaterialized, n.producer, tc.ID, m.Order.InvoiceID, n.now(),
		orders.OrderMaterializedPayload{
			OrderID:        m.Order.ID,
			OrderNumber:    m.Order.Number,
			InvoiceID:      m.Order.InvoiceID,
			TransactionID:  t.ID,
			UserID:         m.Order.UserID,
			Total:          m.Order.Total,
			DiscountAmount: m.Order.DiscountAmount,
			Items:          items,
		})
	if err != nil {
		n.log.Error("event_encode_failed", zap.String("event_type", orders.EventOrderMaterialized), zap.Error(err))
		return
	}
	n.publish(ctx, orders.TopicOrderMaterialized, env)
}

func (n *Notifier) SettlementFailed(ctx context.Context, tc tenant.Context, t *orders.Transaction, reason string, cause error) {
	n.metrics.SettlementFailure(reason)
	env, err := orders.NewEnvelope(orders.EventSettlementFailed, n.producer, tc.ID, t.InvoiceID, n.now(),
		orders.SettlementFailedPayload{
			InvoiceID:     t.InvoiceID,
			TransactionID: t.ID,
			Reason:        reason,
			Detail:        cause.Error(),
		})
	if err != nil {
		n.log.Error("event_encode_failed", zap.String("event_type", orders.EventSettlementFailed), zap.Error(err))
		return
	}
	env.EventID = uuid.NewSHA1(failureNamespace, []byte(tc.ID+"/"+t.ID+"/"+reason)).String()
	n.publish(ctx, orders.TopicSettlementFailed, env)
}

func (n *Notifier) publish(ctx context.Context, topic string, env orders.Envelope) {
	log := n.log.With(zap.String("topic", topic), zap.String("event_id", env.EventID),
		zap.String("invoice_id", env.CorrelationID))
	if n.pub == nil {
		log.Info("event_not_published", zap.String("reason", "no publisher"))
		n.metrics.EventPublished(topic, "skipped")
		return
	}
	if err := n.pub.Publish(ctx, topic, orders.PartitionKey(env.CorrelationID), env); err != nil {
		log.Warn("event_publish_failed", zap.Error(err))
		n.metrics.EventPublished(topic, "dropped")
		return
	}
	n.metrics.EventPublished(topic, "queued")
}

func isStageMissing(err error) bool { return errors.Is(err, stage.ErrStageMissing) }

// failureReason maps a materialization error to its reconciliation reason.
// The second result is false for errors a retry may clear.
func failureReason(err error) (string, bool) {
	switch {
	case isStageMissing(err):
		return orders.FailureStageMissing, true
	case errors.Is(err, orders.ErrInsufficientStock):
		return orders.FailureInsufficientStock, true
	case errors.Is(err, ErrPriceDrift):
		return orders.FailurePriceDrift, true
	}
	if _, ok := discount.ReasonOf(err); ok {
		return orders.FailureDiscountRejected, true
	}
	return orders.FailureInternal, false
}
