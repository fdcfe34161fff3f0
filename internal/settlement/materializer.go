package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/ariefcatur/go-storefront-settlement/internal/stage"
	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const orderNumberPrefix = "ORD-"

// Materialized is what one successful materialization wrote.
type Materialized struct {
	Order orders.Order
	Items []orders.OrderItem
	Sales []orders.CampaignSale
	Usage *discount.Usage
}

// Materializer turns a staged checkout into an order. It only ever runs inside
// the caller's transaction, after the invoice and transaction rows are locked.
type Materializer struct {
	stage  stage.Stage
	ledger *discount.Ledger
	log    *zap.Logger
	now    func() time.Time
}

func NewMaterializer(st stage.Stage, ledger *discount.Ledger, log *zap.Logger, clock func() time.Time) *Materializer {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Materializer{stage: st, ledger: ledger, log: log, now: clock}
}

type pricedLine struct {
	line  stage.Line
	quote pricing.Quote
}

// Materialize writes the order, its items and campaign sales, decrements
// stock, consumes the discount code and links the invoice. Any error leaves
// the caller's transaction to be rolled back.
func (m *Materializer) Materialize(ctx context.Context, tx orders.Tx, tc tenant.Context, inv *orders.Invoice, t *orders.Transaction) (*Materialized, error) {
	log := m.log.With(zap.String("tenant_id", tc.ID), zap.String("invoice_id", inv.ID), zap.String("transaction_id", t.ID))

	p, err := m.stage.Get(ctx, inv.ID)
	if err != nil {
		if isStageMissing(err) {
			log.Error("settlement_stage_missing", zap.Error(err))
		}
		return nil, err
	}
	if p.TenantID != tc.ID || p.InvoiceID != inv.ID {
		return nil, fmt.Errorf("%w: stage belongs to %s/%s", stage.ErrStageMissing, p.TenantID, p.InvoiceID)
	}

	// Re-price with the campaigns captured at checkout before writing anything.
	priced := make([]pricedLine, 0, len(p.Lines))
	var subtotal int64
	for _, l := range p.Lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d quantity %d", ErrPriceDrift, l.ProductID, l.Quantity)
		}
		q := pricing.PriceFor(l.Item(tc.ID), p.Campaigns, p.PricedAt)
		if q.DiscountedPrice != l.FinalPrice {
			log.Error("settlement_price_drift", zap.Int64("product_id", l.ProductID),
				zap.Int64("staged", l.FinalPrice), zap.Int64("repriced", q.DiscountedPrice))
			return nil, fmt.Errorf("%w: product %d staged %d repriced %d", ErrPriceDrift, l.ProductID, l.FinalPrice, q.DiscountedPrice)
		}
		subtotal += q.DiscountedPrice * int64(l.Quantity)
		priced = append(priced, pricedLine{line: l, quote: q})
	}
	total := subtotal - p.DiscountAmount + p.Delivery.Fee
	if subtotal != p.Subtotal || total != p.Total || total != inv.Amount {
		log.Error("settlement_total_mismatch", zap.Int64("subtotal", subtotal), zap.Int64("total", total),
			zap.Int64("staged_total", p.Total), zap.Int64("invoice_amount", inv.Amount))
		return nil, fmt.Errorf("%w: total %d, staged %d, invoice %d", ErrPriceDrift, total, p.Total, inv.Amount)
	}

	now := m.now().UTC()
	out := &Materialized{Order: orders.Order{
		ID:             uuid.NewString(),
		TenantID:       tc.ID,
		Number:         orderNumberPrefix + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		UserID:         p.UserID,
		InvoiceID:      inv.ID,
		Status:         orders.OrderProcessing,
		Subtotal:       subtotal,
		DiscountCode:   p.DiscountCode,
		DiscountAmount: p.DiscountAmount,
		DeliveryFee:    p.Delivery.Fee,
		Total:          total,
		CustomerName:   p.Customer.Name,
		CustomerPhone:  p.Customer.Phone,
		Address:        p.Customer.Address,
		PostalCode:     p.Customer.PostalCode,
		DeliveryMethod: p.Delivery.Method,
		Note:           p.Customer.Note,
		CreatedAt:      now,
	}}
	if err := tx.InsertOrder(ctx, &out.Order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, pl := range priced {
		l, q := pl.line, pl.quote
		if l.VariantID != nil {
			err = tx.DecrementVariantStock(ctx, *l.VariantID, l.Quantity)
		} else {
			err = tx.DecrementProductStock(ctx, l.ProductID, l.Quantity)
		}
		if err != nil {
			log.Warn("settlement_stock_rejected", zap.Int64("product_id", l.ProductID), zap.Error(err))
			return nil, err
		}

		item := orders.OrderItem{
			OrderID:    out.Order.ID,
			ProductID:  l.ProductID,
			VariantID:  l.VariantID,
			Quantity:   l.Quantity,
			UnitPrice:  q.OriginalPrice,
			FinalPrice: q.DiscountedPrice,
			Total:      q.DiscountedPrice * int64(l.Quantity),
		}
		if err := tx.InsertOrderItem(ctx, &item); err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
		out.Items = append(out.Items, item)

		if q.Campaign == nil || q.DiscountAmount == 0 {
			continue
		}
		sale := orders.CampaignSale{
			TenantID:       tc.ID,
			CampaignID:     q.Campaign.ID,
			OrderID:        out.Order.ID,
			OrderItemID:    item.ID,
			ProductID:      l.ProductID,
			OriginalPrice:  q.OriginalPrice,
			DiscountAmount: q.DiscountAmount,
			FinalPrice:     q.DiscountedPrice,
			Quantity:       l.Quantity,
			CreatedAt:      now,
		}
		if err := tx.InsertCampaignSale(ctx, &sale); err != nil {
			return nil, fmt.Errorf("insert campaign sale: %w", err)
		}
		out.Sales = append(out.Sales, sale)
	}

	if p.DiscountCode != "" {
		u, err := m.ledger.Consume(ctx, tx, tc, discount.ConsumeRequest{
			OrderID: out.Order.ID,
			Code:    p.DiscountCode,
			UserID:  p.UserID,
			Amount:  p.DiscountAmount,
		})
		if err != nil {
			log.Warn("settlement_discount_rejected", zap.String("code", p.DiscountCode), zap.Error(err))
			return nil, err
		}
		out.Usage = u
	}

	inv.OrderID = &out.Order.ID
	inv.Status = orders.InvoicePaid
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("link invoice: %w", err)
	}
	return out, nil
}
