package stage

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
)

// ErrStageMissing means the pending order for an invoice is gone (expired,
// evicted or never written). Without it no order can be materialized.
var ErrStageMissing = errors.New("stage: pending order missing")

// Line is one cart line as priced at checkout. UnitPrice is the product or
// variant price read from the catalog, FinalPrice the campaign price per unit.
type Line struct {
	ProductID  int64  `json:"product_id"`
	VariantID  *int64 `json:"variant_id,omitempty"`
	CategoryID int64  `json:"category_id"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
	FinalPrice int64  `json:"final_price"`
	CampaignID *int64 `json:"campaign_id,omitempty"`
}

func (l Line) Item(tenantID string) pricing.Item {
	return pricing.Item{
		TenantID:   tenantID,
		ProductID:  l.ProductID,
		VariantID:  l.VariantID,
		CategoryID: l.CategoryID,
		Price:      l.UnitPrice,
	}
}

type Customer struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
	Address    string `json:"address"`
	PostalCode string `json:"postal_code"`
	Note       string `json:"note,omitempty"`
}

type Delivery struct {
	Method string `json:"method"`
	Fee    int64  `json:"fee"`
}

// PendingOrder is everything needed to build the order once payment is
// verified. Campaigns holds the campaigns as they were evaluated at PricedAt.
type PendingOrder struct {
	InvoiceID      string             `json:"invoice_id"`
	TenantID       string             `json:"tenant_id"`
	UserID         string             `json:"user_id"`
	Lines          []Line             `json:"lines"`
	Campaigns      []pricing.Campaign `json:"campaigns"`
	PricedAt       time.Time          `json:"priced_at"`
	Subtotal       int64              `json:"subtotal"`
	DiscountCode   string             `json:"discount_code,omitempty"`
	DiscountAmount int64              `json:"discount_amount"`
	Delivery       Delivery           `json:"delivery"`
	Total          int64              `json:"total"`
	Customer       Customer           `json:"customer"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Stage stores pending orders keyed by invoice id. Get returns
// ErrStageMissing when nothing is stored; Delete of a missing entry is not
// an error.
type Stage interface {
	Put(ctx context.Context, p *PendingOrder) error
	Get(ctx context.Context, invoiceID string) (*PendingOrder, error)
	Delete(ctx context.Context, invoiceID string) error
}
