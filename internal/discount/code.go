package discount

import (
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/shopspring/decimal"
)

type Code struct {
	ID                int64
	TenantID          string
	Code              string
	Type              pricing.DiscountType
	Value             decimal.Decimal
	UsageLimit        *int
	UsedCount         int
	MinOrderAmount    *int64
	MaxDiscountAmount *int64
	StartsAt          *time.Time
	EndsAt            *time.Time
	IsActive          bool
	CreatedAt         time.Time
}

// Usage is one consumption of a code by a user for an order.
type Usage struct {
	ID             int64
	CodeID         int64
	UserID         string
	OrderID        string
	DiscountAmount int64
	UsedAt         time.Time
}

func (c *Code) running(at time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.StartsAt != nil && at.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && at.After(*c.EndsAt) {
		return false
	}
	return true
}

func (c *Code) exhausted() bool {
	return c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit
}

// DiscountFor computes the code's discount against an order amount.
func (c *Code) DiscountFor(amount int64) int64 {
	return pricing.ComputeDiscount(c.Type, c.Value, c.MaxDiscountAmount, amount)
}
