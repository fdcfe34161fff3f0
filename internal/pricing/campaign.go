package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type Campaign struct {
	ID                int64           `json:"id"`
	TenantID          string          `json:"tenant_id"`
	Name              string          `json:"name"`
	Type              DiscountType    `json:"type"`
	Value             decimal.Decimal `json:"discount_value"`
	MaxDiscountAmount *int64          `json:"max_discount_amount,omitempty"`
	StartsAt          *time.Time      `json:"starts_at,omitempty"`
	EndsAt            *time.Time      `json:"ends_at,omitempty"`
	IsActive          bool            `json:"is_active"`
	Priority          int             `json:"priority"`
	CreatedAt         time.Time       `json:"created_at"`
	Targets           Targets         `json:"targets"`
}

// Running reports whether the campaign is switched on and its window contains at.
func (c Campaign) Running(at time.Time) bool {
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

// AppliesTo reports whether any target matches the item's product or category.
func (c Campaign) AppliesTo(it Item) bool {
	for _, t := range c.Targets {
		if t.matches(it) {
			return true
		}
	}
	return false
}

// DiscountFor computes the campaign discount on a single unit price.
func (c Campaign) DiscountFor(price int64) int64 {
	return ComputeDiscount(c.Type, c.Value, c.MaxDiscountAmount, price)
}

var hundred = decimal.NewFromInt(100)

// ComputeDiscount is shared by campaigns and discount codes:
// percentage -> floor(amount*value/100) capped by maxDiscount, fixed -> value,
// and in both cases clamped into [0, amount].
func ComputeDiscount(typ DiscountType, value decimal.Decimal, maxDiscount *int64, amount int64) int64 {
	if amount <= 0 || value.Sign() <= 0 {
		return 0
	}
	var d int64
	switch typ {
	case DiscountPercentage:
		d = decimal.NewFromInt(amount).Mul(value).Div(hundred).Floor().IntPart()
		if maxDiscount != nil && d > *maxDiscount {
			d = *maxDiscount
		}
	case DiscountFixed:
		d = value.Floor().IntPart()
	default:
		return 0
	}
	if d > amount {
		d = amount
	}
	if d < 0 {
		d = 0
	}
	return d
}
