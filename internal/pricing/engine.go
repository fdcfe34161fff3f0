package pricing

import (
	"sort"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
)

// Item is one priceable unit: a product, optionally narrowed to a variant
// whose price overrides the product price.
type Item struct {
	TenantID   string `json:"tenant_id"`
	ProductID  int64  `json:"product_id"`
	VariantID  *int64 `json:"variant_id,omitempty"`
	CategoryID int64  `json:"category_id"`
	Price      int64  `json:"price"`
}

type Quote struct {
	OriginalPrice   int64     `json:"original_price"`
	DiscountedPrice int64     `json:"discounted_price"`
	DiscountAmount  int64     `json:"discount_amount"`
	Campaign        *Campaign `json:"campaign,omitempty"`
}

// PriceFor selects the best campaign for it among campaigns as of at and
// returns the resulting unit price. It has no side effects.
func PriceFor(it Item, campaigns []Campaign, at time.Time) Quote {
	q := Quote{OriginalPrice: it.Price, DiscountedPrice: it.Price}
	if it.Price <= 0 {
		q.DiscountedPrice = max(it.Price, 0)
		q.OriginalPrice = q.DiscountedPrice
		return q
	}
	best := Select(it, campaigns, at)
	if best == nil {
		return q
	}
	d := best.DiscountFor(it.Price)
	q.DiscountAmount = d
	q.DiscountedPrice = it.Price - d
	if d > 0 {
		c := *best
		q.Campaign = &c
	}
	return q
}

// Select returns the applicable campaign with the highest priority. Equal
// priorities fall back to the newest campaign and then the highest id, so the
// choice never depends on storage row order.
func Select(it Item, campaigns []Campaign, at time.Time) *Campaign {
	eligible := make([]Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		if it.TenantID != "" && c.TenantID != it.TenantID {
			continue
		}
		if !c.Running(at) || !c.AppliesTo(it) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool { return ranksBefore(eligible[i], eligible[j]) })
	return &eligible[0]
}

func ranksBefore(a, b Campaign) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Engine prices against the wall clock for read paths such as product listings.
type Engine struct {
	now func() time.Time
}

func NewEngine(clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{now: clock}
}

func (e *Engine) Now() time.Time { return e.now().UTC() }

func (e *Engine) PriceNow(tc tenant.Context, it Item, active []Campaign) Quote {
	it.TenantID = tc.ID
	return PriceFor(it, active, e.Now())
}
