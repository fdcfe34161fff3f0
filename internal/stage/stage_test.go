package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/shopspring/decimal"
)

func samplePending() *PendingOrder {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	maxDiscount := int64(15000)
	return &PendingOrder{
		InvoiceID: "inv-1",
		TenantID:  "t1",
		UserID:    "u1",
		Lines: []Line{{
			ProductID: 10, CategoryID: 3, Quantity: 2, UnitPrice: 100000, FinalPrice: 85000,
		}},
		Campaigns: []pricing.Campaign{{
			ID: 1, TenantID: "t1", Type: pricing.DiscountPercentage, Value: decimal.NewFromInt(20),
			MaxDiscountAmount: &maxDiscount, IsActive: true, CreatedAt: at.Add(-time.Hour),
			Targets: pricing.Targets{pricing.ProductTarget{ID: 10}, pricing.CategoryTarget{ID: 3}},
		}},
		PricedAt: at,
		Subtotal: 170000,
		Delivery: Delivery{Method: "post", Fee: 30000},
		Total:    200000,
		Customer: Customer{Name: "Sara", Phone: "0912"},
	}
}

func TestRedisRoundTripKeepsPricingInputs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	defer rdb.Close()
	s := NewRedis(rdb, time.Hour)
	ctx := context.Background()

	p := samplePending()
	if err := s.Put(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, p.InvoiceID)
	if err != nil {
		t.Fatal(err)
	}
	it := got.Lines[0].Item(got.TenantID)
	q := pricing.PriceFor(it, got.Campaigns, got.PricedAt)
	if q.DiscountedPrice != got.Lines[0].FinalPrice {
		t.Fatalf("re-priced %d, staged %d", q.DiscountedPrice, got.Lines[0].FinalPrice)
	}
	if ttl := mr.TTL("stage:pending_order:inv-1"); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestRedisExpiryIsMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	defer rdb.Close()
	s := NewRedis(rdb, time.Minute)
	ctx := context.Background()

	if err := s.Put(ctx, samplePending()); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "inv-1"); !errors.Is(err, ErrStageMissing) {
		t.Fatalf("err = %v", err)
	}
	if err := s.Delete(ctx, "inv-1"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Now()
	m := NewMemory(time.Minute, func() time.Time { return now })
	ctx := context.Background()
	if err := m.Put(ctx, samplePending()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "inv-1"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if _, err := m.Get(ctx, "inv-1"); !errors.Is(err, ErrStageMissing) {
		t.Fatalf("err = %v", err)
	}
}

type brokenStage struct{}

var errDown = errors.New("down")

func (brokenStage) Put(context.Context, *PendingOrder) error           { return errDown }
func (brokenStage) Get(context.Context, string) (*PendingOrder, error) { return nil, errDown }
func (brokenStage) Delete(context.Context, string) error               { return errDown }

func TestFallbackServesFromSecondary(t *testing.T) {
	ctx := context.Background()
	primary := NewMemory(time.Hour, nil)
	secondary := NewMemory(time.Hour, nil)
	f := NewFallback(primary, secondary, nil)

	if err := f.Put(ctx, samplePending()); err != nil {
		t.Fatal(err)
	}
	_ = primary.Delete(ctx, "inv-1") // evicted from cache
	got, err := f.Get(ctx, "inv-1")
	if err != nil || got.InvoiceID != "inv-1" {
		t.Fatalf("got %v, %v", got, err)
	}
	if err := f.Delete(ctx, "inv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Get(ctx, "inv-1"); !errors.Is(err, ErrStageMissing) {
		t.Fatalf("after delete err = %v", err)
	}
}

func TestFallbackPrimaryDown(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemory(time.Hour, nil)
	f := NewFallback(brokenStage{}, secondary, nil)

	if err := f.Put(ctx, samplePending()); err != nil {
		t.Fatalf("put with one healthy stage: %v", err)
	}
	if _, err := f.Get(ctx, "inv-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = secondary.Delete(ctx, "inv-1")
	_, err := f.Get(ctx, "inv-1")
	if errors.Is(err, ErrStageMissing) || !errors.Is(err, errDown) {
		t.Fatalf("an unreachable primary is not proof of a missing stage: %v", err)
	}
}
