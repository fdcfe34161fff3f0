package checkout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/checkout"
	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/memory"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/ariefcatur/go-storefront-settlement/internal/stage"
	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
	"github.com/shopspring/decimal"
)

var (
	now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tc  = tenant.Context{ID: "shop-1"}
)

func clock() time.Time { return now }

type fixture struct {
	store   *memory.Store
	stage   *stage.Memory
	svc     *checkout.Service
	product orders.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(), stage: stage.NewMemory(time.Hour, clock)}
	f.product = f.store.AddProduct(orders.Product{TenantID: tc.ID, CategoryID: 3, Name: "Scarf", Price: 100000, Stock: 5, IsActive: true})
	maxDiscount := int64(15000)
	f.store.AddCampaign(pricing.Campaign{
		TenantID: tc.ID, Name: "spring", Type: pricing.DiscountPercentage, Value: decimal.NewFromInt(20),
		MaxDiscountAmount: &maxDiscount, IsActive: true, Priority: 1, CreatedAt: now.Add(-time.Hour),
		Targets: pricing.Targets{pricing.ProductTarget{ID: f.product.ID}},
	})
	f.svc = checkout.NewService(f.store, f.stage, discount.NewLedger(clock), pricing.NewEngine(clock),
		map[string]int64{"post": 30000, "pickup": 0}, nil)
	return f
}

func request(productID int64, qty int) checkout.Request {
	return checkout.Request{
		UserID:         "u1",
		Lines:          []checkout.LineRequest{{ProductID: productID, Quantity: qty}},
		Customer:       stage.Customer{Name: "Sara", Phone: "0912000000", Address: "Tehran"},
		DeliveryMethod: "post",
	}
}

func TestBeginPricesServerSideAndStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co, err := f.svc.Begin(ctx, tc, request(f.product.ID, 2))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	// 100000 at 20% is 20000, capped at 15000 per unit.
	if co.Pending.Lines[0].FinalPrice != 85000 || co.Pending.Subtotal != 170000 {
		t.Fatalf("line = %+v subtotal = %d", co.Pending.Lines[0], co.Pending.Subtotal)
	}
	if co.Invoice.Amount != 200000 || co.Invoice.DeliveryFee != 30000 || co.Invoice.Status != orders.InvoiceUnpaid {
		t.Fatalf("invoice = %+v", co.Invoice)
	}

	got, err := f.stage.Get(ctx, co.Invoice.ID)
	if err != nil {
		t.Fatalf("stage get: %v", err)
	}
	if len(got.Campaigns) != 1 || got.Lines[0].CampaignID == nil || !got.PricedAt.Equal(now) {
		t.Fatalf("staged = %+v", got)
	}
	if _, err := f.store.Invoice(ctx, tc.ID, co.Invoice.ID); err != nil {
		t.Fatalf("invoice not stored: %v", err)
	}
}

func TestBeginAppliesDiscountCode(t *testing.T) {
	f := newFixture(t)
	f.store.AddCode(discount.Code{
		TenantID: tc.ID, Code: "WELCOME", Type: pricing.DiscountFixed, Value: decimal.NewFromInt(10000),
		IsActive: true, CreatedAt: now.Add(-time.Hour),
	})
	req := request(f.product.ID, 1)
	req.DiscountCode = "welcome"

	co, err := f.svc.Begin(context.Background(), tc, req)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if co.Pending.DiscountCode != "WELCOME" || co.Pending.DiscountAmount != 10000 {
		t.Fatalf("discount = %q %d", co.Pending.DiscountCode, co.Pending.DiscountAmount)
	}
	if want := int64(85000 - 10000 + 30000); co.Invoice.Amount != want {
		t.Fatalf("amount = %d, want %d", co.Invoice.Amount, want)
	}
	if n := len(f.store.Usages()); n != 0 {
		t.Fatalf("checkout consumed the code: %d usages", n)
	}
}

func TestBeginRejects(t *testing.T) {
	f := newFixture(t)
	inactive := f.store.AddProduct(orders.Product{TenantID: tc.ID, Price: 1000, Stock: 10})
	other := f.store.AddProduct(orders.Product{TenantID: "shop-2", Price: 1000, Stock: 10, IsActive: true})

	tests := []struct {
		name   string
		mutate func(r *checkout.Request)
		want   error
	}{
		{name: "empty cart", mutate: func(r *checkout.Request) { r.Lines = nil }, want: checkout.ErrEmptyCart},
		{name: "zero quantity", mutate: func(r *checkout.Request) { r.Lines[0].Quantity = 0 }, want: checkout.ErrInvalidQuantity},
		{name: "over stock", mutate: func(r *checkout.Request) { r.Lines[0].Quantity = 6 }, want: checkout.ErrOutOfStock},
		{name: "inactive product", mutate: func(r *checkout.Request) { r.Lines[0].ProductID = inactive.ID }, want: checkout.ErrProductUnavailable},
		{name: "other tenant", mutate: func(r *checkout.Request) { r.Lines[0].ProductID = other.ID }, want: checkout.ErrProductUnavailable},
		{name: "delivery", mutate: func(r *checkout.Request) { r.DeliveryMethod = "drone" }, want: checkout.ErrUnknownDelivery},
		{name: "customer", mutate: func(r *checkout.Request) { r.Customer.Address = " " }, want: checkout.ErrMissingCustomerInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(f.product.ID, 1)
			tt.mutate(&req)
			if _, err := f.svc.Begin(context.Background(), tc, req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBeginRejectedCodeCreatesNothing(t *testing.T) {
	f := newFixture(t)
	req := request(f.product.ID, 1)
	req.DiscountCode = "MISSING"

	_, err := f.svc.Begin(context.Background(), tc, req)
	if r, ok := discount.ReasonOf(err); !ok || r != discount.ReasonNotFound {
		t.Fatalf("err = %v", err)
	}
	if n := len(f.store.Orders()); n != 0 {
		t.Fatalf("orders = %d", n)
	}
}

func TestVariantPriceOverridesProduct(t *testing.T) {
	f := newFixture(t)
	price := int64(120000)
	v := f.store.AddVariant(orders.Variant{ProductID: f.product.ID, Name: "XL", Price: &price, Stock: 1, IsActive: true})

	q, err := f.svc.Quote(context.Background(), tc, f.product.ID, &v.ID)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.OriginalPrice != 120000 || q.DiscountedPrice != 105000 || q.Campaign == nil {
		t.Fatalf("quote = %+v", q)
	}
}

func TestPreviewDiscountDoesNotConsume(t *testing.T) {
	f := newFixture(t)
	minOrder := int64(50000)
	f.store.AddCode(discount.Code{
		TenantID: tc.ID, Code: "BIG", Type: pricing.DiscountPercentage, Value: decimal.NewFromInt(10),
		MinOrderAmount: &minOrder, IsActive: true, CreatedAt: now.Add(-time.Hour),
	})

	if _, err := f.svc.PreviewDiscount(context.Background(), tc, "BIG", "u1", 40000); err == nil {
		t.Fatal("expected min order rejection")
	}
	res, err := f.svc.PreviewDiscount(context.Background(), tc, "BIG", "u1", 60000)
	if err != nil || res.DiscountAmount != 6000 {
		t.Fatalf("preview = %+v, %v", res, err)
	}
	if n := len(f.store.Usages()); n != 0 {
		t.Fatalf("usages = %d", n)
	}
}

func TestAbandonCancelsUnpaidInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co, err := f.svc.Begin(ctx, tc, request(f.product.ID, 1))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := f.svc.Abandon(ctx, tc, co.Invoice.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	inv, err := f.store.Invoice(ctx, tc.ID, co.Invoice.ID)
	if err != nil || inv.Status != orders.InvoiceCancelled {
		t.Fatalf("invoice = %+v, %v", inv, err)
	}
	if _, err := f.stage.Get(ctx, co.Invoice.ID); !errors.Is(err, stage.ErrStageMissing) {
		t.Fatalf("stage still present: %v", err)
	}
	// Abandoning twice is a no-op.
	if err := f.svc.Abandon(ctx, tc, co.Invoice.ID); err != nil {
		t.Fatalf("second abandon: %v", err)
	}
}
