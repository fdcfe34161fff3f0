package discount_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/memory"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
	"github.com/shopspring/decimal"
)

var (
	now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc  = tenant.Context{ID: "shop-1"}
)

func ptr[T any](v T) *T { return &v }

func newLedger() *discount.Ledger { return discount.NewLedger(func() time.Time { return now }) }

func validate(t *testing.T, s *memory.Store, code, user string, amount int64) (discount.Result, error) {
	t.Helper()
	var (
		res discount.Result
		err error
	)
	txErr := s.InTx(context.Background(), func(tx orders.Tx) error {
		res, err = newLedger().Validate(context.Background(), tx, tc, code, user, amount)
		return nil
	})
	if txErr != nil {
		t.Fatalf("tx: %v", txErr)
	}
	return res, err
}

func consume(s *memory.Store, req discount.ConsumeRequest) error {
	return s.InTx(context.Background(), func(tx orders.Tx) error {
		_, err := newLedger().Consume(context.Background(), tx, tc, req)
		return err
	})
}

func baseCode() discount.Code {
	return discount.Code{
		TenantID: tc.ID, Code: "SPRING", Type: pricing.DiscountPercentage, Value: decimal.NewFromInt(10),
		IsActive: true, CreatedAt: now.Add(-time.Hour),
	}
}

func TestValidateAppliesDiscount(t *testing.T) {
	s := memory.NewStore()
	c := baseCode()
	c.MaxDiscountAmount = ptr(int64(3000))
	s.AddCode(c)

	res, err := validate(t, s, "  spring ", "u1", 50000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.DiscountAmount != 3000 {
		t.Fatalf("discount = %d, want capped 3000", res.DiscountAmount)
	}
}

func TestValidateRejectionOrder(t *testing.T) {
	past := now.Add(-time.Minute)
	tests := []struct {
		name   string
		mutate func(c *discount.Code)
		used   bool
		amount int64
		want   discount.Reason
	}{
		{name: "used beats inactive", mutate: func(c *discount.Code) { c.IsActive = false }, used: true, amount: 50000, want: discount.ReasonAlreadyUsed},
		{name: "inactive", mutate: func(c *discount.Code) { c.IsActive = false }, amount: 50000, want: discount.ReasonInactive},
		{name: "expired", mutate: func(c *discount.Code) { c.EndsAt = &past }, amount: 50000, want: discount.ReasonInactive},
		{name: "inactive beats exhausted", mutate: func(c *discount.Code) {
			c.IsActive = false
			c.UsageLimit, c.UsedCount = ptr(1), 1
		}, amount: 50000, want: discount.ReasonInactive},
		{name: "exhausted beats min amount", mutate: func(c *discount.Code) {
			c.UsageLimit, c.UsedCount = ptr(2), 2
			c.MinOrderAmount = ptr(int64(100000))
		}, amount: 50000, want: discount.ReasonUsageLimitReached},
		{name: "min amount beats zero discount", mutate: func(c *discount.Code) {
			c.MinOrderAmount = ptr(int64(100000))
			c.Value = decimal.Zero
		}, amount: 50000, want: discount.ReasonMinOrderAmount},
		{name: "zero discount", mutate: func(c *discount.Code) { c.Value = decimal.NewFromFloat(0.1) }, amount: 500, want: discount.ReasonZeroDiscount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.NewStore()
			c := baseCode()
			tt.mutate(&c)
			s.AddCode(c)
			if tt.used {
				err := consume(s, discount.ConsumeRequest{OrderID: "o0", Code: "SPRING", UserID: "u1", Amount: 1})
				if err != nil {
					t.Fatalf("seed usage: %v", err)
				}
			}
			_, err := validate(t, s, "SPRING", "u1", tt.amount)
			r, ok := discount.ReasonOf(err)
			if !ok || r != tt.want {
				t.Fatalf("reason = %q (%v), want %q", r, err, tt.want)
			}
		})
	}
}

func TestValidateUnknownCode(t *testing.T) {
	_, err := validate(t, memory.NewStore(), "NOPE", "u1", 1000)
	if r, _ := discount.ReasonOf(err); r != discount.ReasonNotFound {
		t.Fatalf("reason = %q", r)
	}
}

func TestMinOrderAmountScenario(t *testing.T) {
	s := memory.NewStore()
	c := baseCode()
	c.MinOrderAmount = ptr(int64(50000))
	s.AddCode(c)

	_, err := validate(t, s, "SPRING", "u1", 40000)
	r, ok := discount.ReasonOf(err)
	if !ok || r != discount.ReasonMinOrderAmount {
		t.Fatalf("reason = %q (%v)", r, err)
	}
	var ve *discount.ValidationError
	if !errors.As(err, &ve) || ve.Message() == "" {
		t.Fatal("expected a customer-facing message")
	}
}

func TestConsumeRecordsUsageOnce(t *testing.T) {
	s := memory.NewStore()
	c := s.AddCode(baseCode())

	if err := consume(s, discount.ConsumeRequest{OrderID: "o1", Code: "spring", UserID: "u1", Amount: 2500}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	err := consume(s, discount.ConsumeRequest{OrderID: "o2", Code: "SPRING", UserID: "u1", Amount: 2500})
	if r, _ := discount.ReasonOf(err); r != discount.ReasonAlreadyUsed {
		t.Fatalf("second consume reason = %q (%v)", r, err)
	}
	got, _ := s.Code(c.ID)
	if got.UsedCount != 1 {
		t.Fatalf("used_count = %d", got.UsedCount)
	}
	us := s.Usages()
	if len(us) != 1 || us[0].DiscountAmount != 2500 || us[0].OrderID != "o1" {
		t.Fatalf("usages = %+v", us)
	}
}

func TestConcurrentConsumeRespectsUsageLimit(t *testing.T) {
	s := memory.NewStore()
	c := baseCode()
	c.UsageLimit = ptr(1)
	c = s.AddCode(c)

	const buyers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		limited int
	)
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := consume(s, discount.ConsumeRequest{OrderID: fmt.Sprintf("o%d", i), Code: "SPRING", UserID: fmt.Sprintf("u%d", i), Amount: 100})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if r, _ := discount.ReasonOf(err); r == discount.ReasonUsageLimitReached {
				limited++
			}
		}()
	}
	wg.Wait()

	if ok != 1 || limited != buyers-1 {
		t.Fatalf("ok=%d limited=%d", ok, limited)
	}
	got, _ := s.Code(c.ID)
	if got.UsedCount != 1 {
		t.Fatalf("used_count = %d, want 1", got.UsedCount)
	}
	if n := len(s.Usages()); n != 1 {
		t.Fatalf("usages = %d, want 1", n)
	}
}
