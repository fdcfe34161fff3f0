package discount

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
)

// Tx is the slice of a database transaction the ledger needs. LockCode must
// hold a row lock (SELECT ... FOR UPDATE) on the code until the transaction ends.
type Tx interface {
	LockCode(ctx context.Context, tenantID, code string) (*Code, error)
	HasUsage(ctx context.Context, codeID int64, userID string) (bool, error)
	IncrementCodeUsage(ctx context.Context, codeID int64) error
	InsertUsage(ctx context.Context, u *Usage) error
}

type Result struct {
	Code           *Code
	DiscountAmount int64
}

type ConsumeRequest struct {
	OrderID string
	Code    string
	UserID  string
	// Amount is the discount granted at checkout; it is what the usage row records.
	Amount int64
}

type Ledger struct {
	now func() time.Time
}

func NewLedger(clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{now: clock}
}

func normalize(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

// Validate checks code for userID and orderAmount under the code's row lock.
// Rejections are *ValidationError; any other error is infrastructure.
func (l *Ledger) Validate(ctx context.Context, tx Tx, tc tenant.Context, code, userID string, orderAmount int64) (Result, error) {
	code = normalize(code)
	c, err := tx.LockCode(ctx, tc.ID, code)
	if errors.Is(err, ErrCodeNotFound) {
		return Result{}, reject(code, ReasonNotFound)
	}
	if err != nil {
		return Result{}, err
	}

	used, err := tx.HasUsage(ctx, c.ID, userID)
	if err != nil {
		return Result{}, err
	}
	if used {
		return Result{}, reject(code, ReasonAlreadyUsed)
	}
	if !c.running(l.now().UTC()) {
		return Result{}, reject(code, ReasonInactive)
	}
	if c.exhausted() {
		return Result{}, reject(code, ReasonUsageLimitReached)
	}
	if c.MinOrderAmount != nil && orderAmount < *c.MinOrderAmount {
		return Result{}, reject(code, ReasonMinOrderAmount)
	}
	d := c.DiscountFor(orderAmount)
	if d <= 0 {
		return Result{}, reject(code, ReasonZeroDiscount)
	}
	return Result{Code: c, DiscountAmount: d}, nil
}

// Consume records one use of the code for a paid order. It runs inside the
// materialization transaction; the counter increment and the usage row commit
// or roll back together. The window is not re-checked: the customer was quoted
// while the code was valid and has already paid.
func (l *Ledger) Consume(ctx context.Context, tx Tx, tc tenant.Context, req ConsumeRequest) (*Usage, error) {
	code := normalize(req.Code)
	c, err := tx.LockCode(ctx, tc.ID, code)
	if errors.Is(err, ErrCodeNotFound) {
		return nil, reject(code, ReasonNotFound)
	}
	if err != nil {
		return nil, err
	}
	used, err := tx.HasUsage(ctx, c.ID, req.UserID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, reject(code, ReasonAlreadyUsed)
	}
	if c.exhausted() {
		return nil, reject(code, ReasonUsageLimitReached)
	}
	if err := tx.IncrementCodeUsage(ctx, c.ID); err != nil {
		return nil, err
	}
	u := &Usage{
		CodeID:         c.ID,
		UserID:         req.UserID,
		OrderID:        req.OrderID,
		DiscountAmount: req.Amount,
		UsedAt:         l.now().UTC(),
	}
	if err := tx.InsertUsage(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
