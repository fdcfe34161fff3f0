package orders

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
)

var (
	ErrNotFound          = errors.New("orders: not found")
	ErrInsufficientStock = errors.New("orders: insufficient stock")
	// ErrConcurrencyConflict is returned when a transaction lost a lock or
	// serialization race twice in a row.
	ErrConcurrencyConflict = errors.New("orders: concurrent update, try again")
)

// Reader holds the non-locking reads used outside of a settlement transaction.
type Reader interface {
	Product(ctx context.Context, tenantID string, id int64) (*Product, error)
	Variant(ctx context.Context, productID, variantID int64) (*Variant, error)
	ActiveCampaigns(ctx context.Context, tenantID string) ([]pricing.Campaign, error)
	ListGateways(ctx context.Context) ([]gateway.Config, error)
	Invoice(ctx context.Context, tenantID, id string) (*Invoice, error)
	Transaction(ctx context.Context, tenantID, id string) (*Transaction, error)
	OrderByInvoice(ctx context.Context, tenantID, invoiceID string) (*Order, error)
	ListSettlementFailures(ctx context.Context, tenantID string, limit int) ([]SettlementFailure, error)

	// TransactionIDByRef makes every Reader a gateway.TransactionFinder.
	TransactionIDByRef(ctx context.Context, gatewayID int64, ref string) (string, error)
}

// Tx is one database transaction. Lock* methods take row locks held until
// commit or rollback; Decrement* never lets stock drop below zero.
type Tx interface {
	discount.Tx

	CreateInvoice(ctx context.Context, inv *Invoice) error
	LockInvoice(ctx context.Context, tenantID, id string) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error

	CreateTransaction(ctx context.Context, t *Transaction) error
	LockTransaction(ctx context.Context, tenantID, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error

	InsertOrder(ctx context.Context, o *Order) error
	InsertOrderItem(ctx context.Context, it *OrderItem) error
	InsertCampaignSale(ctx context.Context, s *CampaignSale) error
	DecrementProductStock(ctx context.Context, productID int64, qty int) error
	DecrementVariantStock(ctx context.Context, variantID int64, qty int) error
}

type Store interface {
	Reader
	// InTx runs fn in one transaction. fn may be invoked a second time when
	// the first attempt lost a lock race.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// RecordSettlementFailure is idempotent by EventID; it reports whether a
	// new row was written.
	RecordSettlementFailure(ctx context.Context, f *SettlementFailure) (bool, error)
}

var _ gateway.TransactionFinder = Reader(nil)
