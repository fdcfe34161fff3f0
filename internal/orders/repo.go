package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/ariefcatur/go-storefront-settlement/internal/postgres"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repo is the Postgres Store.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

// lockTimeout bounds how long a settlement waits on a row lock before the
// attempt fails with 55P03 and is retried.
const lockTimeout = "5s"

// InTx retries fn once when the first attempt hits a serialization failure,
// a deadlock or a lock timeout.
func (r *Repo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := r.inTx(ctx, fn)
	if postgres.IsLockConflict(err) {
		err = r.inTx(ctx, fn)
	}
	if postgres.IsLockConflict(err) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

func (r *Repo) inTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+lockTimeout+`'`); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, what, id)
	}
	return err
}

func (r *Repo) Product(ctx context.Context, tenantID string, id int64) (*Product, error) {
	var p Product
	err := r.DB.QueryRow(ctx, `
		SELECT id, tenant_id, category_id, name, price, stock, is_active, created_at, updated_at
		FROM products WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&p.ID, &p.TenantID, &p.CategoryID, &p.Name, &p.Price, &p.Stock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	return &p, nil
}

func (r *Repo) Variant(ctx context.Context, productID, variantID int64) (*Variant, error) {
	var v Variant
	err := r.DB.QueryRow(ctx, `
		SELECT id, product_id, name, price, stock, is_active
		FROM product_variants WHERE product_id=$1 AND id=$2`, productID, variantID).
		Scan(&v.ID, &v.ProductID, &v.Name, &v.Price, &v.Stock, &v.IsActive)
	if err != nil {
		return nil, notFound(err, "variant", variantID)
	}
	return &v, nil
}

// ActiveCampaigns returns switched-on campaigns with their targets; the
// pricing engine applies the time window itself.
func (r *Repo) ActiveCampaigns(ctx context.Context, tenantID string) ([]pricing.Campaign, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT c.id, c.tenant_id, c.name, c.discount_type, c.discount_value::text, c.max_discount_amount,
		       c.starts_at, c.ends_at, c.is_active, c.priority, c.created_at,
		       COALESCE(json_agg(json_build_object('kind', t.target_type, 'id', t.target_id))
		                FILTER (WHERE t.campaign_id IS NOT NULL), '[]'::json)
		FROM campaigns c
		LEFT JOIN campaign_targets t ON t.campaign_id = c.id
		WHERE c.tenant_id=$1 AND c.is_active
		GROUP BY c.id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.Campaign
	for rows.Next() {
		var (
			c       pricing.Campaign
			typ     string
			value   string
			targets []byte
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &typ, &value, &c.MaxDiscountAmount,
			&c.StartsAt, &c.EndsAt, &c.IsActive, &c.Priority, &c.CreatedAt, &targets); err != nil {
			return nil, err
		}
		c.Type = pricing.DiscountType(typ)
		if c.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("campaign %d value: %w", c.ID, err)
		}
		if err := json.Unmarshal(targets, &c.Targets); err != nil {
			return nil, fmt.Errorf("campaign %d targets: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repo) ListGateways(ctx context.Context) ([]gateway.Config, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, tenant_id, type, name, is_active, settings FROM payment_gateways ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.Config
	for rows.Next() {
		var (
			c   gateway.Config
			typ string
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &typ, &c.Name, &c.IsActive, &c.Settings); err != nil {
			return nil, err
		}
		c.Type = gateway.Type(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

const invoiceColumns = `id, tenant_id, user_id, amount, delivery_fee, status, payment_gateway_id, order_id, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv    Invoice
		status string
	)
	if err := row.Scan(&inv.ID, &inv.TenantID, &inv.UserID, &inv.Amount, &inv.DeliveryFee, &status,
		&inv.PaymentGatewayID, &inv.OrderID, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Status = InvoiceStatus(status)
	return &inv, nil
}

func (r *Repo) Invoice(ctx context.Context, tenantID, id string) (*Invoice, error) {
	inv, err := scanInvoice(r.DB.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return nil, notFound(err, "invoice", id)
	}
	return inv, nil
}

const transactionColumns = `id, tenant_id, invoice_id, gateway_id, amount, status, gateway_ref, callback_data, message, verified_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t      Transaction
		status string
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.InvoiceID, &t.GatewayID, &t.Amount, &status, &t.GatewayRef,
		&t.CallbackData, &t.Message, &t.VerifiedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	return &t, nil
}

func (r *Repo) Transaction(ctx context.Context, tenantID, id string) (*Transaction, error) {
	t, err := scanTransaction(r.DB.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return t, nil
}

func (r *Repo) TransactionIDByRef(ctx context.Context, gatewayID int64, ref string) (string, error) {
	var id string
	err := r.DB.QueryRow(ctx, `SELECT id FROM transactions WHERE gateway_id=$1 AND gateway_ref=$2`, gatewayID, ref).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", gateway.ErrTransactionNotFound
	}
	return id, err
}

func (r *Repo) OrderByInvoice(ctx context.Context, tenantID, invoiceID string) (*Order, error) {
	var (
		o      Order
		status string
	)
	err := r.DB.QueryRow(ctx, `
		SELECT id, tenant_id, number, user_id, invoice_id, status, subtotal, discount_code, discount_amount,
		       delivery_fee, total, customer_name, customer_phone, address, postal_code, delivery_method, note, created_at
		FROM orders WHERE tenant_id=$1 AND invoice_id=$2`, tenantID, invoiceID).
		Scan(&o.ID, &o.TenantID, &o.Number, &o.UserID, &o.InvoiceID, &status, &o.Subtotal, &o.DiscountCode,
			&o.DiscountAmount, &o.DeliveryFee, &o.Total, &o.CustomerName, &o.CustomerPhone, &o.Address,
			&o.PostalCode, &o.DeliveryMethod, &o.Note, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err, "order for invoice", invoiceID)
	}
	o.Status = OrderStatus(status)
	return &o, nil
}

func (r *Repo) RecordSettlementFailure(ctx context.Context, f *SettlementFailure) (bool, error) {
	if f.RecordedAt.IsZero() {
		f.RecordedAt = time.Now().UTC()
	}
	ct, err := r.DB.Exec(ctx, `
		INSERT INTO settlement_failures(event_id, tenant_id, invoice_id, transaction_id, reason, detail, occurred_at, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id) DO NOTHING`,
		f.EventID, f.TenantID, f.InvoiceID, f.TransactionID, f.Reason, f.Detail, f.OccurredAt, f.RecordedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) ListSettlementFailures(ctx context.Context, tenantID string, limit int) ([]SettlementFailure, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, event_id, tenant_id, invoice_id, transaction_id, reason, detail, occurred_at, recorded_at
		FROM settlement_failures WHERE tenant_id=$1
		ORDER BY recorded_at DESC, id DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementFailure
	for rows.Next() {
		var f SettlementFailure
		if err := rows.Scan(&f.ID, &f.EventID, &f.TenantID, &f.InvoiceID, &f.TransactionID, &f.Reason,
			&f.Detail, &f.OccurredAt, &f.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
