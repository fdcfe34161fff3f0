package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type pgTx struct{ tx pgx.Tx }

var _ Tx = (*pgTx)(nil)

// LockCode holds the code row until the transaction ends, so validation and
// consumption of one code are serialized across checkouts.
func (t *pgTx) LockCode(ctx context.Context, tenantID, code string) (*discount.Code, error) {
	var (
		c     discount.Code
		typ   string
		value string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, tenant_id, code, discount_type, discount_value::text, usage_limit, used_count,
		       min_order_amount, max_discount_amount, starts_at, ends_at, is_active, created_at
		FROM discount_codes
		WHERE tenant_id=$1 AND upper(code)=$2
		FOR UPDATE`, tenantID, code).
		Scan(&c.ID, &c.TenantID, &c.Code, &typ, &value, &c.UsageLimit, &c.UsedCount,
			&c.MinOrderAmount, &c.MaxDiscountAmount, &c.StartsAt, &c.EndsAt, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, discount.ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Type = pricing.DiscountType(typ)
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("discount code %d value: %w", c.ID, err)
	}
	return &c, nil
}

func (t *pgTx) HasUsage(ctx context.Context, codeID int64, userID string) (bool, error) {
	var used bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM discount_code_usages WHERE code_id=$1 AND user_id=$2)`,
		codeID, userID).Scan(&used)
	return used, err
}

func (t *pgTx) IncrementCodeUsage(ctx context.Context, codeID int64) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE discount_codes SET used_count = used_count + 1
		WHERE id=$1 AND (usage_limit IS NULL OR used_count < usage_limit)`, codeID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("discount code %d: usage limit reached under lock", codeID)
	}
	return nil
}

func (t *pgTx) InsertUsage(ctx context.Context, u *discount.Usage) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO discount_code_usages(code_id, user_id, order_id, discount_amount, used_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		u.CodeID, u.UserID, u.OrderID, u.DiscountAmount, u.UsedAt).Scan(&u.ID)
}

func (t *pgTx) CreateInvoice(ctx context.Context, inv *Invoice) error {
	now := time.Now().UTC()
	inv.CreatedAt, inv.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO invoices(`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		inv.ID, inv.TenantID, inv.UserID, inv.Amount, inv.DeliveryFee, string(inv.Status),
		inv.PaymentGatewayID, inv.OrderID, inv.CreatedAt, inv.UpdatedAt)
	return err
}

func (t *pgTx) LockInvoice(ctx context.Context, tenantID, id string) (*Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return nil, notFound(err, "invoice", id)
	}
	return inv, nil
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	inv.UpdatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET status=$2, order_id=$3, payment_gateway_id=$4, updated_at=$5 WHERE id=$1`,
		inv.ID, string(inv.Status), inv.OrderID, inv.PaymentGatewayID, inv.UpdatedAt)
	return err
}

func callbackJSON(d map[string]string) map[string]string {
	if d == nil {
		return map[string]string{}
	}
	return d
}

func (t *pgTx) CreateTransaction(ctx context.Context, tr *Transaction) error {
	now := time.Now().UTC()
	tr.CreatedAt, tr.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions(`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tr.ID, tr.TenantID, tr.InvoiceID, tr.GatewayID, tr.Amount, string(tr.Status), tr.GatewayRef,
		callbackJSON(tr.CallbackData), tr.Message, tr.VerifiedAt, tr.CreatedAt, tr.UpdatedAt)
	return err
}

func (t *pgTx) LockTransaction(ctx context.Context, tenantID, id string) (*Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return tr, nil
}

func (t *pgTx) UpdateTransaction(ctx context.Context, tr *Transaction) error {
	tr.UpdatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET status=$2, gateway_ref=$3, callback_data=$4, message=$5, verified_at=$6, updated_at=$7
		WHERE id=$1`,
		tr.ID, string(tr.Status), tr.GatewayRef, callbackJSON(tr.CallbackData), tr.Message, tr.VerifiedAt, tr.UpdatedAt)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, tenant_id, number, user_id, invoice_id, status, subtotal, discount_code, discount_amount,
		                   delivery_fee, total, customer_name, customer_phone, address, postal_code, delivery_method, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		o.ID, o.TenantID, o.Number, o.UserID, o.InvoiceID, string(o.Status), o.Subtotal, o.DiscountCode, o.DiscountAmount,
		o.DeliveryFee, o.Total, o.CustomerName, o.CustomerPhone, o.Address, o.PostalCode, o.DeliveryMethod, o.Note, o.CreatedAt)
	return err
}

func (t *pgTx) InsertOrderItem(ctx context.Context, it *OrderItem) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO order_items(order_id, product_id, variant_id, quantity, unit_price, final_price, total)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		it.OrderID, it.ProductID, it.VariantID, it.Quantity, it.UnitPrice, it.FinalPrice, it.Total).Scan(&it.ID)
}

func (t *pgTx) InsertCampaignSale(ctx context.Context, s *CampaignSale) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO campaign_sales(tenant_id, campaign_id, order_id, order_item_id, product_id,
		                           original_price, discount_amount, final_price, quantity, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		s.TenantID, s.CampaignID, s.OrderID, s.OrderItemID, s.ProductID,
		s.OriginalPrice, s.DiscountAmount, s.FinalPrice, s.Quantity, s.CreatedAt).Scan(&s.ID)
}

// DecrementProductStock locks the product row, checks availability and
// decrements. A shortfall leaves the row untouched.
func (t *pgTx) DecrementProductStock(ctx context.Context, productID int64, qty int) error {
	return t.decrement(ctx, "products", "product", productID, qty)
}

func (t *pgTx) DecrementVariantStock(ctx context.Context, variantID int64, qty int) error {
	return t.decrement(ctx, "product_variants", "variant", variantID, qty)
}

func (t *pgTx) decrement(ctx context.Context, table, what string, id int64, qty int) error {
	var stock int
	if err := t.tx.QueryRow(ctx, `SELECT stock FROM `+table+` WHERE id=$1 FOR UPDATE`, id).Scan(&stock); err != nil {
		return notFound(err, what, id)
	}
	if stock < qty {
		return fmt.Errorf("%w: %s %d has %d, need %d", ErrInsufficientStock, what, id, stock, qty)
	}
	ct, err := t.tx.Exec(ctx, `UPDATE `+table+` SET stock = stock - $2 WHERE id=$1 AND stock >= $2`, id, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s %d", ErrInsufficientStock, what, id)
	}
	return nil
}
