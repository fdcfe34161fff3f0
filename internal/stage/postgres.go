package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps pending orders in pending_order_stages. It plays the part
// of the session store behind the Redis stage.
type Postgres struct {
	DB  *pgxpool.Pool
	TTL time.Duration
	Now func() time.Time
}

func NewPostgres(db *pgxpool.Pool, ttl time.Duration) *Postgres {
	return &Postgres{DB: db, TTL: ttl, Now: time.Now}
}

func (s *Postgres) Put(ctx context.Context, p *PendingOrder) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending order: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO pending_order_stages(invoice_id, payload, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (invoice_id) DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`,
		p.InvoiceID, b, s.Now().UTC().Add(s.TTL))
	return err
}

func (s *Postgres) Get(ctx context.Context, invoiceID string) (*PendingOrder, error) {
	var b []byte
	err := s.DB.QueryRow(ctx, `
		SELECT payload FROM pending_order_stages WHERE invoice_id=$1 AND expires_at > $2`,
		invoiceID, s.Now().UTC()).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStageMissing
	}
	if err != nil {
		return nil, err
	}
	var p PendingOrder
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending order: %w", err)
	}
	return &p, nil
}

func (s *Postgres) Delete(ctx context.Context, invoiceID string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM pending_order_stages WHERE invoice_id=$1`, invoiceID)
	return err
}

// Purge drops expired rows; the reconciler calls it periodically.
func (s *Postgres) Purge(ctx context.Context) (int64, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM pending_order_stages WHERE expires_at <= $1`, s.Now().UTC())
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
