package stage

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Fallback writes to both stages and reads the primary first. A primary
// outage or eviction is served from the secondary.
type Fallback struct {
	Primary   Stage
	Secondary Stage
	Log       *zap.Logger
}

func NewFallback(primary, secondary Stage, log *zap.Logger) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{Primary: primary, Secondary: secondary, Log: log}
}

// Put succeeds when at least one stage accepted the entry.
func (f *Fallback) Put(ctx context.Context, p *PendingOrder) error {
	perr := f.Primary.Put(ctx, p)
	if perr != nil {
		f.Log.Warn("stage_primary_put_failed", zap.String("invoice_id", p.InvoiceID), zap.Error(perr))
	}
	serr := f.Secondary.Put(ctx, p)
	if serr != nil {
		f.Log.Warn("stage_secondary_put_failed", zap.String("invoice_id", p.InvoiceID), zap.Error(serr))
	}
	if perr != nil && serr != nil {
		return errors.Join(perr, serr)
	}
	return nil
}

func (f *Fallback) Get(ctx context.Context, invoiceID string) (*PendingOrder, error) {
	p, err := f.Primary.Get(ctx, invoiceID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrStageMissing) {
		f.Log.Warn("stage_primary_get_failed", zap.String("invoice_id", invoiceID), zap.Error(err))
	}
	p, serr := f.Secondary.Get(ctx, invoiceID)
	if serr == nil {
		f.Log.Info("stage_served_from_fallback", zap.String("invoice_id", invoiceID))
		return p, nil
	}
	if errors.Is(err, ErrStageMissing) && errors.Is(serr, ErrStageMissing) {
		return nil, ErrStageMissing
	}
	// An unreachable stage may still hold the entry; report it as transient.
	if errors.Is(err, ErrStageMissing) {
		return nil, serr
	}
	if errors.Is(serr, ErrStageMissing) {
		return nil, err
	}
	return nil, errors.Join(err, serr)
}

func (f *Fallback) Delete(ctx context.Context, invoiceID string) error {
	return errors.Join(f.Primary.Delete(ctx, invoiceID), f.Secondary.Delete(ctx, invoiceID))
}
