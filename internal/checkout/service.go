package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/ariefcatur/go-storefront-settlement/internal/stage"
	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEmptyCart           = errors.New("checkout: cart is empty")
	ErrInvalidQuantity     = errors.New("checkout: quantity must be positive")
	ErrProductUnavailable  = errors.New("checkout: product is not available")
	ErrOutOfStock          = errors.New("checkout: not enough stock")
	ErrUnknownDelivery     = errors.New("checkout: unknown delivery method")
	ErrMissingCustomerInfo = errors.New("checkout: customer name, phone and address are required")
)

type LineRequest struct {
	ProductID int64  `json:"product_id"`
	VariantID *int64 `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

// Request is a cart as submitted by the storefront. Prices are never taken
// from it.
type Request struct {
	UserID         string         `json:"user_id"`
	Lines          []LineRequest  `json:"lines"`
	Customer       stage.Customer `json:"customer"`
	DeliveryMethod string         `json:"delivery_method"`
	DiscountCode   string         `json:"discount_code,omitempty"`
}

type Checkout struct {
	Invoice *orders.Invoice
	Pending *stage.PendingOrder
}

// Service prices a cart, opens its invoice and stages the order until the
// payment is verified.
type Service struct {
	store  orders.Store
	stage  stage.Stage
	ledger *discount.Ledger
	engine *pricing.Engine
	fees   map[string]int64
	log    *zap.Logger
}

func NewService(st orders.Store, stg stage.Stage, ledger *discount.Ledger, engine *pricing.Engine, fees map[string]int64, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, stage: stg, ledger: ledger, engine: engine, fees: fees, log: log}
}

// DeliveryFee returns the configured fee for method.
func (s *Service) DeliveryFee(method string) (int64, error) {
	fee, ok := s.fees[strings.ToLower(strings.TrimSpace(method))]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownDelivery, method)
	}
	return fee, nil
}

func (s *Service) Begin(ctx context.Context, tc tenant.Context, req Request) (*Checkout, error) {
	if len(req.Lines) == 0 {
		return nil, ErrEmptyCart
	}
	c := req.Customer
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Phone) == "" || strings.TrimSpace(c.Address) == "" {
		return nil, ErrMissingCustomerInfo
	}
	method := strings.ToLower(strings.TrimSpace(req.DeliveryMethod))
	fee, err := s.DeliveryFee(method)
	if err != nil {
		return nil, err
	}

	active, err := s.store.ActiveCampaigns(ctx, tc.ID)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	at := s.engine.Now()

	lines := make([]stage.Line, 0, len(req.Lines))
	used := map[int64]pricing.Campaign{}
	var subtotal int64
	for _, lr := range req.Lines {
		ln, q, err := s.priceLine(ctx, tc, lr, active, at)
		if err != nil {
			return nil, err
		}
		if q.Campaign != nil {
			id := q.Campaign.ID
			ln.CampaignID = &id
			used[id] = *q.Campaign
		}
		subtotal += ln.FinalPrice * int64(ln.Quantity)
		lines = append(lines, ln)
	}
	// Only the campaigns that won a line are needed to reproduce the prices.
	campaigns := make([]pricing.Campaign, 0, len(used))
	for _, c := range used {
		campaigns = append(campaigns, c)
	}

	p := &stage.PendingOrder{
		InvoiceID: uuid.NewString(),
		TenantID:  tc.ID,
		UserID:    req.UserID,
		Lines:     lines,
		Campaigns: campaigns,
		PricedAt:  at,
		Subtotal:  subtotal,
		Delivery:  stage.Delivery{Method: method, Fee: fee},
		Customer:  c,
		CreatedAt: at,
	}
	inv := &orders.Invoice{
		ID:          p.InvoiceID,
		TenantID:    tc.ID,
		UserID:      req.UserID,
		DeliveryFee: fee,
		Status:      orders.InvoiceUnpaid,
	}

	err = s.store.InTx(ctx, func(tx orders.Tx) error {
		p.DiscountCode, p.DiscountAmount = "", 0
		if code := strings.TrimSpace(req.DiscountCode); code != "" {
			res, err := s.ledger.Validate(ctx, tx, tc, code, req.UserID, subtotal)
			if err != nil {
				return err
			}
			p.DiscountCode, p.DiscountAmount = res.Code.Code, res.DiscountAmount
		}
		p.Total = subtotal - p.DiscountAmount + fee
		inv.Amount = p.Total
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		// Written before commit: an invoice without a stage could never settle.
		return s.stage.Put(ctx, p)
	})
	if err != nil {
		if _, ok := discount.ReasonOf(err); !ok {
			s.log.Error("checkout_failed", zap.String("tenant_id", tc.ID), zap.String("invoice_id", p.InvoiceID), zap.Error(err))
			if derr := s.stage.Delete(ctx, p.InvoiceID); derr != nil {
				s.log.Warn("stage_delete_failed", zap.String("invoice_id", p.InvoiceID), zap.Error(derr))
			}
		}
		return nil, err
	}

	s.log.Info("checkout_started",
		zap.String("tenant_id", tc.ID),
		zap.String("invoice_id", inv.ID),
		zap.Int("lines", len(lines)),
		zap.Int64("subtotal", subtotal),
		zap.Int64("discount", p.DiscountAmount),
		zap.Int64("total", inv.Amount),
	)
	return &Checkout{Invoice: inv, Pending: p}, nil
}

func (s *Service) priceLine(ctx context.Context, tc tenant.Context, lr LineRequest, active []pricing.Campaign, at time.Time) (stage.Line, pricing.Quote, error) {
	if lr.Quantity <= 0 {
		return stage.Line{}, pricing.Quote{}, fmt.Errorf("%w: product %d", ErrInvalidQuantity, lr.ProductID)
	}
	it, stock, err := s.item(ctx, tc, lr.ProductID, lr.VariantID)
	if err != nil {
		return stage.Line{}, pricing.Quote{}, err
	}
	// Stock is checked again under lock at settlement; this only fails fast.
	if stock < lr.Quantity {
		return stage.Line{}, pricing.Quote{}, fmt.Errorf("%w: product %d has %d", ErrOutOfStock, lr.ProductID, stock)
	}
	q := pricing.PriceFor(it, active, at)
	return stage.Line{
		ProductID:  it.ProductID,
		VariantID:  it.VariantID,
		CategoryID: it.CategoryID,
		Quantity:   lr.Quantity,
		UnitPrice:  q.OriginalPrice,
		FinalPrice: q.DiscountedPrice,
	}, q, nil
}

// item resolves the priceable item and its stock from the catalog.
func (s *Service) item(ctx context.Context, tc tenant.Context, productID int64, variantID *int64) (pricing.Item, int, error) {
	prod, err := s.store.Product(ctx, tc.ID, productID)
	if errors.Is(err, orders.ErrNotFound) || (err == nil && !prod.IsActive) {
		return pricing.Item{}, 0, fmt.Errorf("%w: product %d", ErrProductUnavailable, productID)
	}
	if err != nil {
		return pricing.Item{}, 0, err
	}
	it := pricing.Item{TenantID: tc.ID, ProductID: prod.ID, CategoryID: prod.CategoryID, Price: prod.Price}
	if variantID == nil {
		return it, prod.Stock, nil
	}
	v, err := s.store.Variant(ctx, prod.ID, *variantID)
	if errors.Is(err, orders.ErrNotFound) || (err == nil && !v.IsActive) {
		return pricing.Item{}, 0, fmt.Errorf("%w: variant %d", ErrProductUnavailable, *variantID)
	}
	if err != nil {
		return pricing.Item{}, 0, err
	}
	vid := v.ID
	it.VariantID = &vid
	if v.Price != nil {
		it.Price = *v.Price
	}
	return it, v.Stock, nil
}

// Quote is the storefront listing price of a product or variant right now.
func (s *Service) Quote(ctx context.Context, tc tenant.Context, productID int64, variantID *int64) (pricing.Quote, error) {
	it, _, err := s.item(ctx, tc, productID, variantID)
	if err != nil {
		return pricing.Quote{}, err
	}
	active, err := s.store.ActiveCampaigns(ctx, tc.ID)
	if err != nil {
		return pricing.Quote{}, err
	}
	return s.engine.PriceNow(tc, it, active), nil
}

// PreviewDiscount validates code for the user and amount without consuming it.
func (s *Service) PreviewDiscount(ctx context.Context, tc tenant.Context, code, userID string, amount int64) (discount.Result, error) {
	var res discount.Result
	err := s.store.InTx(ctx, func(tx orders.Tx) error {
		var err error
		res, err = s.ledger.Validate(ctx, tx, tc, code, userID, amount)
		return err
	})
	return res, err
}

// Abandon cancels an unpaid invoice whose payment could not be started and
// drops its stage. Paid, linked or already cancelled invoices are left alone.
func (s *Service) Abandon(ctx context.Context, tc tenant.Context, invoiceID string) error {
	var cancelled bool
	err := s.store.InTx(ctx, func(tx orders.Tx) error {
		cancelled = false
		inv, err := tx.LockInvoice(ctx, tc.ID, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != orders.InvoiceUnpaid || inv.OrderID != nil {
			return nil
		}
		inv.Status = orders.InvoiceCancelled
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil || !cancelled {
		return err
	}
	s.log.Info("checkout_abandoned", zap.String("tenant_id", tc.ID), zap.String("invoice_id", invoiceID))
	return s.stage.Delete(ctx, invoiceID)
}
