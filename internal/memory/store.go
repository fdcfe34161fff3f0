package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
)

// Store is an in-process orders.Store. Transactions are serialized by one
// mutex, which stands in for row locks, and run against a copy of the data
// that replaces the committed state only when fn succeeds.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *state
}

var _ orders.Store = (*Store)(nil)

type state struct {
	seq          int64
	products     map[int64]orders.Product
	variants     map[int64]orders.Variant
	campaigns    []pricing.Campaign
	gateways     []gateway.Config
	codes        map[int64]discount.Code
	usages       []discount.Usage
	invoices     map[string]orders.Invoice
	transactions map[string]orders.Transaction
	orders       map[string]orders.Order
	items        []orders.OrderItem
	sales        []orders.CampaignSale
	failures     []orders.SettlementFailure
}

func NewStore() *Store {
	return &Store{data: &state{
		products:     map[int64]orders.Product{},
		variants:     map[int64]orders.Variant{},
		codes:        map[int64]discount.Code{},
		invoices:     map[string]orders.Invoice{},
		transactions: map[string]orders.Transaction{},
		orders:       map[string]orders.Order{},
	}}
}

func (s *state) clone() *state {
	c := *s
	c.products = maps.Clone(s.products)
	c.variants = maps.Clone(s.variants)
	c.campaigns = slices.Clone(s.campaigns)
	c.gateways = slices.Clone(s.gateways)
	c.codes = maps.Clone(s.codes)
	c.usages = slices.Clone(s.usages)
	c.invoices = maps.Clone(s.invoices)
	c.transactions = maps.Clone(s.transactions)
	c.orders = maps.Clone(s.orders)
	c.items = slices.Clone(s.items)
	c.sales = slices.Clone(s.sales)
	c.failures = slices.Clone(s.failures)
	return &c
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

func (s *Store) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

func (s *Store) read(fn func(st *state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.data)
}

func (s *Store) write(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

func (s *Store) Product(_ context.Context, tenantID string, id int64) (*orders.Product, error) {
	var (
		p  orders.Product
		ok bool
	)
	s.read(func(st *state) { p, ok = st.products[id] })
	if !ok || p.TenantID != tenantID {
		return nil, fmt.Errorf("%w: product %d", orders.ErrNotFound, id)
	}
	return &p, nil
}

func (s *Store) Variant(_ context.Context, productID, variantID int64) (*orders.Variant, error) {
	var (
		v  orders.Variant
		ok bool
	)
	s.read(func(st *state) { v, ok = st.variants[variantID] })
	if !ok || v.ProductID != productID {
		return nil, fmt.Errorf("%w: variant %d", orders.ErrNotFound, variantID)
	}
	return &v, nil
}

func (s *Store) ActiveCampaigns(_ context.Context, tenantID string) ([]pricing.Campaign, error) {
	var out []pricing.Campaign
	s.read(func(st *state) {
		for _, c := range st.campaigns {
			if c.TenantID == tenantID && c.IsActive {
				out = append(out, c)
			}
		}
	})
	return out, nil
}

func (s *Store) ListGateways(context.Context) ([]gateway.Config, error) {
	var out []gateway.Config
	s.read(func(st *state) { out = slices.Clone(st.gateways) })
	return out, nil
}

func (s *Store) Invoice(_ context.Context, tenantID, id string) (*orders.Invoice, error) {
	var (
		inv orders.Invoice
		ok  bool
	)
	s.read(func(st *state) { inv, ok = st.invoices[id] })
	if !ok || inv.TenantID != tenantID {
		return nil, fmt.Errorf("%w: invoice %s", orders.ErrNotFound, id)
	}
	return &inv, nil
}

func (s *Store) Transaction(_ context.Context, tenantID, id string) (*orders.Transaction, error) {
	var (
		t  orders.Transaction
		ok bool
	)
	s.read(func(st *state) { t, ok = st.transactions[id] })
	if !ok || t.TenantID != tenantID {
		return nil, fmt.Errorf("%w: transaction %s", orders.ErrNotFound, id)
	}
	t.CallbackData = maps.Clone(t.CallbackData)
	return &t, nil
}

func (s *Store) TransactionIDByRef(_ context.Context, gatewayID int64, ref string) (string, error) {
	var id string
	s.read(func(st *state) {
		for _, t := range st.transactions {
			if t.GatewayID == gatewayID && t.GatewayRef != "" && t.GatewayRef == ref {
				id = t.ID
				return
			}
		}
	})
	if id == "" {
		return "", gateway.ErrTransactionNotFound
	}
	return id, nil
}

func (s *Store) OrderByInvoice(_ context.Context, tenantID, invoiceID string) (*orders.Order, error) {
	var (
		o  orders.Order
		ok bool
	)
	s.read(func(st *state) {
		for _, v := range st.orders {
			if v.TenantID == tenantID && v.InvoiceID == invoiceID {
				o, ok = v, true
				return
			}
		}
	})
	if !ok {
		return nil, fmt.Errorf("%w: order for invoice %s", orders.ErrNotFound, invoiceID)
	}
	return &o, nil
}

func (s *Store) RecordSettlementFailure(_ context.Context, f *orders.SettlementFailure) (bool, error) {
	inserted := true
	s.write(func(st *state) {
		for _, e := range st.failures {
			if e.EventID == f.EventID {
				inserted = false
				return
			}
		}
		if f.RecordedAt.IsZero() {
			f.RecordedAt = time.Now().UTC()
		}
		f.ID = st.next()
		st.failures = append(st.failures, *f)
	})
	return inserted, nil
}

func (s *Store) ListSettlementFailures(_ context.Context, tenantID string, limit int) ([]orders.SettlementFailure, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []orders.SettlementFailure
	s.read(func(st *state) {
		for _, f := range st.failures {
			if f.TenantID == tenantID {
				out = append(out, f)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- transaction ----

type tx struct{ st *state }

var _ orders.Tx = (*tx)(nil)

func (t *tx) LockCode(_ context.Context, tenantID, code string) (*discount.Code, error) {
	for _, c := range t.st.codes {
		if c.TenantID == tenantID && strings.EqualFold(c.Code, code) {
			return &c, nil
		}
	}
	return nil, discount.ErrCodeNotFound
}

func (t *tx) HasUsage(_ context.Context, codeID int64, userID string) (bool, error) {
	for _, u := range t.st.usages {
		if u.CodeID == codeID && u.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) IncrementCodeUsage(_ context.Context, codeID int64) error {
	c, ok := t.st.codes[codeID]
	if !ok {
		return discount.ErrCodeNotFound
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return fmt.Errorf("discount code %d: usage limit reached under lock", codeID)
	}
	c.UsedCount++
	t.st.codes[codeID] = c
	return nil
}

func (t *tx) InsertUsage(_ context.Context, u *discount.Usage) error {
	for _, e := range t.st.usages {
		if e.CodeID == u.CodeID && e.UserID == u.UserID {
			return fmt.Errorf("discount usage (%d, %s) already exists", u.CodeID, u.UserID)
		}
	}
	u.ID = t.st.next()
	t.st.usages = append(t.st.usages, *u)
	return nil
}

func (t *tx) CreateInvoice(_ context.Context, inv *orders.Invoice) error {
	if _, ok := t.st.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	now := time.Now().UTC()
	inv.CreatedAt, inv.UpdatedAt = now, now
	t.st.invoices[inv.ID] = *inv
	return nil
}

func (t *tx) LockInvoice(_ context.Context, tenantID, id string) (*orders.Invoice, error) {
	inv, ok := t.st.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return nil, fmt.Errorf("%w: invoice %s", orders.ErrNotFound, id)
	}
	return &inv, nil
}

func (t *tx) UpdateInvoice(_ context.Context, inv *orders.Invoice) error {
	if _, ok := t.st.invoices[inv.ID]; !ok {
		return fmt.Errorf("%w: invoice %s", orders.ErrNotFound, inv.ID)
	}
	inv.UpdatedAt = time.Now().UTC()
	t.st.invoices[inv.ID] = *inv
	return nil
}

func (t *tx) CreateTransaction(_ context.Context, tr *orders.Transaction) error {
	if _, ok := t.st.transactions[tr.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tr.ID)
	}
	now := time.Now().UTC()
	tr.CreatedAt, tr.UpdatedAt = now, now
	c := *tr
	c.CallbackData = maps.Clone(tr.CallbackData)
	t.st.transactions[tr.ID] = c
	return nil
}

func (t *tx) LockTransaction(_ context.Context, tenantID, id string) (*orders.Transaction, error) {
	tr, ok := t.st.transactions[id]
	if !ok || tr.TenantID != tenantID {
		return nil, fmt.Errorf("%w: transaction %s", orders.ErrNotFound, id)
	}
	tr.CallbackData = maps.Clone(tr.CallbackData)
	return &tr, nil
}

func (t *tx) UpdateTransaction(_ context.Context, tr *orders.Transaction) error {
	if _, ok := t.st.transactions[tr.ID]; !ok {
		return fmt.Errorf("%w: transaction %s", orders.ErrNotFound, tr.ID)
	}
	if tr.GatewayRef != "" {
		for id, e := range t.st.transactions {
			if id != tr.ID && e.GatewayID == tr.GatewayID && e.GatewayRef == tr.GatewayRef {
				return fmt.Errorf("gateway ref %q already used by transaction %s", tr.GatewayRef, id)
			}
		}
	}
	tr.UpdatedAt = time.Now().UTC()
	c := *tr
	c.CallbackData = maps.Clone(tr.CallbackData)
	t.st.transactions[tr.ID] = c
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o *orders.Order) error {
	for _, e := range t.st.orders {
		if e.InvoiceID == o.InvoiceID {
			return fmt.Errorf("invoice %s already has order %s", o.InvoiceID, e.ID)
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	t.st.orders[o.ID] = *o
	return nil
}

func (t *tx) InsertOrderItem(_ context.Context, it *orders.OrderItem) error {
	it.ID = t.st.next()
	t.st.items = append(t.st.items, *it)
	return nil
}

func (t *tx) InsertCampaignSale(_ context.Context, cs *orders.CampaignSale) error {
	cs.ID = t.st.next()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now().UTC()
	}
	t.st.sales = append(t.st.sales, *cs)
	return nil
}

func (t *tx) DecrementProductStock(_ context.Context, productID int64, qty int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %d", orders.ErrNotFound, productID)
	}
	if p.Stock < qty {
		return fmt.Errorf("%w: product %d has %d, need %d", orders.ErrInsufficientStock, productID, p.Stock, qty)
	}
	p.Stock -= qty
	t.st.products[productID] = p
	return nil
}

func (t *tx) DecrementVariantStock(_ context.Context, variantID int64, qty int) error {
	v, ok := t.st.variants[variantID]
	if !ok {
		return fmt.Errorf("%w: variant %d", orders.ErrNotFound, variantID)
	}
	if v.Stock < qty {
		return fmt.Errorf("%w: variant %d has %d, need %d", orders.ErrInsufficientStock, variantID, v.Stock, qty)
	}
	v.Stock -= qty
	t.st.variants[variantID] = v
	return nil
}
