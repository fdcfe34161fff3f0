package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/checkout"
	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/ariefcatur/go-storefront-settlement/internal/memory"
	"github.com/ariefcatur/go-storefront-settlement/internal/metrics"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/ariefcatur/go-storefront-settlement/internal/reconcile"
	"github.com/ariefcatur/go-storefront-settlement/internal/settlement"
	"github.com/ariefcatur/go-storefront-settlement/internal/stage"
	"github.com/shopspring/decimal"
)

const shop = "shop-1"

type env struct {
	srv     *httptest.Server
	store   *memory.Store
	stage   *stage.Memory
	product orders.Product
	card    gateway.Config
	m       *metrics.Metrics
}

// failingTx refuses to open payment attempts.
type failingTx struct{ orders.Tx }

func (failingTx) CreateTransaction(context.Context, *orders.Transaction) error {
	return orders.ErrConcurrencyConflict
}

type conflictingStore struct{ *memory.Store }

func (s conflictingStore) InTx(ctx context.Context, fn func(tx orders.Tx) error) error {
	return s.Store.InTx(ctx, func(tx orders.Tx) error { return fn(failingTx{tx}) })
}

// newEnv wires the API over a memory store. paymentStore, when set, replaces
// the store seen by the payment orchestrator.
func newEnv(t *testing.T, paymentStore ...func(*memory.Store) orders.Store) *env {
	t.Helper()
	e := &env{store: memory.NewStore(), stage: stage.NewMemory(time.Hour, nil), m: metrics.New("test")}
	e.product = e.store.AddProduct(orders.Product{TenantID: shop, CategoryID: 3, Name: "Scarf", Price: 100000, Stock: 5, IsActive: true})
	maxDiscount := int64(15000)
	e.store.AddCampaign(pricing.Campaign{
		TenantID: shop, Type: pricing.DiscountPercentage, Value: decimal.NewFromInt(20), MaxDiscountAmount: &maxDiscount,
		IsActive: true, CreatedAt: time.Now().Add(-time.Hour), Targets: pricing.Targets{pricing.ProductTarget{ID: e.product.ID}},
	})
	e.card = e.store.AddGateway(gateway.Config{
		TenantID: shop, Type: gateway.TypeCardTransfer, Name: "Card to card", IsActive: true,
		Settings: map[string]string{"card_number": "6037990000000000"},
	})
	cfgs, _ := e.store.ListGateways(context.Background())
	set, err := gateway.NewRegistry().Build(cfgs, gateway.Deps{Finder: e.store})
	if err != nil {
		t.Fatal(err)
	}

	ledger := discount.NewLedger(nil)
	rec := &reconcile.Service{Store: e.store}
	var payStore orders.Store = e.store
	for _, wrap := range paymentStore {
		payStore = wrap(e.store)
	}
	h := &Handler{
		Checkout: checkout.NewService(e.store, e.stage, ledger, pricing.NewEngine(nil), map[string]int64{"post": 30000}, nil),
		Payments: settlement.New(settlement.Deps{
			Store:        payStore,
			Stage:        e.stage,
			Gateways:     set,
			Materializer: settlement.NewMaterializer(e.stage, ledger, nil, nil),
			Notifier:     settlement.NewNotifier(reconcile.Direct{Service: rec}, "test", nil, e.m),
			Metrics:      e.m,
		}),
		Gateways: set,
		Store:    e.store,
	}
	r := NewRouter(RouterOptions{Metrics: e.m})
	h.Register(r)
	e.srv = httptest.NewServer(r)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tenantHeader, shop)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *env) checkoutBody(qty int) map[string]any {
	return map[string]any{
		"user_id":         "u1",
		"gateway_id":      e.card.ID,
		"lines":           []map[string]any{{"product_id": e.product.ID, "quantity": qty}},
		"customer":        map[string]any{"name": "Sara", "phone": "0912000000", "address": "Tehran"},
		"delivery_method": "post",
	}
}

func TestCheckoutAndCardTransferApproval(t *testing.T) {
	e := newEnv(t)

	resp, co := e.do(t, http.MethodPost, "/checkout", e.checkoutBody(2))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("checkout status = %d body = %v", resp.StatusCode, co)
	}
	if co["amount"].(float64) != 200000 || co["success"] != true {
		t.Fatalf("checkout = %v", co)
	}
	form := co["form_data"].(map[string]any)
	ref := form["reference"].(string)
	if !strings.HasPrefix(ref, "CT-") || form["amount"] != "200000" {
		t.Fatalf("form = %v", form)
	}

	decision := map[string]any{"reference": ref, "decision": "approve"}
	resp, out := e.do(t, http.MethodPost, "/admin/payments/card-transfer/decision", decision)
	if resp.StatusCode != http.StatusOK || out["status"] != "verified" || out["order_id"] == "" {
		t.Fatalf("decision = %d %v", resp.StatusCode, out)
	}
	resp, again := e.do(t, http.MethodPost, "/admin/payments/card-transfer/decision", decision)
	if resp.StatusCode != http.StatusOK || again["replayed"] != true || again["order_id"] != out["order_id"] {
		t.Fatalf("replay = %d %v", resp.StatusCode, again)
	}
	if n := len(e.store.Orders()); n != 1 {
		t.Fatalf("orders = %d", n)
	}
}

func TestMissingStageSurfacesInReconciliationQueue(t *testing.T) {
	e := newEnv(t)
	_, co := e.do(t, http.MethodPost, "/checkout", e.checkoutBody(1))
	if err := e.stage.Delete(context.Background(), co["invoice_id"].(string)); err != nil {
		t.Fatal(err)
	}

	ref := co["form_data"].(map[string]any)["reference"].(string)
	decision := map[string]any{"reference": ref, "decision": "approve"}
	resp, out := e.do(t, http.MethodPost, "/admin/payments/card-transfer/decision", decision)
	if resp.StatusCode != http.StatusAccepted || out["error"] != "settlement_pending" {
		t.Fatalf("verify = %d %v", resp.StatusCode, out)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/admin/settlement-failures", nil)
	req.Header.Set(tenantHeader, shop)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var fs []orders.SettlementFailure
	if err := json.NewDecoder(res.Body).Decode(&fs); err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 || fs[0].Reason != orders.FailureStageMissing || fs[0].InvoiceID != co["invoice_id"] {
		t.Fatalf("failures = %+v", fs)
	}
}

func TestCustomerCannotApproveOwnTransfer(t *testing.T) {
	e := newEnv(t)
	_, co := e.do(t, http.MethodPost, "/checkout", e.checkoutBody(1))
	ref := co["form_data"].(map[string]any)["reference"].(string)

	resp, out := e.do(t, http.MethodGet, "/payments/card_transfer/callback?reference="+ref+"&decision=approve", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "pending" {
		t.Fatalf("callback = %d %v", resp.StatusCode, out)
	}
	path := "/payments/transactions/" + co["transaction_id"].(string) + "/verify?decision=approve&reference=" + ref
	resp, out = e.do(t, http.MethodPost, path, nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "pending" {
		t.Fatalf("verify = %d %v", resp.StatusCode, out)
	}
	if n := len(e.store.Orders()); n != 0 {
		t.Fatalf("orders = %d", n)
	}
	if got := e.store.ProductStock(e.product.ID); got != 5 {
		t.Fatalf("stock = %d", got)
	}
}

func TestFailedInitiationCancelsInvoice(t *testing.T) {
	e := newEnv(t, func(s *memory.Store) orders.Store { return conflictingStore{s} })

	resp, out := e.do(t, http.MethodPost, "/checkout", e.checkoutBody(1))
	if resp.StatusCode != http.StatusConflict || out["error"] != "conflict" {
		t.Fatalf("checkout = %d %v", resp.StatusCode, out)
	}
	invs := e.store.Invoices()
	if len(invs) != 1 || invs[0].Status != orders.InvoiceCancelled {
		t.Fatalf("invoices = %+v", invs)
	}
	if _, err := e.stage.Get(context.Background(), invs[0].ID); !errors.Is(err, stage.ErrStageMissing) {
		t.Fatalf("stage still present: %v", err)
	}
}

func TestValidateDiscountReportsReason(t *testing.T) {
	e := newEnv(t)
	minOrder := int64(50000)
	e.store.AddCode(discount.Code{
		TenantID: shop, Code: "BIG", Type: pricing.DiscountPercentage, Value: decimal.NewFromInt(10),
		MinOrderAmount: &minOrder, IsActive: true, CreatedAt: time.Now().Add(-time.Hour),
	})

	resp, out := e.do(t, http.MethodPost, "/discounts/validate", map[string]any{"code": "big", "user_id": "u1", "amount": 40000})
	if resp.StatusCode != http.StatusUnprocessableEntity || out["error"] != string(discount.ReasonMinOrderAmount) {
		t.Fatalf("reject = %d %v", resp.StatusCode, out)
	}
	resp, out = e.do(t, http.MethodPost, "/discounts/validate", map[string]any{"code": "big", "user_id": "u1", "amount": 60000})
	if resp.StatusCode != http.StatusOK || out["discount_amount"].(float64) != 6000 {
		t.Fatalf("accept = %d %v", resp.StatusCode, out)
	}
}

func TestProductPrice(t *testing.T) {
	e := newEnv(t)
	resp, out := e.do(t, http.MethodGet, "/products/"+strconv.FormatInt(e.product.ID, 10)+"/price", nil)
	if resp.StatusCode != http.StatusOK || out["discounted_price"].(float64) != 85000 {
		t.Fatalf("price = %d %v", resp.StatusCode, out)
	}
	resp, _ = e.do(t, http.MethodGet, "/products/999/price", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unknown product status = %d", resp.StatusCode)
	}
}

func TestRequestsNeedTenant(t *testing.T) {
	e := newEnv(t)
	res, err := http.Post(e.srv.URL+"/checkout", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestUnknownCallbackGateway(t *testing.T) {
	e := newEnv(t)
	resp, out := e.do(t, http.MethodGet, "/payments/paypal/callback?token=x", nil)
	if resp.StatusCode != http.StatusNotFound || out["error"] != "not_found" {
		t.Fatalf("callback = %d %v", resp.StatusCode, out)
	}
}

func TestGatewaysAndHealth(t *testing.T) {
	e := newEnv(t)
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/payments/gateways", nil)
	req.Header.Set(tenantHeader, shop)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var gws []gatewayView
	_ = json.NewDecoder(res.Body).Decode(&gws)
	res.Body.Close()
	if len(gws) != 1 || gws[0].Type != gateway.TypeCardTransfer || gws[0].Name != "Card to card" {
		t.Fatalf("gateways = %+v", gws)
	}

	for _, p := range []string{"/healthz", "/metrics"} {
		res, err := http.Get(e.srv.URL + p)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", p, res.StatusCode)
		}
	}
}
