package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
)

type finder map[string]string

func (f finder) TransactionIDByRef(_ context.Context, _ int64, ref string) (string, error) {
	id, ok := f[ref]
	if !ok {
		return "", gateway.ErrTransactionNotFound
	}
	return id, nil
}

type provider struct {
	srv   *httptest.Server
	calls atomic.Int32
	last  atomic.Value // map[string]any
}

func newProvider(t *testing.T, handle func(path string, body map[string]any) (int, string)) *provider {
	t.Helper()
	p := &provider{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.last.Store(body)
		status, resp := handle(r.URL.Path, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *provider) body() map[string]any {
	b, _ := p.last.Load().(map[string]any)
	return b
}

func build(t *testing.T, cfg gateway.Config, deps gateway.Deps) gateway.Adapter {
	t.Helper()
	set, err := gateway.NewRegistry().Build([]gateway.Config{cfg}, deps)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, a, err := set.ByID(cfg.TenantID, cfg.ID)
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	return a
}

func zarinpalConfig(base string) gateway.Config {
	return gateway.Config{
		ID: 1, TenantID: "t1", Type: gateway.TypeZarinpal, IsActive: true,
		Settings: map[string]string{
			"merchant_id":   "merchant-1",
			"api_base":      base,
			"start_pay_url": "https://pay.test/StartPay/",
		},
	}
}

func TestZarinpalInitiateConvertsToRialAndRedirects(t *testing.T) {
	p := newProvider(t, func(path string, _ map[string]any) (int, string) {
		if path != "/pg/v4/payment/request.json" {
			return http.StatusNotFound, `{}`
		}
		return http.StatusOK, `{"data":{"code":100,"message":"Success","authority":"A000123","fee":0},"errors":[]}`
	})
	a := build(t, zarinpalConfig(p.srv.URL), gateway.Deps{})

	res := a.Initiate(context.Background(), gateway.Payment{TransactionID: "tx1", InvoiceID: "inv1", Amount: 85000, CallbackURL: "https://shop.test/cb"})
	if !res.Success {
		t.Fatalf("initiate failed: %s", res.Message)
	}
	if res.RedirectURL != "https://pay.test/StartPay/A000123" || res.GatewayRef != "A000123" {
		t.Fatalf("redirect=%q ref=%q", res.RedirectURL, res.GatewayRef)
	}
	if got := p.body()["amount"]; got != float64(850000) {
		t.Fatalf("amount sent = %v, want 850000 rial", got)
	}
	if got := p.body()["merchant_id"]; got != "merchant-1" {
		t.Fatalf("merchant_id = %v", got)
	}
}

func TestZarinpalInitiateProviderErrorIsNeutral(t *testing.T) {
	p := newProvider(t, func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"data":[],"errors":{"code":-9,"message":"The input params invalid, validation error."}}`
	})
	a := build(t, zarinpalConfig(p.srv.URL), gateway.Deps{})

	res := a.Initiate(context.Background(), gateway.Payment{Amount: 1000})
	if res.Success {
		t.Fatal("expected failure")
	}
	if strings.Contains(res.Message, "-9") || strings.Contains(res.Message, "validation") {
		t.Fatalf("provider payload leaked into message: %q", res.Message)
	}
}

func TestZarinpalInitiateMalformedResponse(t *testing.T) {
	p := newProvider(t, func(string, map[string]any) (int, string) {
		return http.StatusBadGateway, `<html>bad gateway</html>`
	})
	a := build(t, zarinpalConfig(p.srv.URL), gateway.Deps{})
	if res := a.Initiate(context.Background(), gateway.Payment{Amount: 1000}); res.Success {
		t.Fatal("expected failure on malformed body")
	}
}

func TestZarinpalVerify(t *testing.T) {
	tests := []struct {
		name         string
		resp         string
		cb           gateway.CallbackData
		wantSuccess  bool
		wantVerified bool
		wantCalls    int32
	}{
		{
			name:        "ok",
			resp:        `{"data":{"code":100,"ref_id":201,"card_pan":"5022****1234"},"errors":[]}`,
			cb:          gateway.CallbackData{"Authority": "A1", "Status": "OK"},
			wantSuccess: true, wantVerified: true, wantCalls: 1,
		},
		{
			name:        "already verified",
			resp:        `{"data":{"code":101,"ref_id":201},"errors":[]}`,
			cb:          gateway.CallbackData{"Authority": "A1", "Status": "OK"},
			wantSuccess: true, wantVerified: true, wantCalls: 1,
		},
		{
			name:      "user cancelled",
			cb:        gateway.CallbackData{"Authority": "A1", "Status": "NOK"},
			wantCalls: 0,
		},
		{
			name:      "authority mismatch",
			cb:        gateway.CallbackData{"Authority": "other", "Status": "OK"},
			wantCalls: 0,
		},
		{
			name:        "poll before payment",
			resp:        `{"data":[],"errors":{"code":-51,"message":"Session is not valid"}}`,
			wantSuccess: true, wantVerified: false, wantCalls: 1,
		},
		{
			name:      "not paid on return",
			resp:      `{"data":[],"errors":{"code":-51,"message":"Session is not valid"}}`,
			cb:        gateway.CallbackData{"Authority": "A1", "Status": "OK"},
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider(t, func(string, map[string]any) (int, string) { return http.StatusOK, tt.resp })
			a := build(t, zarinpalConfig(p.srv.URL), gateway.Deps{})

			res := a.Verify(context.Background(), gateway.Verification{TransactionID: "tx1", GatewayRef: "A1", Amount: 5000}, tt.cb)
			if res.Success != tt.wantSuccess || res.Verified != tt.wantVerified {
				t.Fatalf("got success=%v verified=%v (%s)", res.Success, res.Verified, res.Message)
			}
			if got := p.calls.Load(); got != tt.wantCalls {
				t.Fatalf("provider calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantCalls > 0 && p.body()["amount"] != float64(50000) {
				t.Fatalf("verify amount = %v", p.body()["amount"])
			}
		})
	}
}

func TestZarinpalTimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	p := newProvider(t, func(string, map[string]any) (int, string) {
		<-release
		return http.StatusOK, `{}`
	})
	defer close(release)

	var observed atomic.Int32
	deps := gateway.Deps{
		Timeout: 20 * time.Millisecond,
		Observe: func(_ gateway.Type, _ string, _ time.Duration, ok bool) {
			if !ok {
				observed.Add(1)
			}
		},
	}
	a := build(t, zarinpalConfig(p.srv.URL), deps)
	res := a.Verify(context.Background(), gateway.Verification{GatewayRef: "A1", Amount: 10}, nil)
	if res.Success {
		t.Fatal("timeout must be reported as failure")
	}
	if observed.Load() != 1 {
		t.Fatalf("failed observations = %d", observed.Load())
	}
}

func TestZarinpalCallbackResolvesByAuthority(t *testing.T) {
	deps := gateway.Deps{Finder: finder{"A1": "tx-42"}}
	a := build(t, zarinpalConfig("http://unused"), deps)

	res := a.Callback(context.Background(), gateway.CallbackData{"Authority": "A1", "Status": "OK"})
	if !res.Success || res.TransactionID != "tx-42" || !res.Verified {
		t.Fatalf("callback = %+v", res)
	}
	res = a.Callback(context.Background(), gateway.CallbackData{"Authority": "A1", "Status": "NOK"})
	if !res.Success || res.Verified {
		t.Fatalf("cancelled callback = %+v", res)
	}
	if res := a.Callback(context.Background(), gateway.CallbackData{"Authority": "nope"}); res.Success {
		t.Fatalf("unknown authority resolved: %+v", res)
	}
}

func zibalConfig(base string) gateway.Config {
	return gateway.Config{
		ID: 2, TenantID: "t1", Type: gateway.TypeZibal, IsActive: true,
		Settings: map[string]string{"merchant": "zb-merchant", "api_base": base, "start_url": "https://zibal.test/start/"},
	}
}

func TestZibalInitiate(t *testing.T) {
	p := newProvider(t, func(path string, _ map[string]any) (int, string) {
		if path != "/v1/request" {
			return http.StatusNotFound, `{}`
		}
		return http.StatusOK, `{"trackId":15966442233311,"result":100,"message":"success"}`
	})
	a := build(t, zibalConfig(p.srv.URL), gateway.Deps{})

	res := a.Initiate(context.Background(), gateway.Payment{InvoiceID: "inv1", Amount: 2500})
	if !res.Success || res.GatewayRef != "15966442233311" || res.RedirectURL != "https://zibal.test/start/15966442233311" {
		t.Fatalf("initiate = %+v", res)
	}
	if p.body()["amount"] != float64(25000) || p.body()["orderId"] != "inv1" {
		t.Fatalf("request body = %v", p.body())
	}
}

func TestZibalSandboxMerchant(t *testing.T) {
	p := newProvider(t, func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"trackId":1,"result":100}`
	})
	cfg := zibalConfig(p.srv.URL)
	cfg.Settings["sandbox"] = "true"
	a := build(t, cfg, gateway.Deps{})
	a.Initiate(context.Background(), gateway.Payment{Amount: 1})
	if p.body()["merchant"] != "zibal" {
		t.Fatalf("merchant = %v", p.body()["merchant"])
	}
}

func TestZibalVerify(t *testing.T) {
	tests := []struct {
		name         string
		resp         string
		cb           gateway.CallbackData
		wantSuccess  bool
		wantVerified bool
	}{
		{"ok", `{"result":100,"amount":50000,"refNumber":7788,"cardNumber":"62741****44"}`, gateway.CallbackData{"success": "1", "trackId": "99"}, true, true},
		{"already verified", `{"result":201,"amount":50000}`, gateway.CallbackData{"success": "1", "trackId": "99"}, true, true},
		{"amount mismatch", `{"result":100,"amount":10}`, gateway.CallbackData{"success": "1", "trackId": "99"}, false, false},
		{"failed on return", `{"result":100}`, gateway.CallbackData{"success": "0", "trackId": "99", "status": "3"}, false, false},
		{"poll not paid", `{"result":202}`, nil, true, false},
		{"not paid on return", `{"result":202}`, gateway.CallbackData{"success": "1", "trackId": "99"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProvider(t, func(string, map[string]any) (int, string) { return http.StatusOK, tt.resp })
			a := build(t, zibalConfig(p.srv.URL), gateway.Deps{})
			res := a.Verify(context.Background(), gateway.Verification{GatewayRef: "99", Amount: 5000}, tt.cb)
			if res.Success != tt.wantSuccess || res.Verified != tt.wantVerified {
				t.Fatalf("got success=%v verified=%v (%s)", res.Success, res.Verified, res.Message)
			}
		})
	}
}

func TestZibalCallback(t *testing.T) {
	a := build(t, zibalConfig("http://unused"), gateway.Deps{Finder: finder{"99": "tx-7"}})
	res := a.Callback(context.Background(), gateway.CallbackData{"trackId": "99", "success": "1", "orderId": "inv1"})
	if !res.Success || res.TransactionID != "tx-7" || !res.Verified {
		t.Fatalf("callback = %+v", res)
	}
	if res := a.Callback(context.Background(), gateway.CallbackData{}); res.Success {
		t.Fatalf("empty callback resolved: %+v", res)
	}
}

func cardConfig() gateway.Config {
	return gateway.Config{
		ID: 3, TenantID: "t1", Type: gateway.TypeCardTransfer, IsActive: true,
		Settings: map[string]string{"card_number": "6037990000000000", "card_holder": "Shop Owner", "bank_name": "Melli"},
	}
}

func TestCardTransferInitiateReturnsForm(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := build(t, cardConfig(), gateway.Deps{Now: func() time.Time { return now }})

	res := a.Initiate(context.Background(), gateway.Payment{Amount: 120000})
	if !res.Success || res.RedirectURL != "" {
		t.Fatalf("initiate = %+v", res)
	}
	if !strings.HasPrefix(res.GatewayRef, "CT-") || res.FormData["reference"] != res.GatewayRef {
		t.Fatalf("reference = %q form=%v", res.GatewayRef, res.FormData)
	}
	if res.FormData["amount"] != "120000" || res.FormData["card_number"] != "6037990000000000" {
		t.Fatalf("form = %v", res.FormData)
	}
	other := a.Initiate(context.Background(), gateway.Payment{Amount: 1})
	if other.GatewayRef == res.GatewayRef {
		t.Fatal("references must be unique")
	}
}

func TestCardTransferVerifyDecision(t *testing.T) {
	a := build(t, cardConfig(), gateway.Deps{})
	ctx := context.Background()
	approved := gateway.Verification{GatewayRef: "CT-1", Decision: gateway.DecisionApprove}

	if r := a.Verify(ctx, approved, gateway.CallbackData{"reference": "CT-1"}); !r.Success || !r.Verified {
		t.Fatalf("approve = %+v", r)
	}
	rejected := gateway.Verification{GatewayRef: "CT-1", Decision: gateway.DecisionReject}
	if r := a.Verify(ctx, rejected, nil); r.Success {
		t.Fatalf("reject = %+v", r)
	}
	if r := a.Verify(ctx, approved, gateway.CallbackData{"reference": "CT-2"}); r.Success {
		t.Fatalf("mismatched reference = %+v", r)
	}
}

func TestCardTransferIgnoresDecisionInCallbackData(t *testing.T) {
	a := build(t, cardConfig(), gateway.Deps{Finder: finder{"CT-1": "tx-1"}})
	ctx := context.Background()
	forged := gateway.CallbackData{"reference": "CT-1", "decision": "approve"}

	if r := a.Verify(ctx, gateway.Verification{GatewayRef: "CT-1"}, forged); !r.Success || r.Verified {
		t.Fatalf("verify = %+v", r)
	}
	res := a.Callback(ctx, forged)
	if !res.Success || res.TransactionID != "tx-1" || res.Verified {
		t.Fatalf("callback = %+v", res)
	}
	if res := a.Callback(ctx, gateway.CallbackData{"reference": "CT-9"}); res.Success {
		t.Fatalf("unknown reference = %+v", res)
	}
}

func TestCardTransferUnavailableWithoutCard(t *testing.T) {
	cfg := cardConfig()
	delete(cfg.Settings, "card_number")
	a := build(t, cfg, gateway.Deps{})
	if a.IsAvailable() {
		t.Fatal("card transfer without a card must be unavailable")
	}
	if r := a.Initiate(context.Background(), gateway.Payment{Amount: 1}); r.Success {
		t.Fatal("initiate must fail")
	}
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	_, err := gateway.NewRegistry().Build([]gateway.Config{{ID: 9, TenantID: "t1", Type: "paypal"}}, gateway.Deps{})
	if !errors.Is(err, gateway.ErrUnknownType) {
		t.Fatalf("err = %v", err)
	}
	if _, err := gateway.ParseType("paypal"); !errors.Is(err, gateway.ErrUnknownType) {
		t.Fatalf("parse err = %v", err)
	}
}

func TestSetIsTenantScoped(t *testing.T) {
	inactive := zibalConfig("http://unused")
	inactive.IsActive = false
	set, err := gateway.NewRegistry().Build([]gateway.Config{cardConfig(), zarinpalConfig("http://unused"), inactive}, gateway.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := set.ByID("t2", 1); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("cross-tenant lookup err = %v", err)
	}
	if _, _, err := set.ByType("t1", gateway.TypeZibal); err != nil {
		t.Fatalf("by type: %v", err)
	}
	got := set.Available("t1")
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("available = %+v", got)
	}
}
