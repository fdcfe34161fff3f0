package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	zarinpalAPI             = "https://api.zarinpal.com"
	zarinpalSandboxAPI      = "https://sandbox.zarinpal.com"
	zarinpalStartPay        = "https://www.zarinpal.com/pg/StartPay/"
	zarinpalSandboxStartPay = "https://sandbox.zarinpal.com/pg/StartPay/"

	zarinpalCodeOK              = 100
	zarinpalCodeAlreadyVerified = 101
	zarinpalCodeNotPaid         = -51

	// The storefront prices in toman; Zarinpal's v4 API takes rial.
	rialsPerToman = 10
)

type zarinpal struct {
	cfg        Config
	deps       Deps
	merchantID string
	apiBase    string
	startPay   string
}

// NewZarinpal builds the redirect adapter. Settings: merchant_id, sandbox,
// and optionally api_base / start_pay_url overrides.
func NewZarinpal(cfg Config, deps Deps) (Adapter, error) {
	z := &zarinpal{cfg: cfg, deps: deps, merchantID: cfg.setting("merchant_id")}
	sandbox := cfg.setting("sandbox") == "true"
	z.apiBase, z.startPay = zarinpalAPI, zarinpalStartPay
	if sandbox {
		z.apiBase, z.startPay = zarinpalSandboxAPI, zarinpalSandboxStartPay
	}
	if v := cfg.setting("api_base"); v != "" {
		z.apiBase = strings.TrimRight(v, "/")
	}
	if v := cfg.setting("start_pay_url"); v != "" {
		z.startPay = v
	}
	return z, nil
}

func (z *zarinpal) DisplayName() string {
	if z.cfg.Name != "" {
		return z.cfg.Name
	}
	return "Zarinpal"
}

func (z *zarinpal) IsAvailable() bool { return z.cfg.IsActive && z.merchantID != "" }

func (z *zarinpal) log() *zap.Logger {
	return z.deps.Log.With(zap.String("gateway", string(TypeZarinpal)), zap.Int64("gateway_id", z.cfg.ID))
}

type zarinpalEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type zarinpalData struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Authority string `json:"authority"`
	RefID     int64  `json:"ref_id"`
	CardPan   string `json:"card_pan"`
	Fee       int64  `json:"fee"`
}

type zarinpalError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// decode reads the v4 envelope. On failure "data" is an empty array and
// "errors" is an object, and the other way around on success.
func decodeZarinpal(raw []byte) (zarinpalData, *zarinpalError, error) {
	var env zarinpalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zarinpalData{}, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if e := strings.TrimSpace(string(env.Errors)); e != "" && e[0] == '{' {
		var ze zarinpalError
		if err := json.Unmarshal(env.Errors, &ze); err != nil {
			return zarinpalData{}, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return zarinpalData{}, &ze, nil
	}
	if d := strings.TrimSpace(string(env.Data)); d == "" || d[0] != '{' {
		return zarinpalData{}, nil, fmt.Errorf("%w: missing data", ErrProtocol)
	}
	var data zarinpalData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return zarinpalData{}, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return data, nil, nil
}

func (z *zarinpal) Initiate(ctx context.Context, p Payment) InitResult {
	if !z.IsAvailable() {
		return InitResult{Message: msgNotConfigured}
	}
	body := map[string]any{
		"merchant_id":  z.merchantID,
		"amount":       p.Amount * rialsPerToman,
		"callback_url": p.CallbackURL,
		"description":  p.Description,
		"metadata": map[string]string{
			"mobile":   p.Mobile,
			"email":    p.Email,
			"order_id": p.InvoiceID,
		},
	}
	log := z.log().With(zap.String("invoice_id", p.InvoiceID), zap.String("transaction_id", p.TransactionID))

	raw, status, err := postJSON(ctx, z.deps, TypeZarinpal, "request", z.apiBase+"/pg/v4/payment/request.json", body)
	if err != nil {
		log.Warn("gateway_request_failed", zap.Error(err))
		return InitResult{Message: msgProviderFailed}
	}
	data, perr, err := decodeZarinpal(raw)
	if err != nil {
		log.Error("gateway_protocol_error", zap.Error(err), zap.Int("http_status", status), zap.ByteString("raw", raw))
		return InitResult{Message: msgProviderFailed}
	}
	if perr != nil || data.Code != zarinpalCodeOK || data.Authority == "" {
		log.Warn("gateway_request_rejected", zap.Int("http_status", status), zap.ByteString("raw", raw))
		return InitResult{Message: msgProviderFailed}
	}
	return InitResult{
		Success:     true,
		RedirectURL: z.startPay + data.Authority,
		GatewayRef:  data.Authority,
		Message:     "redirecting to payment provider",
	}
}

func (z *zarinpal) Verify(ctx context.Context, v Verification, cb CallbackData) VerifyResult {
	if s := cb.Get("Status"); s != "" && s != "OK" {
		return VerifyResult{Message: msgCancelled, Data: map[string]any{"status": s}}
	}
	if v.GatewayRef == "" {
		return VerifyResult{Message: msgUnknownPayment}
	}
	if a := cb.Get("Authority"); a != "" && a != v.GatewayRef {
		return VerifyResult{Message: msgUnknownPayment}
	}
	body := map[string]any{
		"merchant_id": z.merchantID,
		"amount":      v.Amount * rialsPerToman,
		"authority":   v.GatewayRef,
	}
	log := z.log().With(zap.String("transaction_id", v.TransactionID), zap.String("authority", v.GatewayRef))

	raw, status, err := postJSON(ctx, z.deps, TypeZarinpal, "verify", z.apiBase+"/pg/v4/payment/verify.json", body)
	if err != nil {
		log.Warn("gateway_verify_failed", zap.Error(err))
		return VerifyResult{Message: msgProviderFailed}
	}
	data, perr, err := decodeZarinpal(raw)
	if err != nil {
		log.Error("gateway_protocol_error", zap.Error(err), zap.Int("http_status", status), zap.ByteString("raw", raw))
		return VerifyResult{Message: msgProviderFailed}
	}
	if perr != nil {
		if perr.Code == zarinpalCodeNotPaid && cb.Get("Status") == "" {
			return VerifyResult{Success: true, Message: msgAwaitingPayment}
		}
		log.Warn("gateway_verify_rejected", zap.Int("code", perr.Code), zap.ByteString("raw", raw))
		return VerifyResult{Message: msgCancelled, Data: map[string]any{"code": perr.Code}}
	}
	switch data.Code {
	case zarinpalCodeOK, zarinpalCodeAlreadyVerified:
		return VerifyResult{
			Success:  true,
			Verified: true,
			Message:  msgVerified,
			Data: map[string]any{
				"code":     data.Code,
				"ref_id":   data.RefID,
				"card_pan": data.CardPan,
			},
		}
	default:
		log.Warn("gateway_verify_rejected", zap.Int("code", data.Code), zap.ByteString("raw", raw))
		return VerifyResult{Message: msgCancelled, Data: map[string]any{"code": data.Code}}
	}
}

func (z *zarinpal) Callback(ctx context.Context, cb CallbackData) CallbackResult {
	authority := cb.Get("Authority")
	if authority == "" {
		return CallbackResult{Message: msgUnknownPayment}
	}
	id, err := z.deps.Finder.TransactionIDByRef(ctx, z.cfg.ID, authority)
	if err != nil {
		if !errors.Is(err, ErrTransactionNotFound) {
			z.log().Error("gateway_callback_lookup_failed", zap.String("authority", authority), zap.Error(err))
		}
		return CallbackResult{Message: msgUnknownPayment}
	}
	return CallbackResult{
		Success:       true,
		TransactionID: id,
		Verified:      cb.Get("Status") == "OK",
		Message:       "callback received",
	}
}
