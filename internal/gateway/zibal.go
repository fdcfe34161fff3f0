package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	zibalAPI   = "https://gateway.zibal.ir"
	zibalStart = "https://gateway.zibal.ir/start/"

	zibalSandboxMerchant = "zibal"

	zibalResultOK              = 100
	zibalResultAlreadyVerified = 201
	zibalResultNotPaid         = 202
)

type zibal struct {
	cfg      Config
	deps     Deps
	merchant string
	apiBase  string
	start    string
}

// NewZibal builds the trackId based redirect adapter. Settings: merchant,
// sandbox, and optionally api_base / start_url overrides.
func NewZibal(cfg Config, deps Deps) (Adapter, error) {
	z := &zibal{cfg: cfg, deps: deps, merchant: cfg.setting("merchant"), apiBase: zibalAPI, start: zibalStart}
	if cfg.setting("sandbox") == "true" {
		z.merchant = zibalSandboxMerchant
	}
	if v := cfg.setting("api_base"); v != "" {
		z.apiBase = strings.TrimRight(v, "/")
	}
	if v := cfg.setting("start_url"); v != "" {
		z.start = v
	}
	return z, nil
}

func (z *zibal) DisplayName() string {
	if z.cfg.Name != "" {
		return z.cfg.Name
	}
	return "Zibal"
}

func (z *zibal) IsAvailable() bool { return z.cfg.IsActive && z.merchant != "" }

func (z *zibal) log() *zap.Logger {
	return z.deps.Log.With(zap.String("gateway", string(TypeZibal)), zap.Int64("gateway_id", z.cfg.ID))
}

// trackId is numeric on the wire; it is kept as a string everywhere else.
type zibalTrackID string

func (t *zibalTrackID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*t = zibalTrackID(s)
	return nil
}

type zibalResponse struct {
	Result     int          `json:"result"`
	Message    string       `json:"message"`
	TrackID    zibalTrackID `json:"trackId"`
	Amount     int64        `json:"amount"`
	RefNumber  json.Number  `json:"refNumber"`
	CardNumber string       `json:"cardNumber"`
	PaidAt     string       `json:"paidAt"`
	Status     int          `json:"status"`
}

func decodeZibal(raw []byte) (zibalResponse, error) {
	var r zibalResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return zibalResponse{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if r.Result == 0 {
		return zibalResponse{}, fmt.Errorf("%w: missing result", ErrProtocol)
	}
	return r, nil
}

func (z *zibal) Initiate(ctx context.Context, p Payment) InitResult {
	if !z.IsAvailable() {
		return InitResult{Message: msgNotConfigured}
	}
	body := map[string]any{
		"merchant":    z.merchant,
		"amount":      p.Amount * rialsPerToman,
		"callbackUrl": p.CallbackURL,
		"description": p.Description,
		"orderId":     p.InvoiceID,
		"mobile":      p.Mobile,
	}
	log := z.log().With(zap.String("invoice_id", p.InvoiceID), zap.String("transaction_id", p.TransactionID))

	raw, status, err := postJSON(ctx, z.deps, TypeZibal, "request", z.apiBase+"/v1/request", body)
	if err != nil {
		log.Warn("gateway_request_failed", zap.Error(err))
		return InitResult{Message: msgProviderFailed}
	}
	r, err := decodeZibal(raw)
	if err != nil {
		log.Error("gateway_protocol_error", zap.Error(err), zap.Int("http_status", status), zap.ByteString("raw", raw))
		return InitResult{Message: msgProviderFailed}
	}
	if r.Result != zibalResultOK || r.TrackID == "" {
		log.Warn("gateway_request_rejected", zap.Int("result", r.Result), zap.ByteString("raw", raw))
		return InitResult{Message: msgProviderFailed}
	}
	ref := string(r.TrackID)
	return InitResult{
		Success:     true,
		RedirectURL: z.start + ref,
		GatewayRef:  ref,
		Message:     "redirecting to payment provider",
	}
}

func (z *zibal) Verify(ctx context.Context, v Verification, cb CallbackData) VerifyResult {
	if s := cb.Get("success"); s != "" && s != "1" {
		return VerifyResult{Message: msgCancelled, Data: map[string]any{"status": cb.Get("status")}}
	}
	if v.GatewayRef == "" {
		return VerifyResult{Message: msgUnknownPayment}
	}
	if t := cb.Get("trackId"); t != "" && t != v.GatewayRef {
		return VerifyResult{Message: msgUnknownPayment}
	}
	trackID, err := strconv.ParseInt(v.GatewayRef, 10, 64)
	if err != nil {
		return VerifyResult{Message: msgUnknownPayment}
	}
	log := z.log().With(zap.String("transaction_id", v.TransactionID), zap.String("track_id", v.GatewayRef))

	raw, status, err := postJSON(ctx, z.deps, TypeZibal, "verify", z.apiBase+"/v1/verify", map[string]any{
		"merchant": z.merchant,
		"trackId":  trackID,
	})
	if err != nil {
		log.Warn("gateway_verify_failed", zap.Error(err))
		return VerifyResult{Message: msgProviderFailed}
	}
	r, err := decodeZibal(raw)
	if err != nil {
		log.Error("gateway_protocol_error", zap.Error(err), zap.Int("http_status", status), zap.ByteString("raw", raw))
		return VerifyResult{Message: msgProviderFailed}
	}
	switch r.Result {
	case zibalResultOK, zibalResultAlreadyVerified:
		if r.Amount != 0 && r.Amount != v.Amount*rialsPerToman {
			log.Error("gateway_amount_mismatch", zap.Int64("paid_rial", r.Amount), zap.Int64("expected_rial", v.Amount*rialsPerToman))
			return VerifyResult{Message: msgCancelled, Data: map[string]any{"result": r.Result}}
		}
		return VerifyResult{
			Success:  true,
			Verified: true,
			Message:  msgVerified,
			Data: map[string]any{
				"result":      r.Result,
				"ref_number":  r.RefNumber.String(),
				"card_number": r.CardNumber,
				"paid_at":     r.PaidAt,
			},
		}
	case zibalResultNotPaid:
		if cb.Get("success") == "" {
			return VerifyResult{Success: true, Message: msgAwaitingPayment}
		}
		fallthrough
	default:
		log.Warn("gateway_verify_rejected", zap.Int("result", r.Result), zap.ByteString("raw", raw))
		return VerifyResult{Message: msgCancelled, Data: map[string]any{"result": r.Result}}
	}
}

func (z *zibal) Callback(ctx context.Context, cb CallbackData) CallbackResult {
	track := cb.Get("trackId")
	if track == "" {
		return CallbackResult{Message: msgUnknownPayment}
	}
	id, err := z.deps.Finder.TransactionIDByRef(ctx, z.cfg.ID, track)
	if err != nil {
		if !errors.Is(err, ErrTransactionNotFound) {
			z.log().Error("gateway_callback_lookup_failed", zap.String("track_id", track), zap.Error(err))
		}
		return CallbackResult{Message: msgUnknownPayment}
	}
	return CallbackResult{
		Success:       true,
		TransactionID: id,
		Verified:      cb.Get("success") == "1",
		Message:       "callback received",
	}
}
