package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-storefront-settlement/internal/checkout"
	"github.com/ariefcatur/go-storefront-settlement/internal/discount"
	"github.com/ariefcatur/go-storefront-settlement/internal/gateway"
	"github.com/ariefcatur/go-storefront-settlement/internal/logging"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/settlement"
	"github.com/ariefcatur/go-storefront-settlement/internal/tenant"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const tenantHeader = "X-Tenant-ID"

type Handler struct {
	Checkout *checkout.Service
	Payments *settlement.Orchestrator
	Gateways *gateway.Set
	Store    orders.Reader
	Log      *zap.Logger
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireTenant)
		r.Post("/checkout", h.beginCheckout)
		r.Post("/discounts/validate", h.validateDiscount)
		r.Get("/products/{id}/price", h.productPrice)
		r.Get("/payments/gateways", h.listGateways)
		r.Get("/payments/{gateway}/callback", h.callback)
		r.Post("/payments/{gateway}/callback", h.callback)
		r.Post("/payments/transactions/{id}/verify", h.verify)
		r.Post("/admin/payments/card-transfer/decision", h.cardTransferDecision)
		r.Get("/admin/settlement-failures", h.listSettlementFailures)
	})
}

// requireTenant reads the tenant resolved by the outer layer.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := tenant.New(r.Header.Get(tenantHeader))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing_tenant", Message: "tenant is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
	})
}

func tenantOf(r *http.Request) tenant.Context {
	tc, _ := tenant.FromContext(r.Context())
	return tc
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: "request body is not valid JSON"})
		return false
	}
	return true
}

// writeError renders err with a neutral message; details only go to the log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *discount.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: string(ve.Reason), Message: ve.Message()})
		return
	}

	code, body := http.StatusInternalServerError, errorBody{Error: "internal", Message: "something went wrong, please try again"}
	switch {
	case errors.Is(err, checkout.ErrEmptyCart), errors.Is(err, checkout.ErrInvalidQuantity),
		errors.Is(err, checkout.ErrUnknownDelivery), errors.Is(err, checkout.ErrMissingCustomerInfo):
		code, body = http.StatusBadRequest, errorBody{Error: "invalid_cart", Message: trimPrefix(err)}
	case errors.Is(err, checkout.ErrProductUnavailable):
		code, body = http.StatusUnprocessableEntity, errorBody{Error: "product_unavailable", Message: "a product in the cart is not available"}
	case errors.Is(err, checkout.ErrOutOfStock):
		code, body = http.StatusConflict, errorBody{Error: "out_of_stock", Message: "not enough stock for a product in the cart"}
	case errors.Is(err, settlement.ErrGatewayUnavailable):
		code, body = http.StatusConflict, errorBody{Error: "gateway_unavailable", Message: "this payment method is not available, please choose another one"}
	case errors.Is(err, settlement.ErrInvoiceNotPayable):
		code, body = http.StatusConflict, errorBody{Error: "invoice_not_payable", Message: "this invoice is not awaiting payment"}
	case errors.Is(err, settlement.ErrUnknownGateway), errors.Is(err, settlement.ErrCallbackUnmatched),
		errors.Is(err, settlement.ErrTransactionNotFound), errors.Is(err, orders.ErrNotFound):
		code, body = http.StatusNotFound, errorBody{Error: "not_found", Message: "payment could not be found"}
	case errors.Is(err, orders.ErrConcurrencyConflict):
		code, body = http.StatusConflict, errorBody{Error: "conflict", Message: "the request collided with another one, please try again"}
	case errors.Is(err, settlement.ErrSettlementFailed):
		code, body = http.StatusAccepted, errorBody{Error: "settlement_pending", Message: "payment was received and the order is being reviewed"}
	}
	log := logging.FromContext(r.Context(), h.Log)
	if code >= http.StatusInternalServerError {
		log.Error("http_request_failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Info("http_request_rejected", zap.String("path", r.URL.Path), zap.String("error_code", body.Error), zap.Error(err))
	}
	writeJSON(w, code, body)
}

func trimPrefix(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

type checkoutReq struct {
	checkout.Request
	GatewayID   int64  `json:"gateway_id"`
	Description string `json:"description,omitempty"`
}

type checkoutResp struct {
	InvoiceID      string `json:"invoice_id"`
	Subtotal       int64  `json:"subtotal"`
	DiscountAmount int64  `json:"discount_amount"`
	DeliveryFee    int64  `json:"delivery_fee"`
	Amount         int64  `json:"amount"`
	*settlement.Initiation
}

func (h *Handler) beginCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.GatewayID == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing_fields", Message: "user_id and gateway_id are required"})
		return
	}
	tc := tenantOf(r)
	// Fail before an invoice exists when the method cannot be used.
	if cfg, a, err := h.Gateways.ByID(tc.ID, req.GatewayID); err != nil || !cfg.IsActive || !a.IsAvailable() {
		h.writeError(w, r, settlement.ErrGatewayUnavailable)
		return
	}

	co, err := h.Checkout.Begin(r.Context(), tc, req.Request)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	desc := req.Description
	if desc == "" {
		desc = "Order " + co.Invoice.ID
	}
	in, err := h.Payments.InitiatePayment(r.Context(), tc, co.Invoice.ID, req.GatewayID, settlement.InitContext{
		Description: desc,
		Mobile:      req.Customer.Phone,
		Email:       req.Customer.Email,
	})
	if err != nil {
		if aerr := h.Checkout.Abandon(r.Context(), tc, co.Invoice.ID); aerr != nil {
			logging.FromContext(r.Context(), h.Log).Warn("checkout_abandon_failed",
				zap.String("invoice_id", co.Invoice.ID), zap.Error(aerr))
		}
		h.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if !in.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, checkoutResp{
		InvoiceID:      co.Invoice.ID,
		Subtotal:       co.Pending.Subtotal,
		DiscountAmount: co.Pending.DiscountAmount,
		DeliveryFee:    co.Invoice.DeliveryFee,
		Amount:         co.Invoice.Amount,
		Initiation:     in,
	})
}

type validateDiscountReq struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (h *Handler) validateDiscount(w http.ResponseWriter, r *http.Request) {
	var req validateDiscountReq
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" || req.UserID == "" || req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing_fields", Message: "code, user_id and a positive amount are required"})
		return
	}
	res, err := h.Checkout.PreviewDiscount(r.Context(), tenantOf(r), req.Code, req.UserID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":           true,
		"code":            res.Code.Code,
		"discount_amount": res.DiscountAmount,
		"final_amount":    req.Amount - res.DiscountAmount,
	})
}

func (h *Handler) productPrice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_id", Message: "product id must be a number"})
		return
	}
	var variantID *int64
	if v := r.URL.Query().Get("variant_id"); v != "" {
		vid, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_id", Message: "variant id must be a number"})
			return
		}
		variantID = &vid
	}
	q, err := h.Checkout.Quote(r.Context(), tenantOf(r), id, variantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type gatewayView struct {
	ID   int64        `json:"id"`
	Type gateway.Type `json:"type"`
	Name string       `json:"name"`
}

func (h *Handler) listGateways(w http.ResponseWriter, r *http.Request) {
	tc := tenantOf(r)
	out := []gatewayView{}
	for _, c := range h.Gateways.Available(tc.ID) {
		name := c.Name
		if _, a, err := h.Gateways.ByID(tc.ID, c.ID); err == nil {
			name = a.DisplayName()
		}
		out = append(out, gatewayView{ID: c.ID, Type: c.Type, Name: name})
	}
	writeJSON(w, http.StatusOK, out)
}

// callbackData merges query and form values; the first value of a key wins.
func callbackData(r *http.Request) gateway.CallbackData {
	_ = r.ParseForm()
	cb := gateway.CallbackData{}
	for k, vs := range r.Form {
		if len(vs) > 0 {
			cb[k] = vs[0]
		}
	}
	return cb
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	out, err := h.Payments.HandleCallback(r.Context(), tenantOf(r), chi.URLParam(r, "gateway"), callbackData(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	out, err := h.Payments.VerifyPayment(r.Context(), tenantOf(r), chi.URLParam(r, "id"), callbackData(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type decisionReq struct {
	Reference string `json:"reference"`
	Decision  string `json:"decision"`
}

func (h *Handler) cardTransferDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionReq
	if !decode(w, r, &req) {
		return
	}
	d := gateway.Decision(strings.ToLower(strings.TrimSpace(req.Decision)))
	if req.Reference == "" || (d != gateway.DecisionApprove && d != gateway.DecisionReject) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_decision", Message: "reference and a decision of approve or reject are required"})
		return
	}
	out, err := h.Payments.DecideTransfer(r.Context(), tenantOf(r), req.Reference, d == gateway.DecisionApprove)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listSettlementFailures(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	fs, err := h.Store.ListSettlementFailures(r.Context(), tenantOf(r).ID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if fs == nil {
		fs = []orders.SettlementFailure{}
	}
	writeJSON(w, http.StatusOK, fs)
}
