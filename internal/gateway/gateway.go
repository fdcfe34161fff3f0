package gateway

import (
	"context"
	"errors"
	"strings"
)

type Type string

const (
	TypeZarinpal     Type = "zarinpal"
	TypeZibal        Type = "zibal"
	TypeCardTransfer Type = "card_transfer"
)

var (
	ErrUnavailable = errors.New("gateway: unavailable")
	ErrProtocol    = errors.New("gateway: unexpected provider response")
	ErrUnknownType = errors.New("gateway: unknown type")
	ErrNotFound    = errors.New("gateway: not found")
	// ErrTransactionNotFound is returned by a TransactionFinder when no
	// transaction carries the gateway reference.
	ErrTransactionNotFound = errors.New("gateway: no transaction for reference")
)

// Config is one configured payment gateway of a tenant (payment_gateways row).
type Config struct {
	ID       int64             `json:"id"`
	TenantID string            `json:"tenant_id"`
	Type     Type              `json:"type"`
	Name     string            `json:"name"`
	IsActive bool              `json:"is_active"`
	Settings map[string]string `json:"settings"`
}

func (c Config) setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	return strings.TrimSpace(c.Settings[key])
}

// Payment is what an adapter needs to start a payment. Amount is in the
// storefront base unit; adapters convert to the provider unit themselves.
type Payment struct {
	TransactionID string
	InvoiceID     string
	Amount        int64
	Description   string
	Mobile        string
	Email         string
	CallbackURL   string
}

// Decision is an admin review outcome for a manual payment.
type Decision string

const (
	DecisionNone    Decision = ""
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Verification identifies the attempt being verified. Decision is only ever
// set by the admin review path and never read from callback data.
type Verification struct {
	TransactionID string
	GatewayRef    string
	Amount        int64
	Decision      Decision
}

// CallbackData is the merged query/form payload the provider sent back.
type CallbackData map[string]string

func (d CallbackData) Get(key string) string {
	if d == nil {
		return ""
	}
	return strings.TrimSpace(d[key])
}

type InitResult struct {
	Success     bool              `json:"success"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	FormData    map[string]string `json:"form_data,omitempty"`
	GatewayRef  string            `json:"-"`
	Message     string            `json:"message"`
}

// VerifyResult: Success=false is a definitive failure. Success=true with
// Verified=false means the provider has not settled yet (nothing to do).
type VerifyResult struct {
	Success  bool           `json:"success"`
	Verified bool           `json:"verified"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

type CallbackResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Verified      bool   `json:"verified"`
	Message       string `json:"message"`
}

// Adapter is the contract every payment provider implements. Implementations
// never return provider errors to the caller; failures are reported in the
// result with a customer-safe message.
type Adapter interface {
	Initiate(ctx context.Context, p Payment) InitResult
	Verify(ctx context.Context, v Verification, cb CallbackData) VerifyResult
	Callback(ctx context.Context, cb CallbackData) CallbackResult
	IsAvailable() bool
	DisplayName() string
}

// TransactionFinder resolves the internal transaction id for a provider's
// own correlation id.
type TransactionFinder interface {
	TransactionIDByRef(ctx context.Context, gatewayID int64, ref string) (string, error)
}

const (
	msgProviderFailed  = "payment provider could not process the request, please try again or choose another method"
	msgNotConfigured   = "this payment method is not available right now"
	msgCancelled       = "payment was cancelled or failed"
	msgVerified        = "payment verified"
	msgAwaitingPayment = "payment has not been completed yet"
	msgUnknownPayment  = "payment could not be matched to an order"
)
