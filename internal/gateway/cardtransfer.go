package gateway

import (
	"context"
	"errors"
	"strconv"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	transferRefPrefix = "CT-"

	msgAwaitingReview = "card transfer is awaiting review"
)

// cardTransfer is the manual gateway: the customer transfers to a shop card
// and an admin approves or rejects the uploaded receipt. Only
// Verification.Decision settles it; callback data can locate the transfer by
// reference but never approve it.
type cardTransfer struct {
	cfg  Config
	deps Deps
}

func NewCardTransfer(cfg Config, deps Deps) (Adapter, error) {
	return &cardTransfer{cfg: cfg, deps: deps}, nil
}

func (c *cardTransfer) DisplayName() string {
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	return "Card to card transfer"
}

func (c *cardTransfer) IsAvailable() bool {
	return c.cfg.IsActive && c.cfg.setting("card_number") != ""
}

func (c *cardTransfer) Initiate(_ context.Context, p Payment) InitResult {
	if !c.IsAvailable() {
		return InitResult{Message: msgNotConfigured}
	}
	ref := transferRefPrefix + ulid.MustNew(ulid.Timestamp(c.deps.Now()), ulid.DefaultEntropy()).String()
	return InitResult{
		Success:    true,
		GatewayRef: ref,
		FormData: map[string]string{
			"card_number": c.cfg.setting("card_number"),
			"card_holder": c.cfg.setting("card_holder"),
			"bank_name":   c.cfg.setting("bank_name"),
			"amount":      strconv.FormatInt(p.Amount, 10),
			"reference":   ref,
		},
		Message: "transfer the amount to the card below and upload the receipt",
	}
}

func (c *cardTransfer) Verify(_ context.Context, v Verification, cb CallbackData) VerifyResult {
	if r := cb.Get("reference"); r != "" && r != v.GatewayRef {
		return VerifyResult{Message: msgUnknownPayment}
	}
	switch v.Decision {
	case DecisionApprove:
		return VerifyResult{Success: true, Verified: true, Message: msgVerified, Data: map[string]any{"reference": v.GatewayRef}}
	case DecisionReject:
		return VerifyResult{Message: "card transfer was rejected", Data: map[string]any{"reference": v.GatewayRef}}
	default:
		return VerifyResult{Success: true, Message: msgAwaitingReview}
	}
}

func (c *cardTransfer) Callback(ctx context.Context, cb CallbackData) CallbackResult {
	ref := cb.Get("reference")
	if ref == "" {
		return CallbackResult{Message: msgUnknownPayment}
	}
	id, err := c.deps.Finder.TransactionIDByRef(ctx, c.cfg.ID, ref)
	if err != nil {
		if !errors.Is(err, ErrTransactionNotFound) {
			c.deps.Log.Error("gateway_callback_lookup_failed",
				zap.String("gateway", string(TypeCardTransfer)), zap.String("reference", ref), zap.Error(err))
		}
		return CallbackResult{Message: msgUnknownPayment}
	}
	return CallbackResult{Success: true, TransactionID: id, Message: msgAwaitingReview}
}
