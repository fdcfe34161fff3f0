package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderMaterialized = "OrderMaterialized"
	EventSettlementFailed  = "SettlementFailed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g. "storefront-api"
	TenantID      string          `json:"tenant_id"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // invoice id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a version 1 envelope correlated by invoice id.
func NewEnvelope(eventType, producer, tenantID, invoiceID string, at time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		TenantID:      tenantID,
		CorrelationID: invoiceID,
		Payload:       b,
	}, nil
}

// ---- payloads ----

type MaterializedItem struct {
	ProductID  int64  `json:"product_id"`
	VariantID  *int64 `json:"variant_id,omitempty"`
	Quantity   int    `json:"quantity"`
	FinalPrice int64  `json:"final_price"`
}

// OrderMaterializedPayload feeds the notification side (shop owner alerts).
type OrderMaterializedPayload struct {
	OrderID        string             `json:"order_id"`
	OrderNumber    string             `json:"order_number"`
	InvoiceID      string             `json:"invoice_id"`
	TransactionID  string             `json:"transaction_id"`
	UserID         string             `json:"user_id"`
	Total          int64              `json:"total"`
	DiscountAmount int64              `json:"discount_amount"`
	Items          []MaterializedItem `json:"items"`
}

type SettlementFailedPayload struct {
	InvoiceID     string `json:"invoice_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"` // e.g. STAGE_MISSING
	Detail        string `json:"detail,omitempty"`
}

const (
	FailureStageMissing      = "STAGE_MISSING"
	FailureInsufficientStock = "INSUFFICIENT_STOCK"
	FailurePriceDrift        = "PRICE_DRIFT"
	FailureDiscountRejected  = "DISCOUNT_REJECTED"
	FailureInternal          = "INTERNAL"
)
