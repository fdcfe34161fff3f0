package orders

import "time"

type Product struct {
	ID         int64
	TenantID   string
	CategoryID int64
	Name       string
	Price      int64
	Stock      int
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Variant is a size/color combination of a product. A non-nil Price
// overrides the product price.
type Variant struct {
	ID        int64
	ProductID int64
	Name      string
	Price     *int64
	Stock     int
	IsActive  bool
}

type Invoice struct {
	ID               string
	TenantID         string
	UserID           string
	Amount           int64 // payable total, delivery fee included
	DeliveryFee      int64
	Status           InvoiceStatus
	PaymentGatewayID int64
	OrderID          *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Transaction is one payment attempt against an invoice. A failed attempt
// stays rejected; the customer retries with a new transaction.
type Transaction struct {
	ID           string
	TenantID     string
	InvoiceID    string
	GatewayID    int64
	Amount       int64
	Status       Status
	GatewayRef   string
	CallbackData map[string]string
	Message      string
	VerifiedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Order struct {
	ID             string
	TenantID       string
	Number         string
	UserID         string
	InvoiceID      string
	Status         OrderStatus
	Subtotal       int64
	DiscountCode   string
	DiscountAmount int64
	DeliveryFee    int64
	Total          int64
	CustomerName   string
	CustomerPhone  string
	Address        string
	PostalCode     string
	DeliveryMethod string
	Note           string
	CreatedAt      time.Time
}

type OrderItem struct {
	ID         int64
	OrderID    string
	ProductID  int64
	VariantID  *int64
	Quantity   int
	UnitPrice  int64 // before campaign
	FinalPrice int64 // per unit, after campaign
	Total      int64
}

// CampaignSale is the immutable record of a campaign discount granted on an
// order item.
type CampaignSale struct {
	ID             int64
	TenantID       string
	CampaignID     int64
	OrderID        string
	OrderItemID    int64
	ProductID      int64
	OriginalPrice  int64
	DiscountAmount int64
	FinalPrice     int64
	Quantity       int
	CreatedAt      time.Time
}

// SettlementFailure is an entry of the manual reconciliation queue: a payment
// that was verified by the provider but could not be turned into an order.
type SettlementFailure struct {
	ID            int64     `json:"id"`
	EventID       string    `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	InvoiceID     string    `json:"invoice_id"`
	TransactionID string    `json:"transaction_id"`
	Reason        string    `json:"reason"`
	Detail        string    `json:"detail,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	RecordedAt    time.Time `json:"recorded_at"`
}
