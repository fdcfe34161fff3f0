package orders

// Status is the state of a payment transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:  {StatusVerified: true, StatusRejected: true},
	StatusVerified: {},
	StatusRejected: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool { return s == StatusVerified || s == StatusRejected }

type InvoiceStatus string

const (
	InvoiceUnpaid    InvoiceStatus = "unpaid"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

type OrderStatus string

const (
	OrderProcessing OrderStatus = "processing"
)
