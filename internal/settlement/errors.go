package settlement

import "errors"

var (
	ErrGatewayUnavailable  = errors.New("settlement: payment gateway unavailable")
	ErrUnknownGateway      = errors.New("settlement: unknown gateway type")
	ErrInvoiceNotPayable   = errors.New("settlement: invoice is not awaiting payment")
	ErrTransactionNotFound = errors.New("settlement: transaction not found")
	ErrCallbackUnmatched   = errors.New("settlement: callback does not match a transaction")
	ErrPriceDrift          = errors.New("settlement: staged prices do not reproduce")
	// ErrSettlementFailed wraps the cause when a verified payment could not be
	// turned into an order. The transaction stays pending for reconciliation.
	ErrSettlementFailed = errors.New("settlement: verified payment could not be settled")
)
