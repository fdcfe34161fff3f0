package discount

import (
	"errors"
	"fmt"
)

var ErrCodeNotFound = errors.New("discount: code not found")

type Reason string

const (
	ReasonNotFound          Reason = "not_found"
	ReasonAlreadyUsed       Reason = "already_used"
	ReasonInactive          Reason = "inactive"
	ReasonUsageLimitReached Reason = "usage_limit_reached"
	ReasonMinOrderAmount    Reason = "min_order_amount"
	ReasonZeroDiscount      Reason = "zero_discount"
)

var reasonMessages = map[Reason]string{
	ReasonNotFound:          "discount code does not exist",
	ReasonAlreadyUsed:       "you have already used this discount code",
	ReasonInactive:          "discount code is not active",
	ReasonUsageLimitReached: "discount code usage limit has been reached",
	ReasonMinOrderAmount:    "order total is below the minimum order amount for this code",
	ReasonZeroDiscount:      "discount code gives no discount on this order",
}

// ValidationError is a recoverable rejection surfaced to the customer.
type ValidationError struct {
	Code   string
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("discount: code %q rejected: %s", e.Code, e.Reason)
}

// Message is the customer-facing text for the rejection.
func (e *ValidationError) Message() string {
	if m, ok := reasonMessages[e.Reason]; ok {
		return m
	}
	return "discount code is not valid"
}

func reject(code string, r Reason) error {
	return &ValidationError{Code: code, Reason: r}
}

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
