package refund

import "github.com/pkg/errors"

// Validation failures. They are terminal for the request and never retried
// automatically; no refund state has been written when they are returned.
var (
	ErrAlreadyRefunded  = errors.New("charge already refunded")
	ErrAlreadyRequested = errors.New("refund already requested")
	ErrInvalidPayment   = errors.New("invalid payment data")
	ErrInvalidAddress   = errors.New("invalid customer address")
)
