package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ConversionError means a human-readable crypto amount could not be turned
// into token base units. It is a validation failure, never retried.
type ConversionError struct {
	Amount string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert amount %q: %s", e.Amount, e.Reason)
}

// ToBaseUnits scales a decimal amount string by the token's decimals into
// the smallest indivisible integer unit, e.g. "1.5" with 6 decimals is
// 1500000.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, &ConversionError{Amount: amount, Reason: "not a number"}
	}
	if d.IsNegative() {
		return nil, &ConversionError{Amount: amount, Reason: "negative amount"}
	}

	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, &ConversionError{Amount: amount, Reason: fmt.Sprintf("more than %d fractional digits", decimals)}
	}

	return scaled.BigInt(), nil
}
