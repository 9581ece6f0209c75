package domain

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidState         = errors.New("invalid state transition")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrOverRelease          = errors.New("release exceeds reserved quantity")
	ErrNothingReserved      = errors.New("nothing reserved")
	ErrInvalidSelection     = errors.New("invalid selection")
	ErrAlreadyOpen          = errors.New("shift already open")
	ErrNotOpen              = errors.New("shift not open")
	ErrPrescriptionRequired = errors.New("prescription required")
	ErrPaymentInsufficient  = errors.New("payment insufficient")
	ErrMethodNotEnabled     = errors.New("payment method not enabled")
	ErrNonCashOverpayment   = errors.New("non-cash overpayment")
	ErrStaleHold            = errors.New("held transaction has no matching reservations")
	ErrOverridePending      = errors.New("price override pending approval")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrLedgerInvariant      = errors.New("ledger invariant violated")
)

// InsufficientStockError reports how much of a unit could still be reserved.
type InsufficientStockError struct {
	UnitID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.UnitID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type PaymentInsufficientError struct {
	Total     decimal.Decimal
	Paid      decimal.Decimal
	Remainder decimal.Decimal
}

func (e *PaymentInsufficientError) Error() string {
	return fmt.Sprintf("payment insufficient: paid %s of %s, remaining %s", e.Paid.StringFixed(2), e.Total.StringFixed(2), e.Remainder.StringFixed(2))
}

func (e *PaymentInsufficientError) Unwrap() error {
	return ErrPaymentInsufficient
}

type MethodNotEnabledError struct {
	Method string
}

func (e *MethodNotEnabledError) Error() string {
	return fmt.Sprintf("payment method %q is not enabled", e.Method)
}

func (e *MethodNotEnabledError) Unwrap() error {
	return ErrMethodNotEnabled
}
