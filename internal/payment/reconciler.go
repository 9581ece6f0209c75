// Package payment checks a payment allocation against a sale total.
package payment

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/domain"
)

// Result is a validated allocation. ByMethod holds what each method keeps
// after change, so it always sums to the total.
type Result struct {
	Paid     decimal.Decimal
	Change   decimal.Decimal
	ByMethod map[string]decimal.Decimal
}

type Reconciler struct {
	enabled map[string]struct{}
	cash    map[string]struct{}
}

// NewReconciler accepts only the enabled methods. Change can only be handed
// back from methods listed in cashMethods.
func NewReconciler(enabled []string, cashMethods []string) *Reconciler {
	r := &Reconciler{
		enabled: make(map[string]struct{}, len(enabled)),
		cash:    make(map[string]struct{}, len(cashMethods)),
	}
	for _, m := range enabled {
		r.enabled[normalize(m)] = struct{}{}
	}
	for _, m := range cashMethods {
		r.cash[normalize(m)] = struct{}{}
	}
	return r
}

func (r *Reconciler) IsCash(method string) bool {
	_, ok := r.cash[normalize(method)]
	return ok
}

func (r *Reconciler) Validate(total decimal.Decimal, allocation []domain.PaymentEntry) (Result, error) {
	if len(allocation) == 0 {
		return Result{}, errors.Wrap(domain.ErrInvalidInput, "at least one payment is required")
	}

	paid := decimal.Zero
	cashPaid := decimal.Zero
	byMethod := make(map[string]decimal.Decimal, len(allocation))
	for _, entry := range allocation {
		method := normalize(entry.Method)
		if _, ok := r.enabled[method]; !ok {
			return Result{}, &domain.MethodNotEnabledError{Method: entry.Method}
		}
		if !entry.Amount.IsPositive() {
			return Result{}, errors.Wrapf(domain.ErrInvalidInput, "payment amount for %s must be positive", method)
		}
		if !entry.Amount.Equal(entry.Amount.Round(2)) {
			return Result{}, errors.Wrapf(domain.ErrInvalidInput, "payment amount %s for %s has more than two decimals", entry.Amount, method)
		}
		paid = paid.Add(entry.Amount)
		byMethod[method] = byMethod[method].Add(entry.Amount)
		if r.IsCash(method) {
			cashPaid = cashPaid.Add(entry.Amount)
		}
	}

	if paid.LessThan(total) {
		return Result{}, &domain.PaymentInsufficientError{
			Total:     total,
			Paid:      paid,
			Remainder: total.Sub(paid),
		}
	}

	change := paid.Sub(total)
	if change.GreaterThan(cashPaid) {
		return Result{}, errors.Wrapf(domain.ErrNonCashOverpayment, "excess %s exceeds cash tendered %s", change.StringFixed(2), cashPaid.StringFixed(2))
	}

	// Change comes out of the cash buckets in allocation order.
	remaining := change
	for _, entry := range allocation {
		if remaining.IsZero() {
			break
		}
		method := normalize(entry.Method)
		if !r.IsCash(method) {
			continue
		}
		take := decimal.Min(remaining, byMethod[method])
		byMethod[method] = byMethod[method].Sub(take)
		remaining = remaining.Sub(take)
	}

	return Result{Paid: paid, Change: change, ByMethod: byMethod}, nil
}

func normalize(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}
