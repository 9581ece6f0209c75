package payment

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apotekpos/backend/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestReconciler() *Reconciler {
	return NewReconciler(
		[]string{domain.PaymentCash, domain.PaymentCard, domain.PaymentQRIS},
		[]string{domain.PaymentCash},
	)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		total      string
		allocation []domain.PaymentEntry
		wantErr    error
		wantChange string
	}{
		{
			name:       "split exact",
			total:      "100.00",
			allocation: []domain.PaymentEntry{{Method: "cash", Amount: d("60")}, {Method: "card", Amount: d("40")}},
			wantChange: "0",
		},
		{
			name:       "single cash with change",
			total:      "57.00",
			allocation: []domain.PaymentEntry{{Method: "cash", Amount: d("60")}},
			wantChange: "3",
		},
		{
			name:       "split short",
			total:      "100.00",
			allocation: []domain.PaymentEntry{{Method: "cash", Amount: d("50")}, {Method: "card", Amount: d("40")}},
			wantErr:    domain.ErrPaymentInsufficient,
		},
		{
			name:       "card overpays",
			total:      "100.00",
			allocation: []domain.PaymentEntry{{Method: "cash", Amount: d("10")}, {Method: "card", Amount: d("95")}},
			wantErr:    domain.ErrNonCashOverpayment,
		},
		{
			name:       "method disabled",
			total:      "10.00",
			allocation: []domain.PaymentEntry{{Method: "insurance", Amount: d("10")}},
			wantErr:    domain.ErrMethodNotEnabled,
		},
		{
			name:       "zero amount",
			total:      "10.00",
			allocation: []domain.PaymentEntry{{Method: "cash", Amount: d("0")}},
			wantErr:    domain.ErrInvalidInput,
		},
		{
			name:  "sub-cent amount",
			total: "57.00",
			allocation: []domain.PaymentEntry{
				{Method: "card", Amount: d("0.005")},
				{Method: "cash", Amount: d("57.00")},
			},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:       "two decimals accepted",
			total:      "57.25",
			allocation: []domain.PaymentEntry{{Method: "cash", Amount: d("57.30")}},
			wantChange: "0.05",
		},
		{
			name:    "empty",
			total:   "10.00",
			wantErr: domain.ErrInvalidInput,
		},
	}

	r := newTestReconciler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Validate(d(tt.total), tt.allocation)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantChange, res.Change.String())
		})
	}
}

func TestInsufficientReportsRemainder(t *testing.T) {
	_, err := newTestReconciler().Validate(d("100"), []domain.PaymentEntry{
		{Method: "cash", Amount: d("50")},
		{Method: "card", Amount: d("40")},
	})
	var insufficient *domain.PaymentInsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "10", insufficient.Remainder.String())
}

func TestByMethodIsNetOfChange(t *testing.T) {
	res, err := newTestReconciler().Validate(d("80"), []domain.PaymentEntry{
		{Method: "Cash", Amount: d("50")},
		{Method: "qris", Amount: d("35")},
	})
	require.NoError(t, err)

	assert.Equal(t, "5", res.Change.String())
	assert.Equal(t, "45", res.ByMethod["cash"].String())
	assert.Equal(t, "35", res.ByMethod["qris"].String())
	assert.Equal(t, "85", res.Paid.String())
}
