package domain

import "github.com/shopspring/decimal"

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type ShiftOpenRequest struct {
	TerminalID  string          `json:"terminal_id"`
	OpeningCash decimal.Decimal `json:"opening_cash"`
}

type ShiftCloseRequest struct {
	ActualCash decimal.Decimal `json:"actual_cash"`
}

type SessionOpenRequest struct {
	TerminalID string `json:"terminal_id"`
}

type SessionView struct {
	ID         string `json:"id"`
	TerminalID string `json:"terminal_id"`
	CashierID  string `json:"cashier_id"`
	ShiftID    string `json:"shift_id"`
	Cart       Cart   `json:"cart"`
	Totals     Totals `json:"totals"`
}

// ItemAvailability tells the register how far a line's quantity can go.
type ItemAvailability struct {
	UnitID      string `json:"unit_id"`
	Qty         int    `json:"qty"`
	MaxQuantity int    `json:"max_quantity"`
}

type AddItemRequest struct {
	UnitID string `json:"unit_id"`
	Qty    int    `json:"qty"`
}

type SetQuantityRequest struct {
	Qty int `json:"qty"`
}

type DiscountRequest struct {
	Percent decimal.Decimal `json:"percent"`
}

type PriceOverrideRequest struct {
	Price decimal.Decimal `json:"price"`
}

type OverrideApproveRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

type CustomerRequest struct {
	Query string `json:"query"`
}

type PrescriptionRequest struct {
	Reference string `json:"reference"`
}

type HoldRequest struct {
	Note string `json:"note"`
}

type HeldListResponse struct {
	Items []HeldTransaction `json:"items"`
}

type CheckoutRequest struct {
	Payments []PaymentEntry `json:"payments"`
}

type VoidRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type RefundRequest struct {
	LineIDs []string `json:"line_ids"`
	Reason  string   `json:"reason"`
	Restock bool     `json:"restock"`
}

type RefundResponse struct {
	Refund Refund `json:"refund"`
	Sale   Sale   `json:"sale"`
}

type ReceiveStockRequest struct {
	Qty int `json:"qty"`
}
