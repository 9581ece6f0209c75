package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleCashier    = "cashier"
	RolePharmacist = "pharmacist"
	RoleAdmin      = "admin"
)

const (
	PaymentCash      = "cash"
	PaymentCard      = "card"
	PaymentQRIS      = "qris"
	PaymentEwallet   = "ewallet"
	PaymentInsurance = "insurance"
)

type Product struct {
	UnitID               string          `json:"unit_id"`
	Name                 string          `json:"name"`
	Price                decimal.Decimal `json:"price"`
	PrescriptionRequired bool            `json:"prescription_required"`
	Active               bool            `json:"active"`
}

type StockUnit struct {
	UnitID      string    `json:"unit_id"`
	PhysicalQty int       `json:"physical_qty"`
	ReservedQty int       `json:"reserved_qty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (u StockUnit) Available() int {
	return u.PhysicalQty - u.ReservedQty
}

type Customer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	MemberCode string `json:"member_code,omitempty"`
}

type CustomerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

const (
	OverridePending  = "pending"
	OverrideApproved = "approved"
)

type PriceOverride struct {
	Price         decimal.Decimal `json:"price"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	RequestedBy   string          `json:"requested_by"`
	Status        string          `json:"status"`
	ApprovedBy    string          `json:"approved_by,omitempty"`
}

type CartLine struct {
	UnitID               string          `json:"unit_id"`
	Name                 string          `json:"name"`
	Qty                  int             `json:"qty"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	DiscountPercent      decimal.Decimal `json:"discount_percent"`
	PrescriptionRequired bool            `json:"prescription_required"`
	Override             *PriceOverride  `json:"override,omitempty"`
}

// EffectivePrice is the override price when one is set, otherwise the catalog price.
func (l CartLine) EffectivePrice() decimal.Decimal {
	if l.Override != nil {
		return l.Override.Price
	}
	return l.UnitPrice
}

type Cart struct {
	Lines                 []CartLine      `json:"lines"`
	GlobalDiscountPercent decimal.Decimal `json:"global_discount_percent"`
	Customer              *CustomerRef    `json:"customer,omitempty"`
	PrescriptionRef       string          `json:"prescription_ref,omitempty"`
}

func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

func (c Cart) Line(unitID string) (int, bool) {
	for i, line := range c.Lines {
		if line.UnitID == unitID {
			return i, true
		}
	}
	return -1, false
}

func (c Cart) Clone() Cart {
	out := c
	out.Lines = make([]CartLine, len(c.Lines))
	for i, line := range c.Lines {
		if line.Override != nil {
			override := *line.Override
			line.Override = &override
		}
		out.Lines[i] = line
	}
	if c.Customer != nil {
		customer := *c.Customer
		out.Customer = &customer
	}
	return out
}

type Totals struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	Total          decimal.Decimal `json:"total"`
}

type HeldTransaction struct {
	TicketID     string         `json:"ticket_id"`
	TerminalID   string         `json:"terminal_id"`
	CashierID    string         `json:"cashier_id"`
	Note         string         `json:"note"`
	Cart         Cart           `json:"cart"`
	Reservations map[string]int `json:"reservations"`
	HeldAt       time.Time      `json:"held_at"`
}

type PaymentEntry struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

const (
	SaleStatusCompleted         = "completed"
	SaleStatusVoided            = "voided"
	SaleStatusRefunded          = "refunded"
	SaleStatusPartiallyRefunded = "partially_refunded"
)

type SaleLine struct {
	LineID          string          `json:"line_id"`
	UnitID          string          `json:"unit_id"`
	Name            string          `json:"name"`
	Qty             int             `json:"qty"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	LineSubtotal    decimal.Decimal `json:"line_subtotal"`
	PriceOverridden bool            `json:"price_overridden"`
}

type Sale struct {
	ID              string                     `json:"id"`
	InvoiceNumber   string                     `json:"invoice_number"`
	SessionID       string                     `json:"session_id"`
	TerminalID      string                     `json:"terminal_id"`
	CashierID       string                     `json:"cashier_id"`
	ShiftID         string                     `json:"shift_id"`
	Lines           []SaleLine                 `json:"lines"`
	Subtotal        decimal.Decimal            `json:"subtotal"`
	DiscountAmount  decimal.Decimal            `json:"discount_amount"`
	TaxRate         decimal.Decimal            `json:"tax_rate"`
	TaxAmount       decimal.Decimal            `json:"tax_amount"`
	TotalAmount     decimal.Decimal            `json:"total_amount"`
	Payments        []PaymentEntry             `json:"payments"`
	Change          decimal.Decimal            `json:"change"`
	ByMethod        map[string]decimal.Decimal `json:"by_method"`
	Customer        *CustomerRef               `json:"customer,omitempty"`
	PrescriptionRef string                     `json:"prescription_ref,omitempty"`
	Status          string                     `json:"status"`
	RefundedLineIDs []string                   `json:"refunded_line_ids,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	VoidedAt        *time.Time                 `json:"voided_at,omitempty"`
	VoidReason      string                     `json:"void_reason,omitempty"`
}

func (s Sale) Line(lineID string) (SaleLine, bool) {
	for _, line := range s.Lines {
		if line.LineID == lineID {
			return line, true
		}
	}
	return SaleLine{}, false
}

func (s Sale) IsLineRefunded(lineID string) bool {
	for _, id := range s.RefundedLineIDs {
		if id == lineID {
			return true
		}
	}
	return false
}

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

type Shift struct {
	ID          string                     `json:"id"`
	CashierID   string                     `json:"cashier_id"`
	TerminalID  string                     `json:"terminal_id"`
	OpeningCash decimal.Decimal            `json:"opening_cash"`
	Status      string                     `json:"status"`
	SaleCount   int                        `json:"sale_count"`
	Revenue     decimal.Decimal            `json:"revenue"`
	ByMethod    map[string]decimal.Decimal `json:"by_method"`
	OpenedAt    time.Time                  `json:"opened_at"`
	ClosedAt    *time.Time                 `json:"closed_at,omitempty"`
	Summary     *ClosingSummary            `json:"summary,omitempty"`
}

// ShiftDelta is applied atomically to a shift's running totals.
type ShiftDelta struct {
	SaleCount int
	Revenue   decimal.Decimal
	ByMethod  map[string]decimal.Decimal
}

type ClosingSummary struct {
	ShiftID      string                     `json:"shift_id"`
	CashierID    string                     `json:"cashier_id"`
	OpeningCash  decimal.Decimal            `json:"opening_cash"`
	CashSales    decimal.Decimal            `json:"cash_sales"`
	ExpectedCash decimal.Decimal            `json:"expected_cash"`
	ActualCash   decimal.Decimal            `json:"actual_cash"`
	Difference   decimal.Decimal            `json:"difference"`
	SaleCount    int                        `json:"sale_count"`
	Revenue      decimal.Decimal            `json:"revenue"`
	ByMethod     map[string]decimal.Decimal `json:"by_method"`
	ClosedAt     time.Time                  `json:"closed_at"`
}

type Refund struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	LineIDs   []string        `json:"line_ids"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	Restock   bool            `json:"restock"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
