package memory

import (
	"cmp"
	"context"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

var _ store.Repository = (*Store)(nil)

// stockCell serializes every mutation of one unit; different units never contend.
type stockCell struct {
	mu   sync.Mutex
	unit domain.StockUnit
}

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	stock            map[string]*stockCell
	customers        map[string]domain.Customer
	heldByID         map[string]domain.HeldTransaction
	salesByID        map[string]domain.Sale
	invoiceSequences map[string]int64
	refundsBySale    map[string][]domain.Refund
	shiftsByID       map[string]domain.Shift
	openShiftByUser  map[string]string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		stock:            make(map[string]*stockCell),
		customers:        make(map[string]domain.Customer),
		heldByID:         make(map[string]domain.HeldTransaction),
		salesByID:        make(map[string]domain.Sale),
		invoiceSequences: make(map[string]int64),
		refundsBySale:    make(map[string][]domain.Refund),
		shiftsByID:       make(map[string]domain.Shift),
		openShiftByUser:  make(map[string]string),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a demo formulary and dev accounts.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_PHARMACIST_PASSWORD and
// SEED_CASHIER_PASSWORD; unset values fall back to dev defaults with a warning.
func NewSeeded(lg *zap.Logger) *Store {
	if lg == nil {
		lg = zap.NewNop()
	}
	s := New()
	for _, seed := range []struct {
		product domain.Product
		qty     int
	}{
		{domain.Product{UnitID: "PARA-500", Name: "Paracetamol 500mg strip 10", Price: decimal.RequireFromString("12500"), Active: true}, 200},
		{domain.Product{UnitID: "AMOX-500", Name: "Amoxicillin 500mg strip 10", Price: decimal.RequireFromString("18000"), PrescriptionRequired: true, Active: true}, 80},
		{domain.Product{UnitID: "CTM-4", Name: "Chlorpheniramine 4mg strip 10", Price: decimal.RequireFromString("5000"), Active: true}, 150},
		{domain.Product{UnitID: "OBH-100", Name: "OBH Combi 100ml", Price: decimal.RequireFromString("21500"), Active: true}, 60},
		{domain.Product{UnitID: "METF-500", Name: "Metformin 500mg strip 10", Price: decimal.RequireFromString("9800"), PrescriptionRequired: true, Active: true}, 90},
		{domain.Product{UnitID: "VITC-500", Name: "Vitamin C 500mg tube 10", Price: decimal.RequireFromString("16000"), Active: true}, 120},
		{domain.Product{UnitID: "ORS-200", Name: "Oralit 200ml sachet", Price: decimal.RequireFromString("2500"), Active: true}, 300},
		{domain.Product{UnitID: "MASK-50", Name: "Masker medis box 50", Price: decimal.RequireFromString("35000"), Active: true}, 40},
	} {
		s.PutProduct(seed.product, seed.qty)
	}
	s.PutCustomer(domain.Customer{ID: "cust-0001", Name: "Budi Santoso", Phone: "081234567890", MemberCode: "MBR-0001"})
	s.PutCustomer(domain.Customer{ID: "cust-0002", Name: "Siti Rahayu", Phone: "081298765432", MemberCode: "MBR-0002"})

	s.usersByUsername = seedUsers(lg)
	return s
}

func seedUsers(lg *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	pharmacistPwd := envOr("SEED_PHARMACIST_PASSWORD", "apoteker123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		lg.Warn("Using default dev credentials, set SEED_*_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"apoteker", pharmacistPwd, domain.RolePharmacist},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			lg.Fatal("Hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutProduct registers a product and sets its physical stock, clearing reservations.
func (s *Store) PutProduct(product domain.Product, physicalQty int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[product.UnitID] = product
	s.stock[product.UnitID] = &stockCell{unit: domain.StockUnit{
		UnitID:      product.UnitID,
		PhysicalQty: physicalQty,
		UpdatedAt:   time.Now().UTC(),
	}}
}

func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.ID] = customer
}

func (s *Store) GetProduct(_ context.Context, unitID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[unitID]
	if !ok || !product.Active {
		return nil, domain.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		if product.Active {
			products = append(products, product)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) FindCustomer(_ context.Context, query string) (*domain.Customer, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, domain.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(s.customers))
	for _, id := range ids {
		c := s.customers[id]
		if strings.ToLower(c.ID) == query || c.Phone == query || strings.ToLower(c.MemberCode) == query {
			return &c, nil
		}
	}
	for _, id := range ids {
		c := s.customers[id]
		if strings.Contains(strings.ToLower(c.Name), query) {
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) cell(unitID string) (*stockCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.stock[unitID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) mutateStock(unitID string, fn func(unit *domain.StockUnit) error) (*domain.StockUnit, error) {
	c, err := s.cell(unitID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.unit
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	c.unit = next
	return &next, nil
}

func (s *Store) GetStockUnit(_ context.Context, unitID string) (*domain.StockUnit, error) {
	c, err := s.cell(unitID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	unit := c.unit
	return &unit, nil
}

func (s *Store) ListStockUnits(ctx context.Context) ([]domain.StockUnit, error) {
	s.mu.RLock()
	ids := slices.Sorted(maps.Keys(s.stock))
	s.mu.RUnlock()

	units := make([]domain.StockUnit, 0, len(ids))
	for _, id := range ids {
		unit, err := s.GetStockUnit(ctx, id)
		if err != nil {
			return nil, err
		}
		units = append(units, *unit)
	}
	return units, nil
}

func (s *Store) ReserveStock(_ context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.mutateStock(unitID, func(unit *domain.StockUnit) error {
		if unit.Available() < qty {
			return &domain.InsufficientStockError{UnitID: unitID, Requested: qty, Available: unit.Available()}
		}
		unit.ReservedQty += qty
		return nil
	})
}

func (s *Store) ReleaseStock(_ context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.mutateStock(unitID, func(unit *domain.StockUnit) error {
		if unit.ReservedQty < qty {
			return domain.ErrOverRelease
		}
		unit.ReservedQty -= qty
		return nil
	})
}

func (s *Store) ConsumeStock(_ context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.mutateStock(unitID, func(unit *domain.StockUnit) error {
		if unit.ReservedQty < qty {
			return &domain.InsufficientStockError{UnitID: unitID, Requested: qty, Available: unit.ReservedQty}
		}
		unit.PhysicalQty -= qty
		unit.ReservedQty -= qty
		return nil
	})
}

func (s *Store) RevertConsumedStock(_ context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.mutateStock(unitID, func(unit *domain.StockUnit) error {
		unit.PhysicalQty += qty
		unit.ReservedQty += qty
		return nil
	})
}

func (s *Store) RestoreStock(_ context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.mutateStock(unitID, func(unit *domain.StockUnit) error {
		unit.PhysicalQty += qty
		return nil
	})
}

func (s *Store) ResetReservedStock(_ context.Context, reserved map[string]int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for unitID := range reserved {
		if _, ok := s.stock[unitID]; !ok {
			return domain.ErrNotFound
		}
	}
	for unitID, c := range s.stock {
		c.mu.Lock()
		c.unit.ReservedQty = min(reserved[unitID], c.unit.PhysicalQty)
		c.unit.UpdatedAt = time.Now().UTC()
		c.mu.Unlock()
	}
	return nil
}

func (s *Store) CreateHeldTransaction(_ context.Context, held domain.HeldTransaction) (*domain.HeldTransaction, error) {
	if held.TicketID == "" || held.TerminalID == "" || held.Cart.IsEmpty() {
		return nil, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	s.heldByID[held.TicketID] = cloneHeld(held)
	saved := cloneHeld(held)
	return &saved, nil
}

func (s *Store) GetHeldTransaction(_ context.Context, ticketID string) (*domain.HeldTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	held, ok := s.heldByID[ticketID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	result := cloneHeld(held)
	return &result, nil
}

func (s *Store) ListHeldTransactions(_ context.Context, terminalID string, limit int) ([]domain.HeldTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.HeldTransaction, 0, len(s.heldByID))
	for _, held := range s.heldByID {
		if terminalID != "" && held.TerminalID != terminalID {
			continue
		}
		result = append(result, cloneHeld(held))
	}
	slices.SortFunc(result, func(a, b domain.HeldTransaction) int {
		if c := b.HeldAt.Compare(a.HeldAt); c != 0 {
			return c
		}
		return cmp.Compare(b.TicketID, a.TicketID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PopHeldTransaction(_ context.Context, ticketID string) (*domain.HeldTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.heldByID[ticketID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(s.heldByID, ticketID)
	result := cloneHeld(held)
	return &result, nil
}

func (s *Store) NextInvoiceSequence(_ context.Context, day string) (int64, error) {
	if day == "" {
		return 0, domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invoiceSequences[day]++
	return s.invoiceSequences[day], nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || sale.InvoiceNumber == "" || len(sale.Lines) == 0 {
		return nil, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, domain.ErrInvalidInput
	}
	for _, existing := range s.salesByID {
		if existing.InvoiceNumber == sale.InvoiceNumber {
			return nil, domain.ErrInvalidInput
		}
	}
	s.salesByID[sale.ID] = cloneSale(sale)
	saved := cloneSale(sale)
	return &saved, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSalesByShift(_ context.Context, shiftID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 32)
	for _, sale := range s.salesByID {
		if sale.ShiftID == shiftID {
			result = append(result, cloneSale(sale))
		}
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		return cmp.Compare(a.InvoiceNumber, b.InvoiceNumber)
	})
	return result, nil
}

func (s *Store) VoidSale(_ context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, domain.ErrInvalidState
	}
	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	sale.VoidedAt = &at
	s.salesByID[saleID] = sale
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) CreateRefund(_ context.Context, refund domain.Refund) (*domain.Sale, error) {
	if refund.ID == "" || len(refund.LineIDs) == 0 {
		return nil, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[refund.SaleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if sale.Status == domain.SaleStatusRefunded || sale.Status == domain.SaleStatusVoided {
		return nil, domain.ErrInvalidSelection
	}
	for _, lineID := range refund.LineIDs {
		if _, ok := sale.Line(lineID); !ok || sale.IsLineRefunded(lineID) {
			return nil, domain.ErrInvalidSelection
		}
	}

	sale = cloneSale(sale)
	sale.RefundedLineIDs = append(sale.RefundedLineIDs, refund.LineIDs...)
	sale.Status = store.RefundStatus(sale)
	s.salesByID[sale.ID] = sale
	refund.LineIDs = slices.Clone(refund.LineIDs)
	s.refundsBySale[sale.ID] = append(s.refundsBySale[sale.ID], refund)

	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListRefunds(_ context.Context, saleID string) ([]domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refunds := s.refundsBySale[saleID]
	out := make([]domain.Refund, len(refunds))
	for i, refund := range refunds {
		refund.LineIDs = slices.Clone(refund.LineIDs)
		out[i] = refund
	}
	return out, nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.CashierID) == "" {
		return nil, domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openShiftByUser[shift.CashierID]; exists {
		return nil, domain.ErrAlreadyOpen
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ClosedAt = nil
	shift.Summary = nil
	if shift.ByMethod == nil {
		shift.ByMethod = map[string]decimal.Decimal{}
	}

	s.shiftsByID[shift.ID] = cloneShift(shift)
	s.openShiftByUser[shift.CashierID] = shift.ID
	out := cloneShift(shift)
	return &out, nil
}

func (s *Store) GetShift(_ context.Context, shiftID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneShift(shift)
	return &out, nil
}

func (s *Store) GetOpenShiftByCashier(_ context.Context, cashierID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, ok := s.openShiftByUser[cashierID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneShift(s.shiftsByID[shiftID])
	return &out, nil
}

func (s *Store) ApplyShiftDelta(_ context.Context, shiftID string, delta domain.ShiftDelta) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, domain.ErrNotOpen
	}

	shift = cloneShift(shift)
	shift.SaleCount += delta.SaleCount
	shift.Revenue = shift.Revenue.Add(delta.Revenue)
	for method, amount := range delta.ByMethod {
		shift.ByMethod[method] = shift.ByMethod[method].Add(amount)
	}
	s.shiftsByID[shiftID] = shift
	out := cloneShift(shift)
	return &out, nil
}

func (s *Store) CloseShift(_ context.Context, shiftID string, closedAt time.Time, summarize func(domain.Shift) domain.ClosingSummary) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, domain.ErrNotOpen
	}

	shift = cloneShift(shift)
	shift.Status = domain.ShiftStatusClosed
	shift.ClosedAt = &closedAt
	summary := summarize(shift)
	shift.Summary = &summary

	delete(s.openShiftByUser, shift.CashierID)
	s.shiftsByID[shiftID] = shift
	out := cloneShift(shift)
	return &out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return domain.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return domain.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneHeld(src domain.HeldTransaction) domain.HeldTransaction {
	dst := src
	dst.Cart = src.Cart.Clone()
	dst.Reservations = maps.Clone(src.Reservations)
	return dst
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	dst.Payments = slices.Clone(src.Payments)
	dst.ByMethod = maps.Clone(src.ByMethod)
	dst.RefundedLineIDs = slices.Clone(src.RefundedLineIDs)
	if src.Customer != nil {
		customer := *src.Customer
		dst.Customer = &customer
	}
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dst.VoidedAt = &at
	}
	return dst
}

func cloneShift(src domain.Shift) domain.Shift {
	dst := src
	dst.ByMethod = maps.Clone(src.ByMethod)
	if dst.ByMethod == nil {
		dst.ByMethod = map[string]decimal.Decimal{}
	}
	if src.ClosedAt != nil {
		at := *src.ClosedAt
		dst.ClosedAt = &at
	}
	if src.Summary != nil {
		summary := *src.Summary
		summary.ByMethod = maps.Clone(src.Summary.ByMethod)
		dst.Summary = &summary
	}
	return dst
}
