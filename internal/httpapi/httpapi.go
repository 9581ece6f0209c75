package httpapi

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/service"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	lg            *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, lg *zap.Logger) *API {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		lg:            lg.Named("http"),
	}
}

type attemptLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
	entries   map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, now: time.Now, entries: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it is within the limit.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	history := l.entries[key]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

// sweep drops keys whose newest attempt has left the window.
func (l *attemptLimiter) sweep(cutoff time.Time) {
	for key, history := range l.entries {
		if len(history) == 0 || !history[len(history)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.securityHeaders)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	})

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/login", a.handleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth(domain.RoleCashier, domain.RolePharmacist, domain.RoleAdmin))

		r.Get("/products", a.handleProducts)

		r.Post("/shifts", a.handleShiftOpen)
		r.Get("/shifts/active", a.handleShiftActive)
		r.Get("/shifts/{shiftID}", a.handleShiftGet)
		r.Post("/shifts/{shiftID}/close", a.handleShiftClose)
		r.Get("/shifts/{shiftID}/sales", a.handleShiftSales)

		r.Post("/sessions", a.handleSessionOpen)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", a.handleSessionGet)
			r.Delete("/", a.handleSessionClose)
			r.Delete("/cart", a.handleCartClear)
			r.Post("/items", a.handleItemAdd)
			r.Get("/items/{unitID}", a.handleItemAvailability)
			r.Put("/items/{unitID}", a.handleItemQuantity)
			r.Delete("/items/{unitID}", a.handleItemRemove)
			r.Put("/items/{unitID}/discount", a.handleItemDiscount)
			r.Put("/items/{unitID}/price", a.handlePriceOverride)
			r.Delete("/items/{unitID}/price", a.handlePriceClear)
			r.Post("/items/{unitID}/price/approve", a.handlePriceApprove)
			r.Put("/discount", a.handleGlobalDiscount)
			r.Put("/customer", a.handleCustomer)
			r.Put("/prescription", a.handlePrescription)
			r.Post("/hold", a.handleHold)
			r.Post("/resume/{ticketID}", a.handleResume)
			r.Post("/checkout", a.handleCheckout)
		})

		r.Get("/holds", a.handleHeldList)
		r.Delete("/holds/{ticketID}", a.handleHeldDiscard)

		r.Get("/sales/{saleID}", a.handleSaleGet)
		r.Post("/sales/{saleID}/void", a.handleSaleVoid)
		r.Get("/sales/{saleID}/refunds", a.handleRefundList)
		r.Post("/sales/{saleID}/refunds", a.handleRefundCreate)

		r.Get("/stock/{unitID}", a.handleStockGet)
		r.Post("/stock/{unitID}/receive", a.handleStockReceive)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))
			r.Get("/audit-logs", a.handleAuditLogs)
			r.Get("/users", a.handleUsersList)
			r.Post("/users", a.handleUserCreate)
		})
	})

	return r
}

// requireAuth resolves the bearer token into an actor on the request context.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				a.writeError(w, r, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				a.writeError(w, r, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, candidate := range allowed {
		if role == candidate {
			return true
		}
	}
	return false
}

// checkManagerPIN rate limits and verifies a manager PIN. It writes the
// response and returns false when the request must stop.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, scope string, pin string) bool {
	if !a.pinLimiter.Allow("pin:" + scope + ":" + clientKey(r)) {
		a.writeError(w, r, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		a.lg.Warn("Manager PIN rejected",
			zap.String("scope", scope),
			zap.String("client", clientKey(r)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
		a.writeError(w, r, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.lg.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(startedAt)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// statusFor maps domain failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidSelection):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrAlreadyOpen),
		errors.Is(err, domain.ErrNotOpen),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrStaleHold),
		errors.Is(err, domain.ErrOverridePending),
		errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrOverRelease),
		errors.Is(err, domain.ErrNothingReserved):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPaymentInsufficient),
		errors.Is(err, domain.ErrNonCashOverpayment),
		errors.Is(err, domain.ErrMethodNotEnabled),
		errors.Is(err, domain.ErrPrescriptionRequired):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.writeError(w, r, statusFor(err), err)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	// 5xx responses never leak internals.
	if status >= 500 {
		a.lg.Error("Request failed",
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, status, map[string]any{"error": "internal server error"})
		return
	}

	body := map[string]any{"error": err.Error()}
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		body["unit_id"] = stockErr.UnitID
		body["available"] = stockErr.Available
	}
	var payErr *domain.PaymentInsufficientError
	if errors.As(err, &payErr) {
		body["remainder"] = payErr.Remainder.StringFixed(2)
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errors.Wrap(domain.ErrInvalidInput, err.Error())
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
