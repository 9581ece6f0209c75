package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"apotekpos/backend/internal/domain"
)

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, r, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, r, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": products})
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.OpenShift(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleShiftActive(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ActiveShift(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftGet(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetShift(r.Context(), chi.URLParam(r, "shiftID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	var req domain.ShiftCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.CloseShift(r.Context(), chi.URLParam(r, "shiftID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftSales(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.ListShiftSales(r.Context(), chi.URLParam(r, "shiftID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sales})
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.OpenSession(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if err := a.service.CloseSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCartClear(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ClearCart(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleItemAdd(w http.ResponseWriter, r *http.Request) {
	var req domain.AddItemRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.AddItem(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleItemAvailability(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ItemAvailability(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "unitID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleItemQuantity(w http.ResponseWriter, r *http.Request) {
	var req domain.SetQuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.SetQuantity(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "unitID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleItemRemove(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.RemoveItem(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "unitID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleItemDiscount(w http.ResponseWriter, r *http.Request) {
	var req domain.DiscountRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.SetLineDiscount(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "unitID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePriceOverride(w http.ResponseWriter, r *http.Request) {
	var req domain.PriceOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.RequestPriceOverride(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "unitID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePriceClear(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ClearPriceOverride(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "unitID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePriceApprove(w http.ResponseWriter, r *http.Request) {
	var req domain.OverrideApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if !a.checkManagerPIN(w, r, "override", req.ManagerPIN) {
		return
	}

	resp, err := a.service.ApprovePriceOverride(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "unitID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGlobalDiscount(w http.ResponseWriter, r *http.Request) {
	var req domain.DiscountRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.SetGlobalDiscount(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.SetCustomer(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePrescription(w http.ResponseWriter, r *http.Request) {
	var req domain.PrescriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.SetPrescription(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleHold(w http.ResponseWriter, r *http.Request) {
	var req domain.HoldRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.HoldCart(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ResumeHeldCart(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "ticketID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.Checkout(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleHeldList(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 100)
	resp, err := a.service.ListHeldCarts(r.Context(), r.URL.Query().Get("terminal_id"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleHeldDiscard(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardHeldCart(r.Context(), chi.URLParam(r, "ticketID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSaleGet(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetSale(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSaleVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if !a.checkManagerPIN(w, r, "void", req.ManagerPIN) {
		return
	}

	resp, err := a.service.VoidSale(r.Context(), chi.URLParam(r, "saleID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRefundCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.Refund(r.Context(), chi.URLParam(r, "saleID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRefundList(w http.ResponseWriter, r *http.Request) {
	refunds, err := a.service.ListRefunds(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": refunds})
}

func (a *API) handleStockGet(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetStock(r.Context(), chi.URLParam(r, "unitID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStockReceive(w http.ResponseWriter, r *http.Request) {
	var req domain.ReceiveStockRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	resp, err := a.service.ReceiveStock(r.Context(), chi.URLParam(r, "unitID"), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), strings.TrimSpace(r.URL.Query().Get("date")), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (a *API) handleUsersList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.auth.ListUsers(r.Context())})
}

func (a *API) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}
