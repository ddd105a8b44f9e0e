package receivables

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/platform/httpx"
	"github.com/tillbook/tillbook/internal/shared"
)

// Handler exposes the customer sub-ledger over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sub-ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/customers/{id}/outstanding", h.listOutstanding)
	r.Get("/customers/{id}/transactions", h.listTransactions)
}

func (h *Handler) listOutstanding(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "customer id must be numeric")
		return
	}
	var override *decimal.Decimal
	if v := r.URL.Query().Get("balance_override"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "balance_override must be a decimal")
			return
		}
		override = &d
	}
	rows, err := h.service.Outstanding(r.Context(), customerID, override)
	if err != nil {
		h.logger.Error("outstanding listing failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "customer id must be numeric")
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pagination := shared.NewPagination(page, perPage, 0)

	txns, err := h.service.Transactions(r.Context(), customerID, pagination)
	if err != nil {
		h.logger.Error("transaction listing failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": txns})
}
