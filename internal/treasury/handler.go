package treasury

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/platform/httpx"
)

// Handler exposes the treasury ledger over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers treasury routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/treasuries", h.listTreasuries)
	r.Post("/treasuries", h.createTreasury)
	r.Get("/treasuries/{id}", h.getTreasury)
	r.Post("/treasuries/{id}/archive", h.archiveTreasury)
	r.Post("/treasuries/{id}/default", h.setDefault)
	r.Get("/entries", h.listEntries)
	r.Post("/entries", h.postEntry)
	r.Post("/transfers", h.transfer)
	r.Post("/rollbacks", h.rollback)
}

type createTreasuryPayload struct {
	Name           string `json:"name" validate:"required"`
	Code           string `json:"code" validate:"required"`
	OpeningBalance string `json:"opening_balance"`
	IsDefault      bool   `json:"is_default"`
}

func (h *Handler) createTreasury(w http.ResponseWriter, r *http.Request) {
	var payload createTreasuryPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	opening := decimal.Zero
	if payload.OpeningBalance != "" {
		var err error
		if opening, err = decimal.NewFromString(payload.OpeningBalance); err != nil {
			httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_AMOUNT", "opening_balance is not a valid amount")
			return
		}
	}
	created, err := h.service.CreateTreasury(r.Context(), CreateTreasuryRequest{
		Name:           payload.Name,
		Code:           payload.Code,
		OpeningBalance: opening,
		IsDefault:      payload.IsDefault,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) listTreasuries(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	treasuries, err := h.service.ListTreasuries(r.Context(), includeDeleted)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"treasuries": treasuries})
}

func (h *Handler) getTreasury(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "treasury id must be numeric")
		return
	}
	t, err := h.service.GetTreasury(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) archiveTreasury(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "treasury id must be numeric")
		return
	}
	if err := h.service.ArchiveTreasury(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"archived": true})
}

func (h *Handler) setDefault(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "treasury id must be numeric")
		return
	}
	if err := h.service.SetDefault(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"default": id})
}

type postEntryPayload struct {
	TreasuryID      int64          `json:"treasury_id"`
	EntryType       string         `json:"entry_type" validate:"required"`
	Direction       string         `json:"direction" validate:"required,oneof=IN OUT"`
	Amount          string         `json:"amount" validate:"required"`
	ReferenceKind   string         `json:"reference_kind"`
	ReferenceID     int64          `json:"reference_id"`
	PaymentMethodID *int64         `json:"payment_method_id"`
	EntryDate       *time.Time     `json:"entry_date"`
	IdempotencyKey  string         `json:"idempotency_key"`
	AllowNegative   bool           `json:"allow_negative"`
	Meta            map[string]any `json:"meta"`
}

func (h *Handler) postEntry(w http.ResponseWriter, r *http.Request) {
	var payload postEntryPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount is not a valid amount")
		return
	}
	req := PostEntryRequest{
		TreasuryID:      payload.TreasuryID,
		Type:            EntryType(payload.EntryType),
		Direction:       Direction(payload.Direction),
		Amount:          amount,
		PaymentMethodID: payload.PaymentMethodID,
		IdempotencyKey:  payload.IdempotencyKey,
		AllowNegative:   payload.AllowNegative,
		Meta:            payload.Meta,
	}
	if payload.EntryDate != nil {
		req.EntryDate = *payload.EntryDate
	}
	if payload.ReferenceKind != "" {
		req.Reference = &Reference{Kind: payload.ReferenceKind, ID: payload.ReferenceID}
	}
	entry, err := h.service.PostEntry(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	status := http.StatusCreated
	if entry.Idempotent {
		status = http.StatusOK
	}
	httpx.JSON(w, status, entry)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := EntryFilter{
		Type:          EntryType(q.Get("entry_type")),
		ReferenceKind: q.Get("reference_kind"),
	}
	filter.TreasuryID, _ = strconv.ParseInt(q.Get("treasury_id"), 10, 64)
	filter.ReferenceID, _ = strconv.ParseInt(q.Get("reference_id"), 10, 64)
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = ts
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	entries, total, err := h.service.ListEntries(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

type transferPayload struct {
	SourceTreasuryID int64      `json:"source_treasury_id" validate:"required"`
	TargetTreasuryID int64      `json:"target_treasury_id" validate:"required"`
	Amount           string     `json:"amount" validate:"required"`
	EntryDate        *time.Time `json:"entry_date"`
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var payload transferPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount is not a valid amount")
		return
	}
	req := TransferRequest{
		SourceTreasuryID: payload.SourceTreasuryID,
		TargetTreasuryID: payload.TargetTreasuryID,
		Amount:           amount,
	}
	if payload.EntryDate != nil {
		req.EntryDate = *payload.EntryDate
	}
	result, err := h.service.Transfer(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type rollbackPayload struct {
	ReferenceKind string `json:"reference_kind" validate:"required"`
	ReferenceID   int64  `json:"reference_id" validate:"required"`
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	var payload rollbackPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.RollbackByReference(r.Context(), payload.ReferenceKind, payload.ReferenceID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, ErrInvalidEntryType), errors.Is(err, ErrInvalidDirection):
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, ErrTreasuryNotFound), errors.Is(err, ErrNotFound):
		httpx.DomainProblem(w, http.StatusNotFound, "TREASURY_NOT_FOUND", err.Error())
	case errors.Is(err, ErrTreasuryInactive):
		httpx.DomainProblem(w, http.StatusConflict, "TREASURY_INACTIVE", err.Error())
	case errors.Is(err, ErrInsufficientBalance):
		httpx.DomainProblem(w, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, ErrSameTreasury):
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, ErrTreasuryIsDefault), errors.Is(err, ErrLastActiveTreasury):
		httpx.DomainProblem(w, http.StatusConflict, "TREASURY_PROTECTED", err.Error())
	case errors.Is(err, ErrCodeTaken):
		httpx.DomainProblem(w, http.StatusConflict, "CODE_TAKEN", err.Error())
	case errors.Is(err, ErrConstraintViolation):
		httpx.DomainProblem(w, http.StatusConflict, "CONSTRAINT_VIOLATION", "the record is referenced by other documents")
	default:
		h.logger.Error("treasury request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
