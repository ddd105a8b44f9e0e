package posting

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tillbook/tillbook/internal/customers"
	"github.com/tillbook/tillbook/internal/payments"
	"github.com/tillbook/tillbook/internal/platform/httpx"
	"github.com/tillbook/tillbook/internal/treasury"
)

// Handler exposes the business-action endpoints collaborators call.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers posting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/postings/sales", h.recordSale)
	r.Post("/postings/payments", h.recordPayment)
	r.Post("/postings/deposits", h.recordDeposit)
	r.Post("/postings/refunds", h.recordRefund)
	r.Post("/postings/reversals", h.reverse)
}

type splitPayload struct {
	Method string `json:"method" validate:"required"`
	Amount string `json:"amount" validate:"required"`
}

func parseSplits(raw []splitPayload) ([]payments.SplitInput, error) {
	splits := make([]payments.SplitInput, 0, len(raw))
	for _, row := range raw {
		amount, err := decimal.NewFromString(row.Amount)
		if err != nil {
			return nil, err
		}
		splits = append(splits, payments.SplitInput{Method: row.Method, Amount: amount})
	}
	return splits, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", s)
}

type salePayload struct {
	CustomerID     int64          `json:"customer_id" validate:"required,gt=0"`
	SaleID         int64          `json:"sale_id" validate:"required,gt=0"`
	InvoiceDate    string         `json:"invoice_date"`
	Total          string         `json:"total" validate:"required"`
	Paid           string         `json:"paid"`
	Splits         []splitPayload `json:"splits"`
	FallbackMethod string         `json:"fallback_method"`
	TreasuryID     int64          `json:"treasury_id"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (h *Handler) recordSale(w http.ResponseWriter, r *http.Request) {
	var payload salePayload
	if !h.decode(w, r, &payload) {
		return
	}
	total, err := decimal.NewFromString(payload.Total)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "total must be a decimal")
		return
	}
	paid := decimal.Zero
	if payload.Paid != "" {
		if paid, err = decimal.NewFromString(payload.Paid); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "paid must be a decimal")
			return
		}
	}
	splits, err := parseSplits(payload.Splits)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "split amounts must be decimals")
		return
	}
	invoiceDate, err := parseDate(payload.InvoiceDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "invoice_date must be RFC3339 or YYYY-MM-DD")
		return
	}

	result, err := h.service.RecordSale(r.Context(), SaleRequest{
		CustomerID:     payload.CustomerID,
		SaleID:         payload.SaleID,
		InvoiceDate:    invoiceDate,
		Total:          total,
		Paid:           paid,
		Splits:         splits,
		FallbackMethod: payload.FallbackMethod,
		TreasuryID:     payload.TreasuryID,
		IdempotencyKey: payload.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type paymentPayload struct {
	CustomerID     int64          `json:"customer_id" validate:"required,gt=0"`
	PaymentID      int64          `json:"payment_id" validate:"required,gt=0"`
	PaymentDate    string         `json:"payment_date"`
	Amount         string         `json:"amount" validate:"required"`
	Splits         []splitPayload `json:"splits"`
	FallbackMethod string         `json:"fallback_method"`
	TreasuryID     int64          `json:"treasury_id"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var payload paymentPayload
	if !h.decode(w, r, &payload) {
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "amount must be a decimal")
		return
	}
	splits, err := parseSplits(payload.Splits)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "split amounts must be decimals")
		return
	}
	paymentDate, err := parseDate(payload.PaymentDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "payment_date must be RFC3339 or YYYY-MM-DD")
		return
	}

	result, err := h.service.RecordCustomerPayment(r.Context(), PaymentRequest{
		CustomerID:     payload.CustomerID,
		PaymentID:      payload.PaymentID,
		PaymentDate:    paymentDate,
		Amount:         amount,
		Splits:         splits,
		FallbackMethod: payload.FallbackMethod,
		TreasuryID:     payload.TreasuryID,
		IdempotencyKey: payload.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type depositPayload struct {
	CustomerID     int64  `json:"customer_id" validate:"required,gt=0"`
	DepositID      int64  `json:"deposit_id" validate:"required,gt=0"`
	DepositDate    string `json:"deposit_date"`
	Amount         string `json:"amount" validate:"required"`
	Method         string `json:"method"`
	TreasuryID     int64  `json:"treasury_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) recordDeposit(w http.ResponseWriter, r *http.Request) {
	var payload depositPayload
	if !h.decode(w, r, &payload) {
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "amount must be a decimal")
		return
	}
	depositDate, err := parseDate(payload.DepositDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "deposit_date must be RFC3339 or YYYY-MM-DD")
		return
	}

	result, err := h.service.RecordDeposit(r.Context(), DepositRequest{
		CustomerID:     payload.CustomerID,
		DepositID:      payload.DepositID,
		DepositDate:    depositDate,
		Amount:         amount,
		Method:         payload.Method,
		TreasuryID:     payload.TreasuryID,
		IdempotencyKey: payload.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type refundPayload struct {
	CustomerID     int64  `json:"customer_id" validate:"required,gt=0"`
	Kind           string `json:"kind" validate:"required"`
	ReferenceID    int64  `json:"reference_id" validate:"required,gt=0"`
	RefundDate     string `json:"refund_date"`
	Amount         string `json:"amount" validate:"required"`
	TreasuryID     int64  `json:"treasury_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AllowNegative  bool   `json:"allow_negative"`
}

func (h *Handler) recordRefund(w http.ResponseWriter, r *http.Request) {
	var payload refundPayload
	if !h.decode(w, r, &payload) {
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Amount", "amount must be a decimal")
		return
	}
	refundDate, err := parseDate(payload.RefundDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "refund_date must be RFC3339 or YYYY-MM-DD")
		return
	}

	result, err := h.service.RecordRefund(r.Context(), RefundRequest{
		CustomerID:     payload.CustomerID,
		Kind:           payload.Kind,
		ReferenceID:    payload.ReferenceID,
		RefundDate:     refundDate,
		Amount:         amount,
		TreasuryID:     payload.TreasuryID,
		IdempotencyKey: payload.IdempotencyKey,
		AllowNegative:  payload.AllowNegative,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type reversePayload struct {
	CustomerID    int64  `json:"customer_id" validate:"required,gt=0"`
	ReferenceKind string `json:"reference_kind" validate:"required"`
	ReferenceID   int64  `json:"reference_id" validate:"required,gt=0"`
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	var payload reversePayload
	if !h.decode(w, r, &payload) {
		return
	}
	result, err := h.service.ReverseReference(r.Context(), ReverseRequest{
		CustomerID:    payload.CustomerID,
		ReferenceKind: payload.ReferenceKind,
		ReferenceID:   payload.ReferenceID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, payload any) bool {
	if err := httpx.DecodeJSON(r, payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMissingCustomer), errors.Is(err, ErrMissingReference), errors.Is(err, ErrInvalidReference):
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, customers.ErrNotFound):
		httpx.DomainProblem(w, http.StatusNotFound, "CUSTOMER_NOT_FOUND", err.Error())
	case errors.Is(err, treasury.ErrInvalidAmount):
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, treasury.ErrTreasuryNotFound):
		httpx.DomainProblem(w, http.StatusNotFound, "TREASURY_NOT_FOUND", err.Error())
	case errors.Is(err, treasury.ErrTreasuryInactive):
		httpx.DomainProblem(w, http.StatusConflict, "TREASURY_INACTIVE", err.Error())
	case errors.Is(err, treasury.ErrInsufficientBalance):
		httpx.DomainProblem(w, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, payments.ErrInvalidPaymentMethod):
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_PAYMENT_METHOD", err.Error())
	case errors.Is(err, payments.ErrSplitMismatch):
		httpx.DomainProblem(w, http.StatusUnprocessableEntity, "SPLIT_MISMATCH", err.Error())
	case errors.Is(err, payments.ErrInvalidAmount):
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, payments.ErrNoActiveMethods):
		httpx.DomainProblem(w, http.StatusConflict, "NO_ACTIVE_METHODS", err.Error())
	default:
		h.logger.Error("posting handler failure", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
	}
}
