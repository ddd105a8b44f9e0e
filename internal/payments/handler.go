package payments

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tillbook/tillbook/internal/platform/httpx"
)

// Handler exposes the payment-method catalog over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers payment-method routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/payment-methods", h.listMethods)
	r.Post("/payment-methods", h.createMethod)
	r.Post("/payment-methods/{id}/activate", h.setActive(true))
	r.Post("/payment-methods/{id}/deactivate", h.setActive(false))
	r.Post("/payment-methods/{id}/aliases", h.createAlias)
}

func (h *Handler) listMethods(w http.ResponseWriter, r *http.Request) {
	dir, err := h.service.Directory(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": dir.Methods})
}

type createMethodPayload struct {
	Code string `json:"code" validate:"required"`
	Name string `json:"name" validate:"required"`
}

func (h *Handler) createMethod(w http.ResponseWriter, r *http.Request) {
	var payload createMethodPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	method, err := h.service.CreateMethod(r.Context(), payload.Code, payload.Name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, method)
}

func (h *Handler) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "payment method id must be numeric")
			return
		}
		if err := h.service.SetMethodActive(r.Context(), id, active); err != nil {
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
	}
}

type createAliasPayload struct {
	Alias string `json:"alias" validate:"required"`
}

func (h *Handler) createAlias(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "payment method id must be numeric")
		return
	}
	var payload createAliasPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.CreateAlias(r.Context(), payload.Alias, id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"alias": payload.Alias, "payment_method_id": id})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.DomainProblem(w, http.StatusNotFound, "PAYMENT_METHOD_NOT_FOUND", err.Error())
	case errors.Is(err, ErrInvalidPaymentMethod):
		httpx.DomainProblem(w, http.StatusBadRequest, "INVALID_PAYMENT_METHOD", err.Error())
	case errors.Is(err, ErrCodeTaken):
		httpx.DomainProblem(w, http.StatusConflict, "CODE_TAKEN", err.Error())
	default:
		h.logger.Error("payments handler failure", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
	}
}
