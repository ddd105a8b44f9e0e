package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tillbook/tillbook/internal/platform/httpx"
)

// Handler exposes the audit trail over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/audit-logs", h.timeline)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filters TimelineFilters
	if v := q.Get("from"); v != "" {
		ts, err := parseDate(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "from must be RFC3339 or YYYY-MM-DD")
			return
		}
		filters.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := parseDate(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "to must be RFC3339 or YYYY-MM-DD")
			return
		}
		filters.To = ts
	}
	filters.Action = q.Get("action")
	filters.Entity = q.Get("entity")
	filters.EntityID = q.Get("entity_id")
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected failure")
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func parseDate(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02", s)
}
