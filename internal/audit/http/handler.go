package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/societyledger/societyledger/internal/audit"
	"github.com/societyledger/societyledger/internal/platform/httpx"
	"github.com/societyledger/societyledger/internal/rbac"
)

const (
	exportRateLimit  = 10
	exportRateWindow = time.Minute
)

type timelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler serves the society audit timeline.
type Handler struct {
	logger  *slog.Logger
	service timelineService
	rbac    rbac.Middleware
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, service timelineService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers the timeline and CSV export endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(exportRateLimit, exportRateWindow,
		httprate.WithKeyFuncs(exportKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "audit export rate limit reached")
		}),
	)
	r.Route("/audit-logs", func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermAuditView))
		r.Get("/", h.timeline)
		r.With(limiter).Get("/export.csv", h.export)
	})
}

func exportKey(r *http.Request) (string, error) {
	tenant, err := httpx.TenantOf(r)
	if err == nil {
		return fmt.Sprintf("society:%d:user:%d", tenant.SocietyID, tenant.UserID), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.fail(w, r, "audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.fail(w, r, "audit export", err)
		return
	}
	body, err := audit.WriteCSV(rows)
	if err != nil {
		h.fail(w, r, "audit export csv", err)
		return
	}
	filename := fmt.Sprintf("audit-%d-%s.csv", filters.SocietyID, time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	f := audit.TimelineFilters{
		SocietyID: tenant.SocietyID,
		Entity:    r.URL.Query().Get("entity"),
		Action:    r.URL.Query().Get("action"),
	}
	if f.From, err = httpx.QueryDate(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = httpx.QueryDate(r, "to"); err != nil {
		return f, err
	}
	actor, err := optionalInt(r, "actor_id")
	if err != nil {
		return f, err
	}
	f.ActorID = int64(actor)
	if f.Page, err = optionalInt(r, "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = optionalInt(r, "page_size"); err != nil {
		return f, err
	}
	return f, nil
}

func optionalInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", httpx.ErrBadRequest, name)
	}
	return v, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.WarnContext(r.Context(), op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
