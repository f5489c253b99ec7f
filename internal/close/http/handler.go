package closehttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
	yearclose "github.com/societyledger/societyledger/internal/close"
	"github.com/societyledger/societyledger/internal/platform/httpx"
	"github.com/societyledger/societyledger/internal/rbac"
)

type closeService interface {
	ListYears(ctx context.Context, societyID int64) ([]yearclose.FinancialYear, error)
	CreateYear(ctx context.Context, in yearclose.CreateYearInput) (yearclose.FinancialYear, error)
	ActiveYear(ctx context.Context, societyID int64) (yearclose.FinancialYear, error)
	ProvisionalClose(ctx context.Context, in yearclose.ProvisionalCloseInput) (yearclose.CloseResult, error)
	PostAdjustment(ctx context.Context, in yearclose.AdjustmentInput) (yearclose.AdjustmentResult, error)
	FinalClose(ctx context.Context, in yearclose.FinalCloseInput) (yearclose.FinancialYear, error)
	OpeningBalances(ctx context.Context, societyID, yearID int64) ([]yearclose.OpeningBalance, error)
	ListAdjustments(ctx context.Context, societyID, yearID int64) ([]yearclose.AuditAdjustment, error)
}

// Handler wires HTTP endpoints for the financial year lifecycle.
type Handler struct {
	logger  *slog.Logger
	service closeService
	rbac    rbac.Middleware
}

// NewHandler constructs a close HTTP handler.
func NewHandler(logger *slog.Logger, service closeService, rbac rbac.Middleware) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
		rbac:    rbac,
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/financial-years", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(rbac.PermYearView))
			r.Get("/", h.listYears)
			r.Get("/active", h.activeYear)
			r.Get("/{yearID}/opening-balances", h.openingBalances)
			r.Get("/{yearID}/adjustments", h.listAdjustments)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(rbac.PermYearClose))
			r.Post("/", h.createYear)
			r.Post("/{yearID}/provisional-close", h.provisionalClose)
			r.Post("/{yearID}/final-close", h.finalClose)
		})
		r.With(h.rbac.RequireAll(rbac.PermYearAdjust)).Post("/{yearID}/adjustments", h.postAdjustment)
	})
}

func (h *Handler) listYears(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	years, err := h.service.ListYears(r.Context(), tenant.SocietyID)
	if err != nil {
		h.fail(w, r, "list financial years", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"years": years})
}

type createYearRequest struct {
	YearName  string `json:"year_name" validate:"omitempty,max=32"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) createYear(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createYearRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	start, err := httpx.ParseDate("start_date", req.StartDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	end, err := httpx.ParseDate("end_date", req.EndDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	year, err := h.service.CreateYear(r.Context(), yearclose.CreateYearInput{
		SocietyID: tenant.SocietyID,
		YearName:  req.YearName,
		StartDate: start,
		EndDate:   end,
		ActorID:   tenant.UserID,
	})
	if err != nil {
		h.fail(w, r, "create financial year", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, year)
}

func (h *Handler) activeYear(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	year, err := h.service.ActiveYear(r.Context(), tenant.SocietyID)
	if err != nil {
		h.fail(w, r, "active financial year", err)
		return
	}
	httpx.JSON(w, http.StatusOK, year)
}

type provisionalCloseRequest struct {
	ClosingDate string `json:"closing_date" validate:"omitempty,datetime=2006-01-02"`
	Notes       string `json:"notes" validate:"max=2000"`
}

func (h *Handler) provisionalClose(w http.ResponseWriter, r *http.Request) {
	tenant, yearID, err := h.yearScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req provisionalCloseRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := yearclose.ProvisionalCloseInput{SocietyID: tenant, YearID: yearID, Notes: req.Notes, ActorID: h.actor(r)}
	if req.ClosingDate != "" {
		if in.ClosingDate, err = httpx.ParseDate("closing_date", req.ClosingDate); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	result, err := h.service.ProvisionalClose(r.Context(), in)
	if err != nil {
		h.fail(w, r, "provisional close", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type adjustmentLine struct {
	AccountCode string          `json:"account_code" validate:"required"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description"`
}

type adjustmentRequest struct {
	EffectiveDate string           `json:"effective_date" validate:"required,datetime=2006-01-02"`
	Reason        string           `json:"reason" validate:"required"`
	Entries       []adjustmentLine `json:"entries" validate:"required,min=2,dive"`
}

func (h *Handler) postAdjustment(w http.ResponseWriter, r *http.Request) {
	tenant, yearID, err := h.yearScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req adjustmentRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	effective, err := httpx.ParseDate("effective_date", req.EffectiveDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines := make([]accounting.PostingLine, 0, len(req.Entries))
	for _, e := range req.Entries {
		lines = append(lines, accounting.PostingLine{AccountCode: e.AccountCode, Debit: e.Debit, Credit: e.Credit, Description: e.Description})
	}
	result, err := h.service.PostAdjustment(r.Context(), yearclose.AdjustmentInput{
		SocietyID:     tenant,
		YearID:        yearID,
		EffectiveDate: effective,
		Entries:       lines,
		Reason:        req.Reason,
		ActorID:       h.actor(r),
	})
	if err != nil {
		h.fail(w, r, "post audit adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type finalCloseRequest struct {
	AuditCompletionDate string `json:"audit_completion_date" validate:"required,datetime=2006-01-02"`
	AuditorName         string `json:"auditor_name" validate:"required"`
	AuditorFirm         string `json:"auditor_firm"`
	ReportRef           string `json:"audit_report_ref"`
}

func (h *Handler) finalClose(w http.ResponseWriter, r *http.Request) {
	tenant, yearID, err := h.yearScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req finalCloseRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	completed, err := httpx.ParseDate("audit_completion_date", req.AuditCompletionDate)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	year, err := h.service.FinalClose(r.Context(), yearclose.FinalCloseInput{
		SocietyID:           tenant,
		YearID:              yearID,
		AuditCompletionDate: completed,
		AuditorName:         req.AuditorName,
		AuditorFirm:         req.AuditorFirm,
		ReportRef:           req.ReportRef,
		ActorID:             h.actor(r),
	})
	if err != nil {
		h.fail(w, r, "final close", err)
		return
	}
	httpx.JSON(w, http.StatusOK, year)
}

func (h *Handler) openingBalances(w http.ResponseWriter, r *http.Request) {
	tenant, yearID, err := h.yearScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.OpeningBalances(r.Context(), tenant, yearID)
	if err != nil {
		h.fail(w, r, "opening balances", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"opening_balances": rows})
}

func (h *Handler) listAdjustments(w http.ResponseWriter, r *http.Request) {
	tenant, yearID, err := h.yearScope(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	adjs, err := h.service.ListAdjustments(r.Context(), tenant, yearID)
	if err != nil {
		h.fail(w, r, "list adjustments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustments": adjs})
}

func (h *Handler) yearScope(r *http.Request) (int64, int64, error) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		return 0, 0, err
	}
	yearID, err := httpx.PathInt64(chi.URLParam(r, "yearID"), "year id")
	if err != nil {
		return 0, 0, err
	}
	return tenant.SocietyID, yearID, nil
}

func (h *Handler) actor(r *http.Request) int64 {
	tenant, _ := httpx.TenantOf(r)
	return tenant.UserID
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.WarnContext(r.Context(), op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
