package billinghttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/billing"
	"github.com/societyledger/societyledger/internal/platform/httpx"
	"github.com/societyledger/societyledger/internal/rbac"
)

type billingService interface {
	Generate(ctx context.Context, in billing.GenerateInput) (billing.GenerateResult, error)
	ListBills(ctx context.Context, societyID int64, period billing.Period) ([]billing.MaintenanceBill, error)
	DeleteDrafts(ctx context.Context, societyID int64, period billing.Period, actorID int64) (int, error)
	Post(ctx context.Context, in billing.PostInput) (billing.PostResult, error)
	Reverse(ctx context.Context, in billing.ReverseInput) (billing.ReverseResult, error)
	Regenerate(ctx context.Context, in billing.RegenerateInput) (billing.RegenerateResult, error)
	GetSettings(ctx context.Context, societyID int64) (billing.Settings, error)
	UpdateSettings(ctx context.Context, settings billing.Settings, actorID int64) (billing.Settings, error)
	CreateCharge(ctx context.Context, in billing.ChargeInput) (billing.SupplementaryCharge, error)
	ApproveCharge(ctx context.Context, societyID, chargeID, actorID int64) (billing.SupplementaryCharge, error)
	RecordPayment(ctx context.Context, in billing.PaymentInput) (billing.Payment, error)
}

// Handler exposes the bill lifecycle over JSON.
type Handler struct {
	logger  *slog.Logger
	service billingService
	rbac    rbac.Middleware
}

// NewHandler constructs a billing HTTP handler.
func NewHandler(logger *slog.Logger, service billingService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.With(h.rbac.RequireAny(rbac.PermBillingView)).Get("/bills", h.listBills)
		r.With(h.rbac.RequireAny(rbac.PermBillingView)).Get("/settings", h.getSettings)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(rbac.PermBillingManage))
			r.Post("/bills/generate", h.generate)
			r.Delete("/bills", h.deleteDrafts)
			r.Post("/bills/post", h.post)
			r.Post("/supplementary-charges", h.createCharge)
			r.Post("/supplementary-charges/{chargeID}/approve", h.approveCharge)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(rbac.PermBillingReverse))
			r.Post("/bills/{billID}/reverse", h.reverse)
			r.Post("/bills/regenerate", h.regenerate)
		})
		r.With(h.rbac.RequireAll(rbac.PermSettingsManage)).Put("/settings", h.updateSettings)
		r.With(h.rbac.RequireAll(rbac.PermPaymentsReceive)).Post("/payments", h.recordPayment)
	})
}

type generateRequest struct {
	Month               int                  `json:"month" validate:"required,min=1,max=12"`
	Year                int                  `json:"year" validate:"required,min=2000,max=2100"`
	Method              billing.TariffMethod `json:"method" validate:"omitempty,oneof=sqft fixed mixed water_based"`
	Overrides           billing.Overrides    `json:"overrides"`
	OccupantAdjustments map[int64]int        `json:"occupant_adjustments" validate:"omitempty,dive,min=0"`
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req generateRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Generate(r.Context(), billing.GenerateInput{
		SocietyID:           tenant.SocietyID,
		Period:              billing.Period{Year: req.Year, Month: req.Month},
		Method:              req.Method,
		Overrides:           req.Overrides,
		OccupantAdjustments: req.OccupantAdjustments,
		ActorID:             tenant.UserID,
	})
	if err != nil {
		h.fail(w, r, "generate bills", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) listBills(w http.ResponseWriter, r *http.Request) {
	tenant, period, err := h.cohort(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	bills, err := h.service.ListBills(r.Context(), tenant, period)
	if err != nil {
		h.fail(w, r, "list bills", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bills": bills, "count": len(bills)})
}

func (h *Handler) deleteDrafts(w http.ResponseWriter, r *http.Request) {
	t, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	_, period, err := h.cohort(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	deleted, err := h.service.DeleteDrafts(r.Context(), t.SocietyID, period, t.UserID)
	if err != nil {
		h.fail(w, r, "delete draft bills", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type postRequest struct {
	Month int `json:"month" validate:"required,min=1,max=12"`
	Year  int `json:"year" validate:"required,min=2000,max=2100"`
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req postRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Post(r.Context(), billing.PostInput{
		SocietyID:      tenant.SocietyID,
		Period:         billing.Period{Year: req.Year, Month: req.Month},
		ActorID:        tenant.UserID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.fail(w, r, "post bills", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type reverseRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	billID, err := httpx.PathInt64(chi.URLParam(r, "billID"), "bill id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reverseRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Reverse(r.Context(), billing.ReverseInput{
		SocietyID:  tenant.SocietyID,
		BillID:     billID,
		Reason:     req.Reason,
		ApprovedBy: tenant.UserID,
	})
	if err != nil {
		h.fail(w, r, "reverse bill", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type regenerateRequest struct {
	FlatID     int64              `json:"flat_id" validate:"required,gt=0"`
	Month      int                `json:"month" validate:"required,min=1,max=12"`
	Year       int                `json:"year" validate:"required,min=2000,max=2100"`
	Components billing.Components `json:"components"`
	Reason     string             `json:"reason" validate:"required"`
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req regenerateRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Regenerate(r.Context(), billing.RegenerateInput{
		SocietyID:  tenant.SocietyID,
		FlatID:     req.FlatID,
		Period:     billing.Period{Year: req.Year, Month: req.Month},
		Components: req.Components,
		Reason:     req.Reason,
		ApprovedBy: tenant.UserID,
	})
	if err != nil {
		h.fail(w, r, "regenerate bill", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	settings, err := h.service.GetSettings(r.Context(), tenant.SocietyID)
	if err != nil {
		h.fail(w, r, "get billing settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, settings)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req billing.Settings
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.SocietyID = tenant.SocietyID
	saved, err := h.service.UpdateSettings(r.Context(), req, tenant.UserID)
	if err != nil {
		h.fail(w, r, "update billing settings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

type chargeRequest struct {
	FlatID      int64           `json:"flat_id" validate:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"required,max=200"`
}

func (h *Handler) createCharge(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req chargeRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	charge, err := h.service.CreateCharge(r.Context(), billing.ChargeInput{
		SocietyID:   tenant.SocietyID,
		FlatID:      req.FlatID,
		Amount:      req.Amount,
		Description: req.Description,
		ActorID:     tenant.UserID,
	})
	if err != nil {
		h.fail(w, r, "create supplementary charge", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, charge)
}

func (h *Handler) approveCharge(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	chargeID, err := httpx.PathInt64(chi.URLParam(r, "chargeID"), "charge id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	charge, err := h.service.ApproveCharge(r.Context(), tenant.SocietyID, chargeID, tenant.UserID)
	if err != nil {
		h.fail(w, r, "approve supplementary charge", err)
		return
	}
	httpx.JSON(w, http.StatusOK, charge)
}

type paymentRequest struct {
	FlatID    int64               `json:"flat_id" validate:"required,gt=0"`
	Amount    decimal.Decimal     `json:"amount"`
	PaidOn    string              `json:"paid_on" validate:"omitempty,datetime=2006-01-02"`
	Mode      billing.PaymentMode `json:"mode" validate:"required,oneof=cash bank"`
	Reference string              `json:"reference" validate:"max=100"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req paymentRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := billing.PaymentInput{
		SocietyID: tenant.SocietyID,
		FlatID:    req.FlatID,
		Amount:    req.Amount,
		Mode:      req.Mode,
		Reference: req.Reference,
		ActorID:   tenant.UserID,
	}
	if req.PaidOn != "" {
		if in.PaidOn, err = httpx.ParseDate("paid_on", req.PaidOn); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	payment, err := h.service.RecordPayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) cohort(r *http.Request) (int64, billing.Period, error) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		return 0, billing.Period{}, err
	}
	month, err := httpx.QueryInt(r, "month")
	if err != nil {
		return 0, billing.Period{}, err
	}
	year, err := httpx.QueryInt(r, "year")
	if err != nil {
		return 0, billing.Period{}, err
	}
	return tenant.SocietyID, billing.Period{Year: year, Month: month}, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.WarnContext(r.Context(), op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
