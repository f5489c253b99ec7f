package accountinghttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/accounting/reports"
	"github.com/societyledger/societyledger/internal/platform/httpx"
	"github.com/societyledger/societyledger/internal/rbac"
	"github.com/societyledger/societyledger/internal/shared"
)

const defaultJournalLimit = 100

type ledgerService interface {
	ListAccounts(ctx context.Context, societyID int64) ([]accounting.Account, error)
	CreateAccount(ctx context.Context, in accounting.CreateAccountInput) (accounting.Account, error)
	DeactivateAccount(ctx context.Context, societyID int64, code string, actorID int64) error
	ListJournals(ctx context.Context, filter accounting.JournalFilter) ([]accounting.JournalEntry, error)
	PostJournal(ctx context.Context, input accounting.PostingInput) (accounting.JournalEntry, error)
}

type reportService interface {
	TrialBalance(ctx context.Context, societyID int64, asOf time.Time) (reports.TrialBalance, error)
	BalanceSheet(ctx context.Context, societyID int64, asOf time.Time) (reports.BalanceSheet, error)
	IncomeExpenditure(ctx context.Context, societyID int64, from, to time.Time) (reports.IncomeExpenditure, error)
	Ledger(ctx context.Context, societyID int64, code string, from, to time.Time) (reports.Ledger, error)
}

// Handler exposes the chart, manual journals and financial statements.
type Handler struct {
	logger  *slog.Logger
	ledger  ledgerService
	reports reportService
	rbac    rbac.Middleware
	now     func() time.Time
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, ledger ledgerService, reports reportService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, ledger: ledger, reports: reports, rbac: rbac, now: time.Now}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounting", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(rbac.PermLedgerView))
			r.Get("/accounts", h.listAccounts)
			r.Get("/journals", h.listJournals)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(rbac.PermLedgerAccounts))
			r.Post("/accounts", h.createAccount)
			r.Post("/accounts/{code}/deactivate", h.deactivateAccount)
		})
		r.With(h.rbac.RequireAll(rbac.PermLedgerPost)).Post("/journals", h.postJournal)
		r.Route("/reports", func(r chi.Router) {
			r.Use(h.rbac.RequireAny(rbac.PermReportsView))
			r.Get("/trial-balance", h.trialBalance)
			r.Get("/ledger", h.accountLedger)
			r.Get("/balance-sheet", h.balanceSheet)
			r.Get("/income-expenditure", h.incomeExpenditure)
		})
	})
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	accounts, err := h.ledger.ListAccounts(r.Context(), tenant.SocietyID)
	if err != nil {
		h.fail(w, r, "list accounts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

type createAccountRequest struct {
	Code           string          `json:"code" validate:"required,max=16"`
	Name           string          `json:"name" validate:"required,max=128"`
	Type           string          `json:"type" validate:"required,oneof=asset liability capital income expense"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	IsFixedExpense bool            `json:"is_fixed_expense"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createAccountRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	acc, err := h.ledger.CreateAccount(r.Context(), accounting.CreateAccountInput{
		SocietyID:      tenant.SocietyID,
		Code:           req.Code,
		Name:           req.Name,
		Type:           accounting.AccountType(req.Type),
		OpeningBalance: req.OpeningBalance,
		IsFixedExpense: req.IsFixedExpense,
		ActorID:        tenant.UserID,
	})
	if err != nil {
		h.fail(w, r, "create account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, acc)
}

func (h *Handler) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if err := h.ledger.DeactivateAccount(r.Context(), tenant.SocietyID, code, tenant.UserID); err != nil {
		h.fail(w, r, "deactivate account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listJournals(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, err := httpx.QueryDate(r, "from")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := httpx.QueryDate(r, "to")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 1000 {
			httpx.RespondError(w, fmt.Errorf("%w: limit must be between 1 and 1000", httpx.ErrBadRequest))
			return
		}
		limit = v
	}
	entries, err := h.ledger.ListJournals(r.Context(), accounting.JournalFilter{SocietyID: tenant.SocietyID, From: from, To: to, Limit: limit})
	if err != nil {
		h.fail(w, r, "list journals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"journals": entries})
}

type journalLine struct {
	AccountCode    string          `json:"account_code" validate:"required"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	Description    string          `json:"description"`
	DocumentNumber string          `json:"document_number"`
}

type journalRequest struct {
	Date        string        `json:"date" validate:"required,datetime=2006-01-02"`
	Description string        `json:"description" validate:"required,max=500"`
	Lines       []journalLine `json:"lines" validate:"required,min=2,dive"`
}

func (h *Handler) postJournal(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req journalRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, err := httpx.ParseDate("date", req.Date)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines := make([]accounting.PostingLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, accounting.PostingLine{
			AccountCode:    strings.TrimSpace(l.AccountCode),
			Debit:          l.Debit,
			Credit:         l.Credit,
			Description:    l.Description,
			DocumentNumber: l.DocumentNumber,
		})
	}
	entry, err := h.ledger.PostJournal(r.Context(), accounting.PostingInput{
		SocietyID:   tenant.SocietyID,
		Date:        date,
		Description: req.Description,
		PostedBy:    tenant.UserID,
		Lines:       lines,
	})
	if err != nil {
		h.fail(w, r, "post journal", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) trialBalance(w http.ResponseWriter, r *http.Request) {
	tenant, asOf, err := h.asOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	tb, err := h.reports.TrialBalance(r.Context(), tenant.SocietyID, asOf)
	if err != nil {
		h.fail(w, r, "trial balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tb)
}

func (h *Handler) balanceSheet(w http.ResponseWriter, r *http.Request) {
	tenant, asOf, err := h.asOf(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	bs, err := h.reports.BalanceSheet(r.Context(), tenant.SocietyID, asOf)
	if err != nil {
		h.fail(w, r, "balance sheet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bs)
}

func (h *Handler) incomeExpenditure(w http.ResponseWriter, r *http.Request) {
	tenant, from, to, err := h.dateRange(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ie, err := h.reports.IncomeExpenditure(r.Context(), tenant.SocietyID, from, to)
	if err != nil {
		h.fail(w, r, "income and expenditure", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ie)
}

func (h *Handler) accountLedger(w http.ResponseWriter, r *http.Request) {
	tenant, from, to, err := h.dateRange(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("account"))
	if code == "" {
		httpx.RespondError(w, fmt.Errorf("%w: query parameter account required", httpx.ErrBadRequest))
		return
	}
	ledger, err := h.reports.Ledger(r.Context(), tenant.SocietyID, code, from, to)
	if err != nil {
		h.fail(w, r, "account ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledger)
}

// asOf defaults to today when the query omits it.
func (h *Handler) asOf(r *http.Request) (shared.Tenant, time.Time, error) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		return shared.Tenant{}, time.Time{}, err
	}
	asOf, err := httpx.QueryDate(r, "as_of")
	if err != nil {
		return shared.Tenant{}, time.Time{}, err
	}
	if asOf.IsZero() {
		y, m, d := h.now().Date()
		asOf = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return tenant, asOf, nil
}

func (h *Handler) dateRange(r *http.Request) (shared.Tenant, time.Time, time.Time, error) {
	tenant, err := httpx.TenantOf(r)
	if err != nil {
		return shared.Tenant{}, time.Time{}, time.Time{}, err
	}
	from, err := httpx.QueryDate(r, "from")
	if err != nil {
		return shared.Tenant{}, time.Time{}, time.Time{}, err
	}
	to, err := httpx.QueryDate(r, "to")
	if err != nil {
		return shared.Tenant{}, time.Time{}, time.Time{}, err
	}
	return tenant, from, to, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.WarnContext(r.Context(), op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
