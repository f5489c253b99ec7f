package app

import (
	"log/slog"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/accounting/reports"
	auditlog "github.com/societyledger/societyledger/internal/audit"
	"github.com/societyledger/societyledger/internal/billing"
	yearclose "github.com/societyledger/societyledger/internal/close"
	"github.com/societyledger/societyledger/internal/platform/db"
	"github.com/societyledger/societyledger/internal/shared"
)

// Services is the composed domain layer shared by the API server, the worker
// and the seed script.
type Services struct {
	LedgerRepo  *accounting.Repository
	Ledger      *accounting.Service
	Reports     *reports.Service
	Years       *yearclose.Service
	Billing     *billing.Service
	Idempotency *shared.IdempotencyStore
	AuditLog    *auditlog.Service
}

// ServiceDeps carries the infrastructure the services are built on. Locker and
// PostHook are optional.
type ServiceDeps struct {
	Pool     db.Pool
	Logger   *slog.Logger
	Locker   *shared.Locker
	PostHook billing.PostHook
}

// NewServices wires the domain services. The financial year service is the
// period guard for ledger and billing postings and the opening snapshot
// source for the reports.
func NewServices(deps ServiceDeps) *Services {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := shared.NewAuditLogger(deps.Pool)
	idem := shared.NewIdempotencyStore(deps.Pool)

	ledgerRepo := accounting.NewRepository(deps.Pool)

	years := yearclose.NewService(yearclose.NewRepository(deps.Pool), audit, logger.With(slog.String("module", "close")))
	if deps.Locker != nil {
		years.WithLocker(deps.Locker)
	}

	ledger := accounting.NewService(ledgerRepo, ledgerRepo, audit)
	reportSvc := reports.NewService(ledgerRepo, years, logger.With(slog.String("module", "reports")))

	bills := billing.NewService(billing.NewRepository(deps.Pool), audit, logger.With(slog.String("module", "billing"))).
		WithIdempotency(idem)
	if deps.Locker != nil {
		bills.WithLocker(deps.Locker)
	}
	if deps.PostHook != nil {
		bills.WithPostHook(deps.PostHook)
	}

	return &Services{
		LedgerRepo:  ledgerRepo,
		Ledger:      ledger,
		Reports:     reportSvc,
		Years:       years,
		Billing:     bills,
		Idempotency: idem,
		AuditLog:    auditlog.NewService(auditlog.NewRepository(deps.Pool)),
	}
}
