package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/shared"
)

const idempotencyModule = "billing.post"

// TxRepository exposes billing persistence bound to the same transaction as
// the ledger, so bill state and journal entries commit together.
type TxRepository interface {
	accounting.TxRepository

	GetSettings(ctx context.Context, societyID int64) (Settings, error)
	UpsertSettings(ctx context.Context, settings Settings) (Settings, error)
	ListFlats(ctx context.Context, societyID int64) ([]Flat, error)
	GetFlat(ctx context.Context, societyID, flatID int64) (Flat, error)

	LatestBilledPeriod(ctx context.Context, societyID int64) (Period, bool, error)
	CohortExists(ctx context.Context, societyID int64, period Period) (bool, error)
	ListCohort(ctx context.Context, societyID int64, period Period) ([]MaintenanceBill, error)
	LockCohort(ctx context.Context, societyID int64, period Period) ([]MaintenanceBill, error)
	InsertBill(ctx context.Context, bill MaintenanceBill) (MaintenanceBill, error)
	MarkPosted(ctx context.Context, billIDs []int64, entryID int64, at time.Time) error
	GetBillForUpdate(ctx context.Context, societyID, billID int64) (MaintenanceBill, error)
	DeleteBills(ctx context.Context, billIDs []int64) error
	BillExists(ctx context.Context, societyID, flatID int64, period Period) (bool, error)
	InsertReversal(ctx context.Context, rev Reversal) error
	HasReversal(ctx context.Context, societyID, flatID int64, period Period) (bool, error)

	UnlinkedApprovedCharges(ctx context.Context, societyID int64) ([]SupplementaryCharge, error)
	LinkCharges(ctx context.Context, billID int64, chargeIDs []int64) error
	UnlinkCharges(ctx context.Context, billIDs []int64) error
	InsertCharge(ctx context.Context, charge SupplementaryCharge) (SupplementaryCharge, error)
	ApproveCharge(ctx context.Context, societyID, chargeID int64) (SupplementaryCharge, error)

	FlatArrears(ctx context.Context, societyID int64, before time.Time) (map[int64]decimal.Decimal, error)
	InsertPayment(ctx context.Context, payment Payment) (Payment, error)
	FlatBills(ctx context.Context, societyID, flatID int64) ([]MaintenanceBill, error)
	FlatPaymentsTotal(ctx context.Context, societyID, flatID int64) (decimal.Decimal, error)
	MarkPaid(ctx context.Context, billIDs []int64) error
}

// RepositoryPort opens billing transactions.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records billing events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Locker serialises posting of one cohort across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// IdempotencyPort guards client retries of a post.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, societyID int64, key, module string) error
	Delete(ctx context.Context, societyID int64, key, module string) error
}

// PostHook runs after a cohort commits. Failures are logged only.
type PostHook interface {
	AfterPost(ctx context.Context, societyID int64) error
}

// Service runs the bill lifecycle: generate, post, reverse, regenerate.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	locker Locker
	idem   IdempotencyPort
	hook   PostHook
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the billing service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithLocker sets the distributed cohort lock.
func (s *Service) WithLocker(l Locker) *Service {
	s.locker = l
	return s
}

// WithIdempotency sets the idempotency key store used by Post.
func (s *Service) WithIdempotency(store IdempotencyPort) *Service {
	s.idem = store
	return s
}

// WithPostHook sets the post-commit hook.
func (s *Service) WithPostHook(h PostHook) *Service {
	s.hook = h
	return s
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// GetSettings returns the tariff configuration.
func (s *Service) GetSettings(ctx context.Context, societyID int64) (Settings, error) {
	var settings Settings
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		settings, err = tx.GetSettings(ctx, societyID)
		return err
	})
	return settings, err
}

// UpdateSettings validates and stores the tariff configuration.
func (s *Service) UpdateSettings(ctx context.Context, settings Settings, actorID int64) (Settings, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	settings.UpdatedAt = s.now()
	var saved Settings
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		saved, err = tx.UpsertSettings(ctx, settings)
		return err
	})
	if err != nil {
		return Settings{}, err
	}
	s.record(ctx, shared.AuditLog{SocietyID: settings.SocietyID, ActorID: actorID, Action: "billing.settings.update", Entity: "billing_settings", EntityID: string(settings.Method)})
	return saved, nil
}

// Generate computes and stores an unposted cohort for one month.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (GenerateResult, error) {
	if err := in.Period.Validate(); err != nil {
		return GenerateResult{}, err
	}
	if in.Method != "" && !in.Method.Valid() {
		return GenerateResult{}, fmt.Errorf("%w: unknown tariff method %q", shared.ErrValidation, in.Method)
	}
	now := s.now()
	var result GenerateResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		settings, err := tx.GetSettings(ctx, in.SocietyID)
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: %w", shared.ErrValidation, ErrSettingsMissing)
		}
		if err != nil {
			return err
		}
		settings = in.Overrides.Apply(settings)
		if in.Method != "" {
			settings.Method = in.Method
		}
		settings = settings.WithDefaults()

		flats, err := tx.ListFlats(ctx, in.SocietyID)
		if err != nil {
			return err
		}
		if len(flats) == 0 {
			return fmt.Errorf("%w: %w", shared.ErrValidation, ErrNoFlats)
		}
		exists, err := tx.CohortExists(ctx, in.SocietyID, in.Period)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: bills already exist for %s", shared.ErrValidation, in.Period)
		}
		latest, ok, err := tx.LatestBilledPeriod(ctx, in.SocietyID)
		if err != nil {
			return err
		}
		if ok && latest.Next() != in.Period {
			return fmt.Errorf("%w: next billable month is %s, got %s", shared.ErrValidation, latest.Next(), in.Period)
		}
		if ok {
			prev, err := tx.ListCohort(ctx, in.SocietyID, latest)
			if err != nil {
				return err
			}
			if hasDrafts(prev) {
				return fmt.Errorf("%w: post %s before generating %s", shared.ErrValidation, latest, in.Period)
			}
		}

		water, fixed, err := s.periodExpenses(ctx, tx, in, settings)
		if err != nil {
			return err
		}
		charges, err := tx.UnlinkedApprovedCharges(ctx, in.SocietyID)
		if err != nil {
			return err
		}
		arrears, err := tx.FlatArrears(ctx, in.SocietyID, in.Period.Start())
		if err != nil {
			return err
		}

		bills, err := Calculate(CalculationInput{
			Settings:            settings,
			Period:              in.Period,
			Flats:               flats,
			OccupantAdjustments: in.OccupantAdjustments,
			WaterExpense:        water,
			FixedExpenses:       fixed,
			Supplementary:       charges,
			Arrears:             arrears,
		})
		if err != nil {
			return err
		}

		result = GenerateResult{TotalAmount: decimal.Zero, Bills: make([]MaintenanceBill, 0, len(bills))}
		for _, bill := range bills {
			bill.CreatedAt = now
			saved, err := tx.InsertBill(ctx, bill)
			if err != nil {
				return err
			}
			if ids := bill.Breakdown.ChargeIDs(); len(ids) > 0 {
				if err := tx.LinkCharges(ctx, saved.ID, ids); err != nil {
					return err
				}
			}
			result.Bills = append(result.Bills, saved)
			result.TotalAmount = result.TotalAmount.Add(saved.TotalAmount)
		}
		result.Count = len(result.Bills)
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}
	s.logger.InfoContext(ctx, "billing cohort generated",
		slog.Int64("society_id", in.SocietyID),
		slog.String("period", in.Period.String()),
		slog.Int("bills", result.Count),
		slog.String("total", result.TotalAmount.StringFixed(2)),
	)
	s.record(ctx, shared.AuditLog{
		SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "billing.generate", Entity: "billing_cohort", EntityID: in.Period.String(),
		Meta: map[string]any{"count": result.Count, "total": result.TotalAmount.StringFixed(2)},
	})
	return result, nil
}

// periodExpenses reads the month's water and fixed expense movements from the
// ledger unless the request overrides them.
func (s *Service) periodExpenses(ctx context.Context, tx TxRepository, in GenerateInput, settings Settings) (decimal.Decimal, decimal.Decimal, error) {
	if in.Overrides.WaterExpense != nil && in.Overrides.FixedExpenses != nil {
		return *in.Overrides.WaterExpense, *in.Overrides.FixedExpenses, nil
	}
	movements, err := tx.SumMovements(ctx, in.SocietyID, in.Period.Start(), in.Period.End())
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	water := movements[settings.WaterExpenseAccount].Net()
	if in.Overrides.WaterExpense != nil {
		water = *in.Overrides.WaterExpense
	}
	fixed := decimal.Zero
	if in.Overrides.FixedExpenses != nil {
		fixed = *in.Overrides.FixedExpenses
	} else {
		accounts, err := tx.ListAccounts(ctx, in.SocietyID)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		for _, acc := range accounts {
			if acc.IsFixedExpense && acc.Code != settings.WaterExpenseAccount {
				fixed = fixed.Add(movements[acc.Code].Net())
			}
		}
	}
	return floorZero(water), floorZero(fixed), nil
}

// ListBills returns one month's cohort.
func (s *Service) ListBills(ctx context.Context, societyID int64, period Period) ([]MaintenanceBill, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	var bills []MaintenanceBill
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		bills, err = tx.ListCohort(ctx, societyID, period)
		return err
	})
	return bills, err
}

// DeleteDrafts removes a cohort that has not been posted.
func (s *Service) DeleteDrafts(ctx context.Context, societyID int64, period Period, actorID int64) (int, error) {
	if err := period.Validate(); err != nil {
		return 0, err
	}
	var deleted int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		bills, err := tx.LockCohort(ctx, societyID, period)
		if err != nil {
			return err
		}
		if len(bills) == 0 {
			return fmt.Errorf("%w: no bills for %s", shared.ErrNotFound, period)
		}
		latest, _, err := tx.LatestBilledPeriod(ctx, societyID)
		if err != nil {
			return err
		}
		if latest != period {
			return fmt.Errorf("%w: only the latest billed month %s can be deleted", shared.ErrValidation, latest)
		}
		ids := make([]int64, 0, len(bills))
		for _, b := range bills {
			if b.IsPosted {
				return fmt.Errorf("%w: bills for %s are already posted", shared.ErrValidation, period)
			}
			ids = append(ids, b.ID)
		}
		if err := tx.UnlinkCharges(ctx, ids); err != nil {
			return err
		}
		deleted = len(ids)
		return tx.DeleteBills(ctx, ids)
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, shared.AuditLog{SocietyID: societyID, ActorID: actorID, Action: "billing.delete_drafts", Entity: "billing_cohort", EntityID: period.String(), Meta: map[string]any{"count": deleted}})
	return deleted, nil
}

// Post turns a drafted cohort into one journal entry: a receivable leg per
// flat and a single income credit.
func (s *Service) Post(ctx context.Context, in PostInput) (PostResult, error) {
	if err := in.Period.Validate(); err != nil {
		return PostResult{}, err
	}
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.CohortLockKey(in.SocietyID, in.Period.Year, in.Period.Month))
		if err != nil {
			if errors.Is(err, shared.ErrLockHeld) {
				return PostResult{}, fmt.Errorf("%w: %w", shared.ErrConcurrencyConflict, err)
			}
			return PostResult{}, err
		}
		defer release()
	}
	if s.idem != nil && in.IdempotencyKey != "" {
		if err := s.idem.CheckAndInsert(ctx, in.SocietyID, in.IdempotencyKey, idempotencyModule); err != nil {
			return PostResult{}, err
		}
	}
	result, err := s.post(ctx, in)
	if err != nil {
		if s.idem != nil && in.IdempotencyKey != "" {
			if derr := s.idem.Delete(ctx, in.SocietyID, in.IdempotencyKey, idempotencyModule); derr != nil {
				s.logger.WarnContext(ctx, "release idempotency key", slog.Any("error", derr))
			}
		}
		return PostResult{}, err
	}

	s.logger.InfoContext(ctx, "billing cohort posted",
		slog.Int64("society_id", in.SocietyID),
		slog.String("period", in.Period.String()),
		slog.String("entry_number", result.EntryNumber),
		slog.String("total", result.TotalAmount.StringFixed(2)),
	)
	s.record(ctx, shared.AuditLog{
		SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "billing.post", Entity: "billing_cohort", EntityID: in.Period.String(),
		Meta: map[string]any{"entry_number": result.EntryNumber, "count": result.Count, "total": result.TotalAmount.StringFixed(2)},
	})
	if s.hook != nil {
		if err := s.hook.AfterPost(ctx, in.SocietyID); err != nil {
			s.logger.WarnContext(ctx, "billing post hook failed", slog.Int64("society_id", in.SocietyID), slog.Any("error", err))
		}
	}
	return result, nil
}

func (s *Service) post(ctx context.Context, in PostInput) (PostResult, error) {
	date := in.Period.Start()
	now := s.now()
	var result PostResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := accounting.EnsureYearOpen(ctx, tx, in.SocietyID, date); err != nil {
			return err
		}
		bills, err := tx.LockCohort(ctx, in.SocietyID, in.Period)
		if err != nil {
			return err
		}
		if len(bills) == 0 {
			return fmt.Errorf("%w: no bills for %s", shared.ErrValidation, in.Period)
		}
		for _, b := range bills {
			if b.IsPosted {
				return fmt.Errorf("%w: bills for %s are already posted", shared.ErrConcurrencyConflict, in.Period)
			}
		}
		description := CohortDescription(in.Period)
		exists, err := tx.JournalExists(ctx, in.SocietyID, description)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: journal %q already exists", shared.ErrConcurrencyConflict, description)
		}
		settings, err := tx.GetSettings(ctx, in.SocietyID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		settings = settings.WithDefaults()

		total, interest := decimal.Zero, decimal.Zero
		lines := make([]accounting.PostingLine, 0, len(bills)+2)
		ids := make([]int64, 0, len(bills))
		for _, b := range bills {
			ids = append(ids, b.ID)
			amount := b.LedgerAmount()
			if !amount.IsPositive() {
				continue
			}
			total = total.Add(amount)
			_, fee := incomeSplit(amount, b.Breakdown.Amount(ComponentLateFee))
			interest = interest.Add(fee)
			lines = append(lines, accounting.PostingLine{
				AccountCode:    settings.ReceivableAccount,
				Debit:          amount,
				Description:    fmt.Sprintf("Maintenance %s flat %s", in.Period, b.FlatNumber),
				DocumentNumber: b.FlatNumber,
			})
		}
		if !total.IsPositive() {
			return fmt.Errorf("%w: bills for %s carry no new charges", shared.ErrValidation, in.Period)
		}
		lines = append(lines, incomeLegs(settings, total.Sub(interest), interest, false, description)...)

		entry, err := accounting.PostEntry(ctx, tx, accounting.PostingInput{
			SocietyID:    in.SocietyID,
			Date:         date,
			Description:  description,
			SourceModule: SourceBillingPost,
			SourceID:     accounting.SourceRef("billing-cohort", in.SocietyID, in.Period.Year, in.Period.Month),
			PostedBy:     in.ActorID,
			Lines:        lines,
		}, now)
		if err != nil {
			return err
		}
		if err := tx.MarkPosted(ctx, ids, entry.ID, now); err != nil {
			return err
		}
		result = PostResult{Count: len(bills), TotalAmount: total, EntryNumber: entry.EntryNumber}
		return nil
	})
	return result, err
}

// Reverse removes one bill and offsets its receivable with a dated-today
// entry. The bill's snapshot is kept in the reversal trail.
func (s *Service) Reverse(ctx context.Context, in ReverseInput) (ReverseResult, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if in.Reason == "" || in.ApprovedBy <= 0 {
		return ReverseResult{}, fmt.Errorf("%w: reversal needs a reason and an approver", shared.ErrValidation)
	}
	now := s.now()
	date := truncateDay(now)
	var result ReverseResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := accounting.EnsureYearOpen(ctx, tx, in.SocietyID, date); err != nil {
			return err
		}
		bill, err := tx.GetBillForUpdate(ctx, in.SocietyID, in.BillID)
		if err != nil {
			return err
		}
		settings, err := tx.GetSettings(ctx, in.SocietyID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		settings = settings.WithDefaults()

		amount := bill.LedgerAmount()
		result = ReverseResult{BillID: bill.ID, Amount: amount}
		var entryID *int64
		if amount.IsPositive() {
			income, interest := incomeSplit(amount, bill.Breakdown.Amount(ComponentLateFee))
			lines := incomeLegs(settings, income, interest, true, "Maintenance income reversed")
			lines = append(lines, accounting.PostingLine{AccountCode: settings.ReceivableAccount, Credit: amount, Description: "Receivable reversed", DocumentNumber: bill.FlatNumber})
			entry, err := accounting.PostEntry(ctx, tx, accounting.PostingInput{
				SocietyID:    in.SocietyID,
				Date:         date,
				Description:  fmt.Sprintf("Reversal of maintenance bill %s flat %s: %s", bill.Period(), bill.FlatNumber, in.Reason),
				SourceModule: SourceBillingReverse,
				SourceID:     accounting.SourceRef("bill-reversal", bill.ID),
				PostedBy:     in.ApprovedBy,
				Lines:        lines,
			}, now)
			if err != nil {
				return err
			}
			entryID = &entry.ID
			result.EntryNumber = entry.EntryNumber
		}
		if err := tx.InsertReversal(ctx, Reversal{
			SocietyID:      in.SocietyID,
			BillID:         bill.ID,
			FlatID:         bill.FlatID,
			Period:         bill.Period(),
			Amount:         amount,
			WasPosted:      bill.IsPosted,
			Reason:         in.Reason,
			ApprovedBy:     in.ApprovedBy,
			JournalEntryID: entryID,
			Snapshot:       bill,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if err := tx.UnlinkCharges(ctx, []int64{bill.ID}); err != nil {
			return err
		}
		return tx.DeleteBills(ctx, []int64{bill.ID})
	})
	if err != nil {
		return ReverseResult{}, err
	}
	s.logger.InfoContext(ctx, "maintenance bill reversed",
		slog.Int64("society_id", in.SocietyID),
		slog.Int64("bill_id", in.BillID),
		slog.String("amount", result.Amount.StringFixed(2)),
	)
	s.record(ctx, shared.AuditLog{
		SocietyID: in.SocietyID, ActorID: in.ApprovedBy, Action: "billing.reverse", Entity: "maintenance_bill", EntityID: fmt.Sprint(in.BillID),
		Meta: map[string]any{"reason": in.Reason, "amount": result.Amount.StringFixed(2), "entry_number": result.EntryNumber},
	})
	return result, nil
}

// Regenerate creates and posts a manual replacement for a reversed bill.
func (s *Service) Regenerate(ctx context.Context, in RegenerateInput) (RegenerateResult, error) {
	if err := in.Period.Validate(); err != nil {
		return RegenerateResult{}, err
	}
	in.Reason = strings.TrimSpace(in.Reason)
	if in.Reason == "" || in.ApprovedBy <= 0 {
		return RegenerateResult{}, fmt.Errorf("%w: regeneration needs a reason and an approver", shared.ErrValidation)
	}
	breakdown, err := manualBreakdown(in.Components, in.Reason)
	if err != nil {
		return RegenerateResult{}, err
	}
	date := in.Period.Start()
	now := s.now()
	var result RegenerateResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := accounting.EnsureYearOpen(ctx, tx, in.SocietyID, date); err != nil {
			return err
		}
		flat, err := tx.GetFlat(ctx, in.SocietyID, in.FlatID)
		if err != nil {
			return err
		}
		exists, err := tx.BillExists(ctx, in.SocietyID, flat.ID, in.Period)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: flat %s already has a bill for %s", shared.ErrValidation, flat.Number, in.Period)
		}
		reversed, err := tx.HasReversal(ctx, in.SocietyID, flat.ID, in.Period)
		if err != nil {
			return err
		}
		if !reversed {
			return fmt.Errorf("%w: flat %s has no reversed bill for %s", shared.ErrValidation, flat.Number, in.Period)
		}
		cohort, err := tx.LockCohort(ctx, in.SocietyID, in.Period)
		if err != nil {
			return err
		}
		if hasDrafts(cohort) {
			return fmt.Errorf("%w: post %s before regenerating flat %s", shared.ErrValidation, in.Period, flat.Number)
		}
		settings, err := tx.GetSettings(ctx, in.SocietyID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		settings = settings.WithDefaults()

		bill := billFromBreakdown(flat, in.Period, breakdown)
		bill.CreatedAt = now
		bill, err = tx.InsertBill(ctx, bill)
		if err != nil {
			return err
		}
		amount := bill.LedgerAmount()
		result = RegenerateResult{Amount: amount}
		if amount.IsPositive() {
			income, interest := incomeSplit(amount, bill.Breakdown.Amount(ComponentLateFee))
			lines := []accounting.PostingLine{{AccountCode: settings.ReceivableAccount, Debit: amount, DocumentNumber: flat.Number}}
			entry, err := accounting.PostEntry(ctx, tx, accounting.PostingInput{
				SocietyID:    in.SocietyID,
				Date:         date,
				Description:  fmt.Sprintf("Regenerated maintenance bill %s flat %s", in.Period, flat.Number),
				SourceModule: SourceBillingRegenerate,
				SourceID:     accounting.SourceRef("bill-regenerate", bill.ID),
				PostedBy:     in.ApprovedBy,
				Lines:        append(lines, incomeLegs(settings, income, interest, false, "")...),
			}, now)
			if err != nil {
				return err
			}
			result.EntryNumber = entry.EntryNumber
			if err := tx.MarkPosted(ctx, []int64{bill.ID}, entry.ID, now); err != nil {
				return err
			}
			bill.IsPosted = true
			bill.JournalEntryID = &entry.ID
			bill.PostedAt = &now
		} else {
			if err := tx.MarkPosted(ctx, []int64{bill.ID}, 0, now); err != nil {
				return err
			}
			bill.IsPosted = true
			bill.PostedAt = &now
		}
		result.Bill = bill
		return nil
	})
	if err != nil {
		return RegenerateResult{}, err
	}
	s.record(ctx, shared.AuditLog{
		SocietyID: in.SocietyID, ActorID: in.ApprovedBy, Action: "billing.regenerate", Entity: "maintenance_bill", EntityID: fmt.Sprint(result.Bill.ID),
		Meta: map[string]any{"reason": in.Reason, "total": result.Bill.TotalAmount.StringFixed(2), "entry_number": result.EntryNumber},
	})
	return result, nil
}

func manualBreakdown(c Components, reason string) (Breakdown, error) {
	named := []struct {
		name   string
		amount decimal.Decimal
	}{
		{ComponentMaintenance, c.Maintenance},
		{ComponentWater, c.Water},
		{ComponentFixed, c.Fixed},
		{ComponentSinkingFund, c.SinkingFund},
		{ComponentRepairFund, c.RepairFund},
		{ComponentCorpusFund, c.CorpusFund},
		{ComponentLateFee, c.LateFee},
	}
	b := Breakdown{Manual: true, Reason: reason, Arrears: c.Arrears.Round(2)}
	if c.Arrears.IsNegative() || c.Supplementary.IsNegative() {
		return Breakdown{}, fmt.Errorf("%w: bill components must not be negative", shared.ErrValidation)
	}
	for _, n := range named {
		if n.amount.IsNegative() {
			return Breakdown{}, fmt.Errorf("%w: %s must not be negative", shared.ErrValidation, n.name)
		}
		b.Components = append(b.Components, Component{Name: n.name, Amount: n.amount.Round(2), Basis: "manual"})
	}
	if c.Supplementary.IsPositive() {
		b.Supplementary = []SupplementaryLine{{Description: "Manual supplementary", Amount: c.Supplementary.Round(2)}}
	}
	return b, nil
}

// RecordPayment posts a receipt against the flat's receivable and marks the
// oldest bills it fully covers as paid.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (Payment, error) {
	if !in.Amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: payment amount must be positive", shared.ErrValidation)
	}
	cashAccount := accounting.CodeCash
	switch in.Mode {
	case PaymentCash:
	case PaymentBank:
		cashAccount = accounting.CodeBank
	default:
		return Payment{}, fmt.Errorf("%w: unknown payment mode %q", shared.ErrValidation, in.Mode)
	}
	now := s.now()
	if in.PaidOn.IsZero() {
		in.PaidOn = truncateDay(now)
	}
	var payment Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := accounting.EnsureYearOpen(ctx, tx, in.SocietyID, in.PaidOn); err != nil {
			return err
		}
		flat, err := tx.GetFlat(ctx, in.SocietyID, in.FlatID)
		if err != nil {
			return err
		}
		settings, err := tx.GetSettings(ctx, in.SocietyID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		settings = settings.WithDefaults()

		amount := in.Amount.Round(2)
		entry, err := accounting.PostEntry(ctx, tx, accounting.PostingInput{
			SocietyID:    in.SocietyID,
			Date:         in.PaidOn,
			Description:  fmt.Sprintf("Maintenance received from flat %s", flat.Number),
			SourceModule: SourceBillingPayment,
			PostedBy:     in.ActorID,
			Lines: []accounting.PostingLine{
				{AccountCode: cashAccount, Debit: amount, DocumentNumber: in.Reference},
				{AccountCode: settings.ReceivableAccount, Credit: amount, DocumentNumber: flat.Number},
			},
		}, now)
		if err != nil {
			return err
		}
		payment, err = tx.InsertPayment(ctx, Payment{
			SocietyID:      in.SocietyID,
			FlatID:         flat.ID,
			Amount:         amount,
			PaidOn:         in.PaidOn,
			Mode:           in.Mode,
			Reference:      strings.TrimSpace(in.Reference),
			JournalEntryID: entry.ID,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		payment.EntryNumber = entry.EntryNumber

		paid, err := tx.FlatPaymentsTotal(ctx, in.SocietyID, flat.ID)
		if err != nil {
			return err
		}
		bills, err := tx.FlatBills(ctx, in.SocietyID, flat.ID)
		if err != nil {
			return err
		}
		payment.BillsSettled = settledBills(bills, paid)
		if len(payment.BillsSettled) == 0 {
			return nil
		}
		return tx.MarkPaid(ctx, payment.BillsSettled)
	})
	if err != nil {
		return Payment{}, err
	}
	s.record(ctx, shared.AuditLog{
		SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "billing.payment", Entity: "payment", EntityID: fmt.Sprint(payment.ID),
		Meta: map[string]any{"flat_id": in.FlatID, "amount": payment.Amount.StringFixed(2), "entry_number": payment.EntryNumber},
	})
	return payment, nil
}

// settledBills walks posted bills oldest first and returns the unpaid ones
// whose cumulative charges are covered by the payments received.
func settledBills(bills []MaintenanceBill, paid decimal.Decimal) []int64 {
	var ids []int64
	cumulative := decimal.Zero
	for _, b := range bills {
		if !b.IsPosted {
			continue
		}
		cumulative = cumulative.Add(b.LedgerAmount())
		if cumulative.GreaterThan(paid) {
			break
		}
		if b.Status != BillPaid {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// CreateCharge records a pending supplementary charge.
func (s *Service) CreateCharge(ctx context.Context, in ChargeInput) (SupplementaryCharge, error) {
	in.Description = strings.TrimSpace(in.Description)
	if !in.Amount.IsPositive() || in.Description == "" {
		return SupplementaryCharge{}, fmt.Errorf("%w: charge needs a positive amount and a description", shared.ErrValidation)
	}
	var charge SupplementaryCharge
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetFlat(ctx, in.SocietyID, in.FlatID); err != nil {
			return err
		}
		var err error
		charge, err = tx.InsertCharge(ctx, SupplementaryCharge{
			SocietyID:   in.SocietyID,
			FlatID:      in.FlatID,
			Amount:      in.Amount.Round(2),
			Description: in.Description,
			Status:      ChargePending,
			CreatedAt:   s.now(),
		})
		return err
	})
	if err != nil {
		return SupplementaryCharge{}, err
	}
	s.record(ctx, shared.AuditLog{SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "billing.charge.create", Entity: "supplementary_charge", EntityID: fmt.Sprint(charge.ID)})
	return charge, nil
}

// ApproveCharge makes a pending charge billable by the next generation.
func (s *Service) ApproveCharge(ctx context.Context, societyID, chargeID, actorID int64) (SupplementaryCharge, error) {
	var charge SupplementaryCharge
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		charge, err = tx.ApproveCharge(ctx, societyID, chargeID)
		return err
	})
	if err != nil {
		return SupplementaryCharge{}, err
	}
	s.record(ctx, shared.AuditLog{SocietyID: societyID, ActorID: actorID, Action: "billing.charge.approve", Entity: "supplementary_charge", EntityID: fmt.Sprint(chargeID)})
	return charge, nil
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if log.At.IsZero() {
		log.At = s.now()
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func hasDrafts(bills []MaintenanceBill) bool {
	for _, b := range bills {
		if !b.IsPosted {
			return true
		}
	}
	return false
}

// incomeSplit books a bill's late fee, capped at its new charges, as
// interest on arrears and the rest as maintenance income.
func incomeSplit(amount, lateFee decimal.Decimal) (income, interest decimal.Decimal) {
	interest = decimal.Min(floorZero(lateFee), amount)
	return amount.Sub(interest), interest
}

// incomeLegs returns the income side of a bill entry: credits when posting,
// debits when reversing. Zero legs are left out.
func incomeLegs(settings Settings, income, interest decimal.Decimal, reverse bool, description string) []accounting.PostingLine {
	var lines []accounting.PostingLine
	add := func(code string, amount decimal.Decimal, desc string) {
		if !amount.IsPositive() {
			return
		}
		line := accounting.PostingLine{AccountCode: code, Credit: amount, Description: desc}
		if reverse {
			line = accounting.PostingLine{AccountCode: code, Debit: amount, Description: desc}
		}
		lines = append(lines, line)
	}
	add(settings.IncomeAccount, income, description)
	interestDesc := description
	if interestDesc != "" {
		interestDesc += ", interest on arrears"
	}
	add(accounting.CodeInterestIncome, interest, interestDesc)
	return lines
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
