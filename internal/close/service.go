package close

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/shared"
)

// SurplusAccount collects income and expense closings at year end.
const SurplusAccount = accounting.CodeSurplus

// TxRepository exposes financial year persistence bound to the ledger
// transaction, so closings and adjustment journals commit together.
type TxRepository interface {
	accounting.TxRepository

	ListYears(ctx context.Context, societyID int64) ([]FinancialYear, error)
	GetYear(ctx context.Context, societyID, yearID int64) (FinancialYear, error)
	GetYearForUpdate(ctx context.Context, societyID, yearID int64) (FinancialYear, error)
	YearByStart(ctx context.Context, societyID int64, start time.Time) (FinancialYear, bool, error)
	YearContaining(ctx context.Context, societyID int64, date time.Time) (FinancialYear, bool, error)
	ActiveYears(ctx context.Context, societyID int64) ([]FinancialYear, error)
	OverlappingYear(ctx context.Context, societyID int64, start, end time.Time) (bool, error)
	InsertYear(ctx context.Context, year FinancialYear) (FinancialYear, error)
	UpdateYear(ctx context.Context, year FinancialYear) error
	SetActive(ctx context.Context, societyID int64, yearIDs []int64, active bool) error

	OpeningBalances(ctx context.Context, yearID int64) ([]OpeningBalance, error)
	UpsertOpeningBalance(ctx context.Context, row OpeningBalance) error
	FinalizeOpeningBalances(ctx context.Context, yearID int64, at time.Time) error

	InsertAdjustment(ctx context.Context, adj AuditAdjustment) (AuditAdjustment, error)
	ListAdjustments(ctx context.Context, yearID int64) ([]AuditAdjustment, error)
}

// RepositoryPort opens financial year transactions.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records year transitions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Locker serialises transitions of one year across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Service runs the financial year lifecycle and answers period questions for
// the ledger and the reports.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	locker Locker
	logger *slog.Logger
	now    func() time.Time
	active singleflight.Group
}

// NewService constructs the financial year service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithLocker sets the distributed year lock.
func (s *Service) WithLocker(l Locker) *Service {
	s.locker = l
	return s
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateYear registers a financial year. The society's first year becomes active.
func (s *Service) CreateYear(ctx context.Context, in CreateYearInput) (FinancialYear, error) {
	if err := in.Validate(); err != nil {
		return FinancialYear{}, err
	}
	start, end := truncateDay(in.StartDate), truncateDay(in.EndDate)
	name := strings.TrimSpace(in.YearName)
	if name == "" {
		name = YearName(start, end)
	}
	now := s.now()
	var year FinancialYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		overlap, err := tx.OverlappingYear(ctx, in.SocietyID, start, end)
		if err != nil {
			return err
		}
		if overlap {
			return fmt.Errorf("%w: %w", shared.ErrValidation, ErrYearOverlap)
		}
		existing, err := tx.ListYears(ctx, in.SocietyID)
		if err != nil {
			return err
		}
		year, err = tx.InsertYear(ctx, FinancialYear{
			SocietyID:             in.SocietyID,
			YearName:              name,
			StartDate:             start,
			EndDate:               end,
			Status:                YearOpen,
			OpeningBalancesStatus: OpeningProvisional,
			IsActive:              len(existing) == 0,
			CreatedAt:             now,
			UpdatedAt:             now,
		})
		return err
	})
	if err != nil {
		return FinancialYear{}, err
	}
	s.record(ctx, shared.AuditLog{SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "year.create", Entity: "financial_year", EntityID: year.YearName})
	return year, nil
}

// ListYears returns the society's years ordered by start date.
func (s *Service) ListYears(ctx context.Context, societyID int64) ([]FinancialYear, error) {
	var years []FinancialYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		years, err = tx.ListYears(ctx, societyID)
		return err
	})
	return years, err
}

// ActiveYear returns the active year. When several are flagged active the one
// starting last wins and the rest are deactivated.
func (s *Service) ActiveYear(ctx context.Context, societyID int64) (FinancialYear, error) {
	v, err, _ := s.active.Do(strconv.FormatInt(societyID, 10), func() (any, error) {
		var year FinancialYear
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			actives, err := tx.ActiveYears(ctx, societyID)
			if err != nil {
				return err
			}
			if len(actives) == 0 {
				return fmt.Errorf("%w: no active financial year", shared.ErrNotFound)
			}
			sort.Slice(actives, func(i, j int) bool { return actives[i].StartDate.After(actives[j].StartDate) })
			year = actives[0]
			if len(actives) == 1 {
				return nil
			}
			stale := make([]int64, 0, len(actives)-1)
			for _, y := range actives[1:] {
				stale = append(stale, y.ID)
			}
			s.logger.Warn("multiple active financial years", slog.Int64("society_id", societyID),
				slog.String("kept", year.YearName), slog.Any("deactivated", stale))
			return tx.SetActive(ctx, societyID, stale, false)
		})
		return year, err
	})
	if err != nil {
		return FinancialYear{}, err
	}
	return v.(FinancialYear), nil
}

// ProvisionalClose closes an open year, carries balance-sheet closings into
// the successor as provisional openings and activates the successor.
func (s *Service) ProvisionalClose(ctx context.Context, in ProvisionalCloseInput) (CloseResult, error) {
	release, err := s.lock(ctx, in.SocietyID, in.YearID)
	if err != nil {
		return CloseResult{}, err
	}
	defer release()

	now := s.now()
	closingDate := truncateDay(in.ClosingDate)
	if in.ClosingDate.IsZero() {
		closingDate = truncateDay(now)
	}
	var result CloseResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year, err := tx.GetYearForUpdate(ctx, in.SocietyID, in.YearID)
		if err != nil {
			return err
		}
		if !year.Status.CanTransition(YearProvisionalClose) {
			return fmt.Errorf("%w: year %s is %s", shared.ErrStateTransition, year.YearName, year.Status)
		}
		if closingDate.Before(year.EndDate) {
			return fmt.Errorf("%w: closing date %s before year end %s", shared.ErrValidation,
				closingDate.Format(time.DateOnly), year.EndDate.Format(time.DateOnly))
		}

		accounts, closing, err := s.closingBalances(ctx, tx, year)
		if err != nil {
			return err
		}
		successor, err := s.ensureSuccessor(ctx, tx, year, now)
		if err != nil {
			return err
		}
		if successor.OpeningBalancesStatus == OpeningFinalized {
			return fmt.Errorf("%w: %w: %s", shared.ErrStateTransition, ErrOpeningFinalized, successor.YearName)
		}
		rows, err := s.writeOpenings(ctx, tx, successor, accounts, carryForward(accounts, closing), nil, now)
		if err != nil {
			return err
		}

		income, expense := nominalTotals(accounts, closing)
		year.Status = YearProvisionalClose
		year.ClosingDate = &closingDate
		year.ClosingNotes = strings.TrimSpace(in.Notes)
		year.TotalIncome, year.TotalExpense, year.NetSurplus = income, expense, income.Sub(expense)
		year.IsActive = false
		year.ProvisionalClosedBy = actor(in.ActorID)
		year.UpdatedAt = now
		if err := tx.UpdateYear(ctx, year); err != nil {
			return err
		}
		if err := tx.SetActive(ctx, in.SocietyID, []int64{year.ID}, false); err != nil {
			return err
		}
		if err := tx.SetActive(ctx, in.SocietyID, []int64{successor.ID}, true); err != nil {
			return err
		}
		successor.IsActive = true

		result = CloseResult{Year: year, Successor: successor, OpeningBalances: rows, Summary: closeSummary(year)}
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}
	s.logger.Info("financial year provisionally closed", slog.Int64("society_id", in.SocietyID),
		slog.String("year", result.Year.YearName), slog.String("successor", result.Successor.YearName),
		slog.String("surplus", result.Year.NetSurplus.StringFixed(2)))
	s.record(ctx, shared.AuditLog{SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "year.provisional_close", Entity: "financial_year",
		EntityID: result.Year.YearName, Meta: map[string]any{"surplus": result.Year.NetSurplus.StringFixed(2), "successor": result.Successor.YearName}})
	return result, nil
}

// PostAdjustment records an audit correction inside a provisionally closed
// year. The journal is dated today with legs on the effective date, and the
// successor's openings move by the change in each affected closing.
func (s *Service) PostAdjustment(ctx context.Context, in AdjustmentInput) (AdjustmentResult, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return AdjustmentResult{}, fmt.Errorf("%w: adjustment reason required", shared.ErrValidation)
	}
	if in.EffectiveDate.IsZero() {
		return AdjustmentResult{}, fmt.Errorf("%w: effective date required", shared.ErrValidation)
	}
	release, err := s.lock(ctx, in.SocietyID, in.YearID)
	if err != nil {
		return AdjustmentResult{}, err
	}
	defer release()

	now := s.now()
	effective := truncateDay(in.EffectiveDate)
	var result AdjustmentResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year, err := tx.GetYearForUpdate(ctx, in.SocietyID, in.YearID)
		if err != nil {
			return err
		}
		if year.Status != YearProvisionalClose {
			return fmt.Errorf("%w: adjustments need a provisionally closed year, %s is %s", shared.ErrStateTransition, year.YearName, year.Status)
		}
		if !year.Contains(effective) {
			return fmt.Errorf("%w: effective date %s outside %s", shared.ErrValidation, effective.Format(time.DateOnly), year.YearName)
		}
		successorStart, _ := successorRange(year.EndDate)
		successor, ok, err := tx.YearByStart(ctx, in.SocietyID, successorStart)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: successor of %s", shared.ErrNotFound, year.YearName)
		}
		if successor.OpeningBalancesStatus != OpeningProvisional {
			return fmt.Errorf("%w: %w: %s", shared.ErrStateTransition, ErrOpeningFinalized, successor.YearName)
		}

		prior, before, err := s.closingBalances(ctx, tx, year)
		if err != nil {
			return err
		}
		lines := make([]accounting.PostingLine, len(in.Entries))
		for i, line := range in.Entries {
			line.Date = effective
			lines[i] = line
		}
		entry, err := accounting.PostEntry(ctx, tx, accounting.PostingInput{
			SocietyID:    in.SocietyID,
			Date:         truncateDay(now),
			Description:  fmt.Sprintf("Audit adjustment %s: %s", year.YearName, reason),
			SourceModule: SourceAuditAdjustment,
			PostedBy:     in.ActorID,
			Lines:        lines,
		}, now)
		if err != nil {
			return err
		}
		accounts, after, err := s.closingBalances(ctx, tx, year)
		if err != nil {
			return err
		}

		deltas := make(map[string]decimal.Decimal)
		affected := make(map[string]bool)
		byCode := indexAccounts(accounts)
		for _, line := range lines {
			code := line.AccountCode
			if d := after[code].Sub(before[code]); !d.IsZero() {
				deltas[code] = d
			}
			if byCode[code].Type.Nominal() {
				affected[SurplusAccount] = true
			} else {
				affected[code] = true
			}
		}
		carried := carryForward(accounts, after)
		if affected[SurplusAccount] {
			if d := carried[SurplusAccount].Sub(carryForward(prior, before)[SurplusAccount]); !d.IsZero() {
				deltas[SurplusAccount] = d
			}
		}
		if _, err := s.writeOpenings(ctx, tx, successor, accounts, carried, affected, now); err != nil {
			return err
		}

		adj, err := tx.InsertAdjustment(ctx, AuditAdjustment{
			SocietyID:       in.SocietyID,
			FinancialYearID: year.ID,
			EffectiveDate:   effective,
			AdjustmentDate:  truncateDay(now),
			Reason:          reason,
			JournalEntryID:  entry.ID,
			EntryNumber:     entry.EntryNumber,
			Entries:         lines,
			CreatedBy:       in.ActorID,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}

		income, expense := nominalTotals(accounts, after)
		year.TotalIncome, year.TotalExpense, year.NetSurplus = income, expense, income.Sub(expense)
		year.UpdatedAt = now
		if err := tx.UpdateYear(ctx, year); err != nil {
			return err
		}
		result = AdjustmentResult{Adjustment: adj, Year: year, Deltas: deltas}
		return nil
	})
	if err != nil {
		return AdjustmentResult{}, err
	}
	s.logger.Info("audit adjustment posted", slog.Int64("society_id", in.SocietyID),
		slog.String("year", result.Year.YearName), slog.String("entry", result.Adjustment.EntryNumber))
	s.record(ctx, shared.AuditLog{SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "year.adjustment", Entity: "financial_year",
		EntityID: result.Year.YearName, Meta: map[string]any{"entry": result.Adjustment.EntryNumber, "reason": reason}})
	return result, nil
}

// FinalClose stamps the audit and freezes the successor's opening balances.
func (s *Service) FinalClose(ctx context.Context, in FinalCloseInput) (FinancialYear, error) {
	if err := in.Validate(); err != nil {
		return FinancialYear{}, err
	}
	release, err := s.lock(ctx, in.SocietyID, in.YearID)
	if err != nil {
		return FinancialYear{}, err
	}
	defer release()

	now := s.now()
	var year FinancialYear
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		year, err = tx.GetYearForUpdate(ctx, in.SocietyID, in.YearID)
		if err != nil {
			return err
		}
		if !year.Status.CanTransition(YearFinalClose) {
			return fmt.Errorf("%w: year %s is %s", shared.ErrStateTransition, year.YearName, year.Status)
		}
		completed := truncateDay(in.AuditCompletionDate)
		year.Status = YearFinalClose
		year.AuditCompletionDate = &completed
		year.AuditorName = strings.TrimSpace(in.AuditorName)
		year.AuditorFirm = strings.TrimSpace(in.AuditorFirm)
		year.AuditReportRef = strings.TrimSpace(in.ReportRef)
		year.FinalClosedBy = actor(in.ActorID)
		year.UpdatedAt = now
		if err := tx.UpdateYear(ctx, year); err != nil {
			return err
		}

		successorStart, _ := successorRange(year.EndDate)
		successor, ok, err := tx.YearByStart(ctx, in.SocietyID, successorStart)
		if err != nil || !ok {
			return err
		}
		if err := tx.FinalizeOpeningBalances(ctx, successor.ID, now); err != nil {
			return err
		}
		successor.OpeningBalancesStatus = OpeningFinalized
		successor.UpdatedAt = now
		return tx.UpdateYear(ctx, successor)
	})
	if err != nil {
		return FinancialYear{}, err
	}
	s.logger.Info("financial year finally closed", slog.Int64("society_id", in.SocietyID), slog.String("year", year.YearName))
	s.record(ctx, shared.AuditLog{SocietyID: in.SocietyID, ActorID: in.ActorID, Action: "year.final_close", Entity: "financial_year",
		EntityID: year.YearName, Meta: map[string]any{"auditor": year.AuditorName, "report": year.AuditReportRef}})
	return year, nil
}

// OpeningBalances lists the carried-forward rows of one year.
func (s *Service) OpeningBalances(ctx context.Context, societyID, yearID int64) ([]OpeningBalance, error) {
	var rows []OpeningBalance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetYear(ctx, societyID, yearID); err != nil {
			return err
		}
		var err error
		rows, err = tx.OpeningBalances(ctx, yearID)
		return err
	})
	return rows, err
}

// ListAdjustments lists audit adjustments posted against one year.
func (s *Service) ListAdjustments(ctx context.Context, societyID, yearID int64) ([]AuditAdjustment, error) {
	var adjs []AuditAdjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetYear(ctx, societyID, yearID); err != nil {
			return err
		}
		var err error
		adjs, err = tx.ListAdjustments(ctx, yearID)
		return err
	})
	return adjs, err
}

// OpeningWindow returns the opening snapshot of the year containing date.
func (s *Service) OpeningWindow(ctx context.Context, societyID int64, date time.Time) (accounting.OpeningWindow, bool, error) {
	var (
		window accounting.OpeningWindow
		found  bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		year, ok, err := tx.YearContaining(ctx, societyID, truncateDay(date))
		if err != nil || !ok {
			return err
		}
		accounts, err := tx.ListAccounts(ctx, societyID)
		if err != nil {
			return err
		}
		opening, err := s.yearOpening(ctx, tx, year, accounts)
		if err != nil {
			return err
		}
		window = accounting.OpeningWindow{YearID: year.ID, YearName: year.YearName, Start: year.StartDate, End: year.EndDate, Balances: opening}
		found = true
		return nil
	})
	return window, found, err
}

// closingBalances returns every account with its debit-positive closing for year.
func (s *Service) closingBalances(ctx context.Context, tx TxRepository, year FinancialYear) ([]accounting.Account, map[string]decimal.Decimal, error) {
	accounts, err := tx.ListAccounts(ctx, year.SocietyID)
	if err != nil {
		return nil, nil, err
	}
	opening, err := s.yearOpening(ctx, tx, year, accounts)
	if err != nil {
		return nil, nil, err
	}
	movements, err := tx.SumMovements(ctx, year.SocietyID, year.StartDate, year.EndDate)
	if err != nil {
		return nil, nil, err
	}
	closing := make(map[string]decimal.Decimal, len(accounts))
	for _, acc := range accounts {
		closing[acc.Code] = opening[acc.Code].Add(movements[acc.Code].Net())
	}
	return accounts, closing, nil
}

// yearOpening uses the carried-forward rows when the predecessor has been
// closed, and otherwise rebuilds the opening from account openings plus every
// leg dated before the year.
func (s *Service) yearOpening(ctx context.Context, tx TxRepository, year FinancialYear, accounts []accounting.Account) (map[string]decimal.Decimal, error) {
	opening := make(map[string]decimal.Decimal, len(accounts))
	years, err := tx.ListYears(ctx, year.SocietyID)
	if err != nil {
		return nil, err
	}
	dayBefore := year.StartDate.AddDate(0, 0, -1)
	for _, y := range years {
		if y.EndDate.Equal(dayBefore) && y.Status != YearOpen {
			rows, err := tx.OpeningBalances(ctx, year.ID)
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				opening[row.AccountCode] = opening[row.AccountCode].Add(row.Signed())
			}
			return opening, nil
		}
	}
	before, err := tx.SumMovements(ctx, year.SocietyID, time.Time{}, dayBefore)
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		opening[acc.Code] = acc.OpeningBalance.Add(before[acc.Code].Net())
	}
	return opening, nil
}

func (s *Service) ensureSuccessor(ctx context.Context, tx TxRepository, year FinancialYear, now time.Time) (FinancialYear, error) {
	start, end := successorRange(year.EndDate)
	successor, ok, err := tx.YearByStart(ctx, year.SocietyID, start)
	if err != nil || ok {
		return successor, err
	}
	return tx.InsertYear(ctx, FinancialYear{
		SocietyID:             year.SocietyID,
		YearName:              YearName(start, end),
		StartDate:             start,
		EndDate:               end,
		Status:                YearOpen,
		OpeningBalancesStatus: OpeningProvisional,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
}

// writeOpenings stores carried balances on the successor. When only is set,
// just those codes are rewritten. Codes whose carried balance is zero are
// written only if a row already exists.
func (s *Service) writeOpenings(ctx context.Context, tx TxRepository, successor FinancialYear, accounts []accounting.Account,
	carried map[string]decimal.Decimal, only map[string]bool, now time.Time) ([]OpeningBalance, error) {
	existing, err := tx.OpeningBalances(ctx, successor.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, row := range existing {
		have[row.AccountCode] = true
	}
	codes := make([]string, 0, len(carried)+len(existing))
	seen := make(map[string]bool)
	for code := range carried {
		codes = append(codes, code)
		seen[code] = true
	}
	for code := range have {
		if !seen[code] {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	byCode := indexAccounts(accounts)
	if _, ok := byCode[SurplusAccount]; !ok && !carried[SurplusAccount].IsZero() {
		ensured, err := accounting.EnsureAccounts(ctx, tx, successor.SocietyID, []string{SurplusAccount}, now)
		if err != nil {
			return nil, err
		}
		byCode[SurplusAccount] = ensured[SurplusAccount]
	}

	for _, code := range codes {
		if only != nil && !only[code] {
			continue
		}
		signed := carried[code]
		if signed.IsZero() && !have[code] {
			continue
		}
		amount, side := openingFromSigned(signed.Round(2))
		row := OpeningBalance{
			SocietyID:       successor.SocietyID,
			FinancialYearID: successor.ID,
			AccountID:       byCode[code].ID,
			AccountCode:     code,
			Amount:          amount,
			BalanceType:     side,
			Status:          OpeningProvisional,
			UpdatedAt:       now,
		}
		if err := tx.UpsertOpeningBalance(ctx, row); err != nil {
			return nil, err
		}
	}
	return tx.OpeningBalances(ctx, successor.ID)
}

// carryForward maps closings to successor openings: balance-sheet accounts
// carry as they are and nominal accounts fold into the surplus account.
func carryForward(accounts []accounting.Account, closing map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	surplus := decimal.Zero
	for _, acc := range accounts {
		bal := closing[acc.Code]
		if acc.Type.Nominal() {
			surplus = surplus.Add(bal)
			continue
		}
		out[acc.Code] = out[acc.Code].Add(bal)
	}
	out[SurplusAccount] = out[SurplusAccount].Add(surplus)
	return out
}

func nominalTotals(accounts []accounting.Account, closing map[string]decimal.Decimal) (income, expense decimal.Decimal) {
	for _, acc := range accounts {
		switch acc.Type {
		case accounting.AccountTypeIncome:
			income = income.Add(accounting.Natural(acc.Type, closing[acc.Code]))
		case accounting.AccountTypeExpense:
			expense = expense.Add(closing[acc.Code])
		}
	}
	return income.Round(2), expense.Round(2)
}

func indexAccounts(accounts []accounting.Account) map[string]accounting.Account {
	out := make(map[string]accounting.Account, len(accounts))
	for _, acc := range accounts {
		out[acc.Code] = acc
	}
	return out
}

var summaryPrinter = message.NewPrinter(language.English)

func closeSummary(year FinancialYear) string {
	money := func(d decimal.Decimal) number.Formatter {
		return number.Decimal(d.InexactFloat64(), number.Scale(2))
	}
	outcome := "surplus"
	if year.NetSurplus.IsNegative() {
		outcome = "deficit"
	}
	return summaryPrinter.Sprintf("Financial year %s provisionally closed: income %v, expenditure %v, %s %v carried to %s.",
		year.YearName, money(year.TotalIncome), money(year.TotalExpense), outcome, money(year.NetSurplus.Abs()), SurplusAccount)
}

func (s *Service) lock(ctx context.Context, societyID, yearID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, shared.YearLockKey(societyID, yearID))
	if errors.Is(err, shared.ErrLockHeld) {
		return nil, fmt.Errorf("%w: financial year %d is being changed", shared.ErrConcurrencyConflict, yearID)
	}
	return release, err
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	log.At = s.now()
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit log failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func actor(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}
