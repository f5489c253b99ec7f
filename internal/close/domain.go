package close

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/shared"
)

// YearStatus enumerates financial year lifecycle stages. Transitions only move
// forward: open, provisional_close, final_close.
type YearStatus string

const (
	YearOpen             YearStatus = "open"
	YearProvisionalClose YearStatus = "provisional_close"
	YearFinalClose       YearStatus = "final_close"
)

var yearOrder = map[YearStatus]int{YearOpen: 0, YearProvisionalClose: 1, YearFinalClose: 2}

// CanTransition reports whether the lifecycle may move from s to next.
func (s YearStatus) CanTransition(next YearStatus) bool {
	from, ok := yearOrder[s]
	if !ok {
		return false
	}
	to, ok := yearOrder[next]
	return ok && to == from+1
}

// OpeningStatus marks whether opening balances may still change.
type OpeningStatus string

const (
	OpeningProvisional OpeningStatus = "provisional"
	OpeningFinalized   OpeningStatus = "finalized"
)

// BalanceType is the side an opening amount sits on.
type BalanceType string

const (
	BalanceDebit  BalanceType = "debit"
	BalanceCredit BalanceType = "credit"
)

// Source module recorded on audit adjustment journals.
const SourceAuditAdjustment = "AUDIT.ADJUSTMENT"

var (
	// ErrYearOverlap indicates the requested range collides with an existing year.
	ErrYearOverlap = errors.New("close: financial year overlaps an existing year")
	// ErrOpeningFinalized is returned when writing to finalized opening balances.
	ErrOpeningFinalized = errors.New("close: opening balances are finalized")
)

// FinancialYear is one accounting year of a society.
type FinancialYear struct {
	ID                    int64           `json:"id"`
	SocietyID             int64           `json:"society_id"`
	YearName              string          `json:"year_name"`
	StartDate             time.Time       `json:"start_date"`
	EndDate               time.Time       `json:"end_date"`
	Status                YearStatus      `json:"status"`
	OpeningBalancesStatus OpeningStatus   `json:"opening_balances_status"`
	IsActive              bool            `json:"is_active"`
	ClosingDate           *time.Time      `json:"closing_date,omitempty"`
	ClosingNotes          string          `json:"closing_notes,omitempty"`
	TotalIncome           decimal.Decimal `json:"total_income"`
	TotalExpense          decimal.Decimal `json:"total_expense"`
	NetSurplus            decimal.Decimal `json:"net_surplus"`
	AuditCompletionDate   *time.Time      `json:"audit_completion_date,omitempty"`
	AuditorName           string          `json:"auditor_name,omitempty"`
	AuditorFirm           string          `json:"auditor_firm,omitempty"`
	AuditReportRef        string          `json:"audit_report_ref,omitempty"`
	ProvisionalClosedBy   *int64          `json:"provisional_closed_by,omitempty"`
	FinalClosedBy         *int64          `json:"final_closed_by,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Contains reports whether date falls inside the year.
func (y FinancialYear) Contains(date time.Time) bool {
	d := truncateDay(date)
	return !d.Before(y.StartDate) && !d.After(y.EndDate)
}

// OpeningBalance is a carried-forward balance for one account.
type OpeningBalance struct {
	ID              int64           `json:"id"`
	SocietyID       int64           `json:"society_id"`
	FinancialYearID int64           `json:"financial_year_id"`
	AccountID       int64           `json:"account_id"`
	AccountCode     string          `json:"account_code"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceType     BalanceType     `json:"balance_type"`
	Status          OpeningStatus   `json:"status"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Signed returns the balance debit-positive.
func (o OpeningBalance) Signed() decimal.Decimal {
	if o.BalanceType == BalanceCredit {
		return o.Amount.Neg()
	}
	return o.Amount
}

// openingFromSigned splits a debit-positive balance into amount and side.
func openingFromSigned(signed decimal.Decimal) (decimal.Decimal, BalanceType) {
	if signed.IsNegative() {
		return signed.Abs(), BalanceCredit
	}
	return signed, BalanceDebit
}

// AuditAdjustment records a post-close correction.
type AuditAdjustment struct {
	ID              int64                    `json:"id"`
	SocietyID       int64                    `json:"society_id"`
	FinancialYearID int64                    `json:"financial_year_id"`
	EffectiveDate   time.Time                `json:"effective_date"`
	AdjustmentDate  time.Time                `json:"adjustment_date"`
	Reason          string                   `json:"reason"`
	JournalEntryID  int64                    `json:"journal_entry_id"`
	EntryNumber     string                   `json:"entry_number"`
	Entries         []accounting.PostingLine `json:"entries"`
	CreatedBy       int64                    `json:"created_by"`
	CreatedAt       time.Time                `json:"created_at"`
}

// CreateYearInput captures validation rules for new years.
type CreateYearInput struct {
	SocietyID int64
	YearName  string
	StartDate time.Time
	EndDate   time.Time
	ActorID   int64
}

// Validate ensures the create input is coherent.
func (in CreateYearInput) Validate() error {
	if in.SocietyID <= 0 {
		return fmt.Errorf("%w: society id required", shared.ErrValidation)
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end date required", shared.ErrValidation)
	}
	if !in.EndDate.After(in.StartDate) {
		return fmt.Errorf("%w: end date must be after start date", shared.ErrValidation)
	}
	return nil
}

// ProvisionalCloseInput requests the first close of a year.
type ProvisionalCloseInput struct {
	SocietyID   int64
	YearID      int64
	ClosingDate time.Time
	Notes       string
	ActorID     int64
}

// AdjustmentInput carries an audit correction dated inside a closed year.
type AdjustmentInput struct {
	SocietyID     int64
	YearID        int64
	EffectiveDate time.Time
	Entries       []accounting.PostingLine
	Reason        string
	ActorID       int64
}

// FinalCloseInput stamps the audit and freezes the year.
type FinalCloseInput struct {
	SocietyID           int64
	YearID              int64
	AuditCompletionDate time.Time
	AuditorName         string
	AuditorFirm         string
	ReportRef           string
	ActorID             int64
}

// Validate checks the audit metadata.
func (in FinalCloseInput) Validate() error {
	if in.AuditCompletionDate.IsZero() || strings.TrimSpace(in.AuditorName) == "" {
		return fmt.Errorf("%w: audit completion date and auditor name required", shared.ErrValidation)
	}
	return nil
}

// CloseResult is returned by ProvisionalClose.
type CloseResult struct {
	Year            FinancialYear    `json:"year"`
	Successor       FinancialYear    `json:"successor"`
	OpeningBalances []OpeningBalance `json:"opening_balances"`
	Summary         string           `json:"summary"`
}

// AdjustmentResult is returned by PostAdjustment.
type AdjustmentResult struct {
	Adjustment AuditAdjustment            `json:"adjustment"`
	Year       FinancialYear              `json:"year"`
	Deltas     map[string]decimal.Decimal `json:"deltas"`
}

// YearName renders "2024-25" for years spanning two calendar years.
func YearName(start, end time.Time) string {
	if start.Year() == end.Year() {
		return fmt.Sprintf("%d", start.Year())
	}
	return fmt.Sprintf("%d-%02d", start.Year(), end.Year()%100)
}

// successorRange returns the year that starts the day after end.
func successorRange(end time.Time) (time.Time, time.Time) {
	start := truncateDay(end).AddDate(0, 0, 1)
	return start, start.AddDate(1, 0, -1)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
