package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/shared"
)

// TariffMethod selects how a society charges its flats.
type TariffMethod string

const (
	MethodSqft       TariffMethod = "sqft"
	MethodFixed      TariffMethod = "fixed"
	MethodMixed      TariffMethod = "mixed"
	MethodWaterBased TariffMethod = "water_based"
)

// Valid reports whether m is a supported tariff method.
func (m TariffMethod) Valid() bool {
	switch m {
	case MethodSqft, MethodFixed, MethodMixed, MethodWaterBased:
		return true
	}
	return false
}

// FundMode selects how a society-wide total is split across flats.
type FundMode string

const (
	SplitEqual FundMode = "equal"
	SplitSqft  FundMode = "sqft"
)

// Occupancy of a flat.
type Occupancy string

const (
	Occupied Occupancy = "occupied"
	Vacant   Occupancy = "vacant"
)

// BillStatus tracks collection, independent of posting.
type BillStatus string

const (
	BillUnpaid BillStatus = "unpaid"
	BillPaid   BillStatus = "paid"
)

// ChargeStatus tracks supplementary charge approval.
type ChargeStatus string

const (
	ChargePending  ChargeStatus = "pending"
	ChargeApproved ChargeStatus = "approved"
)

// PaymentMode selects the debited cash account.
type PaymentMode string

const (
	PaymentCash PaymentMode = "cash"
	PaymentBank PaymentMode = "bank"
)

// Source modules recorded on journal entries.
const (
	SourceBillingPost       = "BILLING.POST"
	SourceBillingReverse    = "BILLING.REVERSE"
	SourceBillingRegenerate = "BILLING.REGENERATE"
	SourceBillingPayment    = "BILLING.PAYMENT"
)

var (
	// ErrSettingsMissing indicates the society has not configured a tariff.
	ErrSettingsMissing = errors.New("billing: tariff settings not configured")
	// ErrNoFlats indicates an empty roster.
	ErrNoFlats = errors.New("billing: flat roster is empty")
)

// Period is one billing month.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// Validate checks the month and year range.
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("%w: month %d out of range", shared.ErrValidation, p.Month)
	}
	if p.Year < 2000 || p.Year > 2100 {
		return fmt.Errorf("%w: year %d out of range", shared.ErrValidation, p.Year)
	}
	return nil
}

// Start returns the first day of the month.
func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the month.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// Next returns the following month.
func (p Period) Next() Period {
	next := p.Start().AddDate(0, 1, 0)
	return Period{Year: next.Year(), Month: int(next.Month())}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// CohortDescription is the canonical journal description for a posted cohort.
func CohortDescription(p Period) string {
	return fmt.Sprintf("Maintenance bills for %s %d", time.Month(p.Month), p.Year)
}

// Settings holds a society's tariff configuration.
type Settings struct {
	SocietyID           int64           `json:"society_id"`
	Method              TariffMethod    `json:"method"`
	RatePerSqft         decimal.Decimal `json:"rate_per_sqft"`
	FlatBaseRate        decimal.Decimal `json:"flat_base_rate"`
	SinkingFundTotal    decimal.Decimal `json:"sinking_fund_total"`
	RepairFundTotal     decimal.Decimal `json:"repair_fund_total"`
	CorpusFundTotal     decimal.Decimal `json:"corpus_fund_total"`
	FixedExpenseMode    FundMode        `json:"fixed_expense_mode"`
	SinkingFundMode     FundMode        `json:"sinking_fund_mode"`
	RepairFundMode      FundMode        `json:"repair_fund_mode"`
	CorpusFundMode      FundMode        `json:"corpus_fund_mode"`
	VacancyFee          decimal.Decimal `json:"vacancy_fee"`
	InterestOnOverdue   bool            `json:"interest_on_overdue"`
	AnnualInterestRate  decimal.Decimal `json:"annual_interest_rate"`
	ReceivableAccount   string          `json:"receivable_account"`
	IncomeAccount       string          `json:"income_account"`
	WaterExpenseAccount string          `json:"water_expense_account"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// WithDefaults fills unset modes and account codes.
func (s Settings) WithDefaults() Settings {
	for _, mode := range []*FundMode{&s.FixedExpenseMode, &s.SinkingFundMode, &s.RepairFundMode, &s.CorpusFundMode} {
		if *mode == "" {
			*mode = SplitEqual
		}
	}
	if s.ReceivableAccount == "" {
		s.ReceivableAccount = accounting.CodeMaintenanceReceivable
	}
	if s.IncomeAccount == "" {
		s.IncomeAccount = accounting.CodeMaintenanceIncome
	}
	if s.WaterExpenseAccount == "" {
		s.WaterExpenseAccount = accounting.CodeWaterCharges
	}
	return s
}

// Validate checks the tariff configuration.
func (s Settings) Validate() error {
	if !s.Method.Valid() {
		return fmt.Errorf("%w: unknown tariff method %q", shared.ErrValidation, s.Method)
	}
	for name, amount := range map[string]decimal.Decimal{
		"rate_per_sqft":        s.RatePerSqft,
		"flat_base_rate":       s.FlatBaseRate,
		"sinking_fund_total":   s.SinkingFundTotal,
		"repair_fund_total":    s.RepairFundTotal,
		"corpus_fund_total":    s.CorpusFundTotal,
		"vacancy_fee":          s.VacancyFee,
		"annual_interest_rate": s.AnnualInterestRate,
	} {
		if amount.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", shared.ErrValidation, name)
		}
	}
	for _, mode := range []FundMode{s.FixedExpenseMode, s.SinkingFundMode, s.RepairFundMode, s.CorpusFundMode} {
		if mode != SplitEqual && mode != SplitSqft {
			return fmt.Errorf("%w: unknown split mode %q", shared.ErrValidation, mode)
		}
	}
	return nil
}

// Overrides replace settings values for a single generation run.
type Overrides struct {
	RatePerSqft      *decimal.Decimal `json:"rate_per_sqft,omitempty"`
	FlatBaseRate     *decimal.Decimal `json:"flat_base_rate,omitempty"`
	SinkingFundTotal *decimal.Decimal `json:"sinking_fund_total,omitempty"`
	RepairFundTotal  *decimal.Decimal `json:"repair_fund_total,omitempty"`
	CorpusFundTotal  *decimal.Decimal `json:"corpus_fund_total,omitempty"`
	VacancyFee       *decimal.Decimal `json:"vacancy_fee,omitempty"`
	WaterExpense     *decimal.Decimal `json:"water_expense,omitempty"`
	FixedExpenses    *decimal.Decimal `json:"fixed_expenses,omitempty"`
}

// Apply returns settings with the rate overrides applied.
func (o Overrides) Apply(s Settings) Settings {
	set := func(dst *decimal.Decimal, src *decimal.Decimal) {
		if src != nil {
			*dst = *src
		}
	}
	set(&s.RatePerSqft, o.RatePerSqft)
	set(&s.FlatBaseRate, o.FlatBaseRate)
	set(&s.SinkingFundTotal, o.SinkingFundTotal)
	set(&s.RepairFundTotal, o.RepairFundTotal)
	set(&s.CorpusFundTotal, o.CorpusFundTotal)
	set(&s.VacancyFee, o.VacancyFee)
	return s
}

// Flat is a billable unit of the society.
type Flat struct {
	ID        int64           `json:"id"`
	SocietyID int64           `json:"society_id"`
	Number    string          `json:"number"`
	AreaSqft  decimal.Decimal `json:"area_sqft"`
	Occupancy Occupancy       `json:"occupancy"`
	Occupants int             `json:"occupants"`
}

// SupplementaryCharge is a one-off amount billed with the next monthly bill.
type SupplementaryCharge struct {
	ID           int64           `json:"id"`
	SocietyID    int64           `json:"society_id"`
	FlatID       int64           `json:"flat_id"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	Status       ChargeStatus    `json:"status"`
	LinkedBillID *int64          `json:"linked_bill_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MaintenanceBill is one flat's bill for one month.
type MaintenanceBill struct {
	ID             int64           `json:"id"`
	SocietyID      int64           `json:"society_id"`
	FlatID         int64           `json:"flat_id"`
	FlatNumber     string          `json:"flat_number"`
	Month          int             `json:"month"`
	Year           int             `json:"year"`
	Maintenance    decimal.Decimal `json:"maintenance"`
	Water          decimal.Decimal `json:"water"`
	Fixed          decimal.Decimal `json:"fixed"`
	SinkingFund    decimal.Decimal `json:"sinking_fund"`
	RepairFund     decimal.Decimal `json:"repair_fund"`
	CorpusFund     decimal.Decimal `json:"corpus_fund"`
	Supplementary  decimal.Decimal `json:"supplementary"`
	Arrears        decimal.Decimal `json:"arrears"`
	LateFee        decimal.Decimal `json:"late_fee"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Breakdown      Breakdown       `json:"breakdown"`
	Status         BillStatus      `json:"status"`
	IsPosted       bool            `json:"is_posted"`
	JournalEntryID *int64          `json:"journal_entry_id,omitempty"`
	PostedAt       *time.Time      `json:"posted_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Period returns the bill's month.
func (b MaintenanceBill) Period() Period {
	return Period{Year: b.Year, Month: b.Month}
}

// LedgerAmount is the part of the total that is new this month. Arrears were
// debited to receivables when the earlier bills were posted.
func (b MaintenanceBill) LedgerAmount() decimal.Decimal {
	return b.TotalAmount.Sub(b.Arrears)
}

// Reversal keeps the audit trail of a reversed bill.
type Reversal struct {
	ID             int64
	SocietyID      int64
	BillID         int64
	FlatID         int64
	Period         Period
	Amount         decimal.Decimal
	WasPosted      bool
	Reason         string
	ApprovedBy     int64
	JournalEntryID *int64
	Snapshot       MaintenanceBill
	CreatedAt      time.Time
}

// Payment records money received from a flat.
type Payment struct {
	ID             int64           `json:"id"`
	SocietyID      int64           `json:"society_id"`
	FlatID         int64           `json:"flat_id"`
	Amount         decimal.Decimal `json:"amount"`
	PaidOn         time.Time       `json:"paid_on"`
	Mode           PaymentMode     `json:"mode"`
	Reference      string          `json:"reference"`
	JournalEntryID int64           `json:"journal_entry_id"`
	EntryNumber    string          `json:"entry_number"`
	BillsSettled   []int64         `json:"bills_settled,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// GenerateInput requests a draft cohort.
type GenerateInput struct {
	SocietyID int64
	Period    Period
	// Method overrides the configured tariff for this run when set.
	Method              TariffMethod
	Overrides           Overrides
	OccupantAdjustments map[int64]int
	ActorID             int64
}

// GenerateResult summarises a generated cohort.
type GenerateResult struct {
	Count       int               `json:"count"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Bills       []MaintenanceBill `json:"bills"`
}

// PostInput requests posting of a drafted cohort.
type PostInput struct {
	SocietyID      int64
	Period         Period
	ActorID        int64
	IdempotencyKey string
}

// PostResult summarises a posted cohort.
type PostResult struct {
	Count       int             `json:"count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	EntryNumber string          `json:"entry_number"`
}

// ReverseInput requests reversal of one bill.
type ReverseInput struct {
	SocietyID  int64
	BillID     int64
	Reason     string
	ApprovedBy int64
}

// ReverseResult describes the offsetting entry.
type ReverseResult struct {
	BillID      int64           `json:"bill_id"`
	EntryNumber string          `json:"entry_number,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// Components are admin-supplied amounts for a regenerated bill.
type Components struct {
	Maintenance   decimal.Decimal `json:"maintenance"`
	Water         decimal.Decimal `json:"water"`
	Fixed         decimal.Decimal `json:"fixed"`
	SinkingFund   decimal.Decimal `json:"sinking_fund"`
	RepairFund    decimal.Decimal `json:"repair_fund"`
	CorpusFund    decimal.Decimal `json:"corpus_fund"`
	Supplementary decimal.Decimal `json:"supplementary"`
	Arrears       decimal.Decimal `json:"arrears"`
	LateFee       decimal.Decimal `json:"late_fee"`
}

// RegenerateInput requests a manual replacement bill after a reversal.
type RegenerateInput struct {
	SocietyID  int64
	FlatID     int64
	Period     Period
	Components Components
	Reason     string
	ApprovedBy int64
}

// RegenerateResult returns the posted replacement.
type RegenerateResult struct {
	Bill        MaintenanceBill `json:"bill"`
	EntryNumber string          `json:"entry_number,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// PaymentInput records a receipt.
type PaymentInput struct {
	SocietyID int64
	FlatID    int64
	Amount    decimal.Decimal
	PaidOn    time.Time
	Mode      PaymentMode
	Reference string
	ActorID   int64
}

// ChargeInput creates a supplementary charge.
type ChargeInput struct {
	SocietyID   int64
	FlatID      int64
	Amount      decimal.Decimal
	Description string
	ActorID     int64
}
