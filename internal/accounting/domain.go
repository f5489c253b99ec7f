package accounting

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/shared"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeCapital   AccountType = "capital"
	AccountTypeIncome    AccountType = "income"
	AccountTypeExpense   AccountType = "expense"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeCapital, AccountTypeIncome, AccountTypeExpense:
		return true
	}
	return false
}

// DebitNormal reports whether the type presents debit balances as positive.
func (t AccountType) DebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// Nominal reports whether the type closes into the surplus account at year end.
func (t AccountType) Nominal() bool {
	return t == AccountTypeIncome || t == AccountTypeExpense
}

// Account models a chart of accounts entry. Balances are stored debit-positive
// for every type, so a credit balance is negative.
type Account struct {
	ID             int64           `json:"id"`
	SocietyID      int64           `json:"society_id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Type           AccountType     `json:"type"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	IsFixedExpense bool            `json:"is_fixed_expense"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NaturalBalance presents the current balance positive on the account's normal side.
func (a Account) NaturalBalance() decimal.Decimal {
	return Natural(a.Type, a.CurrentBalance)
}

// Natural converts a debit-positive amount to the type's normal side.
func Natural(t AccountType, signed decimal.Decimal) decimal.Decimal {
	if t.DebitNormal() {
		return signed
	}
	return signed.Neg()
}

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID           int64           `json:"id"`
	SocietyID    int64           `json:"society_id"`
	EntryNumber  string          `json:"entry_number"`
	Date         time.Time       `json:"date"`
	Description  string          `json:"description"`
	TotalDebit   decimal.Decimal `json:"total_debit"`
	TotalCredit  decimal.Decimal `json:"total_credit"`
	IsBalanced   bool            `json:"is_balanced"`
	SourceModule string          `json:"source_module"`
	SourceID     uuid.UUID       `json:"source_id"`
	PostedBy     int64           `json:"posted_by"`
	CreatedAt    time.Time       `json:"created_at"`
	Lines        []Transaction   `json:"lines,omitempty"`
}

// Transaction is one ledger leg. Legs are never edited after posting.
type Transaction struct {
	ID             int64           `json:"id"`
	SocietyID      int64           `json:"society_id"`
	JournalEntryID int64           `json:"journal_entry_id"`
	AccountCode    string          `json:"account_code"`
	DebitAmount    decimal.Decimal `json:"debit_amount"`
	CreditAmount   decimal.Decimal `json:"credit_amount"`
	Date           time.Time       `json:"date"`
	Description    string          `json:"description"`
	DocumentNumber string          `json:"document_number"`
}

// Movement aggregates leg amounts for one account over a window.
type Movement struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// Net returns debit minus credit.
func (m Movement) Net() decimal.Decimal {
	return m.Debit.Sub(m.Credit)
}

// PostingLine describes a journal line for a posting request.
type PostingLine struct {
	AccountCode    string          `json:"account_code"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	Description    string          `json:"description,omitempty"`
	DocumentNumber string          `json:"document_number,omitempty"`
	// Date overrides the entry date for this leg when set.
	Date time.Time `json:"date"`
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	SocietyID    int64
	Date         time.Time
	Description  string
	SourceModule string
	SourceID     uuid.UUID
	PostedBy     int64
	Lines        []PostingLine
}

// CreateAccountInput is used by admins to add accounts outside the default chart.
type CreateAccountInput struct {
	SocietyID      int64
	Code           string
	Name           string
	Type           AccountType
	OpeningBalance decimal.Decimal
	IsFixedExpense bool
	ActorID        int64
}

// JournalFilter narrows journal listings.
type JournalFilter struct {
	SocietyID int64
	From      time.Time
	To        time.Time
	Limit     int
}

// BalanceTolerance is the largest debit/credit gap accepted as rounding noise.
var BalanceTolerance = decimal.New(1, -2)

var (
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrSourceAlreadyLinked indicates a source id already produced an entry.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrAccountInactive indicates a posting against a deactivated account.
	ErrAccountInactive = errors.New("accounting: account inactive")
	// ErrUnknownAccount indicates a code outside the chart.
	ErrUnknownAccount = errors.New("accounting: unknown account")
)

// Totals sums the debit and credit sides.
func (in PostingInput) Totals() (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range in.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

// Validate ensures posting input meets minimum criteria. Structural problems
// wrap shared.ErrValidation and a debit/credit gap wraps shared.ErrImbalancedEntry.
func (in PostingInput) Validate() error {
	if in.SocietyID <= 0 {
		return fmt.Errorf("%w: society required", shared.ErrValidation)
	}
	if in.Date.IsZero() {
		return fmt.Errorf("%w: entry date required", shared.ErrValidation)
	}
	if in.Description == "" {
		return fmt.Errorf("%w: description required", shared.ErrValidation)
	}
	if len(in.Lines) < 2 {
		return fmt.Errorf("%w: %w", shared.ErrValidation, ErrTooFewLines)
	}
	for idx, line := range in.Lines {
		if line.AccountCode == "" {
			return fmt.Errorf("%w: line %d missing account", shared.ErrValidation, idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d negative amount", shared.ErrValidation, idx)
		}
		if line.Debit.IsPositive() == line.Credit.IsPositive() {
			return fmt.Errorf("%w: line %d needs exactly one of debit or credit", shared.ErrValidation, idx)
		}
	}
	debit, credit := in.Totals()
	if debit.Sub(credit).Abs().GreaterThanOrEqual(BalanceTolerance) {
		return fmt.Errorf("%w: debit %s != credit %s", shared.ErrImbalancedEntry, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}

// OpeningWindow is the balance snapshot at the start of the financial year
// that contains a date. Balances are debit-positive and keyed by code.
type OpeningWindow struct {
	YearID   int64
	YearName string
	Start    time.Time
	End      time.Time
	Balances map[string]decimal.Decimal
}
