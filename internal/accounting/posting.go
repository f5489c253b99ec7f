package accounting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/shared"
)

// TxRepository exposes ledger operations bound to one database transaction.
// Other packages embed it in their own transactional repositories so a bill
// post and its journal commit or roll back together.
type TxRepository interface {
	LockAccounts(ctx context.Context, societyID int64, codes []string) (map[string]Account, error)
	InsertAccount(ctx context.Context, acc Account) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error
	SetAccountActive(ctx context.Context, accountID int64, active bool) error
	NextEntrySequence(ctx context.Context, societyID int64) (int64, error)
	InsertJournalEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	InsertTransactions(ctx context.Context, entryID int64, legs []Transaction) error
	LinkSource(ctx context.Context, societyID int64, module string, ref uuid.UUID, entryID int64) error
	JournalExists(ctx context.Context, societyID int64, description string) (bool, error)
	ListAccounts(ctx context.Context, societyID int64) ([]Account, error)
	SumMovements(ctx context.Context, societyID int64, from, to time.Time) (map[string]Movement, error)
	LockPostingYear(ctx context.Context, societyID int64, date time.Time) (PostingYear, bool, error)
}

// YearStatusOpen is the only financial year status that accepts regular postings.
const YearStatusOpen = "open"

// PostingYear is the financial year a posting date falls in.
type PostingYear struct {
	Name   string
	Status string
}

// EnsureYearOpen locks the financial year containing date and rejects the
// posting when that year is no longer open. Dates outside any registered year
// are allowed. It must be the first statement of the posting transaction: a
// year close locks the same row FOR UPDATE, so the two cannot interleave.
func EnsureYearOpen(ctx context.Context, tx TxRepository, societyID int64, date time.Time) error {
	y, m, d := date.Date()
	year, ok, err := tx.LockPostingYear(ctx, societyID, time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	if err != nil || !ok {
		return err
	}
	if year.Status != YearStatusOpen {
		return fmt.Errorf("%w: financial year %s is %s", shared.ErrStateTransition, year.Name, year.Status)
	}
	return nil
}

// FormatEntryNumber renders the human-readable entry number.
func FormatEntryNumber(seq int64) string {
	return fmt.Sprintf("JV-%06d", seq)
}

// SourceRef derives a deterministic source id, so retries of the same business
// event collide on the source link instead of posting twice.
func SourceRef(parts ...any) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprint(parts...)))
}

// PostEntry persists one balanced journal entry and applies its legs to the
// account balances. It must run inside the caller's transaction; nothing is
// written when validation fails. Duplicate detection is the caller's job.
func PostEntry(ctx context.Context, tx TxRepository, in PostingInput, now time.Time) (JournalEntry, error) {
	in = normalize(in)
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}

	codes := lineCodes(in.Lines)
	accounts, err := EnsureAccounts(ctx, tx, in.SocietyID, codes, now)
	if err != nil {
		return JournalEntry{}, err
	}
	for _, code := range codes {
		if !accounts[code].IsActive {
			return JournalEntry{}, fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrAccountInactive, code)
		}
	}

	seq, err := tx.NextEntrySequence(ctx, in.SocietyID)
	if err != nil {
		return JournalEntry{}, err
	}
	debit, credit := in.Totals()
	entry, err := tx.InsertJournalEntry(ctx, JournalEntry{
		SocietyID:    in.SocietyID,
		EntryNumber:  FormatEntryNumber(seq),
		Date:         in.Date,
		Description:  in.Description,
		TotalDebit:   debit,
		TotalCredit:  credit,
		IsBalanced:   debit.Equal(credit),
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		PostedBy:     in.PostedBy,
		CreatedAt:    now,
	})
	if err != nil {
		return JournalEntry{}, err
	}

	legs := make([]Transaction, 0, len(in.Lines))
	for _, line := range in.Lines {
		date := line.Date
		if date.IsZero() {
			date = in.Date
		}
		desc := line.Description
		if desc == "" {
			desc = in.Description
		}
		legs = append(legs, Transaction{
			SocietyID:      in.SocietyID,
			JournalEntryID: entry.ID,
			AccountCode:    line.AccountCode,
			DebitAmount:    line.Debit,
			CreditAmount:   line.Credit,
			Date:           date,
			Description:    desc,
			DocumentNumber: line.DocumentNumber,
		})
	}
	if err := tx.InsertTransactions(ctx, entry.ID, legs); err != nil {
		return JournalEntry{}, err
	}
	entry.Lines = legs

	if in.SourceID != uuid.Nil {
		if err := tx.LinkSource(ctx, in.SocietyID, in.SourceModule, in.SourceID, entry.ID); err != nil {
			if errors.Is(err, ErrSourceAlreadyLinked) {
				return JournalEntry{}, fmt.Errorf("%w: %s %s already posted", shared.ErrConcurrencyConflict, in.SourceModule, in.SourceID)
			}
			return JournalEntry{}, err
		}
	}

	deltas := make(map[string]decimal.Decimal, len(codes))
	for _, leg := range legs {
		deltas[leg.AccountCode] = deltas[leg.AccountCode].Add(leg.DebitAmount.Sub(leg.CreditAmount))
	}
	for _, code := range codes {
		acc := accounts[code]
		if err := tx.UpdateAccountBalance(ctx, acc.ID, acc.CurrentBalance.Add(deltas[code])); err != nil {
			return JournalEntry{}, err
		}
	}
	return entry, nil
}

// EnsureAccounts locks the accounts for codes, creating default-chart
// accounts on first reference. Codes outside the chart must already exist.
func EnsureAccounts(ctx context.Context, tx TxRepository, societyID int64, codes []string, now time.Time) (map[string]Account, error) {
	accounts, err := tx.LockAccounts(ctx, societyID, codes)
	if err != nil {
		return nil, err
	}
	for _, code := range codes {
		if _, ok := accounts[code]; ok {
			continue
		}
		tmpl, ok := DefaultChartAccount(code)
		if !ok {
			return nil, fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrUnknownAccount, code)
		}
		acc, err := tx.InsertAccount(ctx, Account{
			SocietyID:      societyID,
			Code:           tmpl.Code,
			Name:           tmpl.Name,
			Type:           tmpl.Type,
			IsFixedExpense: tmpl.IsFixedExpense,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		accounts[code] = acc
	}
	return accounts, nil
}

func normalize(in PostingInput) PostingInput {
	lines := make([]PostingLine, len(in.Lines))
	for i, line := range in.Lines {
		line.Debit = line.Debit.Round(2)
		line.Credit = line.Credit.Round(2)
		lines[i] = line
	}
	in.Lines = lines
	return in
}

// lineCodes returns the distinct codes sorted, so concurrent posts lock
// accounts in the same order.
func lineCodes(lines []PostingLine) []string {
	seen := make(map[string]struct{}, len(lines))
	codes := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.AccountCode]; ok {
			continue
		}
		seen[line.AccountCode] = struct{}{}
		codes = append(codes, line.AccountCode)
	}
	sort.Strings(codes)
	return codes
}
