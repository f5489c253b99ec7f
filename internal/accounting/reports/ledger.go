package reports

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
)

// LedgerLine is one leg with the running balance after it.
type LedgerLine struct {
	Date           time.Time       `json:"date"`
	JournalEntryID int64           `json:"journal_entry_id"`
	Description    string          `json:"description"`
	DocumentNumber string          `json:"document_number,omitempty"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
	Balance        decimal.Decimal `json:"balance"`
}

// Ledger is the account statement for a date range. Balances are shown on
// the account's normal side.
type Ledger struct {
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Opening     decimal.Decimal `json:"opening"`
	Lines       []LedgerLine    `json:"lines"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
	TotalCredit decimal.Decimal `json:"total_credit"`
	Closing     decimal.Decimal `json:"closing"`
}

// BuildLedger threads a running balance through legs already sorted by date.
func BuildLedger(account accounting.Account, opening decimal.Decimal, legs []accounting.Transaction) Ledger {
	out := Ledger{
		Code:    account.Code,
		Name:    account.Name,
		Type:    string(account.Type),
		Opening: accounting.Natural(account.Type, opening),
	}
	running := opening
	for _, leg := range legs {
		running = running.Add(leg.DebitAmount).Sub(leg.CreditAmount)
		out.TotalDebit = out.TotalDebit.Add(leg.DebitAmount)
		out.TotalCredit = out.TotalCredit.Add(leg.CreditAmount)
		out.Lines = append(out.Lines, LedgerLine{
			Date:           leg.Date,
			JournalEntryID: leg.JournalEntryID,
			Description:    leg.Description,
			DocumentNumber: leg.DocumentNumber,
			Debit:          leg.DebitAmount,
			Credit:         leg.CreditAmount,
			Balance:        accounting.Natural(account.Type, running),
		})
	}
	out.Closing = accounting.Natural(account.Type, running)
	return out
}
