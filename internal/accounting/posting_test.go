package accounting_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/accounting/accountingtest"
	"github.com/societyledger/societyledger/internal/shared"
)

const society = int64(11)

var postedAt = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func post(t *testing.T, ledger *accountingtest.Ledger, in accounting.PostingInput) (accounting.JournalEntry, error) {
	t.Helper()
	var entry accounting.JournalEntry
	err := ledger.WithTx(context.Background(), func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		entry, err = accounting.PostEntry(ctx, tx, in, postedAt)
		return err
	})
	return entry, err
}

func billInput(amount string) accounting.PostingInput {
	return accounting.PostingInput{
		SocietyID:   society,
		Date:        postedAt,
		Description: "Maintenance",
		Lines: []accounting.PostingLine{
			{AccountCode: accounting.CodeMaintenanceReceivable, Debit: dec(amount), DocumentNumber: "A-101"},
			{AccountCode: accounting.CodeMaintenanceIncome, Credit: dec(amount)},
		},
	}
}

func TestPostEntryBalancesAndUpdatesAccounts(t *testing.T) {
	ledger := accountingtest.New()

	entry, err := post(t, ledger, billInput("2500"))
	require.NoError(t, err)
	require.Equal(t, "JV-000001", entry.EntryNumber)
	require.True(t, entry.IsBalanced)
	require.True(t, entry.TotalDebit.Equal(dec("2500")))
	require.Len(t, entry.Lines, 2)

	receivable, ok := ledger.Account(society, accounting.CodeMaintenanceReceivable)
	require.True(t, ok, "default chart account created on first reference")
	require.True(t, receivable.CurrentBalance.Equal(dec("2500")))

	income, _ := ledger.Account(society, accounting.CodeMaintenanceIncome)
	require.True(t, income.CurrentBalance.Equal(dec("-2500")), "credit balances are stored negative")
	require.True(t, income.NaturalBalance().Equal(dec("2500")))
	require.NoError(t, ledger.CheckInvariants(society))
}

func TestPostEntryNumbersAreSequentialPerSociety(t *testing.T) {
	ledger := accountingtest.New()
	for i := 1; i <= 3; i++ {
		entry, err := post(t, ledger, billInput("100"))
		require.NoError(t, err)
		require.Equal(t, accounting.FormatEntryNumber(int64(i)), entry.EntryNumber)
	}
	other := billInput("100")
	other.SocietyID = society + 1
	entry, err := post(t, ledger, other)
	require.NoError(t, err)
	require.Equal(t, "JV-000001", entry.EntryNumber)
}

func TestPostEntryRejectsImbalanceAndPersistsNothing(t *testing.T) {
	ledger := accountingtest.New()
	in := billInput("1000")
	in.Lines[1].Credit = dec("999.98")

	_, err := post(t, ledger, in)
	require.ErrorIs(t, err, shared.ErrImbalancedEntry)
	require.Empty(t, ledger.Entries())
	require.Empty(t, ledger.Legs())
	_, ok := ledger.Account(society, accounting.CodeMaintenanceReceivable)
	require.False(t, ok)
}

func TestPostEntryRoundsLegsBeforeBalancing(t *testing.T) {
	ledger := accountingtest.New()
	in := billInput("100")
	in.Lines[0].Debit = dec("100.004")

	entry, err := post(t, ledger, in)
	require.NoError(t, err)
	require.True(t, entry.TotalDebit.Equal(entry.TotalCredit))
}

func TestPostEntryValidation(t *testing.T) {
	cases := map[string]func(*accounting.PostingInput){
		"single line":   func(in *accounting.PostingInput) { in.Lines = in.Lines[:1] },
		"both sides":    func(in *accounting.PostingInput) { in.Lines[0].Credit = dec("1") },
		"negative":      func(in *accounting.PostingInput) { in.Lines[0].Debit = dec("-5") },
		"no account":    func(in *accounting.PostingInput) { in.Lines[0].AccountCode = "" },
		"unknown code":  func(in *accounting.PostingInput) { in.Lines[0].AccountCode = "9999" },
		"missing label": func(in *accounting.PostingInput) { in.Description = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ledger := accountingtest.New()
			in := billInput("10")
			mutate(&in)
			_, err := post(t, ledger, in)
			require.ErrorIs(t, err, shared.ErrValidation)
			require.Empty(t, ledger.Entries())
		})
	}
}

func TestPostEntryRejectsInactiveAccount(t *testing.T) {
	ledger := accountingtest.New()
	ledger.Seed(society, accounting.Account{Code: accounting.CodeMaintenanceIncome, Name: "Income", Type: accounting.AccountTypeIncome})
	acc, _ := ledger.Account(society, accounting.CodeMaintenanceIncome)
	require.NoError(t, ledger.SetAccountActive(context.Background(), acc.ID, false))

	_, err := post(t, ledger, billInput("10"))
	require.ErrorIs(t, err, accounting.ErrAccountInactive)
}

func TestPostEntrySourceLinkConflict(t *testing.T) {
	ledger := accountingtest.New()
	in := billInput("10")
	in.SourceModule = "BILLING.POST"
	in.SourceID = accounting.SourceRef("billing", society, 2025, 4)

	_, err := post(t, ledger, in)
	require.NoError(t, err)
	_, err = post(t, ledger, in)
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.Len(t, ledger.Entries(), 1)
}

func TestPostEntryRollsBackOnLateFailure(t *testing.T) {
	ledger := accountingtest.New()
	_, err := post(t, ledger, billInput("10"))
	require.NoError(t, err)

	ledger.FailOn["UpdateAccountBalance"] = errors.New("connection reset")
	_, err = post(t, ledger, billInput("40"))
	require.Error(t, err)

	require.Len(t, ledger.Entries(), 1)
	receivable, _ := ledger.Account(society, accounting.CodeMaintenanceReceivable)
	require.True(t, receivable.CurrentBalance.Equal(dec("10")))
	require.NoError(t, ledger.CheckInvariants(society))

	entry, err := post(t, ledger, billInput("5"))
	require.NoError(t, err)
	require.Equal(t, "JV-000002", entry.EntryNumber, "sequence allocation rolls back with the entry")
}

func TestPostEntryLegDateOverride(t *testing.T) {
	ledger := accountingtest.New()
	in := billInput("75")
	effective := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	for i := range in.Lines {
		in.Lines[i].Date = effective
	}
	entry, err := post(t, ledger, in)
	require.NoError(t, err)
	require.True(t, entry.Date.Equal(postedAt))
	for _, leg := range entry.Lines {
		require.True(t, leg.Date.Equal(effective))
	}
}
