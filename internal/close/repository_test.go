package close

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/shared"
)

var yearCols = []string{"id", "society_id", "year_name", "start_date", "end_date", "status", "opening_balances_status", "is_active",
	"closing_date", "closing_notes", "total_income", "total_expense", "net_surplus", "audit_completion_date", "auditor_name",
	"auditor_firm", "audit_report_ref", "provisional_closed_by", "final_closed_by", "created_at", "updated_at"}

func TestTxRepositoryGetYearMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT (.+) FROM financial_years WHERE society_id=\\$1 AND id=\\$2 FOR UPDATE").
		WithArgs(int64(3), int64(41)).
		WillReturnRows(pgxmock.NewRows(yearCols))

	_, err = NewTxRepository(mock).GetYearForUpdate(context.Background(), 3, 41)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRepositoryYearContaining(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	date := time.Date(2024, 10, 2, 0, 0, 0, 0, time.UTC)
	zero := decimal.Zero
	rows := pgxmock.NewRows(yearCols).
		AddRow(int64(41), int64(3), "2024-25", start, end, "open", "provisional", true,
			nil, "", zero, zero, zero, nil, "", "", "", nil, nil, start, start)
	mock.ExpectQuery("SELECT (.+) FROM financial_years WHERE society_id=\\$1 AND \\$2 BETWEEN start_date AND end_date").
		WithArgs(int64(3), date).
		WillReturnRows(rows)
	mock.ExpectQuery("SELECT (.+) FROM financial_years WHERE society_id=\\$1 AND \\$2 BETWEEN start_date AND end_date").
		WithArgs(int64(3), end.AddDate(1, 0, 0)).
		WillReturnRows(pgxmock.NewRows(yearCols))

	repo := NewTxRepository(mock)
	year, ok, err := repo.YearContaining(context.Background(), 3, date)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, YearOpen, year.Status)
	require.Equal(t, OpeningProvisional, year.OpeningBalancesStatus)
	require.Nil(t, year.ClosingDate)
	require.Nil(t, year.ProvisionalClosedBy)
	require.True(t, year.Contains(date))

	_, ok, err = repo.YearContaining(context.Background(), 3, end.AddDate(1, 0, 0))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRepositoryUpsertOpeningRefusesFinalized(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO opening_balances (.+) ON CONFLICT (.+) WHERE opening_balances.status='provisional'").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = NewTxRepository(mock).UpsertOpeningBalance(context.Background(), OpeningBalance{
		SocietyID: 3, FinancialYearID: 42, AccountID: 7, AccountCode: "1020",
		Amount: decimal.NewFromInt(500), BalanceType: BalanceDebit, Status: OpeningProvisional,
	})
	require.ErrorIs(t, err, shared.ErrStateTransition)
	require.ErrorIs(t, err, ErrOpeningFinalized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRepositoryInsertYearDuplicateStart(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO financial_years").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "financial_years_start_key"})

	_, err = NewTxRepository(mock).InsertYear(context.Background(), FinancialYear{SocietyID: 3, YearName: "2025-26"})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorIs(t, err, ErrYearOverlap)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRepositoryAdjustmentEntriesRoundTrip(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	effective := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	adj := AuditAdjustment{
		SocietyID: 3, FinancialYearID: 41, EffectiveDate: effective, AdjustmentDate: effective.AddDate(0, 0, 20),
		Reason: "missed invoice", JournalEntryID: 90, EntryNumber: "JV-000090",
		Entries: []accounting.PostingLine{
			{AccountCode: "5200", Debit: decimal.NewFromInt(1200), Date: effective},
			{AccountCode: "1020", Credit: decimal.NewFromInt(1200), Date: effective},
		},
	}
	mock.ExpectQuery("INSERT INTO audit_adjustments").
		WithArgs(int64(3), int64(41), effective, adj.AdjustmentDate, "missed invoice", int64(90), "JV-000090",
			pgxmock.AnyArg(), int64(0), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(6)))

	repo := NewTxRepository(mock)
	saved, err := repo.InsertAdjustment(context.Background(), adj)
	require.NoError(t, err)
	require.Equal(t, int64(6), saved.ID)

	raw := []byte(`[{"account_code":"5200","debit":"1200","credit":"0"},{"account_code":"1020","debit":"0","credit":"1200"}]`)
	mock.ExpectQuery("SELECT (.+) FROM audit_adjustments WHERE financial_year_id=\\$1 ORDER BY id").
		WithArgs(int64(41)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "society_id", "financial_year_id", "effective_date", "adjustment_date", "reason",
			"journal_entry_id", "entry_number", "entries", "created_by", "created_at"}).
			AddRow(int64(6), int64(3), int64(41), effective, adj.AdjustmentDate, "missed invoice", int64(90), "JV-000090", raw, int64(4), effective))

	adjs, err := repo.ListAdjustments(context.Background(), 41)
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	require.Len(t, adjs[0].Entries, 2)
	require.True(t, decimal.NewFromInt(1200).Equal(adjs[0].Entries[0].Debit))
	require.Equal(t, "1020", adjs[0].Entries[1].AccountCode)
	require.NoError(t, mock.ExpectationsWereMet())
}
