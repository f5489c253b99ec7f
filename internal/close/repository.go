package close

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/platform/db"
	"github.com/societyledger/societyledger/internal/shared"
)

const yearColumns = `id, society_id, year_name, start_date, end_date, status, opening_balances_status, is_active, closing_date, closing_notes,
total_income, total_expense, net_surplus, audit_completion_date, auditor_name, auditor_firm, audit_report_ref,
provisional_closed_by, final_closed_by, created_at, updated_at`

const openingColumns = `id, society_id, financial_year_id, account_id, account_code, amount, balance_type, status, updated_at`

const adjustmentColumns = `id, society_id, financial_year_id, effective_date, adjustment_date, reason, journal_entry_id, entry_number, entries, created_by, created_at`

// Repository persists financial years in postgres.
type Repository struct {
	pool db.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction shared with the ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("close: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepository struct {
	accounting.TxRepository
	q db.Querier
}

// NewTxRepository binds year and ledger queries to q.
func NewTxRepository(q db.Querier) TxRepository {
	return &txRepository{TxRepository: accounting.NewTxRepository(q), q: q}
}

func (r *txRepository) ListYears(ctx context.Context, societyID int64) ([]FinancialYear, error) {
	rows, err := r.q.Query(ctx, `SELECT `+yearColumns+` FROM financial_years WHERE society_id=$1 ORDER BY start_date`, societyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanYear)
}

func (r *txRepository) GetYear(ctx context.Context, societyID, yearID int64) (FinancialYear, error) {
	return r.oneYear(ctx, `SELECT `+yearColumns+` FROM financial_years WHERE society_id=$1 AND id=$2`, societyID, yearID)
}

func (r *txRepository) GetYearForUpdate(ctx context.Context, societyID, yearID int64) (FinancialYear, error) {
	return r.oneYear(ctx, `SELECT `+yearColumns+` FROM financial_years WHERE society_id=$1 AND id=$2 FOR UPDATE`, societyID, yearID)
}

func (r *txRepository) oneYear(ctx context.Context, sql string, societyID, yearID int64) (FinancialYear, error) {
	rows, err := r.q.Query(ctx, sql, societyID, yearID)
	if err != nil {
		return FinancialYear{}, err
	}
	year, err := pgx.CollectExactlyOneRow(rows, scanYear)
	if errors.Is(err, pgx.ErrNoRows) {
		return FinancialYear{}, fmt.Errorf("%w: financial year %d", shared.ErrNotFound, yearID)
	}
	return year, err
}

func (r *txRepository) YearByStart(ctx context.Context, societyID int64, start time.Time) (FinancialYear, bool, error) {
	return r.optionalYear(ctx, `SELECT `+yearColumns+` FROM financial_years WHERE society_id=$1 AND start_date=$2`, societyID, start)
}

func (r *txRepository) YearContaining(ctx context.Context, societyID int64, date time.Time) (FinancialYear, bool, error) {
	return r.optionalYear(ctx, `SELECT `+yearColumns+` FROM financial_years WHERE society_id=$1 AND $2 BETWEEN start_date AND end_date
ORDER BY start_date DESC LIMIT 1`, societyID, date)
}

func (r *txRepository) optionalYear(ctx context.Context, sql string, args ...any) (FinancialYear, bool, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return FinancialYear{}, false, err
	}
	year, err := pgx.CollectExactlyOneRow(rows, scanYear)
	if errors.Is(err, pgx.ErrNoRows) {
		return FinancialYear{}, false, nil
	}
	if err != nil {
		return FinancialYear{}, false, err
	}
	return year, true, nil
}

func (r *txRepository) ActiveYears(ctx context.Context, societyID int64) ([]FinancialYear, error) {
	rows, err := r.q.Query(ctx, `SELECT `+yearColumns+` FROM financial_years WHERE society_id=$1 AND is_active ORDER BY start_date DESC`, societyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanYear)
}

func (r *txRepository) OverlappingYear(ctx context.Context, societyID int64, start, end time.Time) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM financial_years WHERE society_id=$1 AND start_date <= $3 AND end_date >= $2)`,
		societyID, start, end).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertYear(ctx context.Context, y FinancialYear) (FinancialYear, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO financial_years (society_id, year_name, start_date, end_date, status, opening_balances_status, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		y.SocietyID, y.YearName, y.StartDate, y.EndDate, string(y.Status), string(y.OpeningBalancesStatus), y.IsActive, y.CreatedAt, y.UpdatedAt).Scan(&y.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "financial_years_start_key") {
			return FinancialYear{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrYearOverlap)
		}
		if db.IsUniqueViolation(err, "financial_years_one_active_idx") {
			return FinancialYear{}, fmt.Errorf("%w: another year is already active", shared.ErrConcurrencyConflict)
		}
		return FinancialYear{}, err
	}
	return y, nil
}

func (r *txRepository) UpdateYear(ctx context.Context, y FinancialYear) error {
	_, err := r.q.Exec(ctx, `UPDATE financial_years SET status=$2, opening_balances_status=$3, closing_date=$4, closing_notes=$5,
total_income=$6, total_expense=$7, net_surplus=$8, audit_completion_date=$9, auditor_name=$10, auditor_firm=$11, audit_report_ref=$12,
provisional_closed_by=$13, final_closed_by=$14, updated_at=$15 WHERE id=$1`,
		y.ID, string(y.Status), string(y.OpeningBalancesStatus), y.ClosingDate, y.ClosingNotes,
		y.TotalIncome, y.TotalExpense, y.NetSurplus, y.AuditCompletionDate, y.AuditorName, y.AuditorFirm, y.AuditReportRef,
		y.ProvisionalClosedBy, y.FinalClosedBy, y.UpdatedAt)
	return err
}

func (r *txRepository) SetActive(ctx context.Context, societyID int64, yearIDs []int64, active bool) error {
	_, err := r.q.Exec(ctx, `UPDATE financial_years SET is_active=$3, updated_at=NOW() WHERE society_id=$1 AND id = ANY($2)`, societyID, yearIDs, active)
	if db.IsUniqueViolation(err, "financial_years_one_active_idx") {
		return fmt.Errorf("%w: another year is already active", shared.ErrConcurrencyConflict)
	}
	return err
}

func (r *txRepository) OpeningBalances(ctx context.Context, yearID int64) ([]OpeningBalance, error) {
	rows, err := r.q.Query(ctx, `SELECT `+openingColumns+` FROM opening_balances WHERE financial_year_id=$1 ORDER BY account_code`, yearID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanOpening)
}

// UpsertOpeningBalance refuses to touch finalized rows.
func (r *txRepository) UpsertOpeningBalance(ctx context.Context, o OpeningBalance) error {
	tag, err := r.q.Exec(ctx, `INSERT INTO opening_balances (society_id, financial_year_id, account_id, account_code, amount, balance_type, status, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (financial_year_id, account_id) DO UPDATE SET amount=EXCLUDED.amount, balance_type=EXCLUDED.balance_type, updated_at=EXCLUDED.updated_at
WHERE opening_balances.status='provisional'`,
		o.SocietyID, o.FinancialYearID, o.AccountID, o.AccountCode, o.Amount, string(o.BalanceType), string(o.Status), o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %w: %s", shared.ErrStateTransition, ErrOpeningFinalized, o.AccountCode)
	}
	return nil
}

func (r *txRepository) FinalizeOpeningBalances(ctx context.Context, yearID int64, at time.Time) error {
	_, err := r.q.Exec(ctx, `UPDATE opening_balances SET status='finalized', updated_at=$2 WHERE financial_year_id=$1 AND status='provisional'`, yearID, at)
	return err
}

func (r *txRepository) InsertAdjustment(ctx context.Context, adj AuditAdjustment) (AuditAdjustment, error) {
	entries, err := json.Marshal(adj.Entries)
	if err != nil {
		return AuditAdjustment{}, err
	}
	err = r.q.QueryRow(ctx, `INSERT INTO audit_adjustments (society_id, financial_year_id, effective_date, adjustment_date, reason, journal_entry_id, entry_number, entries, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		adj.SocietyID, adj.FinancialYearID, adj.EffectiveDate, adj.AdjustmentDate, adj.Reason, adj.JournalEntryID, adj.EntryNumber,
		entries, adj.CreatedBy, adj.CreatedAt).Scan(&adj.ID)
	if err != nil {
		return AuditAdjustment{}, err
	}
	return adj, nil
}

func (r *txRepository) ListAdjustments(ctx context.Context, yearID int64) ([]AuditAdjustment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+adjustmentColumns+` FROM audit_adjustments WHERE financial_year_id=$1 ORDER BY id`, yearID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAdjustment)
}

func scanYear(row pgx.CollectableRow) (FinancialYear, error) {
	var y FinancialYear
	var status, openingStatus string
	err := row.Scan(&y.ID, &y.SocietyID, &y.YearName, &y.StartDate, &y.EndDate, &status, &openingStatus, &y.IsActive,
		&y.ClosingDate, &y.ClosingNotes, &y.TotalIncome, &y.TotalExpense, &y.NetSurplus, &y.AuditCompletionDate,
		&y.AuditorName, &y.AuditorFirm, &y.AuditReportRef, &y.ProvisionalClosedBy, &y.FinalClosedBy, &y.CreatedAt, &y.UpdatedAt)
	y.Status = YearStatus(status)
	y.OpeningBalancesStatus = OpeningStatus(openingStatus)
	return y, err
}

func scanOpening(row pgx.CollectableRow) (OpeningBalance, error) {
	var o OpeningBalance
	var side, status string
	err := row.Scan(&o.ID, &o.SocietyID, &o.FinancialYearID, &o.AccountID, &o.AccountCode, &o.Amount, &side, &status, &o.UpdatedAt)
	o.BalanceType = BalanceType(side)
	o.Status = OpeningStatus(status)
	return o, err
}

func scanAdjustment(row pgx.CollectableRow) (AuditAdjustment, error) {
	var a AuditAdjustment
	var entries []byte
	if err := row.Scan(&a.ID, &a.SocietyID, &a.FinancialYearID, &a.EffectiveDate, &a.AdjustmentDate, &a.Reason,
		&a.JournalEntryID, &a.EntryNumber, &entries, &a.CreatedBy, &a.CreatedAt); err != nil {
		return AuditAdjustment{}, err
	}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &a.Entries); err != nil {
			return AuditAdjustment{}, fmt.Errorf("close: decode adjustment %d: %w", a.ID, err)
		}
	}
	return a, nil
}
