package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
	"github.com/societyledger/societyledger/internal/platform/db"
	"github.com/societyledger/societyledger/internal/shared"
)

const billColumns = `id, society_id, flat_id, flat_number, month, year, maintenance, water, fixed, sinking_fund, repair_fund, corpus_fund,
supplementary, arrears, late_fee, total_amount, breakdown, status, is_posted, journal_entry_id, posted_at, created_at`

const settingsColumns = `society_id, method, rate_per_sqft, flat_base_rate, sinking_fund_total, repair_fund_total, corpus_fund_total,
fixed_expense_mode, sinking_fund_mode, repair_fund_mode, corpus_fund_mode, vacancy_fee, interest_on_overdue, annual_interest_rate,
receivable_account, income_account, water_expense_account, updated_at`

const chargeColumns = `id, society_id, flat_id, amount, description, status, linked_bill_id, created_at`

// Repository persists billing state in postgres.
type Repository struct {
	pool db.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within a repeatable-read transaction shared with the ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("billing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type txRepository struct {
	accounting.TxRepository
	q db.Querier
}

// NewTxRepository binds billing and ledger queries to q.
func NewTxRepository(q db.Querier) TxRepository {
	return &txRepository{TxRepository: accounting.NewTxRepository(q), q: q}
}

func (r *txRepository) GetSettings(ctx context.Context, societyID int64) (Settings, error) {
	rows, err := r.q.Query(ctx, `SELECT `+settingsColumns+` FROM billing_settings WHERE society_id=$1`, societyID)
	if err != nil {
		return Settings{}, err
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanSettings)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, fmt.Errorf("%w: billing settings", shared.ErrNotFound)
	}
	return s, err
}

func (r *txRepository) UpsertSettings(ctx context.Context, s Settings) (Settings, error) {
	_, err := r.q.Exec(ctx, `INSERT INTO billing_settings (`+settingsColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (society_id) DO UPDATE SET method=EXCLUDED.method, rate_per_sqft=EXCLUDED.rate_per_sqft, flat_base_rate=EXCLUDED.flat_base_rate,
sinking_fund_total=EXCLUDED.sinking_fund_total, repair_fund_total=EXCLUDED.repair_fund_total, corpus_fund_total=EXCLUDED.corpus_fund_total,
fixed_expense_mode=EXCLUDED.fixed_expense_mode, sinking_fund_mode=EXCLUDED.sinking_fund_mode, repair_fund_mode=EXCLUDED.repair_fund_mode,
corpus_fund_mode=EXCLUDED.corpus_fund_mode, vacancy_fee=EXCLUDED.vacancy_fee, interest_on_overdue=EXCLUDED.interest_on_overdue,
annual_interest_rate=EXCLUDED.annual_interest_rate, receivable_account=EXCLUDED.receivable_account, income_account=EXCLUDED.income_account,
water_expense_account=EXCLUDED.water_expense_account, updated_at=EXCLUDED.updated_at`,
		s.SocietyID, string(s.Method), s.RatePerSqft, s.FlatBaseRate, s.SinkingFundTotal, s.RepairFundTotal, s.CorpusFundTotal,
		string(s.FixedExpenseMode), string(s.SinkingFundMode), string(s.RepairFundMode), string(s.CorpusFundMode), s.VacancyFee,
		s.InterestOnOverdue, s.AnnualInterestRate, s.ReceivableAccount, s.IncomeAccount, s.WaterExpenseAccount, s.UpdatedAt)
	return s, err
}

func (r *txRepository) ListFlats(ctx context.Context, societyID int64) ([]Flat, error) {
	rows, err := r.q.Query(ctx, `SELECT id, society_id, flat_number, area_sqft, occupancy, occupants FROM flats WHERE society_id=$1 ORDER BY flat_number`, societyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanFlat)
}

func (r *txRepository) GetFlat(ctx context.Context, societyID, flatID int64) (Flat, error) {
	rows, err := r.q.Query(ctx, `SELECT id, society_id, flat_number, area_sqft, occupancy, occupants FROM flats WHERE society_id=$1 AND id=$2`, societyID, flatID)
	if err != nil {
		return Flat{}, err
	}
	f, err := pgx.CollectExactlyOneRow(rows, scanFlat)
	if errors.Is(err, pgx.ErrNoRows) {
		return Flat{}, fmt.Errorf("%w: flat %d", shared.ErrNotFound, flatID)
	}
	return f, err
}

func (r *txRepository) LatestBilledPeriod(ctx context.Context, societyID int64) (Period, bool, error) {
	var p Period
	err := r.q.QueryRow(ctx, `SELECT year, month FROM maintenance_bills WHERE society_id=$1 ORDER BY year DESC, month DESC LIMIT 1`, societyID).
		Scan(&p.Year, &p.Month)
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, false, nil
	}
	if err != nil {
		return Period{}, false, err
	}
	return p, true, nil
}

func (r *txRepository) CohortExists(ctx context.Context, societyID int64, p Period) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM maintenance_bills WHERE society_id=$1 AND year=$2 AND month=$3)`, societyID, p.Year, p.Month).Scan(&exists)
	return exists, err
}

func (r *txRepository) ListCohort(ctx context.Context, societyID int64, p Period) ([]MaintenanceBill, error) {
	rows, err := r.q.Query(ctx, `SELECT `+billColumns+` FROM maintenance_bills WHERE society_id=$1 AND year=$2 AND month=$3 ORDER BY flat_number`, societyID, p.Year, p.Month)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanBill)
}

func (r *txRepository) LockCohort(ctx context.Context, societyID int64, p Period) ([]MaintenanceBill, error) {
	rows, err := r.q.Query(ctx, `SELECT `+billColumns+` FROM maintenance_bills WHERE society_id=$1 AND year=$2 AND month=$3 ORDER BY id FOR UPDATE`, societyID, p.Year, p.Month)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanBill)
}

func (r *txRepository) InsertBill(ctx context.Context, b MaintenanceBill) (MaintenanceBill, error) {
	breakdown, err := json.Marshal(b.Breakdown)
	if err != nil {
		return MaintenanceBill{}, fmt.Errorf("encode breakdown: %w", err)
	}
	err = r.q.QueryRow(ctx, `INSERT INTO maintenance_bills (society_id, flat_id, flat_number, month, year, maintenance, water, fixed, sinking_fund,
repair_fund, corpus_fund, supplementary, arrears, late_fee, total_amount, breakdown, status, is_posted, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19) RETURNING id`,
		b.SocietyID, b.FlatID, b.FlatNumber, b.Month, b.Year, b.Maintenance, b.Water, b.Fixed, b.SinkingFund,
		b.RepairFund, b.CorpusFund, b.Supplementary, b.Arrears, b.LateFee, b.TotalAmount, breakdown, string(b.Status), b.IsPosted, b.CreatedAt).
		Scan(&b.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "maintenance_bills_flat_period_key") {
			return MaintenanceBill{}, fmt.Errorf("%w: flat %s already billed for %s", shared.ErrConcurrencyConflict, b.FlatNumber, b.Period())
		}
		return MaintenanceBill{}, err
	}
	return b, nil
}

func (r *txRepository) MarkPosted(ctx context.Context, billIDs []int64, entryID int64, at time.Time) error {
	_, err := r.q.Exec(ctx, `UPDATE maintenance_bills SET is_posted=TRUE, journal_entry_id=NULLIF($2, 0), posted_at=$3 WHERE id = ANY($1)`, billIDs, entryID, at)
	return err
}

func (r *txRepository) GetBillForUpdate(ctx context.Context, societyID, billID int64) (MaintenanceBill, error) {
	rows, err := r.q.Query(ctx, `SELECT `+billColumns+` FROM maintenance_bills WHERE society_id=$1 AND id=$2 FOR UPDATE`, societyID, billID)
	if err != nil {
		return MaintenanceBill{}, err
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBill)
	if errors.Is(err, pgx.ErrNoRows) {
		return MaintenanceBill{}, fmt.Errorf("%w: bill %d", shared.ErrNotFound, billID)
	}
	return b, err
}

func (r *txRepository) DeleteBills(ctx context.Context, billIDs []int64) error {
	_, err := r.q.Exec(ctx, `DELETE FROM maintenance_bills WHERE id = ANY($1)`, billIDs)
	return err
}

func (r *txRepository) BillExists(ctx context.Context, societyID, flatID int64, p Period) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM maintenance_bills WHERE society_id=$1 AND flat_id=$2 AND year=$3 AND month=$4)`,
		societyID, flatID, p.Year, p.Month).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertReversal(ctx context.Context, rev Reversal) error {
	snapshot, err := json.Marshal(rev.Snapshot)
	if err != nil {
		return fmt.Errorf("encode bill snapshot: %w", err)
	}
	_, err = r.q.Exec(ctx, `INSERT INTO bill_reversals (society_id, bill_id, flat_id, month, year, amount, was_posted, reason, approved_by, journal_entry_id, snapshot, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rev.SocietyID, rev.BillID, rev.FlatID, rev.Period.Month, rev.Period.Year, rev.Amount, rev.WasPosted, rev.Reason, rev.ApprovedBy,
		rev.JournalEntryID, snapshot, rev.CreatedAt)
	return err
}

func (r *txRepository) HasReversal(ctx context.Context, societyID, flatID int64, p Period) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bill_reversals WHERE society_id=$1 AND flat_id=$2 AND year=$3 AND month=$4)`,
		societyID, flatID, p.Year, p.Month).Scan(&exists)
	return exists, err
}

func (r *txRepository) UnlinkedApprovedCharges(ctx context.Context, societyID int64) ([]SupplementaryCharge, error) {
	rows, err := r.q.Query(ctx, `SELECT `+chargeColumns+` FROM supplementary_charges
WHERE society_id=$1 AND status='approved' AND linked_bill_id IS NULL ORDER BY id`, societyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanCharge)
}

func (r *txRepository) LinkCharges(ctx context.Context, billID int64, chargeIDs []int64) error {
	_, err := r.q.Exec(ctx, `UPDATE supplementary_charges SET linked_bill_id=$1 WHERE id = ANY($2)`, billID, chargeIDs)
	return err
}

func (r *txRepository) UnlinkCharges(ctx context.Context, billIDs []int64) error {
	_, err := r.q.Exec(ctx, `UPDATE supplementary_charges SET linked_bill_id=NULL WHERE linked_bill_id = ANY($1)`, billIDs)
	return err
}

func (r *txRepository) InsertCharge(ctx context.Context, c SupplementaryCharge) (SupplementaryCharge, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO supplementary_charges (society_id, flat_id, amount, description, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, c.SocietyID, c.FlatID, c.Amount, c.Description, string(c.Status), c.CreatedAt).Scan(&c.ID)
	return c, err
}

func (r *txRepository) ApproveCharge(ctx context.Context, societyID, chargeID int64) (SupplementaryCharge, error) {
	rows, err := r.q.Query(ctx, `UPDATE supplementary_charges SET status='approved' WHERE society_id=$1 AND id=$2 RETURNING `+chargeColumns, societyID, chargeID)
	if err != nil {
		return SupplementaryCharge{}, err
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCharge)
	if errors.Is(err, pgx.ErrNoRows) {
		return SupplementaryCharge{}, fmt.Errorf("%w: supplementary charge %d", shared.ErrNotFound, chargeID)
	}
	return c, err
}

// FlatArrears returns, per flat, the posted-to-ledger charges of earlier bills
// less payments received before the cutoff.
func (r *txRepository) FlatArrears(ctx context.Context, societyID int64, before time.Time) (map[int64]decimal.Decimal, error) {
	rows, err := r.q.Query(ctx, `SELECT f.id,
COALESCE((SELECT SUM(b.total_amount - b.arrears) FROM maintenance_bills b
  WHERE b.society_id=f.society_id AND b.flat_id=f.id AND b.is_posted AND make_date(b.year, b.month, 1) < $2), 0)
- COALESCE((SELECT SUM(p.amount) FROM payments p
  WHERE p.society_id=f.society_id AND p.flat_id=f.id AND p.paid_on < $2), 0)
FROM flats f WHERE f.society_id=$1`, societyID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var id int64
		var due decimal.Decimal
		if err := rows.Scan(&id, &due); err != nil {
			return nil, err
		}
		if due.IsPositive() {
			out[id] = due
		}
	}
	return out, rows.Err()
}

func (r *txRepository) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO payments (society_id, flat_id, amount, paid_on, mode, reference, journal_entry_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`, p.SocietyID, p.FlatID, p.Amount, p.PaidOn, string(p.Mode), p.Reference, p.JournalEntryID, p.CreatedAt).Scan(&p.ID)
	return p, err
}

func (r *txRepository) FlatBills(ctx context.Context, societyID, flatID int64) ([]MaintenanceBill, error) {
	rows, err := r.q.Query(ctx, `SELECT `+billColumns+` FROM maintenance_bills WHERE society_id=$1 AND flat_id=$2 ORDER BY year, month FOR UPDATE`, societyID, flatID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanBill)
}

func (r *txRepository) FlatPaymentsTotal(ctx context.Context, societyID, flatID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE society_id=$1 AND flat_id=$2`, societyID, flatID).Scan(&total)
	return total, err
}

func (r *txRepository) MarkPaid(ctx context.Context, billIDs []int64) error {
	_, err := r.q.Exec(ctx, `UPDATE maintenance_bills SET status='paid' WHERE id = ANY($1)`, billIDs)
	return err
}

func scanSettings(row pgx.CollectableRow) (Settings, error) {
	var s Settings
	var method, fixedMode, sinkingMode, repairMode, corpusMode string
	err := row.Scan(&s.SocietyID, &method, &s.RatePerSqft, &s.FlatBaseRate, &s.SinkingFundTotal, &s.RepairFundTotal, &s.CorpusFundTotal,
		&fixedMode, &sinkingMode, &repairMode, &corpusMode, &s.VacancyFee, &s.InterestOnOverdue, &s.AnnualInterestRate,
		&s.ReceivableAccount, &s.IncomeAccount, &s.WaterExpenseAccount, &s.UpdatedAt)
	s.Method = TariffMethod(method)
	s.FixedExpenseMode = FundMode(fixedMode)
	s.SinkingFundMode = FundMode(sinkingMode)
	s.RepairFundMode = FundMode(repairMode)
	s.CorpusFundMode = FundMode(corpusMode)
	return s, err
}

func scanFlat(row pgx.CollectableRow) (Flat, error) {
	var f Flat
	var occupancy string
	err := row.Scan(&f.ID, &f.SocietyID, &f.Number, &f.AreaSqft, &occupancy, &f.Occupants)
	f.Occupancy = Occupancy(occupancy)
	return f, err
}

func scanBill(row pgx.CollectableRow) (MaintenanceBill, error) {
	var b MaintenanceBill
	var status string
	var breakdown []byte
	err := row.Scan(&b.ID, &b.SocietyID, &b.FlatID, &b.FlatNumber, &b.Month, &b.Year, &b.Maintenance, &b.Water, &b.Fixed,
		&b.SinkingFund, &b.RepairFund, &b.CorpusFund, &b.Supplementary, &b.Arrears, &b.LateFee, &b.TotalAmount, &breakdown,
		&status, &b.IsPosted, &b.JournalEntryID, &b.PostedAt, &b.CreatedAt)
	if err != nil {
		return MaintenanceBill{}, err
	}
	b.Status = BillStatus(status)
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &b.Breakdown); err != nil {
			return MaintenanceBill{}, fmt.Errorf("decode breakdown for bill %d: %w", b.ID, err)
		}
	}
	return b, nil
}

func scanCharge(row pgx.CollectableRow) (SupplementaryCharge, error) {
	var c SupplementaryCharge
	var status string
	err := row.Scan(&c.ID, &c.SocietyID, &c.FlatID, &c.Amount, &c.Description, &status, &c.LinkedBillID, &c.CreatedAt)
	c.Status = ChargeStatus(status)
	return c, err
}
