package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/platform/db"
	"github.com/societyledger/societyledger/internal/shared"
)

const accountColumns = `id, society_id, code, name, type, opening_balance, current_balance, is_fixed_expense, is_active, created_at, updated_at`

// Repository persists accounting entities.
type Repository struct {
	pool db.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// ListJournals returns entries with their legs, newest first.
func (r *Repository) ListJournals(ctx context.Context, filter JournalFilter) ([]JournalEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	to := filter.To
	if to.IsZero() {
		to = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	rows, err := r.pool.Query(ctx, `SELECT id, society_id, entry_number, entry_date, description, total_debit, total_credit, is_balanced,
source_module, COALESCE(source_id, '00000000-0000-0000-0000-000000000000'::uuid), posted_by, created_at
FROM journal_entries WHERE society_id=$1 AND entry_date BETWEEN $2 AND $3 ORDER BY id DESC LIMIT $4`, filter.SocietyID, filter.From, to, limit)
	if err != nil {
		return nil, err
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (JournalEntry, error) {
		var e JournalEntry
		err := row.Scan(&e.ID, &e.SocietyID, &e.EntryNumber, &e.Date, &e.Description, &e.TotalDebit, &e.TotalCredit, &e.IsBalanced,
			&e.SourceModule, &e.SourceID, &e.PostedBy, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	ids := make([]int64, len(entries))
	index := make(map[int64]int, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		index[e.ID] = i
	}
	legRows, err := r.pool.Query(ctx, `SELECT id, society_id, journal_entry_id, account_code, debit_amount, credit_amount, txn_date, description, document_number
FROM transactions WHERE journal_entry_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	legs, err := pgx.CollectRows(legRows, scanTransaction)
	if err != nil {
		return nil, err
	}
	for _, leg := range legs {
		i := index[leg.JournalEntryID]
		entries[i].Lines = append(entries[i].Lines, leg)
	}
	return entries, nil
}

// LedgerLines returns the legs posted to code between from and to.
func (r *Repository) LedgerLines(ctx context.Context, societyID int64, code string, from, to time.Time) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, society_id, journal_entry_id, account_code, debit_amount, credit_amount, txn_date, description, document_number
FROM transactions WHERE society_id=$1 AND account_code=$2 AND txn_date BETWEEN $3 AND $4 ORDER BY txn_date, id`, societyID, code, from, to)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// Accounts lists the society's chart outside a transaction.
func (r *Repository) Accounts(ctx context.Context, societyID int64) ([]Account, error) {
	return NewTxRepository(r.pool).ListAccounts(ctx, societyID)
}

// Movements sums legs per account outside a transaction.
func (r *Repository) Movements(ctx context.Context, societyID int64, from, to time.Time) (map[string]Movement, error) {
	return NewTxRepository(r.pool).SumMovements(ctx, societyID, from, to)
}

func scanTransaction(row pgx.CollectableRow) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.SocietyID, &t.JournalEntryID, &t.AccountCode, &t.DebitAmount, &t.CreditAmount, &t.Date, &t.Description, &t.DocumentNumber)
	return t, err
}

type txRepository struct {
	q db.Querier
}

// NewTxRepository binds the ledger operations to q, usually a pgx.Tx.
func NewTxRepository(q db.Querier) TxRepository {
	return &txRepository{q: q}
}

func (r *txRepository) LockAccounts(ctx context.Context, societyID int64, codes []string) (map[string]Account, error) {
	rows, err := r.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE society_id=$1 AND code = ANY($2) ORDER BY code FOR UPDATE`, societyID, codes)
	if err != nil {
		return nil, err
	}
	accounts, err := pgx.CollectRows(rows, scanAccount)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Account, len(accounts))
	for _, acc := range accounts {
		out[acc.Code] = acc
	}
	return out, nil
}

func (r *txRepository) ListAccounts(ctx context.Context, societyID int64) ([]Account, error) {
	rows, err := r.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE society_id=$1 ORDER BY code`, societyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAccount)
}

func (r *txRepository) InsertAccount(ctx context.Context, acc Account) (Account, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO accounts (society_id, code, name, type, opening_balance, current_balance, is_fixed_expense, is_active)
VALUES ($1,$2,$3,$4,$5,$5,$6,$7) RETURNING id, created_at, updated_at`,
		acc.SocietyID, acc.Code, acc.Name, string(acc.Type), acc.OpeningBalance, acc.IsFixedExpense, acc.IsActive).
		Scan(&acc.ID, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "accounts_society_code_key") {
			return Account{}, fmt.Errorf("%w: account %s already exists", shared.ErrValidation, acc.Code)
		}
		return Account{}, err
	}
	acc.CurrentBalance = acc.OpeningBalance
	return acc, nil
}

func (r *txRepository) UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	_, err := r.q.Exec(ctx, `UPDATE accounts SET current_balance=$2, updated_at=NOW() WHERE id=$1`, accountID, balance)
	return err
}

func (r *txRepository) SetAccountActive(ctx context.Context, accountID int64, active bool) error {
	_, err := r.q.Exec(ctx, `UPDATE accounts SET is_active=$2, updated_at=NOW() WHERE id=$1`, accountID, active)
	return err
}

func (r *txRepository) NextEntrySequence(ctx context.Context, societyID int64) (int64, error) {
	var seq int64
	err := r.q.QueryRow(ctx, `INSERT INTO journal_sequences (society_id, last_number) VALUES ($1, 1)
ON CONFLICT (society_id) DO UPDATE SET last_number = journal_sequences.last_number + 1
RETURNING last_number`, societyID).Scan(&seq)
	return seq, err
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	var sourceID *uuid.UUID
	if entry.SourceID != uuid.Nil {
		sourceID = &entry.SourceID
	}
	err := r.q.QueryRow(ctx, `INSERT INTO journal_entries (society_id, entry_number, entry_date, description, total_debit, total_credit, is_balanced, source_module, source_id, posted_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		entry.SocietyID, entry.EntryNumber, entry.Date, entry.Description, entry.TotalDebit, entry.TotalCredit, entry.IsBalanced,
		entry.SourceModule, sourceID, entry.PostedBy, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "journal_entries_number_key") {
			return JournalEntry{}, fmt.Errorf("%w: entry number %s already allocated", shared.ErrConcurrencyConflict, entry.EntryNumber)
		}
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) InsertTransactions(ctx context.Context, entryID int64, legs []Transaction) error {
	for _, leg := range legs {
		if _, err := r.q.Exec(ctx, `INSERT INTO transactions (society_id, journal_entry_id, account_code, debit_amount, credit_amount, txn_date, description, document_number)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, leg.SocietyID, entryID, leg.AccountCode, leg.DebitAmount, leg.CreditAmount, leg.Date, leg.Description, leg.DocumentNumber); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) LinkSource(ctx context.Context, societyID int64, module string, ref uuid.UUID, entryID int64) error {
	_, err := r.q.Exec(ctx, `INSERT INTO source_links (society_id, module, ref_id, journal_entry_id) VALUES ($1,$2,$3,$4)`, societyID, module, ref, entryID)
	if err != nil {
		if db.IsUniqueViolation(err, "source_links_module_ref_key") {
			return ErrSourceAlreadyLinked
		}
		return err
	}
	return nil
}

func (r *txRepository) JournalExists(ctx context.Context, societyID int64, description string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM journal_entries WHERE society_id=$1 AND description=$2)`, societyID, description).Scan(&exists)
	return exists, err
}

// LockPostingYear writes the year row instead of share-locking it. Under
// repeatable read a close that queued behind a share lock would keep its
// older snapshot and miss this posting; a real row version makes it fail
// with a serialization error instead.
func (r *txRepository) LockPostingYear(ctx context.Context, societyID int64, date time.Time) (PostingYear, bool, error) {
	var y PostingYear
	err := r.q.QueryRow(ctx, `UPDATE financial_years SET updated_at = updated_at
WHERE id = (SELECT id FROM financial_years WHERE society_id=$1 AND $2 BETWEEN start_date AND end_date ORDER BY start_date DESC LIMIT 1)
RETURNING year_name, status`, societyID, date).Scan(&y.Name, &y.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return PostingYear{}, false, nil
	}
	if err != nil {
		return PostingYear{}, false, err
	}
	return y, true, nil
}

func (r *txRepository) SumMovements(ctx context.Context, societyID int64, from, to time.Time) (map[string]Movement, error) {
	rows, err := r.q.Query(ctx, `SELECT account_code, COALESCE(SUM(debit_amount),0), COALESCE(SUM(credit_amount),0)
FROM transactions WHERE society_id=$1 AND txn_date BETWEEN $2 AND $3 GROUP BY account_code`, societyID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Movement)
	for rows.Next() {
		var code string
		var m Movement
		if err := rows.Scan(&code, &m.Debit, &m.Credit); err != nil {
			return nil, err
		}
		out[code] = m
	}
	return out, rows.Err()
}

func scanAccount(row pgx.CollectableRow) (Account, error) {
	var a Account
	var typ string
	err := row.Scan(&a.ID, &a.SocietyID, &a.Code, &a.Name, &typ, &a.OpeningBalance, &a.CurrentBalance, &a.IsFixedExpense, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	a.Type = AccountType(typ)
	return a, err
}
