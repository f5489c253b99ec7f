package accounting

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// IntegrityIssue describes one ledger invariant violation found after the fact.
type IntegrityIssue struct {
	SocietyID int64
	Kind      string
	Reference string
	Expected  decimal.Decimal
	Actual    decimal.Decimal
}

const (
	IssueUnbalancedEntry = "unbalanced_entry"
	IssueBalanceDrift    = "balance_drift"
)

// SocietyIDs lists every tenant that owns accounts.
func (r *Repository) SocietyIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT society_id FROM accounts ORDER BY society_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// IntegrityIssues re-derives the balance and reconciliation invariants for one society.
func (r *Repository) IntegrityIssues(ctx context.Context, societyID int64) ([]IntegrityIssue, error) {
	var issues []IntegrityIssue
	rows, err := r.pool.Query(ctx, `SELECT je.entry_number, COALESCE(SUM(t.debit_amount),0), COALESCE(SUM(t.credit_amount),0)
FROM journal_entries je LEFT JOIN transactions t ON t.journal_entry_id = je.id
WHERE je.society_id=$1
GROUP BY je.id, je.entry_number, je.total_debit
HAVING COALESCE(SUM(t.debit_amount),0) <> COALESCE(SUM(t.credit_amount),0) OR je.total_debit <> COALESCE(SUM(t.debit_amount),0)`, societyID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		issue := IntegrityIssue{SocietyID: societyID, Kind: IssueUnbalancedEntry}
		if err := rows.Scan(&issue.Reference, &issue.Expected, &issue.Actual); err != nil {
			rows.Close()
			return nil, err
		}
		issues = append(issues, issue)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `SELECT a.code, a.opening_balance + COALESCE(SUM(t.debit_amount - t.credit_amount),0), a.current_balance
FROM accounts a LEFT JOIN transactions t ON t.society_id = a.society_id AND t.account_code = a.code
WHERE a.society_id=$1
GROUP BY a.id, a.code, a.opening_balance, a.current_balance
HAVING a.current_balance <> a.opening_balance + COALESCE(SUM(t.debit_amount - t.credit_amount),0)`, societyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		issue := IntegrityIssue{SocietyID: societyID, Kind: IssueBalanceDrift}
		if err := rows.Scan(&issue.Reference, &issue.Expected, &issue.Actual); err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}
