package reports

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
)

// AccountBalance models a general ledger account with aggregated balances.
// Amounts are debit-positive.
type AccountBalance struct {
	Code    string
	Name    string
	Type    accounting.AccountType
	Opening decimal.Decimal
	Debit   decimal.Decimal
	Credit  decimal.Decimal
}

// Closing computes the closing balance for the account.
func (a AccountBalance) Closing() decimal.Decimal {
	return a.Opening.Add(a.Debit).Sub(a.Credit)
}

var typeOrder = map[accounting.AccountType]int{
	accounting.AccountTypeAsset:     0,
	accounting.AccountTypeLiability: 1,
	accounting.AccountTypeCapital:   2,
	accounting.AccountTypeIncome:    3,
	accounting.AccountTypeExpense:   4,
}

// TrialBalanceAccount represents a row inside a trial balance group.
type TrialBalanceAccount struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Opening       decimal.Decimal `json:"opening"`
	Debit         decimal.Decimal `json:"debit"`
	Credit        decimal.Decimal `json:"credit"`
	Closing       decimal.Decimal `json:"closing"`
	ClosingDebit  decimal.Decimal `json:"closing_debit"`
	ClosingCredit decimal.Decimal `json:"closing_credit"`
}

// TrialBalanceGroup aggregates accounts of one type.
type TrialBalanceGroup struct {
	Key      accounting.AccountType `json:"type"`
	Accounts []TrialBalanceAccount  `json:"accounts"`
	Opening  decimal.Decimal        `json:"opening"`
	Debit    decimal.Decimal        `json:"debit"`
	Credit   decimal.Decimal        `json:"credit"`
	Closing  decimal.Decimal        `json:"closing"`
}

// TrialBalance lists every account's closing balance in debit and credit columns.
type TrialBalance struct {
	Groups             []TrialBalanceGroup `json:"groups"`
	TotalOpening       decimal.Decimal     `json:"total_opening"`
	TotalDebit         decimal.Decimal     `json:"total_debit"`
	TotalCredit        decimal.Decimal     `json:"total_credit"`
	TotalClosing       decimal.Decimal     `json:"total_closing"`
	TotalClosingDebit  decimal.Decimal     `json:"total_closing_debit"`
	TotalClosingCredit decimal.Decimal     `json:"total_closing_credit"`
	Balanced           bool                `json:"balanced"`
}

// BuildTrialBalance converts account balances into grouped trial balance data.
func BuildTrialBalance(accounts []AccountBalance) TrialBalance {
	groups := make(map[accounting.AccountType]*TrialBalanceGroup)
	keys := make([]accounting.AccountType, 0)
	for _, acc := range accounts {
		grp, ok := groups[acc.Type]
		if !ok {
			grp = &TrialBalanceGroup{Key: acc.Type}
			groups[acc.Type] = grp
			keys = append(keys, acc.Type)
		}
		closing := acc.Closing()
		row := TrialBalanceAccount{
			Code:    acc.Code,
			Name:    acc.Name,
			Opening: acc.Opening,
			Debit:   acc.Debit,
			Credit:  acc.Credit,
			Closing: closing,
		}
		if closing.IsNegative() {
			row.ClosingCredit = closing.Neg()
		} else {
			row.ClosingDebit = closing
		}
		grp.Accounts = append(grp.Accounts, row)
		grp.Opening = grp.Opening.Add(row.Opening)
		grp.Debit = grp.Debit.Add(row.Debit)
		grp.Credit = grp.Credit.Add(row.Credit)
		grp.Closing = grp.Closing.Add(row.Closing)
	}

	sort.Slice(keys, func(i, j int) bool { return typeOrder[keys[i]] < typeOrder[keys[j]] })
	result := TrialBalance{}
	for _, key := range keys {
		grp := groups[key]
		sort.Slice(grp.Accounts, func(i, j int) bool {
			return grp.Accounts[i].Code < grp.Accounts[j].Code
		})
		for _, row := range grp.Accounts {
			result.TotalClosingDebit = result.TotalClosingDebit.Add(row.ClosingDebit)
			result.TotalClosingCredit = result.TotalClosingCredit.Add(row.ClosingCredit)
		}
		result.Groups = append(result.Groups, *grp)
		result.TotalOpening = result.TotalOpening.Add(grp.Opening)
		result.TotalDebit = result.TotalDebit.Add(grp.Debit)
		result.TotalCredit = result.TotalCredit.Add(grp.Credit)
		result.TotalClosing = result.TotalClosing.Add(grp.Closing)
	}
	result.Balanced = result.TotalClosingDebit.Equal(result.TotalClosingCredit) && result.TotalDebit.Equal(result.TotalCredit)
	return result
}
