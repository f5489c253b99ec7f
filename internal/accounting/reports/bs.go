package reports

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
)

// BalanceSheetAccount summarises an account on its normal side.
type BalanceSheetAccount struct {
	Code    string          `json:"code"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// BalanceSheetSection contains the accounts and totals for a classification.
type BalanceSheetSection struct {
	Label    string                `json:"label"`
	Accounts []BalanceSheetAccount `json:"accounts"`
	Total    decimal.Decimal       `json:"total"`
}

// BalanceSheet is the structured response for the balance sheet report.
// Surplus is the income over expenditure not yet rolled into capital.
type BalanceSheet struct {
	Assets                     BalanceSheetSection `json:"assets"`
	Liabilities                BalanceSheetSection `json:"liabilities"`
	Capital                    BalanceSheetSection `json:"capital"`
	Surplus                    decimal.Decimal     `json:"surplus"`
	TotalLiabilitiesAndCapital decimal.Decimal     `json:"total_liabilities_and_capital"`
	Balanced                   bool                `json:"balanced"`
}

// BuildBalanceSheet aggregates balances into assets, liabilities and capital sections.
func BuildBalanceSheet(accounts []AccountBalance) BalanceSheet {
	assets := BalanceSheetSection{Label: "Assets"}
	liabilities := BalanceSheetSection{Label: "Liabilities"}
	capital := BalanceSheetSection{Label: "Capital & Funds"}
	surplus := decimal.Zero

	for _, acc := range accounts {
		closing := acc.Closing()
		row := BalanceSheetAccount{Code: acc.Code, Name: acc.Name, Balance: accounting.Natural(acc.Type, closing)}
		switch acc.Type {
		case accounting.AccountTypeAsset:
			assets.Accounts = append(assets.Accounts, row)
			assets.Total = assets.Total.Add(row.Balance)
		case accounting.AccountTypeLiability:
			liabilities.Accounts = append(liabilities.Accounts, row)
			liabilities.Total = liabilities.Total.Add(row.Balance)
		case accounting.AccountTypeCapital:
			capital.Accounts = append(capital.Accounts, row)
			capital.Total = capital.Total.Add(row.Balance)
		case accounting.AccountTypeIncome, accounting.AccountTypeExpense:
			surplus = surplus.Sub(closing)
		}
	}

	for _, section := range []*BalanceSheetSection{&assets, &liabilities, &capital} {
		rows := section.Accounts
		sort.Slice(rows, func(i, j int) bool { return rows[i].Code < rows[j].Code })
	}

	total := liabilities.Total.Add(capital.Total).Add(surplus)
	return BalanceSheet{
		Assets:                     assets,
		Liabilities:                liabilities,
		Capital:                    capital,
		Surplus:                    surplus,
		TotalLiabilitiesAndCapital: total,
		Balanced:                   assets.Total.Equal(total),
	}
}
