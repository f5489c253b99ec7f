package reports

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/accounting"
)

// IncomeExpenditureAccount represents an income or expense account summary.
type IncomeExpenditureAccount struct {
	Code   string          `json:"code"`
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// IncomeExpenditureSection groups accounts by nature.
type IncomeExpenditureSection struct {
	Label    string                     `json:"label"`
	Accounts []IncomeExpenditureAccount `json:"accounts"`
	Total    decimal.Decimal            `json:"total"`
}

// IncomeExpenditure contains the structured output for the report.
type IncomeExpenditure struct {
	Income      IncomeExpenditureSection `json:"income"`
	Expenditure IncomeExpenditureSection `json:"expenditure"`
	Surplus     decimal.Decimal          `json:"surplus"`
}

// BuildIncomeExpenditure aggregates period movements of nominal accounts.
func BuildIncomeExpenditure(accounts []AccountBalance) IncomeExpenditure {
	income := IncomeExpenditureSection{Label: "Income"}
	expenditure := IncomeExpenditureSection{Label: "Expenditure"}

	for _, acc := range accounts {
		amount := acc.Debit.Sub(acc.Credit)
		row := IncomeExpenditureAccount{Code: acc.Code, Name: acc.Name, Amount: amount}
		switch acc.Type {
		case accounting.AccountTypeIncome:
			row.Amount = amount.Neg()
			income.Accounts = append(income.Accounts, row)
			income.Total = income.Total.Add(row.Amount)
		case accounting.AccountTypeExpense:
			expenditure.Accounts = append(expenditure.Accounts, row)
			expenditure.Total = expenditure.Total.Add(row.Amount)
		}
	}

	sort.Slice(income.Accounts, func(i, j int) bool { return income.Accounts[i].Code < income.Accounts[j].Code })
	sort.Slice(expenditure.Accounts, func(i, j int) bool { return expenditure.Accounts[i].Code < expenditure.Accounts[j].Code })

	return IncomeExpenditure{
		Income:      income,
		Expenditure: expenditure,
		Surplus:     income.Total.Sub(expenditure.Total),
	}
}
