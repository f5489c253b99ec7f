package accounting

import "sort"

// Well-known codes of the default chart.
const (
	CodeCash                  = "1010"
	CodeBank                  = "1020"
	CodeMaintenanceReceivable = "1100"
	CodeAdvanceMaintenance    = "2100"
	CodeSinkingFund           = "3100"
	CodeRepairFund            = "3200"
	CodeCorpusFund            = "3300"
	CodeSurplus               = "3900"
	CodeMaintenanceIncome     = "4100"
	CodeInterestIncome        = "4200"
	CodeWaterCharges          = "5100"
)

// ChartAccount is a template row of the default chart.
type ChartAccount struct {
	Code           string
	Name           string
	Type           AccountType
	IsFixedExpense bool
}

var defaultChart = map[string]ChartAccount{
	CodeCash:                  {Code: CodeCash, Name: "Cash in Hand", Type: AccountTypeAsset},
	CodeBank:                  {Code: CodeBank, Name: "Bank Account", Type: AccountTypeAsset},
	CodeMaintenanceReceivable: {Code: CodeMaintenanceReceivable, Name: "Maintenance Receivable", Type: AccountTypeAsset},
	CodeAdvanceMaintenance:    {Code: CodeAdvanceMaintenance, Name: "Advance Maintenance", Type: AccountTypeLiability},
	CodeSinkingFund:           {Code: CodeSinkingFund, Name: "Sinking Fund", Type: AccountTypeCapital},
	CodeRepairFund:            {Code: CodeRepairFund, Name: "Repair Fund", Type: AccountTypeCapital},
	CodeCorpusFund:            {Code: CodeCorpusFund, Name: "Corpus Fund", Type: AccountTypeCapital},
	CodeSurplus:               {Code: CodeSurplus, Name: "Income & Expenditure Surplus", Type: AccountTypeCapital},
	CodeMaintenanceIncome:     {Code: CodeMaintenanceIncome, Name: "Maintenance Income", Type: AccountTypeIncome},
	CodeInterestIncome:        {Code: CodeInterestIncome, Name: "Interest on Arrears", Type: AccountTypeIncome},
	CodeWaterCharges:          {Code: CodeWaterCharges, Name: "Water Charges", Type: AccountTypeExpense},
	"5200":                    {Code: "5200", Name: "Security Services", Type: AccountTypeExpense, IsFixedExpense: true},
	"5300":                    {Code: "5300", Name: "Housekeeping", Type: AccountTypeExpense, IsFixedExpense: true},
	"5400":                    {Code: "5400", Name: "Common Area Electricity", Type: AccountTypeExpense, IsFixedExpense: true},
}

// DefaultChartAccount returns the template for code, if the default chart has one.
func DefaultChartAccount(code string) (ChartAccount, bool) {
	acc, ok := defaultChart[code]
	return acc, ok
}

// DefaultChart lists the default chart ordered by code.
func DefaultChart() []ChartAccount {
	out := make([]ChartAccount, 0, len(defaultChart))
	for _, acc := range defaultChart {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
