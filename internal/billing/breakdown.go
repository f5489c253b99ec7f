package billing

import (
	"github.com/shopspring/decimal"
)

// Component names used in a breakdown.
const (
	ComponentMaintenance = "maintenance"
	ComponentWater       = "water"
	ComponentFixed       = "fixed"
	ComponentSinkingFund = "sinking_fund"
	ComponentRepairFund  = "repair_fund"
	ComponentCorpusFund  = "corpus_fund"
	ComponentLateFee     = "late_fee"
)

// Component is one derived charge and the parameters it was derived from.
type Component struct {
	Name   string            `json:"name"`
	Amount decimal.Decimal   `json:"amount"`
	Basis  string            `json:"basis"`
	Params map[string]string `json:"params,omitempty"`
}

// SupplementaryLine is an approved one-off charge folded into the bill.
type SupplementaryLine struct {
	ChargeID    int64           `json:"charge_id,omitempty"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Breakdown is stored with every bill. Recompute on a decoded breakdown must
// reproduce the bill's total.
type Breakdown struct {
	Method          TariffMethod        `json:"method"`
	Components      []Component         `json:"components"`
	Supplementary   []SupplementaryLine `json:"supplementary,omitempty"`
	Subtotal        decimal.Decimal     `json:"subtotal"`
	RoundedSubtotal decimal.Decimal     `json:"rounded_subtotal"`
	Arrears         decimal.Decimal     `json:"arrears"`
	Total           decimal.Decimal     `json:"total"`
	Manual          bool                `json:"manual,omitempty"`
	Reason          string              `json:"reason,omitempty"`
}

// Recompute derives the subtotal and total from the component amounts:
// the current charges are ceiling rounded, arrears are added, and the sum is
// ceiling rounded again.
func (b Breakdown) Recompute() (subtotal, rounded, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, c := range b.Components {
		subtotal = subtotal.Add(c.Amount)
	}
	for _, s := range b.Supplementary {
		subtotal = subtotal.Add(s.Amount)
	}
	rounded = subtotal.Ceil()
	total = rounded.Add(b.Arrears).Ceil()
	return subtotal, rounded, total
}

// Finalize stores the recomputed totals on the breakdown.
func (b Breakdown) Finalize() Breakdown {
	b.Subtotal, b.RoundedSubtotal, b.Total = b.Recompute()
	return b
}

// Amount returns the summed amount of the named component.
func (b Breakdown) Amount(name string) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range b.Components {
		if c.Name == name {
			sum = sum.Add(c.Amount)
		}
	}
	return sum
}

// SupplementaryTotal sums the folded supplementary charges.
func (b Breakdown) SupplementaryTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, s := range b.Supplementary {
		sum = sum.Add(s.Amount)
	}
	return sum
}

// ChargeIDs lists the supplementary charges that must be linked to the bill.
func (b Breakdown) ChargeIDs() []int64 {
	var ids []int64
	for _, s := range b.Supplementary {
		if s.ChargeID > 0 {
			ids = append(ids, s.ChargeID)
		}
	}
	return ids
}

// billFromBreakdown copies the breakdown totals into the bill columns.
func billFromBreakdown(flat Flat, period Period, b Breakdown) MaintenanceBill {
	b = b.Finalize()
	return MaintenanceBill{
		SocietyID:     flat.SocietyID,
		FlatID:        flat.ID,
		FlatNumber:    flat.Number,
		Month:         period.Month,
		Year:          period.Year,
		Maintenance:   b.Amount(ComponentMaintenance),
		Water:         b.Amount(ComponentWater),
		Fixed:         b.Amount(ComponentFixed),
		SinkingFund:   b.Amount(ComponentSinkingFund),
		RepairFund:    b.Amount(ComponentRepairFund),
		CorpusFund:    b.Amount(ComponentCorpusFund),
		Supplementary: b.SupplementaryTotal(),
		Arrears:       b.Arrears,
		LateFee:       b.Amount(ComponentLateFee),
		TotalAmount:   b.Total,
		Breakdown:     b,
		Status:        BillUnpaid,
	}
}
