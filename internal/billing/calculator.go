package billing

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/societyledger/societyledger/internal/shared"
)

var (
	hundred      = decimal.NewFromInt(100)
	monthsInYear = decimal.NewFromInt(12)
)

// CalculationInput carries everything a cohort calculation needs. Calculate
// does no I/O, so identical inputs produce identical bills.
type CalculationInput struct {
	Settings            Settings
	Period              Period
	Flats               []Flat
	OccupantAdjustments map[int64]int
	WaterExpense        decimal.Decimal
	FixedExpenses       decimal.Decimal
	Supplementary       []SupplementaryCharge
	Arrears             map[int64]decimal.Decimal
}

// Calculate derives one draft bill per flat.
func Calculate(in CalculationInput) ([]MaintenanceBill, error) {
	settings := in.Settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := in.Period.Validate(); err != nil {
		return nil, err
	}
	if len(in.Flats) == 0 {
		return nil, fmt.Errorf("%w: %w", shared.ErrValidation, ErrNoFlats)
	}
	for _, flat := range in.Flats {
		if flat.AreaSqft.IsNegative() || flat.Occupants < 0 {
			return nil, fmt.Errorf("%w: flat %s has negative area or occupants", shared.ErrValidation, flat.Number)
		}
	}
	if in.WaterExpense.IsNegative() || in.FixedExpenses.IsNegative() {
		return nil, fmt.Errorf("%w: expense totals must not be negative", shared.ErrValidation)
	}

	c := newCalculator(settings, in)
	charges := make(map[int64][]SupplementaryLine)
	for _, ch := range in.Supplementary {
		if ch.Status != ChargeApproved || ch.LinkedBillID != nil {
			continue
		}
		charges[ch.FlatID] = append(charges[ch.FlatID], SupplementaryLine{
			ChargeID:    ch.ID,
			Description: ch.Description,
			Amount:      ch.Amount.Round(2),
		})
	}

	bills := make([]MaintenanceBill, 0, len(in.Flats))
	for _, flat := range in.Flats {
		var comps []Component
		switch settings.Method {
		case MethodSqft:
			comps = append(comps, c.areaMaintenance(flat))
		case MethodFixed:
			comps = append(comps,
				c.baseRate(flat),
				c.split(ComponentFixed, in.FixedExpenses, SplitEqual, flat),
				c.split(ComponentSinkingFund, settings.SinkingFundTotal, SplitEqual, flat),
			)
		case MethodWaterBased:
			if settings.FlatBaseRate.IsPositive() {
				comps = append(comps, c.baseRate(flat))
			}
			comps = append(comps,
				c.water(flat),
				c.split(ComponentFixed, in.FixedExpenses, SplitEqual, flat),
				c.split(ComponentSinkingFund, settings.SinkingFundTotal, SplitEqual, flat),
			)
		case MethodMixed:
			comps = append(comps,
				c.areaMaintenance(flat),
				c.water(flat),
				c.split(ComponentFixed, in.FixedExpenses, settings.FixedExpenseMode, flat),
				c.split(ComponentSinkingFund, settings.SinkingFundTotal, settings.SinkingFundMode, flat),
				c.split(ComponentRepairFund, settings.RepairFundTotal, settings.RepairFundMode, flat),
				c.split(ComponentCorpusFund, settings.CorpusFundTotal, settings.CorpusFundMode, flat),
			)
		}

		arrears := in.Arrears[flat.ID].Round(2)
		if arrears.IsNegative() {
			arrears = decimal.Zero
		}
		if fee, ok := c.lateFee(arrears); ok {
			comps = append(comps, fee)
		}

		bills = append(bills, billFromBreakdown(flat, in.Period, Breakdown{
			Method:        settings.Method,
			Components:    comps,
			Supplementary: charges[flat.ID],
			Arrears:       arrears,
		}))
	}
	return bills, nil
}

type calculator struct {
	settings  Settings
	flatCount decimal.Decimal
	totalArea decimal.Decimal

	occupants     map[int64]int
	perPersonRate decimal.Decimal
	persons       int
	waterPool     decimal.Decimal
}

func newCalculator(settings Settings, in CalculationInput) *calculator {
	c := &calculator{
		settings:  settings,
		flatCount: decimal.NewFromInt(int64(len(in.Flats))),
		totalArea: decimal.Zero,
		occupants: make(map[int64]int, len(in.Flats)),
	}
	vacant := 0
	for _, flat := range in.Flats {
		c.totalArea = c.totalArea.Add(flat.AreaSqft)
		if flat.Occupancy == Vacant {
			vacant++
			continue
		}
		n := flat.Occupants
		if adj, ok := in.OccupantAdjustments[flat.ID]; ok && adj >= 0 {
			n = adj
		}
		c.occupants[flat.ID] = n
		c.persons += n
	}

	// Vacancy fees are recovered first; occupants share what remains.
	fees := settings.VacancyFee.Mul(decimal.NewFromInt(int64(vacant)))
	c.waterPool = in.WaterExpense.Sub(fees)
	if c.waterPool.IsNegative() {
		c.waterPool = decimal.Zero
	}
	c.perPersonRate = decimal.Zero
	if c.persons > 0 {
		c.perPersonRate = c.waterPool.DivRound(decimal.NewFromInt(int64(c.persons)), 4)
	}
	return c
}

func (c *calculator) areaMaintenance(flat Flat) Component {
	return Component{
		Name:   ComponentMaintenance,
		Amount: flat.AreaSqft.Mul(c.settings.RatePerSqft).Round(2),
		Basis:  string(SplitSqft),
		Params: map[string]string{
			"area_sqft":     flat.AreaSqft.String(),
			"rate_per_sqft": c.settings.RatePerSqft.String(),
		},
	}
}

func (c *calculator) baseRate(Flat) Component {
	return Component{
		Name:   ComponentMaintenance,
		Amount: c.settings.FlatBaseRate.Round(2),
		Basis:  "base_rate",
		Params: map[string]string{"flat_base_rate": c.settings.FlatBaseRate.String()},
	}
}

func (c *calculator) water(flat Flat) Component {
	if flat.Occupancy == Vacant {
		return Component{
			Name:   ComponentWater,
			Amount: c.settings.VacancyFee.Round(2),
			Basis:  "vacancy_fee",
			Params: map[string]string{"vacancy_fee": c.settings.VacancyFee.String()},
		}
	}
	n := c.occupants[flat.ID]
	return Component{
		Name:   ComponentWater,
		Amount: c.perPersonRate.Mul(decimal.NewFromInt(int64(n))).Round(2),
		Basis:  "per_person",
		Params: map[string]string{
			"occupants":       strconv.Itoa(n),
			"per_person_rate": c.perPersonRate.String(),
			"pool_total":      c.waterPool.String(),
			"persons":         strconv.Itoa(c.persons),
		},
	}
}

func (c *calculator) split(name string, total decimal.Decimal, mode FundMode, flat Flat) Component {
	params := map[string]string{
		"pool_total": total.String(),
		"flat_count": c.flatCount.String(),
	}
	if mode == SplitSqft && c.totalArea.IsPositive() {
		params["area_sqft"] = flat.AreaSqft.String()
		params["total_area_sqft"] = c.totalArea.String()
		return Component{
			Name:   name,
			Amount: total.Mul(flat.AreaSqft).DivRound(c.totalArea, 2),
			Basis:  string(SplitSqft),
			Params: params,
		}
	}
	return Component{
		Name:   name,
		Amount: total.DivRound(c.flatCount, 2),
		Basis:  string(SplitEqual),
		Params: params,
	}
}

func (c *calculator) lateFee(arrears decimal.Decimal) (Component, bool) {
	rate := c.settings.AnnualInterestRate
	if !c.settings.InterestOnOverdue || !arrears.IsPositive() || !rate.IsPositive() {
		return Component{}, false
	}
	return Component{
		Name:   ComponentLateFee,
		Amount: arrears.Mul(rate).Div(hundred).Div(monthsInYear).Round(2),
		Basis:  "interest",
		Params: map[string]string{
			"arrears":             arrears.String(),
			"annual_rate_percent": rate.String(),
		},
	}, true
}
