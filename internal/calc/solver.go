package calc

import (
	"promosim/internal/domain"
)

// SolveInput fixes a target daily unit rate and asks the engine to invert
// the forward calculation for one unknown. Price is used by SolveSubsidy,
// Subsidy by SolvePrice; the other fields are shared.
type SolveInput struct {
	HistoricalPeriodDays  int
	HistoricalTotalProfit float64
	UnitCost              float64
	Price                 float64
	Subsidy               float64
	TargetUnitsPerDay     float64
}

func (in SolveInput) validate() error {
	if in.HistoricalPeriodDays < 1 {
		return fieldErr("historical_period_days", "must be a positive number of days")
	}
	if !isFinite(in.HistoricalTotalProfit) {
		return fieldErr("historical_total_profit", "must be a finite number")
	}
	if !isFinite(in.UnitCost) || in.UnitCost < 0 {
		return fieldErr("unit_cost", "must be a non-negative number")
	}
	if !isFinite(in.TargetUnitsPerDay) || in.TargetUnitsPerDay <= 0 {
		return fieldErr("target_units_per_day", "must be a positive number")
	}
	return nil
}

// SolvePrice returns the selling price that makes the target daily rate
// exactly clear the historical baseline, given cost and subsidy.
func SolvePrice(in SolveInput) (domain.SolvePriceResponse, error) {
	if err := in.validate(); err != nil {
		return domain.SolvePriceResponse{}, err
	}
	if !isFinite(in.Subsidy) || in.Subsidy < 0 {
		return domain.SolvePriceResponse{}, fieldErr("subsidy", "must be a non-negative number")
	}

	daily := in.HistoricalTotalProfit / float64(in.HistoricalPeriodDays)
	requiredUnitProfit := daily / in.TargetUnitsPerDay

	return domain.SolvePriceResponse{
		DailyHistoricalProfit: daily,
		RequiredUnitProfit:    requiredUnitProfit,
		SuggestedPrice:        requiredUnitProfit + in.UnitCost - in.Subsidy,
	}, nil
}

// SolveSubsidy returns the smallest non-negative subsidy that makes the
// target daily rate clear the historical baseline at the given price. The
// clamp at zero matters: a negative subsidy would mean the price alone
// already clears the target.
func SolveSubsidy(in SolveInput) (domain.SolveSubsidyResponse, error) {
	if err := in.validate(); err != nil {
		return domain.SolveSubsidyResponse{}, err
	}
	if !isFinite(in.Price) || in.Price < 0 {
		return domain.SolveSubsidyResponse{}, fieldErr("price", "must be a non-negative number")
	}

	daily := in.HistoricalTotalProfit / float64(in.HistoricalPeriodDays)
	requiredUnitProfit := daily / in.TargetUnitsPerDay

	subsidy := requiredUnitProfit - (in.Price - in.UnitCost)
	if subsidy < 0 {
		subsidy = 0
	}

	return domain.SolveSubsidyResponse{
		DailyHistoricalProfit: daily,
		RequiredUnitProfit:    requiredUnitProfit,
		RequiredSubsidy:       subsidy,
	}, nil
}
