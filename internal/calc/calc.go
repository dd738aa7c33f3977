// Package calc is the promotion metrics engine: pure arithmetic over
// validated inputs, no I/O and no hidden state. The service layer resolves
// price-index samples and persists results; everything here is a plain
// function from input to output.
package calc

import (
	"errors"
	"fmt"
	"math"

	"promosim/internal/domain"
	"promosim/internal/store"
)

// ErrInfeasibleEconomics marks a domain rejection distinct from input
// validation: the per-unit margin (price - cost + subsidy) is zero or
// negative, so no unit sales target exists. Callers should suggest
// adjusting price, cost or subsidy rather than fixing input format.
var ErrInfeasibleEconomics = errors.New("unit economics non-positive")

// FieldError is a recoverable validation failure tied to a single input
// field. It unwraps to store.ErrInvalidInput so transport layers can map
// it without knowing the field taxonomy.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *FieldError) Unwrap() error {
	return store.ErrInvalidInput
}

// NewFieldError reports a validation failure for one named field.
func NewFieldError(field string, message string) error {
	return &FieldError{Field: field, Message: message}
}

func fieldErr(field string, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Input are the validated scalars of one promotion scenario.
type Input struct {
	HistoricalPeriodDays  int
	HistoricalTotalProfit float64
	PromoDurationDays     int
	PromoPrice            float64
	PromoUnitCost         float64
	AdditionalUnitRevenue float64
}

func (in Input) validate() error {
	if in.HistoricalPeriodDays < 1 {
		return fieldErr("historical_period_days", "must be a positive number of days")
	}
	if in.PromoDurationDays < 1 {
		return fieldErr("promo_duration_days", "must be a positive number of days")
	}
	if !isFinite(in.HistoricalTotalProfit) {
		return fieldErr("historical_total_profit", "must be a finite number")
	}
	if !isFinite(in.PromoPrice) || in.PromoPrice < 0 {
		return fieldErr("promo_price", "must be a non-negative number")
	}
	if !isFinite(in.PromoUnitCost) || in.PromoUnitCost < 0 {
		return fieldErr("promo_unit_cost", "must be a non-negative number")
	}
	if !isFinite(in.AdditionalUnitRevenue) || in.AdditionalUnitRevenue < 0 {
		return fieldErr("additional_unit_revenue", "must be a non-negative number")
	}
	return nil
}

// Calculate computes the uncorrected simulation result.
//
// The total target is ceiled once from the unrounded daily rate; rounding
// the daily rate first and multiplying would overstate the total. A
// negative historical baseline is allowed and yields negative targets with
// NoSalesNeeded set, so callers can render "no sales needed" without
// re-deriving the sign.
func Calculate(in Input) (domain.SimulationResult, error) {
	if err := in.validate(); err != nil {
		return domain.SimulationResult{}, err
	}

	dailyProfit := in.HistoricalTotalProfit / float64(in.HistoricalPeriodDays)
	unitProfitExcl := in.PromoPrice - in.PromoUnitCost
	unitProfitIncl := unitProfitExcl + in.AdditionalUnitRevenue

	if unitProfitIncl <= 0 {
		return domain.SimulationResult{}, fmt.Errorf("%w: price %.4f, cost %.4f, additional revenue %.4f",
			ErrInfeasibleEconomics, in.PromoPrice, in.PromoUnitCost, in.AdditionalUnitRevenue)
	}

	result := domain.SimulationResult{
		DailyHistoricalProfit:    dailyProfit,
		UnitProfitExcludingExtra: unitProfitExcl,
		UnitProfitIncludingExtra: unitProfitIncl,
		NoSalesNeeded:            dailyProfit <= 0,
	}
	if in.PromoUnitCost > 0 {
		markup := unitProfitIncl / in.PromoUnitCost
		result.Markup = &markup
	}
	result.TargetUnitsPerDay, result.TargetUnitsTotal = targets(dailyProfit, unitProfitIncl, in.PromoDurationDays)

	return result, nil
}

// IndexFactor derives the inflation factor from two price-index samples.
func IndexFactor(baseIndex float64, refIndex float64) (float64, error) {
	if !isFinite(baseIndex) || baseIndex <= 0 {
		return 0, fmt.Errorf("base index value %v is not positive", baseIndex)
	}
	if !isFinite(refIndex) || refIndex <= 0 {
		return 0, fmt.Errorf("reference index value %v is not positive", refIndex)
	}
	factor := refIndex / baseIndex
	if !isFinite(factor) || factor <= 0 {
		return 0, fmt.Errorf("index factor %v is not positive", factor)
	}
	return factor, nil
}

// CorrectTargets recomputes the target pair with the index-corrected daily
// profit substituted for the uncorrected one. The uncorrected figures on
// the result are left untouched; both sets are retained.
func CorrectTargets(result domain.SimulationResult, promoDurationDays int, factor float64) domain.CorrectedResult {
	correctedDaily := result.DailyHistoricalProfit * factor
	perDay, total := targets(correctedDaily, result.UnitProfitIncludingExtra, promoDurationDays)
	return domain.CorrectedResult{
		Factor:                factor,
		DailyHistoricalProfit: correctedDaily,
		TargetUnitsPerDay:     perDay,
		TargetUnitsTotal:      total,
	}
}

func targets(dailyProfit float64, unitProfit float64, durationDays int) (int64, int64) {
	rate := dailyProfit / unitProfit
	perDay := int64(math.Ceil(rate))
	total := int64(math.Ceil(rate * float64(durationDays)))
	return perDay, total
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
