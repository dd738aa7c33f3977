package calc

import (
	"math"
	"time"

	"promosim/internal/domain"
)

// classificationEpsilon absorbs floating-point noise at the currency-cent
// scale. Do not tighten to exact equality.
const classificationEpsilon = 0.01

// Reconcile compares the realized promotion profit against the historical
// baseline scaled to the promotion window. Re-running replaces any prior
// outcome entirely; the operation is idempotent per simulation.
func Reconcile(result domain.SimulationResult, promoDurationDays int, totalUnitsSold float64, now time.Time) (domain.OutcomeRecord, error) {
	if promoDurationDays < 1 {
		return domain.OutcomeRecord{}, fieldErr("promo_duration_days", "must be a positive number of days")
	}
	if !isFinite(totalUnitsSold) || totalUnitsSold <= 0 {
		return domain.OutcomeRecord{}, fieldErr("total_units_sold", "must be a positive number")
	}

	historicalPeriodProfit := result.DailyHistoricalProfit * float64(promoDurationDays)
	realized := result.UnitProfitIncludingExtra * totalUnitsSold
	difference := realized - historicalPeriodProfit

	classification := domain.OutcomeEqual
	switch {
	case difference > classificationEpsilon:
		classification = domain.OutcomeAbove
	case difference < -classificationEpsilon:
		classification = domain.OutcomeBelow
	}

	return domain.OutcomeRecord{
		TotalUnitsSold:         totalUnitsSold,
		HistoricalPeriodProfit: historicalPeriodProfit,
		RealizedPromoProfit:    realized,
		Difference:             difference,
		Classification:         classification,
		RecordedAt:             now.UTC(),
	}, nil
}

// Round2 trims a derived currency figure to cents for display. The engine
// itself keeps full precision; only presentation uses this.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
