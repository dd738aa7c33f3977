package calc

import (
	"fmt"
	"time"

	"promosim/internal/domain"
	"promosim/internal/store"
)

// Track derives pace and projection figures from one mid-promotion
// snapshot. The snapshot date must fall inside the promotion window,
// inclusive on both ends; elapsed and total day counts are inclusive as
// well (a snapshot on the start day is day 1).
func Track(result domain.SimulationResult, start time.Time, end time.Time, snapshot domain.TrackingSnapshot) (domain.TrackingStats, error) {
	startDay := start.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)
	snapDay := snapshot.Date.UTC().Truncate(24 * time.Hour)

	if endDay.Before(startDay) {
		return domain.TrackingStats{}, fieldErr("promo_end_date", "must not be before the start date")
	}
	if snapDay.Before(startDay) || snapDay.After(endDay) {
		return domain.TrackingStats{}, fmt.Errorf("%w: snapshot date %s is outside the promotion window %s..%s",
			store.ErrStateConflict,
			snapDay.Format("2006-01-02"), startDay.Format("2006-01-02"), endDay.Format("2006-01-02"))
	}
	if snapshot.CumulativeUnitsSold < 0 {
		return domain.TrackingStats{}, fieldErr("cumulative_units_sold", "must not be negative")
	}
	if snapshot.CurrentStock < 0 {
		return domain.TrackingStats{}, fieldErr("current_stock", "must not be negative")
	}

	elapsed := daysBetween(startDay, snapDay) + 1
	total := daysBetween(startDay, endDay) + 1
	remaining := total - elapsed

	sold := float64(snapshot.CumulativeUnitsSold)
	targetTotal := float64(result.TargetUnitsTotal)

	expected := float64(elapsed) / float64(total) * targetTotal
	runRate := sold / float64(elapsed)

	requiredRunRate := 0.0
	if remaining > 0 {
		requiredRunRate = (targetTotal - sold) / float64(remaining)
	}

	projectedTotal := runRate * float64(total)

	stats := domain.TrackingStats{
		ElapsedDays:         elapsed,
		TotalDays:           total,
		ExpectedUnitsByNow:  expected,
		Delta:               sold - expected,
		RunRate:             runRate,
		RequiredRunRate:     requiredRunRate,
		ProjectedTotalUnits: projectedTotal,
		ProjectedProfit:     projectedTotal * result.UnitProfitIncludingExtra,
	}

	if runRate > 0 {
		coverage := float64(snapshot.CurrentStock) / runRate
		stats.StockCoverageDays = &coverage
		stats.StockOutRisk = coverage < float64(remaining)
	}

	return stats, nil
}

func daysBetween(from time.Time, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
