package calc

import (
	"errors"
	"math"
	"testing"
	"time"

	"promosim/internal/domain"
	"promosim/internal/store"
)

func trackingResult() domain.SimulationResult {
	return domain.SimulationResult{
		DailyHistoricalProfit:    415,
		UnitProfitIncludingExtra: 0.76,
		TargetUnitsPerDay:        547,
		TargetUnitsTotal:         6007,
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestTrackRejectsOutOfWindowDates(t *testing.T) {
	start := day(2026, 3, 10)
	end := day(2026, 3, 20)

	for _, snapDate := range []time.Time{day(2026, 3, 9), day(2026, 3, 21)} {
		snap := domain.TrackingSnapshot{Date: snapDate, CumulativeUnitsSold: 100, CurrentStock: 500}
		_, err := Track(trackingResult(), start, end, snap)
		if !errors.Is(err, store.ErrStateConflict) {
			t.Fatalf("snapshot on %s: expected state conflict, got %v", snapDate.Format("2006-01-02"), err)
		}
	}
}

func TestTrackAcceptsWindowBoundaries(t *testing.T) {
	start := day(2026, 3, 10)
	end := day(2026, 3, 20)

	for _, snapDate := range []time.Time{start, end} {
		snap := domain.TrackingSnapshot{Date: snapDate, CumulativeUnitsSold: 100, CurrentStock: 500}
		if _, err := Track(trackingResult(), start, end, snap); err != nil {
			t.Fatalf("snapshot on %s: %v", snapDate.Format("2006-01-02"), err)
		}
	}
}

func TestTrackDayOneZeroSold(t *testing.T) {
	start := day(2026, 3, 10)
	end := day(2026, 3, 20)
	snap := domain.TrackingSnapshot{Date: start, CumulativeUnitsSold: 0, CurrentStock: 2000}

	stats, err := Track(trackingResult(), start, end, snap)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if stats.ElapsedDays != 1 || stats.TotalDays != 11 {
		t.Fatalf("elapsed/total = %d/%d, want 1/11", stats.ElapsedDays, stats.TotalDays)
	}
	wantExpected := 1.0 / 11.0 * 6007
	if math.Abs(stats.ExpectedUnitsByNow-wantExpected) > 1e-9 {
		t.Fatalf("expected units = %v, want %v", stats.ExpectedUnitsByNow, wantExpected)
	}
	if math.Abs(stats.Delta+wantExpected) > 1e-9 {
		t.Fatalf("delta = %v, want %v", stats.Delta, -wantExpected)
	}
	if stats.RunRate != 0 || stats.ProjectedTotalUnits != 0 {
		t.Fatalf("zero sales should give zero run rate and projection")
	}
	if stats.StockCoverageDays != nil {
		t.Fatalf("stock coverage is undefined at zero run rate")
	}
	if stats.StockOutRisk {
		t.Fatalf("no stock-out risk without a run rate")
	}
}

func TestTrackMidWindowPace(t *testing.T) {
	start := day(2026, 3, 10)
	end := day(2026, 3, 20)
	// Day 5, 2400 sold of the 6007 target.
	snap := domain.TrackingSnapshot{Date: day(2026, 3, 14), CumulativeUnitsSold: 2400, CurrentStock: 1200}

	stats, err := Track(trackingResult(), start, end, snap)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if stats.ElapsedDays != 5 {
		t.Fatalf("elapsed = %d, want 5", stats.ElapsedDays)
	}
	if stats.RunRate != 480 {
		t.Fatalf("run rate = %v, want 480", stats.RunRate)
	}
	wantRequired := (6007.0 - 2400) / 6
	if math.Abs(stats.RequiredRunRate-wantRequired) > 1e-9 {
		t.Fatalf("required run rate = %v, want %v", stats.RequiredRunRate, wantRequired)
	}
	if stats.ProjectedTotalUnits != 480*11 {
		t.Fatalf("projected total = %v, want %v", stats.ProjectedTotalUnits, 480*11)
	}
	wantProfit := 480.0 * 11 * 0.76
	if math.Abs(stats.ProjectedProfit-wantProfit) > 1e-9 {
		t.Fatalf("projected profit = %v, want %v", stats.ProjectedProfit, wantProfit)
	}
	if stats.StockCoverageDays == nil {
		t.Fatalf("stock coverage should be defined")
	}
	if *stats.StockCoverageDays != 2.5 {
		t.Fatalf("coverage = %v, want 2.5", *stats.StockCoverageDays)
	}
	if !stats.StockOutRisk {
		t.Fatalf("2.5 days of cover against 6 remaining should flag stock-out risk")
	}
}

func TestTrackLastDayHasNoRequiredRunRate(t *testing.T) {
	start := day(2026, 3, 10)
	end := day(2026, 3, 20)
	snap := domain.TrackingSnapshot{Date: end, CumulativeUnitsSold: 5000, CurrentStock: 10000}

	stats, err := Track(trackingResult(), start, end, snap)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if stats.RequiredRunRate != 0 {
		t.Fatalf("required run rate on the final day = %v, want 0", stats.RequiredRunRate)
	}
	if stats.StockOutRisk {
		t.Fatalf("ample stock must not flag risk")
	}
}

func TestTrackRejectsNegativeCounts(t *testing.T) {
	start := day(2026, 3, 10)
	end := day(2026, 3, 20)

	_, err := Track(trackingResult(), start, end, domain.TrackingSnapshot{Date: start, CumulativeUnitsSold: -1})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("negative sold: got %v", err)
	}
	_, err = Track(trackingResult(), start, end, domain.TrackingSnapshot{Date: start, CurrentStock: -1})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("negative stock: got %v", err)
	}
}
