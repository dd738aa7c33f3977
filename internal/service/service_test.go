package service

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"promosim/internal/cache"
	"promosim/internal/calc"
	"promosim/internal/domain"
	"promosim/internal/store"
	"promosim/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewStore(), cache.NoopPriceIndexCache{}, time.Minute)
}

func buyerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "buyer", Role: domain.RoleBuyer})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func baseCreateRequest() domain.SimulationCreateRequest {
	return domain.SimulationCreateRequest{
		ProductName:           "Cola 1.5L",
		HistoricalPeriodDays:  "30",
		HistoricalTotalProfit: "12450",
		PromoDurationDays:     "11",
		PromoPrice:            "4,79",
		PromoUnitCost:         "4,45",
		AdditionalUnitRevenue: "0,42",
	}
}

func TestCreateSimulationReferenceScenario(t *testing.T) {
	svc := newTestService()

	resp, err := svc.CreateSimulation(buyerCtx(), baseCreateRequest())
	if err != nil {
		t.Fatalf("create simulation: %v", err)
	}

	result := resp.Simulation.Result
	if result.DailyHistoricalProfit != 415 {
		t.Fatalf("daily historical profit = %v, want 415", result.DailyHistoricalProfit)
	}
	if result.TargetUnitsPerDay != 547 || result.TargetUnitsTotal != 6007 {
		t.Fatalf("targets = %d/%d, want 547/6007", result.TargetUnitsPerDay, result.TargetUnitsTotal)
	}
	if resp.Status != domain.SimStatusDatesUnknown {
		t.Fatalf("status = %s, want %s without dates", resp.Status, domain.SimStatusDatesUnknown)
	}
	if resp.Simulation.CreatedBy != "buyer" {
		t.Fatalf("created by = %q", resp.Simulation.CreatedBy)
	}
}

func TestCreateSimulationLocalizedNumbers(t *testing.T) {
	svc := newTestService()

	req := baseCreateRequest()
	req.HistoricalTotalProfit = "12.450,00"
	req.PromoPrice = "4,79"

	resp, err := svc.CreateSimulation(buyerCtx(), req)
	if err != nil {
		t.Fatalf("create simulation: %v", err)
	}
	if resp.Simulation.Input.HistoricalTotalProfit != 12450 {
		t.Fatalf("parsed profit = %v, want 12450", resp.Simulation.Input.HistoricalTotalProfit)
	}
}

func TestCreateSimulationRejectsZeroUnitProfit(t *testing.T) {
	svc := newTestService()

	req := baseCreateRequest()
	req.PromoPrice = "4,45"
	req.AdditionalUnitRevenue = ""

	_, err := svc.CreateSimulation(buyerCtx(), req)
	if !errors.Is(err, calc.ErrInfeasibleEconomics) {
		t.Fatalf("expected infeasible economics, got %v", err)
	}
}

func TestCreateSimulationMalformedNumberNamesField(t *testing.T) {
	svc := newTestService()

	req := baseCreateRequest()
	req.PromoPrice = "1,2,3"

	_, err := svc.CreateSimulation(buyerCtx(), req)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	var fieldErr *calc.FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "promo_price" {
		t.Fatalf("expected promo_price field error, got %v", err)
	}
}

func TestCreateSimulationDerivesDurationFromDates(t *testing.T) {
	svc := newTestService()

	req := baseCreateRequest()
	req.PromoDurationDays = ""
	req.PromoStartDate = "2026-03-10"
	req.PromoEndDate = "2026-03-20"

	resp, err := svc.CreateSimulation(buyerCtx(), req)
	if err != nil {
		t.Fatalf("create simulation: %v", err)
	}
	if resp.Simulation.Input.PromoDurationDays != 11 {
		t.Fatalf("derived duration = %d, want 11", resp.Simulation.Input.PromoDurationDays)
	}

	conflicting := baseCreateRequest()
	conflicting.PromoDurationDays = "7"
	conflicting.PromoStartDate = "2026-03-10"
	conflicting.PromoEndDate = "2026-03-20"
	if _, err := svc.CreateSimulation(buyerCtx(), conflicting); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("conflicting duration should be rejected, got %v", err)
	}

	half := baseCreateRequest()
	half.PromoStartDate = "2026-03-10"
	if _, err := svc.CreateSimulation(buyerCtx(), half); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("lone start date should be rejected, got %v", err)
	}
}

func TestCreateSimulationIndexCorrection(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	for _, sample := range []struct {
		month string
		value string
	}{
		{"2025-04", "6432,123"},
		{"2025-10", "6501,987"},
	} {
		if _, err := svc.UpsertPriceIndexSample(ctx, domain.PriceIndexUpsertRequest{
			Month: sample.month, Value: domain.FlexNumber(sample.value),
		}); err != nil {
			t.Fatalf("seed index %s: %v", sample.month, err)
		}
	}

	req := baseCreateRequest()
	req.IndexBaseMonth = "2025-04"
	req.IndexRefMonth = "2025-10"

	resp, err := svc.CreateSimulation(ctx, req)
	if err != nil {
		t.Fatalf("create simulation: %v", err)
	}

	result := resp.Simulation.Result
	if result.Corrected == nil {
		t.Fatalf("expected corrected targets, status: %s", result.CorrectionStatus)
	}
	if math.Abs(result.Corrected.Factor-1.01086) > 0.0001 {
		t.Fatalf("factor = %v, want ~1.01086", result.Corrected.Factor)
	}
	// Uncorrected targets stay alongside the corrected set.
	if result.TargetUnitsPerDay != 547 || result.TargetUnitsTotal != 6007 {
		t.Fatalf("uncorrected targets lost: %d/%d", result.TargetUnitsPerDay, result.TargetUnitsTotal)
	}
	if result.Corrected.TargetUnitsPerDay < result.TargetUnitsPerDay {
		t.Fatalf("inflation above 1 must not lower the corrected target")
	}
}

func TestCreateSimulationCorrectionSkippedNotFatal(t *testing.T) {
	svc := newTestService()

	req := baseCreateRequest()
	req.IndexBaseMonth = "1990-01"
	req.IndexRefMonth = "1990-06"

	resp, err := svc.CreateSimulation(buyerCtx(), req)
	if err != nil {
		t.Fatalf("missing index months must not fail the simulation: %v", err)
	}
	if resp.Simulation.Result.Corrected != nil {
		t.Fatalf("no correction expected")
	}
	if !strings.Contains(resp.Simulation.Result.CorrectionStatus, "skipped") {
		t.Fatalf("correction status = %q, want a skip reason", resp.Simulation.Result.CorrectionStatus)
	}
}

func createWithWindow(t *testing.T, svc *Service, ctx context.Context, start time.Time, end time.Time) string {
	t.Helper()
	req := baseCreateRequest()
	req.PromoDurationDays = ""
	req.PromoStartDate = start.Format("2006-01-02")
	req.PromoEndDate = end.Format("2006-01-02")

	resp, err := svc.CreateSimulation(ctx, req)
	if err != nil {
		t.Fatalf("create simulation: %v", err)
	}
	return resp.Simulation.ID
}

func TestRecordSnapshotLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := buyerCtx()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -2)
	end := today.AddDate(0, 0, 8)
	id := createWithWindow(t, svc, ctx, start, end)

	resp, err := svc.RecordSnapshot(ctx, id, domain.SnapshotRequest{
		Date:                today.Format("2006-01-02"),
		CumulativeUnitsSold: "1.200,00",
		CurrentStock:        "4000",
	})
	if err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	if resp.Stats.ElapsedDays != 3 || resp.Stats.TotalDays != 11 {
		t.Fatalf("elapsed/total = %d/%d, want 3/11", resp.Stats.ElapsedDays, resp.Stats.TotalDays)
	}
	if len(resp.Snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(resp.Snapshots))
	}

	// Same-date snapshot replaces, not appends.
	resp, err = svc.RecordSnapshot(ctx, id, domain.SnapshotRequest{
		Date:                today.Format("2006-01-02"),
		CumulativeUnitsSold: "1350",
		CurrentStock:        "3850",
	})
	if err != nil {
		t.Fatalf("replace snapshot: %v", err)
	}
	if len(resp.Snapshots) != 1 || resp.Snapshots[0].CumulativeUnitsSold != 1350 {
		t.Fatalf("same-date snapshot must replace, got %+v", resp.Snapshots)
	}

	// Outside the window is a conflict.
	_, err = svc.RecordSnapshot(ctx, id, domain.SnapshotRequest{
		Date:                start.AddDate(0, 0, -1).Format("2006-01-02"),
		CumulativeUnitsSold: "10",
		CurrentStock:        "10",
	})
	if !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("out-of-window snapshot: expected conflict, got %v", err)
	}
}

func TestRecordSnapshotRequiresInProgress(t *testing.T) {
	svc := newTestService()
	ctx := buyerCtx()

	today := time.Now().UTC().Truncate(24 * time.Hour)

	scheduled := createWithWindow(t, svc, ctx, today.AddDate(0, 0, 5), today.AddDate(0, 0, 10))
	_, err := svc.RecordSnapshot(ctx, scheduled, domain.SnapshotRequest{
		Date: today.Format("2006-01-02"), CumulativeUnitsSold: "1", CurrentStock: "1",
	})
	if !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("scheduled simulation: expected conflict, got %v", err)
	}

	ended := createWithWindow(t, svc, ctx, today.AddDate(0, 0, -20), today.AddDate(0, 0, -10))
	_, err = svc.RecordSnapshot(ctx, ended, domain.SnapshotRequest{
		Date: today.Format("2006-01-02"), CumulativeUnitsSold: "1", CurrentStock: "1",
	})
	if !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("ended simulation: expected conflict, got %v", err)
	}
}

func TestRecordOutcomeReplacesPrevious(t *testing.T) {
	svc := newTestService()
	ctx := buyerCtx()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	id := createWithWindow(t, svc, ctx, today.AddDate(0, 0, -20), today.AddDate(0, 0, -10))

	first, err := svc.RecordOutcome(ctx, id, domain.OutcomeRequest{TotalUnitsSold: "6.200,5"})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if first.Outcome.Classification != domain.OutcomeAbove {
		t.Fatalf("classification = %s, want ABOVE", first.Outcome.Classification)
	}

	second, err := svc.RecordOutcome(ctx, id, domain.OutcomeRequest{TotalUnitsSold: "5000"})
	if err != nil {
		t.Fatalf("replace outcome: %v", err)
	}
	if second.Outcome.Classification != domain.OutcomeBelow {
		t.Fatalf("classification = %s, want BELOW", second.Outcome.Classification)
	}
	if second.Outcome.TotalUnitsSold != 5000 {
		t.Fatalf("outcome must be fully replaced, units = %v", second.Outcome.TotalUnitsSold)
	}

	got, err := svc.GetSimulation(ctx, id)
	if err != nil {
		t.Fatalf("get simulation: %v", err)
	}
	if got.Simulation.Outcome == nil || got.Simulation.Outcome.TotalUnitsSold != 5000 {
		t.Fatalf("persisted outcome = %+v", got.Simulation.Outcome)
	}
}

func TestRecordOutcomeRejectedWhileRunning(t *testing.T) {
	svc := newTestService()
	ctx := buyerCtx()

	today := time.Now().UTC().Truncate(24 * time.Hour)

	running := createWithWindow(t, svc, ctx, today.AddDate(0, 0, -2), today.AddDate(0, 0, 5))
	if _, err := svc.RecordOutcome(ctx, running, domain.OutcomeRequest{TotalUnitsSold: "100"}); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("running simulation: expected conflict, got %v", err)
	}

	scheduled := createWithWindow(t, svc, ctx, today.AddDate(0, 0, 5), today.AddDate(0, 0, 10))
	if _, err := svc.RecordOutcome(ctx, scheduled, domain.OutcomeRequest{TotalUnitsSold: "100"}); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("scheduled simulation: expected conflict, got %v", err)
	}
}

func TestRecordOutcomeAllowedWithoutDates(t *testing.T) {
	svc := newTestService()
	ctx := buyerCtx()

	resp, err := svc.CreateSimulation(ctx, baseCreateRequest())
	if err != nil {
		t.Fatalf("create simulation: %v", err)
	}

	outcome, err := svc.RecordOutcome(ctx, resp.Simulation.ID, domain.OutcomeRequest{TotalUnitsSold: "6007"})
	if err != nil {
		t.Fatalf("outcome without dates: %v", err)
	}
	if outcome.Outcome.Classification != domain.OutcomeAbove {
		t.Fatalf("classification = %s", outcome.Outcome.Classification)
	}
}

func TestDisplaySnapshotsNewestFirstCapped(t *testing.T) {
	svc := newTestService()
	ctx := buyerCtx()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -12)
	end := today.AddDate(0, 0, 2)
	id := createWithWindow(t, svc, ctx, start, end)

	for i := 0; i < 13; i++ {
		_, err := svc.RecordSnapshot(ctx, id, domain.SnapshotRequest{
			Date:                start.AddDate(0, 0, i).Format("2006-01-02"),
			CumulativeUnitsSold: domain.FlexNumber(strconv.Itoa((i + 1) * 100)),
			CurrentStock:        "1000",
		})
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
	}

	got, err := svc.GetSimulation(ctx, id)
	if err != nil {
		t.Fatalf("get simulation: %v", err)
	}
	if len(got.Simulation.Snapshots) != 10 {
		t.Fatalf("displayed snapshots = %d, want 10", len(got.Simulation.Snapshots))
	}
	if !got.Simulation.Snapshots[0].Date.After(got.Simulation.Snapshots[1].Date) {
		t.Fatalf("snapshots must be newest first")
	}
}

func TestDeleteSimulationRequiresAdmin(t *testing.T) {
	svc := newTestService()

	resp, err := svc.CreateSimulation(buyerCtx(), baseCreateRequest())
	if err != nil {
		t.Fatalf("create simulation: %v", err)
	}

	if err := svc.DeleteSimulation(buyerCtx(), resp.Simulation.ID); err == nil {
		t.Fatalf("buyer must not delete simulations")
	}
	if err := svc.DeleteSimulation(adminCtx(), resp.Simulation.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, err := svc.GetSimulation(adminCtx(), resp.Simulation.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestListSimulationsFilters(t *testing.T) {
	svc := newTestService()

	for i := 0; i < 3; i++ {
		req := baseCreateRequest()
		if i == 2 {
			req.ProductName = "Orange Juice 1L"
		}
		if _, err := svc.CreateSimulation(buyerCtx(), req); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	all, err := svc.ListSimulations(buyerCtx(), domain.SimulationFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if all.Total != 3 {
		t.Fatalf("total = %d, want 3", all.Total)
	}

	juice, err := svc.ListSimulations(buyerCtx(), domain.SimulationFilter{Query: "juice"})
	if err != nil {
		t.Fatalf("list with query: %v", err)
	}
	if juice.Total != 1 || juice.Simulations[0].ProductName != "Orange Juice 1L" {
		t.Fatalf("query filter gave %+v", juice.Simulations)
	}

	paged, err := svc.ListSimulations(buyerCtx(), domain.SimulationFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged.Simulations) != 2 || paged.Total != 3 {
		t.Fatalf("page = %d of %d, want 2 of 3", len(paged.Simulations), paged.Total)
	}
}

func TestSolvePriceAndSubsidy(t *testing.T) {
	svc := newTestService()

	price, err := svc.SolvePrice(context.Background(), domain.SolvePriceRequest{
		HistoricalPeriodDays:  "30",
		HistoricalTotalProfit: "12.450",
		UnitCost:              "4,45",
		Subsidy:               "0,42",
		TargetUnitsPerDay:     "547",
	})
	if err != nil {
		t.Fatalf("solve price: %v", err)
	}
	if price.DailyHistoricalProfit != 415 {
		t.Fatalf("daily profit = %v", price.DailyHistoricalProfit)
	}

	subsidy, err := svc.SolveSubsidy(context.Background(), domain.SolveSubsidyRequest{
		HistoricalPeriodDays:  "30",
		HistoricalTotalProfit: "12.450",
		Price:                 "4,79",
		UnitCost:              "4,45",
		TargetUnitsPerDay:     "500",
	})
	if err != nil {
		t.Fatalf("solve subsidy: %v", err)
	}
	if subsidy.RequiredSubsidy <= 0 {
		t.Fatalf("expected a positive required subsidy, got %v", subsidy.RequiredSubsidy)
	}
}

func TestImportPriceIndexCSV(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	csvBody := strings.Join([]string{
		"month,value",
		"2024-01,6100.5",
		"2024-02,not-a-number",
		"bad-month,6200",
		"2024-03,6150,2",
	}, "\n")

	resp, err := svc.ImportPriceIndexCSV(ctx, strings.NewReader(csvBody))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if resp.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2 (statuses %+v)", resp.Accepted, resp.Statuses)
	}
	if resp.Rejected != 2 {
		t.Fatalf("rejected = %d, want 2 (statuses %+v)", resp.Rejected, resp.Statuses)
	}

	if _, err := svc.ImportPriceIndexCSV(buyerCtx(), strings.NewReader(csvBody)); err == nil {
		t.Fatalf("buyer must not import index samples")
	}
}

func TestAuditTrailRecordsActions(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	resp, err := svc.CreateSimulation(ctx, baseCreateRequest())
	if err != nil {
		t.Fatalf("create simulation: %v", err)
	}
	if _, err := svc.RecordOutcome(ctx, resp.Simulation.ID, domain.OutcomeRequest{TotalUnitsSold: "6100"}); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) < 2 {
		t.Fatalf("expected at least 2 audit entries, got %d", len(logs))
	}
	if logs[0].Action != "outcome_record" {
		t.Fatalf("newest action = %s, want outcome_record", logs[0].Action)
	}

	if _, err := svc.ListAuditLogs(buyerCtx(), time.Time{}, time.Time{}, 10); err == nil {
		t.Fatalf("buyer must not read audit logs")
	}
}
