package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"promosim/internal/cache"
	"promosim/internal/calc"
	"promosim/internal/domain"
	"promosim/internal/numfmt"
	"promosim/internal/store"
	"promosim/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// displaySnapshotLimit caps the snapshots returned on read paths. All
// snapshots stay persisted; only the response is trimmed, newest first.
const displaySnapshotLimit = 10

type Service struct {
	repo     store.Repository
	cache    cache.PriceIndexCache
	cacheTTL time.Duration
	now      func() time.Time
}

func New(repo store.Repository, priceIndexCache cache.PriceIndexCache, cacheTTL time.Duration) *Service {
	if priceIndexCache == nil {
		priceIndexCache = cache.NoopPriceIndexCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	return &Service{
		repo:     repo,
		cache:    priceIndexCache,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

func (s *Service) CreateSimulation(ctx context.Context, req domain.SimulationCreateRequest) (domain.SimulationResponse, error) {
	productName := strings.TrimSpace(req.ProductName)
	if productName == "" {
		return domain.SimulationResponse{}, calc.NewFieldError("product_name", "must not be empty")
	}

	input := domain.SimulationInput{}

	days, err := parseField(req.HistoricalPeriodDays, "historical_period_days", numfmt.ParseDays)
	if err != nil {
		return domain.SimulationResponse{}, err
	}
	input.HistoricalPeriodDays = days

	input.HistoricalTotalProfit, err = parseField(req.HistoricalTotalProfit, "historical_total_profit", numfmt.ParseDecimal)
	if err != nil {
		return domain.SimulationResponse{}, err
	}
	input.PromoPrice, err = parseField(req.PromoPrice, "promo_price", numfmt.ParseDecimal)
	if err != nil {
		return domain.SimulationResponse{}, err
	}
	input.PromoUnitCost, err = parseField(req.PromoUnitCost, "promo_unit_cost", numfmt.ParseDecimal)
	if err != nil {
		return domain.SimulationResponse{}, err
	}
	if !req.AdditionalUnitRevenue.IsEmpty() {
		input.AdditionalUnitRevenue, err = parseField(req.AdditionalUnitRevenue, "additional_unit_revenue", numfmt.ParseDecimal)
		if err != nil {
			return domain.SimulationResponse{}, err
		}
	}

	if err := s.resolvePromoWindow(req, &input); err != nil {
		return domain.SimulationResponse{}, err
	}

	result, err := calc.Calculate(calc.Input{
		HistoricalPeriodDays:  input.HistoricalPeriodDays,
		HistoricalTotalProfit: input.HistoricalTotalProfit,
		PromoDurationDays:     input.PromoDurationDays,
		PromoPrice:            input.PromoPrice,
		PromoUnitCost:         input.PromoUnitCost,
		AdditionalUnitRevenue: input.AdditionalUnitRevenue,
	})
	if err != nil {
		return domain.SimulationResponse{}, err
	}

	s.applyIndexCorrection(ctx, req, &input, &result)

	actor, _ := ActorFromContext(ctx)
	created, err := s.repo.CreateSimulation(ctx, domain.Simulation{
		ID:          xid.New("sim"),
		ProductName: productName,
		CreatedBy:   actor.Username,
		Input:       input,
		Result:      result,
	})
	if err != nil {
		return domain.SimulationResponse{}, err
	}

	s.logAudit(ctx, "simulation_create", "simulation", created.ID,
		fmt.Sprintf("product=%s,target_total=%d", created.ProductName, created.Result.TargetUnitsTotal))

	return s.toResponse(*created), nil
}

// resolvePromoWindow fills in duration and dates. An explicit date range
// wins over a typed-in duration; the two must agree when both are present.
func (s *Service) resolvePromoWindow(req domain.SimulationCreateRequest, input *domain.SimulationInput) error {
	hasStart := strings.TrimSpace(req.PromoStartDate) != ""
	hasEnd := strings.TrimSpace(req.PromoEndDate) != ""

	if hasStart != hasEnd {
		if hasStart {
			return calc.NewFieldError("promo_end_date", "required when a start date is given")
		}
		return calc.NewFieldError("promo_start_date", "required when an end date is given")
	}

	explicitDuration := 0
	if !req.PromoDurationDays.IsEmpty() {
		days, err := parseField(req.PromoDurationDays, "promo_duration_days", numfmt.ParseDays)
		if err != nil {
			return err
		}
		explicitDuration = days
	}

	if !hasStart {
		if explicitDuration == 0 {
			return calc.NewFieldError("promo_duration_days", "required when no promotion dates are given")
		}
		input.PromoDurationDays = explicitDuration
		return nil
	}

	start, err := numfmt.ParseDate(strings.TrimSpace(req.PromoStartDate))
	if err != nil {
		return calc.NewFieldError("promo_start_date", err.Error())
	}
	end, err := numfmt.ParseDate(strings.TrimSpace(req.PromoEndDate))
	if err != nil {
		return calc.NewFieldError("promo_end_date", err.Error())
	}
	if end.Before(start) {
		return calc.NewFieldError("promo_end_date", "must not be before the start date")
	}

	derived := int(end.Sub(start)/(24*time.Hour)) + 1
	if explicitDuration != 0 && explicitDuration != derived {
		return calc.NewFieldError("promo_duration_days", fmt.Sprintf("does not match the promotion date range (%d days)", derived))
	}

	input.PromoStartDate = &start
	input.PromoEndDate = &end
	input.PromoDurationDays = derived
	return nil
}

// applyIndexCorrection attaches inflation-corrected targets when both index
// months resolve to samples. Failures here never fail the simulation; the
// reason lands in CorrectionStatus instead.
func (s *Service) applyIndexCorrection(ctx context.Context, req domain.SimulationCreateRequest, input *domain.SimulationInput, result *domain.SimulationResult) {
	hasBase := strings.TrimSpace(req.IndexBaseMonth) != ""
	hasRef := strings.TrimSpace(req.IndexRefMonth) != ""

	if !hasBase && !hasRef {
		result.CorrectionStatus = "index correction not requested"
		return
	}
	if !hasBase || !hasRef {
		result.CorrectionStatus = "index correction skipped: both base and reference months are required"
		return
	}

	baseMonth, err := numfmt.ParseMonth(strings.TrimSpace(req.IndexBaseMonth))
	if err != nil {
		result.CorrectionStatus = "index correction skipped: invalid base month format"
		return
	}
	refMonth, err := numfmt.ParseMonth(strings.TrimSpace(req.IndexRefMonth))
	if err != nil {
		result.CorrectionStatus = "index correction skipped: invalid reference month format"
		return
	}

	input.IndexBaseMonth = &baseMonth
	input.IndexRefMonth = &refMonth

	baseSample, err := s.lookupIndex(ctx, baseMonth)
	if err != nil {
		result.CorrectionStatus = fmt.Sprintf("index correction skipped: no index sample for base month %s", numfmt.FormatMonth(baseMonth))
		return
	}
	refSample, err := s.lookupIndex(ctx, refMonth)
	if err != nil {
		result.CorrectionStatus = fmt.Sprintf("index correction skipped: no index sample for reference month %s", numfmt.FormatMonth(refMonth))
		return
	}

	factor, err := calc.IndexFactor(baseSample.Value, refSample.Value)
	if err != nil {
		result.CorrectionStatus = "index correction skipped: index values do not yield a usable factor"
		return
	}

	corrected := calc.CorrectTargets(*result, input.PromoDurationDays, factor)
	result.Corrected = &corrected
	result.CorrectionStatus = fmt.Sprintf("corrected with factor %.5f (%s -> %s)",
		factor, numfmt.FormatMonth(baseMonth), numfmt.FormatMonth(refMonth))
}

func (s *Service) lookupIndex(ctx context.Context, month time.Time) (*domain.PriceIndexSample, error) {
	key := "priceindex:" + numfmt.FormatMonth(month)

	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: price index cache get failed: %v", err)
	}

	sample, err := s.repo.GetPriceIndexSample(ctx, month)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, sample, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: price index cache set failed: %v", err)
	}
	return sample, nil
}

func (s *Service) GetSimulation(ctx context.Context, id string) (domain.SimulationResponse, error) {
	sim, err := s.repo.GetSimulationByID(ctx, id)
	if err != nil {
		return domain.SimulationResponse{}, err
	}
	return s.toResponse(*sim), nil
}

func (s *Service) ListSimulations(ctx context.Context, filter domain.SimulationFilter) (domain.SimulationListResponse, error) {
	if filter.Limit < 1 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	sims, total, err := s.repo.ListSimulations(ctx, filter)
	if err != nil {
		return domain.SimulationListResponse{}, err
	}

	now := s.now()
	summaries := make([]domain.SimulationSummary, 0, len(sims))
	for _, sim := range sims {
		summaries = append(summaries, domain.SimulationSummary{
			ID:                sim.ID,
			ProductName:       sim.ProductName,
			CreatedBy:         sim.CreatedBy,
			Status:            sim.Status(now),
			TargetUnitsTotal:  sim.Result.TargetUnitsTotal,
			PromoDurationDays: sim.Input.PromoDurationDays,
			HasOutcome:        sim.Outcome != nil,
			CreatedAt:         sim.CreatedAt,
		})
	}

	return domain.SimulationListResponse{
		Simulations: summaries,
		Total:       total,
		Limit:       filter.Limit,
		Offset:      filter.Offset,
	}, nil
}

func (s *Service) RecordSnapshot(ctx context.Context, simulationID string, req domain.SnapshotRequest) (domain.SnapshotResponse, error) {
	sim, err := s.repo.GetSimulationByID(ctx, simulationID)
	if err != nil {
		return domain.SnapshotResponse{}, err
	}

	status := sim.Status(s.now())
	if status != domain.SimStatusInProgress {
		return domain.SnapshotResponse{}, fmt.Errorf("%w: snapshots are only accepted while the promotion is in progress (status %s)",
			store.ErrStateConflict, status)
	}

	date, err := numfmt.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		return domain.SnapshotResponse{}, calc.NewFieldError("date", err.Error())
	}
	sold, err := parseField(req.CumulativeUnitsSold, "cumulative_units_sold", numfmt.ParseCount)
	if err != nil {
		return domain.SnapshotResponse{}, err
	}
	stock, err := parseField(req.CurrentStock, "current_stock", numfmt.ParseCount)
	if err != nil {
		return domain.SnapshotResponse{}, err
	}

	actor, _ := ActorFromContext(ctx)
	snapshot := domain.TrackingSnapshot{
		Date:                date,
		CumulativeUnitsSold: sold,
		CurrentStock:        stock,
		RecordedAt:          s.now().UTC(),
		RecordedBy:          actor.Username,
	}

	stats, err := calc.Track(sim.Result, *sim.Input.PromoStartDate, *sim.Input.PromoEndDate, snapshot)
	if err != nil {
		return domain.SnapshotResponse{}, err
	}

	updated, err := s.repo.UpsertSnapshot(ctx, simulationID, snapshot)
	if err != nil {
		return domain.SnapshotResponse{}, err
	}

	s.logAudit(ctx, "snapshot_record", "simulation", simulationID,
		fmt.Sprintf("date=%s,sold=%d,stock=%d", date.Format("2006-01-02"), sold, stock))

	return domain.SnapshotResponse{
		SimulationID: simulationID,
		Stats:        stats,
		Snapshots:    displaySnapshots(updated.Snapshots),
	}, nil
}

func (s *Service) RecordOutcome(ctx context.Context, simulationID string, req domain.OutcomeRequest) (domain.OutcomeResponse, error) {
	sim, err := s.repo.GetSimulationByID(ctx, simulationID)
	if err != nil {
		return domain.OutcomeResponse{}, err
	}

	status := sim.Status(s.now())
	if status == domain.SimStatusScheduled || status == domain.SimStatusInProgress {
		return domain.OutcomeResponse{}, fmt.Errorf("%w: an outcome can only be recorded after the promotion has ended (status %s)",
			store.ErrStateConflict, status)
	}

	totalSold, err := parseField(req.TotalUnitsSold, "total_units_sold", numfmt.ParseDecimal)
	if err != nil {
		return domain.OutcomeResponse{}, err
	}

	outcome, err := calc.Reconcile(sim.Result, sim.Input.PromoDurationDays, totalSold, s.now())
	if err != nil {
		return domain.OutcomeResponse{}, err
	}
	actor, _ := ActorFromContext(ctx)
	outcome.RecordedBy = actor.Username

	updated, err := s.repo.SetOutcome(ctx, simulationID, outcome)
	if err != nil {
		return domain.OutcomeResponse{}, err
	}

	s.logAudit(ctx, "outcome_record", "simulation", simulationID,
		fmt.Sprintf("units=%.2f,classification=%s", totalSold, outcome.Classification))

	return domain.OutcomeResponse{
		SimulationID: simulationID,
		Outcome:      *updated.Outcome,
	}, nil
}

func (s *Service) DeleteSimulation(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	if err := s.repo.DeleteSimulation(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "simulation_delete", "simulation", id, "")
	return nil
}

func (s *Service) SolvePrice(_ context.Context, req domain.SolvePriceRequest) (domain.SolvePriceResponse, error) {
	in := calc.SolveInput{}

	days, err := parseField(req.HistoricalPeriodDays, "historical_period_days", numfmt.ParseDays)
	if err != nil {
		return domain.SolvePriceResponse{}, err
	}
	in.HistoricalPeriodDays = days

	in.HistoricalTotalProfit, err = parseField(req.HistoricalTotalProfit, "historical_total_profit", numfmt.ParseDecimal)
	if err != nil {
		return domain.SolvePriceResponse{}, err
	}
	in.UnitCost, err = parseField(req.UnitCost, "unit_cost", numfmt.ParseDecimal)
	if err != nil {
		return domain.SolvePriceResponse{}, err
	}
	if !req.Subsidy.IsEmpty() {
		in.Subsidy, err = parseField(req.Subsidy, "subsidy", numfmt.ParseDecimal)
		if err != nil {
			return domain.SolvePriceResponse{}, err
		}
	}
	in.TargetUnitsPerDay, err = parseField(req.TargetUnitsPerDay, "target_units_per_day", numfmt.ParseDecimal)
	if err != nil {
		return domain.SolvePriceResponse{}, err
	}

	return calc.SolvePrice(in)
}

func (s *Service) SolveSubsidy(_ context.Context, req domain.SolveSubsidyRequest) (domain.SolveSubsidyResponse, error) {
	in := calc.SolveInput{}

	days, err := parseField(req.HistoricalPeriodDays, "historical_period_days", numfmt.ParseDays)
	if err != nil {
		return domain.SolveSubsidyResponse{}, err
	}
	in.HistoricalPeriodDays = days

	in.HistoricalTotalProfit, err = parseField(req.HistoricalTotalProfit, "historical_total_profit", numfmt.ParseDecimal)
	if err != nil {
		return domain.SolveSubsidyResponse{}, err
	}
	in.Price, err = parseField(req.Price, "price", numfmt.ParseDecimal)
	if err != nil {
		return domain.SolveSubsidyResponse{}, err
	}
	in.UnitCost, err = parseField(req.UnitCost, "unit_cost", numfmt.ParseDecimal)
	if err != nil {
		return domain.SolveSubsidyResponse{}, err
	}
	in.TargetUnitsPerDay, err = parseField(req.TargetUnitsPerDay, "target_units_per_day", numfmt.ParseDecimal)
	if err != nil {
		return domain.SolveSubsidyResponse{}, err
	}

	return calc.SolveSubsidy(in)
}

func (s *Service) UpsertPriceIndexSample(ctx context.Context, req domain.PriceIndexUpsertRequest) (domain.PriceIndexSample, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.PriceIndexSample{}, fmt.Errorf("admin role required")
	}

	month, err := numfmt.ParseMonth(strings.TrimSpace(req.Month))
	if err != nil {
		return domain.PriceIndexSample{}, calc.NewFieldError("month", err.Error())
	}
	value, err := parseField(req.Value, "value", numfmt.ParseDecimal)
	if err != nil {
		return domain.PriceIndexSample{}, err
	}
	if value <= 0 {
		return domain.PriceIndexSample{}, calc.NewFieldError("value", "must be a positive number")
	}

	saved, err := s.repo.UpsertPriceIndexSample(ctx, domain.PriceIndexSample{Month: month, Value: value})
	if err != nil {
		return domain.PriceIndexSample{}, err
	}

	key := "priceindex:" + numfmt.FormatMonth(month)
	if err := s.cache.Set(ctx, key, saved, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: price index cache set failed: %v", err)
	}

	s.logAudit(ctx, "price_index_upsert", "price_index", numfmt.FormatMonth(month),
		fmt.Sprintf("value=%.3f", value))

	return *saved, nil
}

func (s *Service) ListPriceIndexSamples(ctx context.Context, limit int) (domain.PriceIndexListResponse, error) {
	if limit < 1 || limit > 240 {
		limit = 36
	}
	samples, err := s.repo.ListPriceIndexSamples(ctx, limit)
	if err != nil {
		return domain.PriceIndexListResponse{}, err
	}
	return domain.PriceIndexListResponse{Samples: samples}, nil
}

// ImportPriceIndexCSV reads "month,value" rows and upserts each valid
// sample. A header row is recognized and skipped. Bad rows are reported,
// not fatal; the import keeps going.
func (s *Service) ImportPriceIndexCSV(ctx context.Context, r io.Reader) (domain.PriceIndexImportResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.PriceIndexImportResponse{}, fmt.Errorf("admin role required")
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	resp := domain.PriceIndexImportResponse{Statuses: []domain.PriceIndexImportStatus{}}
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			resp.Rejected++
			resp.Statuses = append(resp.Statuses, domain.PriceIndexImportStatus{
				Line: line, Status: "rejected", Reason: "unreadable CSV row",
			})
			continue
		}
		if line == 1 && len(record) >= 1 && strings.EqualFold(strings.TrimSpace(record[0]), "month") {
			continue
		}
		if len(record) < 2 {
			resp.Rejected++
			resp.Statuses = append(resp.Statuses, domain.PriceIndexImportStatus{
				Line: line, Status: "rejected", Reason: "expected month,value",
			})
			continue
		}

		monthRaw := strings.TrimSpace(record[0])
		month, err := numfmt.ParseMonth(monthRaw)
		if err != nil {
			resp.Rejected++
			resp.Statuses = append(resp.Statuses, domain.PriceIndexImportStatus{
				Line: line, Month: monthRaw, Status: "rejected", Reason: "invalid month",
			})
			continue
		}
		value, err := numfmt.ParseDecimal(record[1])
		if err != nil || value <= 0 {
			resp.Rejected++
			resp.Statuses = append(resp.Statuses, domain.PriceIndexImportStatus{
				Line: line, Month: monthRaw, Status: "rejected", Reason: "invalid value",
			})
			continue
		}

		saved, err := s.repo.UpsertPriceIndexSample(ctx, domain.PriceIndexSample{Month: month, Value: value})
		if err != nil {
			resp.Rejected++
			resp.Statuses = append(resp.Statuses, domain.PriceIndexImportStatus{
				Line: line, Month: monthRaw, Status: "rejected", Reason: "storage error",
			})
			continue
		}
		key := "priceindex:" + numfmt.FormatMonth(month)
		if err := s.cache.Set(ctx, key, saved, s.cacheTTL); err != nil {
			log.Printf("[service] WARN: price index cache set failed: %v", err)
		}

		resp.Accepted++
		resp.Statuses = append(resp.Statuses, domain.PriceIndexImportStatus{
			Line: line, Month: numfmt.FormatMonth(month), Status: "accepted",
		})
	}

	s.logAudit(ctx, "price_index_import", "price_index", "",
		fmt.Sprintf("accepted=%d,rejected=%d", resp.Accepted, resp.Rejected))

	return resp, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) toResponse(sim domain.Simulation) domain.SimulationResponse {
	sim.Snapshots = displaySnapshots(sim.Snapshots)
	return domain.SimulationResponse{
		Simulation: sim,
		Status:     sim.Status(s.now()),
	}
}

// displaySnapshots returns the newest snapshots first, capped for display.
func displaySnapshots(snapshots []domain.TrackingSnapshot) []domain.TrackingSnapshot {
	if len(snapshots) == 0 {
		return nil
	}
	out := make([]domain.TrackingSnapshot, 0, len(snapshots))
	for i := len(snapshots) - 1; i >= 0; i-- {
		out = append(out, snapshots[i])
		if len(out) == displaySnapshotLimit {
			break
		}
	}
	return out
}

func parseField[T any](raw domain.FlexNumber, field string, parse func(string) (T, error)) (T, error) {
	value, err := parse(string(raw))
	if err != nil {
		var zero T
		return zero, calc.NewFieldError(field, err.Error())
	}
	return value, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[service] WARN: could not write audit log for %s %s: %v", action, entityID, err)
	}
}
