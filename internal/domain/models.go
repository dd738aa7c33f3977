package domain

import (
	"encoding/json"
	"time"
)

// FlexNumber carries a user-entered numeric field as-is: a JSON number or a
// localized decimal string (comma decimal separator, dot thousands
// separator). Parsing and validation happen in the service layer so a
// malformed value produces a field-specific error instead of a zero.
type FlexNumber string

func (n *FlexNumber) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = FlexNumber(s)
		return nil
	}
	if string(data) == "null" {
		*n = ""
		return nil
	}
	*n = FlexNumber(data)
	return nil
}

func (n FlexNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(n))
}

func (n FlexNumber) IsEmpty() bool {
	return string(n) == ""
}

// SimulationInput holds the validated parameters of one promotion scenario.
type SimulationInput struct {
	HistoricalPeriodDays  int        `json:"historical_period_days"`
	HistoricalTotalProfit float64    `json:"historical_total_profit"`
	PromoDurationDays     int        `json:"promo_duration_days"`
	PromoStartDate        *time.Time `json:"promo_start_date,omitempty"`
	PromoEndDate          *time.Time `json:"promo_end_date,omitempty"`
	PromoPrice            float64    `json:"promo_price"`
	PromoUnitCost         float64    `json:"promo_unit_cost"`
	AdditionalUnitRevenue float64    `json:"additional_unit_revenue"`
	IndexBaseMonth        *time.Time `json:"index_base_month,omitempty"`
	IndexRefMonth         *time.Time `json:"index_ref_month,omitempty"`
}

// CorrectedResult is the inflation-corrected target set, produced alongside
// (never instead of) the uncorrected figures.
type CorrectedResult struct {
	Factor                float64 `json:"factor"`
	DailyHistoricalProfit float64 `json:"daily_historical_profit"`
	TargetUnitsPerDay     int64   `json:"target_units_per_day"`
	TargetUnitsTotal      int64   `json:"target_units_total"`
}

type SimulationResult struct {
	DailyHistoricalProfit    float64          `json:"daily_historical_profit"`
	UnitProfitExcludingExtra float64          `json:"unit_profit_excluding_extra"`
	UnitProfitIncludingExtra float64          `json:"unit_profit_including_extra"`
	Markup                   *float64         `json:"markup,omitempty"`
	TargetUnitsPerDay        int64            `json:"target_units_per_day"`
	TargetUnitsTotal         int64            `json:"target_units_total"`
	NoSalesNeeded            bool             `json:"no_sales_needed"`
	Corrected                *CorrectedResult `json:"corrected,omitempty"`
	CorrectionStatus         string           `json:"correction_status,omitempty"`
}

type PriceIndexSample struct {
	Month time.Time `json:"month"`
	Value float64   `json:"value"`
}

// TrackingSnapshot is one dated observation during an active promotion.
// Snapshots are keyed by date within a simulation: a second snapshot for the
// same date replaces the first.
type TrackingSnapshot struct {
	Date                time.Time `json:"date"`
	CumulativeUnitsSold int64     `json:"cumulative_units_sold"`
	CurrentStock        int64     `json:"current_stock"`
	RecordedAt          time.Time `json:"recorded_at"`
	RecordedBy          string    `json:"recorded_by,omitempty"`
}

// TrackingStats are derived for presentation from a snapshot; they are not
// persisted beyond the snapshot itself.
type TrackingStats struct {
	ElapsedDays         int      `json:"elapsed_days"`
	TotalDays           int      `json:"total_days"`
	ExpectedUnitsByNow  float64  `json:"expected_units_by_now"`
	Delta               float64  `json:"delta"`
	RunRate             float64  `json:"run_rate"`
	RequiredRunRate     float64  `json:"required_run_rate"`
	ProjectedTotalUnits float64  `json:"projected_total_units"`
	ProjectedProfit     float64  `json:"projected_profit"`
	StockCoverageDays   *float64 `json:"stock_coverage_days,omitempty"`
	StockOutRisk        bool     `json:"stock_out_risk"`
}

type OutcomeRecord struct {
	TotalUnitsSold         float64   `json:"total_units_sold"`
	HistoricalPeriodProfit float64   `json:"historical_period_profit"`
	RealizedPromoProfit    float64   `json:"realized_promo_profit"`
	Difference             float64   `json:"difference"`
	Classification         string    `json:"classification"`
	RecordedAt             time.Time `json:"recorded_at"`
	RecordedBy             string    `json:"recorded_by,omitempty"`
}

// Simulation is the persisted record: input and result created together,
// snapshots appended while the promotion runs, outcome set once it ends.
type Simulation struct {
	ID          string             `json:"id"`
	ProductName string             `json:"product_name"`
	CreatedBy   string             `json:"created_by"`
	Input       SimulationInput    `json:"input"`
	Result      SimulationResult   `json:"result"`
	Snapshots   []TrackingSnapshot `json:"snapshots,omitempty"`
	Outcome     *OutcomeRecord     `json:"outcome,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Status derives the lifecycle phase from the promotion window. Snapshots
// are accepted only while in progress; an outcome only once ended (or when
// no dates were supplied at all).
func (s Simulation) Status(now time.Time) string {
	if s.Input.PromoStartDate == nil || s.Input.PromoEndDate == nil {
		return SimStatusDatesUnknown
	}
	day := now.UTC().Truncate(24 * time.Hour)
	if day.Before(*s.Input.PromoStartDate) {
		return SimStatusScheduled
	}
	if day.After(*s.Input.PromoEndDate) {
		return SimStatusEnded
	}
	return SimStatusInProgress
}

type SimulationCreateRequest struct {
	ProductName           string     `json:"product_name"`
	HistoricalPeriodDays  FlexNumber `json:"historical_period_days"`
	HistoricalTotalProfit FlexNumber `json:"historical_total_profit"`
	PromoDurationDays     FlexNumber `json:"promo_duration_days,omitempty"`
	PromoStartDate        string     `json:"promo_start_date,omitempty"`
	PromoEndDate          string     `json:"promo_end_date,omitempty"`
	PromoPrice            FlexNumber `json:"promo_price"`
	PromoUnitCost         FlexNumber `json:"promo_unit_cost"`
	AdditionalUnitRevenue FlexNumber `json:"additional_unit_revenue,omitempty"`
	IndexBaseMonth        string     `json:"index_base_month,omitempty"`
	IndexRefMonth         string     `json:"index_ref_month,omitempty"`
}

type SimulationResponse struct {
	Simulation Simulation `json:"simulation"`
	Status     string     `json:"status"`
}

type SimulationSummary struct {
	ID                string    `json:"id"`
	ProductName       string    `json:"product_name"`
	CreatedBy         string    `json:"created_by"`
	Status            string    `json:"status"`
	TargetUnitsTotal  int64     `json:"target_units_total"`
	PromoDurationDays int       `json:"promo_duration_days"`
	HasOutcome        bool      `json:"has_outcome"`
	CreatedAt         time.Time `json:"created_at"`
}

type SimulationListResponse struct {
	Simulations []SimulationSummary `json:"simulations"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// SimulationFilter selects a page of simulations. Status filters on the
// date-derived lifecycle phase; CreatedBy and Query narrow by author and
// product name substring.
type SimulationFilter struct {
	Status    string
	CreatedBy string
	Query     string
	Limit     int
	Offset    int
}

type SnapshotRequest struct {
	Date                string     `json:"date"`
	CumulativeUnitsSold FlexNumber `json:"cumulative_units_sold"`
	CurrentStock        FlexNumber `json:"current_stock"`
}

type SnapshotResponse struct {
	SimulationID string             `json:"simulation_id"`
	Stats        TrackingStats      `json:"stats"`
	Snapshots    []TrackingSnapshot `json:"snapshots"`
}

type OutcomeRequest struct {
	TotalUnitsSold FlexNumber `json:"total_units_sold"`
}

type OutcomeResponse struct {
	SimulationID string        `json:"simulation_id"`
	Outcome      OutcomeRecord `json:"outcome"`
}

type SolvePriceRequest struct {
	HistoricalPeriodDays  FlexNumber `json:"historical_period_days"`
	HistoricalTotalProfit FlexNumber `json:"historical_total_profit"`
	UnitCost              FlexNumber `json:"unit_cost"`
	Subsidy               FlexNumber `json:"subsidy,omitempty"`
	TargetUnitsPerDay     FlexNumber `json:"target_units_per_day"`
}

type SolvePriceResponse struct {
	DailyHistoricalProfit float64 `json:"daily_historical_profit"`
	RequiredUnitProfit    float64 `json:"required_unit_profit"`
	SuggestedPrice        float64 `json:"suggested_price"`
}

type SolveSubsidyRequest struct {
	HistoricalPeriodDays  FlexNumber `json:"historical_period_days"`
	HistoricalTotalProfit FlexNumber `json:"historical_total_profit"`
	Price                 FlexNumber `json:"price"`
	UnitCost              FlexNumber `json:"unit_cost"`
	TargetUnitsPerDay     FlexNumber `json:"target_units_per_day"`
}

type SolveSubsidyResponse struct {
	DailyHistoricalProfit float64 `json:"daily_historical_profit"`
	RequiredUnitProfit    float64 `json:"required_unit_profit"`
	RequiredSubsidy       float64 `json:"required_subsidy"`
}

type PriceIndexUpsertRequest struct {
	Month string     `json:"month"`
	Value FlexNumber `json:"value"`
}

type PriceIndexListResponse struct {
	Samples []PriceIndexSample `json:"samples"`
}

type PriceIndexImportStatus struct {
	Line   int    `json:"line"`
	Month  string `json:"month,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type PriceIndexImportResponse struct {
	Accepted int                      `json:"accepted"`
	Rejected int                      `json:"rejected"`
	Statuses []PriceIndexImportStatus `json:"statuses"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type BuyerCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type BuyerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	SimStatusScheduled    = "scheduled"
	SimStatusInProgress   = "in_progress"
	SimStatusEnded        = "ended"
	SimStatusDatesUnknown = "dates_unknown"
)

const (
	OutcomeAbove = "ABOVE"
	OutcomeBelow = "BELOW"
	OutcomeEqual = "EQUAL"
)

const (
	RoleAdmin = "admin"
	RoleBuyer = "buyer"
)
