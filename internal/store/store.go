package store

import (
	"context"
	"errors"
	"time"

	"promosim/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrStateConflict = errors.New("state conflict")
)

type Repository interface {
	CreateSimulation(ctx context.Context, sim domain.Simulation) (*domain.Simulation, error)
	GetSimulationByID(ctx context.Context, id string) (*domain.Simulation, error)
	ListSimulations(ctx context.Context, filter domain.SimulationFilter) ([]domain.Simulation, int, error)
	UpsertSnapshot(ctx context.Context, simulationID string, snapshot domain.TrackingSnapshot) (*domain.Simulation, error)
	SetOutcome(ctx context.Context, simulationID string, outcome domain.OutcomeRecord) (*domain.Simulation, error)
	DeleteSimulation(ctx context.Context, id string) error
	GetPriceIndexSample(ctx context.Context, month time.Time) (*domain.PriceIndexSample, error)
	UpsertPriceIndexSample(ctx context.Context, sample domain.PriceIndexSample) (*domain.PriceIndexSample, error)
	ListPriceIndexSamples(ctx context.Context, limit int) ([]domain.PriceIndexSample, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
