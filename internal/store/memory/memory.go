package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"promosim/internal/domain"
	"promosim/internal/store"
	"promosim/internal/xid"
)

// Store is an in-memory Repository used for tests and for running the
// server without PostgreSQL. Data does not survive a restart.
type Store struct {
	mu sync.RWMutex

	simulations map[string]domain.Simulation
	simOrder    []string
	priceIndex  map[string]domain.PriceIndexSample
	auditLogs   []domain.AuditLog
	users       map[string]domain.UserAccount
}

func NewStore() *Store {
	s := &Store{
		simulations: make(map[string]domain.Simulation),
		priceIndex:  make(map[string]domain.PriceIndexSample),
		users:       make(map[string]domain.UserAccount),
	}
	s.seedPriceIndex()
	s.seedUsers()
	return s
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func (s *Store) seedPriceIndex() {
	values := []float64{
		6389.421, 6402.118, 6418.960, 6432.123, 6447.502, 6460.221,
		6471.088, 6483.340, 6492.775, 6501.987, 6510.114, 6522.406,
	}
	for i, v := range values {
		month := time.Date(2025, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC)
		s.priceIndex[monthKey(month)] = domain.PriceIndexSample{Month: month, Value: v}
	}
}

func (s *Store) seedUsers() {
	seeds := []struct {
		username string
		role     string
		envVar   string
		fallback string
	}{
		{"admin", domain.RoleAdmin, "SEED_ADMIN_PASSWORD", "admin123"},
		{"buyer", domain.RoleBuyer, "SEED_BUYER_PASSWORD", "buyer123"},
	}
	for _, seed := range seeds {
		password := os.Getenv(seed.envVar)
		if password == "" {
			password = seed.fallback
			log.Printf("[memory] WARN: %s not set, seeding %q with the default development password", seed.envVar, seed.username)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("[memory] WARN: could not hash seed password for %q: %v", seed.username, err)
			continue
		}
		s.users[seed.username] = domain.UserAccount{
			Username:  seed.username,
			Password:  string(hash),
			Role:      seed.role,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
	}
}

func cloneSimulation(sim domain.Simulation) domain.Simulation {
	out := sim
	if sim.Snapshots != nil {
		out.Snapshots = append([]domain.TrackingSnapshot(nil), sim.Snapshots...)
	}
	if sim.Outcome != nil {
		outcome := *sim.Outcome
		out.Outcome = &outcome
	}
	if sim.Result.Corrected != nil {
		corrected := *sim.Result.Corrected
		out.Result.Corrected = &corrected
	}
	if sim.Result.Markup != nil {
		markup := *sim.Result.Markup
		out.Result.Markup = &markup
	}
	return out
}

func (s *Store) CreateSimulation(_ context.Context, sim domain.Simulation) (*domain.Simulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sim.ID == "" {
		sim.ID = xid.New("sim")
	}
	now := time.Now().UTC()
	sim.CreatedAt = now
	sim.UpdatedAt = now
	s.simulations[sim.ID] = cloneSimulation(sim)
	s.simOrder = append(s.simOrder, sim.ID)

	result := cloneSimulation(sim)
	return &result, nil
}

func (s *Store) GetSimulationByID(_ context.Context, id string) (*domain.Simulation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sim, ok := s.simulations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := cloneSimulation(sim)
	return &result, nil
}

func (s *Store) ListSimulations(_ context.Context, filter domain.SimulationFilter) ([]domain.Simulation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	matched := make([]domain.Simulation, 0, len(s.simOrder))
	// Newest first.
	for i := len(s.simOrder) - 1; i >= 0; i-- {
		sim, ok := s.simulations[s.simOrder[i]]
		if !ok {
			continue
		}
		if filter.Status != "" && sim.Status(now) != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && sim.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(sim.ProductName), strings.ToLower(filter.Query)) {
			continue
		}
		matched = append(matched, cloneSimulation(sim))
	}

	total := len(matched)
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return matched[offset:end], total, nil
}

func (s *Store) UpsertSnapshot(_ context.Context, simulationID string, snapshot domain.TrackingSnapshot) (*domain.Simulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, ok := s.simulations[simulationID]
	if !ok {
		return nil, store.ErrNotFound
	}

	replaced := false
	for i := range sim.Snapshots {
		if sim.Snapshots[i].Date.Equal(snapshot.Date) {
			sim.Snapshots[i] = snapshot
			replaced = true
			break
		}
	}
	if !replaced {
		sim.Snapshots = append(sim.Snapshots, snapshot)
		sort.Slice(sim.Snapshots, func(i, j int) bool {
			return sim.Snapshots[i].Date.Before(sim.Snapshots[j].Date)
		})
	}
	sim.UpdatedAt = time.Now().UTC()
	s.simulations[simulationID] = sim

	result := cloneSimulation(sim)
	return &result, nil
}

func (s *Store) SetOutcome(_ context.Context, simulationID string, outcome domain.OutcomeRecord) (*domain.Simulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sim, ok := s.simulations[simulationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sim.Outcome = &outcome
	sim.UpdatedAt = time.Now().UTC()
	s.simulations[simulationID] = sim

	result := cloneSimulation(sim)
	return &result, nil
}

func (s *Store) DeleteSimulation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.simulations[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.simulations, id)
	for i, candidate := range s.simOrder {
		if candidate == id {
			s.simOrder = append(s.simOrder[:i], s.simOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) GetPriceIndexSample(_ context.Context, month time.Time) (*domain.PriceIndexSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sample, ok := s.priceIndex[monthKey(month)]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := sample
	return &result, nil
}

func (s *Store) UpsertPriceIndexSample(_ context.Context, sample domain.PriceIndexSample) (*domain.PriceIndexSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample.Month = time.Date(sample.Month.Year(), sample.Month.Month(), 1, 0, 0, 0, 0, time.UTC)
	s.priceIndex[monthKey(sample.Month)] = sample

	result := sample
	return &result, nil
}

func (s *Store) ListPriceIndexSamples(_ context.Context, limit int) ([]domain.PriceIndexSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := make([]domain.PriceIndexSample, 0, len(s.priceIndex))
	for _, sample := range s.priceIndex {
		samples = append(samples, sample)
	}
	// Newest month first.
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Month.After(samples[j].Month)
	})
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}
	return samples, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	// Newest first.
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrStateConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}
