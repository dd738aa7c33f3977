package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"promosim/internal/domain"
	"promosim/internal/store"
	"promosim/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSimulation(ctx context.Context, sim domain.Simulation) (*domain.Simulation, error) {
	if sim.ID == "" {
		sim.ID = xid.New("sim")
	}
	now := time.Now().UTC()
	sim.CreatedAt = now
	sim.UpdatedAt = now

	inputJSON, err := json.Marshal(sim.Input)
	if err != nil {
		return nil, err
	}
	resultJSON, err := json.Marshal(sim.Result)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO simulations (id, product_name, created_by, input, result, snapshots, outcome, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'[]'::jsonb,NULL,$6,$7)
	`, sim.ID, sim.ProductName, sim.CreatedBy, inputJSON, resultJSON, sim.CreatedAt, sim.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrStateConflict
		}
		return nil, err
	}

	created := sim
	return &created, nil
}

func (s *Store) GetSimulationByID(ctx context.Context, id string) (*domain.Simulation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_name, created_by, input, result, snapshots, outcome, created_at, updated_at
		FROM simulations
		WHERE id = $1
	`, id)
	sim, err := scanSimulation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sim, nil
}

func (s *Store) ListSimulations(ctx context.Context, filter domain.SimulationFilter) ([]domain.Simulation, int, error) {
	// The lifecycle phase is derived from the promotion window at read
	// time, so status filtering and pagination happen here rather than in
	// SQL. Author and product-name filters still narrow the scan.
	query := `
		SELECT id, product_name, created_by, input, result, snapshots, outcome, created_at, updated_at
		FROM simulations
		WHERE ($1 = '' OR created_by = $1)
		  AND ($2 = '' OR product_name ILIKE '%' || $2 || '%')
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, filter.CreatedBy, filter.Query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	now := time.Now()
	matched := make([]domain.Simulation, 0, 64)
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, 0, err
		}
		if filter.Status != "" && sim.Status(now) != filter.Status {
			continue
		}
		matched = append(matched, *sim)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
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

func (s *Store) UpsertSnapshot(ctx context.Context, simulationID string, snapshot domain.TrackingSnapshot) (*domain.Simulation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var snapshotsRaw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT snapshots FROM simulations WHERE id = $1 FOR UPDATE
	`, simulationID).Scan(&snapshotsRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var snapshots []domain.TrackingSnapshot
	if len(snapshotsRaw) > 0 {
		if err := json.Unmarshal(snapshotsRaw, &snapshots); err != nil {
			return nil, err
		}
	}

	replaced := false
	for i := range snapshots {
		if snapshots[i].Date.Equal(snapshot.Date) {
			snapshots[i] = snapshot
			replaced = true
			break
		}
	}
	if !replaced {
		snapshots = append(snapshots, snapshot)
		sort.Slice(snapshots, func(i, j int) bool {
			return snapshots[i].Date.Before(snapshots[j].Date)
		})
	}

	snapshotsJSON, err := json.Marshal(snapshots)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE simulations SET snapshots = $2, updated_at = now() WHERE id = $1
	`, simulationID, snapshotsJSON); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetSimulationByID(ctx, simulationID)
}

func (s *Store) SetOutcome(ctx context.Context, simulationID string, outcome domain.OutcomeRecord) (*domain.Simulation, error) {
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE simulations SET outcome = $2, updated_at = now() WHERE id = $1
	`, simulationID, outcomeJSON)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetSimulationByID(ctx, simulationID)
}

func (s *Store) DeleteSimulation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM simulations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetPriceIndexSample(ctx context.Context, month time.Time) (*domain.PriceIndexSample, error) {
	var sample domain.PriceIndexSample
	err := s.db.QueryRowContext(ctx, `
		SELECT month, value FROM price_index_samples WHERE month = $1
	`, firstOfMonth(month)).Scan(&sample.Month, &sample.Value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sample.Month = sample.Month.UTC()
	return &sample, nil
}

func (s *Store) UpsertPriceIndexSample(ctx context.Context, sample domain.PriceIndexSample) (*domain.PriceIndexSample, error) {
	sample.Month = firstOfMonth(sample.Month)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_index_samples (month, value, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (month) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, sample.Month, sample.Value)
	if err != nil {
		return nil, err
	}
	saved := sample
	return &saved, nil
}

func (s *Store) ListPriceIndexSamples(ctx context.Context, limit int) ([]domain.PriceIndexSample, error) {
	if limit < 1 {
		limit = 120
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT month, value FROM price_index_samples ORDER BY month DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]domain.PriceIndexSample, 0, limit)
	for rows.Next() {
		var sample domain.PriceIndexSample
		if err := rows.Scan(&sample.Month, &sample.Value); err != nil {
			return nil, err
		}
		sample.Month = sample.Month.UTC()
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, nullIfZeroTime(from), nullIfZeroTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrStateConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSimulation(row rowScanner) (*domain.Simulation, error) {
	var (
		sim          domain.Simulation
		inputRaw     []byte
		resultRaw    []byte
		snapshotsRaw []byte
		outcomeRaw   []byte
	)
	if err := row.Scan(&sim.ID, &sim.ProductName, &sim.CreatedBy, &inputRaw, &resultRaw, &snapshotsRaw, &outcomeRaw, &sim.CreatedAt, &sim.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputRaw, &sim.Input); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resultRaw, &sim.Result); err != nil {
		return nil, err
	}
	if len(snapshotsRaw) > 0 {
		if err := json.Unmarshal(snapshotsRaw, &sim.Snapshots); err != nil {
			return nil, err
		}
	}
	if len(outcomeRaw) > 0 {
		var outcome domain.OutcomeRecord
		if err := json.Unmarshal(outcomeRaw, &outcome); err != nil {
			return nil, err
		}
		sim.Outcome = &outcome
	}
	return &sim, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
