package calibrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps calibration state in Postgres keyed by profile, so
// several workers can share the learned parameters for the same voice setup.
type PostgresStore struct {
	pool    *pgxpool.Pool
	profile string
}

func NewPostgresStore(ctx context.Context, databaseURL, profile string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initCalibrationSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if profile == "" {
		profile = "default"
	}
	return &PostgresStore{pool: pool, profile: profile}, nil
}

func initCalibrationSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calibration_profiles (
			profile TEXT PRIMARY KEY,
			global_length_scale DOUBLE PRECISION NOT NULL,
			silence_compensation DOUBLE PRECISION NOT NULL,
			dynamic_boost_db DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS calibration_history (
			profile TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			length_scale DOUBLE PRECISION NOT NULL,
			precision_pct DOUBLE PRECISION NOT NULL,
			voiced_fraction DOUBLE PRECISION NOT NULL,
			mean_volume_db DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (profile, iteration, recorded_at)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init calibration schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load() (State, error) {
	ctx := context.Background()
	st := DefaultState()
	row := s.pool.QueryRow(ctx,
		`SELECT global_length_scale, silence_compensation, dynamic_boost_db
		 FROM calibration_profiles WHERE profile = $1`, s.profile)
	err := row.Scan(&st.GlobalLengthScale, &st.SilenceCompensation, &st.DynamicBoostDB)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultState(), nil
	}
	if err != nil {
		return DefaultState(), fmt.Errorf("load calibration profile %s: %w", s.profile, err)
	}
	st.sanitize()
	return st, nil
}

func (s *PostgresStore) Save(st State) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO calibration_profiles (profile, global_length_scale, silence_compensation, dynamic_boost_db, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (profile) DO UPDATE SET
			global_length_scale = EXCLUDED.global_length_scale,
			silence_compensation = EXCLUDED.silence_compensation,
			dynamic_boost_db = EXCLUDED.dynamic_boost_db,
			updated_at = NOW()`,
		s.profile, st.GlobalLengthScale, st.SilenceCompensation, st.DynamicBoostDB)
	if err != nil {
		return fmt.Errorf("save calibration profile %s: %w", s.profile, err)
	}
	for _, rec := range st.History {
		_, err = tx.Exec(ctx,
			`INSERT INTO calibration_history (profile, iteration, length_scale, precision_pct, voiced_fraction, mean_volume_db)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			s.profile, rec.Iteration, rec.LengthScale, rec.Precision, rec.VoicedFraction, rec.MeanVolumeDB)
		if err != nil {
			return fmt.Errorf("save calibration history: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
