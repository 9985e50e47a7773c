package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/geoanomaly/internal/geo"
)

// PostgresStore persists profile snapshots in PostgreSQL as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the geo_profiles table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS geo_profiles (
			user_id        VARCHAR(255) PRIMARY KEY,
			version        BIGINT NOT NULL,
			cluster_count  INTEGER NOT NULL DEFAULT 0,
			total_count    BIGINT NOT NULL DEFAULT 0,
			snapshot       JSONB NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_geo_profiles_updated_at
			ON geo_profiles (updated_at DESC);
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, p *GeoProfile) error {
	snapshot, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO geo_profiles (user_id, version, cluster_count, total_count, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			version       = EXCLUDED.version,
			cluster_count = EXCLUDED.cluster_count,
			total_count   = EXCLUDED.total_count,
			snapshot      = EXCLUDED.snapshot,
			updated_at    = EXCLUDED.updated_at
		WHERE geo_profiles.version < EXCLUDED.version
	`,
		p.UserID,
		int64(p.Version), //nolint:gosec // versions stay far below 2^63
		len(p.Clusters),
		p.TotalCount,
		snapshot,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.UserID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*GeoProfile, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM geo_profiles WHERE user_id = $1
	`, userID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	return decodeSnapshot(snapshot)
}

func (s *PostgresStore) List(ctx context.Context) ([]*GeoProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM geo_profiles ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*GeoProfile
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		p, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodeSnapshot(data []byte) (*GeoProfile, error) {
	p := &GeoProfile{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode profile snapshot: %w", err)
	}
	for _, c := range p.Clusters {
		if c.Histogram == nil {
			c.Histogram = make(geo.Histogram)
		}
	}
	if p.GlobalHistogram == nil {
		p.GlobalHistogram = make(geo.Histogram)
	}
	return p, nil
}
