package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/geoanomaly/internal/pagination"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the geo_assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS geo_assessments (
			id                  VARCHAR(36) PRIMARY KEY,
			user_id             VARCHAR(255) NOT NULL,
			score               NUMERIC(6,3) NOT NULL CHECK (score >= 0),
			is_anomaly          BOOLEAN NOT NULL,
			factors             JSONB NOT NULL DEFAULT '{}',
			nearest_cluster_km  DOUBLE PRECISION,
			slot                VARCHAR(64) NOT NULL,
			lat                 DOUBLE PRECISION NOT NULL,
			lon                 DOUBLE PRECISION NOT NULL,
			seller              VARCHAR(255),
			transaction_at      TIMESTAMPTZ NOT NULL,
			evaluated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_geo_assessments_user
			ON geo_assessments (user_id, evaluated_at DESC, id DESC);

		CREATE INDEX IF NOT EXISTS idx_geo_assessments_anomalies
			ON geo_assessments (evaluated_at DESC) WHERE is_anomaly;
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO geo_assessments (
			id, user_id, score, is_anomaly, factors, nearest_cluster_km,
			slot, lat, lon, seller, transaction_at, evaluated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		a.ID,
		a.UserID,
		a.Score,
		a.IsAnomaly,
		factorsJSON,
		a.NearestClusterKm,
		a.Slot.String(),
		a.Location.Lat,
		a.Location.Lon,
		sql.NullString{String: a.Seller, Valid: a.Seller != ""},
		a.TransactionAt,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Assessment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, score, is_anomaly, factors, nearest_cluster_km,
			       slot, lat, lon, seller, transaction_at, evaluated_at
			FROM geo_assessments
			WHERE user_id = $1
			ORDER BY evaluated_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, score, is_anomaly, factors, nearest_cluster_km,
			       slot, lat, lon, seller, transaction_at, evaluated_at
			FROM geo_assessments
			WHERE user_id = $1 AND (evaluated_at, id) < ($3, $4)
			ORDER BY evaluated_at DESC, id DESC
			LIMIT $2
		`, userID, limit, before.CreatedAt, before.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var (
			a           Assessment
			factorsJSON []byte
			nearest     sql.NullFloat64
			slot        string
			seller      sql.NullString
		)
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.Score, &a.IsAnomaly, &factorsJSON, &nearest,
			&slot, &a.Location.Lat, &a.Location.Lon, &seller, &a.TransactionAt, &a.EvaluatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		if err := decodeColumns(&a, factorsJSON, slot); err != nil {
			return nil, err
		}
		if nearest.Valid {
			d := nearest.Float64
			a.NearestClusterKm = &d
		}
		a.Seller = seller.String
		result = append(result, &a)
	}
	return result, rows.Err()
}

// decodeColumns fills the fields of a that are stored as encoded text.
func decodeColumns(a *Assessment, factorsJSON []byte, slot string) error {
	a.Factors = make(map[string]float64)
	if len(factorsJSON) > 0 {
		if err := json.Unmarshal(factorsJSON, &a.Factors); err != nil {
			return fmt.Errorf("failed to decode factors of assessment %s: %w", a.ID, err)
		}
	}
	if err := a.Slot.UnmarshalText([]byte(slot)); err != nil {
		return fmt.Errorf("failed to decode slot of assessment %s: %w", a.ID, err)
	}
	return nil
}
