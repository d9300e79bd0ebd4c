package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/flowpbx/internal/database/models"
)

// trunkRateRepo implements TrunkRateRepository.
type trunkRateRepo struct {
	db *DB
}

// NewTrunkRateRepository creates a new TrunkRateRepository.
func NewTrunkRateRepository(db *DB) TrunkRateRepository {
	return &trunkRateRepo{db: db}
}

// Create inserts a new trunk rate entry.
func (r *trunkRateRepo) Create(ctx context.Context, rate *models.TrunkRate) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO trunk_rates (trunk_id, pattern, description, rate_per_minute,
		 connection_fee, minimum_seconds, billing_increment, quality_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		rate.TrunkID, rate.Pattern, rate.Description, rate.RatePerMinute,
		rate.ConnectionFee, rate.MinimumSeconds, rate.BillingIncrement, rate.QualityScore,
	)
	if err != nil {
		return fmt.Errorf("inserting trunk rate: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rate.ID = id
	return nil
}

// GetByID returns a trunk rate by ID.
func (r *trunkRateRepo) GetByID(ctx context.Context, id int64) (*models.TrunkRate, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, trunk_id, pattern, description, rate_per_minute, connection_fee,
		 minimum_seconds, billing_increment, quality_score, created_at
		 FROM trunk_rates WHERE id = ?`, id,
	))
}

// ListByTrunk returns all rate entries for one trunk.
func (r *trunkRateRepo) ListByTrunk(ctx context.Context, trunkID int64) ([]models.TrunkRate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, trunk_id, pattern, description, rate_per_minute, connection_fee,
		 minimum_seconds, billing_increment, quality_score, created_at
		 FROM trunk_rates WHERE trunk_id = ? ORDER BY id`, trunkID)
	if err != nil {
		return nil, fmt.Errorf("querying trunk rates by trunk: %w", err)
	}
	defer rows.Close()
	return scanTrunkRateRows(rows)
}

// List returns every configured rate entry across all trunks.
func (r *trunkRateRepo) List(ctx context.Context) ([]models.TrunkRate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, trunk_id, pattern, description, rate_per_minute, connection_fee,
		 minimum_seconds, billing_increment, quality_score, created_at
		 FROM trunk_rates ORDER BY trunk_id, id`)
	if err != nil {
		return nil, fmt.Errorf("querying trunk rates: %w", err)
	}
	defer rows.Close()
	return scanTrunkRateRows(rows)
}

// Update modifies an existing trunk rate entry.
func (r *trunkRateRepo) Update(ctx context.Context, rate *models.TrunkRate) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE trunk_rates SET trunk_id = ?, pattern = ?, description = ?,
		 rate_per_minute = ?, connection_fee = ?, minimum_seconds = ?,
		 billing_increment = ?, quality_score = ? WHERE id = ?`,
		rate.TrunkID, rate.Pattern, rate.Description, rate.RatePerMinute,
		rate.ConnectionFee, rate.MinimumSeconds, rate.BillingIncrement,
		rate.QualityScore, rate.ID,
	)
	if err != nil {
		return fmt.Errorf("updating trunk rate: %w", err)
	}
	return nil
}

// Delete removes a trunk rate entry by ID.
func (r *trunkRateRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM trunk_rates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting trunk rate: %w", err)
	}
	return nil
}

func (r *trunkRateRepo) scanOne(row *sql.Row) (*models.TrunkRate, error) {
	var rt models.TrunkRate
	err := row.Scan(&rt.ID, &rt.TrunkID, &rt.Pattern, &rt.Description, &rt.RatePerMinute,
		&rt.ConnectionFee, &rt.MinimumSeconds, &rt.BillingIncrement, &rt.QualityScore, &rt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trunk rate: %w", err)
	}
	return &rt, nil
}

func scanTrunkRateRows(rows *sql.Rows) ([]models.TrunkRate, error) {
	var rates []models.TrunkRate
	for rows.Next() {
		var rt models.TrunkRate
		if err := rows.Scan(&rt.ID, &rt.TrunkID, &rt.Pattern, &rt.Description, &rt.RatePerMinute,
			&rt.ConnectionFee, &rt.MinimumSeconds, &rt.BillingIncrement, &rt.QualityScore, &rt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning trunk rate row: %w", err)
		}
		rates = append(rates, rt)
	}
	return rates, rows.Err()
}
