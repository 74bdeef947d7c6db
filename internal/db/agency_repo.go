package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"snapfarm/internal/types"
)

// AgencyRepository provides data access for the agencies table.
type AgencyRepository struct {
	db DBTX
}

// NewAgencyRepository creates a new AgencyRepository backed by the given
// database connection (pool or transaction).
func NewAgencyRepository(db DBTX) *AgencyRepository {
	return &AgencyRepository{db: db}
}

// GetByID retrieves an agency by ID, excluding soft-deleted records.
// Returns ErrCodeNotFoundAgency if not found. Used by the manual-trigger
// endpoint's delinquency gate.
func (r *AgencyRepository) GetByID(ctx context.Context, id string) (*types.Agency, error) {
	var agency types.Agency
	err := r.db.QueryRow(ctx,
		`SELECT id, name, billing_email, delinquent, created_at, updated_at, deleted_at
		 FROM agencies
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	).Scan(
		&agency.ID,
		&agency.Name,
		&agency.BillingEmail,
		&agency.Delinquent,
		&agency.CreatedAt,
		&agency.UpdatedAt,
		&agency.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAgency, "agency not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve agency", err)
	}
	return &agency, nil
}
