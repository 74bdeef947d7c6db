package db

import (
	"context"
	"fmt"
	"strings"

	"snapfarm/internal/types"
)

// LeadRepository provides data access for the leads table.
type LeadRepository struct {
	db DBTX
}

// NewLeadRepository creates a new LeadRepository backed by the given database
// connection (pool or transaction).
func NewLeadRepository(db DBTX) *LeadRepository {
	return &LeadRepository{db: db}
}

// CreateBatch inserts a batch of freshly generated leads in one statement.
func (r *LeadRepository) CreateBatch(ctx context.Context, leads []*types.Lead) error {
	if len(leads) == 0 {
		return nil
	}

	const colCount = 5
	var sb strings.Builder
	sb.WriteString(`INSERT INTO leads (id, agency_id, snap_account_id, status, score) VALUES `)
	args := make([]any, 0, len(leads)*colCount)
	for i, lead := range leads {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * colCount
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))
		args = append(args, lead.ID, lead.AgencyID, lead.AccountID, lead.Status, lead.Score)
	}

	_, err := r.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create leads", err)
	}
	return nil
}

// ConsumeBatch atomically claims up to n PENDING leads, highest score first,
// and marks them CONSUMED. The UPDATE-over-subselect with FOR UPDATE SKIP
// LOCKED keeps concurrent consumers from double-claiming a lead.
func (r *LeadRepository) ConsumeBatch(ctx context.Context, agencyID string, n int) ([]*types.Lead, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`UPDATE leads SET status = $1, consumed_at = NOW()
		 WHERE id IN (
			SELECT id FROM leads
			WHERE agency_id = $2 AND status = $3
			ORDER BY score DESC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, agency_id, snap_account_id, status, score, created_at, consumed_at`,
		types.LeadConsumed, agencyID, types.LeadPending, n,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to consume leads", err)
	}
	defer rows.Close()

	var results []*types.Lead
	for rows.Next() {
		var lead types.Lead
		if err := rows.Scan(
			&lead.ID, &lead.AgencyID, &lead.AccountID,
			&lead.Status, &lead.Score, &lead.CreatedAt, &lead.ConsumedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan lead row", err)
		}
		results = append(results, &lead)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating lead rows", err)
	}

	return results, nil
}

// CountPending returns the number of unconsumed leads for an agency.
func (r *LeadRepository) CountPending(ctx context.Context, agencyID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM leads WHERE agency_id = $1 AND status = $2`,
		agencyID, types.LeadPending,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending leads", err)
	}
	return count, nil
}
