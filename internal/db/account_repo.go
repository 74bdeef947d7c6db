package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"snapfarm/internal/types"
)

// ListAccountsParams defines the filtering and pagination parameters for the
// account inventory listing.
type ListAccountsParams struct {
	Status types.AccountStatus
	Tag    string
	Source string
	Limit  int
	Cursor string
}

// AccountRepository provides data access for the snap_accounts and
// agency_statistics tables.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new AccountRepository backed by the given
// database connection (pool or transaction).
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `a.id, a.agency_id, a.username, a.status, a.tags, a.source,
	a.proxy_id, a.rejecting_rate, a.conversation_rate, a.conversion_rate,
	a.created_at, a.updated_at`

func scanAccount(row pgx.Row) (*types.SnapAccount, error) {
	var acct types.SnapAccount
	var proxyID *string
	err := row.Scan(
		&acct.ID,
		&acct.AgencyID,
		&acct.Username,
		&acct.Status,
		&acct.Tags,
		&acct.Source,
		&proxyID,
		&acct.RejectingRate,
		&acct.ConversationRate,
		&acct.ConversionRate,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if proxyID != nil {
		acct.ProxyID = *proxyID
	}
	return &acct, nil
}

// Create inserts a newly ingested account. Fresh accounts enter as
// RECENTLY_INGESTED with zeroed rates.
func (r *AccountRepository) Create(ctx context.Context, acct *types.SnapAccount) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO snap_accounts (
			id, agency_id, username, status, tags, source, proxy_id,
			rejecting_rate, conversation_rate, conversion_rate,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			COALESCE($11, NOW()), COALESCE($12, NOW())
		)`,
		acct.ID,
		acct.AgencyID,
		acct.Username,
		acct.Status,
		acct.Tags,
		acct.Source,
		nilIfEmpty(acct.ProxyID),
		acct.RejectingRate,
		acct.ConversationRate,
		acct.ConversionRate,
		nilIfZeroTime(acct.CreatedAt),
		nilIfZeroTime(acct.UpdatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}
	return nil
}

// GetByID retrieves an account by ID, scoped to the agency.
// Returns ErrCodeNotFoundAccount if not found.
func (r *AccountRepository) GetByID(ctx context.Context, id string, agencyID string) (*types.SnapAccount, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+`
		 FROM snap_accounts a
		 WHERE a.id = $1 AND a.agency_id = $2`,
		id, agencyID,
	)

	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve account", err)
	}
	return acct, nil
}

// GetByIDs retrieves the accounts matching the given IDs within the agency.
// IDs that do not exist in this agency are simply absent from the result;
// callers that require all IDs to resolve must compare lengths.
func (r *AccountRepository) GetByIDs(ctx context.Context, agencyID string, ids []string) ([]*types.SnapAccount, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+accountColumns+`
		 FROM snap_accounts a
		 WHERE a.agency_id = $1 AND a.id = ANY($2)
		 ORDER BY a.id ASC`,
		agencyID, ids,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve accounts", err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

// ListByPredicate resolves a filter predicate against the agency's pool.
// When AccountIDs is set it wins outright; otherwise the set dimensions
// combine disjunctively within the agency: an account matches when its
// status is in Statuses, OR it carries any of Tags, OR its source is in
// Sources. A predicate with no set dimensions matches the whole agency.
func (r *AccountRepository) ListByPredicate(ctx context.Context, agencyID string, p types.FilterPredicate) ([]*types.SnapAccount, error) {
	if len(p.AccountIDs) > 0 {
		return r.GetByIDs(ctx, agencyID, p.AccountIDs)
	}

	var dimensions []string
	args := []any{agencyID}
	argIdx := 2

	if len(p.Statuses) > 0 {
		dimensions = append(dimensions, fmt.Sprintf("a.status = ANY($%d)", argIdx))
		args = append(args, p.Statuses)
		argIdx++
	}

	// Tag dimension matches accounts carrying any of the listed tags.
	if len(p.Tags) > 0 {
		dimensions = append(dimensions, fmt.Sprintf("a.tags && $%d", argIdx))
		args = append(args, p.Tags)
		argIdx++
	}

	if len(p.Sources) > 0 {
		dimensions = append(dimensions, fmt.Sprintf("a.source = ANY($%d)", argIdx))
		args = append(args, p.Sources)
		argIdx++
	}

	where := "a.agency_id = $1"
	if len(dimensions) > 0 {
		where += " AND (" + strings.Join(dimensions, " OR ") + ")"
	}

	query := fmt.Sprintf(
		`SELECT %s
		 FROM snap_accounts a
		 WHERE %s
		 ORDER BY a.id ASC`,
		accountColumns,
		where,
	)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve account filter", err)
	}
	defer rows.Close()

	return collectAccounts(rows)
}

// List retrieves the agency's account inventory with cursor-based pagination,
// newest first.
func (r *AccountRepository) List(ctx context.Context, agencyID string, params ListAccountsParams) ([]*types.SnapAccount, types.PageInfo, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("a.agency_id = $%d", argIdx))
	args = append(args, agencyID)
	argIdx++

	if params.Status != "" {
		conditions = append(conditions, fmt.Sprintf("a.status = $%d", argIdx))
		args = append(args, params.Status)
		argIdx++
	}

	if params.Tag != "" {
		conditions = append(conditions, fmt.Sprintf("a.tags @> ARRAY[$%d]", argIdx))
		args = append(args, params.Tag)
		argIdx++
	}

	if params.Source != "" {
		conditions = append(conditions, fmt.Sprintf("a.source = $%d", argIdx))
		args = append(args, params.Source)
		argIdx++
	}

	if params.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, params.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("a.created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	query := fmt.Sprintf(
		`SELECT %s
		 FROM snap_accounts a
		 WHERE %s
		 ORDER BY a.created_at DESC
		 LIMIT $%d`,
		accountColumns,
		strings.Join(conditions, " AND "),
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list accounts", err)
	}
	defer rows.Close()

	results, err := collectAccounts(rows)
	if err != nil {
		return nil, types.PageInfo{}, err
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

func collectAccounts(rows pgx.Rows) ([]*types.SnapAccount, error) {
	var results []*types.SnapAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account row", err)
		}
		results = append(results, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating account rows", err)
	}
	return results, nil
}

// SetStatus updates an account's lifecycle state. Used by status_check
// results and workflow CHANGE_STATUS actions.
func (r *AccountRepository) SetStatus(ctx context.Context, id string, status types.AccountStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE snap_accounts SET status = $1, updated_at = NOW()
		 WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update account status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// AddTag appends a tag if the account does not already carry it.
func (r *AccountRepository) AddTag(ctx context.Context, id string, tag string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE snap_accounts SET
			tags = CASE WHEN tags @> ARRAY[$1] THEN tags ELSE array_append(tags, $1) END,
			updated_at = NOW()
		 WHERE id = $2`,
		tag, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to add account tag", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// RemoveTag removes all occurrences of a tag. Removing an absent tag is a
// successful no-op on the tag array.
func (r *AccountRepository) RemoveTag(ctx context.Context, id string, tag string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE snap_accounts SET
			tags = array_remove(tags, $1),
			updated_at = NOW()
		 WHERE id = $2`,
		tag, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to remove account tag", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// UpdateRates writes the recomputed per-account rate triple.
func (r *AccountRepository) UpdateRates(ctx context.Context, id string, rejecting, conversation, conversion float64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE snap_accounts SET
			rejecting_rate = $1,
			conversation_rate = $2,
			conversion_rate = $3,
			updated_at = NOW()
		 WHERE id = $4`,
		rejecting, conversation, conversion, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update account rates", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// AggregateStatistics computes the account-side aggregate. The pending lead
// count lives on LeadRepository; the statistics operation composes the two.
func (r *AccountRepository) AggregateStatistics(ctx context.Context, agencyID string) (*types.AgencyStatistics, error) {
	stats := types.AgencyStatistics{
		AgencyID:         agencyID,
		AccountsByStatus: make(map[types.AccountStatus]int),
		ComputedAt:       time.Now().UTC(),
	}

	err := r.db.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COALESCE(AVG(rejecting_rate), 0),
			COALESCE(AVG(conversation_rate), 0),
			COALESCE(AVG(conversion_rate), 0)
		 FROM snap_accounts
		 WHERE agency_id = $1`,
		agencyID,
	).Scan(
		&stats.TotalAccounts,
		&stats.AvgRejectingRate,
		&stats.AvgConversationRate,
		&stats.AvgConversionRate,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate account statistics", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*)
		 FROM snap_accounts
		 WHERE agency_id = $1
		 GROUP BY status`,
		agencyID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate status counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status types.AccountStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan status count row", err)
		}
		stats.AccountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating status count rows", err)
	}

	return &stats, nil
}

// SaveStatistics upserts the computed aggregate so reads are a point lookup.
func (r *AccountRepository) SaveStatistics(ctx context.Context, stats *types.AgencyStatistics) error {
	byStatus := make(types.ResultMap, len(stats.AccountsByStatus))
	for status, count := range stats.AccountsByStatus {
		byStatus[string(status)] = count
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO agency_statistics (
			agency_id, total_accounts, accounts_by_status,
			avg_rejecting_rate, avg_conversation_rate, avg_conversion_rate,
			pending_leads, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agency_id) DO UPDATE SET
			total_accounts = EXCLUDED.total_accounts,
			accounts_by_status = EXCLUDED.accounts_by_status,
			avg_rejecting_rate = EXCLUDED.avg_rejecting_rate,
			avg_conversation_rate = EXCLUDED.avg_conversation_rate,
			avg_conversion_rate = EXCLUDED.avg_conversion_rate,
			pending_leads = EXCLUDED.pending_leads,
			computed_at = EXCLUDED.computed_at`,
		stats.AgencyID,
		stats.TotalAccounts,
		byStatus,
		stats.AvgRejectingRate,
		stats.AvgConversationRate,
		stats.AvgConversionRate,
		stats.PendingLeads,
		stats.ComputedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save agency statistics", err)
	}
	return nil
}

// GetStatistics returns the most recently computed aggregate for an agency.
func (r *AccountRepository) GetStatistics(ctx context.Context, agencyID string) (*types.AgencyStatistics, error) {
	var stats types.AgencyStatistics
	var byStatus types.ResultMap

	err := r.db.QueryRow(ctx,
		`SELECT agency_id, total_accounts, accounts_by_status,
			avg_rejecting_rate, avg_conversation_rate, avg_conversion_rate,
			pending_leads, computed_at
		 FROM agency_statistics
		 WHERE agency_id = $1`,
		agencyID,
	).Scan(
		&stats.AgencyID,
		&stats.TotalAccounts,
		&byStatus,
		&stats.AvgRejectingRate,
		&stats.AvgConversationRate,
		&stats.AvgConversionRate,
		&stats.PendingLeads,
		&stats.ComputedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAgency, "statistics not yet computed", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve agency statistics", err)
	}

	stats.AccountsByStatus = make(map[types.AccountStatus]int, len(byStatus))
	for status, count := range byStatus {
		if n, ok := count.(float64); ok {
			stats.AccountsByStatus[types.AccountStatus(status)] = int(n)
		}
	}

	return &stats, nil
}
