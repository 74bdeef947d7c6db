// Package targeting resolves filter predicates and score-based selections
// against an agency's account pool. It is pure domain logic over accounts the
// repositories fetch; nothing here touches the database directly.
package targeting

import (
	"context"

	"snapfarm/internal/types"
)

// AccountSource is the read surface the resolver needs.
// Implemented by db.AccountRepository.
type AccountSource interface {
	GetByIDs(ctx context.Context, agencyID string, ids []string) ([]*types.SnapAccount, error)
	ListByPredicate(ctx context.Context, agencyID string, p types.FilterPredicate) ([]*types.SnapAccount, error)
}

// Resolve turns a filter predicate into the concrete target set for an
// operation.
//
// Rules:
//   - Explicit AccountIDs, when present, override the other dimensions
//     entirely; every listed ID must exist in the agency.
//   - Otherwise the set dimensions combine disjunctively: an account matches
//     when any one of its status, tags, or source hits its dimension.
//   - A resolution that matches no accounts fails with
//     validation_empty_target_set, except for operation types that act on
//     the agency as a whole rather than a target set (compute_statistics,
//     generate_leads).
func Resolve(ctx context.Context, src AccountSource, agencyID string, p types.FilterPredicate, opType types.OperationType) ([]*types.SnapAccount, error) {
	if len(p.AccountIDs) > 0 {
		accounts, err := src.GetByIDs(ctx, agencyID, p.AccountIDs)
		if err != nil {
			return nil, err
		}
		if len(accounts) != len(p.AccountIDs) {
			missing := missingIDs(p.AccountIDs, accounts)
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundAccount,
				"one or more accounts do not exist in this agency",
				nil,
				map[string]any{"missing_account_ids": missing},
			)
		}
		return accounts, nil
	}

	accounts, err := src.ListByPredicate(ctx, agencyID, p)
	if err != nil {
		return nil, err
	}

	if len(accounts) == 0 && !agencyWide(opType) {
		return nil, types.NewAppError(
			types.ErrCodeValidationEmptyTargetSet,
			"filter matches no accounts",
			nil,
		)
	}

	return accounts, nil
}

// agencyWide reports whether an operation acts on the agency rather than a
// resolved target set, making an empty resolution acceptable.
func agencyWide(opType types.OperationType) bool {
	return opType == types.OpComputeStatistics || opType == types.OpGenerateLeads
}

func missingIDs(requested []string, found []*types.SnapAccount) []string {
	present := make(map[string]struct{}, len(found))
	for _, acct := range found {
		present[acct.ID] = struct{}{}
	}
	var missing []string
	for _, id := range requested {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
