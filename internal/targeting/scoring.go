package targeting

import (
	"sort"

	"snapfarm/internal/types"
)

// LeadWeights is the scoring weight triple for lead generation. The caller
// validates the triple (each in [0,1], sum within tolerance of 1) before
// scoring; Score assumes it holds.
type LeadWeights struct {
	RejectingRate    float64
	ConversationRate float64
	ConversionRate   float64
}

// Score computes an account's lead score as the weighted sum of its three
// rates. Each rate contributes directly; how the weights value each rate is
// the operator's call.
func Score(acct *types.SnapAccount, w LeadWeights) float64 {
	return w.RejectingRate*acct.RejectingRate +
		w.ConversationRate*acct.ConversationRate +
		w.ConversionRate*acct.ConversionRate
}

// ScoredAccount pairs an account with its computed lead score.
type ScoredAccount struct {
	Account *types.SnapAccount
	Score   float64
}

// SelectLeads scores all candidates and returns the top n, ordered by score
// descending. Ties break on account ID ascending so repeated runs over the
// same pool select deterministically.
func SelectLeads(candidates []*types.SnapAccount, w LeadWeights, n int) []ScoredAccount {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}

	scored := make([]ScoredAccount, 0, len(candidates))
	for _, acct := range candidates {
		scored = append(scored, ScoredAccount{Account: acct, Score: Score(acct, w)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Account.ID < scored[j].Account.ID
	})

	if n > len(scored) {
		n = len(scored)
	}
	return scored[:n]
}

// TopAccountThresholds are the per-rate cut lines for
// quick_adds_top_accounts.
type TopAccountThresholds struct {
	MaxRejectionRate    float64
	MinConversationRate float64
	MinConversionRate   float64
}

// FilterTopAccounts keeps only the accounts passing all three thresholds,
// preserving input order. Boundary values pass: an account exactly at a
// threshold is included.
func FilterTopAccounts(accounts []*types.SnapAccount, t TopAccountThresholds) []*types.SnapAccount {
	var kept []*types.SnapAccount
	for _, acct := range accounts {
		if acct.RejectingRate > t.MaxRejectionRate {
			continue
		}
		if acct.ConversationRate < t.MinConversationRate {
			continue
		}
		if acct.ConversionRate < t.MinConversionRate {
			continue
		}
		kept = append(kept, acct)
	}
	return kept
}
