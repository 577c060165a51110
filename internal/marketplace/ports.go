package marketplace

import (
	"context"

	id "carbonledger/pkg/domain"
)

// ProjectVerifier answers whether a project currently holds a valid,
// completed verification. The marketplace consults it before flipping a
// project to Verified.
type ProjectVerifier interface {
	IsProjectVerified(ctx context.Context, project id.ProjectID) (bool, error)
}

// RetirementBridge burns credits in the authoritative ledger before the
// marketplace records a retirement. The project is addressed by its external
// registry identifier, the one key both sides share; each side derives its
// own record ID from it. A nil bridge leaves retirement as pure marketplace
// bookkeeping.
type RetirementBridge interface {
	BurnCredits(ctx context.Context, projectID string, owner id.AccountID, amount uint64, reason string) error
}
