package registry

import (
	"context"

	id "carbonledger/pkg/domain"
)

// MarketplaceBridge exposes ledger retirements as a burn call. Deployments
// that enable it point the marketplace at the authoritative ledger, so a
// marketplace retirement only commits after the ledger accepts the burn.
// Projects cross the bridge as their external registry identifier; the
// ledger-side record ID is derived from it here.
type MarketplaceBridge struct {
	svc      *Service
	registry id.RegistryID
}

func NewMarketplaceBridge(svc *Service, registry id.RegistryID) *MarketplaceBridge {
	return &MarketplaceBridge{svc: svc, registry: registry}
}

func (b *MarketplaceBridge) BurnCredits(ctx context.Context, projectID string, owner id.AccountID, amount uint64, reason string) error {
	_, err := b.svc.RetireCredits(ctx, RetireCreditsRequest{
		Registry:    b.registry,
		Project:     id.DeriveProjectID(b.registry, projectID),
		Owner:       owner,
		Quantity:    amount,
		Reason:      reason,
		Beneficiary: "marketplace retirement",
	})
	return err
}
