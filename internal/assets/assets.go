// Package assets defines the port to the external asset-transfer service:
// the collaborator that actually moves, mints, and burns fungible value. The
// ledger only observes success or failure; a failure rolls back the
// enclosing operation.
package assets

import (
	"context"

	id "carbonledger/pkg/domain"
)

// Asset names a fungible asset ledger: a project's credit token or the
// payment token used on the marketplace.
type Asset string

const (
	// PaymentAsset is the marketplace settlement asset.
	PaymentAsset Asset = "payment"
)

// CreditAsset names the per-project credit asset.
func CreditAsset(project id.ProjectID) Asset {
	return Asset("credits/" + project.String())
}

// Service is the asset-transfer collaborator. Each call is atomic on the
// provider side and not idempotent: callers must not blindly retry an
// ambiguous failure.
type Service interface {
	Transfer(ctx context.Context, asset Asset, from, to id.AccountID, amount uint64) error
	Mint(ctx context.Context, asset Asset, to id.AccountID, amount uint64) error
	Burn(ctx context.Context, asset Asset, from id.AccountID, amount uint64) error
}
