package marketplace

import (
	"context"

	id "carbonledger/pkg/domain"
)

// Store is the persistence boundary for the marketplace engine. Create
// methods fail with a conflict code when the record already exists; Get
// methods fail with a not-found code when it does not.
type Store interface {
	CreateMarketplace(ctx context.Context, record *Marketplace) error
	GetMarketplace(ctx context.Context, marketplaceID id.MarketplaceID) (*Marketplace, error)
	// ApplyMarketplaceDeltas atomically adjusts the aggregate counters, so
	// units serialized on different listings never lose updates.
	ApplyMarketplaceDeltas(ctx context.Context, marketplaceID id.MarketplaceID, deltas MarketplaceDeltas) error

	CreateProject(ctx context.Context, record *Project) error
	GetProject(ctx context.Context, projectID id.ProjectID) (*Project, error)
	UpdateProject(ctx context.Context, record *Project) error

	CreateListing(ctx context.Context, record *Listing) error
	GetListing(ctx context.Context, listingID id.ListingID) (*Listing, error)
	UpdateListing(ctx context.Context, record *Listing) error
	ListListingsByProject(ctx context.Context, projectID id.ProjectID) ([]*Listing, error)

	AppendPurchase(ctx context.Context, record *Purchase) error
	ListPurchasesByListing(ctx context.Context, listingID id.ListingID) ([]*Purchase, error)

	AppendRetirement(ctx context.Context, record *Retirement) error
	ListRetirementsByProject(ctx context.Context, projectID id.ProjectID) ([]*Retirement, error)
}

// StoreTx runs fn as one atomic unit. Units sharing a key are serialized;
// purchases key by listing ID so concurrent fills of the same listing never
// interleave.
type StoreTx interface {
	RunInTx(ctx context.Context, key string, fn func(store Store) error) error
}
