package handler

import "time"

// InitializeMarketplaceRequest creates the marketplace. The authenticated
// actor becomes the fee-collecting authority. Omitted fields fall back to
// the handler's configured defaults; pointers keep an explicit zero fee
// distinguishable from an absent one.
type InitializeMarketplaceRequest struct {
	FeeBps          *uint16 `json:"fee_bps"`
	MinCreditAmount *uint64 `json:"min_credit_amount"`
}

// CreateCarbonProjectRequest registers a project. The authenticated actor
// becomes the developer.
type CreateCarbonProjectRequest struct {
	ProjectID        string `json:"project_id"`
	Name             string `json:"name"`
	ProjectType      string `json:"project_type"`
	Location         string `json:"location"`
	EstimatedCredits uint64 `json:"estimated_credits"`
	Standard         string `json:"standard"`
	MetadataURI      string `json:"metadata_uri"`
}

// SetProjectIssuedRequest syncs the issued-credit counter from the ledger.
type SetProjectIssuedRequest struct {
	IssuedCredits uint64 `json:"issued_credits"`
}

// ListCreditsRequest offers credits for sale. The authenticated actor
// becomes the seller.
type ListCreditsRequest struct {
	Amount         uint64    `json:"amount"`
	PricePerCredit uint64    `json:"price_per_credit"`
	ExpiryTime     time.Time `json:"expiry_time"`
}

// PurchaseCreditsRequest fills part of a listing. The authenticated actor
// is the buyer.
type PurchaseCreditsRequest struct {
	Amount uint64 `json:"amount"`
}

// RetireCreditsRequest retires credits held by the authenticated actor.
type RetireCreditsRequest struct {
	Amount uint64 `json:"amount"`
	Reason string `json:"reason"`
}
