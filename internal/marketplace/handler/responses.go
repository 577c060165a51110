package handler

import (
	"time"

	"carbonledger/internal/marketplace"
)

// MarketplaceResponse is the wire form of the marketplace record.
type MarketplaceResponse struct {
	ID                 string    `json:"id"`
	Authority          string    `json:"authority"`
	FeeBps             uint16    `json:"fee_bps"`
	MinCreditAmount    uint64    `json:"min_credit_amount"`
	TotalCreditsTraded uint64    `json:"total_credits_traded"`
	TotalVolume        uint64    `json:"total_volume"`
	ActiveListings     uint64    `json:"active_listings"`
	TotalProjects      uint64    `json:"total_projects"`
	VerifiedProjects   uint64    `json:"verified_projects"`
	CreatedAt          time.Time `json:"created_at"`
}

func fromMarketplace(record *marketplace.Marketplace) MarketplaceResponse {
	return MarketplaceResponse{
		ID:                 record.ID.String(),
		Authority:          record.Authority.String(),
		FeeBps:             record.FeeBps,
		MinCreditAmount:    record.MinCreditAmount,
		TotalCreditsTraded: record.TotalCreditsTraded,
		TotalVolume:        record.TotalVolume,
		ActiveListings:     record.ActiveListings,
		TotalProjects:      record.TotalProjects,
		VerifiedProjects:   record.VerifiedProjects,
		CreatedAt:          record.CreatedAt,
	}
}

// ProjectResponse is the wire form of a marketplace project record.
type ProjectResponse struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	Name             string     `json:"name"`
	ProjectType      string     `json:"project_type"`
	Developer        string     `json:"developer"`
	Location         string     `json:"location"`
	EstimatedCredits uint64     `json:"estimated_credits"`
	IssuedCredits    uint64     `json:"issued_credits"`
	RetiredCredits   uint64     `json:"retired_credits"`
	Sellable         uint64     `json:"sellable"`
	Standard         string     `json:"standard"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	MetadataURI      string     `json:"metadata_uri"`
}

func fromProject(record *marketplace.Project) ProjectResponse {
	return ProjectResponse{
		ID:               record.ID.String(),
		ProjectID:        record.ProjectID,
		Name:             record.Name,
		ProjectType:      string(record.Type),
		Developer:        record.Developer.String(),
		Location:         record.Location,
		EstimatedCredits: record.EstimatedCredits,
		IssuedCredits:    record.IssuedCredits,
		RetiredCredits:   record.RetiredCredits,
		Sellable:         record.Sellable(),
		Standard:         string(record.Standard),
		Status:           string(record.Status),
		CreatedAt:        record.CreatedAt,
		VerifiedAt:       record.VerifiedAt,
		MetadataURI:      record.MetadataURI,
	}
}

// ListingResponse is the wire form of a listing record.
type ListingResponse struct {
	ID             string    `json:"id"`
	Project        string    `json:"project"`
	Seller         string    `json:"seller"`
	Amount         uint64    `json:"amount"`
	PricePerCredit uint64    `json:"price_per_credit"`
	TotalValue     uint64    `json:"total_value"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiryTime     time.Time `json:"expiry_time"`
}

func fromListing(record *marketplace.Listing) ListingResponse {
	return ListingResponse{
		ID:             record.ID.String(),
		Project:        record.Project.String(),
		Seller:         record.Seller.String(),
		Amount:         record.Amount,
		PricePerCredit: record.PricePerCredit,
		TotalValue:     record.TotalValue,
		Status:         string(record.Status),
		CreatedAt:      record.CreatedAt,
		ExpiryTime:     record.ExpiryTime,
	}
}

// PurchaseResponse is the wire form of a purchase record.
type PurchaseResponse struct {
	ID             string    `json:"id"`
	Listing        string    `json:"listing"`
	Buyer          string    `json:"buyer"`
	Seller         string    `json:"seller"`
	Amount         uint64    `json:"amount"`
	PricePerCredit uint64    `json:"price_per_credit"`
	TotalPaid      uint64    `json:"total_paid"`
	FeePaid        uint64    `json:"fee_paid"`
	PurchasedAt    time.Time `json:"purchased_at"`
}

func fromPurchase(record *marketplace.Purchase) PurchaseResponse {
	return PurchaseResponse{
		ID:             record.ID.String(),
		Listing:        record.Listing.String(),
		Buyer:          record.Buyer.String(),
		Seller:         record.Seller.String(),
		Amount:         record.Amount,
		PricePerCredit: record.PricePerCredit,
		TotalPaid:      record.TotalPaid,
		FeePaid:        record.FeePaid,
		PurchasedAt:    record.PurchasedAt,
	}
}

// RetirementResponse is the wire form of a retirement record.
type RetirementResponse struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Project   string    `json:"project"`
	Amount    uint64    `json:"amount"`
	Reason    string    `json:"reason"`
	RetiredAt time.Time `json:"retired_at"`
}

func fromRetirement(record *marketplace.Retirement) RetirementResponse {
	return RetirementResponse{
		ID:        record.ID.String(),
		Owner:     record.Owner.String(),
		Project:   record.Project.String(),
		Amount:    record.Amount,
		Reason:    record.Reason,
		RetiredAt: record.RetiredAt,
	}
}
