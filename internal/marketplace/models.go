// Package marketplace implements the credit trading engine: listed supply,
// fee-splitting purchases, listing lifecycle, and marketplace-side
// retirement bookkeeping.
package marketplace

import (
	"time"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

const (
	maxProjectIDLen   = 32
	maxProjectNameLen = 64
	maxLocationLen    = 64
	maxMetadataURILen = 200
	maxReasonLen      = 200

	// feeBps is expressed in basis points; 10000 means the whole price.
	maxFeeBps = 10_000
	bpsDenom  = 10_000
)

// Marketplace is the singleton engine record per authority.
type Marketplace struct {
	ID                 id.MarketplaceID
	Authority          id.AccountID
	FeeBps             uint16
	MinCreditAmount    uint64
	TotalCreditsTraded uint64
	TotalVolume        uint64
	ActiveListings     uint64
	TotalProjects      uint64
	VerifiedProjects   uint64
	CreatedAt          time.Time
}

// MarketplaceDeltas is an atomic adjustment to the aggregate counters.
// ActiveListings is signed because listings leave circulation.
type MarketplaceDeltas struct {
	CreditsTraded    uint64
	Volume           uint64
	ActiveListings   int64
	TotalProjects    uint64
	VerifiedProjects uint64
}

// ProjectType classifies the emission-reduction activity.
type ProjectType string

const (
	TypeForestry         ProjectType = "Forestry"
	TypeRenewableEnergy  ProjectType = "RenewableEnergy"
	TypeEnergyEfficiency ProjectType = "EnergyEfficiency"
	TypeMethane          ProjectType = "Methane"
	TypeTransportation   ProjectType = "Transportation"
	TypeAgriculture      ProjectType = "Agriculture"
	TypeWasteManagement  ProjectType = "WasteManagement"
	TypeCarbonCapture    ProjectType = "CarbonCapture"
)

func (t ProjectType) Valid() bool {
	switch t {
	case TypeForestry, TypeRenewableEnergy, TypeEnergyEfficiency, TypeMethane,
		TypeTransportation, TypeAgriculture, TypeWasteManagement, TypeCarbonCapture:
		return true
	}
	return false
}

// Standard is the certification scheme the project is registered under.
type Standard string

const (
	StandardVCS          Standard = "VCS"
	StandardCDM          Standard = "CDM"
	StandardGoldStandard Standard = "GoldStandard"
	StandardCAR          Standard = "CAR"
	StandardACR          Standard = "ACR"
	StandardPlan         Standard = "Plan"
)

func (s Standard) Valid() bool {
	switch s {
	case StandardVCS, StandardCDM, StandardGoldStandard, StandardCAR, StandardACR, StandardPlan:
		return true
	}
	return false
}

// ProjectStatus tracks the marketplace-side project state. Only Verified
// projects may list credits.
type ProjectStatus string

const (
	ProjectPending   ProjectStatus = "Pending"
	ProjectVerified  ProjectStatus = "Verified"
	ProjectSuspended ProjectStatus = "Suspended"
	ProjectCancelled ProjectStatus = "Cancelled"
)

// Project is the marketplace-side record for one carbon project.
// Invariant: RetiredCredits <= IssuedCredits.
type Project struct {
	ID               id.ProjectID
	ProjectID        string
	Name             string
	Type             ProjectType
	Developer        id.AccountID
	Location         string
	EstimatedCredits uint64
	IssuedCredits    uint64
	RetiredCredits   uint64
	Standard         Standard
	Status           ProjectStatus
	CreatedAt        time.Time
	VerifiedAt       *time.Time
	MetadataURI      string
}

// Sellable is the supply a listing may draw from.
func (p *Project) Sellable() uint64 {
	return p.IssuedCredits - p.RetiredCredits
}

// ListingStatus tracks a listing. Sold, Cancelled, and Expired are terminal.
type ListingStatus string

const (
	ListingActive    ListingStatus = "Active"
	ListingSold      ListingStatus = "Sold"
	ListingCancelled ListingStatus = "Cancelled"
	ListingExpired   ListingStatus = "Expired"
)

// Listing is an offer of credits at a fixed unit price.
// Invariant: TotalValue == original amount * PricePerCredit at creation;
// Amount only decreases, through purchases.
type Listing struct {
	ID             id.ListingID
	Project        id.ProjectID
	Seller         id.AccountID
	Amount         uint64
	PricePerCredit uint64
	TotalValue     uint64
	Status         ListingStatus
	CreatedAt      time.Time
	ExpiryTime     time.Time
}

// Purchase is an append-only record of one fill against a listing.
type Purchase struct {
	ID             id.PurchaseID
	Listing        id.ListingID
	Buyer          id.AccountID
	Seller         id.AccountID
	Amount         uint64
	PricePerCredit uint64
	TotalPaid      uint64
	FeePaid        uint64
	PurchasedAt    time.Time
}

// Retirement is the marketplace-side retirement bookkeeping record.
type Retirement struct {
	ID        id.RetirementID
	Owner     id.AccountID
	Project   id.ProjectID
	Amount    uint64
	Reason    string
	RetiredAt time.Time
}

func checkLen(field, value string, max int) error {
	if len(value) > max {
		return dErrors.Newf(dErrors.CodeValidation, "%s exceeds %d characters", field, max)
	}
	return nil
}
