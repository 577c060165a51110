// Package domain defines the typed identifiers shared by the registry,
// verification, and marketplace subsystems. Each record kind gets its own ID
// type so a listing reference can never be passed where a project reference
// is expected.
//
// Keyed records derive their ID deterministically from their stable parent
// keys (a v5 UUID over a fixed namespace). Creating the same logical record
// twice therefore derives the same ID and fails on the uniqueness check
// instead of silently duplicating. Append-only audit records (transfers,
// retirements, purchases) use random v4 IDs.
package domain

import (
	"github.com/google/uuid"

	dErrors "carbonledger/pkg/domain-errors"
)

// idNamespace seeds every deterministic derivation. Changing it changes every
// derived identifier.
var idNamespace = uuid.MustParse("7c9e6f3a-2b41-4d8e-9f05-1a6c8d2e4b70")

// AccountID identifies an acting party: an authority, developer, verifier
// operator, seller, or buyer. It is the public-key-like identity supplied by
// the hosting platform.
type AccountID uuid.UUID

type (
	RegistryID    uuid.UUID
	ProjectID     uuid.UUID
	IssuanceID    uuid.UUID
	TransferID    uuid.UUID
	RetirementID  uuid.UUID
	BatchID       uuid.UUID
	MetadataID    uuid.UUID
	VerifierID    uuid.UUID
	RequestID     uuid.UUID
	ResultID      uuid.UUID
	ChallengeID   uuid.UUID
	ReportID      uuid.UUID
	MarketplaceID uuid.UUID
	ListingID     uuid.UUID
	PurchaseID    uuid.UUID
)

func (id AccountID) String() string     { return uuid.UUID(id).String() }
func (id AccountID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id RegistryID) String() string    { return uuid.UUID(id).String() }
func (id RegistryID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id ProjectID) String() string     { return uuid.UUID(id).String() }
func (id ProjectID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id IssuanceID) String() string    { return uuid.UUID(id).String() }
func (id TransferID) String() string    { return uuid.UUID(id).String() }
func (id RetirementID) String() string  { return uuid.UUID(id).String() }
func (id BatchID) String() string       { return uuid.UUID(id).String() }
func (id MetadataID) String() string    { return uuid.UUID(id).String() }
func (id VerifierID) String() string    { return uuid.UUID(id).String() }
func (id VerifierID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id RequestID) String() string     { return uuid.UUID(id).String() }
func (id RequestID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id ResultID) String() string      { return uuid.UUID(id).String() }
func (id ResultID) IsNil() bool         { return uuid.UUID(id) == uuid.Nil }
func (id ChallengeID) String() string   { return uuid.UUID(id).String() }
func (id ReportID) String() string      { return uuid.UUID(id).String() }
func (id MarketplaceID) String() string { return uuid.UUID(id).String() }
func (id MarketplaceID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ListingID) String() string     { return uuid.UUID(id).String() }
func (id ListingID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id PurchaseID) String() string    { return uuid.UUID(id).String() }

// ParseAccountID parses and validates an actor identifier. IDs must be valid,
// non-nil UUIDs.
func ParseAccountID(s string) (AccountID, error) {
	u, err := parse(s)
	return AccountID(u), err
}

func ParseProjectID(s string) (ProjectID, error) {
	u, err := parse(s)
	return ProjectID(u), err
}

func ParseListingID(s string) (ListingID, error) {
	u, err := parse(s)
	return ListingID(u), err
}

func ParseRequestID(s string) (RequestID, error) {
	u, err := parse(s)
	return RequestID(u), err
}

func ParseResultID(s string) (ResultID, error) {
	u, err := parse(s)
	return ResultID(u), err
}

func ParseChallengeID(s string) (ChallengeID, error) {
	u, err := parse(s)
	return ChallengeID(u), err
}

func ParseVerifierID(s string) (VerifierID, error) {
	u, err := parse(s)
	return VerifierID(u), err
}

func ParseRegistryID(s string) (RegistryID, error) {
	u, err := parse(s)
	return RegistryID(u), err
}

func ParseMarketplaceID(s string) (MarketplaceID, error) {
	u, err := parse(s)
	return MarketplaceID(u), err
}

func parse(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "identifier must not be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeValidation, "identifier is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "identifier must not be the nil UUID")
	}
	return u, nil
}

// derive computes a deterministic v5 UUID from a seed label and the parent
// key material, mirroring the seed lists the on-chain accounts were derived
// from.
func derive(parts ...string) uuid.UUID {
	name := ""
	for i, p := range parts {
		if i > 0 {
			name += "/"
		}
		name += p
	}
	return uuid.NewSHA1(idNamespace, []byte(name))
}

func DeriveRegistryID(authority AccountID) RegistryID {
	return RegistryID(derive("registry", authority.String()))
}

func DeriveProjectID(registry RegistryID, projectID string) ProjectID {
	return ProjectID(derive("project_registry", registry.String(), projectID))
}

func DeriveIssuanceID(project ProjectID, serialPrefix string) IssuanceID {
	return IssuanceID(derive("credit_issuance", project.String(), serialPrefix))
}

func DeriveBatchID(project ProjectID, batchID string) BatchID {
	return BatchID(derive("credit_batch", project.String(), batchID))
}

func DeriveVerifierID(authority AccountID) VerifierID {
	return VerifierID(derive("verifier", authority.String()))
}

func DeriveRequestID(project ProjectID, requester AccountID) RequestID {
	return RequestID(derive("verification_request", project.String(), requester.String()))
}

func DeriveResultID(request RequestID) ResultID {
	return ResultID(derive("verification_result", request.String()))
}

func DeriveChallengeID(result ResultID, challenger AccountID) ChallengeID {
	return ChallengeID(derive("challenge", result.String(), challenger.String()))
}

func DeriveReportID(result ResultID) ReportID {
	return ReportID(derive("verification_report", result.String()))
}

func DeriveMarketplaceID(authority AccountID) MarketplaceID {
	return MarketplaceID(derive("marketplace", authority.String()))
}

func DeriveMarketplaceProjectID(projectID string) ProjectID {
	return ProjectID(derive("project", projectID))
}

func DeriveListingID(project ProjectID, seller AccountID) ListingID {
	return ListingID(derive("listing", project.String(), seller.String()))
}

// NewTransferID and friends identify append-only audit records. They are
// random: the same owner may transfer, retire, or purchase any number of
// times.
func NewTransferID() TransferID     { return TransferID(uuid.New()) }
func NewRetirementID() RetirementID { return RetirementID(uuid.New()) }
func NewPurchaseID() PurchaseID     { return PurchaseID(uuid.New()) }
func NewMetadataID() MetadataID     { return MetadataID(uuid.New()) }
func NewAccountID() AccountID       { return AccountID(uuid.New()) }
