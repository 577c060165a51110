package registry

import (
	"time"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// String bounds enforced at write time, before any state change.
const (
	maxRegistryNameLen = 64
	maxBaseURILen      = 200
	maxProjectIDLen    = 32
	maxMethodologyLen  = 100
	maxCountryCodeLen  = 3
	maxSerialPrefixLen = 20
	maxReasonLen       = 200
	maxBeneficiaryLen  = 100
	maxBatchIDLen      = 32
	maxReportURILen    = 200
	maxMetadataURILen  = 200
	maxDescriptionLen  = 500

	minVintageYear = 2000
	maxVintageYear = 2100
)

// Registry is the canonical issuance authority. Its cumulative counters are
// updated only inside the same atomic unit as the mutation they summarize.
type Registry struct {
	ID                  id.RegistryID
	Authority           id.AccountID
	Name                string
	BaseURI             string
	TotalCreditsIssued  uint64
	TotalCreditsRetired uint64
	TotalProjects       uint64
	CreatedAt           time.Time
}

// ProjectStatus is intentionally permissive: any status is reachable from
// any other, with the transition audited through the emitted event.
type ProjectStatus string

const (
	ProjectActive      ProjectStatus = "Active"
	ProjectSuspended   ProjectStatus = "Suspended"
	ProjectTerminated  ProjectStatus = "Terminated"
	ProjectUnderReview ProjectStatus = "UnderReview"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectSuspended, ProjectTerminated, ProjectUnderReview:
		return true
	}
	return false
}

// Project is the registry-side record for one carbon project.
// Invariant: TotalIssued >= TotalRetired at all times.
type Project struct {
	ID           id.ProjectID
	Registry     id.RegistryID
	ProjectID    string
	VintageYear  uint16
	Methodology  string
	CountryCode  string
	Developer    id.AccountID
	TotalIssued  uint64
	TotalRetired uint64
	Status       ProjectStatus
	RegisteredAt time.Time
}

// Available is the circulating supply for the project.
func (p *Project) Available() uint64 {
	return p.TotalIssued - p.TotalRetired
}

type IssuanceStatus string

const (
	IssuanceActive      IssuanceStatus = "Active"
	IssuanceCancelled   IssuanceStatus = "Cancelled"
	IssuanceTransferred IssuanceStatus = "Transferred"
)

// Issuance records one authorized credit mint. Immutable once created except
// for Status.
type Issuance struct {
	ID           id.IssuanceID
	Project      id.ProjectID
	SerialPrefix string
	Quantity     uint64
	IssuanceDate time.Time
	IssuedTo     id.AccountID
	Status       IssuanceStatus
	CreatedAt    time.Time
}

// Transfer is an append-only audit record of an ownership change. It never
// alters issuance or retirement counters.
type Transfer struct {
	ID            id.TransferID
	From          id.AccountID
	To            id.AccountID
	Project       id.ProjectID
	Quantity      uint64
	Reason        string
	TransferredAt time.Time
}

// Retirement records a burn-backed permanent removal from circulation.
type Retirement struct {
	ID          id.RetirementID
	Owner       id.AccountID
	Project     id.ProjectID
	Quantity    uint64
	Reason      string
	Beneficiary string
	RetiredAt   time.Time
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "Pending"
	BatchApproved  BatchStatus = "Approved"
	BatchIssued    BatchStatus = "Issued"
	BatchCancelled BatchStatus = "Cancelled"
)

// Batch tracks a vintage sub-ledger. Invariant: AvailableCredits <=
// TotalCredits.
type Batch struct {
	ID                  id.BatchID
	BatchID             string
	Project             id.ProjectID
	VintageStart        time.Time
	VintageEnd          time.Time
	MonitoringReportURI string
	TotalCredits        uint64
	AvailableCredits    uint64
	Status              BatchStatus
	CreatedAt           time.Time
}

type MetadataType string

const (
	MetadataProjectDocument    MetadataType = "ProjectDocument"
	MetadataMonitoringReport   MetadataType = "MonitoringReport"
	MetadataVerificationReport MetadataType = "VerificationReport"
	MetadataPhoto              MetadataType = "Photo"
	MetadataVideo              MetadataType = "Video"
	MetadataOther              MetadataType = "Other"
)

func (t MetadataType) Valid() bool {
	switch t {
	case MetadataProjectDocument, MetadataMonitoringReport, MetadataVerificationReport,
		MetadataPhoto, MetadataVideo, MetadataOther:
		return true
	}
	return false
}

// Metadata is an append-only pointer to an externally stored document.
type Metadata struct {
	ID          id.MetadataID
	Project     id.ProjectID
	Type        MetadataType
	URI         string
	Description string
	AddedAt     time.Time
}

func checkLen(field, value string, max int) error {
	if len(value) > max {
		return dErrors.Newf(dErrors.CodeValidation, "%s exceeds %d characters", field, max)
	}
	return nil
}
