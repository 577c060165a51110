// Package verification implements the third-party verification workflow:
// accredited verifiers, verification requests, results, challenges, and
// reports for carbon projects.
package verification

import (
	"time"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

const (
	maxVerifierNameLen      = 64
	maxAccreditationLen     = 64
	maxDocumentationURILen  = 200
	maxNotesLen             = 500
	maxMethodologyLen       = 100
	maxChallengeReasonLen   = 500
	maxEvidenceURILen       = 200
	maxResolutionNotesLen   = 500
	maxReportURILen         = 200
	maxMethodologyDetailLen = 1000
	maxSamplingApproachLen  = 500

	maxComplianceScore = 100
)

// CertificationLevel ranks an accredited verifier.
type CertificationLevel string

const (
	CertificationBasic        CertificationLevel = "Basic"
	CertificationIntermediate CertificationLevel = "Intermediate"
	CertificationAdvanced     CertificationLevel = "Advanced"
	CertificationExpert       CertificationLevel = "Expert"
)

func (l CertificationLevel) Valid() bool {
	switch l {
	case CertificationBasic, CertificationIntermediate, CertificationAdvanced, CertificationExpert:
		return true
	}
	return false
}

// Verifier is an accredited verification body.
type Verifier struct {
	ID                    id.VerifierID
	Authority             id.AccountID
	Name                  string
	CertificationLevel    CertificationLevel
	AccreditationBody     string
	IsActive              bool
	TotalProjectsVerified uint64
	TotalCreditsVerified  uint64
	CreatedAt             time.Time
}

// VerificationType distinguishes the lifecycle stage being verified.
type VerificationType string

const (
	TypeInitial            VerificationType = "Initial"
	TypePeriodic           VerificationType = "Periodic"
	TypePostImplementation VerificationType = "PostImplementation"
	TypeSurveillance       VerificationType = "Surveillance"
)

func (t VerificationType) Valid() bool {
	switch t {
	case TypeInitial, TypePeriodic, TypePostImplementation, TypeSurveillance:
		return true
	}
	return false
}

// RequestStatus tracks a verification request. Completed and Rejected are
// terminal. InProgress exists for external tooling but no operation here
// produces it.
type RequestStatus string

const (
	RequestPending    RequestStatus = "Pending"
	RequestInProgress RequestStatus = "InProgress"
	RequestCompleted  RequestStatus = "Completed"
	RequestRejected   RequestStatus = "Rejected"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestRejected
}

// Request is a project owner's ask for verification by a specific verifier.
type Request struct {
	ID               id.RequestID
	Project          id.ProjectID
	Requester        id.AccountID
	Verifier         id.VerifierID
	Type             VerificationType
	DocumentationURI string
	EstimatedCredits uint64
	Status           RequestStatus
	SubmittedAt      time.Time
	CompletedAt      *time.Time
}

// Result is the verifier's finding for a completed request. IsValid starts
// true and is cleared the moment a challenge opens; a rejected challenge
// restores it.
type Result struct {
	ID              id.ResultID
	Request         id.RequestID
	Verifier        id.VerifierID
	Project         id.ProjectID
	VerifiedCredits uint64
	Notes           string
	ComplianceScore uint8
	MethodologyUsed string
	VerifiedAt      time.Time
	IsValid         bool
}

// ChallengeStatus tracks a dispute. Upheld and Rejected are terminal.
type ChallengeStatus string

const (
	ChallengeOpen     ChallengeStatus = "Open"
	ChallengeUpheld   ChallengeStatus = "Upheld"
	ChallengeRejected ChallengeStatus = "Rejected"
)

// Resolution is the outcome applied when closing an open challenge.
type Resolution string

const (
	ResolutionUpheld   Resolution = "Upheld"
	ResolutionRejected Resolution = "Rejected"
)

func (r Resolution) Valid() bool {
	return r == ResolutionUpheld || r == ResolutionRejected
}

// Challenge is a dispute against a verification result.
type Challenge struct {
	ID              id.ChallengeID
	Verification    id.ResultID
	Challenger      id.AccountID
	Reason          string
	EvidenceURI     string
	Status          ChallengeStatus
	SubmittedAt     time.Time
	ResolvedAt      *time.Time
	ResolutionNotes string
}

// Report is an append-only detailed write-up attached to a result.
type Report struct {
	ID                 id.ReportID
	Verification       id.ResultID
	Verifier           id.VerifierID
	ReportURI          string
	MethodologyDetails string
	SamplingApproach   string
	CreatedAt          time.Time
}

func checkLen(field, value string, max int) error {
	if len(value) > max {
		return dErrors.Newf(dErrors.CodeValidation, "%s exceeds %d characters", field, max)
	}
	return nil
}
