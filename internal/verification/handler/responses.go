package handler

import (
	"time"

	"carbonledger/internal/verification"
)

// VerifierResponse is the wire form of a verifier record.
type VerifierResponse struct {
	ID                    string    `json:"id"`
	Authority             string    `json:"authority"`
	Name                  string    `json:"name"`
	CertificationLevel    string    `json:"certification_level"`
	AccreditationBody     string    `json:"accreditation_body"`
	IsActive              bool      `json:"is_active"`
	TotalProjectsVerified uint64    `json:"total_projects_verified"`
	TotalCreditsVerified  uint64    `json:"total_credits_verified"`
	CreatedAt             time.Time `json:"created_at"`
}

func fromVerifier(record *verification.Verifier) VerifierResponse {
	return VerifierResponse{
		ID:                    record.ID.String(),
		Authority:             record.Authority.String(),
		Name:                  record.Name,
		CertificationLevel:    string(record.CertificationLevel),
		AccreditationBody:     record.AccreditationBody,
		IsActive:              record.IsActive,
		TotalProjectsVerified: record.TotalProjectsVerified,
		TotalCreditsVerified:  record.TotalCreditsVerified,
		CreatedAt:             record.CreatedAt,
	}
}

// RequestResponse is the wire form of a verification request.
type RequestResponse struct {
	ID               string     `json:"id"`
	Project          string     `json:"project"`
	Requester        string     `json:"requester"`
	Verifier         string     `json:"verifier"`
	VerificationType string     `json:"verification_type"`
	DocumentationURI string     `json:"documentation_uri"`
	EstimatedCredits uint64     `json:"estimated_credits"`
	Status           string     `json:"status"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func fromRequest(record *verification.Request) RequestResponse {
	return RequestResponse{
		ID:               record.ID.String(),
		Project:          record.Project.String(),
		Requester:        record.Requester.String(),
		Verifier:         record.Verifier.String(),
		VerificationType: string(record.Type),
		DocumentationURI: record.DocumentationURI,
		EstimatedCredits: record.EstimatedCredits,
		Status:           string(record.Status),
		SubmittedAt:      record.SubmittedAt,
		CompletedAt:      record.CompletedAt,
	}
}

// ResultResponse is the wire form of a verification result.
type ResultResponse struct {
	ID              string    `json:"id"`
	Request         string    `json:"request"`
	Verifier        string    `json:"verifier"`
	Project         string    `json:"project"`
	VerifiedCredits uint64    `json:"verified_credits"`
	Notes           string    `json:"notes"`
	ComplianceScore uint8     `json:"compliance_score"`
	MethodologyUsed string    `json:"methodology_used"`
	VerifiedAt      time.Time `json:"verified_at"`
	IsValid         bool      `json:"is_valid"`
}

func fromResult(record *verification.Result) ResultResponse {
	return ResultResponse{
		ID:              record.ID.String(),
		Request:         record.Request.String(),
		Verifier:        record.Verifier.String(),
		Project:         record.Project.String(),
		VerifiedCredits: record.VerifiedCredits,
		Notes:           record.Notes,
		ComplianceScore: record.ComplianceScore,
		MethodologyUsed: record.MethodologyUsed,
		VerifiedAt:      record.VerifiedAt,
		IsValid:         record.IsValid,
	}
}

// ChallengeResponse is the wire form of a challenge record.
type ChallengeResponse struct {
	ID              string     `json:"id"`
	Verification    string     `json:"verification"`
	Challenger      string     `json:"challenger"`
	Reason          string     `json:"reason"`
	EvidenceURI     string     `json:"evidence_uri"`
	Status          string     `json:"status"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

func fromChallenge(record *verification.Challenge) ChallengeResponse {
	return ChallengeResponse{
		ID:              record.ID.String(),
		Verification:    record.Verification.String(),
		Challenger:      record.Challenger.String(),
		Reason:          record.Reason,
		EvidenceURI:     record.EvidenceURI,
		Status:          string(record.Status),
		SubmittedAt:     record.SubmittedAt,
		ResolvedAt:      record.ResolvedAt,
		ResolutionNotes: record.ResolutionNotes,
	}
}

// ReportResponse is the wire form of a verification report.
type ReportResponse struct {
	ID                 string    `json:"id"`
	Verification       string    `json:"verification"`
	Verifier           string    `json:"verifier"`
	ReportURI          string    `json:"report_uri"`
	MethodologyDetails string    `json:"methodology_details"`
	SamplingApproach   string    `json:"sampling_approach"`
	CreatedAt          time.Time `json:"created_at"`
}

func fromReport(record *verification.Report) ReportResponse {
	return ReportResponse{
		ID:                 record.ID.String(),
		Verification:       record.Verification.String(),
		Verifier:           record.Verifier.String(),
		ReportURI:          record.ReportURI,
		MethodologyDetails: record.MethodologyDetails,
		SamplingApproach:   record.SamplingApproach,
		CreatedAt:          record.CreatedAt,
	}
}

// ProjectVerifiedResponse answers the verified-status query.
type ProjectVerifiedResponse struct {
	Project  string `json:"project"`
	Verified bool   `json:"verified"`
}
