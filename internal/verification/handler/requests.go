package handler

// InitializeVerifierRequest is the wire form for accrediting a verifier.
type InitializeVerifierRequest struct {
	Name               string `json:"name"`
	CertificationLevel string `json:"certification_level"`
	AccreditationBody  string `json:"accreditation_body"`
}

// UpdateVerifierStatusRequest toggles the active flag.
type UpdateVerifierStatusRequest struct {
	IsActive bool `json:"is_active"`
}

// SubmitRequestRequest is the wire form for requesting verification. The
// requester is the authenticated actor.
type SubmitRequestRequest struct {
	Project          string `json:"project"`
	Verifier         string `json:"verifier"`
	VerificationType string `json:"verification_type"`
	DocumentationURI string `json:"documentation_uri"`
	EstimatedCredits uint64 `json:"estimated_credits"`
}

// ConductVerificationRequest is the wire form for completing a request.
type ConductVerificationRequest struct {
	VerifiedCredits uint64 `json:"verified_credits"`
	Notes           string `json:"notes"`
	ComplianceScore uint8  `json:"compliance_score"`
	MethodologyUsed string `json:"methodology_used"`
}

// ChallengeVerificationRequest is the wire form for disputing a result.
type ChallengeVerificationRequest struct {
	Reason      string `json:"reason"`
	EvidenceURI string `json:"evidence_uri"`
}

// ResolveChallengeRequest is the wire form for closing a challenge.
type ResolveChallengeRequest struct {
	Resolution      string `json:"resolution"`
	ResolutionNotes string `json:"resolution_notes"`
}

// CreateReportRequest is the wire form for filing a detailed report.
type CreateReportRequest struct {
	ReportURI          string `json:"report_uri"`
	MethodologyDetails string `json:"methodology_details"`
	SamplingApproach   string `json:"sampling_approach"`
}
