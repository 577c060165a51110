package verification

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"carbonledger/internal/events"
	"carbonledger/internal/platform/metrics"
	"carbonledger/pkg/checked"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// Service implements the verification workflow. Completed requests and
// resolved challenges are terminal; a result's validity flips with the
// challenge lifecycle and nothing else.
type Service struct {
	store   Store
	tx      StoreTx
	emitter *events.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, tx StoreTx, emitter *events.Emitter, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		tx:      tx,
		emitter: emitter,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("carbonledger/verification"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializeVerifierRequest accredits a new verification body.
type InitializeVerifierRequest struct {
	Authority          id.AccountID
	Name               string
	CertificationLevel CertificationLevel
	AccreditationBody  string
}

func (s *Service) InitializeVerifier(ctx context.Context, req InitializeVerifierRequest) (*Verifier, error) {
	ctx, span := s.tracer.Start(ctx, "InitializeVerifier")
	defer span.End()
	defer s.observe("initialize_verifier", s.now())

	if req.Authority.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "authority is required")
	}
	if req.Name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "verifier name is required")
	}
	if err := checkLen("verifier name", req.Name, maxVerifierNameLen); err != nil {
		return nil, err
	}
	if !req.CertificationLevel.Valid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown certification level")
	}
	if err := checkLen("accreditation body", req.AccreditationBody, maxAccreditationLen); err != nil {
		return nil, err
	}

	record := &Verifier{
		ID:                 id.DeriveVerifierID(req.Authority),
		Authority:          req.Authority,
		Name:               req.Name,
		CertificationLevel: req.CertificationLevel,
		AccreditationBody:  req.AccreditationBody,
		IsActive:           true,
		CreatedAt:          s.now(),
	}
	if err := s.store.CreateVerifier(ctx, record); err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeVerifierInitialized, map[string]string{
		"verifier_id":         record.ID.String(),
		"authority":           record.Authority.String(),
		"name":                record.Name,
		"certification_level": string(record.CertificationLevel),
	}))
	return record, nil
}

// SubmitVerificationRequestRequest asks an active verifier to verify a
// project.
type SubmitVerificationRequestRequest struct {
	Project          id.ProjectID
	Requester        id.AccountID
	Verifier         id.VerifierID
	Type             VerificationType
	DocumentationURI string
	EstimatedCredits uint64
}

func (s *Service) SubmitVerificationRequest(ctx context.Context, req SubmitVerificationRequestRequest) (*Request, error) {
	ctx, span := s.tracer.Start(ctx, "SubmitVerificationRequest")
	defer span.End()
	defer s.observe("submit_request", s.now())

	if req.Project.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "project is required")
	}
	if req.Requester.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "requester is required")
	}
	if !req.Type.Valid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown verification type")
	}
	if err := checkLen("documentation URI", req.DocumentationURI, maxDocumentationURILen); err != nil {
		return nil, err
	}
	if req.EstimatedCredits == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "estimated credits must be positive")
	}

	var record *Request
	err := s.tx.RunInTx(ctx, req.Verifier.String(), func(store Store) error {
		verifier, err := store.GetVerifier(ctx, req.Verifier)
		if err != nil {
			return err
		}
		if !verifier.IsActive {
			return dErrors.New(dErrors.CodeInvariantViolation, "verifier is not active")
		}

		record = &Request{
			ID:               id.DeriveRequestID(req.Project, req.Requester),
			Project:          req.Project,
			Requester:        req.Requester,
			Verifier:         verifier.ID,
			Type:             req.Type,
			DocumentationURI: req.DocumentationURI,
			EstimatedCredits: req.EstimatedCredits,
			Status:           RequestPending,
			SubmittedAt:      s.now(),
		}
		return store.CreateRequest(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeVerificationRequestSubmitted, map[string]string{
		"request_id":        record.ID.String(),
		"project":           record.Project.String(),
		"requester":         record.Requester.String(),
		"verifier":          record.Verifier.String(),
		"verification_type": string(record.Type),
		"estimated_credits": strconv.FormatUint(record.EstimatedCredits, 10),
	}))
	return record, nil
}

// ConductVerificationRequest completes a pending request with a finding.
// Only the authority behind the assigned verifier may conduct it.
type ConductVerificationRequest struct {
	Request         id.RequestID
	Authority       id.AccountID
	VerifiedCredits uint64
	Notes           string
	ComplianceScore uint8
	MethodologyUsed string
}

func (s *Service) ConductVerification(ctx context.Context, req ConductVerificationRequest) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "ConductVerification")
	defer span.End()
	defer s.observe("conduct_verification", s.now())

	if err := checkLen("notes", req.Notes, maxNotesLen); err != nil {
		return nil, err
	}
	if req.ComplianceScore > maxComplianceScore {
		return nil, dErrors.Newf(dErrors.CodeValidation, "compliance score must not exceed %d", maxComplianceScore)
	}
	if err := checkLen("methodology", req.MethodologyUsed, maxMethodologyLen); err != nil {
		return nil, err
	}

	// The unit is keyed by the verifier whose counters move, so the
	// request is read once up front to learn it and re-read under the lock.
	pre, err := s.store.GetRequest(ctx, req.Request)
	if err != nil {
		return nil, err
	}

	var record *Result
	err = s.tx.RunInTx(ctx, pre.Verifier.String(), func(store Store) error {
		request, err := store.GetRequest(ctx, req.Request)
		if err != nil {
			return err
		}
		if request.Status != RequestPending {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"verification request is %s, only pending requests can be conducted", request.Status)
		}
		verifier, err := store.GetVerifier(ctx, request.Verifier)
		if err != nil {
			return err
		}
		if verifier.Authority != req.Authority {
			return dErrors.New(dErrors.CodeForbidden, "only the assigned verifier may conduct this verification")
		}
		if !verifier.IsActive {
			return dErrors.New(dErrors.CodeInvariantViolation, "verifier is not active")
		}

		newProjects, err := checked.Add(verifier.TotalProjectsVerified, 1)
		if err != nil {
			return err
		}
		newCredits, err := checked.Add(verifier.TotalCreditsVerified, req.VerifiedCredits)
		if err != nil {
			return err
		}

		now := s.now()
		record = &Result{
			ID:              id.DeriveResultID(request.ID),
			Request:         request.ID,
			Verifier:        verifier.ID,
			Project:         request.Project,
			VerifiedCredits: req.VerifiedCredits,
			Notes:           req.Notes,
			ComplianceScore: req.ComplianceScore,
			MethodologyUsed: req.MethodologyUsed,
			VerifiedAt:      now,
			IsValid:         true,
		}
		if err := store.CreateResult(ctx, record); err != nil {
			return err
		}

		request.Status = RequestCompleted
		request.CompletedAt = &now
		if err := store.UpdateRequest(ctx, request); err != nil {
			return err
		}

		verifier.TotalProjectsVerified = newProjects
		verifier.TotalCreditsVerified = newCredits
		return store.UpdateVerifier(ctx, verifier)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.VerificationsDone.Inc()
	s.emitter.Emit(ctx, events.New(events.TypeVerificationCompleted, map[string]string{
		"result_id":        record.ID.String(),
		"request_id":       record.Request.String(),
		"project":          record.Project.String(),
		"verified_credits": strconv.FormatUint(record.VerifiedCredits, 10),
		"compliance_score": strconv.Itoa(int(record.ComplianceScore)),
	}))
	return record, nil
}

// ChallengeVerificationRequest disputes a result. Opening a challenge
// immediately invalidates the result until the dispute resolves.
type ChallengeVerificationRequest struct {
	Verification id.ResultID
	Challenger   id.AccountID
	Reason       string
	EvidenceURI  string
}

func (s *Service) ChallengeVerification(ctx context.Context, req ChallengeVerificationRequest) (*Challenge, error) {
	ctx, span := s.tracer.Start(ctx, "ChallengeVerification")
	defer span.End()
	defer s.observe("challenge_verification", s.now())

	if req.Challenger.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "challenger is required")
	}
	if req.Reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "challenge reason is required")
	}
	if err := checkLen("challenge reason", req.Reason, maxChallengeReasonLen); err != nil {
		return nil, err
	}
	if err := checkLen("evidence URI", req.EvidenceURI, maxEvidenceURILen); err != nil {
		return nil, err
	}

	var record *Challenge
	err := s.tx.RunInTx(ctx, req.Verification.String(), func(store Store) error {
		result, err := store.GetResult(ctx, req.Verification)
		if err != nil {
			return err
		}

		record = &Challenge{
			ID:           id.DeriveChallengeID(result.ID, req.Challenger),
			Verification: result.ID,
			Challenger:   req.Challenger,
			Reason:       req.Reason,
			EvidenceURI:  req.EvidenceURI,
			Status:       ChallengeOpen,
			SubmittedAt:  s.now(),
		}
		if err := store.CreateChallenge(ctx, record); err != nil {
			return err
		}

		result.IsValid = false
		return store.UpdateResult(ctx, result)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ChallengesOpened.Inc()
	s.emitter.Emit(ctx, events.New(events.TypeVerificationChallenged, map[string]string{
		"challenge_id": record.ID.String(),
		"result_id":    record.Verification.String(),
		"challenger":   record.Challenger.String(),
	}))
	return record, nil
}

// ResolveChallengeRequest closes an open challenge. A rejected challenge
// restores the result's validity; an upheld one leaves it invalid.
type ResolveChallengeRequest struct {
	Challenge       id.ChallengeID
	Resolver        id.AccountID
	Resolution      Resolution
	ResolutionNotes string
}

func (s *Service) ResolveChallenge(ctx context.Context, req ResolveChallengeRequest) (*Challenge, error) {
	ctx, span := s.tracer.Start(ctx, "ResolveChallenge")
	defer span.End()
	defer s.observe("resolve_challenge", s.now())

	if !req.Resolution.Valid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown resolution")
	}
	if err := checkLen("resolution notes", req.ResolutionNotes, maxResolutionNotesLen); err != nil {
		return nil, err
	}

	var record *Challenge
	err := s.tx.RunInTx(ctx, req.Challenge.String(), func(store Store) error {
		challenge, err := store.GetChallenge(ctx, req.Challenge)
		if err != nil {
			return err
		}
		if challenge.Status != ChallengeOpen {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"challenge is %s, only open challenges can be resolved", challenge.Status)
		}
		result, err := store.GetResult(ctx, challenge.Verification)
		if err != nil {
			return err
		}
		verifier, err := store.GetVerifier(ctx, result.Verifier)
		if err != nil {
			return err
		}
		if verifier.Authority != req.Resolver {
			return dErrors.New(dErrors.CodeForbidden, "only the verifier authority may resolve challenges")
		}

		now := s.now()
		switch req.Resolution {
		case ResolutionUpheld:
			challenge.Status = ChallengeUpheld
			result.IsValid = false
		case ResolutionRejected:
			challenge.Status = ChallengeRejected
			result.IsValid = true
		}
		challenge.ResolvedAt = &now
		challenge.ResolutionNotes = req.ResolutionNotes

		if err := store.UpdateResult(ctx, result); err != nil {
			return err
		}
		if err := store.UpdateChallenge(ctx, challenge); err != nil {
			return err
		}
		record = challenge
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeChallengeResolved, map[string]string{
		"challenge_id": record.ID.String(),
		"result_id":    record.Verification.String(),
		"resolution":   string(record.Status),
	}))
	return record, nil
}

// UpdateVerifierStatusRequest toggles a verifier's active flag.
type UpdateVerifierStatusRequest struct {
	Verifier  id.VerifierID
	Authority id.AccountID
	IsActive  bool
}

func (s *Service) UpdateVerifierStatus(ctx context.Context, req UpdateVerifierStatusRequest) (*Verifier, error) {
	ctx, span := s.tracer.Start(ctx, "UpdateVerifierStatus")
	defer span.End()
	defer s.observe("update_verifier_status", s.now())

	var record *Verifier
	var oldActive bool
	err := s.tx.RunInTx(ctx, req.Verifier.String(), func(store Store) error {
		verifier, err := store.GetVerifier(ctx, req.Verifier)
		if err != nil {
			return err
		}
		if verifier.Authority != req.Authority {
			return dErrors.New(dErrors.CodeForbidden, "only the verifier authority may update its status")
		}
		oldActive = verifier.IsActive
		verifier.IsActive = req.IsActive
		record = verifier
		return store.UpdateVerifier(ctx, verifier)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeVerifierStatusUpdated, map[string]string{
		"verifier_id": record.ID.String(),
		"old_active":  strconv.FormatBool(oldActive),
		"new_active":  strconv.FormatBool(record.IsActive),
	}))
	return record, nil
}

// CreateVerificationReportRequest attaches a detailed report to a result.
type CreateVerificationReportRequest struct {
	Verification       id.ResultID
	Authority          id.AccountID
	ReportURI          string
	MethodologyDetails string
	SamplingApproach   string
}

func (s *Service) CreateVerificationReport(ctx context.Context, req CreateVerificationReportRequest) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "CreateVerificationReport")
	defer span.End()
	defer s.observe("create_report", s.now())

	if err := checkLen("report URI", req.ReportURI, maxReportURILen); err != nil {
		return nil, err
	}
	if err := checkLen("methodology details", req.MethodologyDetails, maxMethodologyDetailLen); err != nil {
		return nil, err
	}
	if err := checkLen("sampling approach", req.SamplingApproach, maxSamplingApproachLen); err != nil {
		return nil, err
	}

	var record *Report
	err := s.tx.RunInTx(ctx, req.Verification.String(), func(store Store) error {
		result, err := store.GetResult(ctx, req.Verification)
		if err != nil {
			return err
		}
		verifier, err := store.GetVerifier(ctx, result.Verifier)
		if err != nil {
			return err
		}
		if verifier.Authority != req.Authority {
			return dErrors.New(dErrors.CodeForbidden, "only the verifier authority may file reports")
		}

		record = &Report{
			ID:                 id.DeriveReportID(result.ID),
			Verification:       result.ID,
			Verifier:           verifier.ID,
			ReportURI:          req.ReportURI,
			MethodologyDetails: req.MethodologyDetails,
			SamplingApproach:   req.SamplingApproach,
			CreatedAt:          s.now(),
		}
		return store.AppendReport(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeVerificationReportCreated, map[string]string{
		"report_id": record.ID.String(),
		"result_id": record.Verification.String(),
	}))
	return record, nil
}

// IsProjectVerified reports whether the project holds at least one valid
// result belonging to a completed request.
func (s *Service) IsProjectVerified(ctx context.Context, project id.ProjectID) (bool, error) {
	results, err := s.store.ListResultsByProject(ctx, project)
	if err != nil {
		return false, err
	}
	for _, result := range results {
		if !result.IsValid {
			continue
		}
		request, err := s.store.GetRequest(ctx, result.Request)
		if err != nil {
			return false, err
		}
		if request.Status == RequestCompleted {
			return true, nil
		}
	}
	return false, nil
}

// GetVerifier reads a verifier record.
func (s *Service) GetVerifier(ctx context.Context, verifierID id.VerifierID) (*Verifier, error) {
	return s.store.GetVerifier(ctx, verifierID)
}

// GetRequest reads a verification request.
func (s *Service) GetRequest(ctx context.Context, requestID id.RequestID) (*Request, error) {
	return s.store.GetRequest(ctx, requestID)
}

// GetResult reads a verification result.
func (s *Service) GetResult(ctx context.Context, resultID id.ResultID) (*Result, error) {
	return s.store.GetResult(ctx, resultID)
}

func (s *Service) observe(operation string, start time.Time) {
	s.metrics.OperationDuration.WithLabelValues("verification", operation).Observe(time.Since(start).Seconds())
}
