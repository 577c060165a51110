package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"carbonledger/internal/platform/middleware"
	"carbonledger/internal/verification"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/httputil"
)

// Service defines the verification operations the handler depends on.
type Service interface {
	InitializeVerifier(ctx context.Context, req verification.InitializeVerifierRequest) (*verification.Verifier, error)
	SubmitVerificationRequest(ctx context.Context, req verification.SubmitVerificationRequestRequest) (*verification.Request, error)
	ConductVerification(ctx context.Context, req verification.ConductVerificationRequest) (*verification.Result, error)
	ChallengeVerification(ctx context.Context, req verification.ChallengeVerificationRequest) (*verification.Challenge, error)
	ResolveChallenge(ctx context.Context, req verification.ResolveChallengeRequest) (*verification.Challenge, error)
	UpdateVerifierStatus(ctx context.Context, req verification.UpdateVerifierStatusRequest) (*verification.Verifier, error)
	CreateVerificationReport(ctx context.Context, req verification.CreateVerificationReportRequest) (*verification.Report, error)
	IsProjectVerified(ctx context.Context, project id.ProjectID) (bool, error)
	GetVerifier(ctx context.Context, verifierID id.VerifierID) (*verification.Verifier, error)
	GetRequest(ctx context.Context, requestID id.RequestID) (*verification.Request, error)
	GetResult(ctx context.Context, resultID id.ResultID) (*verification.Result, error)
}

// Handler wires verification endpoints to the verification service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a verification handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts verification endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/verification/verifiers", h.HandleInitializeVerifier)
	r.Get("/verification/verifiers/{verifierID}", h.HandleGetVerifier)
	r.Put("/verification/verifiers/{verifierID}/status", h.HandleUpdateVerifierStatus)
	r.Post("/verification/requests", h.HandleSubmitRequest)
	r.Get("/verification/requests/{requestID}", h.HandleGetRequest)
	r.Post("/verification/requests/{requestID}/conduct", h.HandleConductVerification)
	r.Get("/verification/results/{resultID}", h.HandleGetResult)
	r.Post("/verification/results/{resultID}/challenges", h.HandleChallengeVerification)
	r.Post("/verification/results/{resultID}/reports", h.HandleCreateReport)
	r.Post("/verification/challenges/{challengeID}/resolve", h.HandleResolveChallenge)
	r.Get("/verification/projects/{projectID}/verified", h.HandleIsProjectVerified)
}

func (h *Handler) HandleInitializeVerifier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.Decode[InitializeVerifierRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.InitializeVerifier(ctx, verification.InitializeVerifierRequest{
		Authority:          actor,
		Name:               req.Name,
		CertificationLevel: verification.CertificationLevel(req.CertificationLevel),
		AccreditationBody:  req.AccreditationBody,
	})
	if err != nil {
		h.logError(ctx, "initialize verifier failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromVerifier(record))
}

func (h *Handler) HandleGetVerifier(w http.ResponseWriter, r *http.Request) {
	verifierID, err := id.ParseVerifierID(chi.URLParam(r, "verifierID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.GetVerifier(r.Context(), verifierID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromVerifier(record))
}

func (h *Handler) HandleUpdateVerifierStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	verifierID, err := id.ParseVerifierID(chi.URLParam(r, "verifierID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[UpdateVerifierStatusRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.UpdateVerifierStatus(ctx, verification.UpdateVerifierStatusRequest{
		Verifier:  verifierID,
		Authority: actor,
		IsActive:  req.IsActive,
	})
	if err != nil {
		h.logError(ctx, "update verifier status failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromVerifier(record))
}

func (h *Handler) HandleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.Decode[SubmitRequestRequest](w, r, h.logger)
	if !ok {
		return
	}
	projectID, err := id.ParseProjectID(req.Project)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	verifierID, err := id.ParseVerifierID(req.Verifier)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.service.SubmitVerificationRequest(ctx, verification.SubmitVerificationRequestRequest{
		Project:          projectID,
		Requester:        actor,
		Verifier:         verifierID,
		Type:             verification.VerificationType(req.VerificationType),
		DocumentationURI: req.DocumentationURI,
		EstimatedCredits: req.EstimatedCredits,
	})
	if err != nil {
		h.logError(ctx, "submit verification request failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromRequest(record))
}

func (h *Handler) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := id.ParseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.GetRequest(r.Context(), requestID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromRequest(record))
}

func (h *Handler) HandleConductVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	requestID, err := id.ParseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[ConductVerificationRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.ConductVerification(ctx, verification.ConductVerificationRequest{
		Request:         requestID,
		Authority:       actor,
		VerifiedCredits: req.VerifiedCredits,
		Notes:           req.Notes,
		ComplianceScore: req.ComplianceScore,
		MethodologyUsed: req.MethodologyUsed,
	})
	if err != nil {
		h.logError(ctx, "conduct verification failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromResult(record))
}

func (h *Handler) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	resultID, err := id.ParseResultID(chi.URLParam(r, "resultID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.GetResult(r.Context(), resultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromResult(record))
}

func (h *Handler) HandleChallengeVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	resultID, err := id.ParseResultID(chi.URLParam(r, "resultID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[ChallengeVerificationRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.ChallengeVerification(ctx, verification.ChallengeVerificationRequest{
		Verification: resultID,
		Challenger:   actor,
		Reason:       req.Reason,
		EvidenceURI:  req.EvidenceURI,
	})
	if err != nil {
		h.logError(ctx, "challenge verification failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromChallenge(record))
}

func (h *Handler) HandleResolveChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	challengeID, err := id.ParseChallengeID(chi.URLParam(r, "challengeID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[ResolveChallengeRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.ResolveChallenge(ctx, verification.ResolveChallengeRequest{
		Challenge:       challengeID,
		Resolver:        actor,
		Resolution:      verification.Resolution(req.Resolution),
		ResolutionNotes: req.ResolutionNotes,
	})
	if err != nil {
		h.logError(ctx, "resolve challenge failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromChallenge(record))
}

func (h *Handler) HandleCreateReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	resultID, err := id.ParseResultID(chi.URLParam(r, "resultID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[CreateReportRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.CreateVerificationReport(ctx, verification.CreateVerificationReportRequest{
		Verification:       resultID,
		Authority:          actor,
		ReportURI:          req.ReportURI,
		MethodologyDetails: req.MethodologyDetails,
		SamplingApproach:   req.SamplingApproach,
	})
	if err != nil {
		h.logError(ctx, "create verification report failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromReport(record))
}

func (h *Handler) HandleIsProjectVerified(w http.ResponseWriter, r *http.Request) {
	projectID, err := id.ParseProjectID(chi.URLParam(r, "projectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	verified, err := h.service.IsProjectVerified(r.Context(), projectID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ProjectVerifiedResponse{
		Project:  projectID.String(),
		Verified: verified,
	})
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", middleware.GetRequestID(ctx),
		"error", err,
	)
}

func requireActor(w http.ResponseWriter, ctx context.Context) (id.AccountID, bool) {
	actor, err := id.ParseAccountID(middleware.GetActorID(ctx))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.AccountID{}, false
	}
	return actor, true
}
