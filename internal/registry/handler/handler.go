package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carbonledger/internal/platform/middleware"
	"carbonledger/internal/registry"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/httputil"
)

// Service defines the registry operations the handler depends on.
type Service interface {
	InitializeRegistry(ctx context.Context, req registry.InitializeRegistryRequest) (*registry.Registry, error)
	RegisterProject(ctx context.Context, req registry.RegisterProjectRequest) (*registry.Project, error)
	IssueCredits(ctx context.Context, req registry.IssueCreditsRequest) (*registry.Issuance, error)
	TransferCredits(ctx context.Context, req registry.TransferCreditsRequest) (*registry.Transfer, error)
	RetireCredits(ctx context.Context, req registry.RetireCreditsRequest) (*registry.Retirement, error)
	CreateBatch(ctx context.Context, req registry.CreateBatchRequest) (*registry.Batch, error)
	UpdateProjectStatus(ctx context.Context, req registry.UpdateProjectStatusRequest) (*registry.Project, error)
	AddProjectMetadata(ctx context.Context, req registry.AddProjectMetadataRequest) (*registry.Metadata, error)
	GetRegistry(ctx context.Context, registryID id.RegistryID) (*registry.Registry, error)
	GetProject(ctx context.Context, projectID id.ProjectID) (*registry.Project, error)
}

// Handler wires registry endpoints to the registry service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a registry handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts registry endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/registry", h.HandleInitializeRegistry)
	r.Get("/registry/{registryID}", h.HandleGetRegistry)
	r.Post("/registry/{registryID}/projects", h.HandleRegisterProject)
	r.Get("/registry/projects/{projectID}", h.HandleGetProject)
	r.Post("/registry/{registryID}/projects/{projectID}/issuances", h.HandleIssueCredits)
	r.Post("/registry/{registryID}/projects/{projectID}/transfers", h.HandleTransferCredits)
	r.Post("/registry/{registryID}/projects/{projectID}/retirements", h.HandleRetireCredits)
	r.Post("/registry/{registryID}/projects/{projectID}/batches", h.HandleCreateBatch)
	r.Put("/registry/{registryID}/projects/{projectID}/status", h.HandleUpdateProjectStatus)
	r.Post("/registry/{registryID}/projects/{projectID}/metadata", h.HandleAddProjectMetadata)
}

func (h *Handler) HandleInitializeRegistry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.Decode[InitializeRegistryRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.InitializeRegistry(ctx, registry.InitializeRegistryRequest{
		Authority: actor,
		Name:      req.Name,
		BaseURI:   req.BaseURI,
	})
	if err != nil {
		h.logError(ctx, "initialize registry failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromRegistry(record))
}

func (h *Handler) HandleGetRegistry(w http.ResponseWriter, r *http.Request) {
	registryID, err := id.ParseRegistryID(chi.URLParam(r, "registryID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.GetRegistry(r.Context(), registryID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromRegistry(record))
}

func (h *Handler) HandleRegisterProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	registryID, err := id.ParseRegistryID(chi.URLParam(r, "registryID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[RegisterProjectRequest](w, r, h.logger)
	if !ok {
		return
	}
	developer, err := id.ParseAccountID(req.Developer)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.service.RegisterProject(ctx, registry.RegisterProjectRequest{
		Registry:    registryID,
		Authority:   actor,
		ProjectID:   req.ProjectID,
		VintageYear: req.VintageYear,
		Methodology: req.Methodology,
		CountryCode: req.CountryCode,
		Developer:   developer,
	})
	if err != nil {
		h.logError(ctx, "register project failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromProject(record))
}

func (h *Handler) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := id.ParseProjectID(chi.URLParam(r, "projectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.GetProject(r.Context(), projectID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromProject(record))
}

func (h *Handler) HandleIssueCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	registryID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[IssueCreditsRequest](w, r, h.logger)
	if !ok {
		return
	}
	recipient, err := id.ParseAccountID(req.Recipient)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	start := time.Now()
	record, err := h.service.IssueCredits(ctx, registry.IssueCreditsRequest{
		Registry:     registryID,
		Authority:    actor,
		Project:      projectID,
		SerialPrefix: req.SerialNumberPrefix,
		Quantity:     req.Quantity,
		IssuanceDate: req.IssuanceDate,
		Recipient:    recipient,
	})
	if err != nil {
		h.logError(ctx, "issue credits failed", err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "credits issued",
		"request_id", middleware.GetRequestID(ctx),
		"issuance_id", record.ID,
		"quantity", record.Quantity,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, fromIssuance(record))
}

func (h *Handler) HandleTransferCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	registryID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[TransferCreditsRequest](w, r, h.logger)
	if !ok {
		return
	}
	to, err := id.ParseAccountID(req.To)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.service.TransferCredits(ctx, registry.TransferCreditsRequest{
		Registry: registryID,
		Project:  projectID,
		From:     actor,
		To:       to,
		Quantity: req.Quantity,
		Reason:   req.Reason,
	})
	if err != nil {
		h.logError(ctx, "transfer credits failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromTransfer(record))
}

func (h *Handler) HandleRetireCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	registryID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[RetireCreditsRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.RetireCredits(ctx, registry.RetireCreditsRequest{
		Registry:    registryID,
		Project:     projectID,
		Owner:       actor,
		Quantity:    req.Quantity,
		Reason:      req.Reason,
		Beneficiary: req.Beneficiary,
	})
	if err != nil {
		h.logError(ctx, "retire credits failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromRetirement(record))
}

func (h *Handler) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	registryID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[CreateBatchRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.CreateBatch(ctx, registry.CreateBatchRequest{
		Registry:            registryID,
		Authority:           actor,
		Project:             projectID,
		BatchID:             req.BatchID,
		VintageStart:        req.VintageStart,
		VintageEnd:          req.VintageEnd,
		MonitoringReportURI: req.MonitoringReportURI,
	})
	if err != nil {
		h.logError(ctx, "create batch failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromBatch(record))
}

func (h *Handler) HandleUpdateProjectStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	registryID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[UpdateProjectStatusRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.UpdateProjectStatus(ctx, registry.UpdateProjectStatusRequest{
		Registry:  registryID,
		Authority: actor,
		Project:   projectID,
		NewStatus: registry.ProjectStatus(req.NewStatus),
		Reason:    req.Reason,
	})
	if err != nil {
		h.logError(ctx, "update project status failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromProject(record))
}

func (h *Handler) HandleAddProjectMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireActor(w, ctx); !ok {
		return
	}
	registryID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[AddProjectMetadataRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.AddProjectMetadata(ctx, registry.AddProjectMetadataRequest{
		Registry:    registryID,
		Project:     projectID,
		Type:        registry.MetadataType(req.MetadataType),
		URI:         req.URI,
		Description: req.Description,
	})
	if err != nil {
		h.logError(ctx, "add project metadata failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromMetadata(record))
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

func pathIDs(w http.ResponseWriter, r *http.Request) (id.RegistryID, id.ProjectID, bool) {
	registryID, err := id.ParseRegistryID(chi.URLParam(r, "registryID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.RegistryID{}, id.ProjectID{}, false
	}
	projectID, err := id.ParseProjectID(chi.URLParam(r, "projectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.RegistryID{}, id.ProjectID{}, false
	}
	return registryID, projectID, true
}
