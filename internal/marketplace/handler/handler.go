package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carbonledger/internal/marketplace"
	"carbonledger/internal/platform/middleware"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/httputil"
)

// Service defines the marketplace operations the handler depends on.
type Service interface {
	InitializeMarketplace(ctx context.Context, req marketplace.InitializeMarketplaceRequest) (*marketplace.Marketplace, error)
	CreateCarbonProject(ctx context.Context, req marketplace.CreateCarbonProjectRequest) (*marketplace.Project, error)
	SetProjectVerified(ctx context.Context, req marketplace.SetProjectVerifiedRequest) (*marketplace.Project, error)
	SetProjectIssued(ctx context.Context, req marketplace.SetProjectIssuedRequest) (*marketplace.Project, error)
	ListCredits(ctx context.Context, req marketplace.ListCreditsRequest) (*marketplace.Listing, error)
	PurchaseCredits(ctx context.Context, req marketplace.PurchaseCreditsRequest) (*marketplace.Purchase, error)
	CancelListing(ctx context.Context, req marketplace.CancelListingRequest) (*marketplace.Listing, error)
	RetireCredits(ctx context.Context, req marketplace.RetireCreditsRequest) (*marketplace.Retirement, error)
	GetMarketplace(ctx context.Context, marketplaceID id.MarketplaceID) (*marketplace.Marketplace, error)
	GetProject(ctx context.Context, projectID id.ProjectID) (*marketplace.Project, error)
	GetListing(ctx context.Context, listingID id.ListingID) (*marketplace.Listing, error)
}

// Handler wires marketplace endpoints to the marketplace engine.
type Handler struct {
	service  Service
	defaults Defaults
	logger   *slog.Logger
}

// Defaults fill marketplace-initialization fields the request leaves unset.
type Defaults struct {
	FeeBps          uint16
	MinCreditAmount uint64
}

// New constructs a marketplace handler.
func New(service Service, defaults Defaults, logger *slog.Logger) *Handler {
	return &Handler{service: service, defaults: defaults, logger: logger}
}

// Register mounts marketplace endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/marketplace", h.HandleInitializeMarketplace)
	r.Get("/marketplace/{marketplaceID}", h.HandleGetMarketplace)
	r.Post("/marketplace/{marketplaceID}/projects", h.HandleCreateCarbonProject)
	r.Get("/marketplace/projects/{projectID}", h.HandleGetProject)
	r.Put("/marketplace/{marketplaceID}/projects/{projectID}/verified", h.HandleSetProjectVerified)
	r.Put("/marketplace/{marketplaceID}/projects/{projectID}/issued", h.HandleSetProjectIssued)
	r.Post("/marketplace/{marketplaceID}/projects/{projectID}/listings", h.HandleListCredits)
	r.Get("/marketplace/listings/{listingID}", h.HandleGetListing)
	r.Post("/marketplace/{marketplaceID}/listings/{listingID}/purchases", h.HandlePurchaseCredits)
	r.Post("/marketplace/{marketplaceID}/listings/{listingID}/cancel", h.HandleCancelListing)
	r.Post("/marketplace/{marketplaceID}/projects/{projectID}/retirements", h.HandleRetireCredits)
}

func (h *Handler) HandleInitializeMarketplace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.Decode[InitializeMarketplaceRequest](w, r, h.logger)
	if !ok {
		return
	}

	feeBps := h.defaults.FeeBps
	if req.FeeBps != nil {
		feeBps = *req.FeeBps
	}
	minCreditAmount := h.defaults.MinCreditAmount
	if req.MinCreditAmount != nil {
		minCreditAmount = *req.MinCreditAmount
	}

	record, err := h.service.InitializeMarketplace(ctx, marketplace.InitializeMarketplaceRequest{
		Authority:       actor,
		FeeBps:          feeBps,
		MinCreditAmount: minCreditAmount,
	})
	if err != nil {
		h.logError(ctx, "initialize marketplace failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromMarketplace(record))
}

func (h *Handler) HandleGetMarketplace(w http.ResponseWriter, r *http.Request) {
	marketplaceID, err := id.ParseMarketplaceID(chi.URLParam(r, "marketplaceID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.GetMarketplace(r.Context(), marketplaceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromMarketplace(record))
}

func (h *Handler) HandleCreateCarbonProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	marketplaceID, err := id.ParseMarketplaceID(chi.URLParam(r, "marketplaceID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[CreateCarbonProjectRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.CreateCarbonProject(ctx, marketplace.CreateCarbonProjectRequest{
		Marketplace:      marketplaceID,
		Developer:        actor,
		ProjectID:        req.ProjectID,
		Name:             req.Name,
		Type:             marketplace.ProjectType(req.ProjectType),
		Location:         req.Location,
		EstimatedCredits: req.EstimatedCredits,
		Standard:         marketplace.Standard(req.Standard),
		MetadataURI:      req.MetadataURI,
	})
	if err != nil {
		h.logError(ctx, "create carbon project failed", err)
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

func (h *Handler) HandleSetProjectVerified(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireActor(w, ctx); !ok {
		return
	}
	marketplaceID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}

	record, err := h.service.SetProjectVerified(ctx, marketplace.SetProjectVerifiedRequest{
		Marketplace: marketplaceID,
		Project:     projectID,
	})
	if err != nil {
		h.logError(ctx, "set project verified failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromProject(record))
}

func (h *Handler) HandleSetProjectIssued(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	marketplaceID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[SetProjectIssuedRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.SetProjectIssued(ctx, marketplace.SetProjectIssuedRequest{
		Marketplace:   marketplaceID,
		Authority:     actor,
		Project:       projectID,
		IssuedCredits: req.IssuedCredits,
	})
	if err != nil {
		h.logError(ctx, "set project issued failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromProject(record))
}

func (h *Handler) HandleListCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	marketplaceID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[ListCreditsRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.ListCredits(ctx, marketplace.ListCreditsRequest{
		Marketplace:    marketplaceID,
		Project:        projectID,
		Seller:         actor,
		Amount:         req.Amount,
		PricePerCredit: req.PricePerCredit,
		ExpiryTime:     req.ExpiryTime,
	})
	if err != nil {
		h.logError(ctx, "list credits failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromListing(record))
}

func (h *Handler) HandleGetListing(w http.ResponseWriter, r *http.Request) {
	listingID, err := id.ParseListingID(chi.URLParam(r, "listingID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.service.GetListing(r.Context(), listingID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromListing(record))
}

func (h *Handler) HandlePurchaseCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	marketplaceID, listingID, ok := listingPathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[PurchaseCreditsRequest](w, r, h.logger)
	if !ok {
		return
	}

	start := time.Now()
	record, err := h.service.PurchaseCredits(ctx, marketplace.PurchaseCreditsRequest{
		Marketplace: marketplaceID,
		Listing:     listingID,
		Buyer:       actor,
		Amount:      req.Amount,
	})
	if err != nil {
		h.logError(ctx, "purchase credits failed", err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "credits purchased",
		"request_id", middleware.GetRequestID(ctx),
		"purchase_id", record.ID,
		"amount", record.Amount,
		"total_paid", record.TotalPaid,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, fromPurchase(record))
}

func (h *Handler) HandleCancelListing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	marketplaceID, listingID, ok := listingPathIDs(w, r)
	if !ok {
		return
	}

	record, err := h.service.CancelListing(ctx, marketplace.CancelListingRequest{
		Marketplace: marketplaceID,
		Listing:     listingID,
		Seller:      actor,
	})
	if err != nil {
		h.logError(ctx, "cancel listing failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromListing(record))
}

func (h *Handler) HandleRetireCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, ctx)
	if !ok {
		return
	}
	marketplaceID, projectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[RetireCreditsRequest](w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.service.RetireCredits(ctx, marketplace.RetireCreditsRequest{
		Marketplace: marketplaceID,
		Project:     projectID,
		Owner:       actor,
		Amount:      req.Amount,
		Reason:      req.Reason,
	})
	if err != nil {
		h.logError(ctx, "retire credits failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fromRetirement(record))
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

func pathIDs(w http.ResponseWriter, r *http.Request) (id.MarketplaceID, id.ProjectID, bool) {
	marketplaceID, err := id.ParseMarketplaceID(chi.URLParam(r, "marketplaceID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.MarketplaceID{}, id.ProjectID{}, false
	}
	projectID, err := id.ParseProjectID(chi.URLParam(r, "projectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.MarketplaceID{}, id.ProjectID{}, false
	}
	return marketplaceID, projectID, true
}

func listingPathIDs(w http.ResponseWriter, r *http.Request) (id.MarketplaceID, id.ListingID, bool) {
	marketplaceID, err := id.ParseMarketplaceID(chi.URLParam(r, "marketplaceID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.MarketplaceID{}, id.ListingID{}, false
	}
	listingID, err := id.ParseListingID(chi.URLParam(r, "listingID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.MarketplaceID{}, id.ListingID{}, false
	}
	return marketplaceID, listingID, true
}
