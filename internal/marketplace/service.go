package marketplace

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"carbonledger/internal/assets"
	"carbonledger/internal/events"
	"carbonledger/internal/platform/metrics"
	"carbonledger/pkg/checked"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// Service implements the marketplace engine. Purchases are serialized per
// listing; payment transfers are ordered before any store write so a failed
// split leaves no partial state.
type Service struct {
	store    Store
	tx       StoreTx
	assets   assets.Service
	verifier ProjectVerifier
	bridge   RetirementBridge
	emitter  *events.Emitter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetirementBridge routes marketplace retirements through the
// authoritative ledger burn before local bookkeeping.
func WithRetirementBridge(bridge RetirementBridge) Option {
	return func(s *Service) { s.bridge = bridge }
}

func NewService(store Store, tx StoreTx, assetSvc assets.Service, verifier ProjectVerifier, emitter *events.Emitter, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		tx:       tx,
		assets:   assetSvc,
		verifier: verifier,
		emitter:  emitter,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("carbonledger/marketplace"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializeMarketplaceRequest creates the marketplace for an authority.
type InitializeMarketplaceRequest struct {
	Authority       id.AccountID
	FeeBps          uint16
	MinCreditAmount uint64
}

func (s *Service) InitializeMarketplace(ctx context.Context, req InitializeMarketplaceRequest) (*Marketplace, error) {
	ctx, span := s.tracer.Start(ctx, "InitializeMarketplace")
	defer span.End()
	defer s.observe("initialize_marketplace", s.now())

	if req.Authority.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "authority is required")
	}
	if req.FeeBps > maxFeeBps {
		return nil, dErrors.Newf(dErrors.CodeValidation, "fee must not exceed %d basis points", maxFeeBps)
	}
	if req.MinCreditAmount == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "minimum credit amount must be positive")
	}

	record := &Marketplace{
		ID:              id.DeriveMarketplaceID(req.Authority),
		Authority:       req.Authority,
		FeeBps:          req.FeeBps,
		MinCreditAmount: req.MinCreditAmount,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateMarketplace(ctx, record); err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeMarketplaceInitialized, map[string]string{
		"marketplace_id": record.ID.String(),
		"authority":      record.Authority.String(),
		"fee_bps":        strconv.Itoa(int(record.FeeBps)),
	}))
	return record, nil
}

// CreateCarbonProjectRequest registers a project with the marketplace in
// Pending status.
type CreateCarbonProjectRequest struct {
	Marketplace      id.MarketplaceID
	Developer        id.AccountID
	ProjectID        string
	Name             string
	Type             ProjectType
	Location         string
	EstimatedCredits uint64
	Standard         Standard
	MetadataURI      string
}

func (s *Service) CreateCarbonProject(ctx context.Context, req CreateCarbonProjectRequest) (*Project, error) {
	ctx, span := s.tracer.Start(ctx, "CreateCarbonProject")
	defer span.End()
	defer s.observe("create_project", s.now())

	if req.ProjectID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "project id is required")
	}
	if err := checkLen("project id", req.ProjectID, maxProjectIDLen); err != nil {
		return nil, err
	}
	if err := checkLen("project name", req.Name, maxProjectNameLen); err != nil {
		return nil, err
	}
	if !req.Type.Valid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown project type")
	}
	if err := checkLen("location", req.Location, maxLocationLen); err != nil {
		return nil, err
	}
	if !req.Standard.Valid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown verification standard")
	}
	if err := checkLen("metadata URI", req.MetadataURI, maxMetadataURILen); err != nil {
		return nil, err
	}

	var record *Project
	err := s.tx.RunInTx(ctx, req.Marketplace.String(), func(store Store) error {
		if _, err := store.GetMarketplace(ctx, req.Marketplace); err != nil {
			return err
		}

		record = &Project{
			ID:               id.DeriveMarketplaceProjectID(req.ProjectID),
			ProjectID:        req.ProjectID,
			Name:             req.Name,
			Type:             req.Type,
			Developer:        req.Developer,
			Location:         req.Location,
			EstimatedCredits: req.EstimatedCredits,
			Standard:         req.Standard,
			Status:           ProjectPending,
			CreatedAt:        s.now(),
			MetadataURI:      req.MetadataURI,
		}
		if err := store.CreateProject(ctx, record); err != nil {
			return err
		}
		return store.ApplyMarketplaceDeltas(ctx, req.Marketplace, MarketplaceDeltas{TotalProjects: 1})
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeCarbonProjectCreated, map[string]string{
		"project_id": record.ID.String(),
		"name":       record.Name,
		"developer":  record.Developer.String(),
		"standard":   string(record.Standard),
	}))
	return record, nil
}

// SetProjectVerifiedRequest promotes a pending project once the verification
// workflow vouches for it.
type SetProjectVerifiedRequest struct {
	Marketplace id.MarketplaceID
	Project     id.ProjectID
}

func (s *Service) SetProjectVerified(ctx context.Context, req SetProjectVerifiedRequest) (*Project, error) {
	ctx, span := s.tracer.Start(ctx, "SetProjectVerified")
	defer span.End()
	defer s.observe("set_project_verified", s.now())

	verified, err := s.verifier.IsProjectVerified(ctx, req.Project)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "verification lookup failed")
	}
	if !verified {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "project holds no valid completed verification")
	}

	var record *Project
	err = s.tx.RunInTx(ctx, req.Project.String(), func(store Store) error {
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}
		if project.Status != ProjectPending {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"project is %s, only pending projects can be verified", project.Status)
		}

		now := s.now()
		project.Status = ProjectVerified
		project.VerifiedAt = &now
		if err := store.UpdateProject(ctx, project); err != nil {
			return err
		}
		record = project
		return store.ApplyMarketplaceDeltas(ctx, req.Marketplace, MarketplaceDeltas{VerifiedProjects: 1})
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeMarketplaceProjectVerified, map[string]string{
		"project_id": record.ID.String(),
	}))
	return record, nil
}

// SetProjectIssuedRequest syncs the issued-credit counter from the
// authoritative ledger. Authority-only.
type SetProjectIssuedRequest struct {
	Marketplace   id.MarketplaceID
	Authority     id.AccountID
	Project       id.ProjectID
	IssuedCredits uint64
}

func (s *Service) SetProjectIssued(ctx context.Context, req SetProjectIssuedRequest) (*Project, error) {
	ctx, span := s.tracer.Start(ctx, "SetProjectIssued")
	defer span.End()
	defer s.observe("set_project_issued", s.now())

	var record *Project
	err := s.tx.RunInTx(ctx, req.Project.String(), func(store Store) error {
		marketplace, err := store.GetMarketplace(ctx, req.Marketplace)
		if err != nil {
			return err
		}
		if marketplace.Authority != req.Authority {
			return dErrors.New(dErrors.CodeForbidden, "only the marketplace authority may sync issued credits")
		}
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}
		if req.IssuedCredits < project.RetiredCredits {
			return dErrors.New(dErrors.CodeInvariantViolation, "issued credits cannot drop below retired credits")
		}
		project.IssuedCredits = req.IssuedCredits
		record = project
		return store.UpdateProject(ctx, project)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListCreditsRequest offers credits from a verified project for sale.
type ListCreditsRequest struct {
	Marketplace    id.MarketplaceID
	Project        id.ProjectID
	Seller         id.AccountID
	Amount         uint64
	PricePerCredit uint64
	ExpiryTime     time.Time
}

func (s *Service) ListCredits(ctx context.Context, req ListCreditsRequest) (*Listing, error) {
	ctx, span := s.tracer.Start(ctx, "ListCredits")
	defer span.End()
	defer s.observe("list_credits", s.now())

	if req.Seller.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "seller is required")
	}
	if req.PricePerCredit == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "price per credit must be positive")
	}
	if !req.ExpiryTime.After(s.now()) {
		return nil, dErrors.New(dErrors.CodeValidation, "expiry time must be in the future")
	}

	listingID := id.DeriveListingID(req.Project, req.Seller)
	var record *Listing
	err := s.tx.RunInTx(ctx, listingID.String(), func(store Store) error {
		marketplace, err := store.GetMarketplace(ctx, req.Marketplace)
		if err != nil {
			return err
		}
		if req.Amount < marketplace.MinCreditAmount {
			return dErrors.Newf(dErrors.CodeValidation,
				"amount must be at least %d credits", marketplace.MinCreditAmount)
		}
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}
		if project.Status != ProjectVerified {
			return dErrors.New(dErrors.CodeInvariantViolation, "only verified projects may list credits")
		}
		if req.Amount > project.Sellable() {
			return dErrors.New(dErrors.CodeInvariantViolation, "amount exceeds the project's unretired issued credits")
		}
		totalValue, err := checked.Mul(req.Amount, req.PricePerCredit)
		if err != nil {
			return err
		}

		record = &Listing{
			ID:             listingID,
			Project:        project.ID,
			Seller:         req.Seller,
			Amount:         req.Amount,
			PricePerCredit: req.PricePerCredit,
			TotalValue:     totalValue,
			Status:         ListingActive,
			CreatedAt:      s.now(),
			ExpiryTime:     req.ExpiryTime,
		}
		if err := store.CreateListing(ctx, record); err != nil {
			return err
		}
		return store.ApplyMarketplaceDeltas(ctx, req.Marketplace, MarketplaceDeltas{ActiveListings: 1})
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeCreditsListed, map[string]string{
		"listing_id":       record.ID.String(),
		"project_id":       record.Project.String(),
		"seller":           record.Seller.String(),
		"amount":           strconv.FormatUint(record.Amount, 10),
		"price_per_credit": strconv.FormatUint(record.PricePerCredit, 10),
	}))
	return record, nil
}

// PurchaseCreditsRequest fills part or all of an active listing. The buyer
// pays seller proceeds plus the marketplace fee in one atomic unit.
type PurchaseCreditsRequest struct {
	Marketplace id.MarketplaceID
	Listing     id.ListingID
	Buyer       id.AccountID
	Amount      uint64
}

func (s *Service) PurchaseCredits(ctx context.Context, req PurchaseCreditsRequest) (*Purchase, error) {
	ctx, span := s.tracer.Start(ctx, "PurchaseCredits")
	defer span.End()
	defer s.observe("purchase_credits", s.now())

	if req.Buyer.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "buyer is required")
	}
	if req.Amount == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}

	var record *Purchase
	var expired bool
	err := s.tx.RunInTx(ctx, req.Listing.String(), func(store Store) error {
		marketplace, err := store.GetMarketplace(ctx, req.Marketplace)
		if err != nil {
			return err
		}
		listing, err := store.GetListing(ctx, req.Listing)
		if err != nil {
			return err
		}
		if listing.Status != ListingActive {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "listing is %s", listing.Status)
		}
		now := s.now()
		if !now.Before(listing.ExpiryTime) {
			// The lazy expiry transition commits even though the
			// purchase itself fails.
			listing.Status = ListingExpired
			if err := store.UpdateListing(ctx, listing); err != nil {
				return err
			}
			if err := store.ApplyMarketplaceDeltas(ctx, req.Marketplace, MarketplaceDeltas{ActiveListings: -1}); err != nil {
				return err
			}
			expired = true
			return nil
		}
		if req.Amount < marketplace.MinCreditAmount {
			return dErrors.Newf(dErrors.CodeValidation,
				"amount must be at least %d credits", marketplace.MinCreditAmount)
		}
		if req.Amount > listing.Amount {
			return dErrors.New(dErrors.CodeInvariantViolation, "amount exceeds remaining listing supply")
		}
		if req.Buyer == listing.Seller {
			return dErrors.New(dErrors.CodeValidation, "seller cannot purchase own listing")
		}

		totalCost, err := checked.Mul(req.Amount, listing.PricePerCredit)
		if err != nil {
			return err
		}
		feeNumerator, err := checked.Mul(totalCost, uint64(marketplace.FeeBps))
		if err != nil {
			return err
		}
		fee := feeNumerator / bpsDenom
		sellerProceeds := totalCost - fee
		if _, err := checked.Add(marketplace.TotalCreditsTraded, req.Amount); err != nil {
			return err
		}
		if _, err := checked.Add(marketplace.TotalVolume, totalCost); err != nil {
			return err
		}

		if err := s.assets.Transfer(ctx, assets.PaymentAsset, req.Buyer, listing.Seller, sellerProceeds); err != nil {
			return dErrors.Wrap(err, dErrors.CodeTransferFailed, "payment to seller failed")
		}
		if fee > 0 {
			if err := s.assets.Transfer(ctx, assets.PaymentAsset, req.Buyer, marketplace.Authority, fee); err != nil {
				s.refundPurchase(ctx, listing, req.Buyer, marketplace.Authority, sellerProceeds, 0)
				return dErrors.Wrap(err, dErrors.CodeTransferFailed, "fee payment failed")
			}
		}

		listing.Amount -= req.Amount
		deltas := MarketplaceDeltas{CreditsTraded: req.Amount, Volume: totalCost}
		if listing.Amount == 0 {
			listing.Status = ListingSold
			deltas.ActiveListings = -1
		}
		// Payment legs are settled outside the store transaction, so any
		// write failure from here on must unwind them.
		if err := store.UpdateListing(ctx, listing); err != nil {
			s.refundPurchase(ctx, listing, req.Buyer, marketplace.Authority, sellerProceeds, fee)
			return err
		}
		if err := store.ApplyMarketplaceDeltas(ctx, req.Marketplace, deltas); err != nil {
			s.refundPurchase(ctx, listing, req.Buyer, marketplace.Authority, sellerProceeds, fee)
			return err
		}

		record = &Purchase{
			ID:             id.NewPurchaseID(),
			Listing:        listing.ID,
			Buyer:          req.Buyer,
			Seller:         listing.Seller,
			Amount:         req.Amount,
			PricePerCredit: listing.PricePerCredit,
			TotalPaid:      totalCost,
			FeePaid:        fee,
			PurchasedAt:    now,
		}
		if err := store.AppendPurchase(ctx, record); err != nil {
			s.refundPurchase(ctx, listing, req.Buyer, marketplace.Authority, sellerProceeds, fee)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "listing has expired")
	}

	s.metrics.CreditsTraded.Add(float64(record.Amount))
	s.metrics.TradeVolume.Add(float64(record.TotalPaid))
	s.emitter.Emit(ctx, events.New(events.TypeCreditsPurchased, map[string]string{
		"purchase_id": record.ID.String(),
		"listing_id":  record.Listing.String(),
		"buyer":       record.Buyer.String(),
		"amount":      strconv.FormatUint(record.Amount, 10),
		"total_paid":  strconv.FormatUint(record.TotalPaid, 10),
		"fee_paid":    strconv.FormatUint(record.FeePaid, 10),
	}))
	return record, nil
}

// CancelListingRequest withdraws an active listing. Seller-only.
type CancelListingRequest struct {
	Marketplace id.MarketplaceID
	Listing     id.ListingID
	Seller      id.AccountID
}

func (s *Service) CancelListing(ctx context.Context, req CancelListingRequest) (*Listing, error) {
	ctx, span := s.tracer.Start(ctx, "CancelListing")
	defer span.End()
	defer s.observe("cancel_listing", s.now())

	var record *Listing
	err := s.tx.RunInTx(ctx, req.Listing.String(), func(store Store) error {
		listing, err := store.GetListing(ctx, req.Listing)
		if err != nil {
			return err
		}
		if listing.Seller != req.Seller {
			return dErrors.New(dErrors.CodeForbidden, "only the seller may cancel a listing")
		}
		if listing.Status != ListingActive {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"listing is %s, only active listings can be cancelled", listing.Status)
		}

		listing.Status = ListingCancelled
		if err := store.UpdateListing(ctx, listing); err != nil {
			return err
		}
		record = listing
		return store.ApplyMarketplaceDeltas(ctx, req.Marketplace, MarketplaceDeltas{ActiveListings: -1})
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeListingCancelled, map[string]string{
		"listing_id": record.ID.String(),
		"seller":     record.Seller.String(),
	}))
	return record, nil
}

// RetireCreditsRequest records a marketplace-side retirement. When a
// retirement bridge is configured the authoritative burn runs first.
type RetireCreditsRequest struct {
	Marketplace id.MarketplaceID
	Project     id.ProjectID
	Owner       id.AccountID
	Amount      uint64
	Reason      string
}

func (s *Service) RetireCredits(ctx context.Context, req RetireCreditsRequest) (*Retirement, error) {
	ctx, span := s.tracer.Start(ctx, "RetireCredits")
	defer span.End()
	defer s.observe("retire_credits", s.now())

	if req.Amount == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	if err := checkLen("retirement reason", req.Reason, maxReasonLen); err != nil {
		return nil, err
	}
	if req.Owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "owner is required")
	}

	var record *Retirement
	err := s.tx.RunInTx(ctx, req.Project.String(), func(store Store) error {
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}
		newRetired, err := checked.Add(project.RetiredCredits, req.Amount)
		if err != nil {
			return err
		}
		if newRetired > project.IssuedCredits {
			return dErrors.New(dErrors.CodeInvariantViolation, "cannot retire more credits than issued")
		}

		if s.bridge != nil {
			if err := s.bridge.BurnCredits(ctx, project.ProjectID, req.Owner, req.Amount, req.Reason); err != nil {
				return dErrors.Wrap(err, dErrors.CodeTransferFailed, "ledger burn failed")
			}
		}

		project.RetiredCredits = newRetired
		if err := store.UpdateProject(ctx, project); err != nil {
			return err
		}
		record = &Retirement{
			ID:        id.NewRetirementID(),
			Owner:     req.Owner,
			Project:   project.ID,
			Amount:    req.Amount,
			Reason:    req.Reason,
			RetiredAt: s.now(),
		}
		return store.AppendRetirement(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CreditsRetired.Add(float64(record.Amount))
	s.emitter.Emit(ctx, events.New(events.TypeMarketplaceCreditsRetired, map[string]string{
		"retirement_id": record.ID.String(),
		"project_id":    record.Project.String(),
		"owner":         record.Owner.String(),
		"amount":        strconv.FormatUint(record.Amount, 10),
	}))
	return record, nil
}

// refundPurchase unwinds settled payment legs after a later step aborts the
// purchase unit. The payment ledger has no transactional tie to the store, so
// compensation is the only path back; a failed refund is logged for
// reconciliation.
func (s *Service) refundPurchase(ctx context.Context, listing *Listing, buyer, authority id.AccountID, proceeds, fee uint64) {
	if err := s.assets.Transfer(ctx, assets.PaymentAsset, listing.Seller, buyer, proceeds); err != nil {
		s.logger.ErrorContext(ctx, "purchase compensation failed, seller leg not refunded",
			"listing_id", listing.ID,
			"buyer", buyer,
			"error", err,
		)
	}
	if fee == 0 {
		return
	}
	if err := s.assets.Transfer(ctx, assets.PaymentAsset, authority, buyer, fee); err != nil {
		s.logger.ErrorContext(ctx, "purchase compensation failed, fee leg not refunded",
			"listing_id", listing.ID,
			"buyer", buyer,
			"error", err,
		)
	}
}

// GetMarketplace reads the marketplace record.
func (s *Service) GetMarketplace(ctx context.Context, marketplaceID id.MarketplaceID) (*Marketplace, error) {
	return s.store.GetMarketplace(ctx, marketplaceID)
}

// GetProject reads a marketplace project record.
func (s *Service) GetProject(ctx context.Context, projectID id.ProjectID) (*Project, error) {
	return s.store.GetProject(ctx, projectID)
}

// GetListing reads a listing record.
func (s *Service) GetListing(ctx context.Context, listingID id.ListingID) (*Listing, error) {
	return s.store.GetListing(ctx, listingID)
}

func (s *Service) observe(operation string, start time.Time) {
	s.metrics.OperationDuration.WithLabelValues("marketplace", operation).Observe(time.Since(start).Seconds())
}
