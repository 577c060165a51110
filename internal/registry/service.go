package registry

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

// Service implements the registry ledger: authoritative mint, transfer, and
// retire bookkeeping per project, independent of trading.
//
// Every mutation runs inside a transactional unit keyed by registry ID.
// Delegated asset calls are ordered after all validations and before any
// store write, so an asset failure leaves no partial state behind.
type Service struct {
	store   Store
	tx      StoreTx
	assets  assets.Service
	emitter *events.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, tx StoreTx, assetSvc assets.Service, emitter *events.Emitter, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		tx:      tx,
		assets:  assetSvc,
		emitter: emitter,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("carbonledger/registry"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializeRegistryRequest creates the registry record for an authority.
type InitializeRegistryRequest struct {
	Authority id.AccountID
	Name      string
	BaseURI   string
}

func (s *Service) InitializeRegistry(ctx context.Context, req InitializeRegistryRequest) (*Registry, error) {
	ctx, span := s.tracer.Start(ctx, "InitializeRegistry")
	defer span.End()
	defer s.observe("initialize_registry", s.now())

	if req.Authority.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "authority is required")
	}
	if err := checkLen("registry name", req.Name, maxRegistryNameLen); err != nil {
		return nil, err
	}
	if err := checkLen("base URI", req.BaseURI, maxBaseURILen); err != nil {
		return nil, err
	}

	record := &Registry{
		ID:        id.DeriveRegistryID(req.Authority),
		Authority: req.Authority,
		Name:      req.Name,
		BaseURI:   req.BaseURI,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateRegistry(ctx, record); err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeRegistryInitialized, map[string]string{
		"registry_id": record.ID.String(),
		"authority":   record.Authority.String(),
		"name":        record.Name,
	}))
	return record, nil
}

// RegisterProjectRequest registers a project under a registry.
type RegisterProjectRequest struct {
	Registry    id.RegistryID
	Authority   id.AccountID
	ProjectID   string
	VintageYear uint16
	Methodology string
	CountryCode string
	Developer   id.AccountID
}

func (s *Service) RegisterProject(ctx context.Context, req RegisterProjectRequest) (*Project, error) {
	ctx, span := s.tracer.Start(ctx, "RegisterProject")
	defer span.End()
	defer s.observe("register_project", s.now())

	if err := checkLen("project id", req.ProjectID, maxProjectIDLen); err != nil {
		return nil, err
	}
	if req.ProjectID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "project id is required")
	}
	if err := checkLen("methodology", req.Methodology, maxMethodologyLen); err != nil {
		return nil, err
	}
	if err := checkLen("country code", req.CountryCode, maxCountryCodeLen); err != nil {
		return nil, err
	}
	if req.VintageYear < minVintageYear || req.VintageYear > maxVintageYear {
		return nil, dErrors.Newf(dErrors.CodeValidation,
			"vintage year must be within [%d, %d]", minVintageYear, maxVintageYear)
	}

	var record *Project
	err := s.tx.RunInTx(ctx, req.Registry.String(), func(store Store) error {
		reg, err := store.GetRegistry(ctx, req.Registry)
		if err != nil {
			return err
		}
		if reg.Authority != req.Authority {
			return dErrors.New(dErrors.CodeForbidden, "only the registry authority may register projects")
		}

		record = &Project{
			ID:           id.DeriveProjectID(reg.ID, req.ProjectID),
			Registry:     reg.ID,
			ProjectID:    req.ProjectID,
			VintageYear:  req.VintageYear,
			Methodology:  req.Methodology,
			CountryCode:  req.CountryCode,
			Developer:    req.Developer,
			Status:       ProjectActive,
			RegisteredAt: s.now(),
		}
		if err := store.CreateProject(ctx, record); err != nil {
			return err
		}

		newTotal, err := checked.Add(reg.TotalProjects, 1)
		if err != nil {
			return err
		}
		reg.TotalProjects = newTotal
		return store.UpdateRegistry(ctx, reg)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeProjectRegistered, map[string]string{
		"project_registry_id": record.ID.String(),
		"project_id":          record.ProjectID,
		"vintage_year":        itoa(uint64(record.VintageYear)),
		"developer":           record.Developer.String(),
	}))
	return record, nil
}

// IssueCreditsRequest mints quantity credits to a recipient. The mint, the
// issuance record, and both counters commit as one atomic unit.
type IssueCreditsRequest struct {
	Registry     id.RegistryID
	Authority    id.AccountID
	Project      id.ProjectID
	SerialPrefix string
	Quantity     uint64
	IssuanceDate time.Time
	Recipient    id.AccountID
}

func (s *Service) IssueCredits(ctx context.Context, req IssueCreditsRequest) (*Issuance, error) {
	ctx, span := s.tracer.Start(ctx, "IssueCredits")
	defer span.End()
	defer s.observe("issue_credits", s.now())

	if err := checkLen("serial number prefix", req.SerialPrefix, maxSerialPrefixLen); err != nil {
		return nil, err
	}
	if req.Quantity == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "quantity must be positive")
	}
	if req.IssuanceDate.After(s.now()) {
		return nil, dErrors.New(dErrors.CodeValidation, "issuance date must not be in the future")
	}
	if req.Recipient.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "recipient is required")
	}

	var record *Issuance
	err := s.tx.RunInTx(ctx, req.Registry.String(), func(store Store) error {
		reg, err := store.GetRegistry(ctx, req.Registry)
		if err != nil {
			return err
		}
		if reg.Authority != req.Authority {
			return dErrors.New(dErrors.CodeForbidden, "only the registry authority may issue credits")
		}
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}
		if project.Registry != reg.ID {
			return dErrors.New(dErrors.CodeInvariantViolation, "project does not belong to this registry")
		}

		issuanceID := id.DeriveIssuanceID(project.ID, req.SerialPrefix)
		if _, err := store.GetIssuance(ctx, issuanceID); err == nil {
			return dErrors.New(dErrors.CodeConflict, "issuance already recorded for this serial prefix")
		} else if !dErrors.HasCode(err, dErrors.CodeNotFound) {
			return err
		}

		newProjectIssued, err := checked.Add(project.TotalIssued, req.Quantity)
		if err != nil {
			return err
		}
		newRegistryIssued, err := checked.Add(reg.TotalCreditsIssued, req.Quantity)
		if err != nil {
			return err
		}

		// The mint is the last fallible step. If it fails, no counter moves.
		if err := s.assets.Mint(ctx, assets.CreditAsset(project.ID), req.Recipient, req.Quantity); err != nil {
			return dErrors.Wrap(err, dErrors.CodeTransferFailed, "credit mint failed")
		}

		record = &Issuance{
			ID:           issuanceID,
			Project:      project.ID,
			SerialPrefix: req.SerialPrefix,
			Quantity:     req.Quantity,
			IssuanceDate: req.IssuanceDate,
			IssuedTo:     req.Recipient,
			Status:       IssuanceActive,
			CreatedAt:    s.now(),
		}
		if err := store.CreateIssuance(ctx, record); err != nil {
			return err
		}
		project.TotalIssued = newProjectIssued
		if err := store.UpdateProject(ctx, project); err != nil {
			return err
		}
		reg.TotalCreditsIssued = newRegistryIssued
		return store.UpdateRegistry(ctx, reg)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CreditsIssued.Add(float64(req.Quantity))
	s.emitter.Emit(ctx, events.New(events.TypeCreditsIssued, map[string]string{
		"issuance_id":          record.ID.String(),
		"project_registry":     record.Project.String(),
		"serial_number_prefix": record.SerialPrefix,
		"quantity":             itoa(record.Quantity),
		"recipient":            record.IssuedTo.String(),
	}))
	return record, nil
}

// TransferCreditsRequest moves credits between owners. Ownership change
// only: no issuance or retirement counter moves.
type TransferCreditsRequest struct {
	Registry id.RegistryID
	Project  id.ProjectID
	From     id.AccountID
	To       id.AccountID
	Quantity uint64
	Reason   string
}

func (s *Service) TransferCredits(ctx context.Context, req TransferCreditsRequest) (*Transfer, error) {
	ctx, span := s.tracer.Start(ctx, "TransferCredits")
	defer span.End()
	defer s.observe("transfer_credits", s.now())

	if req.Quantity == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "quantity must be positive")
	}
	if err := checkLen("transfer reason", req.Reason, maxReasonLen); err != nil {
		return nil, err
	}
	if req.From.IsNil() || req.To.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "from and to owners are required")
	}

	var record *Transfer
	err := s.tx.RunInTx(ctx, req.Registry.String(), func(store Store) error {
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}

		if err := s.assets.Transfer(ctx, assets.CreditAsset(project.ID), req.From, req.To, req.Quantity); err != nil {
			return dErrors.Wrap(err, dErrors.CodeTransferFailed, "credit transfer failed")
		}

		record = &Transfer{
			ID:            id.NewTransferID(),
			From:          req.From,
			To:            req.To,
			Project:       project.ID,
			Quantity:      req.Quantity,
			Reason:        req.Reason,
			TransferredAt: s.now(),
		}
		return store.AppendTransfer(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeCreditsTransferred, map[string]string{
		"transfer_id": record.ID.String(),
		"from_owner":  record.From.String(),
		"to_owner":    record.To.String(),
		"quantity":    itoa(record.Quantity),
		"reason":      record.Reason,
	}))
	return record, nil
}

// RetireCreditsRequest burns quantity credits from owner, permanently
// removing them from circulation.
type RetireCreditsRequest struct {
	Registry    id.RegistryID
	Project     id.ProjectID
	Owner       id.AccountID
	Quantity    uint64
	Reason      string
	Beneficiary string
}

func (s *Service) RetireCredits(ctx context.Context, req RetireCreditsRequest) (*Retirement, error) {
	ctx, span := s.tracer.Start(ctx, "RetireCredits")
	defer span.End()
	defer s.observe("retire_credits", s.now())

	if req.Quantity == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "quantity must be positive")
	}
	if err := checkLen("retirement reason", req.Reason, maxReasonLen); err != nil {
		return nil, err
	}
	if err := checkLen("beneficiary", req.Beneficiary, maxBeneficiaryLen); err != nil {
		return nil, err
	}
	if req.Owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "owner is required")
	}

	var record *Retirement
	err := s.tx.RunInTx(ctx, req.Registry.String(), func(store Store) error {
		reg, err := store.GetRegistry(ctx, req.Registry)
		if err != nil {
			return err
		}
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}
		if project.Registry != reg.ID {
			return dErrors.New(dErrors.CodeInvariantViolation, "project does not belong to this registry")
		}

		newProjectRetired, err := checked.Add(project.TotalRetired, req.Quantity)
		if err != nil {
			return err
		}
		if newProjectRetired > project.TotalIssued {
			return dErrors.New(dErrors.CodeInvariantViolation, "cannot retire more credits than issued")
		}
		newRegistryRetired, err := checked.Add(reg.TotalCreditsRetired, req.Quantity)
		if err != nil {
			return err
		}

		// The burn is the last fallible step. If it fails, no counter moves.
		if err := s.assets.Burn(ctx, assets.CreditAsset(project.ID), req.Owner, req.Quantity); err != nil {
			return dErrors.Wrap(err, dErrors.CodeTransferFailed, "credit burn failed")
		}

		record = &Retirement{
			ID:          id.NewRetirementID(),
			Owner:       req.Owner,
			Project:     project.ID,
			Quantity:    req.Quantity,
			Reason:      req.Reason,
			Beneficiary: req.Beneficiary,
			RetiredAt:   s.now(),
		}
		if err := store.AppendRetirement(ctx, record); err != nil {
			return err
		}
		project.TotalRetired = newProjectRetired
		if err := store.UpdateProject(ctx, project); err != nil {
			return err
		}
		reg.TotalCreditsRetired = newRegistryRetired
		return store.UpdateRegistry(ctx, reg)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CreditsRetired.Add(float64(req.Quantity))
	s.emitter.Emit(ctx, events.New(events.TypeCreditsRetired, map[string]string{
		"retirement_id":    record.ID.String(),
		"owner":            record.Owner.String(),
		"project_registry": record.Project.String(),
		"quantity":         itoa(record.Quantity),
		"reason":           record.Reason,
	}))
	return record, nil
}

// CreateBatchRequest opens a vintage sub-ledger for a project.
type CreateBatchRequest struct {
	Registry            id.RegistryID
	Authority           id.AccountID
	Project             id.ProjectID
	BatchID             string
	VintageStart        time.Time
	VintageEnd          time.Time
	MonitoringReportURI string
}

func (s *Service) CreateBatch(ctx context.Context, req CreateBatchRequest) (*Batch, error) {
	ctx, span := s.tracer.Start(ctx, "CreateBatch")
	defer span.End()
	defer s.observe("create_batch", s.now())

	if req.BatchID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "batch id is required")
	}
	if err := checkLen("batch id", req.BatchID, maxBatchIDLen); err != nil {
		return nil, err
	}
	if req.VintageEnd.Before(req.VintageStart) {
		return nil, dErrors.New(dErrors.CodeValidation, "vintage end must not precede vintage start")
	}
	if err := checkLen("monitoring report URI", req.MonitoringReportURI, maxReportURILen); err != nil {
		return nil, err
	}

	var record *Batch
	err := s.tx.RunInTx(ctx, req.Registry.String(), func(store Store) error {
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}

		record = &Batch{
			ID:                  id.DeriveBatchID(project.ID, req.BatchID),
			BatchID:             req.BatchID,
			Project:             project.ID,
			VintageStart:        req.VintageStart,
			VintageEnd:          req.VintageEnd,
			MonitoringReportURI: req.MonitoringReportURI,
			Status:              BatchPending,
			CreatedAt:           s.now(),
		}
		return store.CreateBatch(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeBatchCreated, map[string]string{
		"batch_id":         record.ID.String(),
		"project_registry": record.Project.String(),
		"batch_identifier": record.BatchID,
	}))
	return record, nil
}

// UpdateProjectStatusRequest is authority-only and intentionally permissive:
// any status may follow any other, audited through the emitted event.
type UpdateProjectStatusRequest struct {
	Registry  id.RegistryID
	Authority id.AccountID
	Project   id.ProjectID
	NewStatus ProjectStatus
	Reason    string
}

func (s *Service) UpdateProjectStatus(ctx context.Context, req UpdateProjectStatusRequest) (*Project, error) {
	ctx, span := s.tracer.Start(ctx, "UpdateProjectStatus")
	defer span.End()
	defer s.observe("update_project_status", s.now())

	if !req.NewStatus.Valid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown project status")
	}
	if err := checkLen("reason", req.Reason, maxReasonLen); err != nil {
		return nil, err
	}

	var record *Project
	var oldStatus ProjectStatus
	err := s.tx.RunInTx(ctx, req.Registry.String(), func(store Store) error {
		reg, err := store.GetRegistry(ctx, req.Registry)
		if err != nil {
			return err
		}
		if reg.Authority != req.Authority {
			return dErrors.New(dErrors.CodeForbidden, "only the registry authority may update project status")
		}
		record, err = store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}
		oldStatus = record.Status
		record.Status = req.NewStatus
		return store.UpdateProject(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeProjectStatusUpdated, map[string]string{
		"project_registry_id": record.ID.String(),
		"old_status":          string(oldStatus),
		"new_status":          string(record.Status),
		"reason":              req.Reason,
		"updated_by":          req.Authority.String(),
	}))
	return record, nil
}

// AddProjectMetadataRequest appends a document pointer to a project.
type AddProjectMetadataRequest struct {
	Registry    id.RegistryID
	Project     id.ProjectID
	Type        MetadataType
	URI         string
	Description string
}

func (s *Service) AddProjectMetadata(ctx context.Context, req AddProjectMetadataRequest) (*Metadata, error) {
	ctx, span := s.tracer.Start(ctx, "AddProjectMetadata")
	defer span.End()
	defer s.observe("add_project_metadata", s.now())

	if !req.Type.Valid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown metadata type")
	}
	if err := checkLen("metadata URI", req.URI, maxMetadataURILen); err != nil {
		return nil, err
	}
	if err := checkLen("description", req.Description, maxDescriptionLen); err != nil {
		return nil, err
	}

	var record *Metadata
	err := s.tx.RunInTx(ctx, req.Registry.String(), func(store Store) error {
		project, err := store.GetProject(ctx, req.Project)
		if err != nil {
			return err
		}
		record = &Metadata{
			ID:          id.NewMetadataID(),
			Project:     project.ID,
			Type:        req.Type,
			URI:         req.URI,
			Description: req.Description,
			AddedAt:     s.now(),
		}
		return store.AppendMetadata(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, events.New(events.TypeProjectMetadataAdded, map[string]string{
		"metadata_id":      record.ID.String(),
		"project_registry": record.Project.String(),
		"metadata_type":    string(record.Type),
	}))
	return record, nil
}

// GetRegistry reads a registry record.
func (s *Service) GetRegistry(ctx context.Context, registryID id.RegistryID) (*Registry, error) {
	return s.store.GetRegistry(ctx, registryID)
}

// GetProject reads a project record.
func (s *Service) GetProject(ctx context.Context, projectID id.ProjectID) (*Project, error) {
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) observe(operation string, start time.Time) {
	s.metrics.OperationDuration.WithLabelValues("registry", operation).Observe(time.Since(start).Seconds())
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
