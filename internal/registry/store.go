package registry

import (
	"context"

	id "carbonledger/pkg/domain"
)

// Store is the persistence interface for registry records. Create methods
// fail with CodeConflict when the derived identifier already exists; Get
// methods fail with CodeNotFound.
type Store interface {
	CreateRegistry(ctx context.Context, record *Registry) error
	GetRegistry(ctx context.Context, registryID id.RegistryID) (*Registry, error)
	UpdateRegistry(ctx context.Context, record *Registry) error

	CreateProject(ctx context.Context, record *Project) error
	GetProject(ctx context.Context, projectID id.ProjectID) (*Project, error)
	UpdateProject(ctx context.Context, record *Project) error

	CreateIssuance(ctx context.Context, record *Issuance) error
	GetIssuance(ctx context.Context, issuanceID id.IssuanceID) (*Issuance, error)
	ListIssuancesByProject(ctx context.Context, projectID id.ProjectID) ([]*Issuance, error)

	AppendTransfer(ctx context.Context, record *Transfer) error
	ListTransfersByProject(ctx context.Context, projectID id.ProjectID) ([]*Transfer, error)

	AppendRetirement(ctx context.Context, record *Retirement) error
	ListRetirementsByProject(ctx context.Context, projectID id.ProjectID) ([]*Retirement, error)

	CreateBatch(ctx context.Context, record *Batch) error
	GetBatch(ctx context.Context, batchID id.BatchID) (*Batch, error)

	AppendMetadata(ctx context.Context, record *Metadata) error
	ListMetadataByProject(ctx context.Context, projectID id.ProjectID) ([]*Metadata, error)
}

// StoreTx provides the transactional boundary for multi-record mutations.
// The key scopes serialization: operations sharing a key never interleave.
// Implementations may wrap a database transaction or, in-memory, a sharded
// lock.
type StoreTx interface {
	RunInTx(ctx context.Context, key string, fn func(store Store) error) error
}
