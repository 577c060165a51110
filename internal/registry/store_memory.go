package registry

import (
	"context"
	"sync"
	"time"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// InMemoryStore keeps all registry records in maps guarded by a single
// RWMutex. Multi-record atomicity comes from the sharded transaction wrapper
// below, not from this mutex, which only protects individual map accesses.
type InMemoryStore struct {
	mu          sync.RWMutex
	registries  map[id.RegistryID]*Registry
	projects    map[id.ProjectID]*Project
	issuances   map[id.IssuanceID]*Issuance
	transfers   map[id.ProjectID][]*Transfer
	retirements map[id.ProjectID][]*Retirement
	batches     map[id.BatchID]*Batch
	metadata    map[id.ProjectID][]*Metadata
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		registries:  make(map[id.RegistryID]*Registry),
		projects:    make(map[id.ProjectID]*Project),
		issuances:   make(map[id.IssuanceID]*Issuance),
		transfers:   make(map[id.ProjectID][]*Transfer),
		retirements: make(map[id.ProjectID][]*Retirement),
		batches:     make(map[id.BatchID]*Batch),
		metadata:    make(map[id.ProjectID][]*Metadata),
	}
}

func (s *InMemoryStore) CreateRegistry(_ context.Context, record *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registries[record.ID]; ok {
		return dErrors.New(dErrors.CodeConflict, "registry already initialized for this authority")
	}
	r := *record
	s.registries[record.ID] = &r
	return nil
}

func (s *InMemoryStore) GetRegistry(_ context.Context, registryID id.RegistryID) (*Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.registries[registryID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "registry not found")
	}
	r := *record
	return &r, nil
}

func (s *InMemoryStore) UpdateRegistry(_ context.Context, record *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registries[record.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "registry not found")
	}
	r := *record
	s.registries[record.ID] = &r
	return nil
}

func (s *InMemoryStore) CreateProject(_ context.Context, record *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[record.ID]; ok {
		return dErrors.New(dErrors.CodeConflict, "project already registered")
	}
	r := *record
	s.projects[record.ID] = &r
	return nil
}

func (s *InMemoryStore) GetProject(_ context.Context, projectID id.ProjectID) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.projects[projectID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "project not found")
	}
	r := *record
	return &r, nil
}

func (s *InMemoryStore) UpdateProject(_ context.Context, record *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[record.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "project not found")
	}
	r := *record
	s.projects[record.ID] = &r
	return nil
}

func (s *InMemoryStore) CreateIssuance(_ context.Context, record *Issuance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issuances[record.ID]; ok {
		return dErrors.New(dErrors.CodeConflict, "issuance already recorded for this serial prefix")
	}
	r := *record
	s.issuances[record.ID] = &r
	return nil
}

func (s *InMemoryStore) GetIssuance(_ context.Context, issuanceID id.IssuanceID) (*Issuance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.issuances[issuanceID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "issuance not found")
	}
	r := *record
	return &r, nil
}

func (s *InMemoryStore) ListIssuancesByProject(_ context.Context, projectID id.ProjectID) ([]*Issuance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Issuance
	for _, record := range s.issuances {
		if record.Project == projectID {
			r := *record
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendTransfer(_ context.Context, record *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *record
	s.transfers[record.Project] = append(s.transfers[record.Project], &r)
	return nil
}

func (s *InMemoryStore) ListTransfersByProject(_ context.Context, projectID id.ProjectID) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Transfer, 0, len(s.transfers[projectID]))
	for _, record := range s.transfers[projectID] {
		r := *record
		out = append(out, &r)
	}
	return out, nil
}

func (s *InMemoryStore) AppendRetirement(_ context.Context, record *Retirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *record
	s.retirements[record.Project] = append(s.retirements[record.Project], &r)
	return nil
}

func (s *InMemoryStore) ListRetirementsByProject(_ context.Context, projectID id.ProjectID) ([]*Retirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Retirement, 0, len(s.retirements[projectID]))
	for _, record := range s.retirements[projectID] {
		r := *record
		out = append(out, &r)
	}
	return out, nil
}

func (s *InMemoryStore) CreateBatch(_ context.Context, record *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[record.ID]; ok {
		return dErrors.New(dErrors.CodeConflict, "batch already created")
	}
	r := *record
	s.batches[record.ID] = &r
	return nil
}

func (s *InMemoryStore) GetBatch(_ context.Context, batchID id.BatchID) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.batches[batchID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "batch not found")
	}
	r := *record
	return &r, nil
}

func (s *InMemoryStore) AppendMetadata(_ context.Context, record *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *record
	s.metadata[record.Project] = append(s.metadata[record.Project], &r)
	return nil
}

func (s *InMemoryStore) ListMetadataByProject(_ context.Context, projectID id.ProjectID) ([]*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Metadata, 0, len(s.metadata[projectID]))
	for _, record := range s.metadata[projectID] {
		r := *record
		out = append(out, &r)
	}
	return out, nil
}

// shardedTx serializes transactional units with sharded mutexes keyed by the
// caller-supplied key, so operations against different registries proceed in
// parallel while operations against the same one never interleave.
const numTxShards = 128

// defaultTxTimeout is the maximum duration for one transactional unit.
const defaultTxTimeout = 5 * time.Second

type shardedTx struct {
	shards  [numTxShards]sync.Mutex
	store   Store
	timeout time.Duration
}

// NewMemoryTx wraps a store with sharded-lock transaction semantics.
func NewMemoryTx(store Store) StoreTx {
	return &shardedTx{store: store}
}

func (t *shardedTx) RunInTx(ctx context.Context, key string, fn func(store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := hashTxKey(key) % numTxShards
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(t.store)
}

// hashTxKey uses FNV-1a for shard distribution.
func hashTxKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
