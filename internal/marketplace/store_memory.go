package marketplace

import (
	"context"
	"sync"
	"time"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// InMemoryStore keeps marketplace records in process memory. Records are
// copied on the way in and out so callers never share map-backed pointers.
type InMemoryStore struct {
	mu           sync.RWMutex
	marketplaces map[id.MarketplaceID]*Marketplace
	projects     map[id.ProjectID]*Project
	listings     map[id.ListingID]*Listing
	purchases    map[id.ListingID][]*Purchase
	retirements  map[id.ProjectID][]*Retirement
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		marketplaces: make(map[id.MarketplaceID]*Marketplace),
		projects:     make(map[id.ProjectID]*Project),
		listings:     make(map[id.ListingID]*Listing),
		purchases:    make(map[id.ListingID][]*Purchase),
		retirements:  make(map[id.ProjectID][]*Retirement),
	}
}

func (s *InMemoryStore) CreateMarketplace(_ context.Context, record *Marketplace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.marketplaces[record.ID]; exists {
		return dErrors.New(dErrors.CodeConflict, "marketplace already exists")
	}
	clone := *record
	s.marketplaces[record.ID] = &clone
	return nil
}

func (s *InMemoryStore) GetMarketplace(_ context.Context, marketplaceID id.MarketplaceID) (*Marketplace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.marketplaces[marketplaceID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "marketplace not found")
	}
	clone := *record
	return &clone, nil
}

func (s *InMemoryStore) ApplyMarketplaceDeltas(_ context.Context, marketplaceID id.MarketplaceID, deltas MarketplaceDeltas) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.marketplaces[marketplaceID]
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "marketplace not found")
	}
	if deltas.ActiveListings < 0 && record.ActiveListings < uint64(-deltas.ActiveListings) {
		return dErrors.New(dErrors.CodeInvariantViolation, "active listings counter underflow")
	}
	record.TotalCreditsTraded += deltas.CreditsTraded
	record.TotalVolume += deltas.Volume
	if deltas.ActiveListings >= 0 {
		record.ActiveListings += uint64(deltas.ActiveListings)
	} else {
		record.ActiveListings -= uint64(-deltas.ActiveListings)
	}
	record.TotalProjects += deltas.TotalProjects
	record.VerifiedProjects += deltas.VerifiedProjects
	return nil
}

func (s *InMemoryStore) CreateProject(_ context.Context, record *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[record.ID]; exists {
		return dErrors.New(dErrors.CodeConflict, "project already exists")
	}
	s.projects[record.ID] = cloneProject(record)
	return nil
}

func (s *InMemoryStore) GetProject(_ context.Context, projectID id.ProjectID) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.projects[projectID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "project not found")
	}
	return cloneProject(record), nil
}

func (s *InMemoryStore) UpdateProject(_ context.Context, record *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[record.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "project not found")
	}
	s.projects[record.ID] = cloneProject(record)
	return nil
}

func (s *InMemoryStore) CreateListing(_ context.Context, record *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listings[record.ID]; exists {
		return dErrors.New(dErrors.CodeConflict, "listing already exists")
	}
	clone := *record
	s.listings[record.ID] = &clone
	return nil
}

func (s *InMemoryStore) GetListing(_ context.Context, listingID id.ListingID) (*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.listings[listingID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "listing not found")
	}
	clone := *record
	return &clone, nil
}

func (s *InMemoryStore) UpdateListing(_ context.Context, record *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[record.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "listing not found")
	}
	clone := *record
	s.listings[record.ID] = &clone
	return nil
}

func (s *InMemoryStore) ListListingsByProject(_ context.Context, projectID id.ProjectID) ([]*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Listing
	for _, record := range s.listings {
		if record.Project == projectID {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendPurchase(_ context.Context, record *Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.purchases[record.Listing] = append(s.purchases[record.Listing], &clone)
	return nil
}

func (s *InMemoryStore) ListPurchasesByListing(_ context.Context, listingID id.ListingID) ([]*Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.purchases[listingID]
	out := make([]*Purchase, 0, len(records))
	for _, record := range records {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

func (s *InMemoryStore) AppendRetirement(_ context.Context, record *Retirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.retirements[record.Project] = append(s.retirements[record.Project], &clone)
	return nil
}

func (s *InMemoryStore) ListRetirementsByProject(_ context.Context, projectID id.ProjectID) ([]*Retirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.retirements[projectID]
	out := make([]*Retirement, 0, len(records))
	for _, record := range records {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

func cloneProject(record *Project) *Project {
	clone := *record
	if record.VerifiedAt != nil {
		at := *record.VerifiedAt
		clone.VerifiedAt = &at
	}
	return &clone
}

// shardedTx serializes transactional units with sharded mutexes keyed by the
// caller-supplied key. Purchases key by listing ID, so two fills of the same
// listing never interleave while fills of different listings proceed in
// parallel.
const numTxShards = 128

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
