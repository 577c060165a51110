package verification

import (
	"context"
	"sync"
	"time"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// InMemoryStore keeps verification records in process memory. Records are
// copied on the way in and out so callers never share map-backed pointers.
type InMemoryStore struct {
	mu         sync.RWMutex
	verifiers  map[id.VerifierID]*Verifier
	requests   map[id.RequestID]*Request
	results    map[id.ResultID]*Result
	challenges map[id.ChallengeID]*Challenge
	reports    map[id.ResultID][]*Report
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		verifiers:  make(map[id.VerifierID]*Verifier),
		requests:   make(map[id.RequestID]*Request),
		results:    make(map[id.ResultID]*Result),
		challenges: make(map[id.ChallengeID]*Challenge),
		reports:    make(map[id.ResultID][]*Report),
	}
}

func (s *InMemoryStore) CreateVerifier(_ context.Context, record *Verifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.verifiers[record.ID]; exists {
		return dErrors.New(dErrors.CodeConflict, "verifier already exists")
	}
	clone := *record
	s.verifiers[record.ID] = &clone
	return nil
}

func (s *InMemoryStore) GetVerifier(_ context.Context, verifierID id.VerifierID) (*Verifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.verifiers[verifierID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "verifier not found")
	}
	clone := *record
	return &clone, nil
}

func (s *InMemoryStore) UpdateVerifier(_ context.Context, record *Verifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.verifiers[record.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "verifier not found")
	}
	clone := *record
	s.verifiers[record.ID] = &clone
	return nil
}

func (s *InMemoryStore) CreateRequest(_ context.Context, record *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[record.ID]; exists {
		return dErrors.New(dErrors.CodeConflict, "verification request already exists")
	}
	clone := cloneRequest(record)
	s.requests[record.ID] = clone
	return nil
}

func (s *InMemoryStore) GetRequest(_ context.Context, requestID id.RequestID) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.requests[requestID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "verification request not found")
	}
	return cloneRequest(record), nil
}

func (s *InMemoryStore) UpdateRequest(_ context.Context, record *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[record.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "verification request not found")
	}
	s.requests[record.ID] = cloneRequest(record)
	return nil
}

func (s *InMemoryStore) CreateResult(_ context.Context, record *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[record.ID]; exists {
		return dErrors.New(dErrors.CodeConflict, "verification result already exists")
	}
	clone := *record
	s.results[record.ID] = &clone
	return nil
}

func (s *InMemoryStore) GetResult(_ context.Context, resultID id.ResultID) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.results[resultID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "verification result not found")
	}
	clone := *record
	return &clone, nil
}

func (s *InMemoryStore) UpdateResult(_ context.Context, record *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[record.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "verification result not found")
	}
	clone := *record
	s.results[record.ID] = &clone
	return nil
}

func (s *InMemoryStore) ListResultsByProject(_ context.Context, projectID id.ProjectID) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Result
	for _, record := range s.results {
		if record.Project == projectID {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateChallenge(_ context.Context, record *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.challenges[record.ID]; exists {
		return dErrors.New(dErrors.CodeConflict, "challenge already exists")
	}
	s.challenges[record.ID] = cloneChallenge(record)
	return nil
}

func (s *InMemoryStore) GetChallenge(_ context.Context, challengeID id.ChallengeID) (*Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.challenges[challengeID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "challenge not found")
	}
	return cloneChallenge(record), nil
}

func (s *InMemoryStore) UpdateChallenge(_ context.Context, record *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[record.ID]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "challenge not found")
	}
	s.challenges[record.ID] = cloneChallenge(record)
	return nil
}

func (s *InMemoryStore) AppendReport(_ context.Context, record *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.reports[record.Verification] = append(s.reports[record.Verification], &clone)
	return nil
}

func (s *InMemoryStore) ListReportsByResult(_ context.Context, resultID id.ResultID) ([]*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.reports[resultID]
	out := make([]*Report, 0, len(records))
	for _, record := range records {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

func cloneRequest(record *Request) *Request {
	clone := *record
	if record.CompletedAt != nil {
		at := *record.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}

func cloneChallenge(record *Challenge) *Challenge {
	clone := *record
	if record.ResolvedAt != nil {
		at := *record.ResolvedAt
		clone.ResolvedAt = &at
	}
	return &clone
}

// shardedTx serializes transactional units with sharded mutexes keyed by the
// caller-supplied key.
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
