package verification

import (
	"context"

	id "carbonledger/pkg/domain"
)

// Store is the persistence boundary for the verification workflow. Create
// methods fail with a conflict code when the record already exists; Get
// methods fail with a not-found code when it does not.
type Store interface {
	CreateVerifier(ctx context.Context, record *Verifier) error
	GetVerifier(ctx context.Context, verifierID id.VerifierID) (*Verifier, error)
	UpdateVerifier(ctx context.Context, record *Verifier) error

	CreateRequest(ctx context.Context, record *Request) error
	GetRequest(ctx context.Context, requestID id.RequestID) (*Request, error)
	UpdateRequest(ctx context.Context, record *Request) error

	CreateResult(ctx context.Context, record *Result) error
	GetResult(ctx context.Context, resultID id.ResultID) (*Result, error)
	UpdateResult(ctx context.Context, record *Result) error
	ListResultsByProject(ctx context.Context, projectID id.ProjectID) ([]*Result, error)

	CreateChallenge(ctx context.Context, record *Challenge) error
	GetChallenge(ctx context.Context, challengeID id.ChallengeID) (*Challenge, error)
	UpdateChallenge(ctx context.Context, record *Challenge) error

	AppendReport(ctx context.Context, record *Report) error
	ListReportsByResult(ctx context.Context, resultID id.ResultID) ([]*Report, error)
}

// StoreTx runs fn as one atomic unit. Units sharing a key are serialized;
// fn must not retain the store beyond its return.
type StoreTx interface {
	RunInTx(ctx context.Context, key string, fn func(store Store) error) error
}
