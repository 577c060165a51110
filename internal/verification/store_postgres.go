package verification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists verification records in PostgreSQL.
type PostgresStore struct {
	db dbtx
}

// NewPostgres constructs a PostgreSQL-backed verification store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the verification tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS verifiers (
			id UUID PRIMARY KEY,
			authority UUID NOT NULL,
			name TEXT NOT NULL,
			certification_level TEXT NOT NULL,
			accreditation_body TEXT NOT NULL,
			is_active BOOLEAN NOT NULL,
			total_projects_verified BIGINT NOT NULL DEFAULT 0,
			total_credits_verified BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS verification_requests (
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL,
			requester UUID NOT NULL,
			verifier_id UUID NOT NULL REFERENCES verifiers(id),
			verification_type TEXT NOT NULL,
			documentation_uri TEXT NOT NULL,
			estimated_credits BIGINT NOT NULL,
			status TEXT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS verification_results (
			id UUID PRIMARY KEY,
			request_id UUID NOT NULL REFERENCES verification_requests(id),
			verifier_id UUID NOT NULL REFERENCES verifiers(id),
			project_id UUID NOT NULL,
			verified_credits BIGINT NOT NULL,
			notes TEXT NOT NULL,
			compliance_score SMALLINT NOT NULL,
			methodology_used TEXT NOT NULL,
			verified_at TIMESTAMPTZ NOT NULL,
			is_valid BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS verification_challenges (
			id UUID PRIMARY KEY,
			result_id UUID NOT NULL REFERENCES verification_results(id),
			challenger UUID NOT NULL,
			reason TEXT NOT NULL,
			evidence_uri TEXT NOT NULL,
			status TEXT NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			resolution_notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS verification_reports (
			id UUID PRIMARY KEY,
			result_id UUID NOT NULL REFERENCES verification_results(id),
			verifier_id UUID NOT NULL REFERENCES verifiers(id),
			report_uri TEXT NOT NULL,
			methodology_details TEXT NOT NULL,
			sampling_approach TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verification_results_project ON verification_results(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_verification_reports_result ON verification_reports(result_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure verification schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateVerifier(ctx context.Context, record *Verifier) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verifiers (id, authority, name, certification_level, accreditation_body, is_active, total_projects_verified, total_credits_verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID.String(), record.Authority.String(), record.Name, string(record.CertificationLevel),
		record.AccreditationBody, record.IsActive,
		int64(record.TotalProjectsVerified), int64(record.TotalCreditsVerified), record.CreatedAt)
	if err != nil {
		return wrapPgError(err, "create verifier")
	}
	return nil
}

func (s *PostgresStore) GetVerifier(ctx context.Context, verifierID id.VerifierID) (*Verifier, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, authority, name, certification_level, accreditation_body, is_active, total_projects_verified, total_credits_verified, created_at
		FROM verifiers
		WHERE id = $1
	`, verifierID.String())

	var record Verifier
	var recID, authority, level string
	var projects, credits int64
	err := row.Scan(&recID, &authority, &record.Name, &level, &record.AccreditationBody,
		&record.IsActive, &projects, &credits, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verifier not found")
		}
		return nil, fmt.Errorf("get verifier: %w", err)
	}
	verifierUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	authorityUUID, err := parseStoredUUID(authority)
	if err != nil {
		return nil, err
	}
	record.ID = id.VerifierID(verifierUUID)
	record.Authority = id.AccountID(authorityUUID)
	record.CertificationLevel = CertificationLevel(level)
	record.TotalProjectsVerified = uint64(projects)
	record.TotalCreditsVerified = uint64(credits)
	return &record, nil
}

func (s *PostgresStore) UpdateVerifier(ctx context.Context, record *Verifier) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE verifiers
		SET is_active = $2, total_projects_verified = $3, total_credits_verified = $4
		WHERE id = $1
	`, record.ID.String(), record.IsActive, int64(record.TotalProjectsVerified), int64(record.TotalCreditsVerified))
	if err != nil {
		return fmt.Errorf("update verifier: %w", err)
	}
	return requireRowAffected(result, "verifier")
}

func (s *PostgresStore) CreateRequest(ctx context.Context, record *Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_requests (id, project_id, requester, verifier_id, verification_type, documentation_uri, estimated_credits, status, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.ID.String(), record.Project.String(), record.Requester.String(), record.Verifier.String(),
		string(record.Type), record.DocumentationURI, int64(record.EstimatedCredits),
		string(record.Status), record.SubmittedAt, nullTime(record.CompletedAt))
	if err != nil {
		return wrapPgError(err, "create verification request")
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID id.RequestID) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, requester, verifier_id, verification_type, documentation_uri, estimated_credits, status, submitted_at, completed_at
		FROM verification_requests
		WHERE id = $1
	`, requestID.String())

	var record Request
	var recID, project, requester, verifier, vtype, status string
	var estimated int64
	var completedAt sql.NullTime
	err := row.Scan(&recID, &project, &requester, &verifier, &vtype, &record.DocumentationURI,
		&estimated, &status, &record.SubmittedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verification request not found")
		}
		return nil, fmt.Errorf("get verification request: %w", err)
	}
	requestUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	projectUUID, err := parseStoredUUID(project)
	if err != nil {
		return nil, err
	}
	requesterUUID, err := parseStoredUUID(requester)
	if err != nil {
		return nil, err
	}
	verifierUUID, err := parseStoredUUID(verifier)
	if err != nil {
		return nil, err
	}
	record.ID = id.RequestID(requestUUID)
	record.Project = id.ProjectID(projectUUID)
	record.Requester = id.AccountID(requesterUUID)
	record.Verifier = id.VerifierID(verifierUUID)
	record.Type = VerificationType(vtype)
	record.EstimatedCredits = uint64(estimated)
	record.Status = RequestStatus(status)
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	return &record, nil
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, record *Request) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE verification_requests
		SET status = $2, completed_at = $3
		WHERE id = $1
	`, record.ID.String(), string(record.Status), nullTime(record.CompletedAt))
	if err != nil {
		return fmt.Errorf("update verification request: %w", err)
	}
	return requireRowAffected(result, "verification request")
}

func (s *PostgresStore) CreateResult(ctx context.Context, record *Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_results (id, request_id, verifier_id, project_id, verified_credits, notes, compliance_score, methodology_used, verified_at, is_valid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.ID.String(), record.Request.String(), record.Verifier.String(), record.Project.String(),
		int64(record.VerifiedCredits), record.Notes, int16(record.ComplianceScore),
		record.MethodologyUsed, record.VerifiedAt, record.IsValid)
	if err != nil {
		return wrapPgError(err, "create verification result")
	}
	return nil
}

func (s *PostgresStore) GetResult(ctx context.Context, resultID id.ResultID) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, verifier_id, project_id, verified_credits, notes, compliance_score, methodology_used, verified_at, is_valid
		FROM verification_results
		WHERE id = $1
	`, resultID.String())
	record, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verification result not found")
		}
		return nil, fmt.Errorf("get verification result: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) UpdateResult(ctx context.Context, record *Result) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE verification_results
		SET is_valid = $2
		WHERE id = $1
	`, record.ID.String(), record.IsValid)
	if err != nil {
		return fmt.Errorf("update verification result: %w", err)
	}
	return requireRowAffected(result, "verification result")
}

func (s *PostgresStore) ListResultsByProject(ctx context.Context, projectID id.ProjectID) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, verifier_id, project_id, verified_credits, notes, compliance_score, methodology_used, verified_at, is_valid
		FROM verification_results
		WHERE project_id = $1
		ORDER BY verified_at
	`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list verification results: %w", err)
	}
	defer rows.Close()

	var records []*Result
	for rows.Next() {
		record, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verification result: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list verification results: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) CreateChallenge(ctx context.Context, record *Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_challenges (id, result_id, challenger, reason, evidence_uri, status, submitted_at, resolved_at, resolution_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID.String(), record.Verification.String(), record.Challenger.String(),
		record.Reason, record.EvidenceURI, string(record.Status),
		record.SubmittedAt, nullTime(record.ResolvedAt), record.ResolutionNotes)
	if err != nil {
		return wrapPgError(err, "create challenge")
	}
	return nil
}

func (s *PostgresStore) GetChallenge(ctx context.Context, challengeID id.ChallengeID) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, result_id, challenger, reason, evidence_uri, status, submitted_at, resolved_at, resolution_notes
		FROM verification_challenges
		WHERE id = $1
	`, challengeID.String())

	var record Challenge
	var recID, result, challenger, status string
	var resolvedAt sql.NullTime
	err := row.Scan(&recID, &result, &challenger, &record.Reason, &record.EvidenceURI,
		&status, &record.SubmittedAt, &resolvedAt, &record.ResolutionNotes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "challenge not found")
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	challengeUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	resultUUID, err := parseStoredUUID(result)
	if err != nil {
		return nil, err
	}
	challengerUUID, err := parseStoredUUID(challenger)
	if err != nil {
		return nil, err
	}
	record.ID = id.ChallengeID(challengeUUID)
	record.Verification = id.ResultID(resultUUID)
	record.Challenger = id.AccountID(challengerUUID)
	record.Status = ChallengeStatus(status)
	if resolvedAt.Valid {
		record.ResolvedAt = &resolvedAt.Time
	}
	return &record, nil
}

func (s *PostgresStore) UpdateChallenge(ctx context.Context, record *Challenge) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE verification_challenges
		SET status = $2, resolved_at = $3, resolution_notes = $4
		WHERE id = $1
	`, record.ID.String(), string(record.Status), nullTime(record.ResolvedAt), record.ResolutionNotes)
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	return requireRowAffected(result, "challenge")
}

func (s *PostgresStore) AppendReport(ctx context.Context, record *Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_reports (id, result_id, verifier_id, report_uri, methodology_details, sampling_approach, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.ID.String(), record.Verification.String(), record.Verifier.String(),
		record.ReportURI, record.MethodologyDetails, record.SamplingApproach, record.CreatedAt)
	if err != nil {
		return wrapPgError(err, "append report")
	}
	return nil
}

func (s *PostgresStore) ListReportsByResult(ctx context.Context, resultID id.ResultID) ([]*Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, result_id, verifier_id, report_uri, methodology_details, sampling_approach, created_at
		FROM verification_reports
		WHERE result_id = $1
		ORDER BY created_at
	`, resultID.String())
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var records []*Report
	for rows.Next() {
		var record Report
		var recID, result, verifier string
		if err := rows.Scan(&recID, &result, &verifier, &record.ReportURI,
			&record.MethodologyDetails, &record.SamplingApproach, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reportUUID, err := parseStoredUUID(recID)
		if err != nil {
			return nil, err
		}
		resultUUID, err := parseStoredUUID(result)
		if err != nil {
			return nil, err
		}
		verifierUUID, err := parseStoredUUID(verifier)
		if err != nil {
			return nil, err
		}
		record.ID = id.ReportID(reportUUID)
		record.Verification = id.ResultID(resultUUID)
		record.Verifier = id.VerifierID(verifierUUID)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return records, nil
}

// postgresTx runs a unit of work inside a serializable SQL transaction. A
// transaction-scoped advisory lock on the unit key serializes conflicting
// units before any work runs, matching the in-memory semantics.
type postgresTx struct {
	db *sql.DB
}

func NewPostgresTx(db *sql.DB) StoreTx {
	return &postgresTx{db: db}
}

func (t *postgresTx) RunInTx(ctx context.Context, key string, fn func(store Store) error) error {
	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(key)); err != nil {
		return fmt.Errorf("acquire unit lock: %w", err)
	}
	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lockKey folds the unit key into the signed 64-bit space advisory locks
// use.
func lockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

type scannable interface {
	Scan(dest ...any) error
}

func scanResult(row scannable) (*Result, error) {
	var record Result
	var recID, request, verifier, project string
	var credits int64
	var score int16
	if err := row.Scan(&recID, &request, &verifier, &project, &credits, &record.Notes,
		&score, &record.MethodologyUsed, &record.VerifiedAt, &record.IsValid); err != nil {
		return nil, err
	}
	resultUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	requestUUID, err := parseStoredUUID(request)
	if err != nil {
		return nil, err
	}
	verifierUUID, err := parseStoredUUID(verifier)
	if err != nil {
		return nil, err
	}
	projectUUID, err := parseStoredUUID(project)
	if err != nil {
		return nil, err
	}
	record.ID = id.ResultID(resultUUID)
	record.Request = id.RequestID(requestUUID)
	record.Verifier = id.VerifierID(verifierUUID)
	record.Project = id.ProjectID(projectUUID)
	record.VerifiedCredits = uint64(credits)
	record.ComplianceScore = uint8(score)
	return &record, nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func requireRowAffected(result sql.Result, noun string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", noun, err)
	}
	if rows == 0 {
		return dErrors.Newf(dErrors.CodeNotFound, "%s not found", noun)
	}
	return nil
}

func parseStoredUUID(s string) (uuid.UUID, error) {
	value, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse stored uuid: %w", err)
	}
	return value, nil
}

// wrapPgError maps unique violations to the conflict code so callers see
// the same behavior as the in-memory store.
func wrapPgError(err error, op string) error {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return dErrors.Wrap(err, dErrors.CodeConflict, op+": record already exists")
	}
	return fmt.Errorf("%s: %w", op, err)
}
