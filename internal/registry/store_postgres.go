package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same store code
// serves direct reads and transactional units.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists registry records in PostgreSQL.
// This store is pure I/O: counter arithmetic and precondition checks belong
// in the service.
type PostgresStore struct {
	db dbtx
}

// NewPostgres constructs a PostgreSQL-backed registry store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the registry tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS registries (
			id UUID PRIMARY KEY,
			authority UUID NOT NULL,
			name TEXT NOT NULL,
			base_uri TEXT NOT NULL,
			total_credits_issued BIGINT NOT NULL DEFAULT 0,
			total_credits_retired BIGINT NOT NULL DEFAULT 0,
			total_projects BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registry_projects (
			id UUID PRIMARY KEY,
			registry_id UUID NOT NULL REFERENCES registries(id),
			project_id TEXT NOT NULL,
			vintage_year SMALLINT NOT NULL,
			methodology TEXT NOT NULL,
			country_code TEXT NOT NULL,
			developer UUID NOT NULL,
			total_issued BIGINT NOT NULL DEFAULT 0,
			total_retired BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_issuances (
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL REFERENCES registry_projects(id),
			serial_prefix TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			issuance_date TIMESTAMPTZ NOT NULL,
			issued_to UUID NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transfers (
			id UUID PRIMARY KEY,
			from_owner UUID NOT NULL,
			to_owner UUID NOT NULL,
			project_id UUID NOT NULL REFERENCES registry_projects(id),
			quantity BIGINT NOT NULL,
			reason TEXT NOT NULL,
			transferred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_retirements (
			id UUID PRIMARY KEY,
			owner UUID NOT NULL,
			project_id UUID NOT NULL REFERENCES registry_projects(id),
			quantity BIGINT NOT NULL,
			reason TEXT NOT NULL,
			beneficiary TEXT NOT NULL,
			retired_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_batches (
			id UUID PRIMARY KEY,
			batch_id TEXT NOT NULL,
			project_id UUID NOT NULL REFERENCES registry_projects(id),
			vintage_start TIMESTAMPTZ NOT NULL,
			vintage_end TIMESTAMPTZ NOT NULL,
			monitoring_report_uri TEXT NOT NULL,
			total_credits BIGINT NOT NULL DEFAULT 0,
			available_credits BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS project_metadata (
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL REFERENCES registry_projects(id),
			metadata_type TEXT NOT NULL,
			uri TEXT NOT NULL,
			description TEXT NOT NULL,
			added_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_registry_projects_registry ON registry_projects(registry_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_issuances_project ON credit_issuances(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transfers_project ON credit_transfers(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_retirements_project ON credit_retirements(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_project_metadata_project ON project_metadata(project_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure registry schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRegistry(ctx context.Context, record *Registry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registries (id, authority, name, base_uri, total_credits_issued, total_credits_retired, total_projects, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID.String(), record.Authority.String(), record.Name, record.BaseURI,
		int64(record.TotalCreditsIssued), int64(record.TotalCreditsRetired), int64(record.TotalProjects), record.CreatedAt)
	if err != nil {
		return wrapPgError(err, "create registry")
	}
	return nil
}

func (s *PostgresStore) GetRegistry(ctx context.Context, registryID id.RegistryID) (*Registry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, authority, name, base_uri, total_credits_issued, total_credits_retired, total_projects, created_at
		FROM registries
		WHERE id = $1
	`, registryID.String())
	record, err := scanRegistry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "registry not found")
		}
		return nil, fmt.Errorf("get registry: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) UpdateRegistry(ctx context.Context, record *Registry) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE registries
		SET name = $2, base_uri = $3, total_credits_issued = $4, total_credits_retired = $5, total_projects = $6
		WHERE id = $1
	`, record.ID.String(), record.Name, record.BaseURI,
		int64(record.TotalCreditsIssued), int64(record.TotalCreditsRetired), int64(record.TotalProjects))
	if err != nil {
		return fmt.Errorf("update registry: %w", err)
	}
	return requireRowAffected(result, "registry")
}

func (s *PostgresStore) CreateProject(ctx context.Context, record *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_projects (id, registry_id, project_id, vintage_year, methodology, country_code, developer, total_issued, total_retired, status, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, record.ID.String(), record.Registry.String(), record.ProjectID, int16(record.VintageYear),
		record.Methodology, record.CountryCode, record.Developer.String(),
		int64(record.TotalIssued), int64(record.TotalRetired), string(record.Status), record.RegisteredAt)
	if err != nil {
		return wrapPgError(err, "create project")
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID id.ProjectID) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, registry_id, project_id, vintage_year, methodology, country_code, developer, total_issued, total_retired, status, registered_at
		FROM registry_projects
		WHERE id = $1
	`, projectID.String())
	record, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "project not found")
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, record *Project) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE registry_projects
		SET total_issued = $2, total_retired = $3, status = $4
		WHERE id = $1
	`, record.ID.String(), int64(record.TotalIssued), int64(record.TotalRetired), string(record.Status))
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireRowAffected(result, "project")
}

func (s *PostgresStore) CreateIssuance(ctx context.Context, record *Issuance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_issuances (id, project_id, serial_prefix, quantity, issuance_date, issued_to, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID.String(), record.Project.String(), record.SerialPrefix, int64(record.Quantity),
		record.IssuanceDate, record.IssuedTo.String(), string(record.Status), record.CreatedAt)
	if err != nil {
		return wrapPgError(err, "create issuance")
	}
	return nil
}

func (s *PostgresStore) GetIssuance(ctx context.Context, issuanceID id.IssuanceID) (*Issuance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, serial_prefix, quantity, issuance_date, issued_to, status, created_at
		FROM credit_issuances
		WHERE id = $1
	`, issuanceID.String())
	record, err := scanIssuance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "issuance not found")
		}
		return nil, fmt.Errorf("get issuance: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListIssuancesByProject(ctx context.Context, projectID id.ProjectID) ([]*Issuance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, serial_prefix, quantity, issuance_date, issued_to, status, created_at
		FROM credit_issuances
		WHERE project_id = $1
		ORDER BY created_at
	`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list issuances: %w", err)
	}
	defer rows.Close()

	var records []*Issuance
	for rows.Next() {
		record, err := scanIssuance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issuance: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list issuances: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) AppendTransfer(ctx context.Context, record *Transfer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_transfers (id, from_owner, to_owner, project_id, quantity, reason, transferred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.ID.String(), record.From.String(), record.To.String(), record.Project.String(),
		int64(record.Quantity), record.Reason, record.TransferredAt)
	if err != nil {
		return wrapPgError(err, "append transfer")
	}
	return nil
}

func (s *PostgresStore) ListTransfersByProject(ctx context.Context, projectID id.ProjectID) ([]*Transfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_owner, to_owner, project_id, quantity, reason, transferred_at
		FROM credit_transfers
		WHERE project_id = $1
		ORDER BY transferred_at
	`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var records []*Transfer
	for rows.Next() {
		var record Transfer
		var recID, from, to, project string
		var quantity int64
		if err := rows.Scan(&recID, &from, &to, &project, &quantity, &record.Reason, &record.TransferredAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if err := assignTransferIDs(&record, recID, from, to, project); err != nil {
			return nil, err
		}
		record.Quantity = uint64(quantity)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) AppendRetirement(ctx context.Context, record *Retirement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_retirements (id, owner, project_id, quantity, reason, beneficiary, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.ID.String(), record.Owner.String(), record.Project.String(),
		int64(record.Quantity), record.Reason, record.Beneficiary, record.RetiredAt)
	if err != nil {
		return wrapPgError(err, "append retirement")
	}
	return nil
}

func (s *PostgresStore) ListRetirementsByProject(ctx context.Context, projectID id.ProjectID) ([]*Retirement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, project_id, quantity, reason, beneficiary, retired_at
		FROM credit_retirements
		WHERE project_id = $1
		ORDER BY retired_at
	`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list retirements: %w", err)
	}
	defer rows.Close()

	var records []*Retirement
	for rows.Next() {
		var record Retirement
		var recID, owner, project string
		var quantity int64
		if err := rows.Scan(&recID, &owner, &project, &quantity, &record.Reason, &record.Beneficiary, &record.RetiredAt); err != nil {
			return nil, fmt.Errorf("scan retirement: %w", err)
		}
		if err := assignRetirementIDs(&record, recID, owner, project); err != nil {
			return nil, err
		}
		record.Quantity = uint64(quantity)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list retirements: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, record *Batch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_batches (id, batch_id, project_id, vintage_start, vintage_end, monitoring_report_uri, total_credits, available_credits, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.ID.String(), record.BatchID, record.Project.String(), record.VintageStart, record.VintageEnd,
		record.MonitoringReportURI, int64(record.TotalCredits), int64(record.AvailableCredits),
		string(record.Status), record.CreatedAt)
	if err != nil {
		return wrapPgError(err, "create batch")
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID id.BatchID) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, project_id, vintage_start, vintage_end, monitoring_report_uri, total_credits, available_credits, status, created_at
		FROM credit_batches
		WHERE id = $1
	`, batchID.String())

	var record Batch
	var recID, project, status string
	var total, available int64
	err := row.Scan(&recID, &record.BatchID, &project, &record.VintageStart, &record.VintageEnd,
		&record.MonitoringReportURI, &total, &available, &status, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "batch not found")
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	batchUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	projectUUID, err := parseStoredUUID(project)
	if err != nil {
		return nil, err
	}
	record.ID = id.BatchID(batchUUID)
	record.Project = id.ProjectID(projectUUID)
	record.TotalCredits = uint64(total)
	record.AvailableCredits = uint64(available)
	record.Status = BatchStatus(status)
	return &record, nil
}

func (s *PostgresStore) AppendMetadata(ctx context.Context, record *Metadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_metadata (id, project_id, metadata_type, uri, description, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID.String(), record.Project.String(), string(record.Type), record.URI, record.Description, record.AddedAt)
	if err != nil {
		return wrapPgError(err, "append metadata")
	}
	return nil
}

func (s *PostgresStore) ListMetadataByProject(ctx context.Context, projectID id.ProjectID) ([]*Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, metadata_type, uri, description, added_at
		FROM project_metadata
		WHERE project_id = $1
		ORDER BY added_at
	`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	var records []*Metadata
	for rows.Next() {
		var record Metadata
		var recID, project, metadataType string
		if err := rows.Scan(&recID, &project, &metadataType, &record.URI, &record.Description, &record.AddedAt); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		metaUUID, err := parseStoredUUID(recID)
		if err != nil {
			return nil, err
		}
		projectUUID, err := parseStoredUUID(project)
		if err != nil {
			return nil, err
		}
		record.ID = id.MetadataID(metaUUID)
		record.Project = id.ProjectID(projectUUID)
		record.Type = MetadataType(metadataType)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	return records, nil
}

// postgresTx runs a unit of work inside a serializable SQL transaction. A
// transaction-scoped advisory lock on the unit key serializes conflicting
// units before any side effect runs, matching the in-memory semantics: asset
// mints and burns inside a unit are not rolled back by the database, so a
// losing unit must never get that far.
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

func scanRegistry(row scannable) (*Registry, error) {
	var record Registry
	var recID, authority string
	var issued, retired, projects int64
	if err := row.Scan(&recID, &authority, &record.Name, &record.BaseURI, &issued, &retired, &projects, &record.CreatedAt); err != nil {
		return nil, err
	}
	regUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	authorityUUID, err := parseStoredUUID(authority)
	if err != nil {
		return nil, err
	}
	record.ID = id.RegistryID(regUUID)
	record.Authority = id.AccountID(authorityUUID)
	record.TotalCreditsIssued = uint64(issued)
	record.TotalCreditsRetired = uint64(retired)
	record.TotalProjects = uint64(projects)
	return &record, nil
}

func scanProject(row scannable) (*Project, error) {
	var record Project
	var recID, registry, developer, status string
	var vintage int16
	var issued, retired int64
	if err := row.Scan(&recID, &registry, &record.ProjectID, &vintage, &record.Methodology,
		&record.CountryCode, &developer, &issued, &retired, &status, &record.RegisteredAt); err != nil {
		return nil, err
	}
	projectUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	registryUUID, err := parseStoredUUID(registry)
	if err != nil {
		return nil, err
	}
	developerUUID, err := parseStoredUUID(developer)
	if err != nil {
		return nil, err
	}
	record.ID = id.ProjectID(projectUUID)
	record.Registry = id.RegistryID(registryUUID)
	record.Developer = id.AccountID(developerUUID)
	record.VintageYear = uint16(vintage)
	record.TotalIssued = uint64(issued)
	record.TotalRetired = uint64(retired)
	record.Status = ProjectStatus(status)
	return &record, nil
}

func scanIssuance(row scannable) (*Issuance, error) {
	var record Issuance
	var recID, project, issuedTo, status string
	var quantity int64
	if err := row.Scan(&recID, &project, &record.SerialPrefix, &quantity, &record.IssuanceDate,
		&issuedTo, &status, &record.CreatedAt); err != nil {
		return nil, err
	}
	issuanceUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	projectUUID, err := parseStoredUUID(project)
	if err != nil {
		return nil, err
	}
	issuedToUUID, err := parseStoredUUID(issuedTo)
	if err != nil {
		return nil, err
	}
	record.ID = id.IssuanceID(issuanceUUID)
	record.Project = id.ProjectID(projectUUID)
	record.IssuedTo = id.AccountID(issuedToUUID)
	record.Quantity = uint64(quantity)
	record.Status = IssuanceStatus(status)
	return &record, nil
}

func assignTransferIDs(record *Transfer, recID, from, to, project string) error {
	transferUUID, err := parseStoredUUID(recID)
	if err != nil {
		return err
	}
	fromUUID, err := parseStoredUUID(from)
	if err != nil {
		return err
	}
	toUUID, err := parseStoredUUID(to)
	if err != nil {
		return err
	}
	projectUUID, err := parseStoredUUID(project)
	if err != nil {
		return err
	}
	record.ID = id.TransferID(transferUUID)
	record.From = id.AccountID(fromUUID)
	record.To = id.AccountID(toUUID)
	record.Project = id.ProjectID(projectUUID)
	return nil
}

func assignRetirementIDs(record *Retirement, recID, owner, project string) error {
	retirementUUID, err := parseStoredUUID(recID)
	if err != nil {
		return err
	}
	ownerUUID, err := parseStoredUUID(owner)
	if err != nil {
		return err
	}
	projectUUID, err := parseStoredUUID(project)
	if err != nil {
		return err
	}
	record.ID = id.RetirementID(retirementUUID)
	record.Owner = id.AccountID(ownerUUID)
	record.Project = id.ProjectID(projectUUID)
	return nil
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
