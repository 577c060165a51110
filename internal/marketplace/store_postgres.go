package marketplace

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

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same store code
// serves direct reads and transactional units.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists marketplace records in PostgreSQL. Counter deltas
// are applied as in-database arithmetic so concurrent units on different
// listings never lose aggregate updates.
type PostgresStore struct {
	db dbtx
}

// NewPostgres constructs a PostgreSQL-backed marketplace store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the marketplace tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS marketplaces (
			id UUID PRIMARY KEY,
			authority UUID NOT NULL,
			fee_bps SMALLINT NOT NULL,
			min_credit_amount BIGINT NOT NULL,
			total_credits_traded BIGINT NOT NULL DEFAULT 0,
			total_volume BIGINT NOT NULL DEFAULT 0,
			active_listings BIGINT NOT NULL DEFAULT 0 CHECK (active_listings >= 0),
			total_projects BIGINT NOT NULL DEFAULT 0,
			verified_projects BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_projects (
			id UUID PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			project_type TEXT NOT NULL,
			developer UUID NOT NULL,
			location TEXT NOT NULL,
			estimated_credits BIGINT NOT NULL DEFAULT 0,
			issued_credits BIGINT NOT NULL DEFAULT 0,
			retired_credits BIGINT NOT NULL DEFAULT 0,
			standard TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			verified_at TIMESTAMPTZ,
			metadata_uri TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS listings (
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL REFERENCES marketplace_projects(id),
			seller UUID NOT NULL,
			amount BIGINT NOT NULL,
			price_per_credit BIGINT NOT NULL,
			total_value BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expiry_time TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id UUID PRIMARY KEY,
			listing_id UUID NOT NULL REFERENCES listings(id),
			buyer UUID NOT NULL,
			seller UUID NOT NULL,
			amount BIGINT NOT NULL,
			price_per_credit BIGINT NOT NULL,
			total_paid BIGINT NOT NULL,
			fee_paid BIGINT NOT NULL,
			purchased_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_retirements (
			id UUID PRIMARY KEY,
			owner UUID NOT NULL,
			project_id UUID NOT NULL REFERENCES marketplace_projects(id),
			amount BIGINT NOT NULL,
			reason TEXT NOT NULL,
			retired_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_project ON listings(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_listing ON purchases(listing_id)`,
		`CREATE INDEX IF NOT EXISTS idx_marketplace_retirements_project ON marketplace_retirements(project_id)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure marketplace schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateMarketplace(ctx context.Context, record *Marketplace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO marketplaces (id, authority, fee_bps, min_credit_amount, total_credits_traded, total_volume, active_listings, total_projects, verified_projects, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.ID.String(), record.Authority.String(), int16(record.FeeBps), int64(record.MinCreditAmount),
		int64(record.TotalCreditsTraded), int64(record.TotalVolume), int64(record.ActiveListings),
		int64(record.TotalProjects), int64(record.VerifiedProjects), record.CreatedAt)
	if err != nil {
		return wrapPgError(err, "create marketplace")
	}
	return nil
}

func (s *PostgresStore) GetMarketplace(ctx context.Context, marketplaceID id.MarketplaceID) (*Marketplace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, authority, fee_bps, min_credit_amount, total_credits_traded, total_volume, active_listings, total_projects, verified_projects, created_at
		FROM marketplaces
		WHERE id = $1
	`, marketplaceID.String())

	var record Marketplace
	var recID, authority string
	var feeBps int16
	var minAmount, traded, volume, active, projects, verified int64
	err := row.Scan(&recID, &authority, &feeBps, &minAmount, &traded, &volume, &active, &projects, &verified, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "marketplace not found")
		}
		return nil, fmt.Errorf("get marketplace: %w", err)
	}
	mpUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	authorityUUID, err := parseStoredUUID(authority)
	if err != nil {
		return nil, err
	}
	record.ID = id.MarketplaceID(mpUUID)
	record.Authority = id.AccountID(authorityUUID)
	record.FeeBps = uint16(feeBps)
	record.MinCreditAmount = uint64(minAmount)
	record.TotalCreditsTraded = uint64(traded)
	record.TotalVolume = uint64(volume)
	record.ActiveListings = uint64(active)
	record.TotalProjects = uint64(projects)
	record.VerifiedProjects = uint64(verified)
	return &record, nil
}

func (s *PostgresStore) ApplyMarketplaceDeltas(ctx context.Context, marketplaceID id.MarketplaceID, deltas MarketplaceDeltas) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE marketplaces
		SET total_credits_traded = total_credits_traded + $2,
		    total_volume = total_volume + $3,
		    active_listings = active_listings + $4,
		    total_projects = total_projects + $5,
		    verified_projects = verified_projects + $6
		WHERE id = $1
	`, marketplaceID.String(), int64(deltas.CreditsTraded), int64(deltas.Volume),
		deltas.ActiveListings, int64(deltas.TotalProjects), int64(deltas.VerifiedProjects))
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return dErrors.New(dErrors.CodeInvariantViolation, "active listings cannot go negative")
		}
		return fmt.Errorf("apply marketplace deltas: %w", err)
	}
	return requireRowAffected(result, "marketplace")
}

func (s *PostgresStore) CreateProject(ctx context.Context, record *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO marketplace_projects (id, project_id, name, project_type, developer, location, estimated_credits, issued_credits, retired_credits, standard, status, created_at, verified_at, metadata_uri)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, record.ID.String(), record.ProjectID, record.Name, string(record.Type), record.Developer.String(),
		record.Location, int64(record.EstimatedCredits), int64(record.IssuedCredits), int64(record.RetiredCredits),
		string(record.Standard), string(record.Status), record.CreatedAt, nullTime(record.VerifiedAt), record.MetadataURI)
	if err != nil {
		return wrapPgError(err, "create project")
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID id.ProjectID) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, project_type, developer, location, estimated_credits, issued_credits, retired_credits, standard, status, created_at, verified_at, metadata_uri
		FROM marketplace_projects
		WHERE id = $1
	`, projectID.String())
	record, err := scanMarketProject(row)
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
		UPDATE marketplace_projects
		SET issued_credits = $2, retired_credits = $3, status = $4, verified_at = $5
		WHERE id = $1
	`, record.ID.String(), int64(record.IssuedCredits), int64(record.RetiredCredits),
		string(record.Status), nullTime(record.VerifiedAt))
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireRowAffected(result, "project")
}

func (s *PostgresStore) CreateListing(ctx context.Context, record *Listing) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (id, project_id, seller, amount, price_per_credit, total_value, status, created_at, expiry_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID.String(), record.Project.String(), record.Seller.String(),
		int64(record.Amount), int64(record.PricePerCredit), int64(record.TotalValue),
		string(record.Status), record.CreatedAt, record.ExpiryTime)
	if err != nil {
		return wrapPgError(err, "create listing")
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, listingID id.ListingID) (*Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, seller, amount, price_per_credit, total_value, status, created_at, expiry_time
		FROM listings
		WHERE id = $1
	`, listingID.String())
	record, err := scanListing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dErrors.New(dErrors.CodeNotFound, "listing not found")
		}
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) UpdateListing(ctx context.Context, record *Listing) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET amount = $2, status = $3
		WHERE id = $1
	`, record.ID.String(), int64(record.Amount), string(record.Status))
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	return requireRowAffected(result, "listing")
}

func (s *PostgresStore) ListListingsByProject(ctx context.Context, projectID id.ProjectID) ([]*Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, seller, amount, price_per_credit, total_value, status, created_at, expiry_time
		FROM listings
		WHERE project_id = $1
		ORDER BY created_at
	`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var records []*Listing
	for rows.Next() {
		record, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) AppendPurchase(ctx context.Context, record *Purchase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, listing_id, buyer, seller, amount, price_per_credit, total_paid, fee_paid, purchased_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID.String(), record.Listing.String(), record.Buyer.String(), record.Seller.String(),
		int64(record.Amount), int64(record.PricePerCredit), int64(record.TotalPaid), int64(record.FeePaid),
		record.PurchasedAt)
	if err != nil {
		return wrapPgError(err, "append purchase")
	}
	return nil
}

func (s *PostgresStore) ListPurchasesByListing(ctx context.Context, listingID id.ListingID) ([]*Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, buyer, seller, amount, price_per_credit, total_paid, fee_paid, purchased_at
		FROM purchases
		WHERE listing_id = $1
		ORDER BY purchased_at
	`, listingID.String())
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var records []*Purchase
	for rows.Next() {
		var record Purchase
		var recID, listing, buyer, seller string
		var amount, price, paid, fee int64
		if err := rows.Scan(&recID, &listing, &buyer, &seller, &amount, &price, &paid, &fee, &record.PurchasedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		if err := assignPurchaseIDs(&record, recID, listing, buyer, seller); err != nil {
			return nil, err
		}
		record.Amount = uint64(amount)
		record.PricePerCredit = uint64(price)
		record.TotalPaid = uint64(paid)
		record.FeePaid = uint64(fee)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) AppendRetirement(ctx context.Context, record *Retirement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO marketplace_retirements (id, owner, project_id, amount, reason, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID.String(), record.Owner.String(), record.Project.String(),
		int64(record.Amount), record.Reason, record.RetiredAt)
	if err != nil {
		return wrapPgError(err, "append retirement")
	}
	return nil
}

func (s *PostgresStore) ListRetirementsByProject(ctx context.Context, projectID id.ProjectID) ([]*Retirement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, project_id, amount, reason, retired_at
		FROM marketplace_retirements
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
		var amount int64
		if err := rows.Scan(&recID, &owner, &project, &amount, &record.Reason, &record.RetiredAt); err != nil {
			return nil, fmt.Errorf("scan retirement: %w", err)
		}
		retirementUUID, err := parseStoredUUID(recID)
		if err != nil {
			return nil, err
		}
		ownerUUID, err := parseStoredUUID(owner)
		if err != nil {
			return nil, err
		}
		projectUUID, err := parseStoredUUID(project)
		if err != nil {
			return nil, err
		}
		record.ID = id.RetirementID(retirementUUID)
		record.Owner = id.AccountID(ownerUUID)
		record.Project = id.ProjectID(projectUUID)
		record.Amount = uint64(amount)
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list retirements: %w", err)
	}
	return records, nil
}

// postgresTx runs a unit of work inside a serializable SQL transaction. A
// transaction-scoped advisory lock on the unit key serializes conflicting
// units before any side effect runs, matching the in-memory semantics:
// payment transfers inside a unit are not rolled back by the database, so a
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

func scanMarketProject(row scannable) (*Project, error) {
	var record Project
	var recID, developer, projectType, standard, status string
	var estimated, issued, retired int64
	var verifiedAt sql.NullTime
	if err := row.Scan(&recID, &record.ProjectID, &record.Name, &projectType, &developer, &record.Location,
		&estimated, &issued, &retired, &standard, &status, &record.CreatedAt, &verifiedAt, &record.MetadataURI); err != nil {
		return nil, err
	}
	projectUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	developerUUID, err := parseStoredUUID(developer)
	if err != nil {
		return nil, err
	}
	record.ID = id.ProjectID(projectUUID)
	record.Developer = id.AccountID(developerUUID)
	record.Type = ProjectType(projectType)
	record.EstimatedCredits = uint64(estimated)
	record.IssuedCredits = uint64(issued)
	record.RetiredCredits = uint64(retired)
	record.Standard = Standard(standard)
	record.Status = ProjectStatus(status)
	if verifiedAt.Valid {
		t := verifiedAt.Time
		record.VerifiedAt = &t
	}
	return &record, nil
}

func scanListing(row scannable) (*Listing, error) {
	var record Listing
	var recID, project, seller, status string
	var amount, price, total int64
	if err := row.Scan(&recID, &project, &seller, &amount, &price, &total,
		&status, &record.CreatedAt, &record.ExpiryTime); err != nil {
		return nil, err
	}
	listingUUID, err := parseStoredUUID(recID)
	if err != nil {
		return nil, err
	}
	projectUUID, err := parseStoredUUID(project)
	if err != nil {
		return nil, err
	}
	sellerUUID, err := parseStoredUUID(seller)
	if err != nil {
		return nil, err
	}
	record.ID = id.ListingID(listingUUID)
	record.Project = id.ProjectID(projectUUID)
	record.Seller = id.AccountID(sellerUUID)
	record.Amount = uint64(amount)
	record.PricePerCredit = uint64(price)
	record.TotalValue = uint64(total)
	record.Status = ListingStatus(status)
	return &record, nil
}

func assignPurchaseIDs(record *Purchase, recID, listing, buyer, seller string) error {
	purchaseUUID, err := parseStoredUUID(recID)
	if err != nil {
		return err
	}
	listingUUID, err := parseStoredUUID(listing)
	if err != nil {
		return err
	}
	buyerUUID, err := parseStoredUUID(buyer)
	if err != nil {
		return err
	}
	sellerUUID, err := parseStoredUUID(seller)
	if err != nil {
		return err
	}
	record.ID = id.PurchaseID(purchaseUUID)
	record.Listing = id.ListingID(listingUUID)
	record.Buyer = id.AccountID(buyerUUID)
	record.Seller = id.AccountID(sellerUUID)
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
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
