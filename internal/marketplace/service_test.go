package marketplace

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonledger/internal/assets"
	"carbonledger/internal/events"
	"carbonledger/internal/platform/metrics"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// stubVerifier answers project-verification lookups from a fixed set.
type stubVerifier struct {
	verified map[id.ProjectID]bool
}

func (v *stubVerifier) IsProjectVerified(_ context.Context, project id.ProjectID) (bool, error) {
	return v.verified[project], nil
}

type testEnv struct {
	svc      *Service
	store    *InMemoryStore
	ledger   *assets.MemoryLedger
	sink     *events.MemorySink
	verifier *stubVerifier
	now      time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    NewInMemoryStore(),
		ledger:   assets.NewMemoryLedger(),
		sink:     events.NewMemorySink(),
		verifier: &stubVerifier{verified: map[id.ProjectID]bool{}},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewNop()
	// Tests may advance env.now; the clock reads through the pointer.
	opts = append([]Option{WithClock(func() time.Time { return env.now })}, opts...)
	env.svc = NewService(env.store, NewMemoryTx(env.store), env.ledger, env.verifier,
		events.NewEmitter(env.sink, logger, m), m, logger, opts...)
	return env
}

func (e *testEnv) mustInitMarketplace(t *testing.T, authority id.AccountID, feeBps uint16) *Marketplace {
	t.Helper()
	mp, err := e.svc.InitializeMarketplace(context.Background(), InitializeMarketplaceRequest{
		Authority:       authority,
		FeeBps:          feeBps,
		MinCreditAmount: 10,
	})
	require.NoError(t, err)
	return mp
}

func (e *testEnv) mustCreateProject(t *testing.T, mp *Marketplace, projectID string) *Project {
	t.Helper()
	project, err := e.svc.CreateCarbonProject(context.Background(), CreateCarbonProjectRequest{
		Marketplace:      mp.ID,
		Developer:        id.NewAccountID(),
		ProjectID:        projectID,
		Name:             "Rimba Raya REDD+",
		Type:             TypeForestry,
		Location:         "Central Kalimantan, Indonesia",
		EstimatedCredits: 5000,
		Standard:         StandardVCS,
		MetadataURI:      "https://projects.example.com/" + projectID,
	})
	require.NoError(t, err)
	return project
}

// mustVerifiedProject creates a project, marks it verified, and syncs its
// issued supply so listings have something to draw from.
func (e *testEnv) mustVerifiedProject(t *testing.T, mp *Marketplace, projectID string, issued uint64) *Project {
	t.Helper()
	project := e.mustCreateProject(t, mp, projectID)
	e.verifier.verified[project.ID] = true
	_, err := e.svc.SetProjectVerified(context.Background(), SetProjectVerifiedRequest{
		Marketplace: mp.ID,
		Project:     project.ID,
	})
	require.NoError(t, err)
	updated, err := e.svc.SetProjectIssued(context.Background(), SetProjectIssuedRequest{
		Marketplace:   mp.ID,
		Authority:     mp.Authority,
		Project:       project.ID,
		IssuedCredits: issued,
	})
	require.NoError(t, err)
	return updated
}

func (e *testEnv) mustList(t *testing.T, mp *Marketplace, project *Project, seller id.AccountID, amount, price uint64) *Listing {
	t.Helper()
	listing, err := e.svc.ListCredits(context.Background(), ListCreditsRequest{
		Marketplace:    mp.ID,
		Project:        project.ID,
		Seller:         seller,
		Amount:         amount,
		PricePerCredit: price,
		ExpiryTime:     e.now.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return listing
}

func TestInitializeMarketplace(t *testing.T) {
	t.Run("creates marketplace with zeroed counters", func(t *testing.T) {
		env := newTestEnv(t)
		authority := id.NewAccountID()

		mp := env.mustInitMarketplace(t, authority, 250)

		assert.Equal(t, authority, mp.Authority)
		assert.Equal(t, uint16(250), mp.FeeBps)
		assert.Zero(t, mp.TotalCreditsTraded)
		assert.Zero(t, mp.TotalVolume)
		assert.Zero(t, mp.ActiveListings)
		require.Len(t, env.sink.ByType(events.TypeMarketplaceInitialized), 1)
	})

	t.Run("rejects fee above denominator", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.InitializeMarketplace(context.Background(), InitializeMarketplaceRequest{
			Authority:       id.NewAccountID(),
			FeeBps:          10_001,
			MinCreditAmount: 1,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("same authority cannot initialize twice", func(t *testing.T) {
		env := newTestEnv(t)
		authority := id.NewAccountID()
		env.mustInitMarketplace(t, authority, 100)

		_, err := env.svc.InitializeMarketplace(context.Background(), InitializeMarketplaceRequest{
			Authority:       authority,
			FeeBps:          100,
			MinCreditAmount: 1,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func TestCreateCarbonProject(t *testing.T) {
	t.Run("creates pending project and bumps counter", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 100)

		project := env.mustCreateProject(t, mp, "VCS-674")

		assert.Equal(t, ProjectPending, project.Status)
		assert.Nil(t, project.VerifiedAt)
		assert.Zero(t, project.IssuedCredits)

		stored, err := env.svc.GetMarketplace(context.Background(), mp.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stored.TotalProjects)
		require.Len(t, env.sink.ByType(events.TypeCarbonProjectCreated), 1)
	})

	t.Run("duplicate external project id conflicts", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 100)
		env.mustCreateProject(t, mp, "VCS-674")

		_, err := env.svc.CreateCarbonProject(context.Background(), CreateCarbonProjectRequest{
			Marketplace: mp.ID,
			Developer:   id.NewAccountID(),
			ProjectID:   "VCS-674",
			Name:        "Duplicate",
			Type:        TypeForestry,
			Standard:    StandardVCS,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		stored, err := env.svc.GetMarketplace(context.Background(), mp.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stored.TotalProjects)
	})

	t.Run("rejects unknown project type", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 100)

		_, err := env.svc.CreateCarbonProject(context.Background(), CreateCarbonProjectRequest{
			Marketplace: mp.ID,
			Developer:   id.NewAccountID(),
			ProjectID:   "VCS-1",
			Name:        "Bogus",
			Type:        ProjectType("perpetual-motion"),
			Standard:    StandardVCS,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestSetProjectVerified(t *testing.T) {
	t.Run("promotes pending project", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 100)
		project := env.mustCreateProject(t, mp, "VCS-674")
		env.verifier.verified[project.ID] = true

		updated, err := env.svc.SetProjectVerified(context.Background(), SetProjectVerifiedRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, ProjectVerified, updated.Status)
		require.NotNil(t, updated.VerifiedAt)
		assert.Equal(t, env.now, *updated.VerifiedAt)

		stored, err := env.svc.GetMarketplace(context.Background(), mp.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stored.VerifiedProjects)
	})

	t.Run("rejects project without valid verification", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 100)
		project := env.mustCreateProject(t, mp, "VCS-674")

		_, err := env.svc.SetProjectVerified(context.Background(), SetProjectVerifiedRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("already verified project cannot be verified again", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 100)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)

		_, err := env.svc.SetProjectVerified(context.Background(), SetProjectVerifiedRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		stored, err := env.svc.GetMarketplace(context.Background(), mp.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stored.VerifiedProjects)
	})
}

func TestSetProjectIssued(t *testing.T) {
	t.Run("only the authority may sync issued credits", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 100)
		project := env.mustCreateProject(t, mp, "VCS-674")

		_, err := env.svc.SetProjectIssued(context.Background(), SetProjectIssuedRequest{
			Marketplace:   mp.ID,
			Authority:     id.NewAccountID(),
			Project:       project.ID,
			IssuedCredits: 100,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	t.Run("issued credits cannot drop below retired", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 100)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)

		_, err := env.svc.RetireCredits(context.Background(), RetireCreditsRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
			Owner:       id.NewAccountID(),
			Amount:      600,
			Reason:      "corporate offset 2025",
		})
		require.NoError(t, err)

		_, err = env.svc.SetProjectIssued(context.Background(), SetProjectIssuedRequest{
			Marketplace:   mp.ID,
			Authority:     mp.Authority,
			Project:       project.ID,
			IssuedCredits: 500,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func TestListCredits(t *testing.T) {
	t.Run("creates active listing and bumps counter", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		seller := id.NewAccountID()

		listing := env.mustList(t, mp, project, seller, 400, 10)

		assert.Equal(t, ListingActive, listing.Status)
		assert.Equal(t, uint64(4000), listing.TotalValue)

		stored, err := env.svc.GetMarketplace(context.Background(), mp.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stored.ActiveListings)
		require.Len(t, env.sink.ByType(events.TypeCreditsListed), 1)
	})

	t.Run("unverified project cannot list", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustCreateProject(t, mp, "VCS-674")

		_, err := env.svc.ListCredits(context.Background(), ListCreditsRequest{
			Marketplace:    mp.ID,
			Project:        project.ID,
			Seller:         id.NewAccountID(),
			Amount:         100,
			PricePerCredit: 10,
			ExpiryTime:     env.now.Add(time.Hour),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("amount above unretired supply is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)

		_, err := env.svc.RetireCredits(context.Background(), RetireCreditsRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
			Owner:       id.NewAccountID(),
			Amount:      700,
			Reason:      "offset",
		})
		require.NoError(t, err)

		_, err = env.svc.ListCredits(context.Background(), ListCreditsRequest{
			Marketplace:    mp.ID,
			Project:        project.ID,
			Seller:         id.NewAccountID(),
			Amount:         400,
			PricePerCredit: 10,
			ExpiryTime:     env.now.Add(time.Hour),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("amount below marketplace minimum is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)

		_, err := env.svc.ListCredits(context.Background(), ListCreditsRequest{
			Marketplace:    mp.ID,
			Project:        project.ID,
			Seller:         id.NewAccountID(),
			Amount:         5,
			PricePerCredit: 10,
			ExpiryTime:     env.now.Add(time.Hour),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("same seller cannot list the same project twice", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		seller := id.NewAccountID()
		env.mustList(t, mp, project, seller, 400, 10)

		_, err := env.svc.ListCredits(context.Background(), ListCreditsRequest{
			Marketplace:    mp.ID,
			Project:        project.ID,
			Seller:         seller,
			Amount:         100,
			PricePerCredit: 10,
			ExpiryTime:     env.now.Add(time.Hour),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("expiry must be in the future", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)

		_, err := env.svc.ListCredits(context.Background(), ListCreditsRequest{
			Marketplace:    mp.ID,
			Project:        project.ID,
			Seller:         id.NewAccountID(),
			Amount:         100,
			PricePerCredit: 10,
			ExpiryTime:     env.now,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestPurchaseCredits(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, feeBps uint16) (*testEnv, *Marketplace, *Listing, id.AccountID, id.AccountID) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), feeBps)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		seller := id.NewAccountID()
		listing := env.mustList(t, mp, project, seller, 400, 10)
		buyer := id.NewAccountID()
		require.NoError(t, env.ledger.Mint(ctx, assets.PaymentAsset, buyer, 100_000))
		return env, mp, listing, buyer, seller
	}

	t.Run("partial fill splits payment and keeps listing active", func(t *testing.T) {
		env, mp, listing, buyer, seller := setup(t, 200)

		purchase, err := env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       buyer,
			Amount:      150,
		})
		require.NoError(t, err)

		// 150 credits at 10 each is 1500; a 200 bps fee takes 30.
		assert.Equal(t, uint64(1500), purchase.TotalPaid)
		assert.Equal(t, uint64(30), purchase.FeePaid)
		assert.Equal(t, uint64(100_000-1500), env.ledger.Balance(assets.PaymentAsset, buyer))
		assert.Equal(t, uint64(1470), env.ledger.Balance(assets.PaymentAsset, seller))
		assert.Equal(t, uint64(30), env.ledger.Balance(assets.PaymentAsset, mp.Authority))

		updated, err := env.svc.GetListing(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, ListingActive, updated.Status)
		assert.Equal(t, uint64(250), updated.Amount)

		stored, err := env.svc.GetMarketplace(ctx, mp.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(150), stored.TotalCreditsTraded)
		assert.Equal(t, uint64(1500), stored.TotalVolume)
		assert.Equal(t, uint64(1), stored.ActiveListings)
		require.Len(t, env.sink.ByType(events.TypeCreditsPurchased), 1)
	})

	t.Run("full fill marks listing sold", func(t *testing.T) {
		env, mp, listing, buyer, _ := setup(t, 200)

		_, err := env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       buyer,
			Amount:      400,
		})
		require.NoError(t, err)

		updated, err := env.svc.GetListing(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, ListingSold, updated.Status)
		assert.Zero(t, updated.Amount)

		stored, err := env.svc.GetMarketplace(ctx, mp.ID)
		require.NoError(t, err)
		assert.Zero(t, stored.ActiveListings)
	})

	t.Run("zero fee pays the seller everything", func(t *testing.T) {
		env, mp, listing, buyer, seller := setup(t, 0)

		purchase, err := env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       buyer,
			Amount:      100,
		})
		require.NoError(t, err)
		assert.Zero(t, purchase.FeePaid)
		assert.Equal(t, uint64(1000), env.ledger.Balance(assets.PaymentAsset, seller))
		assert.Zero(t, env.ledger.Balance(assets.PaymentAsset, mp.Authority))
	})

	t.Run("fee rounds down", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 250)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		seller := id.NewAccountID()
		listing := env.mustList(t, mp, project, seller, 400, 3)
		buyer := id.NewAccountID()
		require.NoError(t, env.ledger.Mint(ctx, assets.PaymentAsset, buyer, 1000))

		// 13 credits at 3 each is 39; 250 bps of 39 is 0.975, floored to 0.
		purchase, err := env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       buyer,
			Amount:      13,
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(39), purchase.TotalPaid)
		assert.Zero(t, purchase.FeePaid)
		assert.Equal(t, uint64(39), env.ledger.Balance(assets.PaymentAsset, seller))
	})

	t.Run("amount beyond remaining supply is rejected", func(t *testing.T) {
		env, mp, listing, buyer, _ := setup(t, 200)

		_, err := env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       buyer,
			Amount:      401,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		assert.Equal(t, uint64(100_000), env.ledger.Balance(assets.PaymentAsset, buyer))
	})

	t.Run("seller cannot buy own listing", func(t *testing.T) {
		env, mp, listing, _, seller := setup(t, 200)
		require.NoError(t, env.ledger.Mint(ctx, assets.PaymentAsset, seller, 10_000))

		_, err := env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       seller,
			Amount:      100,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("insufficient buyer balance fails the transfer", func(t *testing.T) {
		env, mp, listing, _, seller := setup(t, 200)
		poor := id.NewAccountID()
		require.NoError(t, env.ledger.Mint(ctx, assets.PaymentAsset, poor, 5))

		_, err := env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       poor,
			Amount:      100,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTransferFailed))
		assert.Zero(t, env.ledger.Balance(assets.PaymentAsset, seller))

		updated, err := env.svc.GetListing(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(400), updated.Amount)
	})

	t.Run("store failure after settlement refunds both payment legs", func(t *testing.T) {
		env, mp, listing, _, seller := setup(t, 200)
		buyer := id.NewAccountID()
		require.NoError(t, env.ledger.Mint(ctx, assets.PaymentAsset, buyer, 10_000))

		// Swap in a store whose listing write fails after the payment legs
		// settle; the buyer must come out whole.
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		m := metrics.NewNop()
		broken := writeFailStore{env.store}
		svc := NewService(broken, passthroughTx{broken}, env.ledger, env.verifier,
			events.NewEmitter(events.NewMemorySink(), logger, m), m, logger,
			WithClock(func() time.Time { return env.now }))

		_, err := svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       buyer,
			Amount:      150,
		})
		require.Error(t, err)

		assert.Equal(t, uint64(10_000), env.ledger.Balance(assets.PaymentAsset, buyer))
		assert.Zero(t, env.ledger.Balance(assets.PaymentAsset, seller))
		assert.Zero(t, env.ledger.Balance(assets.PaymentAsset, mp.Authority))

		updated, err := env.svc.GetListing(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(400), updated.Amount)
		assert.Equal(t, ListingActive, updated.Status)
	})

	t.Run("expired listing transitions lazily and fails the purchase", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		seller := id.NewAccountID()
		listing, err := env.svc.ListCredits(ctx, ListCreditsRequest{
			Marketplace:    mp.ID,
			Project:        project.ID,
			Seller:         seller,
			Amount:         400,
			PricePerCredit: 10,
			ExpiryTime:     env.now.Add(time.Nanosecond),
		})
		require.NoError(t, err)

		// Move the clock past expiry.
		env.now = env.now.Add(time.Hour)
		buyer := id.NewAccountID()
		require.NoError(t, env.ledger.Mint(ctx, assets.PaymentAsset, buyer, 10_000))

		_, err = env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Buyer:       buyer,
			Amount:      100,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		updated, err := env.svc.GetListing(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, ListingExpired, updated.Status)
		assert.Equal(t, uint64(10_000), env.ledger.Balance(assets.PaymentAsset, buyer))

		stored, err := env.svc.GetMarketplace(ctx, mp.ID)
		require.NoError(t, err)
		assert.Zero(t, stored.ActiveListings)
	})

	t.Run("concurrent purchases against one listing never oversell", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 0)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		seller := id.NewAccountID()
		listing := env.mustList(t, mp, project, seller, 100, 10)

		buyers := make([]id.AccountID, 2)
		for i := range buyers {
			buyers[i] = id.NewAccountID()
			require.NoError(t, env.ledger.Mint(ctx, assets.PaymentAsset, buyers[i], 10_000))
		}

		errs := make([]error, len(buyers))
		var wg sync.WaitGroup
		for i, buyer := range buyers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = env.svc.PurchaseCredits(ctx, PurchaseCreditsRequest{
					Marketplace: mp.ID,
					Listing:     listing.ID,
					Buyer:       buyer,
					Amount:      80,
				})
			}()
		}
		wg.Wait()

		var succeeded int
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
			}
		}
		assert.Equal(t, 1, succeeded)

		updated, err := env.svc.GetListing(ctx, listing.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), updated.Amount)

		stored, err := env.svc.GetMarketplace(ctx, mp.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(80), stored.TotalCreditsTraded)
	})
}

func TestCancelListing(t *testing.T) {
	t.Run("seller cancels active listing", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		seller := id.NewAccountID()
		listing := env.mustList(t, mp, project, seller, 400, 10)

		cancelled, err := env.svc.CancelListing(context.Background(), CancelListingRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Seller:      seller,
		})
		require.NoError(t, err)
		assert.Equal(t, ListingCancelled, cancelled.Status)

		stored, err := env.svc.GetMarketplace(context.Background(), mp.ID)
		require.NoError(t, err)
		assert.Zero(t, stored.ActiveListings)
		require.Len(t, env.sink.ByType(events.TypeListingCancelled), 1)
	})

	t.Run("only the seller may cancel", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		listing := env.mustList(t, mp, project, id.NewAccountID(), 400, 10)

		_, err := env.svc.CancelListing(context.Background(), CancelListingRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Seller:      id.NewAccountID(),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	t.Run("cancelled listing cannot be cancelled again", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		seller := id.NewAccountID()
		listing := env.mustList(t, mp, project, seller, 400, 10)

		_, err := env.svc.CancelListing(context.Background(), CancelListingRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Seller:      seller,
		})
		require.NoError(t, err)

		_, err = env.svc.CancelListing(context.Background(), CancelListingRequest{
			Marketplace: mp.ID,
			Listing:     listing.ID,
			Seller:      seller,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func TestRetireCredits(t *testing.T) {
	ctx := context.Background()

	t.Run("records retirement and bumps counter", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)
		owner := id.NewAccountID()

		retirement, err := env.svc.RetireCredits(ctx, RetireCreditsRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
			Owner:       owner,
			Amount:      300,
			Reason:      "corporate offset 2025",
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(300), retirement.Amount)

		updated, err := env.svc.GetProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(300), updated.RetiredCredits)
		assert.Equal(t, uint64(700), updated.Sellable())
		require.Len(t, env.sink.ByType(events.TypeMarketplaceCreditsRetired), 1)
	})

	t.Run("cannot retire beyond issued supply", func(t *testing.T) {
		env := newTestEnv(t)
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)

		_, err := env.svc.RetireCredits(ctx, RetireCreditsRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
			Owner:       id.NewAccountID(),
			Amount:      1001,
			Reason:      "offset",
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("bridge receives the external project identifier", func(t *testing.T) {
		var burnedProjectID string
		recording := retirementBridgeFunc(func(_ context.Context, projectID string, _ id.AccountID, _ uint64, _ string) error {
			burnedProjectID = projectID
			return nil
		})
		env := newTestEnv(t, WithRetirementBridge(recording))
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)

		_, err := env.svc.RetireCredits(ctx, RetireCreditsRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
			Owner:       id.NewAccountID(),
			Amount:      100,
			Reason:      "offset",
		})
		require.NoError(t, err)
		assert.Equal(t, "VCS-674", burnedProjectID)
	})

	t.Run("bridge burn failure records nothing", func(t *testing.T) {
		failing := retirementBridgeFunc(func(context.Context, string, id.AccountID, uint64, string) error {
			return dErrors.New(dErrors.CodeTransferFailed, "burn rejected")
		})
		env := newTestEnv(t, WithRetirementBridge(failing))
		mp := env.mustInitMarketplace(t, id.NewAccountID(), 200)
		project := env.mustVerifiedProject(t, mp, "VCS-674", 1000)

		_, err := env.svc.RetireCredits(ctx, RetireCreditsRequest{
			Marketplace: mp.ID,
			Project:     project.ID,
			Owner:       id.NewAccountID(),
			Amount:      100,
			Reason:      "offset",
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTransferFailed))

		updated, err := env.svc.GetProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Zero(t, updated.RetiredCredits)
	})
}

// writeFailStore rejects listing writes, simulating a transaction that
// aborts after the payment legs have settled.
type writeFailStore struct {
	Store
}

func (s writeFailStore) UpdateListing(context.Context, *Listing) error {
	return dErrors.New(dErrors.CodeInternal, "listing write failed")
}

// passthroughTx runs a unit directly against the wrapped store, with no
// rollback on failure.
type passthroughTx struct {
	store Store
}

func (t passthroughTx) RunInTx(_ context.Context, _ string, fn func(store Store) error) error {
	return fn(t.store)
}

// retirementBridgeFunc adapts a function to the RetirementBridge port.
type retirementBridgeFunc func(ctx context.Context, projectID string, owner id.AccountID, amount uint64, reason string) error

func (f retirementBridgeFunc) BurnCredits(ctx context.Context, projectID string, owner id.AccountID, amount uint64, reason string) error {
	return f(ctx, projectID, owner, amount, reason)
}
