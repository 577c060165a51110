package registry

import (
	"context"
	"io"
	"log/slog"
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

type testEnv struct {
	svc    *Service
	store  *InMemoryStore
	ledger *assets.MemoryLedger
	sink   *events.MemorySink
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewInMemoryStore()
	ledger := assets.NewMemoryLedger()
	sink := events.NewMemorySink()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewNop()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, NewMemoryTx(store), ledger, events.NewEmitter(sink, logger, m), m, logger,
		WithClock(func() time.Time { return now }))
	return &testEnv{svc: svc, store: store, ledger: ledger, sink: sink, now: now}
}

func (e *testEnv) mustInitRegistry(t *testing.T, authority id.AccountID) *Registry {
	t.Helper()
	reg, err := e.svc.InitializeRegistry(context.Background(), InitializeRegistryRequest{
		Authority: authority,
		Name:      "Verra Test Registry",
		BaseURI:   "https://registry.example.com/records",
	})
	require.NoError(t, err)
	return reg
}

func (e *testEnv) mustRegisterProject(t *testing.T, reg *Registry, projectID string) *Project {
	t.Helper()
	project, err := e.svc.RegisterProject(context.Background(), RegisterProjectRequest{
		Registry:    reg.ID,
		Authority:   reg.Authority,
		ProjectID:   projectID,
		VintageYear: 2021,
		Methodology: "VM0007",
		CountryCode: "BRA",
		Developer:   id.NewAccountID(),
	})
	require.NoError(t, err)
	return project
}

func TestInitializeRegistry(t *testing.T) {
	t.Run("creates registry with zeroed counters", func(t *testing.T) {
		env := newTestEnv(t)
		authority := id.NewAccountID()

		reg := env.mustInitRegistry(t, authority)

		assert.Equal(t, authority, reg.Authority)
		assert.Zero(t, reg.TotalProjects)
		assert.Zero(t, reg.TotalCreditsIssued)
		assert.Zero(t, reg.TotalCreditsRetired)
		assert.Equal(t, env.now, reg.CreatedAt)
		require.Len(t, env.sink.ByType(events.TypeRegistryInitialized), 1)
	})

	t.Run("same authority cannot initialize twice", func(t *testing.T) {
		env := newTestEnv(t)
		authority := id.NewAccountID()
		env.mustInitRegistry(t, authority)

		_, err := env.svc.InitializeRegistry(context.Background(), InitializeRegistryRequest{
			Authority: authority,
			Name:      "Duplicate",
			BaseURI:   "https://other.example.com",
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("rejects oversized name", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.InitializeRegistry(context.Background(), InitializeRegistryRequest{
			Authority: id.NewAccountID(),
			Name:      string(make([]byte, maxRegistryNameLen+1)),
			BaseURI:   "https://registry.example.com",
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestRegisterProject(t *testing.T) {
	t.Run("registers project and bumps counter", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())

		project := env.mustRegisterProject(t, reg, "VCS-001")

		assert.Equal(t, ProjectActive, project.Status)
		assert.Equal(t, uint16(2021), project.VintageYear)

		stored, err := env.store.GetRegistry(context.Background(), reg.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stored.TotalProjects)
	})

	t.Run("rejects non-authority caller", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())

		_, err := env.svc.RegisterProject(context.Background(), RegisterProjectRequest{
			Registry:    reg.ID,
			Authority:   id.NewAccountID(),
			ProjectID:   "VCS-001",
			VintageYear: 2021,
			Methodology: "VM0007",
			CountryCode: "BRA",
			Developer:   id.NewAccountID(),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	t.Run("rejects duplicate project id", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		env.mustRegisterProject(t, reg, "VCS-001")

		_, err := env.svc.RegisterProject(context.Background(), RegisterProjectRequest{
			Registry:    reg.ID,
			Authority:   reg.Authority,
			ProjectID:   "VCS-001",
			VintageYear: 2022,
			Methodology: "VM0042",
			CountryCode: "PER",
			Developer:   id.NewAccountID(),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		stored, err := env.store.GetRegistry(context.Background(), reg.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stored.TotalProjects, "failed registration must not bump the counter")
	})

	t.Run("rejects vintage year outside range", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())

		for _, year := range []uint16{1999, 2101} {
			_, err := env.svc.RegisterProject(context.Background(), RegisterProjectRequest{
				Registry:    reg.ID,
				Authority:   reg.Authority,
				ProjectID:   "VCS-002",
				VintageYear: year,
				Methodology: "VM0007",
				CountryCode: "BRA",
				Developer:   id.NewAccountID(),
			})
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		}
	})
}

func TestIssueCredits(t *testing.T) {
	t.Run("mints credits and moves both counters", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")
		recipient := id.NewAccountID()

		issuance, err := env.svc.IssueCredits(context.Background(), IssueCreditsRequest{
			Registry:     reg.ID,
			Authority:    reg.Authority,
			Project:      project.ID,
			SerialPrefix: "VCS-001-2021-A",
			Quantity:     1000,
			IssuanceDate: env.now.Add(-24 * time.Hour),
			Recipient:    recipient,
		})
		require.NoError(t, err)
		assert.Equal(t, IssuanceActive, issuance.Status)
		assert.Equal(t, uint64(1000), env.ledger.Balance(assets.CreditAsset(project.ID), recipient))

		storedProject, err := env.store.GetProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), storedProject.TotalIssued)

		storedReg, err := env.store.GetRegistry(context.Background(), reg.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), storedReg.TotalCreditsIssued)
		require.Len(t, env.sink.ByType(events.TypeCreditsIssued), 1)
	})

	t.Run("rejects duplicate serial prefix for the same project", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")

		req := IssueCreditsRequest{
			Registry:     reg.ID,
			Authority:    reg.Authority,
			Project:      project.ID,
			SerialPrefix: "VCS-001-2021-A",
			Quantity:     100,
			IssuanceDate: env.now.Add(-time.Hour),
			Recipient:    id.NewAccountID(),
		}
		_, err := env.svc.IssueCredits(context.Background(), req)
		require.NoError(t, err)

		_, err = env.svc.IssueCredits(context.Background(), req)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

		storedProject, err := env.store.GetProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), storedProject.TotalIssued)
	})

	t.Run("rejects zero quantity", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")

		_, err := env.svc.IssueCredits(context.Background(), IssueCreditsRequest{
			Registry:     reg.ID,
			Authority:    reg.Authority,
			Project:      project.ID,
			SerialPrefix: "VCS-001-2021-A",
			Quantity:     0,
			IssuanceDate: env.now,
			Recipient:    id.NewAccountID(),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects future issuance date", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")

		_, err := env.svc.IssueCredits(context.Background(), IssueCreditsRequest{
			Registry:     reg.ID,
			Authority:    reg.Authority,
			Project:      project.ID,
			SerialPrefix: "VCS-001-2021-A",
			Quantity:     10,
			IssuanceDate: env.now.Add(time.Minute),
			Recipient:    id.NewAccountID(),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects non-authority issuer", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")

		_, err := env.svc.IssueCredits(context.Background(), IssueCreditsRequest{
			Registry:     reg.ID,
			Authority:    id.NewAccountID(),
			Project:      project.ID,
			SerialPrefix: "VCS-001-2021-A",
			Quantity:     10,
			IssuanceDate: env.now,
			Recipient:    id.NewAccountID(),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func TestTransferCredits(t *testing.T) {
	t.Run("moves balances without touching counters", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")
		alice, bob := id.NewAccountID(), id.NewAccountID()

		_, err := env.svc.IssueCredits(context.Background(), IssueCreditsRequest{
			Registry: reg.ID, Authority: reg.Authority, Project: project.ID,
			SerialPrefix: "S1", Quantity: 500, IssuanceDate: env.now, Recipient: alice,
		})
		require.NoError(t, err)

		transfer, err := env.svc.TransferCredits(context.Background(), TransferCreditsRequest{
			Registry: reg.ID,
			Project:  project.ID,
			From:     alice,
			To:       bob,
			Quantity: 200,
			Reason:   "sale settlement",
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(200), transfer.Quantity)

		asset := assets.CreditAsset(project.ID)
		assert.Equal(t, uint64(300), env.ledger.Balance(asset, alice))
		assert.Equal(t, uint64(200), env.ledger.Balance(asset, bob))

		storedProject, err := env.store.GetProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(500), storedProject.TotalIssued)
		assert.Zero(t, storedProject.TotalRetired)
	})

	t.Run("insufficient balance records nothing", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")
		alice, bob := id.NewAccountID(), id.NewAccountID()

		_, err := env.svc.TransferCredits(context.Background(), TransferCreditsRequest{
			Registry: reg.ID, Project: project.ID, From: alice, To: bob, Quantity: 1,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTransferFailed))

		transfers, err := env.store.ListTransfersByProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Empty(t, transfers)
	})
}

func TestRetireCredits(t *testing.T) {
	t.Run("burns credits and moves both counters", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")
		owner := id.NewAccountID()

		_, err := env.svc.IssueCredits(context.Background(), IssueCreditsRequest{
			Registry: reg.ID, Authority: reg.Authority, Project: project.ID,
			SerialPrefix: "S1", Quantity: 1000, IssuanceDate: env.now, Recipient: owner,
		})
		require.NoError(t, err)

		retirement, err := env.svc.RetireCredits(context.Background(), RetireCreditsRequest{
			Registry:    reg.ID,
			Project:     project.ID,
			Owner:       owner,
			Quantity:    400,
			Reason:      "corporate offset 2025",
			Beneficiary: "Acme Corp",
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(400), retirement.Quantity)
		assert.Equal(t, uint64(600), env.ledger.Balance(assets.CreditAsset(project.ID), owner))

		storedProject, err := env.store.GetProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(400), storedProject.TotalRetired)
		assert.Equal(t, uint64(600), storedProject.Available())

		storedReg, err := env.store.GetRegistry(context.Background(), reg.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(400), storedReg.TotalCreditsRetired)
	})

	t.Run("cannot retire more than issued", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")
		owner := id.NewAccountID()

		_, err := env.svc.IssueCredits(context.Background(), IssueCreditsRequest{
			Registry: reg.ID, Authority: reg.Authority, Project: project.ID,
			SerialPrefix: "S1", Quantity: 100, IssuanceDate: env.now, Recipient: owner,
		})
		require.NoError(t, err)

		_, err = env.svc.RetireCredits(context.Background(), RetireCreditsRequest{
			Registry: reg.ID, Project: project.ID, Owner: owner, Quantity: 101,
			Reason: "overshoot",
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		assert.Equal(t, uint64(100), env.ledger.Balance(assets.CreditAsset(project.ID), owner))
	})

	t.Run("failed burn leaves counters untouched", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")
		owner, other := id.NewAccountID(), id.NewAccountID()

		_, err := env.svc.IssueCredits(context.Background(), IssueCreditsRequest{
			Registry: reg.ID, Authority: reg.Authority, Project: project.ID,
			SerialPrefix: "S1", Quantity: 100, IssuanceDate: env.now, Recipient: owner,
		})
		require.NoError(t, err)

		// other holds nothing, so the burn fails after all checks pass.
		_, err = env.svc.RetireCredits(context.Background(), RetireCreditsRequest{
			Registry: reg.ID, Project: project.ID, Owner: other, Quantity: 50,
			Reason: "no balance",
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTransferFailed))

		storedProject, err := env.store.GetProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Zero(t, storedProject.TotalRetired)

		retirements, err := env.store.ListRetirementsByProject(context.Background(), project.ID)
		require.NoError(t, err)
		assert.Empty(t, retirements)
	})
}

func TestCreateBatch(t *testing.T) {
	t.Run("creates pending batch", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")

		batch, err := env.svc.CreateBatch(context.Background(), CreateBatchRequest{
			Registry:            reg.ID,
			Authority:           reg.Authority,
			Project:             project.ID,
			BatchID:             "B-2021-01",
			VintageStart:        time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
			VintageEnd:          time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC),
			MonitoringReportURI: "https://reports.example.com/b-2021-01.pdf",
		})
		require.NoError(t, err)
		assert.Equal(t, BatchPending, batch.Status)
	})

	t.Run("rejects inverted vintage window", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")

		_, err := env.svc.CreateBatch(context.Background(), CreateBatchRequest{
			Registry:     reg.ID,
			Authority:    reg.Authority,
			Project:      project.ID,
			BatchID:      "B-2021-01",
			VintageStart: time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC),
			VintageEnd:   time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestUpdateProjectStatus(t *testing.T) {
	t.Run("authority can move between any statuses", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")

		for _, status := range []ProjectStatus{ProjectSuspended, ProjectTerminated, ProjectActive} {
			updated, err := env.svc.UpdateProjectStatus(context.Background(), UpdateProjectStatusRequest{
				Registry:  reg.ID,
				Authority: reg.Authority,
				Project:   project.ID,
				NewStatus: status,
				Reason:    "routine review",
			})
			require.NoError(t, err)
			assert.Equal(t, status, updated.Status)
		}
		assert.Len(t, env.sink.ByType(events.TypeProjectStatusUpdated), 3)
	})

	t.Run("non-authority is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		reg := env.mustInitRegistry(t, id.NewAccountID())
		project := env.mustRegisterProject(t, reg, "VCS-001")

		_, err := env.svc.UpdateProjectStatus(context.Background(), UpdateProjectStatusRequest{
			Registry:  reg.ID,
			Authority: id.NewAccountID(),
			Project:   project.ID,
			NewStatus: ProjectSuspended,
		})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
	})
}

func TestAddProjectMetadata(t *testing.T) {
	env := newTestEnv(t)
	reg := env.mustInitRegistry(t, id.NewAccountID())
	project := env.mustRegisterProject(t, reg, "VCS-001")

	meta, err := env.svc.AddProjectMetadata(context.Background(), AddProjectMetadataRequest{
		Registry:    reg.ID,
		Project:     project.ID,
		Type:        MetadataMonitoringReport,
		URI:         "https://docs.example.com/monitoring-2021.pdf",
		Description: "annual monitoring report",
	})
	require.NoError(t, err)
	assert.Equal(t, MetadataMonitoringReport, meta.Type)

	list, err := env.store.ListMetadataByProject(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = env.svc.AddProjectMetadata(context.Background(), AddProjectMetadataRequest{
		Registry: reg.ID,
		Project:  project.ID,
		Type:     MetadataType("Bogus"),
		URI:      "https://docs.example.com/x.pdf",
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}
