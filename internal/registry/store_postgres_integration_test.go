//go:build integration

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/testutil/containers"
)

func TestPostgresStore_Registry(t *testing.T) {
	ctx := context.Background()
	pg := containers.NewPostgresContainer(t)
	require.NoError(t, EnsureSchema(ctx, pg.DB))
	store := NewPostgres(pg.DB)

	authority := id.NewAccountID()
	reg := &Registry{
		ID:        id.DeriveRegistryID(authority),
		Authority: authority,
		Name:      "Verra Integration Registry",
		BaseURI:   "https://registry.example.com",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	t.Run("create and read back", func(t *testing.T) {
		require.NoError(t, store.CreateRegistry(ctx, reg))

		got, err := store.GetRegistry(ctx, reg.ID)
		require.NoError(t, err)
		assert.Equal(t, reg.Name, got.Name)
		assert.Equal(t, reg.Authority, got.Authority)
		assert.True(t, got.CreatedAt.Equal(reg.CreatedAt))
	})

	t.Run("duplicate id maps to conflict", func(t *testing.T) {
		err := store.CreateRegistry(ctx, reg)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("update persists counters", func(t *testing.T) {
		reg.TotalProjects = 3
		reg.TotalCreditsIssued = 1000
		require.NoError(t, store.UpdateRegistry(ctx, reg))

		got, err := store.GetRegistry(ctx, reg.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.TotalProjects)
		assert.Equal(t, uint64(1000), got.TotalCreditsIssued)
	})

	t.Run("missing registry is not found", func(t *testing.T) {
		_, err := store.GetRegistry(ctx, id.DeriveRegistryID(id.NewAccountID()))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	t.Run("project and issuance round trip", func(t *testing.T) {
		project := &Project{
			ID:           id.DeriveProjectID(reg.ID, "VCS-674"),
			Registry:     reg.ID,
			ProjectID:    "VCS-674",
			VintageYear:  2021,
			Methodology:  "VM0007",
			CountryCode:  "IDN",
			Developer:    id.NewAccountID(),
			Status:       ProjectActive,
			RegisteredAt: time.Now().UTC().Truncate(time.Microsecond),
		}
		require.NoError(t, store.CreateProject(ctx, project))

		issuance := &Issuance{
			ID:           id.DeriveIssuanceID(project.ID, "VCS-674-2021-A"),
			Project:      project.ID,
			SerialPrefix: "VCS-674-2021-A",
			Quantity:     500,
			IssuanceDate: time.Now().UTC().Truncate(time.Microsecond),
			IssuedTo:     project.Developer,
			Status:       IssuanceActive,
			CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		}
		require.NoError(t, store.CreateIssuance(ctx, issuance))

		got, err := store.GetIssuance(ctx, issuance.ID)
		require.NoError(t, err)
		assert.Equal(t, issuance.SerialPrefix, got.SerialPrefix)
		assert.Equal(t, uint64(500), got.Quantity)

		listed, err := store.ListIssuancesByProject(ctx, project.ID)
		require.NoError(t, err)
		require.Len(t, listed, 1)
	})

	t.Run("transaction rollback leaves no trace", func(t *testing.T) {
		tx := NewPostgresTx(pg.DB)
		other := id.NewAccountID()
		err := tx.RunInTx(ctx, other.String(), func(s Store) error {
			if err := s.CreateRegistry(ctx, &Registry{
				ID:        id.DeriveRegistryID(other),
				Authority: other,
				Name:      "Rolled Back",
				BaseURI:   "https://rollback.example.com",
				CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
			return dErrors.New(dErrors.CodeInvariantViolation, "force rollback")
		})
		require.Error(t, err)

		_, err = store.GetRegistry(ctx, id.DeriveRegistryID(other))
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}
