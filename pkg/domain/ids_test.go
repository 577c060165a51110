package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "carbonledger/pkg/domain-errors"
)

func TestParseAccountID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseAccountID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseAccountID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseAccountID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseAccountID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, AccountID(valid), id)
	})
}

func TestDeterministicDerivation(t *testing.T) {
	authority := NewAccountID()
	registry := DeriveRegistryID(authority)

	t.Run("same inputs derive same id", func(t *testing.T) {
		assert.Equal(t, registry, DeriveRegistryID(authority))
		assert.Equal(t,
			DeriveProjectID(registry, "P1"),
			DeriveProjectID(registry, "P1"))
	})

	t.Run("different parent keys derive different ids", func(t *testing.T) {
		assert.NotEqual(t,
			DeriveProjectID(registry, "P1"),
			DeriveProjectID(registry, "P2"))
		assert.NotEqual(t, registry, DeriveRegistryID(NewAccountID()))
	})

	t.Run("seed labels separate record kinds", func(t *testing.T) {
		// A verifier and a registry owned by the same authority must not
		// collide.
		assert.NotEqual(t,
			uuid.UUID(DeriveRegistryID(authority)),
			uuid.UUID(DeriveVerifierID(authority)))
	})

	t.Run("append-only ids are unique per call", func(t *testing.T) {
		assert.NotEqual(t, NewTransferID(), NewTransferID())
		assert.NotEqual(t, NewPurchaseID(), NewPurchaseID())
	})
}
