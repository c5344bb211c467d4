package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pifp/escrow-backend/internal/projects"
	"pifp/escrow-backend/internal/store"
	"pifp/escrow-backend/internal/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		return tx.PutProject(&projects.Project{ID: 0, AcceptedTokens: []string{"native"}, Status: projects.StatusFunding})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		p, err := tx.GetProject(0)
		require.NoError(t, err)
		p.Status = projects.StatusExpired
		p.AcceptedTokens[0] = "other"
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		p, err := tx.GetProject(0)
		require.NoError(t, err)
		assert.Equal(t, projects.StatusFunding, p.Status)
		assert.Equal(t, []string{"native"}, p.AcceptedTokens)
		return nil
	}))
}
