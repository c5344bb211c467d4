package gormstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pifp/escrow-backend/internal/projects"
	"pifp/escrow-backend/internal/store"
	"pifp/escrow-backend/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", ":memory:", &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	// every pooled connection to :memory: would open a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := New(db)
	require.NoError(t, err)
	return s
}

func TestGormConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn", nil)
	assert.Error(t, err)
}

func TestPutProjectUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := &projects.Project{
		ID:             7,
		Creator:        "GC",
		AcceptedTokens: []string{"native"},
		Goal:           10,
		Status:         projects.StatusFunding,
	}
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error { return tx.PutProject(p) }))

	p.Status = projects.StatusCompleted
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error { return tx.PutProject(p) }))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		all, err := tx.ListProjects(projects.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, projects.StatusCompleted, all[0].Status)
		return nil
	}))
}
