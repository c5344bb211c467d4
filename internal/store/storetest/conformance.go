// Package storetest holds a conformance suite every store.Store must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pifp/escrow-backend/internal/access"
	"pifp/escrow-backend/internal/ledger"
	"pifp/escrow-backend/internal/projects"
	"pifp/escrow-backend/internal/store"
)

// NewStore constructs a fresh, empty store for one subtest
type NewStore func(t *testing.T) store.Store

var errAbort = errors.New("abort")

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func sampleProject(id projects.ID) *projects.Project {
	return &projects.Project{
		ID:             id,
		Creator:        "GCREATOR",
		AcceptedTokens: []string{"USDC:GISSUER", "native"},
		Goal:           1000,
		ProofHash:      projects.ProofHash{1, 2, 3},
		Deadline:       epoch.Add(time.Hour),
		Status:         projects.StatusFunding,
		CreatedAt:      epoch,
		UpdatedAt:      epoch,
	}
}

// RunConformance exercises the behaviour the escrow service relies on
func RunConformance(t *testing.T, newStore NewStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("SequenceStartsAtZero", func(t *testing.T) {
		s := newStore(t)
		var ids []projects.ID
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
				id, err := tx.NextProjectID()
				ids = append(ids, id)
				return err
			}))
		}
		assert.Equal(t, []projects.ID{0, 1, 2}, ids)
	})

	t.Run("ProjectRoundTrip", func(t *testing.T) {
		s := newStore(t)
		want := sampleProject(0)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			return tx.PutProject(want)
		}))

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.GetProject(0)
			require.NoError(t, err)
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Creator, got.Creator)
			assert.Equal(t, want.AcceptedTokens, got.AcceptedTokens)
			assert.Equal(t, want.Goal, got.Goal)
			assert.True(t, want.ProofHash.Matches(got.ProofHash))
			assert.True(t, want.Deadline.Equal(got.Deadline))
			assert.Equal(t, want.Status, got.Status)
			return nil
		}))
	})

	t.Run("MissingProject", func(t *testing.T) {
		s := newStore(t)
		err := s.View(ctx, func(tx store.Tx) error {
			_, err := tx.GetProject(42)
			return err
		})
		assert.True(t, store.IsNotFound(err))
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			if err := tx.PutProject(sampleProject(0)); err != nil {
				return err
			}
			return tx.SetBalance(0, "native", 10)
		}))

		err := s.Atomic(ctx, func(tx store.Tx) error {
			p, err := tx.GetProject(0)
			if err != nil {
				return err
			}
			p.Status = projects.StatusActive
			if err := tx.PutProject(p); err != nil {
				return err
			}
			if err := tx.SetBalance(0, "native", 99); err != nil {
				return err
			}
			if err := tx.PutRole("GX", access.RoleOracle); err != nil {
				return err
			}
			if _, err := tx.NextProjectID(); err != nil {
				return err
			}
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			p, err := tx.GetProject(0)
			require.NoError(t, err)
			assert.Equal(t, projects.StatusFunding, p.Status)
			bal, err := tx.Balance(0, "native")
			require.NoError(t, err)
			assert.Equal(t, int64(10), bal)
			held, err := tx.HasRole("GX", access.RoleOracle)
			require.NoError(t, err)
			assert.False(t, held)
			return nil
		}))

		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			id, err := tx.NextProjectID()
			assert.Equal(t, projects.ID(0), id)
			return err
		}))
	})

	t.Run("ViewIsReadOnly", func(t *testing.T) {
		s := newStore(t)
		err := s.View(ctx, func(tx store.Tx) error {
			return tx.SetBalance(0, "native", 1)
		})
		assert.ErrorIs(t, err, store.ErrReadOnly)
	})

	t.Run("BalancesOrderedByToken", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			for _, e := range []ledger.TokenAmount{{Token: "b", Amount: 2}, {Token: "a", Amount: 1}, {Token: "c", Amount: 0}} {
				if err := tx.SetBalance(3, e.Token, e.Amount); err != nil {
					return err
				}
			}
			return tx.SetBalance(4, "a", 50)
		}))

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.Balances(3)
			require.NoError(t, err)
			assert.Equal(t, []ledger.TokenAmount{{Token: "a", Amount: 1}, {Token: "b", Amount: 2}, {Token: "c", Amount: 0}}, got)
			missing, err := tx.Balance(3, "zzz")
			require.NoError(t, err)
			assert.Zero(t, missing)
			return nil
		}))
	})

	t.Run("Contributions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			if err := tx.SetContribution(1, "alice", "b", 5); err != nil {
				return err
			}
			if err := tx.SetContribution(1, "alice", "a", 7); err != nil {
				return err
			}
			return tx.SetContribution(1, "bob", "a", 9)
		}))

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.ContributionsOf(1, "alice")
			require.NoError(t, err)
			assert.Equal(t, []ledger.TokenAmount{{Token: "a", Amount: 7}, {Token: "b", Amount: 5}}, got)
			amt, err := tx.Contribution(1, "bob", "a")
			require.NoError(t, err)
			assert.Equal(t, int64(9), amt)
			return nil
		}))
	})

	t.Run("RolesAndBootstrapFlag", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			done, err := tx.Initialized()
			require.NoError(t, err)
			assert.False(t, done)
			if err := tx.MarkInitialized(); err != nil {
				return err
			}
			if err := tx.PutRole("GA", access.RoleAdmin); err != nil {
				return err
			}
			if err := tx.PutRole("GA", access.RoleOracle); err != nil {
				return err
			}
			// repeated grants must not fail
			return tx.PutRole("GA", access.RoleOracle)
		}))

		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			done, err := tx.Initialized()
			require.NoError(t, err)
			assert.True(t, done)
			roles, err := tx.RolesOf("GA")
			require.NoError(t, err)
			assert.Equal(t, []access.Role{access.RoleAdmin, access.RoleOracle}, roles)
			return tx.DeleteRole("GA", access.RoleOracle)
		}))

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			held, err := tx.HasRole("GA", access.RoleOracle)
			require.NoError(t, err)
			assert.False(t, held)
			return nil
		}))
	})

	t.Run("ListProjectsFilter", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			for i := 0; i < 4; i++ {
				p := sampleProject(projects.ID(i))
				if i%2 == 1 {
					p.Status = projects.StatusActive
				}
				if err := tx.PutProject(p); err != nil {
					return err
				}
			}
			return nil
		}))

		active := projects.StatusActive
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			all, err := tx.ListProjects(projects.Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 4)

			got, err := tx.ListProjects(projects.Filter{Status: &active})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, projects.ID(1), got[0].ID)
			assert.Equal(t, projects.ID(3), got[1].ID)

			limited, err := tx.ListProjects(projects.Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			open, err := tx.ListProjects(projects.Filter{Statuses: []projects.Status{projects.StatusFunding, projects.StatusExpired}})
			require.NoError(t, err)
			require.Len(t, open, 2)
			assert.Equal(t, projects.ID(0), open[0].ID)
			assert.Equal(t, projects.ID(2), open[1].ID)

			none, err := tx.ListProjects(projects.Filter{Statuses: []projects.Status{projects.StatusCompleted}})
			require.NoError(t, err)
			assert.Empty(t, none)
			return nil
		}))
	})

	t.Run("StatusHistoryAppends", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			if err := tx.AppendStatusChange(projects.StatusChange{ProjectID: 5, To: projects.StatusFunding, ChangedBy: "GC", ChangedAt: epoch}); err != nil {
				return err
			}
			return tx.AppendStatusChange(projects.StatusChange{ProjectID: 5, From: projects.StatusFunding, To: projects.StatusActive, ChangedBy: "GD", ChangedAt: epoch.Add(time.Minute)})
		}))

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			h, err := tx.StatusHistory(5)
			require.NoError(t, err)
			require.Len(t, h, 2)
			assert.Equal(t, projects.StatusFunding, h[0].To)
			assert.Equal(t, projects.StatusActive, h[1].To)
			assert.Equal(t, "GD", h[1].ChangedBy)
			return nil
		}))
	})

	t.Run("DepositReferencesAreUnique", func(t *testing.T) {
		s := newStore(t)
		d := ledger.Deposit{ProjectID: 1, Donor: "GD", Token: "native", Amount: 10, Reference: "tx-1", At: epoch}
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error { return tx.RecordDeposit(d) }))

		err := s.Atomic(ctx, func(tx store.Tx) error {
			d2 := d
			d2.ProjectID = 2
			return tx.RecordDeposit(d2)
		})
		assert.ErrorIs(t, err, store.ErrDuplicateReference)

		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			d3 := d
			d3.Reference = ""
			if err := tx.RecordDeposit(d3); err != nil {
				return err
			}
			return tx.RecordDeposit(d3)
		}))

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			list, err := tx.Deposits(1)
			require.NoError(t, err)
			assert.Len(t, list, 3)
			return nil
		}))
	})

	t.Run("ConcurrentCreditsOnOneProject", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			return tx.PutProject(sampleProject(0))
		}))

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Atomic(ctx, func(tx store.Tx) error {
					if _, err := tx.GetProject(0); err != nil {
						return err
					}
					_, err := ledger.New(tx).Credit(0, "native", 25)
					return err
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			bal, err := tx.Balance(0, "native")
			require.NoError(t, err)
			assert.Equal(t, int64(writers*25), bal, "every credit must be kept")
			return nil
		}))
	})

	t.Run("ConcurrentCompletionHappensOnce", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
			p := sampleProject(0)
			p.Status = projects.StatusActive
			if err := tx.PutProject(p); err != nil {
				return err
			}
			return tx.SetBalance(0, "native", 1000)
		}))

		const callers = 8
		var (
			wg      sync.WaitGroup
			drained atomic.Int64
			wins    atomic.Int32
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Atomic(ctx, func(tx store.Tx) error {
					p, err := tx.GetProject(0)
					if err != nil {
						return err
					}
					if p.Status != projects.StatusActive {
						return errAbort
					}
					out, err := ledger.New(tx).DrainAll(0)
					if err != nil {
						return err
					}
					p.Status = projects.StatusCompleted
					if err := tx.PutProject(p); err != nil {
						return err
					}
					for _, e := range out {
						drained.Add(e.Amount)
					}
					return nil
				})
				if err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, errAbort)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load(), "exactly one caller may complete the project")
		assert.Equal(t, int64(1000), drained.Load(), "funds must be drained once")
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			p, err := tx.GetProject(0)
			require.NoError(t, err)
			assert.Equal(t, projects.StatusCompleted, p.Status)
			bal, err := tx.Balance(0, "native")
			require.NoError(t, err)
			assert.Zero(t, bal)
			return nil
		}))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := s.Atomic(cctx, func(tx store.Tx) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}
