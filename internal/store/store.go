package store

import (
	"context"
	"errors"

	"pifp/escrow-backend/internal/access"
	"pifp/escrow-backend/internal/ledger"
	"pifp/escrow-backend/internal/projects"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrReadOnly           = errors.New("store: write in read-only view")
	ErrDuplicateReference = errors.New("store: deposit reference already used")
)

// IsNotFound reports whether err is a missing-record error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Tx is the set of reads and writes available inside one transaction
type Tx interface {
	access.Store
	ledger.Store

	// NextProjectID reserves the next sequence number, starting at 0
	NextProjectID() (projects.ID, error)
	GetProject(id projects.ID) (*projects.Project, error)
	PutProject(p *projects.Project) error
	ListProjects(filter projects.Filter) ([]*projects.Project, error)

	AppendStatusChange(change projects.StatusChange) error
	StatusHistory(id projects.ID) ([]projects.StatusChange, error)

	// RecordDeposit stores an accepted deposit. A non-empty reference may only
	// be recorded once across all projects.
	RecordDeposit(d ledger.Deposit) error
	Deposits(id projects.ID) ([]ledger.Deposit, error)
}

// Store runs callbacks against persistent state.
//
// Atomic commits every write made through the Tx only if fn returns nil;
// any error leaves state exactly as it was. View runs fn with writes refused.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}
