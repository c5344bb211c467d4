package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"pifp/escrow-backend/internal/projects"
)

var (
	ErrInvalidAmount   = errors.New("ledger: amount must be positive")
	ErrOverflow        = errors.New("ledger: amount overflow")
	ErrNegativeBalance = errors.New("ledger: balance would go negative")
)

// TokenAmount pairs a token with an amount in its smallest unit
type TokenAmount struct {
	Token  string `json:"token"`
	Amount int64  `json:"amount"`
}

// Store persists per-project token balances and per-donor contributions.
// Balances and ContributionsOf return entries ordered by token.
type Store interface {
	Balance(project projects.ID, token string) (int64, error)
	SetBalance(project projects.ID, token string, amount int64) error
	Balances(project projects.ID) ([]TokenAmount, error)

	Contribution(project projects.ID, donor, token string) (int64, error)
	SetContribution(project projects.ID, donor, token string, amount int64) error
	ContributionsOf(project projects.ID, donor string) ([]TokenAmount, error)
}

// Ledger tracks escrowed amounts per (project, token)
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// CheckedAdd adds two non-negative amounts, failing instead of wrapping
func CheckedAdd(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return a + b, nil
}

// Credit adds amount to the project's token entry and returns the new balance
func (l *Ledger) Credit(project projects.ID, token string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	current, err := l.store.Balance(project, token)
	if err != nil {
		return 0, err
	}
	next, err := CheckedAdd(current, amount)
	if err != nil {
		return 0, err
	}
	if err := l.store.SetBalance(project, token, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Total sums every token entry of the project
func (l *Ledger) Total(project projects.ID) (int64, error) {
	entries, err := l.store.Balances(project)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if total, err = CheckedAdd(total, e.Amount); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// DrainAll zeroes every non-zero entry and returns what was removed.
// A second call returns an empty slice.
func (l *Ledger) DrainAll(project projects.ID) ([]TokenAmount, error) {
	entries, err := l.store.Balances(project)
	if err != nil {
		return nil, err
	}
	drained := make([]TokenAmount, 0, len(entries))
	for _, e := range entries {
		if e.Amount == 0 {
			continue
		}
		if err := l.store.SetBalance(project, e.Token, 0); err != nil {
			return nil, err
		}
		drained = append(drained, e)
	}
	return drained, nil
}

// Snapshot returns a single token balance, zero when absent
func (l *Ledger) Snapshot(project projects.ID, token string) (int64, error) {
	return l.store.Balance(project, token)
}

// Balances returns one entry per token in the given order, zeros included
func (l *Ledger) Balances(project projects.ID, tokens []string) ([]TokenAmount, error) {
	out := make([]TokenAmount, 0, len(tokens))
	for _, token := range tokens {
		amount, err := l.store.Balance(project, token)
		if err != nil {
			return nil, err
		}
		out = append(out, TokenAmount{Token: token, Amount: amount})
	}
	return out, nil
}

// RecordContribution adds to a donor's running total for a token
func (l *Ledger) RecordContribution(project projects.ID, donor, token string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	current, err := l.store.Contribution(project, donor, token)
	if err != nil {
		return err
	}
	next, err := CheckedAdd(current, amount)
	if err != nil {
		return err
	}
	return l.store.SetContribution(project, donor, token, next)
}

// DrainContributions zeroes the donor's contributions and debits the matching
// project entries by the same amounts.
func (l *Ledger) DrainContributions(project projects.ID, donor string) ([]TokenAmount, error) {
	entries, err := l.store.ContributionsOf(project, donor)
	if err != nil {
		return nil, err
	}
	drained := make([]TokenAmount, 0, len(entries))
	for _, e := range entries {
		if e.Amount == 0 {
			continue
		}
		balance, err := l.store.Balance(project, e.Token)
		if err != nil {
			return nil, err
		}
		if balance < e.Amount {
			return nil, fmt.Errorf("%w: %s holds %d, donor contributed %d", ErrNegativeBalance, e.Token, balance, e.Amount)
		}
		if err := l.store.SetBalance(project, e.Token, balance-e.Amount); err != nil {
			return nil, err
		}
		if err := l.store.SetContribution(project, donor, e.Token, 0); err != nil {
			return nil, err
		}
		drained = append(drained, e)
	}
	return drained, nil
}

// Contributions lists a donor's non-zero contributions
func (l *Ledger) Contributions(project projects.ID, donor string) ([]TokenAmount, error) {
	entries, err := l.store.ContributionsOf(project, donor)
	if err != nil {
		return nil, err
	}
	out := make([]TokenAmount, 0, len(entries))
	for _, e := range entries {
		if e.Amount != 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

// Deposit is an accepted inbound transfer. Reference is the external
// settlement id (for Stellar, the transaction hash) and may be empty.
type Deposit struct {
	ProjectID projects.ID `json:"project_id"`
	Donor     string      `json:"donor"`
	Token     string      `json:"token"`
	Amount    int64       `json:"amount"`
	Reference string      `json:"reference,omitempty"`
	At        time.Time   `json:"at"`
}
