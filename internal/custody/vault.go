package custody

import (
	"context"
	"fmt"
	"sync"

	"pifp/escrow-backend/internal/ledger"
)

type holding struct {
	holder string
	token  string
}

// Vault is an in-process Custody keeping balances per (holder, token). The
// escrow account's own holdings sit under Vault.Account().
type Vault struct {
	mu            sync.Mutex
	account       string
	balances      map[holding]int64
	blocked       map[string]bool
	mintOnCollect bool
}

// VaultOption configures a Vault
type VaultOption func(*Vault)

// WithUnlimitedDonors makes Collect mint the donor's funds when the donor's
// balance is short. Used by the development server.
func WithUnlimitedDonors() VaultOption {
	return func(v *Vault) { v.mintOnCollect = true }
}

func NewVault(account string, opts ...VaultOption) *Vault {
	v := &Vault{
		account:  account,
		balances: make(map[holding]int64),
		blocked:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Account is the holder id of the escrow itself
func (v *Vault) Account() string { return v.account }

// Mint credits a holder out of thin air
func (v *Vault) Mint(holder, token string, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := ledger.CheckedAdd(v.balances[holding{holder, token}], amount)
	if err != nil {
		return err
	}
	v.balances[holding{holder, token}] = next
	return nil
}

func (v *Vault) BalanceOf(holder, token string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[holding{holder, token}]
}

// Block makes every transfer to holder fail
func (v *Vault) Block(holder string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.blocked[holder] = true
}

func (v *Vault) Unblock(holder string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.blocked, holder)
}

func (v *Vault) Collect(ctx context.Context, from, token string, amount int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount %d", ErrTransferFailed, amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	src := holding{from, token}
	if v.balances[src] < amount {
		if !v.mintOnCollect {
			return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientFunds, from, v.balances[src], token, amount)
		}
		v.balances[src] = amount
	}
	dst := holding{v.account, token}
	next, err := ledger.CheckedAdd(v.balances[dst], amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	v.balances[src] -= amount
	v.balances[dst] = next
	return nil
}

// Disburse validates the whole batch before moving anything
func (v *Vault) Disburse(ctx context.Context, to string, amounts []ledger.TokenAmount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.blocked[to] {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, to)
	}
	need := make(map[string]int64, len(amounts))
	for _, a := range amounts {
		if a.Amount <= 0 {
			return fmt.Errorf("%w: amount %d of %s", ErrTransferFailed, a.Amount, a.Token)
		}
		total, err := ledger.CheckedAdd(need[a.Token], a.Amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		need[a.Token] = total
	}
	for token, total := range need {
		if have := v.balances[holding{v.account, token}]; have < total {
			return fmt.Errorf("%w: escrow holds %d %s, needs %d", ErrInsufficientFunds, have, token, total)
		}
		if _, err := ledger.CheckedAdd(v.balances[holding{to, token}], total); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	for token, total := range need {
		v.balances[holding{v.account, token}] -= total
		v.balances[holding{to, token}] += total
	}
	return nil
}
