// Package custody moves funds in and out of the escrow account.
package custody

import (
	"context"
	"errors"

	"pifp/escrow-backend/internal/ledger"
)

var (
	ErrTransferFailed    = errors.New("custody: transfer failed")
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrRecipientRejected = errors.New("custody: recipient rejected transfer")
	ErrPaymentNotFound   = errors.New("custody: matching payment not found")
)

// Custody is the port the escrow service talks to for fund movement.
//
// Collect takes amount of token from a donor into escrow; reference names the
// external settlement that carried the funds and may be empty for adapters that
// move funds themselves. Disburse pays every entry to one recipient and either
// moves all of them or none.
type Custody interface {
	Collect(ctx context.Context, from, token string, amount int64, reference string) error
	Disburse(ctx context.Context, to string, amounts []ledger.TokenAmount) error
}
