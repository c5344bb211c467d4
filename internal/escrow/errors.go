package escrow

import (
	"errors"

	"pifp/escrow-backend/internal/access"
	"pifp/escrow-backend/internal/custody"
	"pifp/escrow-backend/internal/ledger"
	"pifp/escrow-backend/internal/projects"
	"pifp/escrow-backend/internal/store"
	"pifp/escrow-backend/internal/tokens"
)

// Kind is a stable error category callers can branch on. Error strings are
// for humans and may change.
type Kind string

const (
	KindUnauthorized       Kind = "Unauthorized"
	KindInvalidStatus      Kind = "InvalidStatus"
	KindTokenNotAccepted   Kind = "TokenNotAccepted"
	KindTooManyTokens      Kind = "TooManyTokens"
	KindDuplicateToken     Kind = "DuplicateToken"
	KindEmptyTokenList     Kind = "EmptyTokenList"
	KindInvalidToken       Kind = "InvalidToken"
	KindInvalidGoal        Kind = "InvalidGoal"
	KindInvalidDeadline    Kind = "InvalidDeadline"
	KindInvalidProof       Kind = "InvalidProof"
	KindGoalNotMet         Kind = "GoalNotMet"
	KindDeadlineNotReached Kind = "DeadlineNotReached"
	KindOverflow           Kind = "Overflow"
	KindInvalidAmount      Kind = "InvalidAmount"
	KindInvalidRole        Kind = "InvalidRole"
	KindInvalidPrincipal   Kind = "InvalidPrincipal"
	KindProjectNotFound    Kind = "ProjectNotFound"
	KindAlreadyInitialized Kind = "AlreadyInitialized"
	KindNothingToRefund    Kind = "NothingToRefund"
	KindDuplicateReference Kind = "DuplicateReference"
	KindTransferFailed     Kind = "TransferFailed"
	KindInternal           Kind = "Internal"
)

// ErrNothingToRefund is returned when a donor has no contributions left
var ErrNothingToRefund = errors.New("escrow: nothing to refund")

// Error is the structured error returned by every Service operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the Kind of err, KindInternal for unstructured errors and
// "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{access.ErrUnauthorized, KindUnauthorized},
	{access.ErrSelfRevoke, KindUnauthorized},
	{access.ErrInvalidRole, KindInvalidRole},
	{access.ErrInvalidPrincipal, KindInvalidPrincipal},
	{access.ErrAlreadyInitialized, KindAlreadyInitialized},
	{tokens.ErrTooManyTokens, KindTooManyTokens},
	{tokens.ErrDuplicateToken, KindDuplicateToken},
	{tokens.ErrEmptyTokenList, KindEmptyTokenList},
	{tokens.ErrInvalidToken, KindInvalidToken},
	{projects.ErrInvalidCreator, KindInvalidPrincipal},
	{projects.ErrInvalidStatus, KindInvalidStatus},
	{projects.ErrTokenNotAccepted, KindTokenNotAccepted},
	{projects.ErrInvalidGoal, KindInvalidGoal},
	{projects.ErrInvalidDeadline, KindInvalidDeadline},
	{projects.ErrInvalidProof, KindInvalidProof},
	{projects.ErrInvalidProofHash, KindInvalidProof},
	{projects.ErrGoalNotMet, KindGoalNotMet},
	{projects.ErrDeadlineNotReached, KindDeadlineNotReached},
	{ledger.ErrInvalidAmount, KindInvalidAmount},
	{ledger.ErrOverflow, KindOverflow},
	{store.ErrNotFound, KindProjectNotFound},
	{store.ErrDuplicateReference, KindDuplicateReference},
	{ErrNothingToRefund, KindNothingToRefund},
	{custody.ErrTransferFailed, KindTransferFailed},
	{custody.ErrInsufficientFunds, KindTransferFailed},
	{custody.ErrRecipientRejected, KindTransferFailed},
	{custody.ErrPaymentNotFound, KindTransferFailed},
}

// wrap attaches a Kind to err based on the leaf sentinel it wraps
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	kind := KindInternal
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			kind = s.kind
			break
		}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func newError(op string, kind Kind, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}
