package projects

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pifp/escrow-backend/internal/tokens"
	"pifp/escrow-backend/pkg/workflows"
)

var (
	ErrInvalidStatus      = errors.New("projects: operation not allowed in current status")
	ErrTokenNotAccepted   = errors.New("projects: token not accepted")
	ErrInvalidGoal        = errors.New("projects: goal must be positive")
	ErrInvalidDeadline    = errors.New("projects: deadline must be in the future")
	ErrInvalidProof       = errors.New("projects: proof does not match commitment")
	ErrGoalNotMet         = errors.New("projects: funding goal not met")
	ErrDeadlineNotReached = errors.New("projects: deadline not reached")
	ErrInvalidCreator     = errors.New("projects: creator is required")
)

// RegisterRequest carries the immutable fields of a new project
type RegisterRequest struct {
	Creator        string    `json:"creator"`
	AcceptedTokens []string  `json:"accepted_tokens"`
	Goal           int64     `json:"goal"`
	ProofHash      ProofHash `json:"proof_hash"`
	Deadline       time.Time `json:"deadline"`
}

// Lifecycle owns the project status rules.
//
// Funding moves to Active on the first accepted deposit. Active moves to
// Completed only through a verified release. Either non-terminal status may
// move to Expired once the deadline has passed.
type Lifecycle struct {
	stateMachine *workflows.StateMachine
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		stateMachine: workflows.NewStateMachine(map[string][]string{
			string(StatusFunding):   {string(StatusActive), string(StatusExpired)},
			string(StatusActive):    {string(StatusCompleted), string(StatusExpired)},
			string(StatusCompleted): {},
			string(StatusExpired):   {},
		}),
	}
}

// New validates req and builds a Funding project with the given id
func (l *Lifecycle) New(id ID, req RegisterRequest, now time.Time) (*Project, error) {
	if strings.TrimSpace(req.Creator) == "" {
		return nil, ErrInvalidCreator
	}
	if err := tokens.Validate(req.AcceptedTokens); err != nil {
		return nil, err
	}
	if req.Goal <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidGoal, req.Goal)
	}
	if !req.Deadline.After(now) {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrInvalidDeadline,
			req.Deadline.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	return &Project{
		ID:             id,
		Creator:        req.Creator,
		AcceptedTokens: append([]string(nil), req.AcceptedTokens...),
		Goal:           req.Goal,
		ProofHash:      req.ProofHash,
		Deadline:       req.Deadline.UTC(),
		Status:         StatusFunding,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CheckDeposit verifies a deposit in token may be credited to p
func (l *Lifecycle) CheckDeposit(p *Project, token string) error {
	if p.Status != StatusFunding && p.Status != StatusActive {
		return fmt.Errorf("%w: deposit while %s", ErrInvalidStatus, p.Status)
	}
	if !p.Accepts(token) {
		return fmt.Errorf("%w: %q", ErrTokenNotAccepted, token)
	}
	return nil
}

// Activate moves a Funding project to Active. It returns nil when p is
// already past Funding, so callers can invoke it after every deposit.
func (l *Lifecycle) Activate(p *Project, actor string, now time.Time) (*StatusChange, error) {
	if p.Status != StatusFunding {
		return nil, nil
	}
	change, err := l.Transition(p, StatusActive, actor, now)
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// CheckRelease verifies p may pay out. total is the aggregate ledger balance.
func (l *Lifecycle) CheckRelease(p *Project, proof ProofHash, total int64) error {
	if p.Status != StatusActive {
		return fmt.Errorf("%w: release while %s", ErrInvalidStatus, p.Status)
	}
	if !p.ProofHash.Matches(proof) {
		return ErrInvalidProof
	}
	if total < p.Goal {
		return fmt.Errorf("%w: %d of %d", ErrGoalNotMet, total, p.Goal)
	}
	return nil
}

// CheckExpire verifies p may move to Expired at now
func (l *Lifecycle) CheckExpire(p *Project, now time.Time) error {
	if !now.After(p.Deadline) {
		return fmt.Errorf("%w: deadline %s", ErrDeadlineNotReached, p.Deadline.UTC().Format(time.RFC3339))
	}
	if p.Status != StatusFunding && p.Status != StatusActive {
		return fmt.Errorf("%w: expire while %s", ErrInvalidStatus, p.Status)
	}
	return nil
}

// CheckRefund verifies donors may reclaim contributions from p
func (l *Lifecycle) CheckRefund(p *Project) error {
	if p.Status != StatusExpired {
		return fmt.Errorf("%w: refund while %s", ErrInvalidStatus, p.Status)
	}
	return nil
}

// Transition moves p to status to, enforcing the transition table
func (l *Lifecycle) Transition(p *Project, to Status, actor string, now time.Time) (StatusChange, error) {
	if !l.stateMachine.CanTransition(string(p.Status), string(to)) {
		return StatusChange{}, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, p.Status, to)
	}

	change := StatusChange{
		ProjectID: p.ID,
		From:      p.Status,
		To:        to,
		ChangedBy: actor,
		ChangedAt: now,
	}
	p.Status = to
	p.UpdatedAt = now
	return change, nil
}

// IsTerminal reports whether status has no outgoing transitions
func (l *Lifecycle) IsTerminal(status Status) bool {
	return l.stateMachine.IsTerminal(string(status))
}

// AllowedTransitions lists the statuses reachable from status
func (l *Lifecycle) AllowedTransitions(status Status) []Status {
	next := l.stateMachine.GetAllowedTransitions(string(status))
	out := make([]Status, len(next))
	for i, s := range next {
		out[i] = Status(s)
	}
	return out
}
