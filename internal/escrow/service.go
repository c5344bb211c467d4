// Package escrow composes access control, the project lifecycle, the balance
// ledger and custody into the public escrow operations.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"pifp/escrow-backend/internal/access"
	"pifp/escrow-backend/internal/custody"
	"pifp/escrow-backend/internal/events"
	"pifp/escrow-backend/internal/ledger"
	"pifp/escrow-backend/internal/projects"
	"pifp/escrow-backend/internal/store"
)

// DepositRequest is one inbound transfer into a project
type DepositRequest struct {
	ProjectID projects.ID `json:"project_id"`
	Donor     string      `json:"donor"`
	Token     string      `json:"token"`
	Amount    int64       `json:"amount"`
	Reference string      `json:"reference,omitempty"`
}

// DepositReceipt describes the state after an accepted deposit
type DepositReceipt struct {
	ProjectID projects.ID     `json:"project_id"`
	Token     string          `json:"token"`
	Amount    int64           `json:"amount"`
	Balance   int64           `json:"balance"`
	Status    projects.Status `json:"status"`
	Activated bool            `json:"activated"`
}

// Payout describes funds sent out of escrow
type Payout struct {
	ProjectID projects.ID          `json:"project_id"`
	Recipient string               `json:"recipient"`
	Amounts   []ledger.TokenAmount `json:"amounts"`
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEvents sets the sink committed events are sent to
func WithEvents(sink events.Sink) Option {
	return func(s *Service) { s.events = sink }
}

// Service runs every public escrow operation as one store transaction.
// Events are emitted only after the transaction commits.
type Service struct {
	store     store.Store
	custody   custody.Custody
	events    events.Sink
	lifecycle *projects.Lifecycle
	now       func() time.Time
	logger    *zap.Logger
}

func NewService(st store.Store, cust custody.Custody, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     st,
		custody:   cust,
		events:    events.Nop,
		lifecycle: projects.NewLifecycle(),
		now:       time.Now,
		logger:    logger.Named("escrow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// atomic runs fn in a write transaction and emits the events it produced
// once the transaction has committed.
func (s *Service) atomic(ctx context.Context, op string, fn func(tx store.Tx, emit func(events.Event)) error) error {
	var pending []events.Event
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		pending = pending[:0]
		return fn(tx, func(e events.Event) { pending = append(pending, e) })
	})
	if err != nil {
		return wrap(op, err)
	}
	for _, e := range pending {
		s.events.Emit(ctx, e)
	}
	return nil
}

func (s *Service) view(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return wrap(op, s.store.View(ctx, fn))
}

func statusChanged(change projects.StatusChange) events.Event {
	return events.New(events.TypeStatusChanged, change.ChangedBy, change.ChangedAt, map[string]interface{}{
		"from": string(change.From),
		"to":   string(change.To),
	}).ForProject(change.ProjectID)
}

func (s *Service) commitTransition(tx store.Tx, p *projects.Project, change projects.StatusChange, emit func(events.Event)) error {
	if err := tx.PutProject(p); err != nil {
		return err
	}
	if err := tx.AppendStatusChange(change); err != nil {
		return err
	}
	emit(statusChanged(change))
	return nil
}

// Init seeds the first admin. It succeeds once per store.
func (s *Service) Init(ctx context.Context, admin string) error {
	now := s.clock()
	err := s.atomic(ctx, "init", func(tx store.Tx, emit func(events.Event)) error {
		if err := access.NewRegistry(tx).Bootstrap(admin); err != nil {
			return err
		}
		emit(events.New(events.TypeInitialized, admin, now, nil))
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Escrow initialized", zap.String("admin", admin))
	return nil
}

// RegisterProject creates a Funding project owned by req.Creator
func (s *Service) RegisterProject(ctx context.Context, req projects.RegisterRequest) (*projects.Project, error) {
	now := s.clock()
	var created *projects.Project
	err := s.atomic(ctx, "register_project", func(tx store.Tx, emit func(events.Event)) error {
		id, err := tx.NextProjectID()
		if err != nil {
			return err
		}
		p, err := s.lifecycle.New(id, req, now)
		if err != nil {
			return err
		}
		if err := tx.PutProject(p); err != nil {
			return err
		}
		if err := tx.AppendStatusChange(projects.StatusChange{
			ProjectID: p.ID,
			To:        p.Status,
			ChangedBy: p.Creator,
			ChangedAt: now,
		}); err != nil {
			return err
		}
		emit(events.New(events.TypeProjectRegistered, p.Creator, now, map[string]interface{}{
			"goal":            p.Goal,
			"accepted_tokens": p.AcceptedTokens,
			"deadline":        p.Deadline,
		}).ForProject(p.ID))
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Project registered",
		zap.Uint64("project_id", uint64(created.ID)),
		zap.String("creator", created.Creator),
		zap.Int64("goal", created.Goal),
		zap.Strings("accepted_tokens", created.AcceptedTokens))
	return created, nil
}

// Deposit credits req.Amount of req.Token to the project and pulls the funds
// into custody. The first accepted deposit activates a Funding project.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*DepositReceipt, error) {
	const op = "deposit"
	if strings.TrimSpace(req.Donor) == "" {
		return nil, newError(op, KindInvalidPrincipal, access.ErrInvalidPrincipal)
	}
	if req.Amount <= 0 {
		return nil, newError(op, KindInvalidAmount, fmt.Errorf("%w: got %d", ledger.ErrInvalidAmount, req.Amount))
	}

	now := s.clock()
	var receipt *DepositReceipt
	err := s.atomic(ctx, op, func(tx store.Tx, emit func(events.Event)) error {
		p, err := tx.GetProject(req.ProjectID)
		if err != nil {
			return err
		}
		if err := s.lifecycle.CheckDeposit(p, req.Token); err != nil {
			return err
		}

		l := ledger.New(tx)
		// the aggregate must stay summable or the goal check could never run
		total, err := l.Total(p.ID)
		if err != nil {
			return err
		}
		if _, err := ledger.CheckedAdd(total, req.Amount); err != nil {
			return err
		}
		balance, err := l.Credit(p.ID, req.Token, req.Amount)
		if err != nil {
			return err
		}
		if err := l.RecordContribution(p.ID, req.Donor, req.Token, req.Amount); err != nil {
			return err
		}
		if err := tx.RecordDeposit(ledger.Deposit{
			ProjectID: p.ID,
			Donor:     req.Donor,
			Token:     req.Token,
			Amount:    req.Amount,
			Reference: req.Reference,
			At:        now,
		}); err != nil {
			return err
		}

		emit(events.New(events.TypeDeposit, req.Donor, now, map[string]interface{}{
			"token":   req.Token,
			"amount":  req.Amount,
			"balance": balance,
		}).ForProject(p.ID))

		change, err := s.lifecycle.Activate(p, req.Donor, now)
		if err != nil {
			return err
		}
		if change != nil {
			if err := s.commitTransition(tx, p, *change, emit); err != nil {
				return err
			}
		}

		// funds move last so any failure above leaves the donor untouched
		if err := s.custody.Collect(ctx, req.Donor, req.Token, req.Amount, req.Reference); err != nil {
			return err
		}

		receipt = &DepositReceipt{
			ProjectID: p.ID,
			Token:     req.Token,
			Amount:    req.Amount,
			Balance:   balance,
			Status:    p.Status,
			Activated: change != nil,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Deposit accepted",
		zap.Uint64("project_id", uint64(receipt.ProjectID)),
		zap.String("donor", req.Donor),
		zap.String("token", req.Token),
		zap.Int64("amount", req.Amount),
		zap.Bool("activated", receipt.Activated))
	return receipt, nil
}

// GrantRole gives target the role. Only admins may grant; the result reports
// whether the grant was new.
func (s *Service) GrantRole(ctx context.Context, caller, target string, role access.Role) (bool, error) {
	now := s.clock()
	var changed bool
	err := s.atomic(ctx, "grant_role", func(tx store.Tx, emit func(events.Event)) error {
		var err error
		changed, err = access.NewRegistry(tx).Grant(caller, target, role)
		if err != nil {
			return err
		}
		if changed {
			emit(events.New(events.TypeRoleGranted, caller, now, map[string]interface{}{
				"target": target,
				"role":   string(role),
			}))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info("Role granted", zap.String("caller", caller), zap.String("target", target), zap.String("role", string(role)))
	}
	return changed, nil
}

// RevokeRole removes role from target. Admin-gated and idempotent.
func (s *Service) RevokeRole(ctx context.Context, caller, target string, role access.Role) (bool, error) {
	now := s.clock()
	var changed bool
	err := s.atomic(ctx, "revoke_role", func(tx store.Tx, emit func(events.Event)) error {
		var err error
		changed, err = access.NewRegistry(tx).Revoke(caller, target, role)
		if err != nil {
			return err
		}
		if changed {
			emit(events.New(events.TypeRoleRevoked, caller, now, map[string]interface{}{
				"target": target,
				"role":   string(role),
			}))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info("Role revoked", zap.String("caller", caller), zap.String("target", target), zap.String("role", string(role)))
	}
	return changed, nil
}

// HasRole reports whether identity holds role
func (s *Service) HasRole(ctx context.Context, identity string, role access.Role) (bool, error) {
	var held bool
	err := s.view(ctx, "has_role", func(tx store.Tx) error {
		var err error
		held, err = access.NewRegistry(tx).HasRole(identity, role)
		return err
	})
	return held, err
}

// Roles lists the roles held by identity
func (s *Service) Roles(ctx context.Context, identity string) ([]access.Role, error) {
	var roles []access.Role
	err := s.view(ctx, "roles", func(tx store.Tx) error {
		var err error
		roles, err = access.NewRegistry(tx).Roles(identity)
		return err
	})
	return roles, err
}

// VerifyAndRelease checks the oracle's proof and pays every escrowed token to
// the creator in one batch. Nothing is committed unless the batch succeeds.
func (s *Service) VerifyAndRelease(ctx context.Context, caller string, id projects.ID, proof projects.ProofHash) (*Payout, error) {
	now := s.clock()
	var payout *Payout
	err := s.atomic(ctx, "verify_and_release", func(tx store.Tx, emit func(events.Event)) error {
		if err := access.NewRegistry(tx).Require(caller, access.RoleOracle); err != nil {
			return err
		}
		p, err := tx.GetProject(id)
		if err != nil {
			return err
		}

		l := ledger.New(tx)
		total, err := l.Total(p.ID)
		if err != nil {
			return err
		}
		if err := s.lifecycle.CheckRelease(p, proof, total); err != nil {
			return err
		}

		drained, err := l.DrainAll(p.ID)
		if err != nil {
			return err
		}
		change, err := s.lifecycle.Transition(p, projects.StatusCompleted, caller, now)
		if err != nil {
			return err
		}
		if err := s.commitTransition(tx, p, change, emit); err != nil {
			return err
		}

		if err := s.custody.Disburse(ctx, p.Creator, drained); err != nil {
			return err
		}

		emit(events.New(events.TypeFundsReleased, caller, now, map[string]interface{}{
			"recipient": p.Creator,
			"amounts":   drained,
			"total":     total,
		}).ForProject(p.ID))
		payout = &Payout{ProjectID: p.ID, Recipient: p.Creator, Amounts: drained}
		return nil
	})
	if err != nil {
		s.logger.Warn("Release rejected", zap.Uint64("project_id", uint64(id)), zap.String("caller", caller), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Funds released",
		zap.Uint64("project_id", uint64(id)),
		zap.String("recipient", payout.Recipient),
		zap.Int("tokens", len(payout.Amounts)))
	return payout, nil
}

// ExpireProject moves an overdue Funding or Active project to Expired. Any
// caller may trigger it; no funds move.
func (s *Service) ExpireProject(ctx context.Context, caller string, id projects.ID) (*projects.Project, error) {
	now := s.clock()
	var expired *projects.Project
	err := s.atomic(ctx, "expire_project", func(tx store.Tx, emit func(events.Event)) error {
		p, err := tx.GetProject(id)
		if err != nil {
			return err
		}
		if err := s.lifecycle.CheckExpire(p, now); err != nil {
			return err
		}
		change, err := s.lifecycle.Transition(p, projects.StatusExpired, caller, now)
		if err != nil {
			return err
		}
		if err := s.commitTransition(tx, p, change, emit); err != nil {
			return err
		}
		emit(events.New(events.TypeProjectExpired, caller, now, map[string]interface{}{
			"deadline": p.Deadline,
		}).ForProject(p.ID))
		expired = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Project expired", zap.Uint64("project_id", uint64(id)), zap.String("caller", caller))
	return expired, nil
}

// ClaimRefund pays a donor's contributions to an Expired project back to the
// donor and debits the project's balances by the same amounts.
func (s *Service) ClaimRefund(ctx context.Context, donor string, id projects.ID) (*Payout, error) {
	const op = "claim_refund"
	if strings.TrimSpace(donor) == "" {
		return nil, newError(op, KindInvalidPrincipal, access.ErrInvalidPrincipal)
	}

	now := s.clock()
	var payout *Payout
	err := s.atomic(ctx, op, func(tx store.Tx, emit func(events.Event)) error {
		p, err := tx.GetProject(id)
		if err != nil {
			return err
		}
		if err := s.lifecycle.CheckRefund(p); err != nil {
			return err
		}
		refund, err := ledger.New(tx).DrainContributions(p.ID, donor)
		if err != nil {
			return err
		}
		if len(refund) == 0 {
			return fmt.Errorf("%w: %s on project %s", ErrNothingToRefund, donor, p.ID)
		}
		if err := s.custody.Disburse(ctx, donor, refund); err != nil {
			return err
		}
		emit(events.New(events.TypeRefundClaimed, donor, now, map[string]interface{}{
			"amounts": refund,
		}).ForProject(p.ID))
		payout = &Payout{ProjectID: p.ID, Recipient: donor, Amounts: refund}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Refund paid", zap.Uint64("project_id", uint64(id)), zap.String("donor", donor))
	return payout, nil
}

// ExpireOverdue expires every Funding or Active project whose deadline has
// passed and returns the ids it expired. A failure on one project does not
// stop the others.
func (s *Service) ExpireOverdue(ctx context.Context, actor string) ([]projects.ID, error) {
	now := s.clock()
	var due []projects.ID
	err := s.view(ctx, "expire_overdue", func(tx store.Tx) error {
		overdue, err := tx.ListProjects(projects.Filter{
			Statuses:       []projects.Status{projects.StatusFunding, projects.StatusActive},
			DeadlineBefore: &now,
		})
		if err != nil {
			return err
		}
		for _, p := range overdue {
			due = append(due, p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		expired []projects.ID
		errs    []error
	)
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.ExpireProject(ctx, actor, id); err != nil {
			// another caller got there first
			if IsKind(err, KindInvalidStatus) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		expired = append(expired, id)
	}
	return expired, errors.Join(errs...)
}

// GetProject returns the stored project
func (s *Service) GetProject(ctx context.Context, id projects.ID) (*projects.Project, error) {
	var p *projects.Project
	err := s.view(ctx, "get_project", func(tx store.Tx) error {
		var err error
		p, err = tx.GetProject(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProjectBalances returns one entry per accepted token in allow-list
// order, zero balances included.
func (s *Service) GetProjectBalances(ctx context.Context, id projects.ID) ([]ledger.TokenAmount, error) {
	var out []ledger.TokenAmount
	err := s.view(ctx, "get_project_balances", func(tx store.Tx) error {
		p, err := tx.GetProject(id)
		if err != nil {
			return err
		}
		out, err = ledger.New(tx).Balances(p.ID, p.AcceptedTokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBalance returns a single token balance; tokens outside the allow-list
// read as zero.
func (s *Service) GetBalance(ctx context.Context, id projects.ID, token string) (int64, error) {
	var balance int64
	err := s.view(ctx, "get_balance", func(tx store.Tx) error {
		if _, err := tx.GetProject(id); err != nil {
			return err
		}
		var err error
		balance, err = ledger.New(tx).Snapshot(id, token)
		return err
	})
	return balance, err
}

// Contributions lists what donor has put into a project and not yet reclaimed
func (s *Service) Contributions(ctx context.Context, id projects.ID, donor string) ([]ledger.TokenAmount, error) {
	var out []ledger.TokenAmount
	err := s.view(ctx, "contributions", func(tx store.Tx) error {
		if _, err := tx.GetProject(id); err != nil {
			return err
		}
		var err error
		out, err = ledger.New(tx).Contributions(id, donor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListProjects returns projects matching filter ordered by id
func (s *Service) ListProjects(ctx context.Context, filter projects.Filter) ([]*projects.Project, error) {
	var out []*projects.Project
	err := s.view(ctx, "list_projects", func(tx store.Tx) error {
		var err error
		out, err = tx.ListProjects(filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StatusHistory returns every status change of a project, oldest first
func (s *Service) StatusHistory(ctx context.Context, id projects.ID) ([]projects.StatusChange, error) {
	var out []projects.StatusChange
	err := s.view(ctx, "status_history", func(tx store.Tx) error {
		if _, err := tx.GetProject(id); err != nil {
			return err
		}
		var err error
		out, err = tx.StatusHistory(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deposits lists accepted deposits of a project, oldest first
func (s *Service) Deposits(ctx context.Context, id projects.ID) ([]ledger.Deposit, error) {
	var out []ledger.Deposit
	err := s.view(ctx, "deposits", func(tx store.Tx) error {
		if _, err := tx.GetProject(id); err != nil {
			return err
		}
		var err error
		out, err = tx.Deposits(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
