package store

import (
	"context"
	"sort"
	"sync"

	"pifp/escrow-backend/internal/access"
	"pifp/escrow-backend/internal/ledger"
	"pifp/escrow-backend/internal/projects"
)

type balanceKey struct {
	project projects.ID
	token   string
}

type contributionKey struct {
	project projects.ID
	donor   string
	token   string
}

type memoryState struct {
	nextID        projects.ID
	initialized   bool
	projects      map[projects.ID]*projects.Project
	balances      map[balanceKey]int64
	contributions map[contributionKey]int64
	roles         map[string]map[access.Role]bool
	history       map[projects.ID][]projects.StatusChange
	deposits      map[projects.ID][]ledger.Deposit
	references    map[string]bool
}

func newMemoryState() *memoryState {
	return &memoryState{
		projects:      make(map[projects.ID]*projects.Project),
		balances:      make(map[balanceKey]int64),
		contributions: make(map[contributionKey]int64),
		roles:         make(map[string]map[access.Role]bool),
		history:       make(map[projects.ID][]projects.StatusChange),
		deposits:      make(map[projects.ID][]ledger.Deposit),
		references:    make(map[string]bool),
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		nextID:        s.nextID,
		initialized:   s.initialized,
		projects:      make(map[projects.ID]*projects.Project, len(s.projects)),
		balances:      make(map[balanceKey]int64, len(s.balances)),
		contributions: make(map[contributionKey]int64, len(s.contributions)),
		roles:         make(map[string]map[access.Role]bool, len(s.roles)),
		history:       make(map[projects.ID][]projects.StatusChange, len(s.history)),
		deposits:      make(map[projects.ID][]ledger.Deposit, len(s.deposits)),
		references:    make(map[string]bool, len(s.references)),
	}
	for id, p := range s.projects {
		c.projects[id] = p.Clone()
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.contributions {
		c.contributions[k] = v
	}
	for principal, roles := range s.roles {
		held := make(map[access.Role]bool, len(roles))
		for r, ok := range roles {
			held[r] = ok
		}
		c.roles[principal] = held
	}
	for id, h := range s.history {
		c.history[id] = append([]projects.StatusChange(nil), h...)
	}
	for id, d := range s.deposits {
		c.deposits[id] = append([]ledger.Deposit(nil), d...)
	}
	for ref := range s.references {
		c.references[ref] = true
	}
	return c
}

// Memory is an in-process Store. Transactions are serialized and committed
// by swapping in a modified copy of the state.
type Memory struct {
	mu    sync.RWMutex
	state *memoryState
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func (m *Memory) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(&memoryTx{state: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return fn(&memoryTx{state: m.state, readOnly: true})
}

type memoryTx struct {
	state    *memoryState
	readOnly bool
}

func (t *memoryTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memoryTx) NextProjectID() (projects.ID, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	id := t.state.nextID
	t.state.nextID++
	return id, nil
}

func (t *memoryTx) GetProject(id projects.ID) (*projects.Project, error) {
	p, ok := t.state.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (t *memoryTx) PutProject(p *projects.Project) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.projects[p.ID] = p.Clone()
	return nil
}

func (t *memoryTx) ListProjects(filter projects.Filter) ([]*projects.Project, error) {
	out := make([]*projects.Project, 0)
	for _, p := range t.state.projects {
		if filter.Match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (t *memoryTx) AppendStatusChange(change projects.StatusChange) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.history[change.ProjectID] = append(t.state.history[change.ProjectID], change)
	return nil
}

func (t *memoryTx) StatusHistory(id projects.ID) ([]projects.StatusChange, error) {
	return append([]projects.StatusChange{}, t.state.history[id]...), nil
}

func (t *memoryTx) RecordDeposit(d ledger.Deposit) error {
	if err := t.writable(); err != nil {
		return err
	}
	if d.Reference != "" {
		if t.state.references[d.Reference] {
			return ErrDuplicateReference
		}
		t.state.references[d.Reference] = true
	}
	t.state.deposits[d.ProjectID] = append(t.state.deposits[d.ProjectID], d)
	return nil
}

func (t *memoryTx) Deposits(id projects.ID) ([]ledger.Deposit, error) {
	return append([]ledger.Deposit{}, t.state.deposits[id]...), nil
}

// ledger.Store

func (t *memoryTx) Balance(project projects.ID, token string) (int64, error) {
	return t.state.balances[balanceKey{project, token}], nil
}

func (t *memoryTx) SetBalance(project projects.ID, token string, amount int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.balances[balanceKey{project, token}] = amount
	return nil
}

func (t *memoryTx) Balances(project projects.ID) ([]ledger.TokenAmount, error) {
	out := make([]ledger.TokenAmount, 0)
	for k, v := range t.state.balances {
		if k.project == project {
			out = append(out, ledger.TokenAmount{Token: k.token, Amount: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (t *memoryTx) Contribution(project projects.ID, donor, token string) (int64, error) {
	return t.state.contributions[contributionKey{project, donor, token}], nil
}

func (t *memoryTx) SetContribution(project projects.ID, donor, token string, amount int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.contributions[contributionKey{project, donor, token}] = amount
	return nil
}

func (t *memoryTx) ContributionsOf(project projects.ID, donor string) ([]ledger.TokenAmount, error) {
	out := make([]ledger.TokenAmount, 0)
	for k, v := range t.state.contributions {
		if k.project == project && k.donor == donor {
			out = append(out, ledger.TokenAmount{Token: k.token, Amount: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// access.Store

func (t *memoryTx) HasRole(principal string, role access.Role) (bool, error) {
	return t.state.roles[principal][role], nil
}

func (t *memoryTx) PutRole(principal string, role access.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	if t.state.roles[principal] == nil {
		t.state.roles[principal] = make(map[access.Role]bool)
	}
	t.state.roles[principal][role] = true
	return nil
}

func (t *memoryTx) DeleteRole(principal string, role access.Role) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.state.roles[principal], role)
	return nil
}

func (t *memoryTx) RolesOf(principal string) ([]access.Role, error) {
	out := make([]access.Role, 0, 2)
	for role, held := range t.state.roles[principal] {
		if held {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *memoryTx) Initialized() (bool, error) {
	return t.state.initialized, nil
}

func (t *memoryTx) MarkInitialized() error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.initialized = true
	return nil
}
