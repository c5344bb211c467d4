package escrow

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pifp/escrow-backend/internal/access"
	"pifp/escrow-backend/internal/custody"
	"pifp/escrow-backend/internal/events"
	"pifp/escrow-backend/internal/ledger"
	"pifp/escrow-backend/internal/projects"
	"pifp/escrow-backend/internal/store"
)

const (
	admin   = "GADMIN"
	oracle  = "GORACLE"
	creator = "GCREATOR"
	donor   = "GDONOR"
	tokenT  = "USDC:GISSUER"
	tokenU  = "native"
	escrowA = "GESCROW"
)

var proof = projects.ProofHash{0xde, 0xad, 0xbe, 0xef}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc      *Service
	store    *store.Memory
	vault    *custody.Vault
	recorder *events.Recorder
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		vault:    custody.NewVault(escrowA, custody.WithUnlimitedDonors()),
		recorder: events.NewRecorder(),
		clock:    &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.store, f.vault, zap.NewNop(), WithClock(f.clock.Now), WithEvents(f.recorder))
	require.NoError(t, f.svc.Init(context.Background(), admin))
	return f
}

func (f *fixture) register(t *testing.T, goal int64, tokens ...string) *projects.Project {
	t.Helper()
	if len(tokens) == 0 {
		tokens = []string{tokenT}
	}
	p, err := f.svc.RegisterProject(context.Background(), projects.RegisterRequest{
		Creator:        creator,
		AcceptedTokens: tokens,
		Goal:           goal,
		ProofHash:      proof,
		Deadline:       f.clock.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) deposit(t *testing.T, id projects.ID, from, token string, amount int64) *DepositReceipt {
	t.Helper()
	r, err := f.svc.Deposit(context.Background(), DepositRequest{ProjectID: id, Donor: from, Token: token, Amount: amount})
	require.NoError(t, err)
	return r
}

func (f *fixture) grantOracle(t *testing.T) {
	t.Helper()
	_, err := f.svc.GrantRole(context.Background(), admin, oracle, access.RoleOracle)
	require.NoError(t, err)
}

func TestInitTwice(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Init(context.Background(), "GOTHER")
	assert.True(t, IsKind(err, KindAlreadyInitialized), err)

	held, err := f.svc.HasRole(context.Background(), admin, access.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	f := newFixture(t)
	first := f.register(t, 100)
	second := f.register(t, 100)
	assert.Equal(t, projects.ID(0), first.ID)
	assert.Equal(t, projects.ID(1), second.ID)
	assert.Equal(t, projects.StatusFunding, first.Status)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := projects.RegisterRequest{
		Creator:        creator,
		AcceptedTokens: []string{tokenT},
		Goal:           10,
		Deadline:       f.clock.Now().Add(time.Hour),
	}

	eleven := make([]string, 11)
	for i := range eleven {
		eleven[i] = string(rune('a' + i))
	}

	cases := []struct {
		name   string
		mutate func(r *projects.RegisterRequest)
		kind   Kind
	}{
		{"too many tokens", func(r *projects.RegisterRequest) { r.AcceptedTokens = eleven }, KindTooManyTokens},
		{"duplicate token", func(r *projects.RegisterRequest) { r.AcceptedTokens = []string{"a", "b", "a"} }, KindDuplicateToken},
		{"empty token list", func(r *projects.RegisterRequest) { r.AcceptedTokens = nil }, KindEmptyTokenList},
		{"zero goal", func(r *projects.RegisterRequest) { r.Goal = 0 }, KindInvalidGoal},
		{"negative goal", func(r *projects.RegisterRequest) { r.Goal = -5 }, KindInvalidGoal},
		{"past deadline", func(r *projects.RegisterRequest) { r.Deadline = f.clock.Now().Add(-time.Second) }, KindInvalidDeadline},
		{"deadline now", func(r *projects.RegisterRequest) { r.Deadline = f.clock.Now() }, KindInvalidDeadline},
		{"no creator", func(r *projects.RegisterRequest) { r.Creator = "" }, KindInvalidPrincipal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := f.svc.RegisterProject(ctx, req)
			assert.True(t, IsKind(err, tc.kind), "got %v", err)
		})
	}

	// failed registrations must not consume ids
	p := f.register(t, 10)
	assert.Equal(t, projects.ID(0), p.ID)
}

func TestRegisterAcceptsTenTokens(t *testing.T) {
	f := newFixture(t)
	ten := make([]string, 10)
	for i := range ten {
		ten[i] = string(rune('a' + i))
	}
	p := f.register(t, 10, ten...)
	assert.Len(t, p.AcceptedTokens, 10)
}

// Scenario A
func TestDepositsAccumulateAndActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 1000)

	first := f.deposit(t, p.ID, donor, tokenT, 100)
	assert.True(t, first.Activated)
	assert.Equal(t, projects.StatusActive, first.Status)

	second := f.deposit(t, p.ID, donor, tokenT, 100)
	assert.False(t, second.Activated)
	assert.Equal(t, int64(200), second.Balance)

	bal, err := f.svc.GetBalance(ctx, p.ID, tokenT)
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal)

	got, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusActive, got.Status)
	assert.Equal(t, int64(200), f.vault.BalanceOf(escrowA, tokenT))

	assert.Equal(t, []events.Type{
		events.TypeInitialized,
		events.TypeProjectRegistered,
		events.TypeDeposit,
		events.TypeStatusChanged,
		events.TypeDeposit,
	}, f.recorder.Types())
}

// Scenario B
func TestVerifyAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 1000)
	f.deposit(t, p.ID, donor, tokenT, 1000)
	f.grantOracle(t)

	payout, err := f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	require.NoError(t, err)
	assert.Equal(t, creator, payout.Recipient)
	assert.Equal(t, []ledger.TokenAmount{{Token: tokenT, Amount: 1000}}, payout.Amounts)

	got, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusCompleted, got.Status)

	bal, err := f.svc.GetBalance(ctx, p.ID, tokenT)
	require.NoError(t, err)
	assert.Zero(t, bal)
	assert.Equal(t, int64(1000), f.vault.BalanceOf(creator, tokenT))
	assert.Zero(t, f.vault.BalanceOf(escrowA, tokenT))
}

func TestReleaseMultiToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 500, tokenT, tokenU)
	f.deposit(t, p.ID, donor, tokenT, 300)
	f.deposit(t, p.ID, "GDONOR2", tokenU, 200)
	f.grantOracle(t)

	payout, err := f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ledger.TokenAmount{{Token: tokenT, Amount: 300}, {Token: tokenU, Amount: 200}}, payout.Amounts)
	assert.Equal(t, int64(300), f.vault.BalanceOf(creator, tokenT))
	assert.Equal(t, int64(200), f.vault.BalanceOf(creator, tokenU))

	bals, err := f.svc.GetProjectBalances(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.TokenAmount{{Token: tokenT, Amount: 0}, {Token: tokenU, Amount: 0}}, bals)
}

// Scenario C
func TestExpireWithoutDeposits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 1000)

	_, err := f.svc.ExpireProject(ctx, "", p.ID)
	assert.True(t, IsKind(err, KindDeadlineNotReached), err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.ExpireProject(ctx, "", p.ID)
	assert.True(t, IsKind(err, KindDeadlineNotReached), "expiry requires now strictly after the deadline: %v", err)

	f.clock.Advance(time.Second)
	expired, err := f.svc.ExpireProject(ctx, "", p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusExpired, expired.Status)

	_, err = f.svc.ExpireProject(ctx, "", p.ID)
	assert.True(t, IsKind(err, KindInvalidStatus), err)
}

// Scenario D
func TestExpireAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 1000)
	f.deposit(t, p.ID, donor, tokenT, 1000)
	f.grantOracle(t)
	_, err := f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	_, err = f.svc.ExpireProject(ctx, "", p.ID)
	assert.True(t, IsKind(err, KindInvalidStatus), err)
}

func TestReleaseGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 1000)
	f.grantOracle(t)

	_, err := f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	assert.True(t, IsKind(err, KindInvalidStatus), "release without deposits: %v", err)
	got, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusFunding, got.Status)

	f.deposit(t, p.ID, donor, tokenT, 999)

	_, err = f.svc.VerifyAndRelease(ctx, creator, p.ID, proof)
	assert.True(t, IsKind(err, KindUnauthorized), err)

	_, err = f.svc.VerifyAndRelease(ctx, admin, p.ID, proof)
	assert.True(t, IsKind(err, KindUnauthorized), "admin is not an oracle: %v", err)

	_, err = f.svc.VerifyAndRelease(ctx, oracle, p.ID, projects.ProofHash{1})
	assert.True(t, IsKind(err, KindInvalidProof), err)

	_, err = f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	assert.True(t, IsKind(err, KindGoalNotMet), err)

	_, err = f.svc.VerifyAndRelease(ctx, oracle, 99, proof)
	assert.True(t, IsKind(err, KindProjectNotFound), err)

	bal, err := f.svc.GetBalance(ctx, p.ID, tokenT)
	require.NoError(t, err)
	assert.Equal(t, int64(999), bal)

	got, err = f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusActive, got.Status, "failed releases must leave the project active")
	assert.Zero(t, f.vault.BalanceOf(creator, tokenT))
}

func TestReleaseRecipientRejectsRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 100, tokenT, tokenU)
	f.deposit(t, p.ID, donor, tokenT, 60)
	f.deposit(t, p.ID, donor, tokenU, 40)
	f.grantOracle(t)
	f.vault.Block(creator)
	f.recorder.Reset()

	_, err := f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	assert.True(t, IsKind(err, KindTransferFailed), err)
	assert.Empty(t, f.recorder.Events(), "no events for a rolled back release")

	got, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusActive, got.Status)

	bals, err := f.svc.GetProjectBalances(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.TokenAmount{{Token: tokenT, Amount: 60}, {Token: tokenU, Amount: 40}}, bals)

	f.vault.Unblock(creator)
	_, err = f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	require.NoError(t, err)
}

type mockCustody struct {
	mock.Mock
}

func (m *mockCustody) Collect(ctx context.Context, from, token string, amount int64, reference string) error {
	return m.Called(from, token, amount, reference).Error(0)
}

func (m *mockCustody) Disburse(ctx context.Context, to string, amounts []ledger.TokenAmount) error {
	return m.Called(to, amounts).Error(0)
}

func TestDepositCustodyFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	cust := &mockCustody{}
	cust.On("Collect", donor, tokenT, int64(50), "tx-1").Return(custody.ErrPaymentNotFound).Once()
	cust.On("Collect", donor, tokenT, int64(50), "tx-2").Return(nil).Once()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := NewService(store.NewMemory(), cust, nil, WithClock(clock.Now))
	require.NoError(t, svc.Init(ctx, admin))
	p, err := svc.RegisterProject(ctx, projects.RegisterRequest{
		Creator: creator, AcceptedTokens: []string{tokenT}, Goal: 100, ProofHash: proof, Deadline: clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, DepositRequest{ProjectID: p.ID, Donor: donor, Token: tokenT, Amount: 50, Reference: "tx-1"})
	assert.True(t, IsKind(err, KindTransferFailed), err)

	got, err := svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusFunding, got.Status)
	bal, err := svc.GetBalance(ctx, p.ID, tokenT)
	require.NoError(t, err)
	assert.Zero(t, bal)

	// the failed attempt did not burn the reference
	receipt, err := svc.Deposit(ctx, DepositRequest{ProjectID: p.ID, Donor: donor, Token: tokenT, Amount: 50, Reference: "tx-2"})
	require.NoError(t, err)
	assert.True(t, receipt.Activated)

	_, err = svc.Deposit(ctx, DepositRequest{ProjectID: p.ID, Donor: donor, Token: tokenT, Amount: 50, Reference: "tx-2"})
	assert.True(t, IsKind(err, KindDuplicateReference), err)

	cust.AssertExpectations(t)
}

func TestReleaseCustodyFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	cust := &mockCustody{}
	cust.On("Collect", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	cust.On("Disburse", creator, mock.Anything).Return(errors.New("horizon unavailable")).Once()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := NewService(store.NewMemory(), cust, nil, WithClock(clock.Now))
	require.NoError(t, svc.Init(ctx, admin))
	_, err := svc.GrantRole(ctx, admin, oracle, access.RoleOracle)
	require.NoError(t, err)
	p, err := svc.RegisterProject(ctx, projects.RegisterRequest{
		Creator: creator, AcceptedTokens: []string{tokenT}, Goal: 100, ProofHash: proof, Deadline: clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, DepositRequest{ProjectID: p.ID, Donor: donor, Token: tokenT, Amount: 100})
	require.NoError(t, err)

	_, err = svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))

	got, err := svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusActive, got.Status)
	bal, err := svc.GetBalance(ctx, p.ID, tokenT)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestDepositGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 100)

	cases := []struct {
		name string
		req  DepositRequest
		kind Kind
	}{
		{"zero amount", DepositRequest{ProjectID: p.ID, Donor: donor, Token: tokenT, Amount: 0}, KindInvalidAmount},
		{"negative amount", DepositRequest{ProjectID: p.ID, Donor: donor, Token: tokenT, Amount: -1}, KindInvalidAmount},
		{"no donor", DepositRequest{ProjectID: p.ID, Token: tokenT, Amount: 1}, KindInvalidPrincipal},
		{"unknown token", DepositRequest{ProjectID: p.ID, Donor: donor, Token: "EURC:GX", Amount: 1}, KindTokenNotAccepted},
		{"unknown project", DepositRequest{ProjectID: 42, Donor: donor, Token: tokenT, Amount: 1}, KindProjectNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Deposit(ctx, tc.req)
			assert.True(t, IsKind(err, tc.kind), "got %v", err)
		})
	}

	got, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusFunding, got.Status, "rejected deposits never activate")
}

func TestDepositAfterTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 100)
	f.clock.Advance(25 * time.Hour)
	_, err := f.svc.ExpireProject(ctx, "", p.ID)
	require.NoError(t, err)

	_, err = f.svc.Deposit(ctx, DepositRequest{ProjectID: p.ID, Donor: donor, Token: tokenT, Amount: 1})
	assert.True(t, IsKind(err, KindInvalidStatus), err)
}

func TestDepositAfterDeadlineBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, 100)
	f.clock.Advance(48 * time.Hour)

	receipt := f.deposit(t, p.ID, donor, tokenT, 5)
	assert.Equal(t, projects.StatusActive, receipt.Status)
}

func TestDepositOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 100)
	f.deposit(t, p.ID, donor, tokenT, math.MaxInt64)

	_, err := f.svc.Deposit(ctx, DepositRequest{ProjectID: p.ID, Donor: "GOTHER", Token: tokenT, Amount: 1})
	assert.True(t, IsKind(err, KindOverflow), err)

	bal, err := f.svc.GetBalance(ctx, p.ID, tokenT)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), bal)
}

func TestDepositRejectsAggregateOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 100, tokenT, tokenU)
	f.deposit(t, p.ID, donor, tokenT, math.MaxInt64)
	f.grantOracle(t)

	_, err := f.svc.Deposit(ctx, DepositRequest{ProjectID: p.ID, Donor: donor, Token: tokenU, Amount: 1})
	assert.True(t, IsKind(err, KindOverflow), err)

	bal, err := f.svc.GetBalance(ctx, p.ID, tokenU)
	require.NoError(t, err)
	assert.Zero(t, bal, "rejected deposit must not be credited")
	assert.Zero(t, f.vault.BalanceOf(escrowA, tokenU), "rejected deposit must not be collected")

	payout, err := f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	require.NoError(t, err)
	assert.Equal(t, []ledger.TokenAmount{{Token: tokenT, Amount: math.MaxInt64}}, payout.Amounts)

	got, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusCompleted, got.Status)
}

func TestGrantRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GrantRole(ctx, oracle, oracle, access.RoleOracle)
	assert.True(t, IsKind(err, KindUnauthorized), "self grant by non-admin: %v", err)

	changed, err := f.svc.GrantRole(ctx, admin, oracle, access.RoleOracle)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.GrantRole(ctx, admin, oracle, access.RoleOracle)
	require.NoError(t, err)
	assert.False(t, changed, "repeat grant is a no-op")

	_, err = f.svc.GrantRole(ctx, admin, oracle, access.Role("AUDITOR"))
	assert.True(t, IsKind(err, KindInvalidRole), err)

	changed, err = f.svc.GrantRole(ctx, admin, admin, access.RoleOracle)
	require.NoError(t, err)
	assert.True(t, changed)

	roles, err := f.svc.Roles(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, []access.Role{access.RoleAdmin, access.RoleOracle}, roles)
}

func TestRevokeRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantOracle(t)

	changed, err := f.svc.RevokeRole(ctx, admin, oracle, access.RoleOracle)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.RevokeRole(ctx, admin, oracle, access.RoleOracle)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.svc.RevokeRole(ctx, admin, admin, access.RoleAdmin)
	assert.True(t, IsKind(err, KindUnauthorized), err)

	_, err = f.svc.RevokeRole(ctx, oracle, admin, access.RoleAdmin)
	assert.True(t, IsKind(err, KindUnauthorized), err)
}

func TestClaimRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 1000, tokenT, tokenU)
	f.deposit(t, p.ID, donor, tokenT, 100)
	f.deposit(t, p.ID, donor, tokenU, 30)
	f.deposit(t, p.ID, "GDONOR2", tokenT, 70)

	_, err := f.svc.ClaimRefund(ctx, donor, p.ID)
	assert.True(t, IsKind(err, KindInvalidStatus), "refund before expiry: %v", err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.ExpireProject(ctx, "", p.ID)
	require.NoError(t, err)

	payout, err := f.svc.ClaimRefund(ctx, donor, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.TokenAmount{{Token: tokenT, Amount: 100}, {Token: tokenU, Amount: 30}}, payout.Amounts)
	assert.Equal(t, int64(100), f.vault.BalanceOf(donor, tokenT))
	assert.Equal(t, int64(30), f.vault.BalanceOf(donor, tokenU))

	bals, err := f.svc.GetProjectBalances(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.TokenAmount{{Token: tokenT, Amount: 70}, {Token: tokenU, Amount: 0}}, bals)

	_, err = f.svc.ClaimRefund(ctx, donor, p.ID)
	assert.True(t, IsKind(err, KindNothingToRefund), err)

	_, err = f.svc.ClaimRefund(ctx, "GSTRANGER", p.ID)
	assert.True(t, IsKind(err, KindNothingToRefund), err)

	left, err := f.svc.Contributions(ctx, p.ID, "GDONOR2")
	require.NoError(t, err)
	assert.Equal(t, []ledger.TokenAmount{{Token: tokenT, Amount: 70}}, left)
}

func TestGetProjectBalancesIncludesZeros(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 1000, "T1", "T2", "T3")
	f.deposit(t, p.ID, donor, "T3", 5)

	bals, err := f.svc.GetProjectBalances(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.TokenAmount{{Token: "T1", Amount: 0}, {Token: "T2", Amount: 0}, {Token: "T3", Amount: 5}}, bals)

	other, err := f.svc.GetBalance(ctx, p.ID, "NOT-ACCEPTED")
	require.NoError(t, err)
	assert.Zero(t, other)

	_, err = f.svc.GetProjectBalances(ctx, 77)
	assert.True(t, IsKind(err, KindProjectNotFound), err)
}

func TestProjectsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, 100)
	b := f.register(t, 100)
	f.deposit(t, a.ID, donor, tokenT, 100)

	got, err := f.svc.GetProject(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusFunding, got.Status)
	bal, err := f.svc.GetBalance(ctx, b.ID, tokenT)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestStatusHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, 100)
	f.deposit(t, p.ID, donor, tokenT, 100)
	f.grantOracle(t)
	_, err := f.svc.VerifyAndRelease(ctx, oracle, p.ID, proof)
	require.NoError(t, err)

	history, err := f.svc.StatusHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, projects.StatusFunding, history[0].To)
	assert.Equal(t, projects.StatusActive, history[1].To)
	assert.Equal(t, donor, history[1].ChangedBy)
	assert.Equal(t, projects.StatusCompleted, history[2].To)
	assert.Equal(t, oracle, history[2].ChangedBy)

	deposits, err := f.svc.Deposits(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.Equal(t, int64(100), deposits[0].Amount)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	funding := f.register(t, 100)
	active := f.register(t, 100)
	completed := f.register(t, 100)
	f.deposit(t, active.ID, donor, tokenT, 10)
	f.deposit(t, completed.ID, donor, tokenT, 100)
	f.grantOracle(t)
	_, err := f.svc.VerifyAndRelease(ctx, oracle, completed.ID, proof)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	late, err := f.svc.RegisterProject(ctx, projects.RegisterRequest{
		Creator: creator, AcceptedTokens: []string{tokenT}, Goal: 1, ProofHash: proof, Deadline: f.clock.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	expired, err := f.svc.ExpireOverdue(ctx, "expiry-worker")
	require.NoError(t, err)
	assert.Equal(t, []projects.ID{funding.ID, active.ID}, expired)

	got, err := f.svc.GetProject(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, projects.StatusFunding, got.Status)

	again, err := f.svc.ExpireOverdue(ctx, "expiry-worker")
	require.NoError(t, err)
	assert.Empty(t, again)

	list, err := f.svc.ListProjects(ctx, projects.Filter{Status: statusPtr(projects.StatusExpired)})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func statusPtr(s projects.Status) *projects.Status { return &s }

// filterLog records the filters passed to ListProjects
type filterLog struct {
	store.Store
	mu      sync.Mutex
	filters []projects.Filter
}

type filterLogTx struct {
	store.Tx
	log *filterLog
}

func (l *filterLog) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return l.Store.View(ctx, func(tx store.Tx) error {
		return fn(filterLogTx{Tx: tx, log: l})
	})
}

func (t filterLogTx) ListProjects(filter projects.Filter) ([]*projects.Project, error) {
	t.log.mu.Lock()
	t.log.filters = append(t.log.filters, filter)
	t.log.mu.Unlock()
	return t.Tx.ListProjects(filter)
}

func TestExpireOverdueSkipsTerminalInQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := &filterLog{Store: f.store}
	svc := NewService(log, f.vault, zap.NewNop(), WithClock(f.clock.Now))

	done := f.register(t, 10)
	f.deposit(t, done.ID, donor, tokenT, 10)
	f.grantOracle(t)
	_, err := f.svc.VerifyAndRelease(ctx, oracle, done.ID, proof)
	require.NoError(t, err)
	open := f.register(t, 10)

	f.clock.Advance(48 * time.Hour)
	expired, err := svc.ExpireOverdue(ctx, "expiry-worker")
	require.NoError(t, err)
	assert.Equal(t, []projects.ID{open.ID}, expired)

	require.Len(t, log.filters, 1)
	assert.ElementsMatch(t, []projects.Status{projects.StatusFunding, projects.StatusActive}, log.filters[0].Statuses)
	require.NotNil(t, log.filters[0].DeadlineBefore)
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	err := wrap("op", store.ErrNotFound)
	assert.Equal(t, KindProjectNotFound, KindOf(err))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "op:")

	// already structured errors are not rewrapped
	assert.Same(t, err, wrap("other", err))
}
