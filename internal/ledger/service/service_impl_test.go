package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/events"
	"github.com/smallbiznis/paymaster/internal/ledger/domain"
	"github.com/smallbiznis/paymaster/internal/ledger/repository"
	"github.com/smallbiznis/paymaster/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	fail   bool
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("sink down")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc       domain.Service
	db        *gorm.DB
	clk       *clock.FakeClock
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t, &domain.CreditAccount{}, &domain.CreditHold{}, &domain.CreditTransaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testStart)
	publisher := &recordingPublisher{}
	svc := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   repository.Provide(),
		Clock:  clk,
		Events: publisher,
	})
	return &fixture{svc: svc, db: db, clk: clk, publisher: publisher}
}

func (f *fixture) account(t *testing.T, orgID string, balance, dailyCap int64) {
	t.Helper()
	created, err := f.svc.EnsureAccount(context.Background(), domain.EnsureAccountRequest{
		OrgID:            orgID,
		BalanceCents:     balance,
		DailyGasCapCents: dailyCap,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) hold(t *testing.T, approvalID, orgID string, cents int64) domain.CreditHold {
	t.Helper()
	res, err := f.svc.CreateHold(context.Background(), domain.CreateHoldRequest{
		ApprovalID:  approvalID,
		OrgID:       orgID,
		AmountCents: cents,
		ExpiresAt:   f.clk.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Hold
}

func (f *fixture) balance(t *testing.T, orgID string) int64 {
	t.Helper()
	summary, err := f.svc.GetAccount(context.Background(), orgID)
	require.NoError(t, err)
	return summary.BalanceCents
}

// assertIdentity checks balance = sum(topup) + sum(hold) + sum(release).
func (f *fixture) assertIdentity(t *testing.T, orgID string) {
	t.Helper()
	var sum int64
	err := f.db.Model(&domain.CreditTransaction{}).
		Select("COALESCE(SUM(amount_cents), 0)").
		Where("org_id = ? AND type IN ?", orgID, []domain.TransactionType{
			domain.TransactionTypeTopUp,
			domain.TransactionTypeHold,
			domain.TransactionTypeRelease,
		}).
		Scan(&sum).Error
	require.NoError(t, err)
	assert.Equal(t, f.balance(t, orgID), sum)
}

func fixedCost(cents int64) domain.CostFunc {
	return func(domain.CreditHold) (int64, error) { return cents, nil }
}

func TestCreateHoldReservesFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 0)

	hold := f.hold(t, "approval-1", "org-1", 75)
	assert.Equal(t, domain.HoldStatusActive, hold.Status)

	summary, err := f.svc.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9_925), summary.BalanceCents)
	assert.Equal(t, int64(75), summary.ActiveHoldCents)
	assert.Equal(t, int64(1), summary.ActiveHoldCount)

	txn, err := repository.Provide().FindTransaction(ctx, f.db, "org-1", domain.TransactionTypeHold, "approval-1")
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, int64(-75), txn.AmountCents)
	assert.Equal(t, domain.ReasonPreauth, txn.Reason)

	assert.Equal(t, []string{events.TypeHoldCreated}, f.publisher.types())
	f.assertIdentity(t, "org-1")
}

func TestCreateHoldIsIdempotentPerApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 0)
	f.account(t, "org-2", 10_000, 0)
	f.hold(t, "approval-1", "org-1", 75)

	again, err := f.svc.CreateHold(ctx, domain.CreateHoldRequest{
		ApprovalID:  "approval-1",
		OrgID:       "org-1",
		AmountCents: 500,
		ExpiresAt:   testStart.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, int64(75), again.Hold.AmountCents)
	assert.Equal(t, int64(9_925), f.balance(t, "org-1"))

	_, err = f.svc.CreateHold(ctx, domain.CreateHoldRequest{
		ApprovalID:  "approval-1",
		OrgID:       "org-2",
		AmountCents: 75,
		ExpiresAt:   testStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrHoldConflict)
	assert.Equal(t, int64(10_000), f.balance(t, "org-2"))
}

func TestCreateHoldRejectsInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 50, 0)

	_, err := f.svc.CreateHold(ctx, domain.CreateHoldRequest{
		ApprovalID:  "approval-1",
		OrgID:       "org-1",
		AmountCents: 75,
		ExpiresAt:   testStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, int64(50), f.balance(t, "org-1"))

	_, err = f.svc.GetHold(ctx, "approval-1")
	assert.ErrorIs(t, err, domain.ErrHoldNotFound)

	_, err = f.svc.CreateHold(ctx, domain.CreateHoldRequest{
		ApprovalID:  "approval-2",
		OrgID:       "missing",
		AmountCents: 1,
		ExpiresAt:   testStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestConcurrentHoldsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 1_000, 0)

	var wg sync.WaitGroup
	var created, rejected atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateHold(ctx, domain.CreateHoldRequest{
				ApprovalID:  fmt.Sprintf("approval-%d", i),
				OrgID:       "org-1",
				AmountCents: 100,
				ExpiresAt:   testStart.Add(time.Hour),
			})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrInsufficientCredits):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), created.Load())
	assert.Equal(t, int64(10), rejected.Load())
	assert.Equal(t, int64(0), f.balance(t, "org-1"))
	f.assertIdentity(t, "org-1")
}

func TestCaptureHoldRefundsUnusedEstimate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 0)
	f.hold(t, "approval-1", "org-1", 75)

	res, err := f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{
		ApprovalID:   "approval-1",
		TxHash:       "0xabc",
		Provider:     "pimlico",
		Cost:         fixedCost(68),
		RefundUnused: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(-68), res.Debit.AmountCents)
	assert.Equal(t, "pimlico", res.Debit.Provider)
	assert.Equal(t, "0xabc", res.Debit.ProviderRef)
	require.NotNil(t, res.Refund)
	assert.Equal(t, int64(7), res.Refund.AmountCents)
	assert.Equal(t, domain.ReasonUnusedHold, res.Refund.Reason)
	assert.Equal(t, domain.HoldStatusCaptured, res.Hold.Status)
	require.NotNil(t, res.Hold.CapturedCents)
	assert.Equal(t, int64(68), *res.Hold.CapturedCents)

	summary, err := f.svc.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9_932), summary.BalanceCents)
	assert.Equal(t, int64(68), summary.DailyGasSpendCents)
	assert.Equal(t, int64(0), summary.ActiveHoldCount)

	replay, err := f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{
		ApprovalID:   "approval-1",
		TxHash:       "0xabc",
		Cost:         fixedCost(68),
		RefundUnused: true,
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Debit.ID, replay.Debit.ID)
	require.NotNil(t, replay.Refund)
	assert.Equal(t, res.Refund.ID, replay.Refund.ID)
	assert.Equal(t, int64(9_932), f.balance(t, "org-1"))

	assert.Equal(t, []string{events.TypeHoldCreated, events.TypeHoldCaptured}, f.publisher.types())
	f.assertIdentity(t, "org-1")
}

func TestCaptureHoldKeepsUnusedEstimateWhenRefundDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 0)
	f.hold(t, "approval-1", "org-1", 75)

	res, err := f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{
		ApprovalID: "approval-1",
		TxHash:     "0xabc",
		Cost:       fixedCost(68),
	})
	require.NoError(t, err)
	assert.Nil(t, res.Refund)
	assert.Equal(t, int64(9_925), f.balance(t, "org-1"))
	f.assertIdentity(t, "org-1")
}

func TestCaptureHoldRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 0)
	f.hold(t, "approval-1", "org-1", 75)

	_, err := f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "missing", Cost: fixedCost(1)})
	assert.ErrorIs(t, err, domain.ErrHoldNotFound)

	_, err = f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "approval-1", Cost: fixedCost(76)})
	assert.ErrorIs(t, err, domain.ErrCaptureExceedsHold)

	pricingErr := errors.New("bad snapshot")
	_, err = f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{
		ApprovalID: "approval-1",
		Cost:       func(domain.CreditHold) (int64, error) { return 0, pricingErr },
	})
	assert.ErrorIs(t, err, pricingErr)

	f.clk.Advance(time.Hour)
	_, err = f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "approval-1", Cost: fixedCost(10)})
	assert.ErrorIs(t, err, domain.ErrHoldExpired)

	hold, err := f.svc.GetHold(ctx, "approval-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusActive, hold.Status)
	assert.Equal(t, int64(9_925), f.balance(t, "org-1"))
}

func TestCaptureHoldAfterReclaimReportsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 0)
	f.hold(t, "approval-1", "org-1", 75)

	f.clk.Advance(2 * time.Hour)
	_, err := f.svc.ExpireHold(ctx, "approval-1", f.clk.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "approval-1", Cost: fixedCost(10)})
	assert.ErrorIs(t, err, domain.ErrHoldExpired)
	assert.Equal(t, int64(10_000), f.balance(t, "org-1"))
	f.assertIdentity(t, "org-1")
}

func TestCaptureHoldEnforcesDailyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 100)

	for _, id := range []string{"approval-1", "approval-2", "approval-3"} {
		_, err := f.svc.CreateHold(ctx, domain.CreateHoldRequest{
			ApprovalID:  id,
			OrgID:       "org-1",
			AmountCents: 75,
			ExpiresAt:   testStart.Add(72 * time.Hour),
		})
		require.NoError(t, err)
	}

	_, err := f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "approval-1", Cost: fixedCost(68)})
	require.NoError(t, err)

	_, err = f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "approval-2", Cost: fixedCost(40)})
	assert.ErrorIs(t, err, domain.ErrDailyCapExceeded)

	_, err = f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "approval-2", Cost: fixedCost(32)})
	require.NoError(t, err)

	f.clk.Advance(24 * time.Hour)
	_, err = f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "approval-3", Cost: fixedCost(40)})
	require.NoError(t, err)

	summary, err := f.svc.GetAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), summary.DailyGasSpendCents)
	assert.True(t, summary.SpendWindowStart.Equal(testStart.Add(24*time.Hour)))
}

func TestReleaseHoldReturnsFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 0)
	f.hold(t, "approval-1", "org-1", 75)

	res, err := f.svc.ReleaseHold(ctx, "approval-1")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, domain.HoldStatusReleased, res.Hold.Status)
	assert.Equal(t, int64(75), res.Release.AmountCents)
	assert.Equal(t, domain.ReasonReleased, res.Release.Reason)
	assert.Equal(t, int64(10_000), f.balance(t, "org-1"))

	again, err := f.svc.ReleaseHold(ctx, "approval-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Release.ID, again.Release.ID)
	assert.Equal(t, int64(10_000), f.balance(t, "org-1"))

	_, err = f.svc.CaptureHold(ctx, domain.CaptureHoldRequest{ApprovalID: "approval-1", Cost: fixedCost(10)})
	assert.ErrorIs(t, err, domain.ErrHoldNotActive)

	assert.Equal(t, []string{events.TypeHoldCreated, events.TypeHoldReleased}, f.publisher.types())
	f.assertIdentity(t, "org-1")
}

func TestExpireHoldReclaimsOnlyExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 10_000, 0)
	f.hold(t, "approval-1", "org-1", 75)

	_, err := f.svc.ExpireHold(ctx, "approval-1", f.clk.Now())
	assert.ErrorIs(t, err, domain.ErrHoldNotExpired)

	expired, err := f.svc.ListExpiredHolds(ctx, f.clk.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	f.clk.Advance(2 * time.Hour)
	expired, err = f.svc.ListExpiredHolds(ctx, f.clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "approval-1", expired[0].ApprovalID)

	res, err := f.svc.ExpireHold(ctx, "approval-1", f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.HoldStatusExpired, res.Hold.Status)
	assert.Equal(t, domain.ReasonExpired, res.Release.Reason)
	assert.Equal(t, int64(10_000), f.balance(t, "org-1"))

	_, err = f.svc.ExpireHold(ctx, "approval-1", f.clk.Now())
	assert.ErrorIs(t, err, domain.ErrHoldNotActive)

	_, err = f.svc.ReleaseHold(ctx, "approval-1")
	assert.ErrorIs(t, err, domain.ErrHoldNotActive)

	assert.Contains(t, f.publisher.types(), events.TypeHoldExpired)
	f.assertIdentity(t, "org-1")
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.account(t, "org-1", 1_000, 0)
	f.publisher.fail = true

	f.hold(t, "approval-1", "org-1", 100)
	assert.Equal(t, int64(900), f.balance(t, "org-1"))
}

func TestTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 0, 0)
	f.account(t, "org-2", 0, 0)

	res, err := f.svc.TopUp(ctx, domain.TopUpRequest{OrgID: "org-1", AmountUSD: "12.34", Reference: "inv-1"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(1_234), res.Transaction.AmountCents)
	assert.Equal(t, int64(1_234), f.balance(t, "org-1"))

	dup, err := f.svc.TopUp(ctx, domain.TopUpRequest{OrgID: "org-1", AmountCents: 1_234, Reference: "inv-1"})
	require.NoError(t, err)
	assert.False(t, dup.Created)
	assert.Equal(t, res.Transaction.ID, dup.Transaction.ID)
	assert.Equal(t, int64(1_234), f.balance(t, "org-1"))

	_, err = f.svc.TopUp(ctx, domain.TopUpRequest{OrgID: "org-1", AmountCents: 999, Reference: "inv-1"})
	assert.ErrorIs(t, err, domain.ErrReferenceConflict)

	other, err := f.svc.TopUp(ctx, domain.TopUpRequest{OrgID: "org-2", AmountCents: 500, Reference: "inv-1"})
	require.NoError(t, err)
	assert.True(t, other.Created)
	assert.NotEqual(t, res.Transaction.ID, other.Transaction.ID)
	assert.Equal(t, "org-2", other.Transaction.OrgID)
	assert.Equal(t, int64(500), f.balance(t, "org-2"))
	assert.Equal(t, int64(1_234), f.balance(t, "org-1"))

	for _, bad := range []domain.TopUpRequest{
		{OrgID: "org-1", AmountUSD: "1.234", Reference: "inv-2"},
		{OrgID: "org-1", AmountUSD: "-5", Reference: "inv-2"},
		{OrgID: "org-1", AmountUSD: "abc", Reference: "inv-2"},
		{OrgID: "org-1", AmountCents: 500, AmountUSD: "4.00", Reference: "inv-2"},
		{OrgID: "org-1", Reference: "inv-2"},
	} {
		_, err := f.svc.TopUp(ctx, bad)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, "%+v", bad)
	}

	_, err = f.svc.TopUp(ctx, domain.TopUpRequest{OrgID: "org-1", AmountCents: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
	_, err = f.svc.TopUp(ctx, domain.TopUpRequest{OrgID: "missing", AmountCents: 1, Reference: "inv-3"})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	f.assertIdentity(t, "org-1")
}

func TestEnsureAccountRecordsOpeningBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 5_000, 0)

	created, err := f.svc.EnsureAccount(ctx, domain.EnsureAccountRequest{OrgID: "org-1", BalanceCents: 9_999})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5_000), f.balance(t, "org-1"))
	f.assertIdentity(t, "org-1")

	_, err = f.svc.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestListTransactionsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "org-1", 0, 0)
	for i := 0; i < 5; i++ {
		_, err := f.svc.TopUp(ctx, domain.TopUpRequest{
			OrgID:       "org-1",
			AmountCents: 100,
			Reference:   fmt.Sprintf("inv-%d", i),
		})
		require.NoError(t, err)
		if i%2 == 0 {
			f.clk.Advance(time.Second)
		}
	}

	seen := map[snowflake.ID]bool{}
	token := ""
	pages := 0
	for {
		page, err := f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{
			OrgID:     "org-1",
			PageToken: token,
			PageSize:  2,
		})
		require.NoError(t, err)
		pages++
		for _, txn := range page.Transactions {
			assert.False(t, seen[txn.ID], "duplicate %s", txn.ID)
			seen[txn.ID] = true
		}
		if !page.HasMore {
			break
		}
		require.Len(t, page.Transactions, 2)
		token = page.NextPageToken
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)

	_, err := f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{OrgID: "org-1", PageToken: "!!"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
