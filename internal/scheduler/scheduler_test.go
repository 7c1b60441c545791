package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	idempotencydomain "github.com/smallbiznis/paymaster/internal/idempotency/domain"
	idempotencyrepository "github.com/smallbiznis/paymaster/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/paymaster/internal/idempotency/service"
	ledgerdomain "github.com/smallbiznis/paymaster/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/paymaster/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/paymaster/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/paymaster/internal/observability/metrics"
	"github.com/smallbiznis/paymaster/internal/ratelimit"
	"github.com/smallbiznis/paymaster/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	sched       *Scheduler
	ledger      ledgerdomain.Service
	idempotency idempotencydomain.Service
	locker      *ratelimit.MemoryLocker
	clk         *clock.FakeClock
	db          *gorm.DB
	registry    *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "paymaster", Environment: "test"})

	db := testutil.NewDB(t,
		&ledgerdomain.CreditAccount{},
		&ledgerdomain.CreditHold{},
		&ledgerdomain.CreditTransaction{},
		&idempotencydomain.Record{},
	)
	clk := clock.NewFakeClock(testStart)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()

	ledger := ledgerservice.New(ledgerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  ledgerrepository.Provide(),
		Clock: clk,
	})
	idem := idempotencyservice.New(idempotencyservice.Params{
		DB:  db,
		Log: log,
		Config: config.Config{Idempotency: config.IdempotencyConfig{
			Mode:            config.IdempotencyModeStrict,
			TTL:             time.Hour,
			InflightTimeout: 30 * time.Second,
		}},
		Clock: clk,
		Repo:  idempotencyrepository.Provide(),
	})
	locker := ratelimit.NewMemoryLocker(clk)

	sched, err := New(Params{
		Log:         log,
		Ledger:      ledger,
		Idempotency: idem,
		Locker:      locker,
		Policy:      config.NewStaticPolicyHolder(config.DefaultPaymasterPolicy()),
		GenID:       node,
		Clock:       clk,
		Config:      Config{BatchSize: 2},
	})
	require.NoError(t, err)

	return &fixture{sched: sched, ledger: ledger, idempotency: idem, locker: locker, clk: clk, db: db, registry: registry}
}

func (f *fixture) hold(t *testing.T, approvalID string, cents int64, ttl time.Duration) {
	t.Helper()
	_, err := f.ledger.CreateHold(context.Background(), ledgerdomain.CreateHoldRequest{
		ApprovalID:  approvalID,
		OrgID:       "org-1",
		AmountCents: cents,
		FXSnapshot:  []byte(`{"ethUsdCents":180000}`),
		ExpiresAt:   f.clk.Now().Add(ttl),
	})
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, approvalID string) ledgerdomain.HoldStatus {
	t.Helper()
	hold, err := f.ledger.GetHold(context.Background(), approvalID)
	require.NoError(t, err)
	return hold.Status
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	summary, err := f.ledger.GetAccount(context.Background(), "org-1")
	require.NoError(t, err)
	return summary.BalanceCents
}

func TestReclaimWaitsForGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.EnsureAccount(ctx, ledgerdomain.EnsureAccountRequest{OrgID: "org-1", BalanceCents: 1_000})
	require.NoError(t, err)
	f.hold(t, "hold-1", 75, time.Minute)

	f.clk.Advance(90 * time.Second)
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, ledgerdomain.HoldStatusActive, f.status(t, "hold-1"))
	assert.Equal(t, int64(925), f.balance(t))

	f.clk.Advance(time.Minute)
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, ledgerdomain.HoldStatusExpired, f.status(t, "hold-1"))
	assert.Equal(t, int64(1_000), f.balance(t))

	var release ledgerdomain.CreditTransaction
	require.NoError(t, f.db.Where("type = ? AND ref_id = ?", ledgerdomain.TransactionTypeRelease, "hold-1").Take(&release).Error)
	assert.Equal(t, int64(75), release.AmountCents)
	assert.Equal(t, ledgerdomain.ReasonExpired, release.Reason)

	labels := map[string]string{"service": "paymaster", "env": "test", "job": JobReclaimExpiredHolds, "resource": "credit_holds"}
	assert.Equal(t, float64(1), getCounterValue(t, f.registry, "paymaster_scheduler_batch_processed_total", labels))
}

func TestReclaimDrainsEveryBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.EnsureAccount(ctx, ledgerdomain.EnsureAccountRequest{OrgID: "org-1", BalanceCents: 1_000})
	require.NoError(t, err)
	for _, id := range []string{"hold-1", "hold-2", "hold-3", "hold-4", "hold-5"} {
		f.hold(t, id, 100, time.Minute)
	}
	f.hold(t, "hold-live", 100, time.Hour)

	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.sched.ReclaimExpiredHoldsJob(ctx))

	for _, id := range []string{"hold-1", "hold-2", "hold-3", "hold-4", "hold-5"} {
		assert.Equal(t, ledgerdomain.HoldStatusExpired, f.status(t, id), id)
	}
	assert.Equal(t, ledgerdomain.HoldStatusActive, f.status(t, "hold-live"))
	assert.Equal(t, int64(900), f.balance(t))
}

func TestReclaimSkipsLockedApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.EnsureAccount(ctx, ledgerdomain.EnsureAccountRequest{OrgID: "org-1", BalanceCents: 1_000})
	require.NoError(t, err)
	f.hold(t, "hold-1", 75, time.Minute)
	f.clk.Advance(5 * time.Minute)

	token, ok, err := f.locker.TryLock(ctx, ratelimit.ApprovalLockKey("hold-1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.sched.ReclaimExpiredHoldsJob(ctx))
	assert.Equal(t, ledgerdomain.HoldStatusActive, f.status(t, "hold-1"))

	released, err := f.locker.Release(ctx, ratelimit.ApprovalLockKey("hold-1"), token)
	require.NoError(t, err)
	require.True(t, released)

	require.NoError(t, f.sched.ReclaimExpiredHoldsJob(ctx))
	assert.Equal(t, ledgerdomain.HoldStatusExpired, f.status(t, "hold-1"))
}

func TestReclaimIgnoresSettledHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.EnsureAccount(ctx, ledgerdomain.EnsureAccountRequest{OrgID: "org-1", BalanceCents: 1_000})
	require.NoError(t, err)
	f.hold(t, "hold-1", 75, time.Minute)
	_, err = f.ledger.CaptureHold(ctx, ledgerdomain.CaptureHoldRequest{
		ApprovalID: "hold-1",
		TxHash:     "0xabc",
		Cost:       func(ledgerdomain.CreditHold) (int64, error) { return 75, nil },
	})
	require.NoError(t, err)

	f.clk.Advance(10 * time.Minute)
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, ledgerdomain.HoldStatusCaptured, f.status(t, "hold-1"))
	assert.Equal(t, int64(925), f.balance(t))
}

func TestPurgeIdempotencyKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		out, err := f.idempotency.BeginOrReplay(ctx, idempotencydomain.BeginRequest{Key: key, Method: "preauth", OrgID: "org-1"})
		require.NoError(t, err)
		require.NoError(t, f.idempotency.Finalize(ctx, out.Token, 200, []byte(`{}`)))
	}
	f.clk.Advance(2 * time.Hour)

	require.NoError(t, f.sched.PurgeIdempotencyKeysJob(ctx))

	var remaining int64
	require.NoError(t, f.db.Model(&idempotencydomain.Record{}).Count(&remaining).Error)
	assert.Equal(t, int64(0), remaining)
}

func TestJobFilter(t *testing.T) {
	s := &Scheduler{cfg: Config{EnabledJobs: []string{"RECLAIM_EXPIRED_HOLDS"}}}
	assert.True(t, s.isJobEnabled(JobReclaimExpiredHolds))
	assert.False(t, s.isJobEnabled(JobPurgeIdempotency))

	s.cfg.EnabledJobs = nil
	assert.True(t, s.isJobEnabled(JobPurgeIdempotency))
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "paymaster",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "paymaster",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "paymaster_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "paymaster",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "paymaster_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
