package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	idempotencydomain "github.com/smallbiznis/paymaster/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paymaster/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/paymaster/internal/observability/metrics"
	"github.com/smallbiznis/paymaster/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log         *zap.Logger
	Ledger      ledgerdomain.Service
	Idempotency idempotencydomain.Service
	Locker      ratelimit.Locker
	Policy      *config.PaymasterPolicyHolder
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      Config              `optional:"true"`
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	ledger      ledgerdomain.Service
	idempotency idempotencydomain.Service
	locker      ratelimit.Locker
	policy      *config.PaymasterPolicyHolder
	metrics     *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Ledger == nil || p.Idempotency == nil || p.Locker == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticPolicyHolder(config.DefaultPaymasterPolicy())
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		ledger:      p.Ledger,
		idempotency: p.Idempotency,
		locker:      p.Locker,
		policy:      policy,
		metrics:     p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobReclaimExpiredHolds, s.ReclaimExpiredHoldsJob},
		{JobPurgeIdempotency, s.PurgeIdempotencyKeysJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ReclaimExpiredHoldsJob returns the amount of every active hold that expired
// more than the reclaim grace ago to its account.
func (s *Scheduler) ReclaimExpiredHoldsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReclaimExpiredHolds, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	policy := s.policy.Get()
	cutoff := s.clock.Now().UTC().Add(-policy.ReclaimGrace)
	var jobErr error

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		claimed, reclaimed, err := s.reclaimBatch(ctx, run, cutoff, policy)
		jobErr = errors.Join(jobErr, err)
		run.AddProcessed(reclaimed)
		// stop once the backlog is drained or every claimed hold was busy
		if claimed < s.cfg.BatchSize || reclaimed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) reclaimBatch(ctx context.Context, run *jobRun, cutoff time.Time, policy config.PaymasterPolicy) (int, int, error) {
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	holds, err := s.ledger.ListExpiredHolds(ctx, cutoff, s.cfg.BatchSize)
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceExpiredHolds, time.Since(lockStart))
	if err != nil {
		schedMetrics.IncBatchDeferred(JobReclaimExpiredHolds, classifyDeferredReason(err))
		s.logSchedulerError(ctx, run, "scheduler.holds.claim.failed", JobReclaimExpiredHolds, "", err)
		return 0, 0, err
	}
	if len(holds) == 0 {
		schedMetrics.IncBatchDeferred(JobReclaimExpiredHolds, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return 0, 0, nil
	}

	var batchErr error
	reclaimed := 0
	for _, hold := range holds {
		if ctx.Err() != nil {
			batchErr = errors.Join(batchErr, ctx.Err())
			schedMetrics.IncBatchDeferred(JobReclaimExpiredHolds, classifyDeferredReason(ctx.Err()))
			break
		}
		ok, err := s.reclaimHold(ctx, run, hold, cutoff, policy)
		if err != nil {
			batchErr = errors.Join(batchErr, err)
			continue
		}
		if ok {
			reclaimed++
		}
	}

	if reclaimed > 0 {
		schedMetrics.AddBatchProcessed(JobReclaimExpiredHolds, "credit_holds", reclaimed)
		s.metrics.RecordHoldsReclaimed(ctx, reclaimed)
	}
	return len(holds), reclaimed, batchErr
}

// reclaimHold expires one hold under its approval lock. Holds that were
// settled or released in the meantime are skipped without error.
func (s *Scheduler) reclaimHold(ctx context.Context, run *jobRun, hold ledgerdomain.CreditHold, cutoff time.Time, policy config.PaymasterPolicy) (bool, error) {
	unlock, ok, err := s.tryApprovalLock(ctx, hold.ApprovalID, policy.LockTTL)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.holds.lock.failed", JobReclaimExpiredHolds, hold.OrgID, err,
			zap.String("approval_id", hold.ApprovalID),
		)
		return false, err
	}
	if !ok {
		obsmetrics.Scheduler().IncBatchDeferred(JobReclaimExpiredHolds, obsmetrics.SchedulerBatchDeferredReasonLockBusy)
		s.logHoldDeferred(ctx, hold, "approval_lock_busy")
		return false, nil
	}
	defer unlock()

	result, err := s.ledger.ExpireHold(ctx, hold.ApprovalID, cutoff)
	switch {
	case errors.Is(err, ledgerdomain.ErrHoldNotActive), errors.Is(err, ledgerdomain.ErrHoldNotExpired):
		s.logHoldDeferred(ctx, hold, err.Error())
		return false, nil
	case err != nil:
		s.logSchedulerError(ctx, run, "scheduler.holds.reclaim.failed", JobReclaimExpiredHolds, hold.OrgID, err,
			zap.String("approval_id", hold.ApprovalID),
		)
		return false, err
	}

	s.logHoldReclaimed(ctx, result)
	return true, nil
}

// PurgeIdempotencyKeysJob deletes idempotency records past their retention.
func (s *Scheduler) PurgeIdempotencyKeysJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPurgeIdempotency, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deleted, err := s.idempotency.PurgeExpired(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.idempotency.purge.failed", JobPurgeIdempotency, "", err)
			return err
		}
		run.AddProcessed(int(deleted))
		obsmetrics.Scheduler().AddBatchProcessed(JobPurgeIdempotency, "idempotency_keys", int(deleted))
		if deleted < int64(s.cfg.BatchSize) {
			break
		}
	}

	return nil
}

func classifyDeferredReason(err error) string {
	if err == nil {
		return obsmetrics.SchedulerJobReasonUnknown
	}
	return obsmetrics.ClassifySchedulerJobReason(err)
}
