package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/paymaster/internal/ratelimit"
	"go.uber.org/zap"
)

// tryApprovalLock takes the approval lock shared with settle and release
// without waiting. A busy lock reports ok=false; the hold is retried on the
// next tick.
func (s *Scheduler) tryApprovalLock(ctx context.Context, approvalID string, ttl time.Duration) (func(), bool, error) {
	key := ratelimit.ApprovalLockKey(approvalID)
	token, ok, err := ratelimit.Acquire(ctx, s.locker, key, ratelimit.LockOptions{TTL: ttl})
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		released, err := s.locker.Release(context.WithoutCancel(ctx), key, token)
		if err != nil || !released {
			s.logger(ctx).Warn("scheduler.holds.unlock.failed",
				zap.String("approval_id", approvalID),
				zap.Bool("released", released),
				zap.Error(err),
			)
		}
	}, true, nil
}
