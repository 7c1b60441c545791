package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/paymaster/internal/cache"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	"github.com/smallbiznis/paymaster/internal/idempotency/domain"
	"github.com/smallbiznis/paymaster/internal/idempotency/repository"
	"github.com/smallbiznis/paymaster/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, mode string, migrate bool) (domain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	var db *gorm.DB
	if migrate {
		db = testutil.NewDB(t, &domain.Record{})
	} else {
		db = testutil.NewDB(t)
	}
	clk := clock.NewFakeClock(testStart)
	svc := New(Params{
		DB:  db,
		Log: zap.NewNop(),
		Config: config.Config{Idempotency: config.IdempotencyConfig{
			Mode:            mode,
			TTL:             time.Hour,
			InflightTimeout: 30 * time.Second,
		}},
		Clock: clk,
		Repo:  repository.Provide(),
		Cache: cache.NewResponseCache(time.Minute, cache.WithNow(clk.Now)),
	})
	return svc, clk, db
}

func TestBeginOrReplayReplaysFinalizedResponse(t *testing.T) {
	svc, _, _ := newTestService(t, config.IdempotencyModeStrict, true)
	ctx := context.Background()
	req := domain.BeginRequest{Key: "key-1", Method: "preauth", OrgID: "org-1"}

	first, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first.Token)
	require.Nil(t, first.Replay)

	body := []byte(`{"approvalId":"a-1","creditsHoldCents":75,"expiresAt":1772370000}`)
	require.NoError(t, svc.Finalize(ctx, first.Token, 200, body))

	second, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	require.Nil(t, second.Token)
	require.NotNil(t, second.Replay)
	assert.Equal(t, 200, second.Replay.StatusCode)
	assert.Equal(t, body, second.Replay.Body)

	record, err := svc.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.StatusDone, record.Status)
	assert.Equal(t, body, record.Response().Body)
}

func TestBeginOrReplayReplayFromDatabaseWithoutCache(t *testing.T) {
	svc, clk, db := newTestService(t, config.IdempotencyModeStrict, true)
	ctx := context.Background()
	req := domain.BeginRequest{Key: "key-db", Method: "settle", OrgID: "org-1"}

	out, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	require.NoError(t, svc.Finalize(ctx, out.Token, 409, []byte(`{"error":{"code":"PREAUTH_EXPIRED","message":"preauthorization expired"}}`)))

	uncached := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		Config: config.Config{Idempotency: config.IdempotencyConfig{Mode: config.IdempotencyModeStrict, TTL: time.Hour}},
		Clock:  clk,
		Repo:   repository.Provide(),
	})
	replay, err := uncached.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, replay.Replay)
	assert.Equal(t, 409, replay.Replay.StatusCode)
	assert.JSONEq(t, `{"error":{"code":"PREAUTH_EXPIRED","message":"preauthorization expired"}}`, string(replay.Replay.Body))
}

func TestBeginOrReplayConcurrentCallersOnlyOneProceeds(t *testing.T) {
	svc, _, _ := newTestService(t, config.IdempotencyModeStrict, true)
	ctx := context.Background()
	req := domain.BeginRequest{Key: "key-race", Method: "preauth", OrgID: "org-1"}

	const callers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		tokens   int
		inflight int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.BeginOrReplay(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && out.Token != nil:
				tokens++
			case errors.Is(err, domain.ErrInFlight):
				inflight++
			default:
				t.Errorf("unexpected outcome: %+v err=%v", out, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, tokens)
	assert.Equal(t, callers-1, inflight)
}

func TestBeginOrReplayRejectsReusedKey(t *testing.T) {
	svc, _, _ := newTestService(t, config.IdempotencyModeStrict, true)
	ctx := context.Background()

	_, err := svc.BeginOrReplay(ctx, domain.BeginRequest{Key: "shared", Method: "preauth", OrgID: "org-1"})
	require.NoError(t, err)

	_, err = svc.BeginOrReplay(ctx, domain.BeginRequest{Key: "shared", Method: "settle", OrgID: "org-1"})
	assert.ErrorIs(t, err, domain.ErrKeyReused)

	_, err = svc.BeginOrReplay(ctx, domain.BeginRequest{Key: "shared", Method: "preauth", OrgID: "org-2"})
	assert.ErrorIs(t, err, domain.ErrKeyReused)
}

func TestBeginOrReplayTakesOverStaleReservation(t *testing.T) {
	svc, clk, _ := newTestService(t, config.IdempotencyModeStrict, true)
	ctx := context.Background()
	req := domain.BeginRequest{Key: "stale", Method: "preauth", OrgID: "org-1"}

	first, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first.Token)

	clk.Advance(10 * time.Second)
	_, err = svc.BeginOrReplay(ctx, req)
	require.ErrorIs(t, err, domain.ErrInFlight)

	clk.Advance(25 * time.Second)
	second, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, second.Token)

	assert.ErrorIs(t, svc.Finalize(ctx, first.Token, 200, []byte(`{}`)), domain.ErrReservationLost)
	require.NoError(t, svc.Finalize(ctx, second.Token, 200, []byte(`{"ok":true}`)))
}

func TestAbandonReleasesReservation(t *testing.T) {
	svc, _, _ := newTestService(t, config.IdempotencyModeStrict, true)
	ctx := context.Background()
	req := domain.BeginRequest{Key: "retry-later", Method: "preauth", OrgID: "org-1"}

	first, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	require.NoError(t, svc.Abandon(ctx, first.Token))

	record, err := svc.Lookup(ctx, req.Key)
	require.NoError(t, err)
	assert.Nil(t, record)

	second, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	assert.NotNil(t, second.Token)
}

func TestExpiredRecordIsTreatedAsAbsent(t *testing.T) {
	svc, clk, _ := newTestService(t, config.IdempotencyModeStrict, true)
	ctx := context.Background()
	req := domain.BeginRequest{Key: "old", Method: "preauth", OrgID: "org-1"}

	out, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	require.NoError(t, svc.Finalize(ctx, out.Token, 200, []byte(`{"v":1}`)))

	clk.Advance(2 * time.Hour)
	record, err := svc.Lookup(ctx, req.Key)
	require.NoError(t, err)
	assert.Nil(t, record)

	again, err := svc.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	assert.NotNil(t, again.Token)
}

func TestPurgeExpired(t *testing.T) {
	svc, clk, db := newTestService(t, config.IdempotencyModeStrict, true)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		out, err := svc.BeginOrReplay(ctx, domain.BeginRequest{Key: key, Method: "preauth", OrgID: "org-1"})
		require.NoError(t, err)
		require.NoError(t, svc.Finalize(ctx, out.Token, 200, []byte(`{}`)))
	}
	clk.Advance(2 * time.Hour)
	_, err := svc.BeginOrReplay(ctx, domain.BeginRequest{Key: "fresh", Method: "preauth", OrgID: "org-1"})
	require.NoError(t, err)

	purged, err := svc.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)

	var remaining int64
	require.NoError(t, db.Model(&domain.Record{}).Count(&remaining).Error)
	assert.Equal(t, int64(1), remaining)
}

func TestPersistFailurePolicy(t *testing.T) {
	ctx := context.Background()
	req := domain.BeginRequest{Key: "k", Method: "preauth", OrgID: "org-1"}

	strict, _, _ := newTestService(t, config.IdempotencyModeStrict, false)
	_, err := strict.BeginOrReplay(ctx, req)
	assert.ErrorIs(t, err, domain.ErrPersistFailed)

	permissive, _, _ := newTestService(t, config.IdempotencyModePermissive, false)
	out, err := permissive.BeginOrReplay(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Nil(t, out.Token)
	assert.Nil(t, out.Replay)
	assert.NoError(t, permissive.Finalize(ctx, out.Token, 200, []byte(`{}`)))
}

func TestLookupRejectsBlankKey(t *testing.T) {
	svc, _, _ := newTestService(t, config.IdempotencyModeStrict, true)
	_, err := svc.Lookup(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}
