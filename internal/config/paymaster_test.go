package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultPaymasterPolicyIsValid(t *testing.T) {
	require.NoError(t, ValidatePaymasterPolicy(DefaultPaymasterPolicy()))
}

func TestValidatePaymasterPolicyRejectsBadValues(t *testing.T) {
	cases := map[string]func(p *PaymasterPolicy){
		"zero daily limit":      func(p *PaymasterPolicy) { p.PreauthDailyLimit = 0 },
		"zero settle burst":     func(p *PaymasterPolicy) { p.SettleBurst = 0 },
		"hold ttl above max":    func(p *PaymasterPolicy) { p.HoldTTL = 48 * time.Hour },
		"zero lock ttl":         func(p *PaymasterPolicy) { p.LockTTL = 0 },
		"negative grace":        func(p *PaymasterPolicy) { p.ReclaimGrace = -time.Second },
		"non numeric fee":       func(p *PaymasterPolicy) { p.DefaultMaxFeePerGasWei = "0x10" },
		"zero default max fee":  func(p *PaymasterPolicy) { p.DefaultMaxFeePerGasWei = "0" },
		"zero retry interval":   func(p *PaymasterPolicy) { p.LockRetryInterval = 0 },
		"zero settle rate":      func(p *PaymasterPolicy) { p.SettleRate = 0 },
		"negative lock waiting": func(p *PaymasterPolicy) { p.LockWait = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := DefaultPaymasterPolicy()
			mutate(&p)
			assert.Error(t, ValidatePaymasterPolicy(p))
		})
	}
}

func TestPaymasterPolicyHolderReadsFileAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	body := []byte("paymaster:\n  preauthDailyLimit: 5\n  holdTTL: 2m\n  refundUnusedHold: false\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paymaster.yml"), body, 0o600))

	cfg := Config{Paymaster: PaymasterConfig{ConfigDir: dir, Policy: DefaultPaymasterPolicy()}}
	holder, err := NewPaymasterPolicyHolder(cfg, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, int64(5), policy.PreauthDailyLimit)
	assert.Equal(t, 2*time.Minute, policy.HoldTTL)
	assert.False(t, policy.RefundUnusedHold)
	assert.Equal(t, DefaultPaymasterPolicy().MaxHoldTTL, policy.MaxHoldTTL)
	assert.Equal(t, DefaultPaymasterPolicy().DefaultMaxFeePerGasWei, policy.DefaultMaxFeePerGasWei)
}

func TestPaymasterPolicyHolderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte("paymaster:\n  preauthDailyLimit: 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paymaster.yml"), body, 0o600))

	cfg := Config{Paymaster: PaymasterConfig{ConfigDir: dir}}
	_, err := NewPaymasterPolicyHolder(cfg, nil)
	assert.Error(t, err)
}

func TestLoadReadsPaymasterEnv(t *testing.T) {
	t.Setenv("PAYMASTER_PREAUTH_DAILY_LIMIT", "7")
	t.Setenv("PAYMASTER_REFUND_UNUSED_HOLD", "false")
	t.Setenv("IDEMPOTENCY_MODE", "PERMISSIVE")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("REDIS_ADDR", "")

	cfg := Load()
	assert.Equal(t, int64(7), cfg.Paymaster.Policy.PreauthDailyLimit)
	assert.False(t, cfg.Paymaster.Policy.RefundUnusedHold)
	assert.Equal(t, IdempotencyModePermissive, cfg.Idempotency.Mode)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Events.KafkaBrokers)
	assert.False(t, cfg.Redis.Enabled)
}
