package config

import (
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PaymasterPolicy is the operator-tunable part of the paymaster. It can be
// changed at runtime by editing paymaster.yml.
type PaymasterPolicy struct {
	PreauthDailyLimit      int64         `mapstructure:"preauthDailyLimit"`
	SettleRate             float64       `mapstructure:"settleRate"`
	SettleBurst            int           `mapstructure:"settleBurst"`
	HoldTTL                time.Duration `mapstructure:"holdTTL"`
	MaxHoldTTL             time.Duration `mapstructure:"maxHoldTTL"`
	LockTTL                time.Duration `mapstructure:"lockTTL"`
	LockWait               time.Duration `mapstructure:"lockWait"`
	LockRetryInterval      time.Duration `mapstructure:"lockRetryInterval"`
	ReclaimGrace           time.Duration `mapstructure:"reclaimGrace"`
	RefundUnusedHold       bool          `mapstructure:"refundUnusedHold"`
	DefaultMaxFeePerGasWei string        `mapstructure:"defaultMaxFeePerGasWei"`
}

func DefaultPaymasterPolicy() PaymasterPolicy {
	return PaymasterPolicy{
		PreauthDailyLimit:      100,
		SettleRate:             5,
		SettleBurst:            20,
		HoldTTL:                10 * time.Minute,
		MaxHoldTTL:             24 * time.Hour,
		LockTTL:                10 * time.Second,
		LockWait:               2 * time.Second,
		LockRetryInterval:      50 * time.Millisecond,
		ReclaimGrace:           time.Minute,
		RefundUnusedHold:       true,
		DefaultMaxFeePerGasWei: "50000000000",
	}
}

type PaymasterPolicyHolder struct {
	current atomic.Value // holds PaymasterPolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(policy PaymasterPolicy) *PaymasterPolicyHolder {
	holder := &PaymasterPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewPaymasterPolicyHolder(cfg Config, log *zap.Logger) (*PaymasterPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.paymaster")

	v := viper.New()

	v.SetConfigName("paymaster")
	v.SetConfigType("yml")
	if dir := strings.TrimSpace(cfg.Paymaster.ConfigDir); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("/var/lib/paymaster/config")
	v.AddConfigPath("/etc/paymaster")
	v.AddConfigPath(".")

	defaults := cfg.Paymaster.Policy
	if defaults == (PaymasterPolicy{}) {
		defaults = DefaultPaymasterPolicy()
	}
	setPolicyDefaults(v, defaults)

	found := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		found = false
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}
	if err := ValidatePaymasterPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)
	if !found {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("paymaster policy reload failed", zap.Error(err))
			return
		}
		if err := ValidatePaymasterPolicy(updated); err != nil {
			log.Warn("invalid paymaster policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("paymaster policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PaymasterPolicyHolder) Get() PaymasterPolicy {
	return h.current.Load().(PaymasterPolicy)
}

// decodePolicy unmarshals the merged settings so keys missing from the file
// keep their defaults.
func decodePolicy(v *viper.Viper) (PaymasterPolicy, error) {
	var file struct {
		Paymaster PaymasterPolicy `mapstructure:"paymaster"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return PaymasterPolicy{}, err
	}
	return file.Paymaster, nil
}

func setPolicyDefaults(v *viper.Viper, p PaymasterPolicy) {
	v.SetDefault("paymaster.preauthDailyLimit", p.PreauthDailyLimit)
	v.SetDefault("paymaster.settleRate", p.SettleRate)
	v.SetDefault("paymaster.settleBurst", p.SettleBurst)
	v.SetDefault("paymaster.holdTTL", p.HoldTTL)
	v.SetDefault("paymaster.maxHoldTTL", p.MaxHoldTTL)
	v.SetDefault("paymaster.lockTTL", p.LockTTL)
	v.SetDefault("paymaster.lockWait", p.LockWait)
	v.SetDefault("paymaster.lockRetryInterval", p.LockRetryInterval)
	v.SetDefault("paymaster.reclaimGrace", p.ReclaimGrace)
	v.SetDefault("paymaster.refundUnusedHold", p.RefundUnusedHold)
	v.SetDefault("paymaster.defaultMaxFeePerGasWei", p.DefaultMaxFeePerGasWei)
}

func ValidatePaymasterPolicy(p PaymasterPolicy) error {
	if p.PreauthDailyLimit <= 0 {
		return errors.New("paymaster.preauthDailyLimit must be positive")
	}
	if p.SettleRate <= 0 || p.SettleBurst <= 0 {
		return errors.New("paymaster.settleRate and paymaster.settleBurst must be positive")
	}
	if p.HoldTTL <= 0 || p.MaxHoldTTL < p.HoldTTL {
		return errors.New("paymaster.holdTTL must be positive and not exceed paymaster.maxHoldTTL")
	}
	if p.LockTTL <= 0 || p.LockWait < 0 || p.LockRetryInterval <= 0 {
		return errors.New("paymaster lock timings must be positive")
	}
	if p.ReclaimGrace < 0 {
		return errors.New("paymaster.reclaimGrace cannot be negative")
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(p.DefaultMaxFeePerGasWei), 10)
	if !ok || fee.Sign() <= 0 {
		return errors.New("paymaster.defaultMaxFeePerGasWei must be a positive integer")
	}
	return nil
}
