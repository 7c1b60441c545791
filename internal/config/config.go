package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis       RedisConfig
	Paymaster   PaymasterConfig
	Idempotency IdempotencyConfig
	FX          FXConfig
	Events      EventsConfig
	Scheduler   SchedulerConfig
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// PaymasterConfig carries the static paymaster settings. Policy holds the
// env defaults for the hot-reloadable values served by PaymasterPolicyHolder.
type PaymasterConfig struct {
	SigningSecret string
	Provider      string
	SeedAccounts  string
	ConfigDir     string
	Policy        PaymasterPolicy
}

type IdempotencyConfig struct {
	Mode            string
	TTL             time.Duration
	InflightTimeout time.Duration
	CacheTTL        time.Duration
}

type FXConfig struct {
	Source   string
	EthUSD   string
	RedisKey string
	MaxAge   time.Duration
}

type EventsConfig struct {
	Sink         string
	Stream       string
	KafkaBrokers []string
	KafkaTopic   string
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
}

const (
	IdempotencyModeStrict     = "strict"
	IdempotencyModePermissive = "permissive"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	policy := DefaultPaymasterPolicy()
	policy.PreauthDailyLimit = getenvInt64("PAYMASTER_PREAUTH_DAILY_LIMIT", policy.PreauthDailyLimit)
	policy.SettleRate = getenvFloat("PAYMASTER_SETTLE_RATE", policy.SettleRate)
	policy.SettleBurst = getenvInt("PAYMASTER_SETTLE_BURST", policy.SettleBurst)
	policy.HoldTTL = getenvDuration("PAYMASTER_HOLD_TTL", policy.HoldTTL)
	policy.MaxHoldTTL = getenvDuration("PAYMASTER_MAX_HOLD_TTL", policy.MaxHoldTTL)
	policy.LockTTL = getenvDuration("PAYMASTER_LOCK_TTL", policy.LockTTL)
	policy.LockWait = getenvDuration("PAYMASTER_LOCK_WAIT", policy.LockWait)
	policy.LockRetryInterval = getenvDuration("PAYMASTER_LOCK_RETRY_INTERVAL", policy.LockRetryInterval)
	policy.ReclaimGrace = getenvDuration("PAYMASTER_RECLAIM_GRACE", policy.ReclaimGrace)
	policy.RefundUnusedHold = getenvBool("PAYMASTER_REFUND_UNUSED_HOLD", policy.RefundUnusedHold)
	policy.DefaultMaxFeePerGasWei = getenv("PAYMASTER_DEFAULT_MAX_FEE_WEI", policy.DefaultMaxFeePerGasWei)

	redisAddr := strings.TrimSpace(getenv("REDIS_ADDR", ""))

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "paymaster"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "paymaster"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Enabled:  redisAddr != "",
			Addr:     redisAddr,
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Paymaster: PaymasterConfig{
			SigningSecret: strings.TrimSpace(getenv("PAYMASTER_SIGNING_SECRET", "")),
			Provider:      getenv("PAYMASTER_PROVIDER", "paymaster"),
			SeedAccounts:  strings.TrimSpace(getenv("PAYMASTER_SEED_ACCOUNTS", "")),
			ConfigDir:     strings.TrimSpace(getenv("PAYMASTER_CONFIG_DIR", "")),
			Policy:        policy,
		},
		Idempotency: IdempotencyConfig{
			Mode:            normalizeIdempotencyMode(getenv("IDEMPOTENCY_MODE", IdempotencyModeStrict)),
			TTL:             getenvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			InflightTimeout: getenvDuration("IDEMPOTENCY_INFLIGHT_TIMEOUT", 30*time.Second),
			CacheTTL:        getenvDuration("IDEMPOTENCY_CACHE_TTL", 5*time.Minute),
		},
		FX: FXConfig{
			Source:   strings.ToLower(getenv("FX_SOURCE", "static")),
			EthUSD:   getenv("FX_ETH_USD", "3000.00"),
			RedisKey: getenv("FX_REDIS_KEY", "paymaster:fx:eth_usd"),
			MaxAge:   getenvDuration("FX_MAX_AGE", 5*time.Minute),
		},
		Events: EventsConfig{
			Sink:         strings.ToLower(getenv("EVENTS_SINK", "none")),
			Stream:       getenv("EVENTS_STREAM", "paymaster:credit_events"),
			KafkaBrokers: parseList(getenv("KAFKA_BROKERS", "")),
			KafkaTopic:   getenv("KAFKA_TOPIC", "paymaster.credit_events"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 100),
			EnabledJobs: parseList(getenv("SCHEDULER_JOBS", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeIdempotencyMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case IdempotencyModePermissive:
		return IdempotencyModePermissive
	default:
		return IdempotencyModeStrict
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
