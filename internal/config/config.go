package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/executor"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	ProgressBackendJSON     = "json"
	ProgressBackendBolt     = "bolt"
	ProgressBackendPostgres = "postgres"

	LockBackendFile  = "file"
	LockBackendRedis = "redis"
	LockBackendNone  = "none"
)

type Config struct {
	Progress ProgressConfig
	DB       DBConfig
	Redis    RedisConfig
	Lock     LockConfig
	Engine   EngineConfig
	RPC      RPCConfig
	Oracle   OracleConfig
	Signer   SignerConfig
	Server   ServerConfig
	Alert    AlertConfig
	Tracing  TracingConfig
	Log      LogConfig

	TargetsFile string
	Targets     []TargetConfig
	Rejections  []executor.RejectionRule
	Coverage    CoverageConfig
	TokenSync   TokenSyncConfig
	Benchmarks  BenchmarksConfig
}

type ProgressConfig struct {
	Backend  string
	File     string
	BoltPath string
	// CacheSize bounds the terminal record cache in front of postgres;
	// zero disables it.
	CacheSize int
}

type DBConfig struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	StatementTimeoutMS int
}

type RedisConfig struct {
	URL string
}

type LockConfig struct {
	Backend string
	Dir     string
	TTL     time.Duration
}

type EngineConfig struct {
	BatchSize        int
	ReadConcurrency  int
	ActionDelay      time.Duration
	NoBalanceTTL     time.Duration
	MinConfirmations int
}

type RPCConfig struct {
	Timeout                 time.Duration
	RetryMaxAttempts        int
	BackoffInitial          time.Duration
	BackoffMax              time.Duration
	RateLimitRPS            float64
	RateLimitBurst          int
	ConfirmTimeout          time.Duration
	ConfirmPollInterval     time.Duration
	GasLimitMultiplier      float64
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
}

type OracleConfig struct {
	// WrapperURL is the payload sidecar; empty submits calldata unwrapped.
	WrapperURL string
	Timeout    time.Duration
}

type SignerConfig struct {
	PrivateKey string
}

type ServerConfig struct {
	HealthPort int
	AdminAddr  string
	Schedule   string
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	progressFile := getEnv("PROGRESS_FILE", "./sweep-progress.json")
	cfg := &Config{
		Progress: ProgressConfig{
			Backend:  strings.ToLower(getEnv("PROGRESS_BACKEND", ProgressBackendJSON)),
			File:     progressFile,
			BoltPath: getEnv("PROGRESS_BOLT_PATH", "./sweep-progress.db"),

			CacheSize: getEnvInt("PROGRESS_CACHE_SIZE", 10000),
		},
		DB: DBConfig{
			URL:                getEnv("DB_URL", ""),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 5),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:    time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			StatementTimeoutMS: getEnvInt("DB_STATEMENT_TIMEOUT_MS", 30000),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Lock: LockConfig{
			Backend: strings.ToLower(getEnv("LOCK_BACKEND", LockBackendFile)),
			Dir:     getEnv("LOCK_DIR", filepath.Dir(progressFile)),
			TTL:     getEnvDuration("LOCK_TTL", 30*time.Second),
		},
		Engine: EngineConfig{
			BatchSize:        getEnvInt("BATCH_SIZE", 100),
			ReadConcurrency:  getEnvInt("READ_CONCURRENCY", 8),
			ActionDelay:      getEnvDuration("ACTION_DELAY", 2*time.Second),
			NoBalanceTTL:     getEnvDuration("NO_BALANCE_TTL", 0),
			MinConfirmations: getEnvInt("MIN_CONFIRMATIONS", 1),
		},
		RPC: RPCConfig{
			Timeout:                 getEnvDuration("RPC_TIMEOUT", 30*time.Second),
			RetryMaxAttempts:        getEnvInt("RPC_RETRY_MAX_ATTEMPTS", 4),
			BackoffInitial:          getEnvDuration("RPC_BACKOFF_INITIAL", 200*time.Millisecond),
			BackoffMax:              getEnvDuration("RPC_BACKOFF_MAX", 3*time.Second),
			RateLimitRPS:            getEnvFloat("RPC_RATE_LIMIT_RPS", 10),
			RateLimitBurst:          getEnvInt("RPC_RATE_LIMIT_BURST", 20),
			ConfirmTimeout:          getEnvDuration("CONFIRMATION_TIMEOUT", 3*time.Minute),
			ConfirmPollInterval:     getEnvDuration("CONFIRMATION_POLL_INTERVAL", 2*time.Second),
			GasLimitMultiplier:      getEnvFloat("GAS_LIMIT_MULTIPLIER", 1.2),
			BreakerFailureThreshold: getEnvInt("RPC_BREAKER_FAILURES", 5),
			BreakerOpenTimeout:      getEnvDuration("RPC_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Oracle: OracleConfig{
			WrapperURL: getEnv("ORACLE_WRAPPER_URL", ""),
			Timeout:    getEnvDuration("ORACLE_WRAPPER_TIMEOUT", 15*time.Second),
		},
		Signer: SignerConfig{
			PrivateKey: getEnv("LIQUIDATOR_PRIVATE_KEY", getEnv("DP_DEPLOYER_KEY", "")),
		},
		Server: ServerConfig{
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
			AdminAddr:  getEnv("ADMIN_ADDR", ""),
			Schedule:   getEnv("SWEEP_SCHEDULE", ""),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        getEnvDuration("ALERT_COOLDOWN", 30*time.Minute),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		TargetsFile: getEnv("KEEPER_TARGETS_FILE", ""),
	}

	file, err := loadTargetsFile(cfg.TargetsFile)
	if err != nil {
		return nil, err
	}
	cfg.applyTargets(file)
	cfg.Coverage.WorkDir = getEnv("COVERAGE_WORK_DIR", ".")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Progress.Backend {
	case ProgressBackendJSON:
		if c.Progress.File == "" {
			return fmt.Errorf("PROGRESS_FILE is required for the json backend")
		}
	case ProgressBackendBolt:
		if c.Progress.BoltPath == "" {
			return fmt.Errorf("PROGRESS_BOLT_PATH is required for the bolt backend")
		}
	case ProgressBackendPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("DB_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("PROGRESS_BACKEND must be json, bolt or postgres, got %q", c.Progress.Backend)
	}

	switch c.Lock.Backend {
	case LockBackendFile, LockBackendNone:
	case LockBackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be file, redis or none, got %q", c.Lock.Backend)
	}

	if c.Progress.CacheSize < 0 {
		return fmt.Errorf("PROGRESS_CACHE_SIZE must not be negative")
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.Engine.ReadConcurrency <= 0 {
		return fmt.Errorf("READ_CONCURRENCY must be positive")
	}
	if c.Engine.MinConfirmations < 1 {
		return fmt.Errorf("MIN_CONFIRMATIONS must be at least 1")
	}
	if c.Engine.ActionDelay < 0 || c.Engine.NoBalanceTTL < 0 {
		return fmt.Errorf("ACTION_DELAY and NO_BALANCE_TTL must not be negative")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT must be positive")
	}
	if c.RPC.RetryMaxAttempts < 1 {
		return fmt.Errorf("RPC_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.Signer.PrivateKey != "" {
		if _, err := c.SigningKey(); err != nil {
			return err
		}
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("no reconciliation targets configured")
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if err := t.validate(); err != nil {
			return err
		}
		slug := strings.ToLower(string(t.Chain))
		if seen[slug] {
			return fmt.Errorf("target %s: duplicate chain", t.Chain)
		}
		seen[slug] = true
	}
	if _, err := executor.NewRejectionSet(c.Rejections); err != nil {
		return err
	}
	return nil
}

var errNoSigner = errors.New("LIQUIDATOR_PRIVATE_KEY is required for commands that submit transactions")

// SigningKey parses the configured key. Mutating commands call it at startup
// so a missing key fails before any work is done.
func (c *Config) SigningKey() (*ecdsa.PrivateKey, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(c.Signer.PrivateKey), "0x")
	if raw == "" {
		return nil, errNoSigner
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("LIQUIDATOR_PRIVATE_KEY: %w", err)
	}
	return key, nil
}

// RejectionSet compiles the configured rejection taxonomy.
func (c *Config) RejectionSet() (*executor.RejectionSet, error) {
	return executor.NewRejectionSet(c.Rejections)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("2s") and bare milliseconds ("2000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
