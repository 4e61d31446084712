// Package config loads the settlement service configuration.
//
// Values come from, in order: built-in defaults, an optional YAML file
// (--config or SETTLEMENT_CONFIG), then SETTLEMENT_* environment variables.
// Validate runs last and rejects combinations the service cannot start with.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bounty-settlement/core/retry"
)

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     retry.Policy    `yaml:"retry"`
	Judge     JudgeConfig     `yaml:"judge"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Lock      LockConfig      `yaml:"lock"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Listen         string        `yaml:"listen"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StoreConfig selects the Task Store backend: memory, postgres or sqlite.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SchedulerConfig struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	EntryMaxAge     time.Duration `yaml:"entry_max_age"`
	JudgingGrace    time.Duration `yaml:"judging_grace"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
}

// JudgeConfig selects the judge: none (always fall back) or openai.
type JudgeConfig struct {
	Provider string        `yaml:"provider"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	RPS      float64       `yaml:"rps"`
	// Seed fixes the fallback selection; 0 seeds from the runtime.
	Seed uint64 `yaml:"seed"`
}

// LedgerConfig selects the ledger: mock or bitcoind.
type LedgerConfig struct {
	Provider         string        `yaml:"provider"`
	RPCURL           string        `yaml:"rpc_url"`
	RPCUser          string        `yaml:"rpc_user"`
	RPCPassword      string        `yaml:"rpc_password"`
	Wallet           string        `yaml:"wallet"`
	EscrowAddress    string        `yaml:"escrow_address"`
	Network          string        `yaml:"network"`
	MinConfirmations int           `yaml:"min_confirmations"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	RPS              float64       `yaml:"rps"`
	MockBalanceSats  int64         `yaml:"mock_balance_sats"`
	// ExplorerURL, when set, is an Esplora API used to verify that each
	// task's LOCK transaction funds the escrow address.
	ExplorerURL string `yaml:"explorer_url"`
}

// LockConfig selects the escrow wallet lock: local or redis.
type LockConfig struct {
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that runs fully in memory.
func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Listen: ":8090", RequestTimeout: 30 * time.Second},
		Store: StoreConfig{Driver: "memory"},
		Scheduler: SchedulerConfig{
			SweepInterval:   time.Minute,
			RetryInterval:   time.Minute,
			CleanupInterval: 10 * time.Minute,
			EntryMaxAge:     time.Hour,
			JudgingGrace:    5 * time.Minute,
			Workers:         4,
			QueueSize:       256,
		},
		Retry: retry.DefaultPolicy(),
		Judge: JudgeConfig{Provider: "none", Model: "gpt-4o-mini", Timeout: 30 * time.Second},
		Ledger: LedgerConfig{
			Provider:         "mock",
			EscrowAddress:    "escrow-wallet",
			Network:          "mainnet",
			MinConfirmations: 1,
			ConfirmTimeout:   10 * time.Minute,
			PollInterval:     15 * time.Second,
			RPS:              5,
		},
		Lock: LockConfig{Driver: "local", RedisAddr: "localhost:6379", TTL: 30 * time.Second},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("SETTLEMENT_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		*dst = envDefault(key, *dst)
	}
	dur := func(key string, dst *time.Duration) {
		if raw := os.Getenv(key); raw != "" {
			v, err := time.ParseDuration(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if raw := os.Getenv(key); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = v
		}
	}
	flt := func(key string, dst *float64) {
		if raw := os.Getenv(key); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = v
		}
	}

	str("SETTLEMENT_LISTEN", &c.HTTP.Listen)
	str("SETTLEMENT_API_KEY", &c.HTTP.APIKey)
	dur("SETTLEMENT_REQUEST_TIMEOUT", &c.HTTP.RequestTimeout)

	str("SETTLEMENT_STORE_DRIVER", &c.Store.Driver)
	str("SETTLEMENT_STORE_DSN", &c.Store.DSN)

	dur("SETTLEMENT_SWEEP_INTERVAL", &c.Scheduler.SweepInterval)
	dur("SETTLEMENT_RETRY_INTERVAL", &c.Scheduler.RetryInterval)
	dur("SETTLEMENT_JUDGING_GRACE", &c.Scheduler.JudgingGrace)
	num("SETTLEMENT_WORKERS", &c.Scheduler.Workers)

	num("SETTLEMENT_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	dur("SETTLEMENT_RETRY_INITIAL_INTERVAL", &c.Retry.InitialInterval)
	dur("SETTLEMENT_RETRY_MAX_INTERVAL", &c.Retry.MaxInterval)

	str("SETTLEMENT_JUDGE_PROVIDER", &c.Judge.Provider)
	str("SETTLEMENT_JUDGE_BASE_URL", &c.Judge.BaseURL)
	str("SETTLEMENT_JUDGE_API_KEY", &c.Judge.APIKey)
	str("SETTLEMENT_JUDGE_MODEL", &c.Judge.Model)
	dur("SETTLEMENT_JUDGE_TIMEOUT", &c.Judge.Timeout)
	flt("SETTLEMENT_JUDGE_RPS", &c.Judge.RPS)
	if raw := os.Getenv("SETTLEMENT_JUDGE_SEED"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SETTLEMENT_JUDGE_SEED: %w", err))
		} else {
			c.Judge.Seed = v
		}
	}

	str("SETTLEMENT_LEDGER_PROVIDER", &c.Ledger.Provider)
	str("SETTLEMENT_LEDGER_RPC_URL", &c.Ledger.RPCURL)
	str("SETTLEMENT_LEDGER_RPC_USER", &c.Ledger.RPCUser)
	str("SETTLEMENT_LEDGER_RPC_PASSWORD", &c.Ledger.RPCPassword)
	str("SETTLEMENT_LEDGER_WALLET", &c.Ledger.Wallet)
	str("SETTLEMENT_ESCROW_ADDRESS", &c.Ledger.EscrowAddress)
	str("SETTLEMENT_EXPLORER_URL", &c.Ledger.ExplorerURL)
	str("SETTLEMENT_NETWORK", &c.Ledger.Network)
	num("SETTLEMENT_MIN_CONFIRMATIONS", &c.Ledger.MinConfirmations)
	dur("SETTLEMENT_CONFIRM_TIMEOUT", &c.Ledger.ConfirmTimeout)
	if raw := os.Getenv("SETTLEMENT_MOCK_BALANCE_SATS"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SETTLEMENT_MOCK_BALANCE_SATS: %w", err))
		} else {
			c.Ledger.MockBalanceSats = v
		}
	}

	str("SETTLEMENT_LOCK_DRIVER", &c.Lock.Driver)
	str("SETTLEMENT_REDIS_ADDR", &c.Lock.RedisAddr)
	str("SETTLEMENT_REDIS_PASSWORD", &c.Lock.RedisPassword)
	num("SETTLEMENT_REDIS_DB", &c.Lock.RedisDB)

	str("SETTLEMENT_LOG_LEVEL", &c.Log.Level)
	return errors.Join(errs...)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen is required"))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory, postgres or sqlite", c.Store.Driver))
	}
	if c.Scheduler.SweepInterval <= 0 || c.Scheduler.RetryInterval <= 0 {
		errs = append(errs, errors.New("scheduler sweep and retry intervals must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	switch c.Judge.Provider {
	case "none":
	case "openai":
		if c.Judge.Model == "" {
			errs = append(errs, errors.New("judge.model is required for provider openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("judge.provider %q must be none or openai", c.Judge.Provider))
	}
	if c.Judge.Timeout <= 0 {
		errs = append(errs, errors.New("judge.timeout must be positive"))
	}
	if c.Ledger.EscrowAddress == "" {
		errs = append(errs, errors.New("ledger.escrow_address is required"))
	}
	switch c.Ledger.Provider {
	case "mock":
	case "bitcoind":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, errors.New("ledger.rpc_url is required for provider bitcoind"))
		}
		if c.Ledger.ConfirmTimeout <= 0 {
			errs = append(errs, errors.New("ledger.confirm_timeout must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.provider %q must be mock or bitcoind", c.Ledger.Provider))
	}
	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr is required for driver redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.driver %q must be local or redis", c.Lock.Driver))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
}
