// Package config loads the engine configuration from an optional
// config.yml, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/oracle"
	"github.com/zkvault/vault-engine/internal/risk"
)

var ErrInvalid = errors.New("config: invalid")

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the engine.
type Config struct {
	Server       Server            `mapstructure:"server"`
	Log          Log               `mapstructure:"log"`
	Store        Store             `mapstructure:"store"`
	Accounts     Accounts          `mapstructure:"accounts"`
	Risk         risk.Limits       `mapstructure:"risk"`
	FeeBps       uint64            `mapstructure:"fee_bps"`
	DedupeWindow int               `mapstructure:"dedupe_window"`
	Oracle       oracle.Config     `mapstructure:"oracle"`
	Tokens       map[string]string `mapstructure:"tokens"` // symbol -> token address
}

// Server holds the HTTP server settings.
type Server struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Log holds the logger settings.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (l Log) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Store selects and configures persistence. An empty driver means
// postgres when DatabaseURL is set and memory otherwise.
type Store struct {
	Driver      string        `mapstructure:"driver"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
}

// Accounts are the addresses of one vault deployment.
type Accounts struct {
	Owner      string `mapstructure:"owner"`
	Trader     string `mapstructure:"trader"`
	Vault      string `mapstructure:"vault"`
	TraderGate string `mapstructure:"trader_gate"`
	Ledger     string `mapstructure:"ledger"`
}

// Addresses are the parsed Accounts.
type Addresses struct {
	Owner, Trader, Vault, TraderGate, Ledger ledger.Address
}

// Parse validates every account address.
func (a Accounts) Parse() (Addresses, error) {
	var out Addresses
	fields := []struct {
		name string
		raw  string
		dst  *ledger.Address
	}{
		{"owner", a.Owner, &out.Owner},
		{"trader", a.Trader, &out.Trader},
		{"vault", a.Vault, &out.Vault},
		{"trader_gate", a.TraderGate, &out.TraderGate},
		{"ledger", a.Ledger, &out.Ledger},
	}
	for _, f := range fields {
		addr, err := ledger.ParseAddress(f.raw)
		if err != nil {
			return Addresses{}, fmt.Errorf("%w: accounts.%s: %v", ErrInvalid, f.name, err)
		}
		*f.dst = addr
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 40*time.Second) // covers oracle round trips

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", 30*time.Second)
	v.SetDefault("store.sqlite_path", "vault.db")

	// Development accounts.
	v.SetDefault("accounts.owner", "0:"+strings.Repeat("0", 63)+"1")
	v.SetDefault("accounts.trader", "0:"+strings.Repeat("0", 63)+"2")
	v.SetDefault("accounts.vault", "EQDTcD9WeuhIJzaEpiPVacF-8Q7-GTWRrmeiLcjYhf7jrkXi")
	v.SetDefault("accounts.trader_gate", "EQBascgtPO02miH-Xb9cNsb8LPZf9IwK-xQ-DhS1vjgqg_6i")
	v.SetDefault("accounts.ledger", "0:"+strings.Repeat("0", 63)+"3")

	v.SetDefault("risk.max_position_size", uint64(100_000_000_000)) // 100k units at 6 decimals
	v.SetDefault("risk.max_slippage_bps", 50)
	v.SetDefault("risk.max_daily_turnover", uint64(1_000_000_000_000))
	v.SetDefault("risk.max_drawdown_bps", 2000)

	v.SetDefault("fee_bps", 1000)
	v.SetDefault("dedupe_window", 4096)

	v.SetDefault("oracle.url", "http://localhost:8090")
	v.SetDefault("oracle.timeout", 30*time.Second)
	v.SetDefault("oracle.rate_limit", 2)
	v.SetDefault("oracle.rate_limit_burst", 1)
	v.SetDefault("oracle.api_key", "")
}

// Load reads config.yml from path (optional), then .env (optional), then
// the environment. Nested keys map to upper-case env names with dots
// replaced by underscores (ORACLE_URL, RISK_MAX_SLIPPAGE_BPS); PORT,
// DATABASE_URL and REDIS_URL are also honored.
func Load(path string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("store.database_url", "STORE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("store.redis_url", "STORE_REDIS_URL", "REDIS_URL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and resolves the store driver.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", ErrInvalid, c.Server.Port)
	}
	if c.FeeBps > risk.BpsDenominator {
		return fmt.Errorf("%w: fee_bps %d exceeds %d", ErrInvalid, c.FeeBps, risk.BpsDenominator)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Accounts.Parse(); err != nil {
		return err
	}

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
		if c.Store.DatabaseURL != "" {
			c.Store.Driver = DriverPostgres
		}
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: store.driver postgres needs DATABASE_URL", ErrInvalid)
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("%w: store.sqlite_path is empty", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalid, c.Store.Driver)
	}
	return nil
}
