/*
Package config loads server configuration.

PRIORITY (highest first):
  1. Environment variables with the CF_ prefix (CF_DATABASE_DSN, CF_JWT_SECRET, ...)
  2. A .env file in the working directory, loaded into the environment
  3. config.toml in one of the search paths
  4. Built-in defaults

Nested keys map to env names by replacing "." with "_":
finance.max_batch_size is CF_FINANCE_MAX_BATCH_SIZE.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CF"

// Config holds all server configuration.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Lock      LockConfig
	Kafka     KafkaConfig
	JWT       JWTConfig
	HTTP      HTTPConfig
	Log       LogConfig
	Finance   FinanceConfig
	Reconcile ReconcileConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DatabaseConfig selects the store. Driver is "sqlite3" or "pgx";
// "memory" runs without persistence.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type LockConfig struct {
	TTL  time.Duration
	Wait time.Duration
}

// KafkaConfig enables the Kafka notification dispatcher when Brokers is set.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// JWTConfig enables bearer-token identities when Secret is set. Without it the
// X-User-Email header is trusted.
type JWTConfig struct {
	Secret string
	Issuer string
}

type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	CORSAllowOrigins []string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// FinanceConfig mirrors finance.Config in loadable form.
type FinanceConfig struct {
	ThreeApprovalThreshold string
	MaxBatchSize           int
	AllowOverdraft         bool
	Currency               string
	CurrencyPlaces         int32
	MaxConflictRetries     int
	PhoneRegion            string
}

// ReconcileConfig schedules the periodic consistency check. Zero disables it.
type ReconcileConfig struct {
	Interval time.Duration
}

// Load reads .env, then config.toml from the first of paths containing one,
// then CF_ environment variables.
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	if len(paths) == 0 {
		paths = []string{".", "/etc/coffee-finance"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Env:  v.GetString("app.env"),
			Port: v.GetInt("app.port"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Lock: LockConfig{
			TTL:  v.GetDuration("lock.ttl"),
			Wait: v.GetDuration("lock.wait"),
		},
		Kafka: KafkaConfig{
			Brokers: list(v, "kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			CORSAllowOrigins: list(v, "http.cors_allow_origins"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Finance: FinanceConfig{
			ThreeApprovalThreshold: v.GetString("finance.three_approval_threshold"),
			MaxBatchSize:           v.GetInt("finance.max_batch_size"),
			AllowOverdraft:         v.GetBool("finance.allow_overdraft"),
			Currency:               v.GetString("finance.currency"),
			CurrencyPlaces:         v.GetInt32("finance.currency_places"),
			MaxConflictRetries:     v.GetInt("finance.max_conflict_retries"),
			PhoneRegion:            v.GetString("finance.phone_region"),
		},
		Reconcile: ReconcileConfig{
			Interval: v.GetDuration("reconcile.interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := finance.DefaultConfig()

	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "finance.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait", 10*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "finance.notifications")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.cors_allow_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("finance.three_approval_threshold", d.ThreeApprovalThreshold.String())
	v.SetDefault("finance.max_batch_size", d.MaxBatchSize)
	v.SetDefault("finance.allow_overdraft", d.AllowOverdraft)
	v.SetDefault("finance.currency", d.Currency)
	v.SetDefault("finance.currency_places", d.CurrencyPlaces)
	v.SetDefault("finance.max_conflict_retries", d.MaxConflictRetries)
	v.SetDefault("finance.phone_region", d.PhoneRegion)
	v.SetDefault("reconcile.interval", 15*time.Minute)
}

// list reads a string list; env values may be comma separated.
func list(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port %d out of range", c.App.Port)
	}
	switch c.Database.Driver {
	case "sqlite3", "pgx", "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite3, pgx or memory, got %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	fc, err := c.FinanceRules()
	if err != nil {
		return err
	}
	return fc.Validate()
}

// FinanceRules converts the finance section to finance.Config.
func (c *Config) FinanceRules() (finance.Config, error) {
	threshold, err := decimal.NewFromString(c.Finance.ThreeApprovalThreshold)
	if err != nil {
		return finance.Config{}, fmt.Errorf("finance.three_approval_threshold: %w", err)
	}
	fc := finance.DefaultConfig()
	fc.ThreeApprovalThreshold = threshold
	fc.MaxBatchSize = c.Finance.MaxBatchSize
	fc.AllowOverdraft = c.Finance.AllowOverdraft
	fc.Currency = c.Finance.Currency
	fc.CurrencyPlaces = c.Finance.CurrencyPlaces
	fc.MaxConflictRetries = c.Finance.MaxConflictRetries
	fc.PhoneRegion = c.Finance.PhoneRegion
	return fc, nil
}

// IsProduction reports whether App.Env is "production".
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
