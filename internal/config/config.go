// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port     string
	LogLevel slog.Level
}

type StoreConfig struct {
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type PricingConfig struct {
	FeedURL    string
	RPS        float64
	Timeout    time.Duration
	MaxRetries uint64
	Backoff    time.Duration
}

type TradingConfig struct {
	PayoutRatio       decimal.Decimal
	SettlementLease   time.Duration
	MaxSymbolExposure decimal.Decimal
	MaxAssetExposure  decimal.Decimal
	DefaultAsset      string
}

type CommissionConfig struct {
	Level1Rate decimal.Decimal
	Level2Rate decimal.Decimal
	LinkBase   string
}

type SchedulerConfig struct {
	Interval    time.Duration
	Batch       int
	Workers     int
	MaxAttempts int
}

type AppConfig struct {
	Server     ServerConfig
	Store      StoreConfig
	Kafka      KafkaConfig
	Pricing    PricingConfig
	Trading    TradingConfig
	Commission CommissionConfig
	Scheduler  SchedulerConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "ledger-events")
	v.SetDefault("PRICE_FEED_URL", "")
	v.SetDefault("PRICE_FEED_RPS", 20)
	v.SetDefault("PRICE_TIMEOUT", "3s")
	v.SetDefault("PRICE_MAX_RETRIES", 4)
	v.SetDefault("PRICE_BACKOFF", "200ms")
	v.SetDefault("PAYOUT_RATIO", "0.8")
	v.SetDefault("SETTLEMENT_LEASE", "30s")
	v.SetDefault("MAX_SYMBOL_EXPOSURE", "0")
	v.SetDefault("MAX_ASSET_EXPOSURE", "0")
	v.SetDefault("DEFAULT_ASSET", "USDT")
	v.SetDefault("COMMISSION_LEVEL1_RATE", "0.05")
	v.SetDefault("COMMISSION_LEVEL2_RATE", "0.02")
	v.SetDefault("REFERRAL_LINK_BASE", "http://localhost:3000")
	v.SetDefault("SCHEDULER_INTERVAL", "1s")
	v.SetDefault("SCHEDULER_BATCH", 100)
	v.SetDefault("SCHEDULER_WORKERS", 8)
	v.SetDefault("JOB_MAX_ATTEMPTS", 10)
}

// Load reads an optional .env file, then the environment.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return load(v)
}

func load(v *viper.Viper) (*AppConfig, error) {
	var errs []error
	dur := func(key string) time.Duration {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return 0
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
		return d
	}
	dec := func(key string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return d
	}
	positiveInt := func(key string) int {
		n := v.GetInt(key)
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, n))
		}
		return n
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	cfg := &AppConfig{
		Server: ServerConfig{
			Port:     v.GetString("PORT"),
			LogLevel: level,
		},
		Store: StoreConfig{
			DatabaseURL: v.GetString("DATABASE_URL"),
			RedisURL:    v.GetString("REDIS_URL"),
			CacheTTL:    dur("CACHE_TTL"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Pricing: PricingConfig{
			FeedURL:    v.GetString("PRICE_FEED_URL"),
			RPS:        v.GetFloat64("PRICE_FEED_RPS"),
			Timeout:    dur("PRICE_TIMEOUT"),
			MaxRetries: uint64(v.GetInt("PRICE_MAX_RETRIES")),
			Backoff:    dur("PRICE_BACKOFF"),
		},
		Trading: TradingConfig{
			PayoutRatio:       dec("PAYOUT_RATIO"),
			SettlementLease:   dur("SETTLEMENT_LEASE"),
			MaxSymbolExposure: dec("MAX_SYMBOL_EXPOSURE"),
			MaxAssetExposure:  dec("MAX_ASSET_EXPOSURE"),
			DefaultAsset:      strings.ToUpper(v.GetString("DEFAULT_ASSET")),
		},
		Commission: CommissionConfig{
			Level1Rate: dec("COMMISSION_LEVEL1_RATE"),
			Level2Rate: dec("COMMISSION_LEVEL2_RATE"),
			LinkBase:   v.GetString("REFERRAL_LINK_BASE"),
		},
		Scheduler: SchedulerConfig{
			Interval:    dur("SCHEDULER_INTERVAL"),
			Batch:       positiveInt("SCHEDULER_BATCH"),
			Workers:     positiveInt("SCHEDULER_WORKERS"),
			MaxAttempts: positiveInt("JOB_MAX_ATTEMPTS"),
		},
	}

	if cfg.Server.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if cfg.Pricing.RPS <= 0 {
		errs = append(errs, fmt.Errorf("PRICE_FEED_RPS must be positive, got %v", cfg.Pricing.RPS))
	}
	if v.GetInt("PRICE_MAX_RETRIES") < 0 {
		errs = append(errs, errors.New("PRICE_MAX_RETRIES must not be negative"))
	}
	one := decimal.NewFromInt(1)
	for key, r := range map[string]decimal.Decimal{
		"PAYOUT_RATIO":           cfg.Trading.PayoutRatio,
		"COMMISSION_LEVEL1_RATE": cfg.Commission.Level1Rate,
		"COMMISSION_LEVEL2_RATE": cfg.Commission.Level2Rate,
	} {
		if !r.IsPositive() || r.GreaterThan(one) {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %s", key, r))
		}
	}
	if cfg.Trading.MaxSymbolExposure.IsNegative() || cfg.Trading.MaxAssetExposure.IsNegative() {
		errs = append(errs, errors.New("exposure limits must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
