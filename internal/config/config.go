package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xtrntr/market/internal/market"
	"github.com/xtrntr/market/internal/pricing"
	"github.com/xtrntr/market/internal/storage"
	"github.com/xtrntr/market/internal/timefmt"
)

// DevJWTSecret is only meant for local runs
const DevJWTSecret = "dev-secret-change-me"

var ErrInvalidConfig = errors.New("invalid config")

// Duration accepts "3d12h" style values as well as Go durations like "250ms"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func parseDuration(s string) (time.Duration, error) {
	if d, err := timefmt.ParseDuration(s); err == nil {
		return d, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Config is the server configuration
type Config struct {
	HTTPAddr      string   `yaml:"http_addr"`
	Storage       string   `yaml:"storage"` // "file" or "postgres"
	DataDir       string   `yaml:"data_dir"`
	DatabaseURL   string   `yaml:"database_url"`
	RedisAddr     string   `yaml:"redis_addr"` // empty uses the in-memory ledger
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	RedisPrefix   string   `yaml:"redis_prefix"`
	NATSURL       string   `yaml:"nats_url"` // empty disables the event stream
	JWTSecret     string   `yaml:"jwt_secret"`
	AllowedOrigin []string `yaml:"allowed_origins"`
	Banned        []string `yaml:"banned"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	Market    MarketConfig    `yaml:"market"`
	Tiers     pricing.Tiers   `yaml:"price_tiers"`
	Writer    WriterConfig    `yaml:"writer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bids      RateConfig      `yaml:"bid_rate"`
}

// MarketConfig mirrors market.Config
type MarketConfig struct {
	Currency             string          `yaml:"currency"`
	TaxRate              decimal.Decimal `yaml:"tax_rate"`
	MinPrice             decimal.Decimal `yaml:"min_price"`
	MaxPrice             decimal.Decimal `yaml:"max_price"`
	MinBidIncrement      decimal.Decimal `yaml:"min_bid_increment"`
	ListingDuration      Duration        `yaml:"listing_duration"`
	MinAuctionDuration   Duration        `yaml:"min_auction_duration"`
	MaxAuctionDuration   Duration        `yaml:"max_auction_duration"`
	AntiSnipeThreshold   Duration        `yaml:"anti_snipe_threshold"`
	AntiSnipeExtension   Duration        `yaml:"anti_snipe_extension"`
	MaxListingsPerPlayer int             `yaml:"max_listings_per_player"`
}

type WriterConfig struct {
	Shards         int      `yaml:"shards"`
	QueueSize      int      `yaml:"queue_size"`
	EnqueueTimeout Duration `yaml:"enqueue_timeout"`
	OpTimeout      Duration `yaml:"op_timeout"`
}

type SchedulerConfig struct {
	AuctionInterval Duration `yaml:"auction_interval"`
	ListingInterval Duration `yaml:"listing_interval"`
}

// RateConfig limits how often one player may bid
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Default returns a configuration that runs locally with file storage
func Default() *Config {
	mc := market.DefaultConfig()
	wc := storage.DefaultWriterConfig()
	return &Config{
		HTTPAddr:      ":8080",
		Storage:       "file",
		DataDir:       "data",
		RedisPrefix:   "market",
		JWTSecret:     DevJWTSecret,
		AllowedOrigin: []string{"*"},
		ShutdownGrace: Duration(10 * time.Second),
		Market: MarketConfig{
			Currency:             mc.Currency,
			TaxRate:              mc.TaxRate,
			MinPrice:             mc.MinPrice,
			MaxPrice:             mc.MaxPrice,
			MinBidIncrement:      mc.MinBidIncrement,
			ListingDuration:      Duration(mc.ListingDuration),
			MinAuctionDuration:   Duration(mc.MinAuctionDuration),
			MaxAuctionDuration:   Duration(mc.MaxAuctionDuration),
			AntiSnipeThreshold:   Duration(mc.AntiSnipeThreshold),
			AntiSnipeExtension:   Duration(mc.AntiSnipeExtension),
			MaxListingsPerPlayer: mc.MaxListingsPerPlayer,
		},
		Tiers: pricing.DefaultTiers(),
		Writer: WriterConfig{
			Shards:         wc.Shards,
			QueueSize:      wc.QueueSize,
			EnqueueTimeout: Duration(wc.EnqueueTimeout),
			OpTimeout:      Duration(wc.OpTimeout),
		},
		Scheduler: SchedulerConfig{
			AuctionInterval: Duration(10 * time.Second),
			ListingInterval: Duration(60 * time.Second),
		},
		Bids: RateConfig{PerSecond: 2, Burst: 5},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Printf("Config file %s not found, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getEnv("MARKET_HTTP_ADDR", c.HTTPAddr)
	c.Storage = getEnv("MARKET_STORAGE", c.Storage)
	c.DataDir = getEnv("MARKET_DATA_DIR", c.DataDir)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)

	var err error
	if c.RedisDB, err = getEnvInt("REDIS_DB", c.RedisDB); err != nil {
		return err
	}
	if c.Market.MaxListingsPerPlayer, err = getEnvInt("MARKET_MAX_LISTINGS", c.Market.MaxListingsPerPlayer); err != nil {
		return err
	}
	if c.Market.ListingDuration, err = getEnvDuration("MARKET_LISTING_DURATION", c.Market.ListingDuration); err != nil {
		return err
	}
	if v := os.Getenv("MARKET_TAX_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%w: MARKET_TAX_RATE: %v", ErrInvalidConfig, err)
		}
		c.Market.TaxRate = rate
	}
	if v := os.Getenv("MARKET_BANNED"); v != "" {
		c.Banned = strings.Split(v, ",")
	}
	return nil
}

// Validate checks the settings the server cannot run without
func (c *Config) Validate() error {
	switch c.Storage {
	case "file":
		if c.DataDir == "" {
			return fmt.Errorf("%w: data_dir is required for file storage", ErrInvalidConfig)
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: database_url is required for postgres storage", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, c.Storage)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: jwt_secret is required", ErrInvalidConfig)
	}
	m := c.Market
	if m.TaxRate.IsNegative() || m.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: tax_rate must be in [0, 1)", ErrInvalidConfig)
	}
	if m.MinBidIncrement.Sign() <= 0 {
		return fmt.Errorf("%w: min_bid_increment must be positive", ErrInvalidConfig)
	}
	if m.MaxPrice.IsPositive() && m.MaxPrice.LessThan(m.MinPrice) {
		return fmt.Errorf("%w: max_price below min_price", ErrInvalidConfig)
	}
	if m.MaxAuctionDuration > 0 && m.MaxAuctionDuration < m.MinAuctionDuration {
		return fmt.Errorf("%w: max_auction_duration below min_auction_duration", ErrInvalidConfig)
	}
	return nil
}

// MarketRules converts the market section for the engine
func (c *Config) MarketRules() market.Config {
	m := c.Market
	return market.Config{
		Currency:             m.Currency,
		TaxRate:              m.TaxRate,
		MinPrice:             m.MinPrice,
		MaxPrice:             m.MaxPrice,
		MinBidIncrement:      m.MinBidIncrement,
		ListingDuration:      m.ListingDuration.D(),
		MinAuctionDuration:   m.MinAuctionDuration.D(),
		MaxAuctionDuration:   m.MaxAuctionDuration.D(),
		AntiSnipeThreshold:   m.AntiSnipeThreshold.D(),
		AntiSnipeExtension:   m.AntiSnipeExtension.D(),
		MaxListingsPerPlayer: m.MaxListingsPerPlayer,
	}
}

// WriterSettings converts the writer section for storage.NewWriter
func (c *Config) WriterSettings(logger *log.Logger) storage.WriterConfig {
	return storage.WriterConfig{
		Shards:         c.Writer.Shards,
		QueueSize:      c.Writer.QueueSize,
		EnqueueTimeout: c.Writer.EnqueueTimeout.D(),
		OpTimeout:      c.Writer.OpTimeout.D(),
		Logger:         logger,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue Duration) (Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return Duration(d), nil
}
