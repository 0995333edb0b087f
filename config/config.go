package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"trenches/bots"
	"trenches/engine"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Market  MarketConfig  `yaml:"market"`
	Trend   TrendConfig   `yaml:"trend"`
	Bots    BotsConfig    `yaml:"bots"`
	Storage StorageConfig `yaml:"storage"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	CORSOrigin      string        `yaml:"cors_origin"`
	AdminSecret     string        `yaml:"admin_secret"`
	ResetInterval   time.Duration `yaml:"reset_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ClientBuffer    int           `yaml:"client_buffer"`
}

type MarketConfig struct {
	InitialPrice    float64       `yaml:"initial_price"`
	InitialSupply   float64       `yaml:"initial_supply"`
	MinPrice        float64       `yaml:"min_price"`
	StartingDollars float64       `yaml:"starting_dollars"`
	CandlePeriod    time.Duration `yaml:"candle_period"`
	CandleHistory   int           `yaml:"candle_history"`
	HistoryLimit    int           `yaml:"history_limit"`
	WarmupRounds    int           `yaml:"warmup_rounds"`
	WarmupTrades    int           `yaml:"warmup_trades"`
}

type TrendConfig struct {
	Window              int           `yaml:"window"`
	DeepThreshold       float64       `yaml:"deep_threshold"`
	StagnationThreshold float64       `yaml:"stagnation_threshold"`
	RugWindow           time.Duration `yaml:"rug_window"`
	RugDrop             float64       `yaml:"rug_drop"`
	RugCooldown         time.Duration `yaml:"rug_cooldown"`
}

type BotsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	StartOnFirstTrade bool          `yaml:"start_on_first_trade"`
	Population        int           `yaml:"population"`
	WhaleShare        float64       `yaml:"whale_share"`
	SniperShare       float64       `yaml:"sniper_share"`
	RuggerShare       float64       `yaml:"rugger_share"`
	MaxAgents         int           `yaml:"max_agents"`
	SpawnBatch        int           `yaml:"spawn_batch"`
	SpawnInterval     time.Duration `yaml:"spawn_interval"`
	ReviveInterval    time.Duration `yaml:"revive_interval"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	CooldownMin       time.Duration `yaml:"cooldown_min"`
	CooldownMax       time.Duration `yaml:"cooldown_max"`
	MemorySize        int           `yaml:"memory_size"`
	Seed              int64         `yaml:"seed"`
}

type StorageConfig struct {
	Driver           string        `yaml:"driver"` // file, postgres or none
	Dir              string        `yaml:"dir"`
	DatabaseURL      string        `yaml:"database_url"`
	AccountsInterval time.Duration `yaml:"accounts_interval"`
	MarketInterval   time.Duration `yaml:"market_interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Default returns the live game settings.
func Default() *Config {
	ec := engine.DefaultConfig()
	bc := bots.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			CORSOrigin:      "*",
			ShutdownTimeout: 10 * time.Second,
			ClientBuffer:    8,
		},
		Market: MarketConfig{
			InitialPrice:    ec.InitialPrice,
			InitialSupply:   ec.InitialSupply,
			MinPrice:        ec.MinPrice,
			StartingDollars: ec.StartingDollars,
			CandlePeriod:    ec.CandlePeriod,
			CandleHistory:   ec.CandleHistory,
			HistoryLimit:    ec.HistoryLimit,
			WarmupTrades:    20,
		},
		Trend: TrendConfig{
			Window:              ec.Trend.Window,
			DeepThreshold:       ec.Trend.DeepThreshold,
			StagnationThreshold: ec.Trend.StagnationThreshold,
			RugWindow:           ec.Trend.RugWindow,
			RugDrop:             ec.Trend.RugDrop,
			RugCooldown:         ec.Trend.RugCooldown,
		},
		Bots: BotsConfig{
			Enabled:           true,
			StartOnFirstTrade: bc.StartOnFirstTrade,
			Population:        bc.Population,
			WhaleShare:        bc.WhaleShare,
			SniperShare:       bc.SniperShare,
			RuggerShare:       bc.RuggerShare,
			MaxAgents:         bc.MaxAgents,
			SpawnBatch:        bc.SpawnBatch,
			SpawnInterval:     bc.SpawnInterval,
			ReviveInterval:    bc.ReviveInterval,
			TickInterval:      bc.TickInterval,
			CooldownMin:       bc.CooldownMin,
			CooldownMax:       bc.CooldownMax,
			MemorySize:        bc.MemorySize,
			Seed:              bc.Seed,
		},
		Storage: StorageConfig{
			Driver:           "file",
			Dir:              "data",
			AccountsInterval: time.Minute,
			MarketInterval:   5 * time.Second,
			Timeout:          5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file and the environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is fine; real environment variables win over it.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.CORSOrigin = getEnv("CORS_ORIGIN", c.Server.CORSOrigin)
	c.Server.AdminSecret = getEnv("ADMIN_SECRET", c.Server.AdminSecret)
	c.Server.ResetInterval = parseDurationEnv("RESET_INTERVAL", c.Server.ResetInterval)

	c.Market.InitialPrice = parseFloatEnv("INITIAL_PRICE", c.Market.InitialPrice)
	c.Market.InitialSupply = parseFloatEnv("INITIAL_SUPPLY", c.Market.InitialSupply)
	c.Market.StartingDollars = parseFloatEnv("STARTING_DOLLARS", c.Market.StartingDollars)
	c.Market.CandlePeriod = parseDurationEnv("CANDLE_PERIOD", c.Market.CandlePeriod)
	c.Market.WarmupRounds = int(parseIntEnv("WARMUP_ROUNDS", int64(c.Market.WarmupRounds)))

	c.Bots.Enabled = parseBoolEnv("BOTS_ENABLED", c.Bots.Enabled)
	c.Bots.StartOnFirstTrade = parseBoolEnv("BOTS_START_ON_FIRST_TRADE", c.Bots.StartOnFirstTrade)
	c.Bots.Population = int(parseIntEnv("BOT_POPULATION", int64(c.Bots.Population)))
	c.Bots.MaxAgents = int(parseIntEnv("BOT_MAX_AGENTS", int64(c.Bots.MaxAgents)))
	c.Bots.TickInterval = parseDurationEnv("BOT_TICK_INTERVAL", c.Bots.TickInterval)
	c.Bots.Seed = parseIntEnv("BOT_SEED", c.Bots.Seed)

	c.Storage.Driver = strings.ToLower(getEnv("STORAGE_DRIVER", c.Storage.Driver))
	c.Storage.Dir = getEnv("DATA_DIR", c.Storage.Dir)
	c.Storage.DatabaseURL = getEnv("DATABASE_URL", c.Storage.DatabaseURL)
	c.Storage.AccountsInterval = parseDurationEnv("PERSIST_ACCOUNTS_INTERVAL", c.Storage.AccountsInterval)
	c.Storage.MarketInterval = parseDurationEnv("PERSIST_MARKET_INTERVAL", c.Storage.MarketInterval)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.ListenAddr == "" {
		problems = append(problems, "server.listen_addr is required")
	}
	if c.Market.InitialPrice <= 0 || c.Market.InitialSupply <= 0 {
		problems = append(problems, "market.initial_price and market.initial_supply must be positive")
	}
	if c.Market.StartingDollars < 0 {
		problems = append(problems, "market.starting_dollars must not be negative")
	}
	if c.Trend.RugDrop < 0 || c.Trend.RugDrop >= 1 {
		problems = append(problems, "trend.rug_drop must be in [0, 1)")
	}
	if shares := c.Bots.WhaleShare + c.Bots.SniperShare; c.Bots.WhaleShare < 0 || c.Bots.SniperShare < 0 || shares > 1 {
		problems = append(problems, "bots.whale_share and bots.sniper_share must be non-negative and sum to at most 1")
	}
	if c.Bots.RuggerShare < 0 || c.Bots.RuggerShare > 1 {
		problems = append(problems, "bots.rugger_share must be in [0, 1]")
	}
	switch c.Storage.Driver {
	case "file":
		if c.Storage.Dir == "" {
			problems = append(problems, "storage.dir is required for the file driver")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			problems = append(problems, "storage.database_url is required for the postgres driver")
		}
	case "none":
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// EngineConfig converts the market and trend sections.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.InitialPrice = c.Market.InitialPrice
	ec.InitialSupply = c.Market.InitialSupply
	ec.MinPrice = c.Market.MinPrice
	ec.StartingDollars = c.Market.StartingDollars
	ec.CandlePeriod = c.Market.CandlePeriod
	ec.CandleHistory = c.Market.CandleHistory
	ec.HistoryLimit = c.Market.HistoryLimit
	ec.Trend = c.trendConfig()
	return ec
}

func (c *Config) trendConfig() engine.TrendConfig {
	return engine.TrendConfig{
		Window:              c.Trend.Window,
		DeepThreshold:       c.Trend.DeepThreshold,
		StagnationThreshold: c.Trend.StagnationThreshold,
		RugWindow:           c.Trend.RugWindow,
		RugDrop:             c.Trend.RugDrop,
		RugCooldown:         c.Trend.RugCooldown,
	}
}

// SwarmConfig converts the bots section. The swarm shares the market's
// trend settings and uses its initial price as reference.
func (c *Config) SwarmConfig() bots.Config {
	return bots.Config{
		Population:        c.Bots.Population,
		WhaleShare:        c.Bots.WhaleShare,
		SniperShare:       c.Bots.SniperShare,
		RuggerShare:       c.Bots.RuggerShare,
		MaxAgents:         c.Bots.MaxAgents,
		SpawnBatch:        c.Bots.SpawnBatch,
		SpawnInterval:     c.Bots.SpawnInterval,
		ReviveInterval:    c.Bots.ReviveInterval,
		TickInterval:      c.Bots.TickInterval,
		CooldownMin:       c.Bots.CooldownMin,
		CooldownMax:       c.Bots.CooldownMax,
		MemorySize:        c.Bots.MemorySize,
		Seed:              c.Bots.Seed,
		ReferencePrice:    c.Market.InitialPrice,
		Trend:             c.trendConfig(),
		StartOnFirstTrade: c.Bots.StartOnFirstTrade,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Err(err).Int64("fallback", defaultValue).Msg("invalid integer setting")
		return defaultValue
	}
	return parsed
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Err(err).Float64("fallback", defaultValue).Msg("invalid number setting")
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Err(err).Bool("fallback", defaultValue).Msg("invalid boolean setting")
		return defaultValue
	}
	return parsed
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Err(err).Dur("fallback", defaultValue).Msg("invalid duration setting")
		return defaultValue
	}
	return parsed
}
