package params

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/storage/postgres"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverPebble   = "pebble"
	DriverPostgres = "postgres"
)

type App struct {
	Name     string `env:"NAME" envDefault:"hyperspot"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFile tees logs to a file in addition to stdout. Empty means stdout only.
	LogFile string `env:"LOG_FILE"`
}

type API struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Store struct {
	Driver string `env:"DRIVER" envDefault:"memory"` // memory, pebble, postgres
	Path   string `env:"PATH" envDefault:"data/hyperspot"`
}

type Kafka struct {
	// Brokers enables the kafka publisher when non-empty.
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"hyperspot.events"`
}

type Journal struct {
	// Path enables the JSON lines event journal when non-empty.
	Path string `env:"PATH"`
}

type Engine struct {
	// MarketFallbackPrice is used for market orders against an empty book.
	// Empty disables it.
	MarketFallbackPrice string `env:"MARKET_FALLBACK_PRICE"`
	DepthLimit          int    `env:"DEPTH_LIMIT" envDefault:"50"`
	TradesLimit         int    `env:"TRADES_LIMIT" envDefault:"50"`
	HistoryLimit        int    `env:"HISTORY_LIMIT" envDefault:"20"`
	MaxLimit            int    `env:"MAX_LIMIT" envDefault:"500"`
}

type Wallet struct {
	RequireKYC bool `env:"REQUIRE_KYC" envDefault:"false"`
}

type Markets struct {
	// Assets are SYMBOL:Name:precision entries.
	Assets  []string `env:"ASSETS" envDefault:"BTC:Bitcoin:8,ETH:Ether:8,USDT:Tether:2" envSeparator:","`
	Symbols []string `env:"SYMBOLS" envDefault:"BTC-USDT" envSeparator:","`
}

type Config struct {
	App      App             `envPrefix:"APP_"`
	API      API             `envPrefix:"API_"`
	Store    Store           `envPrefix:"STORE_"`
	Postgres postgres.Config `envPrefix:"POSTGRES_"`
	Kafka    Kafka           `envPrefix:"KAFKA_"`
	Journal  Journal         `envPrefix:"JOURNAL_"`
	Engine   Engine          `envPrefix:"ENGINE_"`
	Wallet   Wallet          `envPrefix:"WALLET_"`
	Markets  Markets         `envPrefix:"MARKETS_"`
}

// Default returns the built-in defaults without looking at the process
// environment.
func Default() Config {
	cfg, err := parse(map[string]string{})
	if err != nil {
		panic(fmt.Sprintf("params: invalid defaults: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg, err := parse(nil)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// parse reads environ, or the process environment when environ is nil.
func parse(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverPebble:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the %s driver", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if _, err := c.Engine.FallbackPrice(); err != nil {
		return err
	}
	if len(c.Markets.Symbols) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	return nil
}

// FallbackPrice parses MarketFallbackPrice. An empty value yields an invalid
// NullDecimal.
func (e Engine) FallbackPrice() (decimal.NullDecimal, error) {
	if e.MarketFallbackPrice == "" {
		return decimal.NullDecimal{}, nil
	}
	p, err := decimal.NewFromString(e.MarketFallbackPrice)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("ENGINE_MARKET_FALLBACK_PRICE: %w", err)
	}
	if !p.IsPositive() {
		return decimal.NullDecimal{}, fmt.Errorf("ENGINE_MARKET_FALLBACK_PRICE must be positive, got %s", p)
	}
	return decimal.NewNullDecimal(p), nil
}
