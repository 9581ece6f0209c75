package config

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is loaded from APOTEK_-prefixed environment variables, an optional
// .env file and an optional config.yaml.
type Config struct {
	Addr          string `default:"0.0.0.0:8080" usage:"HTTP listen address"`
	AllowedOrigin string `default:"http://127.0.0.1:3000" usage:"CORS origin of the register UI"`
	DatabaseURL   string `env:"DATABASE_URL" usage:"PostgreSQL URL; empty runs on the in-memory store"`
	Redis         RedisConfig
	Auth          AuthConfig
	Sales         SalesConfig
	Graceful      GracefulConfig
}

type RedisConfig struct {
	Addr     string `usage:"Redis address; empty disables the product cache"`
	Password string
	DB       int `default:"0"`
}

type AuthConfig struct {
	Secret         string        `usage:"JWT signing secret, at least 32 bytes"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" default:"8h"`
	ManagerPIN     string        `env:"MANAGER_PIN" usage:"PIN for voids and price override approval"`
}

type SalesConfig struct {
	Timezone        string        `default:"Asia/Jakarta" usage:"Timezone of the business day"`
	TaxRate         string        `default:"0.11" usage:"VAT as a fraction"`
	PaymentMethods  []string      `default:"cash,card,qris,ewallet,insurance"`
	CashMethods     []string      `default:"cash"`
	CatalogCacheTTL time.Duration `env:"CATALOG_CACHE_TTL" default:"5m"`
}

type GracefulConfig struct {
	ShutdownTimeout time.Duration `default:"15s"`
}

func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "APOTEK",
		SkipFlags: true,
		Files:     []string{"config.yaml", "/etc/apotek/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	cfg.Auth.Secret = strings.TrimSpace(cfg.Auth.Secret)
	cfg.Auth.ManagerPIN = strings.TrimSpace(cfg.Auth.ManagerPIN)

	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	if _, err := cfg.TaxRate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults honours the unprefixed DATABASE_URL and PORT that
// hosting platforms inject.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Sales.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "timezone %q", c.Sales.Timezone)
	}
	return loc, nil
}

func (c *Config) TaxRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Sales.TaxRate))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "tax rate %q", c.Sales.TaxRate)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, errors.Errorf("tax rate %s must be a fraction in [0, 1)", rate)
	}
	return rate, nil
}
