// Package config loads service configuration from defaults, an optional
// YAML file and CHECKOUT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP     HTTP     `mapstructure:"http"`
	Log      Log      `mapstructure:"log"`
	Database Database `mapstructure:"database"`
	Gateway  Gateway  `mapstructure:"gateway"`
	Stripe   Stripe   `mapstructure:"stripe"`
	Checkout Checkout `mapstructure:"checkout"`
	Catalog  Catalog  `mapstructure:"catalog"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Outbox   Outbox   `mapstructure:"outbox"`
}

type HTTP struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Database.URL empty selects the in-memory stores.
type Database struct {
	URL string `mapstructure:"url"`
}

type Gateway struct {
	Provider       string        `mapstructure:"provider"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type Stripe struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Require3DS    bool   `mapstructure:"require_3ds"`
}

// Checkout amounts are in minor units.
type Checkout struct {
	Currency          string   `mapstructure:"currency"`
	AllowedCurrencies []string `mapstructure:"allowed_currencies"`
	MinAmount         int64    `mapstructure:"min_amount"`
	MaxAmount         int64    `mapstructure:"max_amount"`
}

type Catalog struct {
	File string `mapstructure:"file"`
}

type Kafka struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

type Outbox struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// Gateway providers.
const (
	ProviderFake   = "fake"
	ProviderStripe = "stripe"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.url", "")
	v.SetDefault("gateway.provider", ProviderFake)
	v.SetDefault("gateway.timeout", 5*time.Second)
	v.SetDefault("gateway.max_concurrency", 32)
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.require_3ds", false)
	v.SetDefault("checkout.currency", "usd")
	v.SetDefault("checkout.allowed_currencies", []string{"usd", "eur", "gbp"})
	v.SetDefault("checkout.min_amount", 50)
	v.SetDefault("checkout.max_amount", 99999900)
	v.SetDefault("catalog.file", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "checkout.fulfillment")
	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.batch_size", 100)
}

// Load reads the configuration. path may be empty.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHECKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var currencyCode = regexp.MustCompile(`^[a-z]{3}$`)

func (c *Config) normalize() {
	c.Gateway.Provider = strings.ToLower(strings.TrimSpace(c.Gateway.Provider))
	c.Checkout.Currency = strings.ToLower(strings.TrimSpace(c.Checkout.Currency))

	var allowed []string
	for _, cur := range c.Checkout.AllowedCurrencies {
		for _, part := range strings.Split(cur, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				allowed = append(allowed, part)
			}
		}
	}
	c.Checkout.AllowedCurrencies = allowed
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Gateway.Provider {
	case ProviderFake:
	case ProviderStripe:
		if c.Stripe.SecretKey == "" {
			errs = append(errs, errors.New("stripe.secret_key is required for the stripe provider"))
		}
		if c.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("stripe.webhook_secret is required for the stripe provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.provider %q: want %q or %q", c.Gateway.Provider, ProviderFake, ProviderStripe))
	}

	if c.Checkout.MinAmount <= 0 {
		errs = append(errs, errors.New("checkout.min_amount must be positive"))
	}
	if c.Checkout.MinAmount > c.Checkout.MaxAmount {
		errs = append(errs, errors.New("checkout.min_amount exceeds checkout.max_amount"))
	}
	if len(c.Checkout.AllowedCurrencies) == 0 {
		errs = append(errs, errors.New("checkout.allowed_currencies is empty"))
	}
	inList := false
	for _, cur := range c.Checkout.AllowedCurrencies {
		if !currencyCode.MatchString(cur) {
			errs = append(errs, fmt.Errorf("checkout.allowed_currencies: %q is not a 3-letter code", cur))
		}
		inList = inList || cur == c.Checkout.Currency
	}
	if !inList {
		errs = append(errs, fmt.Errorf("checkout.currency %q is not allowed", c.Checkout.Currency))
	}

	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, errors.New("http.request_timeout must be positive"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}

	return errors.Join(errs...)
}
