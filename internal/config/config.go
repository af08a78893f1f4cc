// Package config loads and validates the multi-exchange YAML configuration,
// overlaying per-exchange credentials from a .env file so secrets never live
// in the checked-in config.yaml. Load/setDefaults/Validate follow the
// teacher's internal/config.Load shape.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"marketfeed/internal/model"
)

// Credentials holds one exchange's API identity. Passphrase (not Password)
// per the Open Question resolution: the source carried two divergent
// ExchangeConfig shapes and the venue-standard term is used here.
type Credentials struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase,omitempty"`
	ProxyURL   string `yaml:"proxy_url,omitempty"`
	Testnet    bool   `yaml:"testnet"`
}

// ExchangeEntry pairs an exchange tag with its credentials and the
// subscriptions to establish on connect.
type ExchangeEntry struct {
	Exchange      model.ExchangeId     `yaml:"exchange"`
	Credentials   Credentials          `yaml:"credentials"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// SubscriptionConfig is the YAML-facing form of model.Subscription.
type SubscriptionConfig struct {
	Channel  string `yaml:"channel"`
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval,omitempty"`
}

// AppConfig carries application-wide settings, mirroring the teacher's
// AppConfig shape.
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file,omitempty"`
}

// MultiExchangeConfig is the root configuration document.
type MultiExchangeConfig struct {
	App                   AppConfig       `yaml:"app"`
	Exchanges             []ExchangeEntry `yaml:"exchanges"`
	DefaultTimeoutSeconds int             `yaml:"default_timeout_seconds"`
	RetryAttemptCap       int             `yaml:"retry_attempt_cap"`
	MetricsAddr           string          `yaml:"metrics_addr,omitempty"`
}

// Load reads path as YAML, overlays credentials from envPath (if non-empty
// and present) using <EXCHANGE>_API_KEY / <EXCHANGE>_SECRET_KEY /
// <EXCHANGE>_PASSPHRASE naming, applies defaults and validates.
func Load(path, envPath string) (*MultiExchangeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg MultiExchangeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if envPath != "" {
		if err := overlayEnv(&cfg, envPath); err != nil {
			return nil, err
		}
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// overlayEnv loads envPath with godotenv and fills in any credential field
// left blank in the YAML document. A missing envPath is not an error — the
// caller may have populated credentials entirely in config.yaml or the
// process environment already.
func overlayEnv(cfg *MultiExchangeConfig, envPath string) error {
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}

	for i := range cfg.Exchanges {
		entry := &cfg.Exchanges[i]
		prefix := envPrefix(entry.Exchange)
		if entry.Credentials.APIKey == "" {
			entry.Credentials.APIKey = os.Getenv(prefix + "_API_KEY")
		}
		if entry.Credentials.SecretKey == "" {
			entry.Credentials.SecretKey = os.Getenv(prefix + "_SECRET_KEY")
		}
		if entry.Credentials.Passphrase == "" {
			entry.Credentials.Passphrase = os.Getenv(prefix + "_PASSPHRASE")
		}
	}
	return nil
}

func envPrefix(ex model.ExchangeId) string {
	return strings.ToUpper(strings.ReplaceAll(string(ex), "-", "_"))
}

func (c *MultiExchangeConfig) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "marketfeed"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.DefaultTimeoutSeconds == 0 {
		c.DefaultTimeoutSeconds = 10
	}
	if c.RetryAttemptCap == 0 {
		c.RetryAttemptCap = 20
	}
}

// Validate checks required fields and reports every problem found rather
// than failing on the first, per the teacher's Validate style.
func (c *MultiExchangeConfig) Validate() error {
	var errs []string

	if len(c.Exchanges) == 0 {
		errs = append(errs, "exchanges: at least one exchange must be configured")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: invalid level %q, valid values: debug, info, warn, error", c.App.LogLevel))
	}

	for i, entry := range c.Exchanges {
		if !entry.Exchange.Known() {
			errs = append(errs, fmt.Sprintf("exchanges[%d].exchange: unknown exchange tag %q", i, entry.Exchange))
			continue
		}
		if !entry.Exchange.SupportsWebSocket() {
			errs = append(errs, fmt.Sprintf("exchanges[%d].exchange: %s has no WebSocket driver", i, entry.Exchange))
		}
		for j, sub := range entry.Subscriptions {
			if sub.Channel == "" {
				errs = append(errs, fmt.Sprintf("exchanges[%d].subscriptions[%d].channel: must not be empty", i, j))
			}
			if sub.Symbol == "" && model.Channel(sub.Channel) != model.AccountBalance && model.Channel(sub.Channel) != model.Orders {
				errs = append(errs, fmt.Sprintf("exchanges[%d].subscriptions[%d].symbol: must not be empty", i, j))
			}
		}
	}

	if c.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, "default_timeout_seconds: must be positive")
	}
	if c.RetryAttemptCap < 0 {
		errs = append(errs, "retry_attempt_cap: must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ToSubscriptions converts an entry's YAML subscription list into model
// types, resolving AccountSymbol for private channels left symbol-less.
func (e ExchangeEntry) ToSubscriptions() []model.Subscription {
	subs := make([]model.Subscription, 0, len(e.Subscriptions))
	for _, s := range e.Subscriptions {
		sym := model.Symbol(strings.ToUpper(s.Symbol))
		ch := model.Channel(s.Channel)
		if sym == "" && ch.IsPrivate() {
			sym = model.AccountSymbol
		}
		subs = append(subs, model.Subscription{Channel: ch, Symbol: sym, Interval: s.Interval})
	}
	return subs
}
