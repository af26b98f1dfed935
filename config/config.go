// Package config loads and validates the immutable runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable pointing at the config file.
const EnvConfigPath = "QUOTER_CONFIG"

// Binance client order ids are capped at 36 chars; the prefix must leave
// room for the 22-char random suffix.
const maxOrderIDPrefixLen = 13

// Duration wraps time.Duration with YAML support for both "5s" strings and
// plain second counts.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	if seconds, err := strconv.ParseFloat(text, 64); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Decimal wraps decimal.Decimal with YAML support.
type Decimal struct {
	decimal.Decimal
}

// UnmarshalYAML parses the scalar node as an exact decimal.
func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	text := strings.TrimSpace(node.Value)
	if text == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(text)
	if err != nil {
		return fmt.Errorf("decimal: invalid value %q", node.Value)
	}
	d.Decimal = parsed
	return nil
}

func dec(value string) Decimal {
	return Decimal{decimal.RequireFromString(value)}
}

// GridSettings parameterize the sample grid quoter.
type GridSettings struct {
	OrderNotional Decimal `yaml:"orderNotional"`
	HalfSpread    Decimal `yaml:"halfSpread"`
	PriceRange    Decimal `yaml:"priceRange"`
	Levels        int     `yaml:"levels"`
}

// TelemetrySettings configure the metrics exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings is the immutable configuration tree consumed by the core.
type Settings struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`

	Symbol  string `yaml:"symbol"`
	Testnet bool   `yaml:"testnet"`

	LoopInterval Duration `yaml:"loopInterval"`
	HTTPTimeout  Duration `yaml:"httpTimeout"`

	RelistTolerance Decimal `yaml:"relistTolerance"`
	TickSize        Decimal `yaml:"tickSize"`
	PostOnly        bool    `yaml:"postOnly"`
	OrderIDPrefix   string  `yaml:"orderIdPrefix"`

	CheckPositionLimits bool    `yaml:"checkPositionLimits"`
	MinPosition         Decimal `yaml:"minPosition"`
	MaxPosition         Decimal `yaml:"maxPosition"`
	OrderThrottle       float64 `yaml:"orderThrottle"`

	Grid      GridSettings      `yaml:"grid"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	LogLevel  string            `yaml:"logLevel"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Settings {
	return Settings{
		Symbol:              "btcusdt",
		Testnet:             true,
		LoopInterval:        Duration(5 * time.Second),
		HTTPTimeout:         Duration(10 * time.Second),
		RelistTolerance:     dec("0"),
		TickSize:            dec("0.1"),
		PostOnly:            true,
		OrderIDPrefix:       "bot_bf_",
		CheckPositionLimits: true,
		MinPosition:         dec("-10000"),
		MaxPosition:         dec("10000"),
		OrderThrottle:       10,
		Grid: GridSettings{
			OrderNotional: dec("50"),
			HalfSpread:    dec("3.5"),
			PriceRange:    dec("150"),
			Levels:        20,
		},
		Telemetry: TelemetrySettings{ServiceName: "quoter"},
		LogLevel:  "info",
	}
}

// Load reads the YAML file at path (or $QUOTER_CONFIG when path is empty),
// applies environment overrides, and validates the result.
func Load(path string) (Settings, error) {
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("BINANCE_API_KEY")); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET")); v != "" {
		cfg.APISecret = v
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" || strings.TrimSpace(s.APISecret) == "" {
		return fmt.Errorf("config: api credentials required")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("config: symbol required")
	}
	if s.LoopInterval.Std() <= 0 {
		return fmt.Errorf("config: loopInterval must be positive")
	}
	if s.HTTPTimeout.Std() <= 0 {
		return fmt.Errorf("config: httpTimeout must be positive")
	}
	if len(s.OrderIDPrefix) == 0 || len(s.OrderIDPrefix) > maxOrderIDPrefixLen {
		return fmt.Errorf("config: orderIdPrefix must be 1-%d characters", maxOrderIDPrefixLen)
	}
	if s.RelistTolerance.IsNegative() {
		return fmt.Errorf("config: relistTolerance must not be negative")
	}
	if !s.TickSize.IsPositive() {
		return fmt.Errorf("config: tickSize must be positive")
	}
	if s.CheckPositionLimits && s.MinPosition.GreaterThan(s.MaxPosition.Decimal) {
		return fmt.Errorf("config: minPosition must not exceed maxPosition")
	}
	if s.Grid.Levels <= 0 {
		return fmt.Errorf("config: grid.levels must be positive")
	}
	if !s.Grid.OrderNotional.IsPositive() {
		return fmt.Errorf("config: grid.orderNotional must be positive")
	}
	return nil
}
