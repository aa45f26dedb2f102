// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment names the deployment tier.
type Environment string

const (
	// EnvDev is the local development environment.
	EnvDev Environment = "dev"
	// EnvStaging is the pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProd is the production environment.
	EnvProd Environment = "prod"
)

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig selects the persistence backend. A non-empty PostgresDSN
// selects Postgres; otherwise state lives in JSON documents under DataDir.
type StoreConfig struct {
	DataDir     string `yaml:"dataDir"`
	PostgresDSN string `yaml:"postgresDSN"`
}

// BusConfig sets in-memory event bus sizing characteristics.
type BusConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// VenueConfig holds one venue's endpoints and credentials. Empty credentials
// leave the venue in public-only mode; PublicOnly forces it even when
// credentials are present.
type VenueConfig struct {
	APIKey      string `yaml:"apiKey"`
	APISecret   string `yaml:"apiSecret"`
	RESTBaseURL string `yaml:"restBaseURL"`
	WSBaseURL   string `yaml:"wsBaseURL"`
	PublicOnly  bool   `yaml:"publicOnly"`
}

// RiskConfig defines the global order-flow limits.
type RiskConfig struct {
	MaxOrderQty      decimal.Decimal `yaml:"maxOrderQty"`
	MaxDailyNotional decimal.Decimal `yaml:"maxDailyNotional"`
	OrderThrottle    float64         `yaml:"orderThrottle"`
}

// RegistryConfig bounds monitoring pair parameters.
type RegistryConfig struct {
	MinSliceQty decimal.Decimal `yaml:"minSliceQty"`
}

// DetectorConfig tunes pair evaluation. Durations are Go duration strings.
type DetectorConfig struct {
	MinTick         string  `yaml:"minTick"`
	MaxStaleness    string  `yaml:"maxStaleness"`
	VolatilityBoost float64 `yaml:"volatilityBoost"`
}

// MinTickDuration returns the parsed tick floor, zero when unset.
func (c DetectorConfig) MinTickDuration() time.Duration {
	return parseDuration(c.MinTick)
}

// MaxStalenessDuration returns the parsed quote staleness bound, zero when unset.
func (c DetectorConfig) MaxStalenessDuration() time.Duration {
	return parseDuration(c.MaxStaleness)
}

// TwapConfig tunes plan validation.
type TwapConfig struct {
	MinInterval string `yaml:"minInterval"`
}

// MinIntervalDuration returns the parsed interval floor, zero when unset.
func (c TwapConfig) MinIntervalDuration() time.Duration {
	return parseDuration(c.MinInterval)
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// Config is the unified application configuration sourced from YAML with
// environment variable overrides.
type Config struct {
	Environment Environment            `yaml:"environment"`
	Server      ServerConfig           `yaml:"server"`
	Store       StoreConfig            `yaml:"store"`
	Bus         BusConfig              `yaml:"bus"`
	Venues      map[string]VenueConfig `yaml:"venues"`
	Risk        RiskConfig             `yaml:"risk"`
	Registry    RegistryConfig         `yaml:"registry"`
	Detector    DetectorConfig         `yaml:"detector"`
	Twap        TwapConfig             `yaml:"twap"`
	Telemetry   TelemetryConfig        `yaml:"telemetry"`
	Verbose     bool                   `yaml:"verbose"`
}

// Default returns the baseline configuration before YAML and env merging.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Server:      ServerConfig{Addr: ":8880"},
		Store:       StoreConfig{DataDir: "data"},
		Bus:         BusConfig{BufferSize: 1024, FanoutWorkers: 4},
		Venues:      map[string]VenueConfig{},
		Registry:    RegistryConfig{MinSliceQty: decimal.New(1, -6)},
		Detector: DetectorConfig{
			MinTick:      "250ms",
			MaxStaleness: "5s",
		},
		Twap: TwapConfig{MinInterval: "500ms"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "straddle",
			EnableMetrics: true,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file,
// then environment overrides. An empty path falls back to STRADDLE_CONFIG
// and then config/straddle.yaml; a missing default file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != "" || strings.TrimSpace(os.Getenv("STRADDLE_CONFIG")) != ""
	if err := cfg.loadYAML(path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return Config{}, err
		}
	}
	cfg.loadEnv()
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("STRADDLE_CONFIG"))
	}
	if path == "" {
		path = "config/straddle.yaml"
	}

	raw, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("STRADDLE_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("STRADDLE_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("STRADDLE_DATA_DIR")); v != "" {
		c.Store.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("STRADDLE_POSTGRES_DSN")); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
	if os.Getenv("STRADDLE_VERBOSE") == "true" {
		c.Verbose = true
	}
	if v := strings.TrimSpace(os.Getenv("STRADDLE_MAX_ORDER_QTY")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			c.Risk.MaxOrderQty = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("STRADDLE_MAX_DAILY_NOTIONAL")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			c.Risk.MaxDailyNotional = d
		}
	}

	for _, name := range []string{"bybit", "binance"} {
		prefix := strings.ToUpper(name)
		key := strings.TrimSpace(os.Getenv(prefix + "_API_KEY"))
		secret := strings.TrimSpace(os.Getenv(prefix + "_API_SECRET"))
		publicOnly := os.Getenv(prefix+"_PUBLIC_ONLY") == "true"
		if key == "" && secret == "" && !publicOnly {
			continue
		}
		vc := c.Venues[name]
		if key != "" {
			vc.APIKey = key
		}
		if secret != "" {
			vc.APISecret = secret
		}
		if publicOnly {
			vc.PublicOnly = true
		}
		if c.Venues == nil {
			c.Venues = map[string]VenueConfig{}
		}
		c.Venues[name] = vc
	}
}

func (c *Config) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Store.DataDir = strings.TrimSpace(c.Store.DataDir)
	c.Store.PostgresDSN = strings.TrimSpace(c.Store.PostgresDSN)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	normalised := make(map[string]VenueConfig, len(c.Venues))
	for name, vc := range c.Venues {
		normalised[strings.ToLower(strings.TrimSpace(name))] = vc
	}
	c.Venues = normalised

	if c.Bus.BufferSize <= 0 {
		c.Bus.BufferSize = 1024
	}
	if c.Bus.FanoutWorkers <= 0 {
		c.Bus.FanoutWorkers = 4
	}
}

// Validate performs semantic validation on the effective configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Store.PostgresDSN == "" && c.Store.DataDir == "" {
		return fmt.Errorf("store requires a postgresDSN or a dataDir")
	}

	if c.Risk.OrderThrottle < 0 {
		return fmt.Errorf("risk orderThrottle must be >= 0")
	}
	if c.Risk.MaxOrderQty.IsNegative() {
		return fmt.Errorf("risk maxOrderQty must be >= 0")
	}
	if c.Risk.MaxDailyNotional.IsNegative() {
		return fmt.Errorf("risk maxDailyNotional must be >= 0")
	}
	if !c.Registry.MinSliceQty.IsPositive() {
		return fmt.Errorf("registry minSliceQty must be > 0")
	}

	for field, raw := range map[string]string{
		"detector minTick":      c.Detector.MinTick,
		"detector maxStaleness": c.Detector.MaxStaleness,
		"twap minInterval":      c.Twap.MinInterval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if c.Detector.VolatilityBoost < 0 {
		return fmt.Errorf("detector volatilityBoost must be >= 0")
	}

	if c.Telemetry.EnableMetrics && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func parseDuration(raw string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return d
}
