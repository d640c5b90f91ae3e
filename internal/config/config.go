// Package config loads the paywall service configuration from YAML with
// X402_* environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/x402"
)

// Defaults
const (
	DefaultListenAddress = ":8402"
	DefaultLedgerTimeout = 5 * time.Second
	DefaultCredits       = 1
)

// Config is the top-level configuration of the paywall commands.
type Config struct {
	// ListenAddress is the TCP address to listen on. Defaults to :8402.
	ListenAddress string `yaml:"listen_address"`

	// Upstream is the backend the gateway protects (gateway only).
	Upstream string `yaml:"upstream"`

	// ResourceID identifies the owning resource at the ledger.
	ResourceID string `yaml:"resource_id"`

	// ServerName is the authority of logical identifiers (mcp://{server_name}/...).
	ServerName string `yaml:"server_name"`

	Ledger LedgerConfig `yaml:"ledger"`

	// RedemptionPolicy is "ignore" (default) or "propagate".
	RedemptionPolicy string `yaml:"redemption_policy"`

	// DisableTrailer stops streamed results from ending with a payment item.
	DisableTrailer bool `yaml:"disable_trailer"`

	// ExemptPaths lists path prefixes served without payment.
	ExemptPaths []string `yaml:"exempt_paths"`

	// Credits is the default cost of a call. Defaults to 1.
	Credits int64 `yaml:"credits"`

	// Routes maps path prefixes to their cost; the longest prefix wins.
	Routes map[string]int64 `yaml:"routes"`

	// Redemption tunes deferred task settlements per resource.
	Redemption map[string]paywall.RedemptionConfig `yaml:"redemption"`

	Document DocumentConfig `yaml:"document"`

	// MetricsPath serves settlement metrics when set (e.g. /metrics).
	MetricsPath string `yaml:"metrics_path"`

	// LogLevel is a zerolog level name. Defaults to info.
	LogLevel string `yaml:"log_level"`
}

// LedgerConfig locates the remote ledger.
type LedgerConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DocumentConfig shapes the payment-required document.
type DocumentConfig struct {
	Scheme      string `yaml:"scheme"`
	Network     string `yaml:"network"`
	Description string `yaml:"description"`
}

// Load reads the configuration from path, applies environment overrides
// and defaults. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"X402_LISTEN_ADDR":       &c.ListenAddress,
		"X402_BACKEND_URL":       &c.Upstream,
		"X402_RESOURCE_ID":       &c.ResourceID,
		"X402_SERVER_NAME":       &c.ServerName,
		"X402_LEDGER_URL":        &c.Ledger.Endpoint,
		"X402_LEDGER_API_KEY":    &c.Ledger.APIKey,
		"X402_REDEMPTION_POLICY": &c.RedemptionPolicy,
		"X402_METRICS_PATH":      &c.MetricsPath,
		"X402_LOG_LEVEL":         &c.LogLevel,
	}
	for name, dst := range strs {
		if env := os.Getenv(name); env != "" {
			*dst = env
		}
	}

	if env := os.Getenv("X402_EXEMPT_PATHS"); env != "" {
		c.ExemptPaths = splitList(env)
	}
	if env := os.Getenv("X402_CREDITS"); env != "" {
		n, err := strconv.ParseInt(env, 10, 64)
		if err != nil {
			return fmt.Errorf("X402_CREDITS: %w", err)
		}
		c.Credits = n
	}
	if env := os.Getenv("X402_LEDGER_TIMEOUT"); env != "" {
		d, err := time.ParseDuration(env)
		if err != nil {
			return fmt.Errorf("X402_LEDGER_TIMEOUT: %w", err)
		}
		c.Ledger.Timeout = d
	}
	if env := os.Getenv("X402_DISABLE_TRAILER"); env != "" {
		b, err := strconv.ParseBool(env)
		if err != nil {
			return fmt.Errorf("X402_DISABLE_TRAILER: %w", err)
		}
		c.DisableTrailer = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.Ledger.Timeout == 0 {
		c.Ledger.Timeout = DefaultLedgerTimeout
	}
	if c.Credits == 0 {
		c.Credits = DefaultCredits
	}
	if c.RedemptionPolicy == "" {
		c.RedemptionPolicy = string(paywall.PolicyIgnore)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks that the configuration is usable by a paid service.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ResourceID) == "" {
		return fmt.Errorf("resource_id is required")
	}
	if c.Ledger.Endpoint == "" {
		return fmt.Errorf("ledger.endpoint is required")
	}
	if _, err := url.ParseRequestURI(c.Ledger.Endpoint); err != nil {
		return fmt.Errorf("ledger.endpoint: %w", err)
	}
	if c.Upstream != "" {
		if _, err := url.ParseRequestURI(c.Upstream); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}

	switch paywall.PolicyMode(c.RedemptionPolicy) {
	case paywall.PolicyIgnore, paywall.PolicyPropagate:
	default:
		return fmt.Errorf("unknown redemption_policy %q (supported: ignore, propagate)", c.RedemptionPolicy)
	}

	if c.Credits < 0 {
		return fmt.Errorf("credits must not be negative")
	}
	for prefix, credits := range c.Routes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("route %q: prefix must start with /", prefix)
		}
		if credits < 0 {
			return fmt.Errorf("route %q: credits must not be negative", prefix)
		}
	}
	for resource, rc := range c.Redemption {
		if rc.MarginPercent != nil && *rc.MarginPercent < 0 {
			return fmt.Errorf("redemption %q: margin_percent must not be negative", resource)
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Policy returns the redemption policy
func (c *Config) Policy() paywall.RedemptionPolicy {
	return paywall.RedemptionPolicy{Mode: paywall.PolicyMode(c.RedemptionPolicy)}
}

// Level returns the configured log level, info when unparsable
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// CallCredits returns the cost option for endpoint calls: the route with
// the longest matching path prefix, else the default.
func (c *Config) CallCredits() paywall.Credits {
	if len(c.Routes) == 0 {
		return paywall.Fixed(c.Credits)
	}
	routes := c.Routes
	fallback := c.Credits
	return paywall.Dynamic(func(cc paywall.CreditsContext) int64 {
		path := cc.Request.LogicalResourceID
		if u, err := url.Parse(path); err == nil && u.Path != "" {
			path = u.Path
		}
		best, credits := -1, fallback
		for prefix, n := range routes {
			if strings.HasPrefix(path, prefix) && len(prefix) > best {
				best, credits = len(prefix), n
			}
		}
		return credits
	})
}

// PaymentDocument returns the payment-required document settings
func (c *Config) PaymentDocument() x402.DocumentConfig {
	return x402.DocumentConfig{
		Scheme:      x402.SchemeType(c.Document.Scheme),
		Network:     x402.NetworkType(c.Document.Network),
		Description: c.Document.Description,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
