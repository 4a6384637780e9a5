// ABOUTME: Configuration loading and parsing for fold-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/fold-relay/internal/conv"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Generator providers.
const (
	ProviderOpenAI  = "openai"
	ProviderGateway = "gateway"
)

// Config represents the complete fold-relay configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Matrix     MatrixConfig     `yaml:"matrix" toml:"matrix"`
	Generator  GeneratorConfig  `yaml:"generator" toml:"generator"`
	API        APIConfig        `yaml:"api" toml:"api"`
	Worker     WorkerConfig     `yaml:"worker" toml:"worker"`
	Aggregator AggregatorConfig `yaml:"aggregator" toml:"aggregator"`

	// Pipeline holds relay-wide overrides of the stock pipeline settings.
	Pipeline PipelineSettings `yaml:"pipeline" toml:"pipeline"`

	// Tenants and Conversations narrow Pipeline further. Conversation keys
	// are written "tenant:conversation".
	Tenants       map[string]PipelineSettings `yaml:"tenants" toml:"tenants"`
	Conversations map[string]PipelineSettings `yaml:"conversations" toml:"conversations"`

	conversations map[conv.Key]PipelineSettings
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MatrixConfig holds Matrix transport configuration
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Homeserver   string   `yaml:"homeserver" toml:"homeserver"`
	UserID       string   `yaml:"user_id" toml:"user_id"`
	AccessToken  string   `yaml:"access_token" toml:"access_token"`
	DeviceID     string   `yaml:"device_id" toml:"device_id"`
	Tenant       string   `yaml:"tenant" toml:"tenant"`
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	AllowedUsers []string `yaml:"allowed_users" toml:"allowed_users"`
	// Markdown sends chunks with an HTML formatted body alongside the plain text.
	Markdown bool `yaml:"markdown" toml:"markdown"`
	// Encryption enables E2EE. The crypto store lives next to the database.
	Encryption  bool   `yaml:"encryption" toml:"encryption"`
	RecoveryKey string `yaml:"recovery_key" toml:"recovery_key"`
}

// GeneratorConfig selects and configures the response generator
type GeneratorConfig struct {
	Provider string `yaml:"provider" toml:"provider"`

	OpenAI  OpenAIConfig  `yaml:"openai" toml:"openai"`
	Gateway GatewayConfig `yaml:"gateway" toml:"gateway"`
}

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint
type OpenAIConfig struct {
	APIKey       string  `yaml:"api_key" toml:"api_key"`
	BaseURL      string  `yaml:"base_url" toml:"base_url"`
	Model        string  `yaml:"model" toml:"model"`
	SystemPrompt string  `yaml:"system_prompt" toml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens"`
	Temperature  float32 `yaml:"temperature" toml:"temperature"`
}

// GatewayConfig points at a coven gateway's HTTP send API
type GatewayConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Token    string `yaml:"token" toml:"token"`
	Frontend string `yaml:"frontend" toml:"frontend"`
}

// APIConfig holds the operator API configuration
type APIConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Addr      string `yaml:"addr" toml:"addr"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// WorkerConfig holds delivery worker settings
type WorkerConfig struct {
	Concurrency        int           `yaml:"concurrency" toml:"concurrency"`
	StallThreshold     time.Duration `yaml:"-" toml:"-"`
	AutoRequeueStalled bool          `yaml:"auto_requeue_stalled" toml:"auto_requeue_stalled"`
	PollInterval       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StallThresholdRaw string `yaml:"stall_threshold" toml:"stall_threshold"`
	PollIntervalRaw   string `yaml:"poll_interval" toml:"poll_interval"`
}

// AggregatorConfig holds debounce buffer housekeeping settings
type AggregatorConfig struct {
	MaxFragmentAge  time.Duration `yaml:"-" toml:"-"`
	GenerateTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL       time.Duration `yaml:"-" toml:"-"`

	MaxFragmentAgeRaw  string `yaml:"max_fragment_age" toml:"max_fragment_age"`
	GenerateTimeoutRaw string `yaml:"generate_timeout" toml:"generate_timeout"`
	DedupeTTLRaw       string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content. isTOML selects the decoder.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the path to the relay config file.
// Priority: FOLD_RELAY_CONFIG env var > XDG_CONFIG_HOME/fold/relay.yaml > ~/.config/fold/relay.yaml
func DefaultPath() string {
	if envPath := os.Getenv("FOLD_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fold", "relay.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Generator.Provider == "" {
		c.Generator.Provider = ProviderOpenAI
	}
	if c.Generator.OpenAI.Model == "" {
		c.Generator.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Generator.Gateway.Frontend == "" {
		c.Generator.Gateway.Frontend = "fold-relay"
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8090"
	}
	if c.Matrix.Tenant == "" {
		c.Matrix.Tenant = "matrix"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalid)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json, got %q", ErrInvalid, c.Logging.Format)
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("%w: matrix.homeserver is required when matrix is enabled", ErrInvalid)
		}
		if err := checkHTTPURL(c.Matrix.Homeserver); err != nil {
			return fmt.Errorf("%w: matrix.homeserver: %w", ErrInvalid, err)
		}
		if c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return fmt.Errorf("%w: matrix.user_id and matrix.access_token are required when matrix is enabled", ErrInvalid)
		}
		if c.Matrix.Encryption && c.Matrix.DeviceID == "" {
			return fmt.Errorf("%w: matrix.device_id is required when encryption is enabled", ErrInvalid)
		}
	}
	if strings.Contains(c.Matrix.Tenant, ":") {
		return fmt.Errorf("%w: matrix.tenant must not contain ':'", ErrInvalid)
	}

	switch c.Generator.Provider {
	case ProviderOpenAI:
		if c.Generator.OpenAI.BaseURL != "" {
			if err := checkHTTPURL(c.Generator.OpenAI.BaseURL); err != nil {
				return fmt.Errorf("%w: generator.openai.base_url: %w", ErrInvalid, err)
			}
		}
	case ProviderGateway:
		if c.Generator.Gateway.URL == "" {
			return fmt.Errorf("%w: generator.gateway.url is required for the gateway provider", ErrInvalid)
		}
		if err := checkHTTPURL(c.Generator.Gateway.URL); err != nil {
			return fmt.Errorf("%w: generator.gateway.url: %w", ErrInvalid, err)
		}
	default:
		return fmt.Errorf("%w: generator.provider must be %s or %s, got %q",
			ErrInvalid, ProviderOpenAI, ProviderGateway, c.Generator.Provider)
	}

	if c.API.Enabled && c.API.JWTSecret == "" {
		return fmt.Errorf("%w: api.jwt_secret is required when the api is enabled", ErrInvalid)
	}

	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("%w: worker.concurrency must not be negative", ErrInvalid)
	}

	if err := c.Pipeline.validate(); err != nil {
		return fmt.Errorf("%w: pipeline: %w", ErrInvalid, err)
	}
	for tenant, s := range c.Tenants {
		if strings.Contains(tenant, ":") {
			return fmt.Errorf("%w: tenant %q must not contain ':'", ErrInvalid, tenant)
		}
		if err := s.validate(); err != nil {
			return fmt.Errorf("%w: tenants.%s: %w", ErrInvalid, tenant, err)
		}
	}
	for raw, s := range c.Conversations {
		if _, err := conv.ParseKey(raw); err != nil {
			return fmt.Errorf("%w: conversations.%s: %w", ErrInvalid, raw, err)
		}
		if err := s.validate(); err != nil {
			return fmt.Errorf("%w: conversations.%s: %w", ErrInvalid, raw, err)
		}
	}

	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"worker.stall_threshold", cfg.Worker.StallThresholdRaw, &cfg.Worker.StallThreshold},
		{"worker.poll_interval", cfg.Worker.PollIntervalRaw, &cfg.Worker.PollInterval},
		{"aggregator.max_fragment_age", cfg.Aggregator.MaxFragmentAgeRaw, &cfg.Aggregator.MaxFragmentAge},
		{"aggregator.generate_timeout", cfg.Aggregator.GenerateTimeoutRaw, &cfg.Aggregator.GenerateTimeout},
		{"aggregator.dedupe_ttl", cfg.Aggregator.DedupeTTLRaw, &cfg.Aggregator.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if err := cfg.Pipeline.parse(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	for tenant, s := range cfg.Tenants {
		if err := s.parse(); err != nil {
			return fmt.Errorf("tenants.%s: %w", tenant, err)
		}
		cfg.Tenants[tenant] = s
	}

	cfg.conversations = make(map[conv.Key]PipelineSettings, len(cfg.Conversations))
	for raw, s := range cfg.Conversations {
		if err := s.parse(); err != nil {
			return fmt.Errorf("conversations.%s: %w", raw, err)
		}
		cfg.Conversations[raw] = s
		if key, err := conv.ParseKey(raw); err == nil {
			cfg.conversations[key] = s
		}
	}

	return nil
}

// PipelineFor resolves the effective pipeline for key: stock defaults, then
// the relay-wide pipeline section, then the tenant, then the conversation.
func (c *Config) PipelineFor(key conv.Key) Pipeline {
	p := c.Pipeline.apply(DefaultPipeline())
	if s, ok := c.Tenants[key.TenantID]; ok {
		p = s.apply(p)
	}
	if s, ok := c.conversations[key]; ok {
		p = s.apply(p)
	}
	return p
}
