package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	Providers      ProvidersConfig      `yaml:"providers"`
	Defaults       DefaultsConfig       `yaml:"defaults"`
	Sessions       SessionsConfig       `yaml:"sessions"`
	Storage        StorageConfig        `yaml:"storage"`
	Tools          ToolsConfig          `yaml:"tools"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Log            LogConfig            `yaml:"log"`
}

type ServerConfig struct {
	Host            string    `yaml:"host"`
	Port            int       `yaml:"port"`
	MaxBodyBytes    int64     `yaml:"max_body_bytes"`
	TurnTimeoutSecs int       `yaml:"turn_timeout_secs"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths. Both fields must be set to enable TLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled returns true if both cert and key files are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type AuthConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
}

type ProvidersConfig struct {
	OpenAIKey        string `yaml:"openai_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	AnthropicKey     string `yaml:"anthropic_key"`
	AnthropicBaseURL string `yaml:"anthropic_base_url"`
	GeminiKey        string `yaml:"gemini_key"`
	GeminiBaseURL    string `yaml:"gemini_base_url"`
	MaxRetries       int    `yaml:"max_retries"`
}

// Provider names the service that serves model: "anthropic" for claude-
// models, "gemini" for gemini- models and "openai" for everything else.
func Provider(model string) string {
	switch {
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini-"):
		return "gemini"
	default:
		return "openai"
	}
}

// KeyFor returns the credential for the provider serving model.
func (p ProvidersConfig) KeyFor(model string) string {
	switch Provider(model) {
	case "anthropic":
		return p.AnthropicKey
	case "gemini":
		return p.GeminiKey
	default:
		return p.OpenAIKey
	}
}

// DefaultsConfig seeds every new session.
type DefaultsConfig struct {
	Model          string   `yaml:"model"`
	System         string   `yaml:"system"`
	Temperature    *float64 `yaml:"temperature"`
	MaxTokens      int      `yaml:"max_tokens"`
	Persist        bool     `yaml:"persist"`
	RecentMessages int      `yaml:"recent_messages"`
}

type SessionsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// StorageConfig selects where saved sessions live. Driver is "file",
// "sqlite" or "none".
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
	DSN    string `yaml:"dsn"`
}

type ToolsConfig struct {
	Builtin      []string           `yaml:"builtin"`
	WikipediaURL string             `yaml:"wikipedia_url"`
	Remote       []RemoteToolConfig `yaml:"remote"`
}

// RemoteToolConfig declares an HTTP endpoint that serves as a tool.
type RemoteToolConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
	TimeoutSec  int    `yaml:"timeout_sec"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type CircuitBreakerConfig struct {
	MaxFailures     int `yaml:"max_failures"`
	ResetTimeoutSec int `yaml:"reset_timeout_sec"`
}

// LogConfig controls the structured logger. Format is "json" or "text".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	temp := 0.7
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			MaxBodyBytes:    10 * 1024 * 1024, // 10MB
			TurnTimeoutSecs: 120,
		},
		Providers: ProvidersConfig{
			MaxRetries: 3,
		},
		Defaults: DefaultsConfig{
			Model:       "gpt-3.5-turbo",
			System:      "You are a helpful assistant.",
			Temperature: &temp,
			Persist:     true,
		},
		Sessions: SessionsConfig{
			MaxConcurrent: 8,
		},
		Storage: StorageConfig{
			Driver: "file",
			Dir:    filepath.Join(homeDir(), ".local", "share", "chat-runner", "sessions"),
			Format: "json",
		},
		Tools: ToolsConfig{
			WikipediaURL: "https://en.wikipedia.org/w/api.php",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:     5,
			ResetTimeoutSec: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads config from the given path, falling back to default locations.
// Environment variables override YAML values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	paths := []string{path}
	if path == "" {
		paths = []string{
			"./config.yaml",
			filepath.Join(homeDir(), ".config", "chat-runner", "config.yaml"),
		}
	}

	var loaded bool
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
		loaded = true
		break
	}

	if !loaded && path != "" {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHAT_RUNNER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	envInt("CHAT_RUNNER_SERVER_PORT", &cfg.Server.Port)
	if v := os.Getenv("CHAT_RUNNER_SERVER_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = n
		}
	}
	envInt("CHAT_RUNNER_SERVER_TURN_TIMEOUT_SECS", &cfg.Server.TurnTimeoutSecs)
	if v := os.Getenv("CHAT_RUNNER_TLS_CERT_FILE"); v != "" {
		cfg.Server.TLS.CertFile = v
	}
	if v := os.Getenv("CHAT_RUNNER_TLS_KEY_FILE"); v != "" {
		cfg.Server.TLS.KeyFile = v
	}
	if v := envOrFile("CHAT_RUNNER_AUTH_HMAC_SECRET"); v != "" {
		cfg.Auth.HMACSecret = v
	}

	if v := envOrFile("CHAT_RUNNER_PROVIDERS_OPENAI_KEY"); v != "" {
		cfg.Providers.OpenAIKey = v
	} else if cfg.Providers.OpenAIKey == "" {
		cfg.Providers.OpenAIKey = envOrFile("OPENAI_API_KEY")
	}
	if v := os.Getenv("CHAT_RUNNER_PROVIDERS_OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAIBaseURL = v
	}
	if v := envOrFile("CHAT_RUNNER_PROVIDERS_ANTHROPIC_KEY"); v != "" {
		cfg.Providers.AnthropicKey = v
	} else if cfg.Providers.AnthropicKey == "" {
		cfg.Providers.AnthropicKey = envOrFile("ANTHROPIC_API_KEY")
	}
	if v := envOrFile("CHAT_RUNNER_PROVIDERS_GEMINI_KEY"); v != "" {
		cfg.Providers.GeminiKey = v
	} else if cfg.Providers.GeminiKey == "" {
		cfg.Providers.GeminiKey = envOrFile("GEMINI_API_KEY")
	}
	envInt("CHAT_RUNNER_PROVIDERS_MAX_RETRIES", &cfg.Providers.MaxRetries)

	if v := os.Getenv("CHAT_RUNNER_DEFAULTS_MODEL"); v != "" {
		cfg.Defaults.Model = v
	}
	if v := os.Getenv("CHAT_RUNNER_DEFAULTS_SYSTEM"); v != "" {
		cfg.Defaults.System = v
	}
	if v := os.Getenv("CHAT_RUNNER_DEFAULTS_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.Temperature = &f
		}
	}
	envInt("CHAT_RUNNER_DEFAULTS_MAX_TOKENS", &cfg.Defaults.MaxTokens)
	if v := os.Getenv("CHAT_RUNNER_DEFAULTS_PERSIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Defaults.Persist = b
		}
	}
	envInt("CHAT_RUNNER_DEFAULTS_RECENT_MESSAGES", &cfg.Defaults.RecentMessages)

	envInt("CHAT_RUNNER_SESSIONS_MAX_CONCURRENT", &cfg.Sessions.MaxConcurrent)

	if v := os.Getenv("CHAT_RUNNER_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CHAT_RUNNER_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := os.Getenv("CHAT_RUNNER_STORAGE_FORMAT"); v != "" {
		cfg.Storage.Format = v
	}
	if v := envOrFile("CHAT_RUNNER_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}

	if v := os.Getenv("CHAT_RUNNER_TOOLS_BUILTIN"); v != "" {
		cfg.Tools.Builtin = splitList(v)
	}
	if v := os.Getenv("CHAT_RUNNER_TOOLS_WIKIPEDIA_URL"); v != "" {
		cfg.Tools.WikipediaURL = v
	}

	if v := os.Getenv("CHAT_RUNNER_RATELIMIT_RPS"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = n
		}
	}
	envInt("CHAT_RUNNER_RATELIMIT_BURST", &cfg.RateLimit.Burst)
	envInt("CHAT_RUNNER_CB_MAX_FAILURES", &cfg.CircuitBreaker.MaxFailures)
	envInt("CHAT_RUNNER_CB_RESET_TIMEOUT_SEC", &cfg.CircuitBreaker.ResetTimeoutSec)

	if v := os.Getenv("CHAT_RUNNER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CHAT_RUNNER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Addr returns the listen address string.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// envOrFile returns the value of envKey, or reads from the file at envKey+"_FILE".
// This supports Docker Swarm secrets mounted at /run/secrets/<name>.
func envOrFile(envKey string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if path := os.Getenv(envKey + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// ValidateClient checks what any command talking to the model needs.
func (c *Config) ValidateClient() error {
	if c.Defaults.Model == "" {
		return fmt.Errorf("missing required config: defaults.model")
	}
	if c.Providers.KeyFor(c.Defaults.Model) == "" {
		name := Provider(c.Defaults.Model)
		return fmt.Errorf("missing required config: providers.%s_key (or %s_API_KEY) for model %s",
			name, strings.ToUpper(name), c.Defaults.Model)
	}
	if t := c.Defaults.Temperature; t != nil {
		if math.IsNaN(*t) || math.IsInf(*t, 0) || *t < 0 || *t > 2 {
			return fmt.Errorf("defaults.temperature must be between 0 and 2, got %f", *t)
		}
	}
	if c.Defaults.MaxTokens < 0 {
		return fmt.Errorf("defaults.max_tokens must not be negative, got %d", c.Defaults.MaxTokens)
	}
	if c.Sessions.MaxConcurrent < 0 {
		return fmt.Errorf("sessions.max_concurrent must not be negative, got %d", c.Sessions.MaxConcurrent)
	}

	switch c.Storage.Driver {
	case "none", "":
	case "file":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file driver")
		}
		switch c.Storage.Format {
		case "json", "yaml", "csv":
		default:
			return fmt.Errorf("storage.format must be json, yaml or csv, got %q", c.Storage.Format)
		}
	case "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	seen := make(map[string]bool)
	for i, rt := range c.Tools.Remote {
		if rt.Name == "" || rt.URL == "" || rt.Description == "" {
			return fmt.Errorf("tools.remote[%d]: name, description and url are required", i)
		}
		if seen[rt.Name] {
			return fmt.Errorf("tools.remote[%d]: duplicate name %q", i, rt.Name)
		}
		seen[rt.Name] = true
	}
	return nil
}

// Validate checks everything the HTTP server needs.
func (c *Config) Validate() error {
	if err := c.ValidateClient(); err != nil {
		return err
	}
	if c.Auth.HMACSecret == "" {
		return fmt.Errorf("missing required config: auth.hmac_secret")
	}

	// Port range
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.TurnTimeoutSecs <= 0 {
		return fmt.Errorf("server.turn_timeout_secs must be positive, got %d", c.Server.TurnTimeoutSecs)
	}

	// TLS: both or neither
	tls := c.Server.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("tls: both cert_file and key_file must be set, or neither")
	}
	if tls.Enabled() {
		if _, err := os.Stat(tls.CertFile); err != nil {
			return fmt.Errorf("tls cert_file not readable: %w", err)
		}
		if _, err := os.Stat(tls.KeyFile); err != nil {
			return fmt.Errorf("tls key_file not readable: %w", err)
		}
	}

	return nil
}
