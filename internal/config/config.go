package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Generation Generation `yaml:"generation"`
	Templates  Templates  `yaml:"templates"`
	Lock       Lock       `yaml:"lock"`
	Catalog    Catalog    `yaml:"catalog"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type Generation struct {
	Provider       string   `yaml:"provider"`
	Model          string   `yaml:"model"`
	OllamaURL      string   `yaml:"ollama_url"`
	OpenAIModel    string   `yaml:"openai_model"`
	OpenAIURL      string   `yaml:"openai_url"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	MaxTokens      int      `yaml:"max_tokens"`
	Timeout        Duration `yaml:"timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	IncludeOffers  bool     `yaml:"include_offers"`

	// RequestsPerMinute caps outbound generator calls; 0 disables the limit.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type Templates struct {
	// Dir overrides the embedded prompt templates when set.
	Dir        string   `yaml:"dir"`
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"max_entries"`
}

type Lock struct {
	Backend     string   `yaml:"backend"`
	RedisAddr   string   `yaml:"redis_addr"`
	ClaimTTL    Duration `yaml:"claim_ttl"`
	WaitTimeout Duration `yaml:"wait_timeout"`
}

type Catalog struct {
	Feeds []Feed `yaml:"feeds"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
	// Format is "rss" (RSS/Atom with offer: elements) or "json".
	Format    string `yaml:"format"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Mode     string `yaml:"mode"`
	Level    string `yaml:"level"`
	HashSalt string `yaml:"hash_salt"`
}

// Duration is a time.Duration that unmarshals from strings like "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ConfigDir returns the XDG config directory for finpilot.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "finpilot")
}

// DataDir returns the XDG data directory for finpilot.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "finpilot")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/finpilot/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'finpilot init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Generation: Generation{
			Provider:          "openai",
			Model:             "qwen2.5:7b",
			OllamaURL:         "http://localhost:11434",
			OpenAIModel:       "gpt-4o-mini",
			OpenAIURL:         "https://api.openai.com/v1",
			APIKeyEnv:         "OPENAI_API_KEY",
			MaxTokens:         1500,
			Timeout:           Duration{30 * time.Second},
			MaxRetries:        3,
			InitialBackoff:    Duration{time.Second},
			RequestsPerMinute: 60,
			IncludeOffers:     true,
		},
		Templates: Templates{
			TTL:        Duration{10 * time.Minute},
			MaxEntries: 32,
		},
		Lock: Lock{
			Backend:     "sqlite",
			ClaimTTL:    Duration{2 * time.Minute},
			WaitTimeout: Duration{90 * time.Second},
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Mode: "dev", Level: "info"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Lock.Backend {
	case "sqlite":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required when lock.backend is redis")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q (want sqlite or redis)", c.Lock.Backend)
	}
	if c.Generation.MaxRetries < 0 {
		return fmt.Errorf("generation.max_retries must not be negative")
	}
	for _, f := range c.Catalog.Feeds {
		switch f.Format {
		case "", "rss", "json":
		default:
			return fmt.Errorf("catalog feed %s: unknown format %q (want rss or json)", f.URL, f.Format)
		}
	}
	if c.Generation.RequestsPerMinute < 0 {
		return fmt.Errorf("generation.requests_per_minute must not be negative")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
