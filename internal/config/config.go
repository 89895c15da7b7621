package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the optional per-project configuration file.
const FileName = "vex.toml"

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	LogLevel        string
	AnthropicAPIKey string
	AnthropicModel  string
	APIToken        string
	SlackBotToken   string
	SlackChannel    string

	Target         string // program re-verified by the checker
	SourceRoot     string
	ExcerptRadius  int
	Lookback       int
	VerifyTimeout  time.Duration
	ExplainTimeout time.Duration
	Valgrind       string
	Build          bool
	StateDir       string

	File string // vex.toml that was applied, if any
}

func defaults() Config {
	return Config{
		Port:           8760,
		LogLevel:       "info",
		AnthropicModel: "claude-sonnet-4-5-20250929",
		SourceRoot:     ".",
		ExcerptRadius:  3,
		Lookback:       12,
		VerifyTimeout:  60 * time.Second,
		ExplainTimeout: 30 * time.Second,
		Valgrind:       "valgrind",
		Build:          true,
		StateDir:       "~/.vex/sessions",
	}
}

// Load reads configuration from the environment only.
func Load() Config {
	return fromEnv(defaults())
}

// LoadFile applies defaults, then the TOML file at path (or the nearest
// vex.toml above the working directory when path is empty), then the
// environment. A missing vex.toml is not an error; a missing explicit path is.
func LoadFile(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		found, ok, err := Find(".")
		if err != nil {
			return Config{}, err
		}
		if !ok {
			return fromEnv(cfg), nil
		}
		path = found
	}
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}
	cfg.File = path
	return fromEnv(cfg), nil
}

func fromEnv(cfg Config) Config {
	cfg.Port = envInt("VEX_PORT", cfg.Port)
	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = envStr("NATS_TOKEN", cfg.NatsToken)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicModel = envStr("VEX_MODEL", cfg.AnthropicModel)
	cfg.APIToken = envStr("VEX_API_TOKEN", cfg.APIToken)
	cfg.SlackBotToken = envStr("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackChannel = envStr("SLACK_CHANNEL", cfg.SlackChannel)
	cfg.Target = envStr("VEX_TARGET", cfg.Target)
	cfg.SourceRoot = envStr("VEX_SOURCE_ROOT", cfg.SourceRoot)
	cfg.ExcerptRadius = envInt("VEX_EXCERPT_RADIUS", cfg.ExcerptRadius)
	cfg.Lookback = envInt("VEX_LOOKBACK", cfg.Lookback)
	cfg.VerifyTimeout = envDuration("VEX_VERIFY_TIMEOUT", cfg.VerifyTimeout)
	cfg.ExplainTimeout = envDuration("VEX_EXPLAIN_TIMEOUT", cfg.ExplainTimeout)
	cfg.Valgrind = envStr("VEX_VALGRIND", cfg.Valgrind)
	cfg.Build = envBool("VEX_BUILD", cfg.Build)
	cfg.StateDir = envStr("VEX_STATE_DIR", cfg.StateDir)
	return cfg
}

type fileConfig struct {
	Target struct {
		Program    string `toml:"program"`
		SourceRoot string `toml:"source_root"`
		Build      bool   `toml:"build"`
	} `toml:"target"`
	Checker struct {
		Valgrind string `toml:"valgrind"`
		Timeout  string `toml:"timeout"`
	} `toml:"checker"`
	Locator struct {
		Radius   int `toml:"radius"`
		Lookback int `toml:"lookback"`
	} `toml:"locator"`
	Explain struct {
		Model   string `toml:"model"`
		Timeout string `toml:"timeout"`
	} `toml:"explain"`
	Server struct {
		Port int `toml:"port"`
	} `toml:"server"`
	Session struct {
		StateDir string `toml:"state_dir"`
	} `toml:"session"`
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("target", "program") {
		cfg.Target = resolve(path, fc.Target.Program)
	}
	if meta.IsDefined("target", "source_root") {
		cfg.SourceRoot = resolve(path, fc.Target.SourceRoot)
	}
	if meta.IsDefined("target", "build") {
		cfg.Build = fc.Target.Build
	}
	if meta.IsDefined("checker", "valgrind") {
		cfg.Valgrind = fc.Checker.Valgrind
	}
	if meta.IsDefined("checker", "timeout") {
		d, err := time.ParseDuration(fc.Checker.Timeout)
		if err != nil {
			return fmt.Errorf("%s: [checker].timeout: %w", path, err)
		}
		cfg.VerifyTimeout = d
	}
	if meta.IsDefined("locator", "radius") {
		cfg.ExcerptRadius = fc.Locator.Radius
	}
	if meta.IsDefined("locator", "lookback") {
		cfg.Lookback = fc.Locator.Lookback
	}
	if meta.IsDefined("explain", "model") {
		cfg.AnthropicModel = fc.Explain.Model
	}
	if meta.IsDefined("explain", "timeout") {
		d, err := time.ParseDuration(fc.Explain.Timeout)
		if err != nil {
			return fmt.Errorf("%s: [explain].timeout: %w", path, err)
		}
		cfg.ExplainTimeout = d
	}
	if meta.IsDefined("server", "port") {
		cfg.Port = fc.Server.Port
	}
	if meta.IsDefined("session", "state_dir") {
		cfg.StateDir = fc.Session.StateDir
	}
	return nil
}

// resolve interprets relative paths in vex.toml against the file's directory.
func resolve(file, p string) string {
	if p == "" || filepath.IsAbs(p) || p[0] == '~' {
		return p
	}
	return filepath.Join(filepath.Dir(file), p)
}

// Find walks up from startDir looking for vex.toml.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
