package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/m4xw311/nexus/errors"
	"gopkg.in/yaml.v3"
)

// ToolProvider describes how to launch the MCP tool subprocess.
type ToolProvider struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// ConnectionString reaches the backing data source. It is exported to the
	// subprocess under ConnectionEnv and only ever read from the environment.
	ConnectionString string        `yaml:"-"`
	ConnectionEnv    string        `yaml:"connection_env"`
	AllowedTools     []string      `yaml:"allowed_tools"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	CloseGrace       time.Duration `yaml:"close_grace"`
}

type Auth struct {
	Disabled          bool          `yaml:"disabled"`
	Secret            string        `yaml:"-"`
	AdminUsername     string        `yaml:"admin_username"`
	AdminPasswordHash string        `yaml:"-"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
}

type Routes struct {
	Chat    string `yaml:"chat"`
	ChatWS  string `yaml:"chat_ws"`
	Login   string `yaml:"login"`
	Health  string `yaml:"health"`
	Metrics string `yaml:"metrics"`
}

type Config struct {
	Port             int           `yaml:"port"`
	LLMClient        string        `yaml:"llm"`
	Model            string        `yaml:"model"`
	MaxSteps         int           `yaml:"max_steps"`
	HistoryWindow    int           `yaml:"history_window"`
	ModelTimeout     time.Duration `yaml:"model_timeout"`
	SystemPromptFile string        `yaml:"system_prompt_file"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	CORSAllowOrigin  string        `yaml:"cors_allow_origin"`
	LogLevel         string        `yaml:"log_level"`
	ToolProvider     ToolProvider  `yaml:"tool_provider"`
	Auth             Auth          `yaml:"auth"`
	Routes           Routes        `yaml:"routes"`
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. When path is set, only
// that file is read. Environment variables (including a .env file) override
// file values, then defaults fill the gaps.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading config %s", path)
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			userConfigPath := filepath.Join(home, ".nexus", "config.yaml")
			if _, err := os.Stat(userConfigPath); err == nil {
				if err := loadFromFile(userConfigPath, cfg); err != nil {
					return nil, errors.Wrapf(err, "error loading user config")
				}
			}
		}

		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrapf(err, "could not get working directory")
		}
		projectConfigPath := filepath.Join(wd, ".nexus", "config.yaml")
		if _, err := os.Stat(projectConfigPath); err == nil {
			if err := loadFromFile(projectConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading project config")
			}
		}
	}

	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "error loading .env")
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so a later file
	// replaces values from an earlier one.
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) error {
	var err error
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" || err != nil {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = errors.Wrapf(convErr, "invalid %s", key)
			return
		}
		*dst = n
	}
	setDuration := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" || err != nil {
			return
		}
		d, parseErr := time.ParseDuration(v)
		if parseErr != nil {
			err = errors.Wrapf(parseErr, "invalid %s", key)
			return
		}
		*dst = d
	}
	setBool := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" || err != nil {
			return
		}
		b, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			err = errors.Wrapf(parseErr, "invalid %s", key)
			return
		}
		*dst = b
	}

	setInt("PORT", &cfg.Port)
	setString("LLM_PROVIDER", &cfg.LLMClient)
	setString("LLM_MODEL", &cfg.Model)
	setInt("MAX_STEPS", &cfg.MaxSteps)
	setInt("HISTORY_WINDOW", &cfg.HistoryWindow)
	setDuration("MODEL_TIMEOUT", &cfg.ModelTimeout)
	setString("SYSTEM_PROMPT_FILE", &cfg.SystemPromptFile)
	setString("CORS_ALLOW_ORIGIN", &cfg.CORSAllowOrigin)
	setString("LOG_LEVEL", &cfg.LogLevel)

	setString("MCP_SQL_COMMAND", &cfg.ToolProvider.Command)
	if v := os.Getenv("MCP_SQL_ARGS"); v != "" {
		cfg.ToolProvider.Args = strings.Fields(v)
	}
	setString("MCP_CONNECTION_STRING", &cfg.ToolProvider.ConnectionString)
	setDuration("MCP_HANDSHAKE_TIMEOUT", &cfg.ToolProvider.HandshakeTimeout)

	setBool("AUTH_DISABLED", &cfg.Auth.Disabled)
	setString("JWT_SECRET", &cfg.Auth.Secret)
	setString("ADMIN_USERNAME", &cfg.Auth.AdminUsername)
	setString("ADMIN_PASSWORD_HASH", &cfg.Auth.AdminPasswordHash)
	setDuration("TOKEN_TTL", &cfg.Auth.TokenTTL)
	return err
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.LLMClient == "" {
		c.LLMClient = "openai"
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = 10
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = 20
	}
	if c.ModelTimeout == 0 {
		c.ModelTimeout = 2 * time.Minute
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.CORSAllowOrigin == "" {
		c.CORSAllowOrigin = "*"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	tp := &c.ToolProvider
	if tp.ConnectionEnv == "" {
		tp.ConnectionEnv = "CONNECTION_STRING"
	}
	if tp.HandshakeTimeout == 0 {
		tp.HandshakeTimeout = 30 * time.Second
	}
	if tp.ToolTimeout == 0 {
		tp.ToolTimeout = 60 * time.Second
	}
	if tp.CloseGrace == 0 {
		tp.CloseGrace = 5 * time.Second
	}

	if c.Auth.AdminUsername == "" {
		c.Auth.AdminUsername = "admin"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 8 * time.Hour
	}

	r := &c.Routes
	if r.Chat == "" {
		r.Chat = "/chat"
	}
	if r.ChatWS == "" {
		r.ChatWS = "/chat/ws"
	}
	if r.Login == "" {
		r.Login = "/login"
	}
	if r.Health == "" {
		r.Health = "/health"
	}
	if r.Metrics == "" {
		r.Metrics = "/metrics"
	}
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	if !c.Auth.Disabled && c.Auth.Secret == "" {
		return errors.New("JWT_SECRET must be set unless auth is disabled")
	}
	if c.ToolProvider.Command == "" {
		return errors.New("tool provider command is not configured (MCP_SQL_COMMAND)")
	}
	if c.MaxSteps < 1 {
		return errors.New("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if c.HistoryWindow < 1 {
		return errors.New("history_window must be at least 1, got %d", c.HistoryWindow)
	}
	if c.ModelTimeout <= 0 || c.ToolProvider.HandshakeTimeout <= 0 || c.ToolProvider.ToolTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
