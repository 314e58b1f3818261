package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is everything the server needs at startup.
// Precedence: defaults < YAML file (CONFIG_FILE) < environment.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DB      DBConfig      `yaml:"database"`
	Redis   RedisConfig   `yaml:"redis"`
	JWT     JWTConfig     `yaml:"jwt"`
	Log     LogConfig     `yaml:"log"`
	Chat    ChatConfig    `yaml:"chat"`
	Story   StoryConfig   `yaml:"story"`
	Backend BackendConfig `yaml:"backend"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DBConfig struct {
	// Empty DSN runs the service memory-only.
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	// Empty Addr disables cross-instance fan-out.
	Addr string `yaml:"addr"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

type ChatConfig struct {
	DeliveryMode   string        `yaml:"delivery_mode"` // "simulated" or "acknowledged"
	DeliveredAfter time.Duration `yaml:"delivered_after"`
	HistoryLimit   int           `yaml:"history_limit"`
	SendRPS        float64       `yaml:"send_rps"`
	SendBurst      int           `yaml:"send_burst"`
}

type StoryConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		JWT:   JWTConfig{TTL: 24 * time.Hour},
		Log:   LogConfig{Level: "info", Format: "json"},
		Chat: ChatConfig{
			DeliveryMode:   "simulated",
			DeliveredAfter: time.Second,
			HistoryLimit:   50,
			SendRPS:        5,
			SendBurst:      10,
		},
		Story: StoryConfig{
			TTL:           24 * time.Hour,
			TickInterval:  50 * time.Millisecond,
			PruneInterval: time.Minute,
		},
		Backend: BackendConfig{Timeout: 10 * time.Second},
	}
}

// Load reads .env (if present), the optional YAML file named by CONFIG_FILE,
// then applies environment overrides and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("ADDR", &c.Server.Addr)
	setString("DB_DSN", &c.DB.DSN)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("JWT_SECRET", &c.JWT.Secret)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)
	setString("CHAT_DELIVERY_MODE", &c.Chat.DeliveryMode)
	setString("BACKEND_URL", &c.Backend.BaseURL)
	setString("BACKEND_TOKEN", &c.Backend.Token)

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JWT_TTL", &c.JWT.TTL},
		{"CHAT_DELIVERED_AFTER", &c.Chat.DeliveredAfter},
		{"STORY_TTL", &c.Story.TTL},
		{"STORY_TICK_INTERVAL", &c.Story.TickInterval},
		{"STORY_PRUNE_INTERVAL", &c.Story.PruneInterval},
		{"BACKEND_TIMEOUT", &c.Backend.Timeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("CHAT_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHAT_HISTORY_LIMIT: %w", err)
		}
		c.Chat.HistoryLimit = n
	}
	if v := os.Getenv("CHAT_SEND_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAT_SEND_RPS: %w", err)
		}
		c.Chat.SendRPS = f
	}
	if v := os.Getenv("CHAT_SEND_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHAT_SEND_BURST: %w", err)
		}
		c.Chat.SendBurst = n
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	switch c.Chat.DeliveryMode {
	case "simulated", "acknowledged":
	default:
		return fmt.Errorf("unknown chat delivery mode %q", c.Chat.DeliveryMode)
	}
	if c.Chat.DeliveredAfter <= 0 {
		return errors.New("chat delivered_after must be positive")
	}
	if c.Story.TickInterval <= 0 {
		return errors.New("story tick_interval must be positive")
	}
	if c.Story.TTL <= 0 {
		return errors.New("story ttl must be positive")
	}
	if c.Story.PruneInterval <= 0 {
		return errors.New("story prune_interval must be positive")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
