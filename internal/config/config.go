package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
)

type Config struct {
	Port string

	StoreBackend  string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	RedisPassword string

	KafkaBroker string
	KafkaTopic  string

	TransactionDeadline time.Duration
	SweepInterval       time.Duration
	RetentionWindow     time.Duration
	PickupDelay         time.Duration

	GatewayBaseURL      string
	GatewaySecretKey    string
	GatewayDevices      []string
	GatewayPollInterval time.Duration

	PollRateLimit float64
	PollRateBurst int

	LogLevel slog.Level
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("error loading .env", "error", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset keys.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:          p.str("PORT", "8080"),
		StoreBackend:  strings.ToLower(p.str("STORE_BACKEND", BackendMemory)),
		MongoURI:      getenv("MONGOURI"),
		MongoDatabase: p.str("MONGO_DATABASE", "terminaldb"),
		RedisAddr:     getenv("REDIS_ADDR"),
		RedisPassword: getenv("REDIS_PASSWORD"),

		KafkaBroker: getenv("KAFKA_BROKER"),
		KafkaTopic:  p.str("KAFKA_TOPIC", "transaction.completed"),

		TransactionDeadline: p.duration("TRANSACTION_DEADLINE", 2*time.Minute),
		SweepInterval:       p.duration("SWEEP_INTERVAL", 5*time.Second),
		RetentionWindow:     p.duration("RETENTION_WINDOW", 10*time.Minute),
		PickupDelay:         p.duration("PICKUP_DELAY", 0),

		GatewayBaseURL:      strings.TrimRight(getenv("GATEWAY_BASE_URL"), "/"),
		GatewaySecretKey:    getenv("GATEWAY_SECRET_KEY"),
		GatewayDevices:      p.list("GATEWAY_DEVICES"),
		GatewayPollInterval: p.duration("GATEWAY_POLL_INTERVAL", 3*time.Second),

		PollRateLimit: p.float("POLL_RATE_LIMIT", 20),
		PollRateBurst: p.int("POLL_RATE_BURST", 40),

		LogLevel: p.level("LOG_LEVEL", slog.LevelInfo),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGOURI environment variable not set")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR environment variable not set")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q, must be memory, mongo or redis", c.StoreBackend)
	}

	if c.TransactionDeadline <= 0 {
		return fmt.Errorf("TRANSACTION_DEADLINE must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("RETENTION_WINDOW must be positive")
	}
	if c.PickupDelay < 0 || c.PickupDelay >= c.TransactionDeadline {
		return fmt.Errorf("PICKUP_DELAY must be between 0 and TRANSACTION_DEADLINE")
	}
	if len(c.GatewayDevices) > 0 && c.GatewayBaseURL == "" {
		return fmt.Errorf("GATEWAY_DEVICES set but GATEWAY_BASE_URL is empty")
	}
	if c.PollRateLimit <= 0 || c.PollRateBurst <= 0 {
		return fmt.Errorf("POLL_RATE_LIMIT and POLL_RATE_BURST must be positive")
	}
	return nil
}

// GatewayEnabled reports whether any device is routed through the remote gateway.
func (c *Config) GatewayEnabled() bool {
	return len(c.GatewayDevices) > 0
}

// parser records the first malformed value it sees.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return i
}

func (p *parser) float(key string, def float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(p.getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, v, err)
		return def
	}
	return l
}
