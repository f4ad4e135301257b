package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var (
	ErrMissingJWTSecret   = errors.New("JWT_SECRET is required")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrMissingProviderURL = errors.New("PROVIDER_BASE_URL is required")
)

type Config struct {
	HTTP     HTTPConfig
	Auth     AuthConfig
	Redis    RedisConfig
	DB       DBConfig
	Worker   WorkerConfig
	Provider ProviderConfig
	Poll     PollConfig
	Quota    QuotaConfig
	Rate     RateConfig
	Tracing  TracingConfig
	Log      LogConfig

	Crypto CryptoConfig
}

type HTTPConfig struct {
	ListenAddr      string        `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	HealthPath      string        `env:"HEALTH_PATH" envDefault:"/healthz"`
	MetricsPath     string        `env:"METRICS_PATH" envDefault:"/metrics"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://*,http://*"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	// RestrictUsage=false lets unauthenticated callers use the widget endpoints as the guest user.
	RestrictUsage bool `env:"RESTRICT_USAGE" envDefault:"true"`
	RequireTerms  bool `env:"REQUIRE_TERMS_ACCEPTANCE" envDefault:"true"`
}

type RedisConfig struct {
	Addr        string        `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	LogStream   string        `env:"LOG_STREAM" envDefault:"coursechat:log"`
	LogGroup    string        `env:"LOG_GROUP" envDefault:"coursechat-loggers"`
	StreamBlock time.Duration `env:"LOG_STREAM_BLOCK" envDefault:"5s"`
	DedupeTTL   time.Duration `env:"LOG_DEDUPE_TTL" envDefault:"24h"`
	ThreadTTL   time.Duration `env:"THREAD_TTL" envDefault:"720h"`
}

type DBConfig struct {
	Driver      string `env:"DB_DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DB_DSN" envDefault:"coursechat.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type WorkerConfig struct {
	Concurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	ConsumerName    string        `env:"WORKER_CONSUMER_NAME"`
	MaxRetries      int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	ReclaimInterval time.Duration `env:"WORKER_RECLAIM_INTERVAL" envDefault:"1m"`
	ReclaimIdle     time.Duration `env:"WORKER_RECLAIM_IDLE" envDefault:"5m"`
}

type ProviderConfig struct {
	BaseURL   string        `env:"PROVIDER_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Timeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	UserAgent string        `env:"PROVIDER_USER_AGENT" envDefault:"coursechat/1.0"`
}

type PollConfig struct {
	MessageInterval time.Duration `env:"POLL_MESSAGE_INTERVAL" envDefault:"300ms"`
	MessageTimeout  time.Duration `env:"POLL_MESSAGE_TIMEOUT" envDefault:"5s"`
	RunInterval     time.Duration `env:"POLL_RUN_INTERVAL" envDefault:"500ms"`
	RunTimeout      time.Duration `env:"POLL_RUN_TIMEOUT" envDefault:"20s"`
}

type QuotaConfig struct {
	// ChargeOnPartialFailure decides whether a request that reached the provider but ended
	// without an answer (message not persisted, run failed or timed out) still costs a question.
	ChargeOnPartialFailure bool `env:"CHARGE_QUOTA_ON_PARTIAL_FAILURE" envDefault:"true"`
	MaxHistoryTurns        int  `env:"MAX_HISTORY_TURNS" envDefault:"50"`
}

type RateConfig struct {
	PerHour  int64 `env:"RATE_LIMIT_PER_HOUR" envDefault:"60"`
	PerIPMin int   `env:"RATE_LIMIT_PER_IP_MINUTE" envDefault:"120"`
}

type TracingConfig struct {
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"coursechat"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Environment  string `env:"ENVIRONMENT" envDefault:"development"`
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Worker.ConsumerName == "" {
		cfg.Worker.ConsumerName = hostnameOr("worker")
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		return nil, ErrMissingProviderURL
	}
	if cfg.DB.Driver != "sqlite" && cfg.DB.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DB.Driver)
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := strings.TrimSpace(os.Getenv("MASTER_KEYS_JSON")); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := strings.TrimSpace(os.Getenv("MASTER_KEY_CURRENT_ID"))
	if singleton := strings.TrimSpace(os.Getenv("MASTER_KEY_B64")); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
