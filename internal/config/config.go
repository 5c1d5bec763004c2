package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
)

type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	Redis     RedisConfig
	DB        DBConfig
	Rate      RateConfig
	Secrets   SecretsConfig
	Log       LogConfig
	Bootstrap BootstrapConfig
}

type ServerConfig struct {
	ListenAddr        string
	HealthPath        string
	MetricsPath       string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
}

// UpstreamConfig tunes the HTTP client talking to OpenWebUI.
type UpstreamConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	HistoryTTL      time.Duration
	HistoryMaxTurns int
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RateConfig struct {
	PerHour int64
}

type SecretsConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

// BootstrapConfig optionally seeds one conversation entry at startup, so a
// fresh deployment is usable without calling the entries API first.
type BootstrapConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Collections string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:        mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:        mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:       mustEnv("METRICS_PATH", "/metrics"),
			ReadHeaderTimeout: mustDuration("READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       mustDuration("READ_TIMEOUT", 60*time.Second),
		},
		Upstream: UpstreamConfig{
			Timeout:     mustDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			MaxRetries:  mustInt("UPSTREAM_MAX_RETRIES", 2),
			BackoffBase: mustDuration("UPSTREAM_BACKOFF_BASE", 400*time.Millisecond),
		},
		Redis: RedisConfig{
			Addr:            mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:        mustEnv("REDIS_PASSWORD", ""),
			DB:              mustInt("REDIS_DB", 0),
			HistoryTTL:      mustDuration("HISTORY_TTL", 30*time.Minute),
			HistoryMaxTurns: mustInt("HISTORY_MAX_TURNS", 20),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:bridge.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 60)),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
		Bootstrap: BootstrapConfig{
			BaseURL:     strings.TrimSuffix(mustEnv("OPENWEBUI_BASE_URL", ""), "/"),
			APIKey:      mustEnv("OPENWEBUI_API_KEY", ""),
			Model:       mustEnv("OPENWEBUI_MODEL", "llama3.1"),
			Collections: mustEnv("OPENWEBUI_COLLECTIONS", ""),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.Bootstrap.APIKey != "" && cfg.Bootstrap.BaseURL == "" {
		return nil, fmt.Errorf("OPENWEBUI_BASE_URL is required when OPENWEBUI_API_KEY is set")
	}

	sc, err := loadSecretsConfig()
	if err != nil {
		return nil, err
	}
	cfg.Secrets = sc

	return cfg, nil
}

func loadSecretsConfig() (SecretsConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return SecretsConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return SecretsConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return SecretsConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return SecretsConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
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
		return SecretsConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return SecretsConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
