// Package config resolves service configuration from an optional YAML file
// with environment-variable overrides. Env always wins so deployments can
// patch a single knob without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Get returns an environment variable or the default.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetInt returns an integer environment variable or the default.
func GetInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetFloat returns a float environment variable or the default.
func GetFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetDuration returns a duration environment variable or the default.
func GetDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Config is the full service configuration. The zero value is unusable; load
// through Load so defaults apply. The loaded value is immutable for the
// lifetime of the process.
type Config struct {
	Port          int           `yaml:"port"`
	ScorerURL     string        `yaml:"scorer_url"`
	ScorerTimeout time.Duration `yaml:"scorer_timeout"`
	ScalerPath    string        `yaml:"scaler_path"`

	WindowSize int      `yaml:"window_size"`
	Threshold  float64  `yaml:"threshold"`
	TopK       int      `yaml:"top_k"`
	Channels   []string `yaml:"channels"`

	LedgerDriver string `yaml:"ledger_driver"` // file | postgres
	LedgerPath   string `yaml:"ledger_path"`
	DatabaseURL  string `yaml:"database_url"`
	HashAlg      string `yaml:"hash_alg"`
	EvidenceDir  string `yaml:"evidence_dir"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	JWTSecret string `yaml:"jwt_secret"`
}

func defaults() Config {
	return Config{
		Port:          8090,
		ScorerTimeout: 10 * time.Second,
		WindowSize:    10,
		Threshold:     0.1,
		TopK:          3,
		Channels:      []string{"Speed", "RPM", "Throttle", "Brake", "nGear", "DRS"},
		LedgerDriver:  "file",
		LedgerPath:    "data/ledger/secure_ledger.json",
		HashAlg:       "sha256",
		EvidenceDir:   "data/evidence",
		CacheTTL:      time.Hour,
		KafkaTopic:    "sentinel.anomalies",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty and present), then env overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if cfg.WindowSize <= 0 {
		return Config{}, fmt.Errorf("window size must be positive, got %d", cfg.WindowSize)
	}
	if len(cfg.Channels) == 0 {
		return Config{}, fmt.Errorf("at least one channel must be configured")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = GetInt("SENTINEL_PORT", cfg.Port)
	cfg.ScorerURL = Get("SENTINEL_SCORER_URL", cfg.ScorerURL)
	cfg.ScorerTimeout = GetDuration("SENTINEL_SCORER_TIMEOUT", cfg.ScorerTimeout)
	cfg.ScalerPath = Get("SENTINEL_SCALER_PATH", cfg.ScalerPath)
	cfg.WindowSize = GetInt("SENTINEL_WINDOW_SIZE", cfg.WindowSize)
	cfg.Threshold = GetFloat("SENTINEL_THRESHOLD", cfg.Threshold)
	cfg.TopK = GetInt("SENTINEL_TOP_K", cfg.TopK)
	if v := Get("SENTINEL_CHANNELS", ""); v != "" {
		cfg.Channels = splitList(v)
	}
	cfg.LedgerDriver = Get("SENTINEL_LEDGER_DRIVER", cfg.LedgerDriver)
	cfg.LedgerPath = Get("SENTINEL_LEDGER_PATH", cfg.LedgerPath)
	cfg.DatabaseURL = Get("DATABASE_URL", cfg.DatabaseURL)
	cfg.HashAlg = Get("SENTINEL_HASH_ALG", cfg.HashAlg)
	cfg.EvidenceDir = Get("SENTINEL_EVIDENCE_DIR", cfg.EvidenceDir)
	cfg.RedisAddr = Get("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = Get("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = GetInt("REDIS_DB", cfg.RedisDB)
	cfg.CacheTTL = GetDuration("SENTINEL_CACHE_TTL", cfg.CacheTTL)
	if v := Get("KAFKA_BROKERS", ""); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	cfg.KafkaTopic = Get("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.JWTSecret = Get("SENTINEL_JWT_SECRET", cfg.JWTSecret)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
