package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAPIBaseURL はローカル開発時のAPI/リアルタイムエンドポイント。
const DefaultAPIBaseURL = "http://localhost:3000"

// 認証情報の保存先
const (
	CredentialStoreBadger   = "badger"
	CredentialStorePostgres = "postgres"
	CredentialStoreRedis    = "redis"
	CredentialStoreMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// API
	APIBaseURL  string
	HTTPTimeout time.Duration

	// Realtime
	RealtimePath              string
	RealtimeDialTimeout       time.Duration
	RealtimeReconnectInterval time.Duration

	// Cache
	CacheFetchTimeout time.Duration

	// Proof upload
	ProofMaxSize int

	// Credentials
	CredentialStore   string
	CredentialProfile string
	CredentialDir     string
	DatabaseURL       string
	RedisURL          string

	// Status server
	StatusAddr string

	// Logging
	LogLevel string
}

// fileConfig はMEDSYNC_CONFIGで指定するYAMLファイルの構造。
// 環境変数が設定されている項目は環境変数が優先される。
type fileConfig struct {
	APIBaseURL                string `yaml:"api_base_url"`
	HTTPTimeout               string `yaml:"http_timeout"`
	RealtimePath              string `yaml:"realtime_path"`
	RealtimeDialTimeout       string `yaml:"realtime_dial_timeout"`
	RealtimeReconnectInterval string `yaml:"realtime_reconnect_interval"`
	CacheFetchTimeout         string `yaml:"cache_fetch_timeout"`
	ProofMaxSize              int    `yaml:"proof_max_size"`
	CredentialStore           string `yaml:"credential_store"`
	CredentialProfile         string `yaml:"credential_profile"`
	CredentialDir             string `yaml:"credential_dir"`
	DatabaseURL               string `yaml:"database_url"`
	RedisURL                  string `yaml:"redis_url"`
	StatusAddr                string `yaml:"status_addr"`
	LogLevel                  string `yaml:"log_level"`
}

// Load は環境変数（と任意のYAMLファイル）からConfigを読み込む。
// 値が不正な場合や、選択した保存先に必要な設定が欠けている場合はエラーを返す。
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("MEDSYNC_CONFIG"); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		fc = *loaded
	}

	cfg := &Config{}
	cfg.APIBaseURL = strings.TrimRight(getEnvString("API_BASE_URL", or(fc.APIBaseURL, DefaultAPIBaseURL)), "/")
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", fileDuration(fc.HTTPTimeout, 10*time.Second))
	cfg.RealtimePath = getEnvString("REALTIME_PATH", or(fc.RealtimePath, "/realtime"))
	cfg.RealtimeDialTimeout = getEnvDuration("REALTIME_DIAL_TIMEOUT", fileDuration(fc.RealtimeDialTimeout, 10*time.Second))
	cfg.RealtimeReconnectInterval = getEnvDuration("REALTIME_RECONNECT_INTERVAL", fileDuration(fc.RealtimeReconnectInterval, 5*time.Second))
	cfg.CacheFetchTimeout = getEnvDuration("CACHE_FETCH_TIMEOUT", fileDuration(fc.CacheFetchTimeout, 15*time.Second))
	cfg.ProofMaxSize = getEnvInt("PROOF_MAX_SIZE", fileInt(fc.ProofMaxSize, 5242880))
	cfg.CredentialStore = strings.ToLower(getEnvString("CREDENTIAL_STORE", or(fc.CredentialStore, CredentialStoreBadger)))
	cfg.CredentialProfile = getEnvString("CREDENTIAL_PROFILE", or(fc.CredentialProfile, "default"))
	cfg.CredentialDir = getEnvString("CREDENTIAL_DIR", or(fc.CredentialDir, defaultCredentialDir()))
	cfg.DatabaseURL = getEnvString("DATABASE_URL", fc.DatabaseURL)
	cfg.RedisURL = getEnvString("REDIS_URL", fc.RedisURL)
	cfg.StatusAddr = getEnvString("STATUS_ADDR", or(fc.StatusAddr, "127.0.0.1:8090"))
	cfg.LogLevel = getEnvString("LOG_LEVEL", or(fc.LogLevel, "info"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RealtimeURL はリアルタイムチャネルの接続先URLを返す。
// http/httpsのスキームをws/wssに置き換える。
func (c *Config) RealtimeURL() string {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.RealtimePath
	return u.String()
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL: %q", c.APIBaseURL)
	}

	var missing []string
	switch c.CredentialStore {
	case CredentialStoreBadger:
		if c.CredentialDir == "" {
			missing = append(missing, "CREDENTIAL_DIR")
		}
	case CredentialStorePostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case CredentialStoreRedis:
		if c.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	case CredentialStoreMemory:
	default:
		return fmt.Errorf("unknown CREDENTIAL_STORE %q (allowed: badger, postgres, redis, memory)", c.CredentialStore)
	}

	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func defaultCredentialDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "medsync")
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func fileInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func fileDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
