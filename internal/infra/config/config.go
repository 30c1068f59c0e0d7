package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"chatwire/pkg/realtime"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Store     StoreConfig     `yaml:"store"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Retention RetentionConfig `yaml:"retention"`
	Realtime  realtime.Config `yaml:"realtime"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr                 string      `yaml:"addr"`
	OriginPatterns       []string    `yaml:"origin_patterns,omitempty"`
	Keys                 []KeyConfig `yaml:"keys,omitempty"`
	MaxPayloadBytes      int         `yaml:"max_payload_bytes"`
	PublishRatePerSecond int         `yaml:"publish_rate_per_second"`
	SendBuffer           int         `yaml:"send_buffer"`
}

// KeyConfig holds a single gateway API key in hashed form. Salt and Hash
// are hex-encoded; the hash is Argon2id over the presented key. Generate
// entries with the "chatwire key" command.
type KeyConfig struct {
	Name string `yaml:"name"`
	Salt string `yaml:"salt"`
	Hash string `yaml:"hash"`
}

// StoreConfig holds SQLite persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// PubSubConfig holds change-event bus settings.
type PubSubConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Buffer  int         `yaml:"buffer"`  // per-subscriber channel depth
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the redis bus backend.
// Password supports the "enc:" prefix (decrypted via CHATWIRE_CONFIG_KEY).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// RetentionConfig holds scheduled data pruning settings.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"` // standard cron expression
	MaxAge   time.Duration `yaml:"max_age"`
}

// SnapshotConfig holds REST snapshot client settings. An empty BaseURL
// disables the snapshot client.
type SnapshotConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for the snapshot client.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`  // open state duration
	Interval    time.Duration `yaml:"interval"` // closed state counter reset
}

// defaultDataDir returns the persistent data directory under $HOME/.chatwire/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".chatwire", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Addr:                 ":8090",
			MaxPayloadBytes:      16 * 1024,
			PublishRatePerSecond: 10,
			SendBuffer:           32,
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "chatwire.db"),
		},
		PubSub: PubSubConfig{
			Backend: "memory",
			Buffer:  64,
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "0 3 * * *",
			MaxAge:   2160 * time.Hour, // 90 days
		},
		Realtime: realtime.DefaultConfig("ws://localhost:8090/ws", ""),
		Snapshot: SnapshotConfig{
			Timeout: 5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Merge included files, then re-unmarshal the main file so it takes
	// precedence over anything an include set.
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := expandIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("CHATWIRE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CHATWIRE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATWIRE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATWIRE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATWIRE_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CHATWIRE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATWIRE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("CHATWIRE_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("CHATWIRE_GATEWAY_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.MaxPayloadBytes = n
		}
	}
	if v := os.Getenv("CHATWIRE_GATEWAY_PUBLISH_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.PublishRatePerSecond = n
		}
	}
	if v := os.Getenv("CHATWIRE_GATEWAY_ORIGIN_PATTERNS"); v != "" {
		cfg.Gateway.OriginPatterns = splitAndTrim(v, ",")
	}

	if v := os.Getenv("CHATWIRE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("CHATWIRE_PUBSUB_BACKEND"); v != "" {
		cfg.PubSub.Backend = v
	}
	if v := os.Getenv("CHATWIRE_REDIS_ADDR"); v != "" {
		cfg.PubSub.Redis.Addr = v
	}
	if v := os.Getenv("CHATWIRE_REDIS_PASSWORD"); v != "" {
		cfg.PubSub.Redis.Password = v
	}
	if v := os.Getenv("CHATWIRE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.PubSub.Redis.DB = n
		}
	}

	if v := os.Getenv("CHATWIRE_RETENTION_ENABLED"); v == "true" {
		cfg.Retention.Enabled = true
	} else if v == "false" {
		cfg.Retention.Enabled = false
	}
	if v := os.Getenv("CHATWIRE_RETENTION_SCHEDULE"); v != "" {
		cfg.Retention.Schedule = v
	}
	if v := os.Getenv("CHATWIRE_RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Retention.MaxAge = d
		}
	}

	if v := os.Getenv("CHATWIRE_REALTIME_URL"); v != "" {
		cfg.Realtime.URL = v
	}
	if v := os.Getenv("CHATWIRE_REALTIME_TOKEN"); v != "" {
		cfg.Realtime.Token = v
	}
	if v := os.Getenv("CHATWIRE_REALTIME_DEBUG"); v == "true" {
		cfg.Realtime.Debug = true
	}

	if v := os.Getenv("CHATWIRE_SNAPSHOT_BASE_URL"); v != "" {
		cfg.Snapshot.BaseURL = v
	}
	if v := os.Getenv("CHATWIRE_SNAPSHOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Snapshot.Timeout = d
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.PubSub.Redis.Password, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.PubSub.Redis.Password, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("redis password: %w", err)
		}
		cfg.PubSub.Redis.Password = decrypted
	}

	if strings.HasPrefix(cfg.Realtime.Token, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Realtime.Token, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("realtime token: %w", err)
		}
		cfg.Realtime.Token = decrypted
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := DeriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := DeriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// DeriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
// The gateway uses the same derivation to verify hashed API keys.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
