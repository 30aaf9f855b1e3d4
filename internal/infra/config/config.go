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
)

// envPrefix prefixes every environment override.
const envPrefix = "AGENTRELAY_"

// KeyEnv names the variable holding the passphrase for "enc:" values.
const KeyEnv = envPrefix + "CONFIG_KEY"

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Process   ProcessConfig   `yaml:"process"`
	Ownership OwnershipConfig `yaml:"ownership"`
	Stream    StreamConfig    `yaml:"stream"`
	Render    RenderConfig    `yaml:"render"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Journal   JournalConfig   `yaml:"journal"`
	Engine    EngineConfig    `yaml:"engine"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // extra websocket origins beyond loopback
	RateLimitRPM    int           `yaml:"rate_limit_rpm"`  // 0 disables rate limiting
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds viewer authentication settings.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

// TokenConfig is one static bearer token.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// ProcessConfig holds agent process supervision settings.
type ProcessConfig struct {
	MaxProcesses    int           `yaml:"max_processes"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`    // negative: idle as soon as a turn ends
	HistoryLimit    int           `yaml:"history_limit"`   // replayed messages per process
	IdleReapAfter   time.Duration `yaml:"idle_reap_after"` // negative: never reap
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	PermissionMode  string        `yaml:"permission_mode"`
}

// OwnershipConfig holds external session detection settings.
type OwnershipConfig struct {
	Decay time.Duration `yaml:"decay"`
}

// StreamConfig holds viewer stream settings.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	QueueSize         int           `yaml:"queue_size"`
	FlushTimeout      time.Duration `yaml:"flush_timeout"`
}

// RenderConfig holds markdown pre-rendering settings.
type RenderConfig struct {
	Enabled            bool          `yaml:"enabled"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// WatcherConfig holds engine data directory watching settings.
type WatcherConfig struct {
	Enabled bool   `yaml:"enabled"`
	Root    string `yaml:"root"`
}

// JournalConfig holds status journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	MaxRows int    `yaml:"max_rows"`
}

// EngineConfig holds the driving engine CLI settings.
type EngineConfig struct {
	CLIPath   string            `yaml:"cli_path"`
	ExtraArgs []string          `yaml:"extra_args"`
	Env       map[string]string `yaml:"env"`
	StopGrace time.Duration     `yaml:"stop_grace"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"` // fraction of root spans kept; 0 keeps all
}

// defaultDataDir returns $HOME/.agentrelay, or ./data without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentrelay")
}

// defaultEngineDir returns the engine's data directory, $HOME/.claude.
func defaultEngineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:7420",
			RateLimitBurst:  20,
			ShutdownTimeout: 10 * time.Second,
		},
		Process: ProcessConfig{
			MaxProcesses:    20,
			IdleTimeout:     2 * time.Second,
			HistoryLimit:    1000,
			IdleReapAfter:   30 * time.Minute,
			CleanupInterval: time.Minute,
			PermissionMode:  "default",
		},
		Ownership: OwnershipConfig{
			Decay: 30 * time.Second,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			QueueSize:         256,
			FlushTimeout:      2 * time.Second,
		},
		Render: RenderConfig{
			Enabled:            true,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		Watcher: WatcherConfig{
			Enabled: true,
			Root:    defaultEngineDir(),
		},
		Journal: JournalConfig{
			Path:    filepath.Join(defaultDataDir(), "journal.db"),
			MaxRows: 10000,
		},
		Engine: EngineConfig{
			CLIPath:   "claude",
			StopGrace: 2 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file over Defaults, applies env overrides,
// decrypts secrets and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err) || path == "":
		return finish(cfg)
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := loadIncludes(cfg, absPath); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AGENTRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("SERVER_ADDR", &cfg.Server.Addr)
	if v := os.Getenv(envPrefix + "SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}
	num("SERVER_RATE_LIMIT_RPM", &cfg.Server.RateLimitRPM)

	flag("AUTH_ENABLED", &cfg.Auth.Enabled)
	if v := os.Getenv(envPrefix + "AUTH_TOKEN"); v != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Tokens = append(cfg.Auth.Tokens, TokenConfig{Name: "env", Token: v})
	}

	num("PROCESS_MAX_PROCESSES", &cfg.Process.MaxProcesses)
	dur("PROCESS_IDLE_TIMEOUT", &cfg.Process.IdleTimeout)
	num("PROCESS_HISTORY_LIMIT", &cfg.Process.HistoryLimit)
	str("PROCESS_PERMISSION_MODE", &cfg.Process.PermissionMode)

	dur("OWNERSHIP_DECAY", &cfg.Ownership.Decay)
	dur("STREAM_HEARTBEAT_INTERVAL", &cfg.Stream.HeartbeatInterval)
	flag("RENDER_ENABLED", &cfg.Render.Enabled)

	flag("WATCHER_ENABLED", &cfg.Watcher.Enabled)
	str("WATCHER_ROOT", &cfg.Watcher.Root)

	flag("JOURNAL_ENABLED", &cfg.Journal.Enabled)
	str("JOURNAL_PATH", &cfg.Journal.Path)

	str("ENGINE_CLI_PATH", &cfg.Engine.CLIPath)

	str("LOGGER_LEVEL", &cfg.Logger.Level)
	str("LOGGER_FORMAT", &cfg.Logger.Format)
	str("LOGGER_OUTPUT", &cfg.Logger.Output)

	flag("TRACER_ENABLED", &cfg.Tracer.Enabled)
	str("TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// splitAndTrim splits s by sep, trims each element and drops empties.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." auth tokens and engine env values with
// their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Auth.Tokens {
		tok := &cfg.Auth.Tokens[i]
		plain, err := decryptField(tok.Token, passphrase)
		if err != nil {
			return fmt.Errorf("auth token %s: %w", tok.Name, err)
		}
		tok.Token = plain
	}
	for k, v := range cfg.Engine.Env {
		plain, err := decryptField(v, passphrase)
		if err != nil {
			return fmt.Errorf("engine env %s: %w", k, err)
		}
		cfg.Engine.Env[k] = plain
	}
	return nil
}

func decryptField(v, passphrase string) (string, error) {
	enc, ok := strings.CutPrefix(v, "enc:")
	if !ok {
		return v, nil
	}
	return DecryptValue(enc, passphrase)
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
