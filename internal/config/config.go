package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/udisondev/habproxy/internal/constants"
	"github.com/udisondev/habproxy/internal/crypto"
)

// Interceptor holds all configuration for the interceptor process.
type Interceptor struct {
	// Game endpoint the client normally connects to
	Target TargetConfig `yaml:"target"`

	// Local listener the redirected client connects to
	Listen ListenConfig `yaml:"listen"`

	// Hosts file used to redirect the game host; empty disables redirection
	HostsFile string `yaml:"hosts_file"`

	RSA         RSAConfig         `yaml:"rsa"`
	KeyExchange KeyExchangeConfig `yaml:"key_exchange"`
	Handshake   HandshakeConfig   `yaml:"handshake"`

	Capture   CaptureConfig   `yaml:"capture"`
	API       APIConfig       `yaml:"api"`
	PacketLog PacketLogConfig `yaml:"packet_log"`

	LogLevel string `yaml:"log_level"` // debug, info, warn, error
}

// TargetConfig is the real game server.
type TargetConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ListenConfig is where the proxy accepts the client.
type ListenConfig struct {
	Address       string        `yaml:"address"`
	Port          int           `yaml:"port"` // 0 = target port
	PolicyTimeout time.Duration `yaml:"policy_timeout"`
}

// RSAConfig holds the server public key and the key pair the patched client trusts.
// Moduli and private exponent are hex.
type RSAConfig struct {
	ServerExponent int    `yaml:"server_exponent"`
	ServerModulus  string `yaml:"server_modulus"`

	ProxyExponent        int    `yaml:"proxy_exponent"`
	ProxyModulus         string `yaml:"proxy_modulus"`
	ProxyPrivateExponent string `yaml:"proxy_private_exponent"`
}

// KeyExchangeConfig holds Diffie-Hellman sizes.
type KeyExchangeConfig struct {
	PrimeBits      int `yaml:"prime_bits"`
	Confidence     int `yaml:"confidence"`
	PrivateKeyBits int `yaml:"private_key_bits"`
}

// HandshakeConfig holds the handshake packet headers of the current client build.
// Any header left at 0 disables the man-in-the-middle handshake.
type HandshakeConfig struct {
	InitHeader           uint16 `yaml:"init_header"`
	ClientCompleteHeader uint16 `yaml:"client_complete_header"`
	ServerCompleteHeader uint16 `yaml:"server_complete_header"`
	EncryptIncoming      bool   `yaml:"encrypt_incoming"`
}

// CaptureConfig controls the PostgreSQL capture store.
type CaptureConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Database      DatabaseConfig `yaml:"database"`
	Buffer        int            `yaml:"buffer"`
	BatchSize     int            `yaml:"batch_size"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// APIConfig controls the local control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// PacketLogConfig controls the console packet log.
type PacketLogConfig struct {
	Enabled bool     `yaml:"enabled"`
	Color   bool     `yaml:"color"`
	Ignore  []uint16 `yaml:"ignore"`
}

// DefaultInterceptor returns Interceptor config with sensible defaults.
func DefaultInterceptor() Interceptor {
	return Interceptor{
		Target: TargetConfig{
			Host:        "game-us.habbo.com",
			Port:        30000,
			DialTimeout: 10 * time.Second,
		},
		Listen: ListenConfig{
			Address:       "127.0.0.1",
			PolicyTimeout: 10 * time.Second,
		},
		RSA: RSAConfig{
			ServerExponent: 3,
			ProxyExponent:  3,
		},
		KeyExchange: KeyExchangeConfig{
			PrimeBits:      constants.DHPrimeBits,
			Confidence:     constants.DHPrimeConfidence,
			PrivateKeyBits: constants.DHPrivateKeyBits,
		},
		Capture: CaptureConfig{
			Database: DatabaseConfig{
				Host:     "127.0.0.1",
				Port:     5432,
				User:     "habproxy",
				Password: "habproxy",
				DBName:   "habproxy",
				SSLMode:  "disable",
			},
			Buffer:        4096,
			BatchSize:     256,
			FlushInterval: time.Second,
		},
		API: APIConfig{
			Address: "127.0.0.1:8787",
		},
		PacketLog: PacketLogConfig{
			Enabled: true,
			Color:   true,
		},
		LogLevel: "info",
	}
}

// LoadInterceptor loads interceptor config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadInterceptor(path string) (Interceptor, error) {
	cfg := DefaultInterceptor()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a session.
func (c Interceptor) Validate() error {
	if c.Target.Host == "" {
		return fmt.Errorf("target.host is empty")
	}
	if c.Target.Port <= 0 || c.Target.Port > 65535 {
		return fmt.Errorf("target.port %d out of range", c.Target.Port)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// HandshakeEnabled reports whether every handshake header is set.
func (c Interceptor) HandshakeEnabled() bool {
	h := c.Handshake
	return h.InitHeader != 0 && h.ClientCompleteHeader != 0 && h.ServerCompleteHeader != 0
}

// ServerKey parses the game server public key.
func (c Interceptor) ServerKey() (*crypto.RSAKey, error) {
	if c.RSA.ServerModulus == "" {
		return nil, fmt.Errorf("rsa.server_modulus is empty")
	}
	key, err := crypto.ParseRSAKey(c.RSA.ServerExponent, c.RSA.ServerModulus, "")
	if err != nil {
		return nil, fmt.Errorf("parsing server key: %w", err)
	}
	return key, nil
}

// ProxyKey parses the proxy key pair. It returns nil, nil when no modulus is
// configured so the caller can generate one.
func (c Interceptor) ProxyKey() (*crypto.RSAKey, error) {
	if c.RSA.ProxyModulus == "" {
		return nil, nil
	}
	if c.RSA.ProxyPrivateExponent == "" {
		return nil, fmt.Errorf("rsa.proxy_private_exponent is empty")
	}
	key, err := crypto.ParseRSAKey(c.RSA.ProxyExponent, c.RSA.ProxyModulus, c.RSA.ProxyPrivateExponent)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy key: %w", err)
	}
	return key, nil
}

// KeyExchangeSizes converts the key exchange section.
func (c Interceptor) KeyExchangeSizes() crypto.KeyExchangeConfig {
	return crypto.KeyExchangeConfig{
		PrimeBits:      c.KeyExchange.PrimeBits,
		Confidence:     c.KeyExchange.Confidence,
		PrivateKeyBits: c.KeyExchange.PrivateKeyBits,
	}
}

// SlogLevel returns the configured log level.
func (c Interceptor) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return lvl, nil
}
