// Package config loads client configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. SANDBOX_URL.
const Prefix = "SANDBOX"

// DefaultSecret is the development HMAC secret the peer also falls back to.
const DefaultSecret = "default_client_key"

// Config holds all client configuration.
type Config struct {
	Peer      PeerConfig
	Transport TransportConfig
	Storage   StorageConfig
	Logging   LogConfig
	Status    StatusConfig
}

// PeerConfig identifies and authenticates against the peer.
type PeerConfig struct {
	URL          string `envconfig:"URL" default:"ws://localhost:5000/socket"`
	Secret       string `envconfig:"HMAC_SECRET" default:"default_client_key"`
	RequireLogin bool   `envconfig:"REQUIRE_LOGIN" default:"false"`
}

// TransportConfig holds channel options.
type TransportConfig struct {
	Reconnect          bool          `envconfig:"RECONNECT" default:"true"`
	ReconnectMin       time.Duration `envconfig:"RECONNECT_MIN" default:"1s"`
	ReconnectMax       time.Duration `envconfig:"RECONNECT_MAX" default:"5s"`
	HandshakeTimeout   time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	InsecureSkipVerify bool          `envconfig:"INSECURE_SKIP_VERIFY" default:"false"`
}

// StorageConfig locates the identity database.
type StorageConfig struct {
	DBPath string `envconfig:"DB_PATH" default:"data/client.db"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// StatusConfig holds the optional local status endpoint address.
type StatusConfig struct {
	Addr string `envconfig:"STATUS_ADDR" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	// Sections are processed separately so every variable is SANDBOX_<NAME>
	// rather than SANDBOX_<SECTION>_<NAME>.
	sections := []any{&cfg.Peer, &cfg.Transport, &cfg.Storage, &cfg.Logging, &cfg.Status}
	for _, section := range sections {
		if err := envconfig.Process(Prefix, section); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Peer: PeerConfig{
			URL:    "ws://localhost:5000/socket",
			Secret: DefaultSecret,
		},
		Transport: TransportConfig{
			Reconnect:        true,
			ReconnectMin:     time.Second,
			ReconnectMax:     5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: "data/client.db",
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks invariants envconfig cannot express.
func (c *Config) Validate() error {
	if c.Peer.URL == "" {
		return fmt.Errorf("peer URL is required")
	}
	if c.Peer.Secret == "" {
		return fmt.Errorf("HMAC secret is required")
	}
	if c.Transport.ReconnectMin <= 0 || c.Transport.ReconnectMax < c.Transport.ReconnectMin {
		return fmt.Errorf("invalid reconnect window %s..%s", c.Transport.ReconnectMin, c.Transport.ReconnectMax)
	}
	return nil
}

// UsesDefaultSecret reports whether the development secret is in use.
func (c *Config) UsesDefaultSecret() bool {
	return c.Peer.Secret == DefaultSecret
}
