// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Economy rules: fixed per network, shared by every server instance
//   - Node settings: Runtime configuration, can vary per instance
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-instance settings)
// =============================================================================

// Config holds instance-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// HTTP + socket server
	Server ServerConfig

	// Claim signer key
	Signer SignerConfig

	// On-chain settlement reader
	Settlement SettlementConfig

	// Backing store
	Storage StorageConfig

	// Optional economy override (JSON). Empty means the built-in table.
	EconomyFile string `conf:"economy.file"`

	// Logging
	Log LogConfig
}

// ServerConfig holds HTTP/JSON-RPC and socket gateway settings.
type ServerConfig struct {
	Addr        string   `conf:"server.addr"`
	Port        int      `conf:"server.port"`
	AllowedIPs  []string `conf:"server.allowed"`
	CORSOrigins []string `conf:"server.cors"` // Allowed CORS origins ("*" = all).
	WSOrigins   []string `conf:"server.ws_origins"`
	// TrustProxy makes the guard key HTTP callers by X-Forwarded-For.
	TrustProxy   bool `conf:"server.trust_proxy"`
	MaxMsgBytes  int  `conf:"server.max_msg_bytes"`
	OutboundSize int  `conf:"server.outbound_queue"`
}

// SignerConfig locates the key that signs claims.
type SignerConfig struct {
	KeyFile      string `conf:"signer.keyfile"`
	PasswordFile string `conf:"signer.passwordfile"`
	// Dev uses the well-known testnet signer. Refused on mainnet.
	Dev bool `conf:"signer.dev"`
}

// SettlementConfig holds the chain reader settings.
type SettlementConfig struct {
	Enabled       bool   `conf:"settlement.enabled"`
	RPCURL        string `conf:"settlement.rpc"`
	Contract      string `conf:"settlement.contract"`
	ChainID       int64  `conf:"settlement.chain_id"`
	WebhookSecret string `conf:"settlement.webhook_secret"`
}

// StorageConfig selects the backing store.
type StorageConfig struct {
	Backend string `conf:"storage.backend"` // badger or memory
}

// Storage backends.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.seafloor
//	macOS:   ~/Library/Application Support/Seafloor
//	Windows: %APPDATA%\Seafloor
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".seafloor"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Seafloor")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Seafloor")
		}
		return filepath.Join(home, "AppData", "Roaming", "Seafloor")
	default:
		return filepath.Join(home, ".seafloor")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the economy database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.NetworkDataDir(), "db")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// SignerKeyFile returns the signer key path, defaulting into the keystore.
func (c *Config) SignerKeyFile() string {
	if c.Signer.KeyFile != "" {
		return c.Signer.KeyFile
	}
	return filepath.Join(c.KeystoreDir(), "signer.json")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "seafloor.conf")
}
