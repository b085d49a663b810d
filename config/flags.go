package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Version is the server version string.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string
	Economy string

	// Server
	Addr       string
	Port       int
	Allowed    string
	CORS       string
	WSOrigins  string
	TrustProxy bool

	// Signer
	SignerKey      string
	SignerPassword string
	DevSigner      bool

	// Settlement
	Settlement    bool
	SettlementRPC string
	Contract      string
	ChainID       int64
	WebhookSecret string

	// Storage
	Storage string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetTrustProxy bool
	SetDevSigner  bool
	SetSettlement bool
	SetLogJSON    bool
}

// ParseFlags parses command-line flags.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("seafloord", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.Economy, "economy", "", "Economy rules JSON file")

	// Server
	fs.StringVar(&f.Addr, "addr", "", "Listen address")
	fs.IntVar(&f.Port, "port", 0, "Listen port")
	fs.StringVar(&f.Allowed, "allowed", "", "Allowed IPs/CIDRs (comma-separated)")
	fs.StringVar(&f.CORS, "cors", "", "Allowed CORS origins (comma-separated)")
	fs.StringVar(&f.WSOrigins, "ws-origins", "", "Allowed socket origins (comma-separated)")
	fs.BoolVar(&f.TrustProxy, "trust-proxy", false, "Key rate limits by X-Forwarded-For")

	// Signer
	fs.StringVar(&f.SignerKey, "signer-key", "", "Encrypted signer key file")
	fs.StringVar(&f.SignerPassword, "signer-password-file", "", "File holding the signer key password")
	fs.BoolVar(&f.DevSigner, "dev-signer", false, "Use the well-known testnet signer")

	// Settlement
	fs.BoolVar(&f.Settlement, "settlement", false, "Enable the on-chain settlement reader")
	fs.StringVar(&f.SettlementRPC, "settlement-rpc", "", "Ethereum JSON-RPC URL")
	fs.StringVar(&f.Contract, "contract", "", "Claim contract address")
	fs.Int64Var(&f.ChainID, "chain-id", 0, "Settlement chain ID")
	fs.StringVar(&f.WebhookSecret, "webhook-secret", "", "Settlement webhook HMAC secret")

	// Storage
	fs.StringVar(&f.Storage, "storage", "", "Storage backend (badger or memory)")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			f.Help = true
			return f, nil
		}
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	f.SetTrustProxy = isFlagSet(fs, "trust-proxy")
	f.SetDevSigner = isFlagSet(fs, "dev-signer")
	f.SetSettlement = isFlagSet(fs, "settlement")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Economy != "" {
		cfg.EconomyFile = f.Economy
	}

	// Server
	if f.Addr != "" {
		cfg.Server.Addr = f.Addr
	}
	if f.Port != 0 {
		cfg.Server.Port = f.Port
	}
	if f.Allowed != "" {
		cfg.Server.AllowedIPs = parseStringList(f.Allowed)
	}
	if f.CORS != "" {
		cfg.Server.CORSOrigins = parseStringList(f.CORS)
	}
	if f.WSOrigins != "" {
		cfg.Server.WSOrigins = parseStringList(f.WSOrigins)
	}
	if f.SetTrustProxy {
		cfg.Server.TrustProxy = f.TrustProxy
	}

	// Signer
	if f.SignerKey != "" {
		cfg.Signer.KeyFile = f.SignerKey
	}
	if f.SignerPassword != "" {
		cfg.Signer.PasswordFile = f.SignerPassword
	}
	if f.SetDevSigner {
		cfg.Signer.Dev = f.DevSigner
	}

	// Settlement
	if f.SetSettlement {
		cfg.Settlement.Enabled = f.Settlement
	}
	if f.SettlementRPC != "" {
		cfg.Settlement.RPCURL = f.SettlementRPC
	}
	if f.Contract != "" {
		cfg.Settlement.Contract = f.Contract
	}
	if f.ChainID != 0 {
		cfg.Settlement.ChainID = f.ChainID
	}
	if f.WebhookSecret != "" {
		cfg.Settlement.WebhookSecret = f.WebhookSecret
	}

	// Storage
	if f.Storage != "" {
		cfg.Storage.Backend = strings.ToLower(f.Storage)
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the daemon help text.
func PrintUsage(w io.Writer) {
	usage := `Seafloor - session and economy authority for the seafloor mining game

Usage:
  seafloord [options]
  seafloord --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.seafloor)
  --config, -c    Config file path (default: <datadir>/seafloor.conf)
  --economy       Economy rules JSON (default: built-in table)

Server Options:
  --addr          Listen address (default: 127.0.0.1)
  --port          Listen port (mainnet: 8745, testnet: 8845)
  --allowed       Allowed IPs/CIDRs (comma-separated)
  --cors          Allowed CORS origins (comma-separated)
  --ws-origins    Allowed socket origins (comma-separated)
  --trust-proxy   Key rate limits by X-Forwarded-For

Signer Options:
  --signer-key            Encrypted signer key file
  --signer-password-file  File holding the signer key password
                          (or set SEAFLOOR_SIGNER_PASSWORD)
  --dev-signer            Use the well-known testnet signer (testnet only)

Settlement Options:
  --settlement      Enable the on-chain settlement reader
  --settlement-rpc  Ethereum JSON-RPC URL
  --contract        Claim contract address
  --chain-id        Settlement chain ID
  --webhook-secret  Settlement webhook HMAC secret

Storage Options:
  --storage       badger (default) or memory

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Local development server with throwaway state
  seafloord --testnet --dev-signer --storage=memory

  # Production server
  seafloord --settlement --contract=0x... --settlement-rpc=https://rpc.example

Note:
  Economy rules are fixed per network. Data directories are created
  automatically on first start.
`
	fmt.Fprint(w, usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help || flags.Version {
		return nil, flags, nil
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent; safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.NetworkDataDir(),
		cfg.DBDir(),
		cfg.KeystoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
