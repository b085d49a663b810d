package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only instance-operational settings, NOT economy rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value
	case "economy.file":
		cfg.EconomyFile = value

	// Server
	case "server.addr":
		cfg.Server.Addr = value
	case "server.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Server.Port = port
	case "server.allowed":
		cfg.Server.AllowedIPs = parseStringList(value)
	case "server.cors":
		cfg.Server.CORSOrigins = parseStringList(value)
	case "server.ws_origins":
		cfg.Server.WSOrigins = parseStringList(value)
	case "server.trust_proxy":
		cfg.Server.TrustProxy = parseBool(value)
	case "server.max_msg_bytes":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Server.MaxMsgBytes = n
	case "server.outbound_queue":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Server.OutboundSize = n

	// Signer
	case "signer.keyfile":
		cfg.Signer.KeyFile = value
	case "signer.passwordfile":
		cfg.Signer.PasswordFile = value
	case "signer.dev":
		cfg.Signer.Dev = parseBool(value)

	// Settlement
	case "settlement.enabled", "settlement":
		cfg.Settlement.Enabled = parseBool(value)
	case "settlement.rpc":
		cfg.Settlement.RPCURL = value
	case "settlement.contract":
		cfg.Settlement.Contract = value
	case "settlement.chain_id":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Settlement.ChainID = n
	case "settlement.webhook_secret":
		cfg.Settlement.WebhookSecret = value

	// Storage
	case "storage.backend":
		cfg.Storage.Backend = strings.ToLower(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Seafloor Server Configuration
#
# This file contains INSTANCE settings only.
# Economy rules (drop rates, tiers, token rates, limits) are built in per
# network; override them with economy.file only on private deployments.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.seafloor)
# datadir = ~/.seafloor

# ============================================================================
# Server (JSON-RPC on /, socket gateway on /ws)
# ============================================================================

server.addr = 127.0.0.1
server.port = ` + defaultServerPort(network) + `
# CIDRs or IPs allowed to connect (comma-separated)
# server.allowed = 0.0.0.0/0
# CORS allowed origins ("*" for all)
# server.cors = http://localhost:3000
# Origins allowed to open sockets (empty = same host only)
# server.ws_origins = https://play.example.com
# Key rate limits by X-Forwarded-For (only behind a trusted proxy)
# server.trust_proxy = false

# ============================================================================
# Claim signer
# ============================================================================

# Encrypted signer key (create with seafloor-keytool create)
# signer.keyfile = ~/.seafloor/` + string(network) + `/keystore/signer.json
# signer.passwordfile =

# ============================================================================
# Settlement
# ============================================================================

settlement.enabled = ` + defaultSettlement(network) + `
# settlement.rpc = http://127.0.0.1:8545
# settlement.contract = 0x...
# settlement.chain_id = 1
# settlement.webhook_secret =

# ============================================================================
# Storage
# ============================================================================

storage.backend = badger

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultServerPort(network NetworkType) string {
	if network == Testnet {
		return "8845"
	}
	return "8745"
}

func defaultSettlement(network NetworkType) string {
	if network == Testnet {
		return "false"
	}
	return "true"
}
