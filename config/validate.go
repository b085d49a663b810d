package config

import (
	"fmt"
	"net/url"

	"github.com/Klingon-tech/seafloor/pkg/types"
)

// MinWebhookSecretLen is the shortest accepted settlement webhook secret.
const MinWebhookSecretLen = 32

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in range [0, 65535]")
	}
	if cfg.Server.MaxMsgBytes < 0 {
		return fmt.Errorf("server.max_msg_bytes must not be negative")
	}
	if cfg.Server.OutboundSize < 0 {
		return fmt.Errorf("server.outbound_queue must not be negative")
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = BackendBadger
	case BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendBadger, BackendMemory)
	}

	if cfg.Signer.Dev && cfg.Network == Mainnet {
		return fmt.Errorf("signer.dev is not allowed on mainnet")
	}

	if cfg.Settlement.Enabled {
		if cfg.Settlement.Contract == "" {
			return fmt.Errorf("settlement.contract is required when settlement is enabled")
		}
		if _, err := types.ParseAddress(cfg.Settlement.Contract); err != nil {
			return fmt.Errorf("settlement.contract: %w", err)
		}
		u, err := url.Parse(cfg.Settlement.RPCURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("settlement.rpc must be an http(s) URL")
		}
		if cfg.Settlement.ChainID <= 0 {
			return fmt.Errorf("settlement.chain_id must be positive")
		}
	}
	if s := cfg.Settlement.WebhookSecret; s != "" && len(s) < MinWebhookSecretLen {
		return fmt.Errorf("settlement.webhook_secret must be at least %d characters", MinWebhookSecretLen)
	}

	return nil
}
