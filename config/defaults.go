package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Server: ServerConfig{
			Addr:         "127.0.0.1",
			Port:         8745,
			AllowedIPs:   []string{"0.0.0.0/0", "::/0"},
			MaxMsgBytes:  16 * 1024,
			OutboundSize: 256,
		},
		Settlement: SettlementConfig{
			Enabled: true,
			RPCURL:  "http://127.0.0.1:8545",
			ChainID: 1,
		},
		Storage: StorageConfig{
			Backend: BackendBadger,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Server.Port = 8845
	cfg.Settlement.Enabled = false
	cfg.Settlement.ChainID = 11155111
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
