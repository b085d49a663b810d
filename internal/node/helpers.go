package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/keystore"
	"github.com/Klingon-tech/seafloor/internal/settlement"
	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// devSignerKey is the first account of the standard local development
// mnemonic. Anyone can sign with it; testnet only.
const devSignerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaeb8efdc4ff5c02f"

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadEconomy returns the network's built-in economy or the override file.
func loadEconomy(cfg *config.Config) (*config.Economy, error) {
	econ := config.EconomyFor(cfg.Network)
	if cfg.EconomyFile != "" {
		var err error
		econ, err = config.LoadEconomy(expandHome(cfg.EconomyFile))
		if err != nil {
			return nil, fmt.Errorf("load economy %s: %w", cfg.EconomyFile, err)
		}
	}
	if err := econ.Validate(); err != nil {
		return nil, fmt.Errorf("invalid economy: %w", err)
	}
	return econ, nil
}

// openStorage opens the configured backend.
func openStorage(cfg *config.Config) (storage.DB, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		return storage.NewMemory(), nil
	}
	db, err := storage.NewBadger(cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	return db, nil
}

// loadSigner decrypts the claim signer key, or returns the development
// key when configured.
func loadSigner(cfg *config.Config) (*crypto.PrivateKey, error) {
	if cfg.Signer.Dev {
		if cfg.Network == config.Mainnet {
			return nil, fmt.Errorf("development signer is not allowed on mainnet")
		}
		return crypto.PrivateKeyFromHex(devSignerKey)
	}

	path := expandHome(cfg.SignerKeyFile())
	password, err := keystore.PasswordFromFile(expandHome(cfg.Signer.PasswordFile))
	if err != nil {
		return nil, err
	}
	key, err := keystore.Load(path, password)
	for i := range password {
		password[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// settlementReader returns the chain reader and the claim contract. With
// settlement disabled claims are only settled by the webhook.
func settlementReader(cfg *config.Config) (settlement.Reader, types.Address, error) {
	var contract types.Address
	if cfg.Settlement.Contract != "" {
		var err error
		contract, err = types.ParseAddress(cfg.Settlement.Contract)
		if err != nil {
			return nil, types.Address{}, fmt.Errorf("settlement.contract: %w", err)
		}
	}
	if !cfg.Settlement.Enabled {
		return settlement.NewStatic(), contract, nil
	}
	return settlement.NewClient(cfg.Settlement.RPCURL, contract), contract, nil
}
