// Package keystore stores the claim signer key encrypted on disk.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// PasswordEnv is read when no password file is configured.
const PasswordEnv = "SEAFLOOR_SIGNER_PASSWORD"

// ErrWrongPassword is returned when the key file cannot be authenticated.
var ErrWrongPassword = errors.New("keystore: wrong password or corrupt key file")

// Key sources.
const (
	SourceRaw      = "raw"
	SourceMnemonic = "mnemonic"
)

// keyFile is the on-disk JSON format for an encrypted signer.
type keyFile struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Address   string    `json:"address"`
	Source    string    `json:"source"`
	Account   uint32    `json:"account,omitempty"`
	Index     uint32    `json:"index,omitempty"`
	Sealed    []byte    `json:"sealed"`
}

// SaveKey encrypts a raw private key to path. Existing files are never
// overwritten.
func SaveKey(path string, key *crypto.PrivateKey, password []byte, p Params) (types.Address, error) {
	secret := key.Serialize()
	defer wipe(secret)
	kf := keyFile{Source: SourceRaw, Address: key.Address().Checksum()}
	return key.Address(), write(path, &kf, secret, password, p)
}

// SaveMnemonic encrypts a mnemonic and records the derivation index.
func SaveMnemonic(path, mnemonic string, account, index uint32, password []byte, p Params) (types.Address, error) {
	key, err := DeriveKey(mnemonic, "", account, index)
	if err != nil {
		return types.Address{}, err
	}
	defer key.Zero()
	kf := keyFile{Source: SourceMnemonic, Address: key.Address().Checksum(), Account: account, Index: index}
	return key.Address(), write(path, &kf, []byte(mnemonic), password, p)
}

func write(path string, kf *keyFile, secret, password []byte, p Params) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s already exists", path)
	}
	sealed, err := Seal(secret, password, p)
	if err != nil {
		return fmt.Errorf("encrypt key: %w", err)
	}
	kf.Version = 1
	kf.CreatedAt = time.Now().UTC()
	kf.Sealed = sealed

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Load decrypts the signer at path.
func Load(path string, password []byte) (*crypto.PrivateKey, error) {
	kf, err := read(path)
	if err != nil {
		return nil, err
	}
	secret, err := Open(kf.Sealed, password)
	if err != nil {
		return nil, err
	}
	defer wipe(secret)

	var key *crypto.PrivateKey
	switch kf.Source {
	case SourceRaw:
		key, err = crypto.PrivateKeyFromBytes(secret)
	case SourceMnemonic:
		key, err = DeriveKey(string(secret), "", kf.Account, kf.Index)
	default:
		return nil, fmt.Errorf("unknown key source %q", kf.Source)
	}
	if err != nil {
		return nil, err
	}

	want, err := types.ParseAddress(kf.Address)
	if err != nil {
		return nil, fmt.Errorf("key file address: %w", err)
	}
	if key.Address() != want {
		key.Zero()
		return nil, fmt.Errorf("key file address %s does not match decrypted key", kf.Address)
	}
	return key, nil
}

// ReadAddress returns the signer address without decrypting.
func ReadAddress(path string) (types.Address, error) {
	kf, err := read(path)
	if err != nil {
		return types.Address{}, err
	}
	return types.ParseAddress(kf.Address)
}

func read(path string) (*keyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != 1 {
		return nil, fmt.Errorf("unsupported key file version: %d", kf.Version)
	}
	return &kf, nil
}

// PasswordFromFile reads a password from file, or from PasswordEnv when
// file is empty. Trailing newlines are trimmed.
func PasswordFromFile(file string) ([]byte, error) {
	if file == "" {
		if v, ok := os.LookupEnv(PasswordEnv); ok {
			return []byte(v), nil
		}
		return nil, fmt.Errorf("no signer password: set %s or signer.passwordfile", PasswordEnv)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read password file: %w", err)
	}
	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}
