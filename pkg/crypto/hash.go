// Package crypto provides cryptographic primitives for Seafloor.
package crypto

import (
	"github.com/Klingon-tech/seafloor/pkg/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data. Used for internal
// integrity chains and derived keys; never for anything the chain verifies.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// Keccak256 computes the Ethereum Keccak-256 hash of the concatenated inputs.
func Keccak256(data ...[]byte) types.Hash {
	var h types.Hash
	copy(h[:], ethcrypto.Keccak256(data...))
	return h
}

// AddressFromPubKey derives an account address from an uncompressed 65-byte
// public key: the last 20 bytes of Keccak256(X || Y).
func AddressFromPubKey(uncompressed []byte) types.Address {
	var addr types.Address
	if len(uncompressed) != 65 {
		return addr
	}
	h := Keccak256(uncompressed[1:])
	copy(addr[:], h[12:])
	return addr
}
