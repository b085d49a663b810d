package claim

import (
	"fmt"
	"math/big"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"
)

var (
	domainTypeHash = crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	claimTypeHash  = crypto.Keccak256([]byte("Claim(address player,uint256 amount,uint256 nonce,uint256 deadline)"))
)

// Name and version the claim contract's EIP-712 domain is deployed with.
const (
	DomainName    = "Seafloor"
	DomainVersion = "1"
)

// Domain identifies the claim contract a signature is valid for.
type Domain struct {
	Name     string
	Version  string
	ChainID  int64
	Contract types.Address
}

// Separator returns the EIP-712 domain separator.
func (d Domain) Separator() types.Hash {
	return crypto.Keccak256(
		domainTypeHash[:],
		crypto.Keccak256([]byte(d.Name)).Bytes(),
		crypto.Keccak256([]byte(d.Version)).Bytes(),
		math.U256Bytes(big.NewInt(d.ChainID)),
		common.LeftPadBytes(d.Contract.Bytes(), 32),
	)
}

// Digest returns the EIP-712 digest of Claim(player, amount, nonce, deadline).
func (d Domain) Digest(player types.Address, amount *big.Int, nonce uint64, deadline int64) types.Hash {
	structHash := crypto.Keccak256(
		claimTypeHash[:],
		common.LeftPadBytes(player.Bytes(), 32),
		math.U256Bytes(new(big.Int).Set(amount)),
		math.U256Bytes(new(big.Int).SetUint64(nonce)),
		math.U256Bytes(big.NewInt(deadline)),
	)
	sep := d.Separator()
	return crypto.Keccak256([]byte("\x19\x01"), sep[:], structHash[:])
}

// ToWei converts whole tokens to the token's base unit. Amounts with more
// precision than the token supports are refused.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	shifted := amount.Shift(config.TokenDecimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, config.TokenDecimals)
	}
	return shifted.BigInt(), nil
}
