// Package settlement reads claim state from the reward token contract.
//
// The server never submits transactions. Players redeem signed claims
// themselves; the server only asks the chain which nonce a player is at
// and whether a given transaction succeeded.
package settlement

import (
	"context"
	"errors"
	"sync"

	"github.com/Klingon-tech/seafloor/pkg/types"
)

// ErrReceiptNotFound is returned when a transaction has no receipt yet.
var ErrReceiptNotFound = errors.New("receipt not found")

// Receipt is the part of a transaction receipt the claim flow needs.
type Receipt struct {
	TxHash  types.Hash    `json:"tx_hash"`
	Block   uint64        `json:"block"`
	Success bool          `json:"success"`
	To      types.Address `json:"to"`
}

// Reader is the chain view used by the claim manager.
type Reader interface {
	// Nonce returns the next unused claim nonce of identity on chain.
	Nonce(ctx context.Context, identity types.Address) (uint64, error)
	// Receipt returns the receipt of txHash.
	Receipt(ctx context.Context, txHash types.Hash) (*Receipt, error)
}

// Static is an in-memory Reader for development networks and tests.
type Static struct {
	mu       sync.RWMutex
	nonces   map[types.Address]uint64
	receipts map[types.Hash]*Receipt
}

// NewStatic creates an empty Static reader. Every nonce starts at 0.
func NewStatic() *Static {
	return &Static{
		nonces:   make(map[types.Address]uint64),
		receipts: make(map[types.Hash]*Receipt),
	}
}

// Nonce implements Reader.
func (s *Static) Nonce(_ context.Context, identity types.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonces[identity], nil
}

// Receipt implements Reader.
func (s *Static) Receipt(_ context.Context, txHash types.Hash) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[txHash]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

// SetNonce sets the on-chain nonce of identity.
func (s *Static) SetNonce(identity types.Address, nonce uint64) {
	s.mu.Lock()
	s.nonces[identity] = nonce
	s.mu.Unlock()
}

// Redeem records a successful redemption: the nonce advances past nonce
// and txHash gets a successful receipt.
func (s *Static) Redeem(identity types.Address, nonce uint64, txHash types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonces[identity] <= nonce {
		s.nonces[identity] = nonce + 1
	}
	s.receipts[txHash] = &Receipt{TxHash: txHash, Success: true}
}

// SetReceipt stores an arbitrary receipt.
func (s *Static) SetReceipt(r Receipt) {
	s.mu.Lock()
	s.receipts[r.TxHash] = &r
	s.mu.Unlock()
}
