package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// EventType tags why a balance changed.
type EventType string

// Event types.
const (
	EventMining          EventType = "mining"
	EventTrade           EventType = "trade"
	EventClaim           EventType = "claim"
	EventTierUpgrade     EventType = "tier_upgrade"
	EventAdminAdjustment EventType = "admin_adjustment"
	EventRefund          EventType = "refund"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventMining, EventTrade, EventClaim, EventTierUpgrade, EventAdminAdjustment, EventRefund:
		return true
	}
	return false
}

// Event is one immutable balance delta. Events of one identity form a
// hash chain: each Hash covers the event and the previous event's Hash.
type Event struct {
	ID        uint64             `json:"id"`
	Identity  types.Address      `json:"identity"`
	Resource  types.ResourceType `json:"resource"`
	Amount    int64              `json:"amount"` // positive = gain, negative = spend
	Type      EventType          `json:"type"`
	SourceRef string             `json:"source_ref,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	CreatedAt int64              `json:"created_at"` // unix millis

	Height   uint64     `json:"height"` // 1-based position in the identity's chain
	PrevHash types.Hash `json:"prev_hash"`
	Hash     types.Hash `json:"hash"`
}

// ComputeHash returns the chain hash of e. The Hash field itself is excluded.
func (e *Event) ComputeHash() (types.Hash, error) {
	cp := *e
	cp.Hash = types.Hash{}
	data, err := json.Marshal(&cp)
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode event: %w", err)
	}
	return crypto.Hash(data), nil
}

// Head is the tip of an identity's event chain.
type Head struct {
	Height uint64     `json:"height"`
	Hash   types.Hash `json:"hash"`
}

// Cache is the persisted aggregate of an identity's events up to Height.
type Cache struct {
	Balances    types.Balances `json:"balances"`
	Height      uint64         `json:"height"`
	RefreshedAt int64          `json:"refreshed_at"` // unix millis
}
