package mining

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/seafloor/internal/storage"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// Key layout:
//
//	ma/<key(32)>                              -> Attempt JSON
//	mi/<identity(20)><seq(8)>                 -> key(32)
//	mc/<session>/<node>/<generation(8)>       -> key(32)
var (
	prefixAttempt = []byte("ma/")
	prefixByID    = []byte("mi/")
	prefixClaim   = []byte("mc/")
)

// Attempt is the immutable audit record of one mining attempt.
type Attempt struct {
	Key       types.Hash         `json:"key"`
	Identity  types.Address      `json:"identity"`
	SessionID string             `json:"session_id,omitempty"`
	NodeID    string             `json:"node_id"`
	Position  *types.Position    `json:"position,omitempty"`
	Distance  float64            `json:"distance"`
	Success   bool               `json:"success"`
	Reason    string             `json:"reason,omitempty"`
	Resource  types.ResourceType `json:"resource,omitempty"`
	Quantity  int64              `json:"quantity,omitempty"`
	EventID   uint64             `json:"event_id,omitempty"`
	IP        string             `json:"ip,omitempty"`
	UserAgent string             `json:"user_agent,omitempty"`
	LatencyUS int64              `json:"latency_us"`
	CreatedAt int64              `json:"created_at"` // unix millis
	// Outcome is the exact response returned for this attempt.
	Outcome json.RawMessage `json:"outcome,omitempty"`
}

func attemptKey(key types.Hash) []byte {
	k := make([]byte, len(prefixAttempt)+types.HashSize)
	copy(k, prefixAttempt)
	copy(k[len(prefixAttempt):], key[:])
	return k
}

func identityAttemptPrefix(identity types.Address) []byte {
	k := make([]byte, len(prefixByID)+types.AddressSize)
	copy(k, prefixByID)
	copy(k[len(prefixByID):], identity[:])
	return k
}

func identityAttemptKey(identity types.Address, seq uint64) []byte {
	p := identityAttemptPrefix(identity)
	k := make([]byte, len(p)+8)
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], seq)
	return k
}

func claimKey(sessionID, nodeID string, generation uint64) []byte {
	k := []byte(fmt.Sprintf("%s%s/%s/", prefixClaim, sessionID, nodeID))
	return binary.BigEndian.AppendUint64(k, generation)
}

func getAttempt(r storage.Reader, key types.Hash) (*Attempt, error) {
	data, err := r.Get(attemptKey(key))
	if err != nil {
		return nil, err
	}
	var a Attempt
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	return &a, nil
}

// putAttempt writes a new attempt and its identity index entry.
// errDuplicate is returned if the key already exists.
func putAttempt(txn storage.Txn, a *Attempt, seq uint64) error {
	k := attemptKey(a.Key)
	exists, err := txn.Has(k)
	if err != nil {
		return err
	}
	if exists {
		return errDuplicate
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	if err := txn.Put(k, data); err != nil {
		return err
	}
	return txn.Put(identityAttemptKey(a.Identity, seq), a.Key[:])
}

var errDuplicate = errors.New("attempt already recorded")
