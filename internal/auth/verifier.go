// Package auth verifies detached wallet signatures over canonical,
// action-bound proof messages.
package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/apperr"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Proof is the detached signature a client attaches to a signed action.
type Proof struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Verifier checks proofs against the freshness rules.
type Verifier struct {
	window time.Duration
	skew   time.Duration

	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]

	now func() time.Time
}

// NewVerifier creates a Verifier. A zero ReplayCacheSize disables VerifyOnce
// replay tracking.
func NewVerifier(rules config.AuthRules) *Verifier {
	v := &Verifier{
		window: rules.FreshnessWindow.Std(),
		skew:   rules.FutureSkew.Std(),
		now:    time.Now,
	}
	if rules.ReplayCacheSize > 0 {
		// A proof can only be replayed while it is fresh.
		v.seen = expirable.NewLRU[string, struct{}](rules.ReplayCacheSize, nil, v.window+v.skew)
	}
	return v
}

// Verify authenticates message as signed by claimed for one of the expected
// actions. It returns the parsed message on success and an authentication
// error carrying the failure reason otherwise.
func (v *Verifier) Verify(claimed, message, signature string, expected ...string) (*Message, error) {
	msg, err := ParseMessage(message)
	if err != nil {
		var de errDomain
		if errors.As(err, &de) {
			return nil, apperr.Auth(apperr.ReasonDomainMismatch, "%v", err)
		}
		return nil, apperr.Auth(apperr.ReasonMalformed, "message: %v", err)
	}

	identity, err := types.ParseAddress(claimed)
	if err != nil {
		return nil, apperr.Auth(apperr.ReasonMalformed, "address: %v", err)
	}

	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil || len(sig) != crypto.SignatureSize {
		return nil, apperr.Auth(apperr.ReasonMalformed, "signature must be %d hex bytes", crypto.SignatureSize)
	}

	signer, err := crypto.RecoverAddress(crypto.PersonalMessageHash([]byte(message)), sig)
	if err != nil {
		return nil, apperr.Auth(apperr.ReasonBadSignature, "%v", err)
	}
	if signer != identity {
		return nil, apperr.Auth(apperr.ReasonIdentityMismatch, "signed by %s, claimed %s", signer, identity)
	}
	if msg.Address != identity {
		return nil, apperr.Auth(apperr.ReasonIdentityMismatch, "message names %s, claimed %s", msg.Address, identity)
	}

	if !contains(expected, msg.Action) {
		return nil, apperr.Auth(apperr.ReasonActionMismatch, "action %q not accepted here", msg.Action)
	}

	now := v.now()
	if age := now.Sub(msg.Timestamp); age > v.window {
		return nil, apperr.Auth(apperr.ReasonStale, "proof is %s old", age.Truncate(time.Second))
	}
	if ahead := msg.Timestamp.Sub(now); ahead > v.skew {
		return nil, apperr.Auth(apperr.ReasonFuture, "proof is %s in the future", ahead.Truncate(time.Millisecond))
	}
	return msg, nil
}

// VerifyProof is Verify for a Proof.
func (v *Verifier) VerifyProof(p Proof, expected ...string) (*Message, error) {
	return v.Verify(p.Address, p.Message, p.Signature, expected...)
}

// VerifyOnce is VerifyProof that also refuses a proof it has accepted before.
// Used for state-changing actions. Proofs are keyed by the signed message,
// not the signature bytes, since (r, n-s) recovers to the same signer.
func (v *Verifier) VerifyOnce(p Proof, expected ...string) (*Message, error) {
	msg, err := v.VerifyProof(p, expected...)
	if err != nil || v.seen == nil {
		return msg, err
	}

	key := msg.String()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen.Contains(key) {
		return nil, apperr.Auth(apperr.ReasonReplayed, "proof already used")
	}
	v.seen.Add(key, struct{}{})
	return msg, nil
}

// Sign builds the canonical message for m and signs it with an EIP-191
// personal signature. Clients and tests use it to produce proofs.
func Sign(signer crypto.Signer, m Message) (Proof, error) {
	m.Address = signer.Address()
	text := m.String()
	sig, err := crypto.SignPersonal(signer, []byte(text))
	if err != nil {
		return Proof{}, err
	}
	return Proof{
		Address:   m.Address.String(),
		Message:   text,
		Signature: hexutil.Encode(sig),
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
