// Package apperr classifies failures of economy and world operations so
// transports can map them to wire codes without string matching.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the failure class of an operation.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindValidation
	KindConflict
	KindRateLimit
	KindInsufficient
	KindUnavailable
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:       "internal",
	KindAuthentication: "authentication",
	KindValidation:     "validation",
	KindConflict:       "conflict",
	KindRateLimit:      "rate_limit",
	KindInsufficient:   "insufficient_resource",
	KindUnavailable:    "unavailable",
	KindNotFound:       "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInternal       = &Error{Kind: KindInternal}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrRateLimit      = &Error{Kind: KindRateLimit}
	ErrInsufficient   = &Error{Kind: KindInsufficient}
	ErrUnavailable    = &Error{Kind: KindUnavailable}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// Stable reason strings shared by several packages.
const (
	ReasonMalformed           = "malformed"
	ReasonBadSignature        = "bad_signature"
	ReasonIdentityMismatch    = "identity_mismatch"
	ReasonActionMismatch      = "action_mismatch"
	ReasonDomainMismatch      = "domain_mismatch"
	ReasonStale               = "stale"
	ReasonFuture              = "future"
	ReasonReplayed            = "replayed"
	ReasonBanned              = "banned"
	ReasonRateLimited         = "rate_limited"
	ReasonCooldown            = "cooldown"
	ReasonAlreadyClaimed      = "already_claimed"
	ReasonNodeNotFound        = "node_not_found"
	ReasonNodeRespawning      = "node_respawning"
	ReasonOutOfRange          = "out_of_range"
	ReasonResourceMismatch    = "resource_mismatch"
	ReasonNotInSession        = "not_in_session"
	ReasonSessionFull         = "session_full"
	ReasonNonceReserved       = "nonce_reserved"
	ReasonNonceUsed           = "nonce_used"
	ReasonOverLimit           = "over_limit"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonInvalidTier         = "invalid_tier"
	ReasonMaxTier             = "max_tier"
	ReasonNotConfirmed        = "not_confirmed"
	ReasonStoreUnavailable    = "store_unavailable"
)

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Reason     string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a kind sentinel (or a classified error with
// the same kind and, when set, the same reason).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New returns a classified error.
func New(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Auth returns an authentication failure with the given reason.
func Auth(reason, format string, args ...any) *Error {
	return New(KindAuthentication, reason, format, args...)
}

// Invalid returns a validation failure.
func Invalid(reason, format string, args ...any) *Error {
	return New(KindValidation, reason, format, args...)
}

// Conflict returns a conflict failure.
func Conflict(reason, format string, args ...any) *Error {
	return New(KindConflict, reason, format, args...)
}

// Insufficient returns an insufficient-resource failure.
func Insufficient(reason, format string, args ...any) *Error {
	return New(KindInsufficient, reason, format, args...)
}

// Unavailable marks err as a transient infrastructure failure.
func Unavailable(err error) error {
	return Wrap(KindUnavailable, ReasonStoreUnavailable, err)
}

// RateLimited returns a rate-limit failure carrying a cooldown hint.
func RateLimited(reason string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Reason: reason, RetryAfter: retryAfter}
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the reason of the first classified error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// RetryAfterOf returns the cooldown hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
