package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/seafloor/pkg/types"
)

// Domain tag and version of the canonical proof message.
const (
	Domain  = "seafloor"
	Version = 1
)

// Signed actions. Join travels over the socket, the rest over HTTP.
const (
	ActionJoin    = "join"
	ActionBalance = "balance"
	ActionTier    = "tier"
	ActionUpgrade = "upgrade"
	ActionClaim   = "claim"
	ActionConfirm = "confirm"
)

// SessionAuto asks the server to pick a session on join.
const SessionAuto = "auto"

var knownActions = map[string]bool{
	ActionJoin:    true,
	ActionBalance: true,
	ActionTier:    true,
	ActionUpgrade: true,
	ActionClaim:   true,
	ActionConfirm: true,
}

// Message is the parsed form of a signed proof message:
//
//	seafloor:v1
//	action:<action>
//	address:<0x...>
//	timestamp:<unix-millis>
//	session:<id|auto>        (join only)
type Message struct {
	Action    string
	Address   types.Address
	Timestamp time.Time
	Session   string
}

// String renders the canonical message bytes that get signed.
func (m Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:v%d\n", Domain, Version)
	fmt.Fprintf(&b, "action:%s\n", m.Action)
	fmt.Fprintf(&b, "address:%s\n", m.Address)
	fmt.Fprintf(&b, "timestamp:%d", m.Timestamp.UnixMilli())
	if m.Action == ActionJoin {
		session := m.Session
		if session == "" {
			session = SessionAuto
		}
		fmt.Fprintf(&b, "\nsession:%s", session)
	}
	return b.String()
}

// errDomain marks a well-formed header for some other domain or version.
type errDomain struct{ header string }

func (e errDomain) Error() string { return fmt.Sprintf("unexpected domain %q", e.header) }

// ParseMessage parses a canonical message. Lines must appear in exact order;
// unknown, duplicate or missing lines are rejected.
func ParseMessage(s string) (*Message, error) {
	lines := strings.Split(s, "\n")
	if len(lines) < 4 || len(lines) > 5 {
		return nil, fmt.Errorf("want 4 or 5 lines, got %d", len(lines))
	}

	header := lines[0]
	if header != fmt.Sprintf("%s:v%d", Domain, Version) {
		if _, _, ok := strings.Cut(header, ":"); ok {
			return nil, errDomain{header: header}
		}
		return nil, fmt.Errorf("missing domain header")
	}

	action, err := field(lines[1], "action")
	if err != nil {
		return nil, err
	}
	if !knownActions[action] {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	rawAddr, err := field(lines[2], "address")
	if err != nil {
		return nil, err
	}
	addr, err := types.ParseAddress(rawAddr)
	if err != nil {
		return nil, err
	}

	rawTS, err := field(lines[3], "timestamp")
	if err != nil {
		return nil, err
	}
	ms, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil || ms <= 0 {
		return nil, fmt.Errorf("invalid timestamp %q", rawTS)
	}

	m := &Message{
		Action:    action,
		Address:   addr,
		Timestamp: time.UnixMilli(ms),
	}

	switch {
	case action == ActionJoin && len(lines) == 5:
		session, err := field(lines[4], "session")
		if err != nil {
			return nil, err
		}
		if len(session) > 64 {
			return nil, fmt.Errorf("session id too long")
		}
		m.Session = session
	case action == ActionJoin:
		return nil, fmt.Errorf("join requires a session line")
	case len(lines) == 5:
		return nil, fmt.Errorf("unexpected line %q", lines[4])
	}
	return m, nil
}

func field(line, name string) (string, error) {
	k, v, ok := strings.Cut(line, ":")
	if !ok || k != name {
		return "", fmt.Errorf("expected %q line, got %q", name, line)
	}
	if v == "" || strings.TrimSpace(v) != v {
		return "", fmt.Errorf("invalid %s value", name)
	}
	return v, nil
}
