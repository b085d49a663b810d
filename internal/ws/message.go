package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/seafloor/internal/auth"
	"github.com/Klingon-tech/seafloor/pkg/types"
)

// Client message types.
const (
	TypeJoin = "join"
	TypeMove = "move"
	TypeMine = "mine"
	TypePing = "ping"
)

// Server reply types. Session broadcasts use the world event types.
const (
	TypeJoined       = "joined"
	TypeAck          = "ack"
	TypeMoveRejected = "move_rejected"
	TypeMineResult   = "mine_result"
	TypePong         = "pong"
	TypeError        = "error"
)

const (
	maxIDLen        = 64
	maxCoordinate   = 1e9
	maxRequestIDLen = 64
)

// Envelope is one client frame. Payload is decoded according to Type.
type Envelope struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload carries a join proof. Session, when set, must equal the
// session line of the signed message.
type JoinPayload struct {
	Proof   auth.Proof `json:"proof"`
	Session string     `json:"session,omitempty"`
}

// MovePayload is a position update.
type MovePayload struct {
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Z        *float64 `json:"z"`
	Rotation float64  `json:"rotation"`
}

// Position returns the update as a world position.
func (p *MovePayload) Position() types.Position {
	return types.Position{X: *p.X, Y: *p.Y, Z: *p.Z, Rotation: p.Rotation}
}

// MinePayload is a mining attempt.
type MinePayload struct {
	NodeID    string             `json:"node_id"`
	Resource  types.ResourceType `json:"resource,omitempty"`
	Position  *types.Position    `json:"position,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

// PingPayload is optional; ClientTime is echoed back.
type PingPayload struct {
	ClientTime int64 `json:"client_time,omitempty"`
}

// Reply is one server frame.
type Reply struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Joined acknowledges a join. The session snapshot precedes it.
type Joined struct {
	SessionID   string `json:"session_id"`
	Identity    string `json:"identity"`
	Created     bool   `json:"created,omitempty"`
	Reconnected bool   `json:"reconnected,omitempty"`
}

// MoveRejected tells the client where to snap back to.
type MoveRejected struct {
	Reason   string         `json:"reason"`
	Position types.Position `json:"position"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime int64 `json:"server_time"`
	ClientTime int64 `json:"client_time,omitempty"`
}

// ErrorPayload describes a refused message.
type ErrorPayload struct {
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Message is a decoded, validated client frame. Exactly one of the
// payload fields is set, matching Type.
type Message struct {
	Type string
	Seq  uint64
	Join *JoinPayload
	Move *MovePayload
	Mine *MinePayload
	Ping *PingPayload
}

// ParseMessage decodes and validates a client frame. Unknown types and
// unknown fields are rejected, as are non-finite or absurd numbers.
func ParseMessage(data []byte) (*Message, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	msg := &Message{Type: env.Type, Seq: env.Seq}

	switch env.Type {
	case TypeJoin:
		var p JoinPayload
		if err := decodePayload(env.Payload, &p, true); err != nil {
			return nil, err
		}
		if p.Proof.Address == "" || p.Proof.Message == "" || p.Proof.Signature == "" {
			return nil, errors.New("join: proof is incomplete")
		}
		if len(p.Session) > maxIDLen {
			return nil, errors.New("join: session id too long")
		}
		msg.Join = &p
	case TypeMove:
		var p MovePayload
		if err := decodePayload(env.Payload, &p, true); err != nil {
			return nil, err
		}
		if p.X == nil || p.Y == nil || p.Z == nil {
			return nil, errors.New("move: x, y and z are required")
		}
		if err := checkPosition(p.Position()); err != nil {
			return nil, fmt.Errorf("move: %w", err)
		}
		msg.Move = &p
	case TypeMine:
		var p MinePayload
		if err := decodePayload(env.Payload, &p, true); err != nil {
			return nil, err
		}
		if p.NodeID == "" || len(p.NodeID) > maxIDLen {
			return nil, errors.New("mine: node_id is required")
		}
		if p.Resource != "" && !p.Resource.Valid() {
			return nil, fmt.Errorf("mine: unknown resource %q", p.Resource)
		}
		if len(p.RequestID) > maxRequestIDLen {
			return nil, errors.New("mine: request_id too long")
		}
		if p.Position != nil {
			if err := checkPosition(*p.Position); err != nil {
				return nil, fmt.Errorf("mine: %w", err)
			}
		}
		msg.Mine = &p
	case TypePing:
		var p PingPayload
		if err := decodePayload(env.Payload, &p, false); err != nil {
			return nil, err
		}
		msg.Ping = &p
	case "":
		return nil, errors.New("envelope: type is required")
	default:
		return nil, fmt.Errorf("envelope: unknown type %q", env.Type)
	}
	return msg, nil
}

func checkPosition(p types.Position) error {
	if !p.Finite() {
		return errors.New("position must be finite")
	}
	for _, v := range []float64{p.X, p.Y, p.Z, p.Rotation} {
		if v > maxCoordinate || v < -maxCoordinate {
			return errors.New("position out of range")
		}
	}
	return nil
}

func decodePayload(raw json.RawMessage, target any, required bool) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if required {
			return errors.New("payload is required")
		}
		return nil
	}
	if err := decodeStrict(raw, target); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}

// decodeStrict decodes exactly one JSON value, refusing unknown fields.
func decodeStrict(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}
