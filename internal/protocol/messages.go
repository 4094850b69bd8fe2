// Package protocol implements the typed message layer carried inside
// frame payloads: JSON-encoded control messages for every type except
// Data, whose payload is the raw session bytes. Each Go type here maps
// to exactly one frame.Type byte from the wire table.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/k-terminus/orchestrator/internal/frame"
)

// Message type bytes, per the wire protocol table.
const (
	TypeSessionCreate frame.Type = 0x01
	TypeSessionReady  frame.Type = 0x02
	TypeData          frame.Type = 0x03
	TypeResize        frame.Type = 0x04
	TypeSessionClose  frame.Type = 0x05
	TypeHeartbeat     frame.Type = 0x06
	TypeHeartbeatAck  frame.Type = 0x07
	TypeRegister      frame.Type = 0x08
	TypeRegisterAck   frame.Type = 0x09
	TypeError         frame.Type = 0xFF
)

// MaxSessionInput is the largest payload allowed in a single orchestrator
// to agent Data frame; larger writes are chunked by the caller.
const MaxSessionInput = 64 * 1024

// Register is the agent's greeting, sent on session id 0 before anything
// else crosses the tunnel.
type Register struct {
	MachineID string `json:"machine_id,omitempty"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Version   string `json:"version"`
}

// RegisterAck rejection reasons.
const (
	RejectUnauthorized       = "Unauthorized"
	RejectVersionMismatch    = "VersionMismatch"
	RejectLimitExceeded      = "LimitExceeded"
	RejectDuplicateReplaced  = "DuplicateReplaced"
)

type RegisterAck struct {
	Accepted          bool   `json:"accepted"`
	Reason            string `json:"reason,omitempty"`
	AssignedMachineID string `json:"assigned_machine_id,omitempty"`
}

type SessionCreate struct {
	SessionID uint32            `json:"session_id"`
	Shell     string            `json:"shell,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      uint16            `json:"cols"`
	Rows      uint16            `json:"rows"`
}

type SessionReady struct {
	SessionID uint32 `json:"session_id"`
	Pid       int    `json:"pid,omitempty"`
}

// Data is never JSON-marshaled: its frame payload IS the raw bytes. The
// struct exists so callers have a uniform value to pass around before
// it's split into frame.Frame{Type: TypeData, Payload: bytes}.
type Data struct {
	SessionID uint32
	Bytes     []byte
}

type Resize struct {
	SessionID uint32 `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// MinDim and MaxDim bound Resize.Cols/Rows and SessionCreate.Cols/Rows.
const (
	MinDim = 1
	MaxDim = 10000
)

// SessionClose close reasons.
const (
	CloseReasonProcessExited = "ProcessExited"
	CloseReasonAgentLost     = "AgentLost"
	CloseReasonClientClosed  = "ClientClosed"
	CloseReasonOwnerLost     = "OwnerLost"
	CloseReasonRequested     = "Requested"
)

type SessionClose struct {
	SessionID uint32 `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type Heartbeat struct{}

type HeartbeatAck struct{}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode marshals a typed message into a frame with the given session id.
// Data messages bypass JSON and use their raw bytes as the payload.
func Encode(sessionID uint32, msg any) (*frame.Frame, error) {
	switch m := msg.(type) {
	case *Data:
		return &frame.Frame{SessionID: sessionID, Type: TypeData, Payload: m.Bytes}, nil
	case Data:
		return &frame.Frame{SessionID: sessionID, Type: TypeData, Payload: m.Bytes}, nil
	}

	t, err := typeOf(msg)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return &frame.Frame{SessionID: sessionID, Type: t, Payload: payload}, nil
}

func typeOf(msg any) (frame.Type, error) {
	switch msg.(type) {
	case *Register, Register:
		return TypeRegister, nil
	case *RegisterAck, RegisterAck:
		return TypeRegisterAck, nil
	case *SessionCreate, SessionCreate:
		return TypeSessionCreate, nil
	case *SessionReady, SessionReady:
		return TypeSessionReady, nil
	case *Resize, Resize:
		return TypeResize, nil
	case *SessionClose, SessionClose:
		return TypeSessionClose, nil
	case *Heartbeat, Heartbeat:
		return TypeHeartbeat, nil
	case *HeartbeatAck, HeartbeatAck:
		return TypeHeartbeatAck, nil
	case *Error, Error:
		return TypeError, nil
	default:
		return 0, fmt.Errorf("protocol: no wire type for %T", msg)
	}
}

// Decode unmarshals f's payload into the type indicated by f.Type. The
// returned value's concrete type is one of the message structs above,
// or *Data for TypeData (payload is not copied).
func Decode(f *frame.Frame) (any, error) {
	switch f.Type {
	case TypeData:
		return &Data{SessionID: f.SessionID, Bytes: f.Payload}, nil
	case TypeRegister:
		var m Register
		return &m, unmarshal(f.Payload, &m)
	case TypeRegisterAck:
		var m RegisterAck
		return &m, unmarshal(f.Payload, &m)
	case TypeSessionCreate:
		var m SessionCreate
		return &m, unmarshal(f.Payload, &m)
	case TypeSessionReady:
		var m SessionReady
		return &m, unmarshal(f.Payload, &m)
	case TypeResize:
		var m Resize
		return &m, unmarshal(f.Payload, &m)
	case TypeSessionClose:
		var m SessionClose
		return &m, unmarshal(f.Payload, &m)
	case TypeHeartbeat:
		var m Heartbeat
		return &m, unmarshal(f.Payload, &m)
	case TypeHeartbeatAck:
		var m HeartbeatAck
		return &m, unmarshal(f.Payload, &m)
	case TypeError:
		var m Error
		return &m, unmarshal(f.Payload, &m)
	default:
		return nil, fmt.Errorf("protocol: unknown message type 0x%02x", byte(f.Type))
	}
}

func unmarshal(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

// ValidEnvKey matches spec §4.2: env keys are restricted to
// [A-Z_][A-Z0-9_]*, values to at most 4 KiB.
const MaxEnvValueLen = 4 * 1024

func ValidEnvKey(key string) bool {
	if key == "" {
		return false
	}
	first := key[0]
	if !(first == '_' || (first >= 'A' && first <= 'Z')) {
		return false
	}
	for i := 1; i < len(key); i++ {
		c := key[i]
		if !(c == '_' || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

func ValidDim(v uint16) bool {
	return v >= MinDim && v <= MaxDim
}
