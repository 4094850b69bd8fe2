package controlplane

import (
	"time"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/session"
)

// Request/response type strings, per spec §6's control-plane wire
// format: JSON lines over TCP, every message carrying a "type" field.
const (
	reqPing               = "ping"
	reqAuthenticate       = "authenticate"
	reqListMachines       = "list_machines"
	reqGetStateSnapshot   = "get_state_snapshot"
	reqCreateSession      = "create_session"
	reqSendInput          = "send_input"
	reqResizeSession      = "resize_session"
	reqKillSession        = "kill_session"
	reqSubscribeSession   = "subscribe_session"
	reqUnsubscribeSession = "unsubscribe_session"
	reqDisconnectMachine  = "disconnect_machine"
	reqVerifyPairingCode  = "verify_pairing_code"

	respPong                   = "pong"
	respAuthenticated          = "authenticated"
	respAuthenticationRequired = "authentication_required"
	respMachines               = "machines"
	respSessions               = "sessions"
	respSessionCreated         = "session_created"
	respStateSnapshot          = "state_snapshot"
	respPairingCodeValid       = "pairing_code_valid"
	respRateLimited            = "rate_limited"
	respOK                     = "ok"
	respError                  = "error"
	respEvent                  = "event"
)

// envelope is the minimal shape every incoming line must parse as,
// enough to dispatch on Type before unmarshaling the rest into a
// request-specific struct.
type envelope struct {
	Type string `json:"type"`
}

type authenticateRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type createSessionRequest struct {
	Type      string            `json:"type"`
	MachineID string            `json:"machine_id"`
	Shell     string            `json:"shell,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      uint16            `json:"cols"`
	Rows      uint16            `json:"rows"`
}

type sendInputRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
	Bytes     []byte `json:"bytes"`
}

type resizeSessionRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type killSessionRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

type sessionIDRequest struct {
	Type      string `json:"type"`
	SessionID uint32 `json:"session_id"`
}

type machineIDRequest struct {
	Type      string `json:"type"`
	MachineID string `json:"machine_id"`
}

type verifyPairingCodeRequest struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Response payloads.

type pongResponse struct {
	Type string `json:"type"`
}

type authenticatedResponse struct {
	Type string `json:"type"`
}

type authenticationRequiredResponse struct {
	Type string `json:"type"`
}

type machineInfo struct {
	MachineID       string    `json:"machine_id"`
	PeerAddress     string    `json:"peer_address"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	ProtocolVersion string    `json:"protocol_version"`
}

func machineInfoFrom(c *connpool.Connection) machineInfo {
	return machineInfo{
		MachineID:       c.MachineID,
		PeerAddress:     c.PeerAddress,
		RegisteredAt:    c.RegisteredAt,
		LastHeartbeat:   c.LastHeartbeat(),
		ProtocolVersion: c.ProtocolVersion,
	}
}

type machinesResponse struct {
	Type     string        `json:"type"`
	Machines []machineInfo `json:"machines"`
}

type sessionInfo struct {
	ID        uint32    `json:"id"`
	MachineID string    `json:"machine_id"`
	ClientID  uint64    `json:"client_id"`
	Shell     string    `json:"shell,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Pid       int       `json:"pid,omitempty"`
	State     string    `json:"state"`
}

func sessionInfoFrom(s session.Snapshot) sessionInfo {
	return sessionInfo{
		ID:        s.ID,
		MachineID: s.MachineID,
		ClientID:  s.ClientID,
		Shell:     s.Shell,
		CreatedAt: s.CreatedAt,
		Pid:       s.Pid,
		State:     s.State.String(),
	}
}

type sessionsResponse struct {
	Type     string        `json:"type"`
	Sessions []sessionInfo `json:"sessions"`
}

type sessionCreatedResponse struct {
	Type      string `json:"type"`
	ID        uint32 `json:"id"`
	MachineID string `json:"machine_id"`
}

type stateSnapshotResponse struct {
	Type       string        `json:"type"`
	EpochID    string        `json:"epoch_id"`
	CurrentSeq uint64        `json:"current_seq"`
	Machines   []machineInfo `json:"machines"`
	Sessions   []sessionInfo `json:"sessions"`
}

type pairingCodeValidResponse struct {
	Type  string `json:"type"`
	Valid bool   `json:"valid"`
}

type rateLimitedResponse struct {
	Type       string  `json:"type"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
}

type okResponse struct {
	Type string `json:"type"`
}

type errorResponse struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// eventEnvelope mirrors eventbus.Event but adds the "event" wire-type
// wrapper so a client reading the stream can distinguish an
// asynchronously pushed event from a request's response by "type"
// alone, same as every other message on the wire.
type eventEnvelope struct {
	Type      string    `json:"type"`
	EpochID   string    `json:"epoch_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
}
