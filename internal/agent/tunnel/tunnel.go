// Package tunnel implements the agent side of the reverse SSH tunnel:
// dial out to the orchestrator, complete the Register/RegisterAck
// handshake, then dispatch inbound SessionCreate/Data/Resize/
// SessionClose/Heartbeat frames into spawned PTYs, reconnecting with
// exponential backoff whenever the tunnel drops.
package tunnel

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/k-terminus/orchestrator/internal/agent/ptyspawn"
	"github.com/k-terminus/orchestrator/internal/frame"
	"github.com/k-terminus/orchestrator/internal/logutil"
	"github.com/k-terminus/orchestrator/internal/protocol"
)

// channelType and protocolVersion must match internal/sshd's
// TunnelChannelType and ProtocolVersion; duplicated here rather than
// imported so the agent binary doesn't pull in the orchestrator's
// server-only dependencies (the accept limiter, peer verifier, etc.)
// for the sake of two string constants.
const (
	channelType     = "k-terminus-tunnel"
	protocolVersion = "1.0"
)

// EventType mirrors the reconnect lifecycle, grounded on the same
// observable states the teacher's own reconnect loop reports.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
)

// Event is emitted to the optional OnEvent listener for observability
// (e.g. a CLI status line).
type Event struct {
	Type      EventType
	Timestamp time.Time
	Detail    string
}

// Config holds everything the tunnel needs to dial and identify
// itself; the backoff fields come straight from spec §6's configured
// defaults (config.Settings.Backoff*).
type Config struct {
	OrchestratorAddr string
	MachineID        string
	Hostname         string
	OS               string
	Arch             string

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	OnEvent func(Event)
}

// Tunnel owns the reconnect loop and the live set of spawned sessions.
type Tunnel struct {
	cfg Config

	mu       sync.Mutex
	sessions map[uint32]*ptyspawn.Session
}

func New(cfg Config) *Tunnel {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.0
	}
	return &Tunnel{cfg: cfg, sessions: make(map[uint32]*ptyspawn.Session)}
}

// Run dials the orchestrator and serves the tunnel until ctx is
// canceled, reconnecting with exponential backoff+jitter after every
// disconnect.
func (t *Tunnel) Run(ctx context.Context) error {
	backoff := t.cfg.BackoffInitial

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := t.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.emit(EventDisconnected, errString(err))
		wait := jitter(backoff, t.cfg.BackoffJitter)
		log.Printf("[tunnel] disconnected: %v, reconnecting in %s", err, wait)
		t.emit(EventReconnecting, fmt.Sprintf("retry in %s", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * t.cfg.BackoffMultiplier)
		if backoff > t.cfg.BackoffMax {
			backoff = t.cfg.BackoffMax
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	return d + time.Duration(delta*(rand.Float64()*2-1))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (t *Tunnel) emit(typ EventType, detail string) {
	if t.cfg.OnEvent != nil {
		t.cfg.OnEvent(Event{Type: typ, Timestamp: time.Now(), Detail: detail})
	}
}

// connectAndServe dials once, completes the handshake, and serves
// frames until the connection drops or ctx is canceled.
func (t *Tunnel) connectAndServe(ctx context.Context) error {
	clientCfg := &ssh.ClientConfig{
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", t.cfg.OrchestratorAddr, clientCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(t.cfg.OrchestratorAddr), err)
	}
	defer client.Close()

	ch, reqs, err := client.OpenChannel(channelType, nil)
	if err != nil {
		return fmt.Errorf("open tunnel channel: %w", err)
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	reader := frame.NewReader(ch)
	writer := frame.NewWriter(ch)

	reg := &protocol.Register{
		MachineID: t.cfg.MachineID,
		Hostname:  t.cfg.Hostname,
		OS:        t.cfg.OS,
		Arch:      t.cfg.Arch,
		Version:   protocolVersion,
	}
	f, err := protocol.Encode(0, reg)
	if err != nil {
		return fmt.Errorf("encode Register: %w", err)
	}
	if err := writer.WriteFrame(f); err != nil {
		return fmt.Errorf("send Register: %w", err)
	}

	ackFrame, err := reader.ReadFrameLimited(frame.MaxPayload)
	if err != nil {
		return fmt.Errorf("read RegisterAck: %w", err)
	}
	ackMsg, err := protocol.Decode(ackFrame)
	if err != nil {
		return fmt.Errorf("decode RegisterAck: %w", err)
	}
	ack, ok := ackMsg.(*protocol.RegisterAck)
	if !ok {
		return fmt.Errorf("expected RegisterAck, got %T", ackMsg)
	}
	if !ack.Accepted {
		return fmt.Errorf("orchestrator rejected registration: %s", ack.Reason)
	}
	if ack.AssignedMachineID != "" {
		t.cfg.MachineID = ack.AssignedMachineID
	}

	t.emit(EventConnected, "")
	log.Printf("[tunnel] registered as %s with %s", logutil.SanitizeForLog(t.cfg.MachineID), logutil.SanitizeForLog(t.cfg.OrchestratorAddr))

	tunnelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-tunnelCtx.Done()
		ch.Close()
	}()

	return t.readLoop(reader, writer)
}

// readLoop dispatches inbound frames until the tunnel dies, then tears
// down every session it owns. It never returns nil: a closed tunnel is
// always treated as "reconnect".
func (t *Tunnel) readLoop(reader *frame.Reader, writer *frame.Writer) error {
	defer t.closeAllSessions()

	for {
		f, err := reader.ReadFrameLimited(frame.MaxPayload)
		if err != nil {
			return fmt.Errorf("tunnel closed: %w", err)
		}

		msg, err := protocol.Decode(f)
		if err != nil {
			log.Printf("[tunnel] malformed frame: %v", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.SessionCreate:
			t.handleSessionCreate(writer, m)
		case *protocol.Data:
			t.handleData(m)
		case *protocol.Resize:
			t.handleResize(m)
		case *protocol.SessionClose:
			t.handleSessionClose(m)
		case *protocol.Heartbeat:
			if ack, err := protocol.Encode(0, &protocol.HeartbeatAck{}); err == nil {
				_ = writer.WriteFrame(ack)
			}
		case *protocol.HeartbeatAck:
			// no-op: liveness is tracked orchestrator-side.
		default:
			log.Printf("[tunnel] unexpected message %T", msg)
		}
	}
}

func (t *Tunnel) handleSessionCreate(writer *frame.Writer, m *protocol.SessionCreate) {
	sess, err := ptyspawn.Spawn(m.SessionID, m.Shell, m.Env, m.Cols, m.Rows)
	if err != nil {
		log.Printf("[tunnel] spawn session %d failed: %v", m.SessionID, err)
		if f, encErr := protocol.Encode(m.SessionID, &protocol.SessionClose{SessionID: m.SessionID, Reason: protocol.CloseReasonProcessExited}); encErr == nil {
			_ = writer.WriteFrame(f)
		}
		return
	}

	t.mu.Lock()
	t.sessions[m.SessionID] = sess
	t.mu.Unlock()

	ready, err := protocol.Encode(m.SessionID, &protocol.SessionReady{SessionID: m.SessionID, Pid: sess.Pid})
	if err == nil {
		_ = writer.WriteFrame(ready)
	}

	go t.pumpOutput(writer, sess)
}

// pumpOutput relays a session's pty output back to the orchestrator
// until the shell exits, chunking at protocol.MaxSessionInput.
func (t *Tunnel) pumpOutput(writer *frame.Writer, sess *ptyspawn.Session) {
	buf := make([]byte, protocol.MaxSessionInput)
	for {
		n, err := sess.Read(buf)
		if n > 0 {
			if f, encErr := protocol.Encode(sess.SessionID, &protocol.Data{SessionID: sess.SessionID, Bytes: append([]byte(nil), buf[:n]...)}); encErr == nil {
				if writeErr := writer.WriteFrame(f); writeErr != nil {
					t.removeSession(sess.SessionID)
					return
				}
			}
		}
		if err != nil {
			reason := protocol.CloseReasonProcessExited
			if f, encErr := protocol.Encode(sess.SessionID, &protocol.SessionClose{SessionID: sess.SessionID, Reason: reason}); encErr == nil {
				_ = writer.WriteFrame(f)
			}
			t.removeSession(sess.SessionID)
			return
		}
	}
}

func (t *Tunnel) handleData(m *protocol.Data) {
	t.mu.Lock()
	sess, ok := t.sessions[m.SessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	_, _ = sess.Write(m.Bytes)
}

func (t *Tunnel) handleResize(m *protocol.Resize) {
	t.mu.Lock()
	sess, ok := t.sessions[m.SessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = sess.Resize(m.Cols, m.Rows)
}

func (t *Tunnel) handleSessionClose(m *protocol.SessionClose) {
	t.removeSession(m.SessionID)
}

func (t *Tunnel) removeSession(sessionID uint32) {
	t.mu.Lock()
	sess, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	if ok {
		sess.Close()
	}
}

func (t *Tunnel) closeAllSessions() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[uint32]*ptyspawn.Session)
	t.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
