// Package controlplane implements the loopback control-plane server:
// the JSON-lines TCP protocol a local CLI/GUI speaks to drive machines
// and sessions, authenticate with a bearer token, and subscribe to the
// broadcast event stream (spec §4.7, §6).
package controlplane

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/errs"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/logutil"
	"github.com/k-terminus/orchestrator/internal/pairing"
	"github.com/k-terminus/orchestrator/internal/peerverify"
	"github.com/k-terminus/orchestrator/internal/session"
)

// MaxLineLength bounds a single JSON-lines request, mirroring
// protocol.MaxSessionInput's role on the agent tunnel: a client that
// sends an absurd line is protocol-violating, not merely slow.
const MaxLineLength = 1 << 20

// Server accepts loopback client connections and dispatches their
// requests against the session manager, connection pool, event bus and
// pairing service.
type Server struct {
	BindAddress string
	Token       string
	Pool        *connpool.Pool
	Sessions    *session.Manager
	Bus         *eventbus.Bus
	Pairing     *pairing.Service

	AuthLimiter *AuthFailLimiter

	// OnAudit, if set, receives a short event name plus the peer address
	// for every authentication decision. Wired by main to internal/audit.
	OnAudit func(event, peerAddr, detail string)

	nextClientID uint64
}

func New(bindAddress, token string, pool *connpool.Pool, sessions *session.Manager, bus *eventbus.Bus, pairingSvc *pairing.Service) *Server {
	return &Server{
		BindAddress: bindAddress,
		Token:       token,
		Pool:        pool,
		Sessions:    sessions,
		Bus:         bus,
		Pairing:     pairingSvc,
		AuthLimiter: NewAuthFailLimiter(),
	}
}

// Run listens on s.BindAddress and serves clients until ctx is
// canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.BindAddress)
	if err != nil {
		return fmt.Errorf("controlplane listen on %s: %w", s.BindAddress, err)
	}
	s.BindAddress = ln.Addr().String()
	return s.serveFromListener(ctx, ln)
}

func (s *Server) serveFromListener(ctx context.Context, ln net.Listener) error {
	log.Printf("[controlplane] listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("controlplane accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// clientConn holds one connected client's state: its identity, its
// general event subscription once authenticated, its per-session
// output subscriptions, and a write mutex so responses and pushed
// events never interleave their JSON lines.
type clientConn struct {
	id            uint64
	peerAddr      string
	authenticated bool
	limiter       *clientLimiter

	writeMu sync.Mutex
	enc     *json.Encoder

	mu         sync.Mutex
	eventSubID uint64
	hasEventID bool
	sessionSub map[uint32]struct{} // sessions this client has subscribed output for

	closeOnce sync.Once
	done      chan struct{}
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	peerAddr := netConn.RemoteAddr().String()
	if !peerverify.IsLoopback(peerAddr) {
		// Per spec: the control plane is a loopback-only surface. A
		// non-loopback peer is closed immediately, before a single byte
		// is read off the socket.
		log.Printf("[controlplane] rejecting non-loopback peer %s", logutil.SanitizeForLog(peerAddr))
		return
	}

	clientID := atomic.AddUint64(&s.nextClientID, 1)

	cc := &clientConn{
		id:         clientID,
		peerAddr:   peerAddr,
		limiter:    newClientLimiter(),
		enc:        json.NewEncoder(netConn),
		sessionSub: make(map[uint32]struct{}),
		done:       make(chan struct{}),
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		netConn.Close()
	}()

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineLength)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cc.limiter.Allow() {
			cc.send(rateLimitedResponse{Type: respRateLimited})
			continue
		}
		if err := s.dispatch(connCtx, cc, line); err != nil {
			if errors.Is(err, errStopClient) {
				break
			}
			log.Printf("[controlplane] client %d (%s): %v", clientID, logutil.SanitizeForLog(peerAddr), err)
		}
	}

	s.teardown(cc)
}

var errStopClient = errors.New("controlplane: stop client")

// teardown releases every subscription held by cc and frees any
// sessions it owns, exactly as if it had sent KillSession for each
// (spec §4.7: a disconnecting client never leaves orphaned sessions).
func (s *Server) teardown(cc *clientConn) {
	cc.closeOnce.Do(func() { close(cc.done) })

	cc.mu.Lock()
	if cc.hasEventID {
		s.Bus.Unsubscribe(cc.eventSubID)
		cc.hasEventID = false
	}
	for sessionID := range cc.sessionSub {
		s.Sessions.UnsubscribeOutput(sessionID, cc.id)
	}
	cc.mu.Unlock()

	s.Sessions.RemoveByClient(cc.id)
}

func (cc *clientConn) send(v any) {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	_ = cc.enc.Encode(v)
}

// pumpEvents relays ev to cc as a wire "event" message.
func (cc *clientConn) pumpEvents(ev eventbus.Event) {
	cc.send(eventEnvelope{
		Type:      respEvent,
		EpochID:   ev.EpochID,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Kind:      ev.Kind,
		Payload:   ev.Payload,
	})
}

// runSubscriber drains sub and forwards every event to cc until sub is
// closed or cc's connection ends.
func runSubscriber(ctx context.Context, cc *clientConn, sub *eventbus.Subscriber) {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		cc.pumpEvents(ev)
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, line []byte) error {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed request"})
		return nil
	}

	if env.Type != reqPing && env.Type != reqAuthenticate {
		if !cc.authenticated {
			cc.send(authenticationRequiredResponse{Type: respAuthenticationRequired})
			return nil
		}
	}

	switch env.Type {
	case reqPing:
		cc.send(pongResponse{Type: respPong})

	case reqAuthenticate:
		return s.handleAuthenticate(ctx, cc, line)

	case reqListMachines:
		s.handleListMachines(cc)

	case reqGetStateSnapshot:
		s.handleGetStateSnapshot(cc)

	case reqCreateSession:
		s.handleCreateSession(cc, line)

	case reqSendInput:
		s.handleSendInput(cc, line)

	case reqResizeSession:
		s.handleResizeSession(cc, line)

	case reqKillSession:
		s.handleKillSession(cc, line)

	case reqSubscribeSession:
		s.handleSubscribeSession(ctx, cc, line)

	case reqUnsubscribeSession:
		s.handleUnsubscribeSession(cc, line)

	case reqDisconnectMachine:
		s.handleDisconnectMachine(cc, line)

	case reqVerifyPairingCode:
		s.handleVerifyPairingCode(cc, line)

	default:
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeUnknownMessageType), Message: "unknown request type: " + env.Type})
	}
	return nil
}

func (s *Server) handleAuthenticate(ctx context.Context, cc *clientConn, line []byte) error {
	var req authenticateRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed authenticate request"})
		return nil
	}

	if err := s.AuthLimiter.Allow(cc.peerAddr); err != nil {
		var rl *ErrAuthRateLimited
		retry := 0.0
		if errors.As(err, &rl) {
			retry = rl.RetryAfter.Seconds()
		}
		cc.send(rateLimitedResponse{Type: respRateLimited, RetryAfter: retry})
		s.audit(eventControlPlaneAuthFailed, cc.peerAddr, "rate limited")
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.Token)) != 1 {
		s.AuthLimiter.RecordFailure(cc.peerAddr)
		s.audit(eventControlPlaneAuthFailed, cc.peerAddr, "bad token")
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeAuthenticationRequired), Message: "invalid token"})
		return nil
	}

	s.AuthLimiter.RecordSuccess(cc.peerAddr)
	cc.authenticated = true
	s.audit(eventControlPlaneConnected, cc.peerAddr, "")

	id, sub := s.Bus.Subscribe(eventbus.DefaultSubscriberCapacity)
	cc.mu.Lock()
	cc.eventSubID = id
	cc.hasEventID = true
	cc.mu.Unlock()
	go runSubscriber(ctx, cc, sub)

	cc.send(authenticatedResponse{Type: respAuthenticated})
	return nil
}

func (s *Server) handleListMachines(cc *clientConn) {
	conns := s.Pool.List()
	out := make([]machineInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, machineInfoFrom(c))
	}
	cc.send(machinesResponse{Type: respMachines, Machines: out})
}

func (s *Server) handleGetStateSnapshot(cc *clientConn) {
	conns := s.Pool.List()
	machines := make([]machineInfo, 0, len(conns))
	for _, c := range conns {
		machines = append(machines, machineInfoFrom(c))
	}
	snaps := s.Sessions.Snapshot()
	sessions := make([]sessionInfo, 0, len(snaps))
	for _, sn := range snaps {
		sessions = append(sessions, sessionInfoFrom(sn))
	}
	cc.send(stateSnapshotResponse{
		Type:       respStateSnapshot,
		EpochID:    s.Bus.EpochID(),
		CurrentSeq: s.Bus.CurrentSeq(),
		Machines:   machines,
		Sessions:   sessions,
	})
}

func (s *Server) handleCreateSession(cc *clientConn, line []byte) {
	var req createSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed create_session request"})
		return
	}
	id, err := s.Sessions.Create(req.MachineID, cc.id, req.Shell, req.Env, req.Cols, req.Rows)
	if err != nil {
		cc.sendErr(err)
		return
	}
	cc.send(sessionCreatedResponse{Type: respSessionCreated, ID: id, MachineID: req.MachineID})
}

func (s *Server) handleSendInput(cc *clientConn, line []byte) {
	var req sendInputRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed send_input request"})
		return
	}
	if err := s.Sessions.Input(req.SessionID, cc.id, req.Bytes); err != nil {
		cc.sendErr(err)
		return
	}
	cc.send(okResponse{Type: respOK})
}

func (s *Server) handleResizeSession(cc *clientConn, line []byte) {
	var req resizeSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed resize_session request"})
		return
	}
	if err := s.Sessions.Resize(req.SessionID, cc.id, req.Cols, req.Rows); err != nil {
		cc.sendErr(err)
		return
	}
	cc.send(okResponse{Type: respOK})
}

func (s *Server) handleKillSession(cc *clientConn, line []byte) {
	var req killSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed kill_session request"})
		return
	}
	if err := s.Sessions.Close(req.SessionID, cc.id); err != nil {
		cc.sendErr(err)
		return
	}
	cc.send(okResponse{Type: respOK})
}

func (s *Server) handleSubscribeSession(ctx context.Context, cc *clientConn, line []byte) {
	var req sessionIDRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed subscribe_session request"})
		return
	}
	sub, err := s.Sessions.SubscribeOutput(req.SessionID, cc.id)
	if err != nil {
		cc.sendErr(err)
		return
	}

	cc.mu.Lock()
	cc.sessionSub[req.SessionID] = struct{}{}
	cc.mu.Unlock()

	go runSubscriber(ctx, cc, sub)
	cc.send(okResponse{Type: respOK})
}

func (s *Server) handleUnsubscribeSession(cc *clientConn, line []byte) {
	var req sessionIDRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed unsubscribe_session request"})
		return
	}
	s.Sessions.UnsubscribeOutput(req.SessionID, cc.id)
	cc.mu.Lock()
	delete(cc.sessionSub, req.SessionID)
	cc.mu.Unlock()
	cc.send(okResponse{Type: respOK})
}

func (s *Server) handleDisconnectMachine(cc *clientConn, line []byte) {
	var req machineIDRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed disconnect_machine request"})
		return
	}
	removed := s.Pool.Remove(req.MachineID)
	if removed == nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMachineNotFound), Message: "machine not connected: " + req.MachineID})
		return
	}
	cc.send(okResponse{Type: respOK})
}

func (s *Server) handleVerifyPairingCode(cc *clientConn, line []byte) {
	var req verifyPairingCodeRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeMalformedPayload), Message: "malformed verify_pairing_code request"})
		return
	}
	valid, err := s.Pairing.Verify(req.Code)
	if err != nil {
		cc.send(errorResponse{Type: respError, Code: string(errs.CodeIoError), Message: "pairing code verification failed"})
		return
	}
	cc.send(pairingCodeValidResponse{Type: respPairingCodeValid, Valid: valid})
}

func (cc *clientConn) sendErr(err error) {
	code := errs.CodeOf(err)
	if code == "" {
		code = errs.CodeInternalInvariantBroken
	}
	cc.send(errorResponse{Type: respError, Code: string(code), Message: err.Error()})
}

func (s *Server) audit(event, peerAddr, detail string) {
	if s.OnAudit != nil {
		s.OnAudit(event, peerAddr, detail)
	}
}

// Audit event names for control-plane authentication decisions. These
// mirror internal/audit's EventControlPlane* constants by value; kept
// as local string literals rather than importing internal/audit
// directly so this package's only dependency on persistence is the
// OnAudit callback main wires in.
const (
	eventControlPlaneAuthFailed = "ControlPlaneAuthFailed"
	eventControlPlaneConnected  = "ControlPlaneConnected"
)
