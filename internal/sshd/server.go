// Package sshd implements the inbound SSH server: it accepts reverse
// tunnels from agents, verifies peer identity before the handshake,
// speaks the Register/RegisterAck handshake over a single dedicated SSH
// channel per tunnel, and wires the resulting frame stream into the
// connection pool and session manager.
package sshd

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/errs"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/frame"
	"github.com/k-terminus/orchestrator/internal/logutil"
	"github.com/k-terminus/orchestrator/internal/peerverify"
	"github.com/k-terminus/orchestrator/internal/protocol"
	"github.com/k-terminus/orchestrator/internal/session"
	"golang.org/x/crypto/ssh"
)

// TunnelChannelType is the one SSH channel type this server accepts; the
// frame codec runs directly over that channel's byte stream. Any other
// channel type is rejected.
const TunnelChannelType = "k-terminus-tunnel"

// ProtocolVersion is the wire protocol version this server speaks. An
// agent whose Register.Version doesn't match is rejected with
// RejectVersionMismatch before it is admitted to the pool.
const ProtocolVersion = "1.0"

// Server accepts inbound agent tunnels on a loopback-by-default TCP
// listener.
type Server struct {
	BindAddress string
	HostKey     ssh.Signer
	Verifier    peerverify.Verifier
	Pool        *connpool.Pool
	Sessions    *session.Manager
	Bus         *eventbus.Bus
	Limiter     *AcceptLimiter

	// OnAudit, if set, receives a short event name plus the peer address
	// for every admission decision (PeerRejected, AuthRateLimited,
	// ConnectionLimitExceeded, DuplicateMachineReplaced). Wired by main to
	// internal/audit.
	OnAudit func(event, peerAddr, detail string)
}

func New(bindAddress string, hostKey ssh.Signer, verifier peerverify.Verifier, pool *connpool.Pool, sessions *session.Manager, bus *eventbus.Bus) *Server {
	return &Server{
		BindAddress: bindAddress,
		HostKey:     hostKey,
		Verifier:    verifier,
		Pool:        pool,
		Sessions:    sessions,
		Bus:         bus,
		Limiter:     NewAcceptLimiter(),
	}
}

// Run listens on s.BindAddress and serves inbound tunnels until ctx is
// canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.BindAddress)
	if err != nil {
		return fmt.Errorf("sshd listen on %s: %w", s.BindAddress, err)
	}
	s.BindAddress = ln.Addr().String()
	return s.serveFromListener(ctx, ln)
}

// ServeListener runs the accept loop against an already-bound listener,
// for callers (tests, or an embedder wiring its own listener) that need
// the bound address before the server starts blocking in Run.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.BindAddress = ln.Addr().String()
	return s.serveFromListener(ctx, ln)
}

// serveFromListener runs the accept loop against an already-bound
// listener; Run uses it after resolving s.BindAddress to the actual bound
// address (useful when BindAddress asks for an ephemeral port), and tests
// use it directly to learn the bound port before dialing.
func (s *Server) serveFromListener(ctx context.Context, ln net.Listener) error {
	log.Printf("[sshd] listening on %s", ln.Addr())

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
				return fmt.Errorf("sshd accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	peerAddr := netConn.RemoteAddr().String()
	host, _, splitErr := net.SplitHostPort(peerAddr)
	if splitErr != nil {
		host = peerAddr
	}

	if err := s.Limiter.Allow(host); err != nil {
		log.Printf("[sshd] rejecting %s: %v", logutil.SanitizeForLog(host), err)
		s.audit("AuthRateLimited", peerAddr, err.Error())
		netConn.Close()
		return
	}

	result := s.Verifier.Verify(peerAddr)
	if result.Outcome == peerverify.Rejected {
		// Per spec §4.3: refuse the transport handshake before any
		// message is exchanged. No bytes are read from the socket.
		log.Printf("[sshd] peer rejected: %s", logutil.SanitizeForLog(peerAddr))
		s.audit("PeerRejected", peerAddr, "")
		s.Limiter.RecordFailure(host)
		netConn.Close()
		return
	}

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(s.HostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		log.Printf("[sshd] handshake failed for %s: %v", logutil.SanitizeForLog(peerAddr), err)
		s.Limiter.RecordFailure(host)
		netConn.Close()
		return
	}
	s.Limiter.RecordSuccess(host)
	go ssh.DiscardRequests(reqs)

	accepted := false
	for newChan := range chans {
		if accepted || newChan.ChannelType() != TunnelChannelType {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		accepted = true

		ch, chReqs, err := newChan.Accept()
		if err != nil {
			log.Printf("[sshd] channel accept failed for %s: %v", logutil.SanitizeForLog(peerAddr), err)
			sshConn.Close()
			return
		}
		go ssh.DiscardRequests(chReqs)
		s.serveTunnel(ctx, sshConn, ch, peerAddr, result)
	}
}

// serveTunnel owns one agent tunnel end to end: the Register handshake,
// the reader loop dispatching into the session manager, and the writer
// pump draining the connection's outbound queue. It returns once the
// tunnel is torn down.
func (s *Server) serveTunnel(ctx context.Context, sshConn *ssh.ServerConn, ch ssh.Channel, peerAddr string, verifyResult peerverify.Result) {
	defer ch.Close()
	defer sshConn.Close()

	reader := frame.NewReader(ch)
	writer := frame.NewWriter(ch)

	f, err := reader.ReadFrameLimited(frame.MaxPayload)
	if err != nil {
		log.Printf("[sshd] tunnel from %s closed before Register: %v", logutil.SanitizeForLog(peerAddr), err)
		return
	}
	msg, err := protocol.Decode(f)
	if err != nil {
		log.Printf("[sshd] malformed Register from %s: %v", logutil.SanitizeForLog(peerAddr), err)
		return
	}
	reg, ok := msg.(*protocol.Register)
	if !ok {
		log.Printf("[sshd] expected Register from %s, got %T", logutil.SanitizeForLog(peerAddr), msg)
		return
	}

	if reg.Version != ProtocolVersion {
		s.audit("ProtocolVersionMismatch", peerAddr, reg.Version)
		ack, _ := protocol.Encode(0, &protocol.RegisterAck{Accepted: false, Reason: protocol.RejectVersionMismatch})
		writer.WriteFrame(ack)
		return
	}

	machineID := reg.MachineID
	if machineID == "" {
		machineID = verifyResult.DeviceName
	}

	conn := connpool.NewConnection(machineID, peerAddr, reg.Version)
	previous, admitted := s.Pool.TryInsert(conn)
	if !admitted {
		s.audit("ConnectionLimitExceeded", peerAddr, machineID)
		ack, _ := protocol.Encode(0, &protocol.RegisterAck{Accepted: false, Reason: protocol.RejectLimitExceeded})
		writer.WriteFrame(ack)
		return
	}
	if previous != nil {
		s.audit("DuplicateMachineReplaced", peerAddr, machineID)
	}

	ack, err := protocol.Encode(0, &protocol.RegisterAck{Accepted: true, AssignedMachineID: machineID})
	if err != nil || writer.WriteFrame(ack) != nil {
		s.Pool.Remove(machineID)
		return
	}

	if s.Bus != nil {
		s.Bus.Publish(eventbus.KindMachineConnected, map[string]string{
			"machine_id":   machineID,
			"peer_address": peerAddr,
			"hostname":     reg.Hostname,
			"os":           reg.OS,
			"arch":         reg.Arch,
			"version":      reg.Version,
		})
	}
	log.Printf("[sshd] registered machine %s from %s", logutil.SanitizeForLog(machineID), logutil.SanitizeForLog(peerAddr))

	tunnelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-tunnelCtx.Done()
		ch.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for f := range conn.Outbound {
			if err := writer.WriteFrame(f); err != nil {
				log.Printf("[sshd] write to %s failed: %v", logutil.SanitizeForLog(machineID), err)
				cancel()
				return
			}
		}
	}()

	s.readLoop(reader, writer, conn, machineID)

	// The reader loop only returns once the tunnel is dead; clean up the
	// pool entry (idempotent if the health monitor or a replacing Register
	// already removed it) before waiting for the writer pump to drain.
	s.Pool.Remove(machineID)
	cancel()
	<-writerDone

	if s.Bus != nil {
		s.Bus.Publish(eventbus.KindMachineDisconnected, map[string]string{"machine_id": machineID})
	}
}

func (s *Server) readLoop(reader *frame.Reader, writer *frame.Writer, conn *connpool.Connection, machineID string) {
	for {
		f, err := reader.ReadFrameLimited(frame.MaxPayload)
		if err != nil {
			log.Printf("[sshd] tunnel to %s closed: %v", logutil.SanitizeForLog(machineID), err)
			return
		}
		conn.TouchHeartbeat()

		msg, err := protocol.Decode(f)
		if err != nil {
			log.Printf("[sshd] malformed frame from %s: %v", logutil.SanitizeForLog(machineID), err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.SessionReady:
			s.Sessions.HandleSessionReady(machineID, m.SessionID, m.Pid)
		case *protocol.Data:
			s.Sessions.HandleData(machineID, m.SessionID, m.Bytes)
		case *protocol.SessionClose:
			s.Sessions.HandleAgentSessionClose(machineID, m.SessionID, m.Reason)
		case *protocol.Heartbeat:
			if ack, err := protocol.Encode(0, &protocol.HeartbeatAck{}); err == nil {
				if err := conn.TrySend(ack); err != nil && errs.CodeOf(err) != errs.CodeAgentBackpressure {
					return
				}
			}
		case *protocol.HeartbeatAck:
			// TouchHeartbeat above already recorded liveness.
		case *protocol.Error:
			log.Printf("[sshd] agent %s reported error %s: %s", logutil.SanitizeForLog(machineID), m.Code, m.Message)
		default:
			log.Printf("[sshd] unexpected message %T from %s", msg, logutil.SanitizeForLog(machineID))
		}
	}
}

func (s *Server) audit(event, peerAddr, detail string) {
	if s.OnAudit != nil {
		s.OnAudit(event, peerAddr, detail)
	}
}
