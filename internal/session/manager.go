package session

import (
	"sync"
	"time"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/errs"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/protocol"
)

// PreReadyBufferCap bounds how much input a session accepts before its
// agent-side PTY is confirmed ready (spec §4.6).
const PreReadyBufferCap = 8 * 1024

// Manager owns every live Session, enforces ownership, and routes bytes
// between control-plane clients and agent connections.
type Manager struct {
	pool                  *connpool.Pool
	bus                   *eventbus.Bus
	maxSessionsPerMachine int

	mu         sync.Mutex
	sessions   map[uint32]*Session
	nextID     uint32
	perMachine map[string]map[uint32]struct{}
	perClient  map[uint64]map[uint32]struct{}
	outputSubs map[uint32]map[uint64]uint64 // sessionID -> clientID -> bus subscriber id
}

// New creates a Manager and registers its RemoveByMachine as the pool's
// sweep hook, so connection replacement/removal always cleans up
// sessions before the connection handle is dropped (spec §4.6,
// remove_by_machine "occurs before the connection handle is dropped").
func New(pool *connpool.Pool, bus *eventbus.Bus, maxSessionsPerMachine int) *Manager {
	m := &Manager{
		pool:                  pool,
		bus:                   bus,
		maxSessionsPerMachine: maxSessionsPerMachine,
		sessions:              make(map[uint32]*Session),
		perMachine:            make(map[string]map[uint32]struct{}),
		perClient:             make(map[uint64]map[uint32]struct{}),
		outputSubs:            make(map[uint32]map[uint64]uint64),
	}
	pool.SetSweepFunc(m.RemoveByMachine)
	return m
}

// Create allocates a session, registers ownership, and asks the agent to
// spawn a PTY. It returns before the agent confirms readiness; see
// HandleSessionReady.
func (m *Manager) Create(machineID string, clientID uint64, shell string, env map[string]string, cols, rows uint16) (uint32, error) {
	for k, v := range env {
		if !protocol.ValidEnvKey(k) {
			return 0, errs.New(errs.CodeInvalidEnv, "invalid env key: "+k)
		}
		if len(v) > protocol.MaxEnvValueLen {
			return 0, errs.New(errs.CodeInvalidEnv, "env value too large for key: "+k)
		}
	}
	if !protocol.ValidDim(cols) || !protocol.ValidDim(rows) {
		return 0, errs.New(errs.CodeInvalidResize, "cols/rows out of range")
	}

	m.mu.Lock()

	conn, ok := m.pool.Get(machineID)
	if !ok {
		m.mu.Unlock()
		return 0, errs.New(errs.CodeMachineNotFound, "machine not connected: "+machineID)
	}

	if m.maxSessionsPerMachine > 0 && len(m.perMachine[machineID]) >= m.maxSessionsPerMachine {
		m.mu.Unlock()
		return 0, errs.New(errs.CodeSessionLimitExceeded, "session limit reached for "+machineID)
	}

	m.nextID++
	if m.nextID == 0 {
		m.nextID = 1 // skip the reserved connection-level id 0 on wraparound
	}
	id := m.nextID

	sess := &Session{
		ID:        id,
		owner:     owner{MachineID: machineID, ClientID: clientID},
		Shell:     shell,
		CreatedAt: time.Now(),
		state:     Creating,
	}
	m.sessions[id] = sess
	m.addMachineIndex(machineID, id)
	m.addClientIndex(clientID, id)

	f, err := protocol.Encode(id, &protocol.SessionCreate{SessionID: id, Shell: shell, Env: env, Cols: cols, Rows: rows})
	if err != nil {
		delete(m.sessions, id)
		m.removeMachineIndex(machineID, id)
		m.removeClientIndex(clientID, id)
		m.mu.Unlock()
		return 0, errs.Wrap(errs.CodeCodecError, "encode SessionCreate", err)
	}

	if err := conn.TrySend(f); err != nil {
		delete(m.sessions, id)
		m.removeMachineIndex(machineID, id)
		m.removeClientIndex(clientID, id)
		m.mu.Unlock()
		return 0, err
	}
	m.mu.Unlock()

	m.bus.Publish(eventbus.KindSessionCreated, map[string]any{
		"session_id": id,
		"machine_id": machineID,
	})
	return id, nil
}

// Input validates ownership, then either buffers bytes (session still
// Creating) or chunks and forwards them to the agent (session Ready).
func (m *Manager) Input(sessionID uint32, clientID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok || sess.state == Closed {
		return errs.New(errs.CodeSessionNotFound, "session not found")
	}
	if sess.owner.ClientID != clientID {
		return errs.New(errs.CodeNotOwner, "not the owning client")
	}

	if sess.state == Creating {
		if len(sess.preReadyBuf)+len(data) > PreReadyBufferCap {
			return errs.New(errs.CodeNotReady, "pre-ready input buffer full")
		}
		sess.preReadyBuf = append(sess.preReadyBuf, data...)
		return nil
	}

	conn, ok := m.pool.Get(sess.owner.MachineID)
	if !ok {
		return errs.New(errs.CodeSessionNotFound, "agent connection gone")
	}
	return sendChunked(conn, sessionID, data)
}

func sendChunked(conn *connpool.Connection, sessionID uint32, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > protocol.MaxSessionInput {
			n = protocol.MaxSessionInput
		}
		chunk := data[:n]
		data = data[n:]

		f, err := protocol.Encode(sessionID, &protocol.Data{SessionID: sessionID, Bytes: chunk})
		if err != nil {
			return errs.Wrap(errs.CodeCodecError, "encode Data", err)
		}
		if err := conn.TrySend(f); err != nil {
			return err
		}
	}
	return nil
}

// Resize validates bounds and ownership, then either stores the request
// for replay on Ready or forwards it immediately.
func (m *Manager) Resize(sessionID uint32, clientID uint64, cols, rows uint16) error {
	if !protocol.ValidDim(cols) || !protocol.ValidDim(rows) {
		return errs.New(errs.CodeInvalidResize, "cols/rows out of range")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok || sess.state == Closed {
		return errs.New(errs.CodeSessionNotFound, "session not found")
	}
	if sess.owner.ClientID != clientID {
		return errs.New(errs.CodeNotOwner, "not the owning client")
	}

	if sess.state == Creating {
		sess.pendingResize = &resizeRequest{Cols: cols, Rows: rows}
		return nil
	}

	conn, ok := m.pool.Get(sess.owner.MachineID)
	if !ok {
		return errs.New(errs.CodeSessionNotFound, "agent connection gone")
	}
	f, err := protocol.Encode(sessionID, &protocol.Resize{SessionID: sessionID, Cols: cols, Rows: rows})
	if err != nil {
		return errs.Wrap(errs.CodeCodecError, "encode Resize", err)
	}
	return conn.TrySend(f)
}

// Close implements KillSession: sends SessionClose to the agent (best
// effort), removes local state, and emits SessionClosed. A second call
// for an already-removed session returns SessionNotFound (spec §8
// property 7).
func (m *Manager) Close(sessionID uint32, clientID uint64) error {
	m.mu.Lock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.CodeSessionNotFound, "session not found")
	}
	if sess.owner.ClientID != clientID {
		m.mu.Unlock()
		return errs.New(errs.CodeNotOwner, "not the owning client")
	}

	m.closeLocked(sess, protocol.CloseReasonRequested)
	m.mu.Unlock()

	m.bus.Publish(eventbus.KindSessionClosed, map[string]any{
		"session_id": sessionID,
		"reason":     protocol.CloseReasonRequested,
	})
	return nil
}

// closeLocked tears down sess's bookkeeping and best-effort notifies the
// agent. Caller must hold m.mu and must publish the SessionClosed event
// itself after releasing the lock.
func (m *Manager) closeLocked(sess *Session, reason string) {
	if sess.state != Closed {
		if conn, ok := m.pool.Get(sess.owner.MachineID); ok {
			if f, err := protocol.Encode(sess.ID, &protocol.SessionClose{SessionID: sess.ID, Reason: reason}); err == nil {
				_ = conn.TrySend(f)
			}
		}
	}
	sess.state = Closed
	delete(m.sessions, sess.ID)
	m.removeMachineIndex(sess.owner.MachineID, sess.ID)
	m.removeClientIndex(sess.owner.ClientID, sess.ID)
	m.closeOutputSubsLocked(sess.ID)
}

// RemoveByMachine tears down every session owned by machineID. It is the
// pool's sweep hook: it runs synchronously before the connection handle
// is dropped, so no new operation can race the cleanup (spec §4.6).
func (m *Manager) RemoveByMachine(machineID string) {
	m.mu.Lock()
	ids := m.perMachine[machineID]
	toClose := make([]*Session, 0, len(ids))
	for id := range ids {
		if sess, ok := m.sessions[id]; ok {
			toClose = append(toClose, sess)
		}
	}
	for _, sess := range toClose {
		// Agent is already gone — skip the best-effort SessionClose send.
		sess.state = Closed
		delete(m.sessions, sess.ID)
		m.removeClientIndex(sess.owner.ClientID, sess.ID)
		m.closeOutputSubsLocked(sess.ID)
	}
	delete(m.perMachine, machineID)
	m.mu.Unlock()

	for _, sess := range toClose {
		m.bus.Publish(eventbus.KindSessionClosed, map[string]any{
			"session_id": sess.ID,
			"reason":     protocol.CloseReasonAgentLost,
		})
	}
}

// RemoveByClient closes every session owned by clientID, as if the
// client had sent KillSession for each. Called synchronously by the
// control plane's disconnect handler, before the client's own state is
// freed (spec §4.7).
func (m *Manager) RemoveByClient(clientID uint64) {
	m.mu.Lock()
	ids := m.perClient[clientID]
	toClose := make([]*Session, 0, len(ids))
	for id := range ids {
		if sess, ok := m.sessions[id]; ok {
			toClose = append(toClose, sess)
		}
	}
	for _, sess := range toClose {
		m.closeLocked(sess, protocol.CloseReasonOwnerLost)
	}
	delete(m.perClient, clientID)
	m.mu.Unlock()

	for _, sess := range toClose {
		m.bus.Publish(eventbus.KindSessionClosed, map[string]any{
			"session_id": sess.ID,
			"reason":     protocol.CloseReasonOwnerLost,
		})
	}
}

// HandleSessionReady processes the agent's SessionReady confirmation:
// flushes any pre-ready input and pending resize, then marks the
// session Ready.
func (m *Manager) HandleSessionReady(machineID string, sessionID uint32, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok || sess.owner.MachineID != machineID || sess.state != Creating {
		return
	}

	conn, ok := m.pool.Get(machineID)
	if !ok {
		return
	}

	sess.state = Ready
	sess.Pid = pid

	if len(sess.preReadyBuf) > 0 {
		_ = sendChunked(conn, sessionID, sess.preReadyBuf)
		sess.preReadyBuf = nil
	}
	if sess.pendingResize != nil {
		if f, err := protocol.Encode(sessionID, &protocol.Resize{SessionID: sessionID, Cols: sess.pendingResize.Cols, Rows: sess.pendingResize.Rows}); err == nil {
			_ = conn.TrySend(f)
		}
		sess.pendingResize = nil
	}
}

// HandleAgentSessionClose processes an agent-initiated SessionClose
// (e.g. ProcessExited).
func (m *Manager) HandleAgentSessionClose(machineID string, sessionID uint32, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.owner.MachineID != machineID {
		m.mu.Unlock()
		return
	}
	sess.state = Closed
	delete(m.sessions, sessionID)
	m.removeMachineIndex(sess.owner.MachineID, sessionID)
	m.removeClientIndex(sess.owner.ClientID, sessionID)
	m.closeOutputSubsLocked(sessionID)
	m.mu.Unlock()

	if reason == "" {
		reason = protocol.CloseReasonProcessExited
	}
	m.bus.Publish(eventbus.KindSessionClosed, map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	})
}

// HandleData fans out agent-originated output bytes to every
// control-plane subscriber of sessionID.
func (m *Manager) HandleData(machineID string, sessionID uint32, data []byte) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.owner.MachineID != machineID {
		m.mu.Unlock()
		return
	}
	subs := m.outputSubs[sessionID]
	ids := make([]uint64, 0, len(subs))
	for _, id := range subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	m.bus.PublishTo(ids, eventbus.KindSessionOutput, map[string]any{
		"session_id": sessionID,
		"bytes":      data,
	})
}

// SubscribeOutput registers clientID as a subscriber of sessionID's
// output and returns the dedicated subscriber to read from. Calling it
// again for the same (sessionID, clientID) pair returns a fresh
// subscriber, replacing any previous one.
func (m *Manager) SubscribeOutput(sessionID uint32, clientID uint64) (*eventbus.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, errs.New(errs.CodeSessionNotFound, "session not found")
	}

	if existing, ok := m.outputSubs[sessionID]; ok {
		if oldID, ok := existing[clientID]; ok {
			m.bus.Unsubscribe(oldID)
		}
	} else {
		m.outputSubs[sessionID] = make(map[uint64]uint64)
	}

	id, sub := m.bus.Subscribe(eventbus.DefaultSessionOutputCapacity)
	m.outputSubs[sessionID][clientID] = id
	return sub, nil
}

// UnsubscribeOutput removes clientID's output subscription for
// sessionID, if any.
func (m *Manager) UnsubscribeOutput(sessionID uint32, clientID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.outputSubs[sessionID]
	if !ok {
		return
	}
	id, ok := subs[clientID]
	if !ok {
		return
	}
	delete(subs, clientID)
	m.bus.Unsubscribe(id)
}

func (m *Manager) closeOutputSubsLocked(sessionID uint32) {
	subs, ok := m.outputSubs[sessionID]
	if !ok {
		return
	}
	for _, id := range subs {
		m.bus.Unsubscribe(id)
	}
	delete(m.outputSubs, sessionID)
}

// Snapshot returns a point-in-time view of every live session, for
// GetStateSnapshot.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// Count returns the number of live sessions, for tests and diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) addMachineIndex(machineID string, sessionID uint32) {
	if m.perMachine[machineID] == nil {
		m.perMachine[machineID] = make(map[uint32]struct{})
	}
	m.perMachine[machineID][sessionID] = struct{}{}
}

func (m *Manager) removeMachineIndex(machineID string, sessionID uint32) {
	set, ok := m.perMachine[machineID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(m.perMachine, machineID)
	}
}

func (m *Manager) addClientIndex(clientID uint64, sessionID uint32) {
	if m.perClient[clientID] == nil {
		m.perClient[clientID] = make(map[uint32]struct{})
	}
	m.perClient[clientID][sessionID] = struct{}{}
}

func (m *Manager) removeClientIndex(clientID uint64, sessionID uint32) {
	set, ok := m.perClient[clientID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(m.perClient, clientID)
	}
}
