// Package connpool implements the connection pool: bounded insertion,
// lookup by machine id, snapshot iteration, and atomic replace/remove
// with a session-sweep hook run before a connection handle is dropped.
package connpool

import (
	"sync"
	"time"

	"github.com/k-terminus/orchestrator/internal/errs"
	"github.com/k-terminus/orchestrator/internal/frame"
)

// OutboundQueueSize is the default bound on a connection's outbound
// channel to its agent (spec §5, "Channels are the synchronization
// primitives").
const OutboundQueueSize = 256

// Connection is one live tunnel to an agent.
type Connection struct {
	MachineID       string
	PeerAddress     string
	RegisteredAt    time.Time
	ProtocolVersion string

	// Outbound carries frames destined for the agent; the connection's
	// writer pump is the sole consumer.
	Outbound chan *frame.Frame

	mu            sync.Mutex
	lastHeartbeat time.Time
	closed        bool
	closeOnce     sync.Once
	onClose       func()
}

// NewConnection creates a Connection with a fresh outbound queue and its
// last-heartbeat clock started at now.
func NewConnection(machineID, peerAddress, protocolVersion string) *Connection {
	now := time.Now()
	return &Connection{
		MachineID:       machineID,
		PeerAddress:     peerAddress,
		RegisteredAt:    now,
		ProtocolVersion: protocolVersion,
		Outbound:        make(chan *frame.Frame, OutboundQueueSize),
		lastHeartbeat:   now,
	}
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Connection) TouchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// TrySend enqueues f without blocking. Returns AgentBackpressure if the
// outbound queue is full; that error is spec-mandated, not silently
// dropped or turned into a block.
func (c *Connection) TrySend(f *frame.Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errs.New(errs.CodeIoError, "connection closed")
	}
	select {
	case c.Outbound <- f:
		return nil
	default:
		return errs.New(errs.CodeAgentBackpressure, "outbound queue full for "+c.MachineID)
	}
}

// Close marks the connection closed and closes its outbound channel
// exactly once, so the connection's writer pump goroutine can drain and
// exit. onClose, if set via SetOnClose, runs before the channel closes.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		hook := c.onClose
		c.mu.Unlock()
		if hook != nil {
			hook()
		}
		close(c.Outbound)
	})
}

func (c *Connection) SetOnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

// SweepFunc is invoked synchronously by the pool immediately before a
// connection's handle is dropped, whether due to explicit removal,
// replacement, or health-monitor eviction. It must not itself touch the
// pool (it runs while the pool holds no lock, but re-entrant Remove calls
// for the same machine id are undefined). The session manager registers
// this to satisfy the "cleanup happens before the handle is dropped"
// invariant (spec §4.6, remove_by_machine).
type SweepFunc func(machineID string)

// Pool holds one Connection per machine id.
type Pool struct {
	mu             sync.RWMutex
	conns          map[string]*Connection
	maxConnections int // 0 = unbounded
	sweep          SweepFunc
}

func New(maxConnections int) *Pool {
	return &Pool{
		conns:          make(map[string]*Connection),
		maxConnections: maxConnections,
	}
}

// SetSweepFunc registers the callback run before a connection handle is
// dropped. Must be called once during wiring, before the pool serves
// any traffic.
func (p *Pool) SetSweepFunc(f SweepFunc) {
	p.mu.Lock()
	p.sweep = f
	p.mu.Unlock()
}

// TryInsert admits conn under conn.MachineID. If a connection already
// exists for that machine id, it is replaced: the old connection is
// swept and closed before the new one becomes visible, and this
// replacement never counts against maxConnections since the pool size is
// unchanged. A genuinely new machine id is admitted only if the
// resulting size would not exceed maxConnections.
//
// Returns the previous connection for that machine id (nil if none) and
// whether the insert was admitted.
func (p *Pool) TryInsert(conn *Connection) (previous *Connection, admitted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, existed := p.conns[conn.MachineID]

	sizeAfter := len(p.conns)
	if !existed {
		sizeAfter++
	}
	if p.maxConnections > 0 && sizeAfter > p.maxConnections {
		return nil, false
	}

	// Sweep and close the superseded connection while still holding the
	// pool lock: this keeps replacement atomic per the map's per-key
	// exclusion. Safe only because the sweep hook and Connection.Close
	// never perform blocking I/O — sends onto Outbound are non-blocking
	// (TrySend) and the hook itself only mutates in-memory session state.
	if existed {
		if p.sweep != nil {
			p.sweep(conn.MachineID)
		}
		old.Close()
	}

	p.conns[conn.MachineID] = conn
	return old, true
}

// Get returns the connection for machineID, or (nil, false) if absent.
// Absence is a normal outcome the caller must handle, not an error.
func (p *Pool) Get(machineID string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[machineID]
	return c, ok
}

// List returns a snapshot slice; the pool may mutate concurrently, so
// entries may already be gone by the time the caller acts on them.
func (p *Pool) List() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Remove sweeps and closes the connection for machineID, then deletes it
// from the pool. Returns the removed connection, or nil if there was
// none. The sweep hook runs before the map entry is deleted so that no
// new operation can observe the connection gone while its sessions are
// still live.
func (p *Pool) Remove(machineID string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[machineID]
	if !ok {
		return nil
	}
	if p.sweep != nil {
		p.sweep(machineID)
	}
	c.Close()
	delete(p.conns, machineID)
	return c
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
