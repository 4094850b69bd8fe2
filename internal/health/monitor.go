// Package health runs the fixed-interval connection liveness sweep: dead
// connections are evicted, live ones are pinged with a Heartbeat.
package health

import (
	"context"
	"log"
	"time"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/logutil"
	"github.com/k-terminus/orchestrator/internal/protocol"
)

// DefaultInterval and DefaultTimeout match spec §4.5's defaults.
const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 90 * time.Second
)

// Monitor runs the periodic health sweep described in spec §4.5 as a
// single task.
type Monitor struct {
	Pool     *connpool.Pool
	Bus      *eventbus.Bus
	Interval time.Duration
	Timeout  time.Duration

	// OnDead, if set, is invoked synchronously for every connection
	// evicted for a timed-out heartbeat, in addition to the
	// MachineDisconnected event this monitor already publishes. Wired by
	// main to, e.g., update a status line.
	OnDead func(machineID string)
}

func New(pool *connpool.Pool, bus *eventbus.Bus) *Monitor {
	return &Monitor{
		Pool:     pool,
		Bus:      bus,
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
	}
}

// Run blocks, ticking at m.Interval, until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := time.Now()

	for _, conn := range m.Pool.List() {
		if now.Sub(conn.LastHeartbeat()) > timeout {
			m.evict(conn)
			continue
		}
		m.ping(conn)
	}
}

func (m *Monitor) evict(conn *connpool.Connection) {
	log.Printf("[health] connection to %s timed out, evicting", logutil.SanitizeForLog(conn.MachineID))
	removed := m.Pool.Remove(conn.MachineID)
	if removed == nil {
		return
	}
	if m.Bus != nil {
		m.Bus.Publish(eventbus.KindMachineDisconnected, map[string]string{"machine_id": conn.MachineID})
	}
	if m.OnDead != nil {
		m.OnDead(conn.MachineID)
	}
}

func (m *Monitor) ping(conn *connpool.Connection) {
	f, err := protocol.Encode(0, &protocol.Heartbeat{})
	if err != nil {
		log.Printf("[health] encode heartbeat: %v", err)
		return
	}
	if err := conn.TrySend(f); err != nil {
		log.Printf("[health] heartbeat backpressure for %s: %v", logutil.SanitizeForLog(conn.MachineID), err)
		if m.Bus != nil {
			m.Bus.Publish(eventbus.KindOrchestratorStatus, map[string]string{
				"event":      "BackpressureOnHeartbeat",
				"machine_id": conn.MachineID,
			})
		}
	}
}
