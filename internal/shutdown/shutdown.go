// Package shutdown roots the orchestrator's cancellation tree and
// drives its ordered teardown: the same pattern as the teacher's root
// command (signal.NotifyContext for SIGINT/SIGTERM, then an ordered
// sequence of component .Stop()/.Close() calls, then
// http.Server.Shutdown(ctx) under a fixed deadline) generalized from
// that command's fixed three-component list (terminal manager, tunnel
// manager, SSH manager) to this orchestrator's full component set
// (sshd, control plane, health monitor, janitor, diag) registered at
// wiring time instead of hardcoded inline.
package shutdown

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultGrace is the bounded grace window each component gets to drain
// outbound queues before the coordinator moves on, per spec §5's
// cancellation cascade description.
const DefaultGrace = 2 * time.Second

// DefaultDeadline bounds the whole ordered teardown, matching the
// teacher's http.Server.Shutdown(ctx) 10s timeout.
const DefaultDeadline = 10 * time.Second

// Stopper is one registered component. Stop must be idempotent and
// should return promptly once ctx is done, even if draining isn't
// finished — the coordinator enforces DefaultDeadline across the whole
// sequence, not per component.
type Stopper struct {
	Name string
	Stop func(ctx context.Context) error
}

// Coordinator owns the root cancellation context and the ordered list
// of components to tear down when that context is canceled, whether by
// OS signal, a fatal invariant violation, or an explicit Shutdown call.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	stoppers  []Stopper
	diagDir   string
	shutOnce  sync.Once
	doneCh    chan struct{}
}

// ErrSignalShutdown is the cancellation cause recorded for a normal
// SIGINT/SIGTERM-triggered shutdown.
var ErrSignalShutdown = fmt.Errorf("shutdown requested by signal")

// New creates a Coordinator whose root context is canceled on
// SIGINT/SIGTERM, mirroring the teacher's
// signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM). diagDir
// is where a fatal-shutdown diagnostic snapshot is written, if any.
func New(diagDir string) *Coordinator {
	sigCtx, sigStop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancelCause(context.Background())

	c := &Coordinator{ctx: ctx, cancel: cancel, diagDir: diagDir, doneCh: make(chan struct{})}

	go func() {
		<-sigCtx.Done()
		sigStop()
		cancel(ErrSignalShutdown)
	}()

	return c
}

// Context returns the root context, canceled once shutdown begins.
// Every connection, session, and listener task derives its own context
// from this one so cancellation cascades per spec §5's tree.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Register appends a component to the teardown sequence. Order matters:
// later-registered components are assumed to depend on earlier ones
// (e.g. the control plane depends on the session manager, so the
// session manager should be registered first and therefore stopped
// last) — Drain runs the list in reverse registration order, stopping
// the most dependent component first.
func (c *Coordinator) Register(name string, stop func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stoppers = append(c.stoppers, Stopper{Name: name, Stop: stop})
}

// Wait blocks until the root context is canceled, then runs the ordered
// Drain and returns the cancellation cause (ErrSignalShutdown, a fatal
// error, or the ctx.Err() of an explicit Shutdown).
func (c *Coordinator) Wait() error {
	<-c.ctx.Done()
	cause := context.Cause(c.ctx)
	c.Drain()
	return cause
}

// Drain runs every registered Stopper in reverse registration order,
// each under its own DefaultGrace timeout, within an overall
// DefaultDeadline. Safe to call multiple times; only the first call
// does anything.
func (c *Coordinator) Drain() {
	c.shutOnce.Do(func() {
		defer close(c.doneCh)

		deadline := time.Now().Add(DefaultDeadline)
		c.mu.Lock()
		stoppers := make([]Stopper, len(c.stoppers))
		copy(stoppers, c.stoppers)
		c.mu.Unlock()

		for i := len(stoppers) - 1; i >= 0; i-- {
			s := stoppers[i]
			remaining := time.Until(deadline)
			if remaining <= 0 {
				log.Printf("[shutdown] deadline exceeded before stopping %s", s.Name)
				continue
			}
			grace := DefaultGrace
			if grace > remaining {
				grace = remaining
			}
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			if err := s.Stop(ctx); err != nil {
				log.Printf("[shutdown] %s: %v", s.Name, err)
			} else {
				log.Printf("[shutdown] %s stopped", s.Name)
			}
			cancel()
		}
	})
}

// Done returns a channel closed once Drain has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Shutdown triggers an orderly teardown for a reason other than a
// signal (e.g. a CLI-driven stop command) and blocks until Drain
// completes.
func (c *Coordinator) Shutdown(reason error) {
	c.cancel(reason)
	c.Drain()
}

// diagnosticSnapshot is what ReportFatal dumps to diagDir before
// canceling the root context, so a post-mortem has the component
// inventory and the triggering error without needing the process still
// alive. Plain YAML, matching the teacher's own preference for
// gopkg.in/yaml.v3 over JSON for anything meant to be hand-read.
type diagnosticSnapshot struct {
	Timestamp   time.Time `yaml:"timestamp"`
	Reason      string    `yaml:"reason"`
	Components  []string  `yaml:"registered_components"`
}

// ReportFatal is the escalation path for errs.CodeInternalInvariantBroken
// (spec §7: "logged with full context and escalates to process
// shutdown"). It writes a diagnostic snapshot, logs the error, and
// cancels the root context so Wait's Drain runs.
func (c *Coordinator) ReportFatal(err error) {
	log.Printf("[shutdown] FATAL invariant violation, shutting down: %v", err)

	c.mu.Lock()
	names := make([]string, len(c.stoppers))
	for i, s := range c.stoppers {
		names[i] = s.Name
	}
	c.mu.Unlock()

	snap := diagnosticSnapshot{Timestamp: time.Now(), Reason: err.Error(), Components: names}
	if c.diagDir != "" {
		if data, marshalErr := yaml.Marshal(snap); marshalErr == nil {
			path := filepath.Join(c.diagDir, fmt.Sprintf("fatal-%d.yaml", time.Now().Unix()))
			if writeErr := os.WriteFile(path, data, 0o600); writeErr != nil {
				log.Printf("[shutdown] failed to write diagnostic snapshot: %v", writeErr)
			} else {
				log.Printf("[shutdown] diagnostic snapshot written to %s", path)
			}
		}
	}

	c.cancel(err)
}
