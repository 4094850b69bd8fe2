// Command orchestrator is the k-Terminus central server: it accepts
// inbound agent tunnels over SSH, tracks machines and sessions, speaks
// the loopback control-plane protocol to the local CLI/GUI, and runs
// the background health, retention, and diagnostics tasks alongside
// them. Wiring follows the same shape as the teacher's root main.go —
// load config, open the store, construct each component, start it,
// wait on a signal-driven shutdown, drain in reverse order — scaled to
// this orchestrator's own component set.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/k-terminus/orchestrator/internal/audit"
	"github.com/k-terminus/orchestrator/internal/config"
	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/controlplane"
	"github.com/k-terminus/orchestrator/internal/diag"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/health"
	"github.com/k-terminus/orchestrator/internal/janitor"
	"github.com/k-terminus/orchestrator/internal/logging"
	"github.com/k-terminus/orchestrator/internal/pairing"
	"github.com/k-terminus/orchestrator/internal/peerverify"
	"github.com/k-terminus/orchestrator/internal/pidfile"
	"github.com/k-terminus/orchestrator/internal/session"
	"github.com/k-terminus/orchestrator/internal/shutdown"
	"github.com/k-terminus/orchestrator/internal/sshd"
	"github.com/k-terminus/orchestrator/internal/store"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.Init()

	cfg := config.Cfg
	startedAt := time.Now()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	auditor, err := audit.New(st.DB(), cfg.AuditRetentionDays)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	if stalePid, stale, err := pidfile.CheckStale(cfg.PidPath()); err != nil {
		log.Fatalf("pid file: %v", err)
	} else if stale {
		log.Fatalf("orchestrator already running as pid %d (%s)", stalePid, cfg.PidPath())
	}
	if err := pidfile.Write(cfg.PidPath(), os.Getpid()); err != nil {
		log.Fatalf("write pid file: %v", err)
	}

	hostKey, err := sshd.LoadOrGenerateHostKey(cfg.HostKeyPath())
	if err != nil {
		log.Fatalf("host key: %v", err)
	}

	token, err := controlplane.GenerateToken()
	if err != nil {
		log.Fatalf("generate control-plane token: %v", err)
	}
	if err := controlplane.PersistToken(cfg.TokenPath(), token); err != nil {
		log.Fatalf("persist control-plane token: %v", err)
	}

	pool := connpool.New(cfg.MaxConnections)
	bus := eventbus.New(fmt.Sprintf("%d", startedAt.UnixNano()))
	sessions := session.New(pool, bus, cfg.MaxSessionsPerMachine)
	pairingSvc := pairing.New(st, cfg.PairingCodeLength)

	// Loopback agents (the common case during development, and any
	// agent colocated with the orchestrator) are trusted directly.
	// Everything else is verified against the local node's Tailscale
	// peer list when the CLI is installed and logged in; otherwise
	// non-loopback peers are rejected outright.
	fingerprint := ssh.FingerprintSHA256(hostKey.PublicKey())
	loopback := &peerverify.LoopbackVerifier{HostFingerprint: fingerprint}
	tsVerifier := peerverify.NewTailscaleVerifier()
	if tsVerifier.IsAvailable() {
		loopback.Next = tsVerifier
	} else {
		log.Printf("[main] tailscale not available, non-loopback agents will be rejected")
	}
	verifier := peerverify.NewVerifyCache(loopback, peerverify.DefaultCacheTTL)

	sshSrv := sshd.New(cfg.BindAddress, hostKey, verifier, pool, sessions, bus)
	sshSrv.OnAudit = func(event, peerAddr, detail string) { auditor.Log(event, peerAddr, detail) }

	ipcAddr := fmt.Sprintf("127.0.0.1:%d", cfg.IPCPort)
	cpSrv := controlplane.New(ipcAddr, token, pool, sessions, bus, pairingSvc)
	cpSrv.OnAudit = func(event, peerAddr, detail string) { auditor.Log(event, peerAddr, detail) }

	monitor := health.New(pool, bus)
	monitor.Interval = cfg.HeartbeatInterval
	monitor.Timeout = cfg.HeartbeatTimeout
	monitor.OnDead = func(machineID string) { auditor.Log("MachineDisconnected", machineID, "heartbeat timeout") }

	jan, err := janitor.New(auditor, st)
	if err != nil {
		log.Fatalf("janitor: %v", err)
	}

	diagSrv := diag.New(cfg.DiagAddr, diag.StatusProvider{
		Pool:      pool,
		Sessions:  sessions,
		StartedAt: startedAt,
		BindAddr:  cfg.BindAddress,
		IPCAddr:   ipcAddr,
	})

	coord := shutdown.New(cfg.DataPath)
	ctx := coord.Context()

	// Registration order matters: Drain stops in reverse, so the pid
	// file (nothing depends on it) is registered first and removed
	// last, after everything else including the store has stopped.
	coord.Register("pidfile", func(context.Context) error { return pidfile.Remove(cfg.PidPath()) })
	coord.Register("store", func(context.Context) error { return st.Close() })
	coord.Register("janitor", func(context.Context) error { jan.Stop(); return nil })
	coord.Register("diag", func(shCtx context.Context) error { return diagSrv.Shutdown(shCtx) })
	coord.Register("control plane", func(context.Context) error { return nil })
	coord.Register("sshd", func(context.Context) error { return nil })

	go func() {
		if err := sshSrv.Run(ctx); err != nil {
			log.Printf("[main] sshd stopped: %v", err)
		}
	}()

	go monitor.Run(ctx)

	jan.Start()

	go func() {
		if err := diagSrv.ListenAndServe(); err != nil {
			log.Printf("[main] diag stopped: %v", err)
		}
	}()

	go func() {
		if err := cpSrv.Run(ctx); err != nil {
			log.Printf("[main] control plane stopped: %v", err)
		}
	}()

	log.Printf("[main] k-terminus orchestrator listening: tunnel=%s control=%s diag=%s", cfg.BindAddress, ipcAddr, cfg.DiagAddr)
	log.Printf("[main] control-plane auth token written to %s", cfg.TokenPath())

	if err := coord.Wait(); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}
	log.Printf("[main] stopped")
}
