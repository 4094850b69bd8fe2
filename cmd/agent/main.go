// Command agent is the k-Terminus agent: it dials out to an
// orchestrator's SSH tunnel endpoint, registers itself, and spawns PTYs
// on the orchestrator's behalf for every SessionCreate it receives,
// reconnecting with backoff whenever the tunnel drops. Wiring mirrors
// the teacher's own agent main.go (load config, register background
// work, block on a signal-driven shutdown) adapted from an HTTP
// listener pair to a single outbound tunnel.
package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/k-terminus/orchestrator/internal/agent/metrics"
	"github.com/k-terminus/orchestrator/internal/agent/tunnel"
	"github.com/k-terminus/orchestrator/internal/shutdown"
)

// metricsLogInterval is how often the agent samples and logs its own
// resource usage while the tunnel is up.
const metricsLogInterval = 60 * time.Second

// agentConfig holds the agent's own runtime configuration, read from
// the environment the same way the orchestrator reads config.Settings.
type agentConfig struct {
	OrchestratorAddr string `envconfig:"ORCHESTRATOR_ADDR" default:"127.0.0.1:2222"`
	MachineID        string `envconfig:"MACHINE_ID" default:""`
	DataPath         string `envconfig:"DATA_PATH" default:""`

	BackoffInitial    float64 `envconfig:"BACKOFF_INITIAL_SECONDS" default:"1"`
	BackoffMax        float64 `envconfig:"BACKOFF_MAX_SECONDS" default:"60"`
	BackoffMultiplier float64 `envconfig:"BACKOFF_MULTIPLIER" default:"2.0"`
	BackoffJitter     float64 `envconfig:"BACKOFF_JITTER" default:"0.25"`
}

func main() {
	var cfg agentConfig
	if err := envconfig.Process("K_TERMINUS_AGENT", &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.DataPath == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			cfg.DataPath = ".k-terminus-agent"
		} else {
			cfg.DataPath = filepath.Join(dir, ".k-terminus-agent")
		}
	}
	if err := os.MkdirAll(cfg.DataPath, 0o700); err != nil {
		log.Fatalf("create data directory: %v", err)
	}

	machineID, err := loadOrGenerateMachineID(filepath.Join(cfg.DataPath, "machine_id"), cfg.MachineID)
	if err != nil {
		log.Fatalf("machine id: %v", err)
	}

	hostname, _ := os.Hostname()

	tun := tunnel.New(tunnel.Config{
		OrchestratorAddr:  cfg.OrchestratorAddr,
		MachineID:         machineID,
		Hostname:          hostname,
		OS:                runtime.GOOS,
		Arch:              runtime.GOARCH,
		BackoffInitial:    secondsToDuration(cfg.BackoffInitial),
		BackoffMax:        secondsToDuration(cfg.BackoffMax),
		BackoffMultiplier: cfg.BackoffMultiplier,
		BackoffJitter:     cfg.BackoffJitter,
		OnEvent: func(ev tunnel.Event) {
			log.Printf("[agent] %s %s", ev.Type, ev.Detail)
		},
	})

	coord := shutdown.New(cfg.DataPath)
	coord.Register("tunnel", func(context.Context) error { return nil })

	ctx := coord.Context()
	go func() {
		if err := tun.Run(ctx); err != nil {
			log.Printf("[agent] tunnel stopped: %v", err)
		}
	}()
	go logMetricsPeriodically(ctx)

	log.Printf("[agent] machine_id=%s dialing %s", machineID, cfg.OrchestratorAddr)
	if err := coord.Wait(); err != nil {
		log.Printf("[agent] shutdown: %v", err)
	}
	log.Printf("[agent] stopped")
}

// loadOrGenerateMachineID returns the configured machine ID if one was
// set explicitly, otherwise a UUID persisted at path so the agent keeps
// the same identity across restarts.
func loadOrGenerateMachineID(path, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// logMetricsPeriodically samples the host's resource usage on a fixed
// interval and logs it, until ctx is canceled.
func logMetricsPeriodically(ctx context.Context) {
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := metrics.Collect()
			log.Printf("[agent] metrics mem=%.1f%% disk_avail=%dMB load1=%.2f", m.MemoryPercent, m.DiskAvailable/1024/1024, m.LoadAvg1m)
		}
	}
}
