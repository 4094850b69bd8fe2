// Package config loads orchestrator settings from the environment via
// envconfig, the same mechanism the teacher codebase uses for its single
// process-wide Settings struct. TOML file loading/editing is an external
// collaborator (the CLI/GUI's job); this is the core's own runtime
// configuration surface and must be usable with zero files present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds every operational configuration key enumerated in spec §6.
type Settings struct {
	BindAddress string `envconfig:"BIND_ADDRESS" default:"127.0.0.1:2222"`
	IPCPort     int    `envconfig:"IPC_PORT" default:"22230"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"90s"`

	// Zero means unbounded for both.
	MaxConnections         int `envconfig:"MAX_CONNECTIONS" default:"0"`
	MaxSessionsPerMachine  int `envconfig:"MAX_SESSIONS_PER_MACHINE" default:"0"`

	BackoffInitial    time.Duration `envconfig:"BACKOFF_INITIAL" default:"1s"`
	BackoffMax        time.Duration `envconfig:"BACKOFF_MAX" default:"60s"`
	BackoffMultiplier float64       `envconfig:"BACKOFF_MULTIPLIER" default:"2.0"`
	BackoffJitter     float64       `envconfig:"BACKOFF_JITTER" default:"0.25"`

	PairingCodeLength int `envconfig:"PAIRING_CODE_LENGTH" default:"8"`

	// DataPath is the per-user config/data directory: host_key,
	// ipc_auth_token, orchestrator.pid, the sqlite store, and the log file
	// all live under it.
	DataPath string `envconfig:"DATA_PATH" default:""`

	LogPath string `envconfig:"LOG_PATH" default:""`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// DiagAddr is the loopback HTTP diagnostics listener (/healthz,
	// /status.json, /debug/pprof). Distinct from IPCPort's control-plane
	// wire protocol.
	DiagAddr string `envconfig:"DIAG_ADDR" default:"127.0.0.1:22231"`
}

var Cfg Settings

// Load populates Cfg from the environment (prefix K_TERMINUS_) and fills
// in any path defaults that depend on the user's home directory.
func Load() error {
	if err := envconfig.Process("K_TERMINUS", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if Cfg.DataPath == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			Cfg.DataPath = ".k-terminus"
		} else {
			Cfg.DataPath = filepath.Join(dir, ".k-terminus")
		}
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "orchestrator.log")
	}
	if err := os.MkdirAll(Cfg.DataPath, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

func (s Settings) HostKeyPath() string  { return filepath.Join(s.DataPath, "host_key") }
func (s Settings) TokenPath() string    { return filepath.Join(s.DataPath, "ipc_auth_token") }
func (s Settings) PidPath() string      { return filepath.Join(s.DataPath, "orchestrator.pid") }
func (s Settings) DatabasePath() string { return filepath.Join(s.DataPath, "state.db") }
