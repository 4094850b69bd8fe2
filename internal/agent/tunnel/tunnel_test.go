package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/peerverify"
	"github.com/k-terminus/orchestrator/internal/session"
	"github.com/k-terminus/orchestrator/internal/sshd"
)

// startOrchestrator wires a minimal sshd.Server, the real counterpart
// a tunnel.Tunnel dials into, over an ephemeral loopback listener.
func startOrchestrator(t *testing.T) (pool *connpool.Pool, sessions *session.Manager, addr string, stop func()) {
	t.Helper()

	signer, err := sshd.LoadOrGenerateHostKey(t.TempDir() + "/host_key")
	require.NoError(t, err)

	pool = connpool.New(0)
	bus := eventbus.New("e1")
	sessions = session.New(pool, bus, 0)
	verifier := &peerverify.LoopbackVerifier{HostFingerprint: "SHA256:abcdefgh12345678"}
	srv := sshd.New("127.0.0.1:0", signer, verifier, pool, sessions, bus)

	ln, err := net.Listen("tcp", srv.BindAddress)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeListener(ctx, ln)
	}()

	return pool, sessions, ln.Addr().String(), func() {
		cancel()
		<-done
	}
}

func TestTunnelRegistersAndAppearsInPool(t *testing.T) {
	pool, _, addr, stop := startOrchestrator(t)
	defer stop()

	tun := New(Config{
		OrchestratorAddr: addr,
		MachineID:        "agent-1",
		Hostname:         "host",
		OS:               "linux",
		Arch:             "x86_64",
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       200 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tun.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := pool.Get("agent-1")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base, 0.25)
		require.GreaterOrEqual(t, got, 7500*time.Millisecond)
		require.LessOrEqual(t, got, 12500*time.Millisecond)
	}
}

func TestJitterNoOpWhenFractionZero(t *testing.T) {
	require.Equal(t, 5*time.Second, jitter(5*time.Second, 0))
}
