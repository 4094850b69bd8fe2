package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/pairing"
	"github.com/k-terminus/orchestrator/internal/session"
	"github.com/k-terminus/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token-0123456789"

// testServer wires a fresh Server over an ephemeral loopback listener
// and returns it alongside its collaborators and a cleanup function.
func testServer(t *testing.T) (srv *Server, pool *connpool.Pool, sessions *session.Manager, bus *eventbus.Bus, addr string, stop func()) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	pool = connpool.New(0)
	bus = eventbus.New("e1")
	sessions = session.New(pool, bus, 0)
	pairingSvc := pairing.New(st, 8)

	srv = New("127.0.0.1:0", testToken, pool, sessions, bus, pairingSvc)

	ln, err := net.Listen("tcp", srv.BindAddress)
	require.NoError(t, err)
	srv.BindAddress = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serveFromListener(ctx, ln)
	}()

	return srv, pool, sessions, bus, srv.BindAddress, func() {
		cancel()
		<-done
		st.Close()
	}
}

// testClient is a minimal JSON-lines client over a raw TCP connection,
// mirroring how a real CLI/GUI would speak the control-plane protocol.
type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) close() { c.conn.Close() }

func (c *testClient) sendLine(v any) {
	data, _ := json.Marshal(v)
	data = append(data, '\n')
	c.conn.Write(data)
}

func (c *testClient) readLine(t *testing.T) map[string]any {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(line, &v))
	return v
}

func (c *testClient) authenticate(t *testing.T) {
	t.Helper()
	c.sendLine(map[string]string{"type": reqAuthenticate, "token": testToken})
	resp := c.readLine(t)
	require.Equal(t, respAuthenticated, resp["type"])
}

func TestPingBeforeAuthentication(t *testing.T) {
	_, _, _, _, addr, stop := testServer(t)
	defer stop()

	c := dialClient(t, addr)
	defer c.close()

	c.sendLine(map[string]string{"type": reqPing})
	resp := c.readLine(t)
	require.Equal(t, respPong, resp["type"])
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	_, _, _, _, addr, stop := testServer(t)
	defer stop()

	c := dialClient(t, addr)
	defer c.close()

	c.sendLine(map[string]string{"type": reqListMachines})
	resp := c.readLine(t)
	require.Equal(t, respAuthenticationRequired, resp["type"])
}

func TestAuthenticateWithBadTokenFails(t *testing.T) {
	_, _, _, _, addr, stop := testServer(t)
	defer stop()

	c := dialClient(t, addr)
	defer c.close()

	c.sendLine(map[string]string{"type": reqAuthenticate, "token": "wrong"})
	resp := c.readLine(t)
	require.Equal(t, respError, resp["type"])
}

func TestAuthenticateThenListMachines(t *testing.T) {
	_, pool, _, _, addr, stop := testServer(t)
	defer stop()

	pool.TryInsert(connpool.NewConnection("m1", "10.0.0.5:1234", "1.0"))

	c := dialClient(t, addr)
	defer c.close()
	c.authenticate(t)

	c.sendLine(map[string]string{"type": reqListMachines})
	resp := c.readLine(t)
	require.Equal(t, respMachines, resp["type"])
	machines := resp["machines"].([]any)
	require.Len(t, machines, 1)
}

func TestCreateSessionAgainstUnknownMachineFails(t *testing.T) {
	_, _, _, _, addr, stop := testServer(t)
	defer stop()

	c := dialClient(t, addr)
	defer c.close()
	c.authenticate(t)

	c.sendLine(map[string]any{"type": reqCreateSession, "machine_id": "ghost", "cols": 80, "rows": 24})
	resp := c.readLine(t)
	require.Equal(t, respError, resp["type"])
	require.Equal(t, "MachineNotFound", resp["code"])
}

func TestDisconnectingClientReleasesOwnedSessions(t *testing.T) {
	_, pool, sessions, _, addr, stop := testServer(t)
	defer stop()

	agentConn := connpool.NewConnection("m1", "10.0.0.5:1234", "1.0")
	pool.TryInsert(agentConn)
	// Drain the SessionCreate frame the manager sends so the outbound
	// queue never fills during the test.
	go func() {
		for range agentConn.Outbound {
		}
	}()

	c := dialClient(t, addr)
	c.authenticate(t)

	c.sendLine(map[string]any{"type": reqCreateSession, "machine_id": "m1", "cols": 80, "rows": 24})
	resp := c.readLine(t)
	require.Equal(t, respSessionCreated, resp["type"])
	require.Equal(t, 1, sessions.Count())

	c.close()

	require.Eventually(t, func() bool {
		return sessions.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestVerifyPairingCode(t *testing.T) {
	srv, _, _, _, addr, stop := testServer(t)
	defer stop()

	code, err := srv.Pairing.Issue("test device")
	require.NoError(t, err)

	c := dialClient(t, addr)
	defer c.close()
	c.authenticate(t)

	c.sendLine(map[string]string{"type": reqVerifyPairingCode, "code": code})
	resp := c.readLine(t)
	require.Equal(t, respPairingCodeValid, resp["type"])
	require.Equal(t, true, resp["valid"])

	// A pairing code is single-use.
	c.sendLine(map[string]string{"type": reqVerifyPairingCode, "code": code})
	resp = c.readLine(t)
	require.Equal(t, false, resp["valid"])
}

// fakeRemoteAddr lets a test net.Conn report an arbitrary RemoteAddr
// without an actual non-loopback socket.
type fakeRemoteAddr string

func (a fakeRemoteAddr) Network() string { return "tcp" }
func (a fakeRemoteAddr) String() string  { return string(a) }

type addrOverrideConn struct {
	net.Conn
	remote net.Addr
}

func (c addrOverrideConn) RemoteAddr() net.Addr { return c.remote }

func TestHandleConnRejectsNonLoopbackPeer(t *testing.T) {
	srv, _, _, _, _, stop := testServer(t)
	defer stop()

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		srv.handleConn(context.Background(), addrOverrideConn{Conn: server, remote: fakeRemoteAddr("203.0.113.5:4444")})
		close(done)
	}()

	// A rejected peer gets no bytes at all; the connection is just
	// closed. Confirm handleConn returns promptly rather than blocking
	// on bufio.Scanner waiting for a line that will never come.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not reject a non-loopback peer promptly")
	}

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := client.Read(buf)
	require.Error(t, err, "rejected peer must not receive any bytes")
}

func TestRequestRateLimitTriggersRateLimited(t *testing.T) {
	_, _, _, _, addr, stop := testServer(t)
	defer stop()

	c := dialClient(t, addr)
	defer c.close()
	c.authenticate(t)

	var sawRateLimited bool
	for i := 0; i < DefaultBurst+50; i++ {
		c.sendLine(map[string]string{"type": reqPing})
	}
	for i := 0; i < DefaultBurst+50; i++ {
		resp := c.readLine(t)
		if resp["type"] == respRateLimited {
			sawRateLimited = true
			break
		}
	}
	require.True(t, sawRateLimited)
}
