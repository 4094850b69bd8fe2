package session

import (
	"context"
	"testing"

	"github.com/k-terminus/orchestrator/internal/connpool"
	"github.com/k-terminus/orchestrator/internal/errs"
	"github.com/k-terminus/orchestrator/internal/eventbus"
	"github.com/k-terminus/orchestrator/internal/protocol"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *connpool.Pool, *connpool.Connection) {
	t.Helper()
	pool := connpool.New(0)
	bus := eventbus.New("e1")
	mgr := New(pool, bus, 0)

	conn := connpool.NewConnection("m1", "addr", "1.0")
	_, ok := pool.TryInsert(conn)
	require.True(t, ok)

	return mgr, pool, conn
}

func drainFrame(t *testing.T, conn *connpool.Connection) *protocol.SessionCreate {
	t.Helper()
	select {
	case f := <-conn.Outbound:
		msg, err := protocol.Decode(f)
		require.NoError(t, err)
		sc, ok := msg.(*protocol.SessionCreate)
		require.True(t, ok)
		return sc
	default:
		t.Fatal("expected a queued frame")
		return nil
	}
}

func TestCreateSendsSessionCreateAndEvent(t *testing.T) {
	mgr, _, conn := newTestManager(t)

	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	require.NotZero(t, id)

	sc := drainFrame(t, conn)
	require.Equal(t, id, sc.SessionID)
	require.Equal(t, uint16(80), sc.Cols)
}

func TestCreateMachineNotFound(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Create("ghost", 1, "", nil, 80, 24)
	require.Equal(t, errs.CodeMachineNotFound, errs.CodeOf(err))
}

func TestCreateInvalidEnv(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Create("m1", 1, "", map[string]string{"bad-key": "v"}, 80, 24)
	require.Equal(t, errs.CodeInvalidEnv, errs.CodeOf(err))
}

func TestCreateInvalidDims(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.Create("m1", 1, "", nil, 0, 24)
	require.Equal(t, errs.CodeInvalidResize, errs.CodeOf(err))
}

func TestCreateSessionLimitExceeded(t *testing.T) {
	pool := connpool.New(0)
	bus := eventbus.New("e1")
	mgr := New(pool, bus, 1)
	conn := connpool.NewConnection("m1", "addr", "1.0")
	pool.TryInsert(conn)

	_, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)

	_, err = mgr.Create("m1", 1, "", nil, 80, 24)
	require.Equal(t, errs.CodeSessionLimitExceeded, errs.CodeOf(err))
}

func TestInputBeforeReadyBuffersThenFlushesOnReady(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn) // SessionCreate

	require.NoError(t, mgr.Input(id, 1, []byte("hello")))

	// Nothing sent yet — session still Creating.
	select {
	case <-conn.Outbound:
		t.Fatal("no frame should be sent before SessionReady")
	default:
	}

	mgr.HandleSessionReady("m1", id, 999)

	select {
	case f := <-conn.Outbound:
		require.Equal(t, protocol.TypeData, f.Type)
		require.Equal(t, []byte("hello"), f.Payload)
	default:
		t.Fatal("expected buffered input to flush on ready")
	}
}

func TestInputExceedingPreReadyBufferFailsNotReady(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)

	big := make([]byte, PreReadyBufferCap)
	require.NoError(t, mgr.Input(id, 1, big))

	err = mgr.Input(id, 1, []byte("x"))
	require.Equal(t, errs.CodeNotReady, errs.CodeOf(err))
}

func TestInputAfterReadyIsChunked(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)
	mgr.HandleSessionReady("m1", id, 1)

	data := make([]byte, protocol.MaxSessionInput+10)
	require.NoError(t, mgr.Input(id, 1, data))

	f1 := <-conn.Outbound
	f2 := <-conn.Outbound
	require.Equal(t, protocol.MaxSessionInput, len(f1.Payload))
	require.Equal(t, 10, len(f2.Payload))
}

func TestInputWrongOwnerFailsNotOwner(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)

	err = mgr.Input(id, 2, []byte("x"))
	require.Equal(t, errs.CodeNotOwner, errs.CodeOf(err))
}

func TestResizeBoundsValidation(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)

	require.Equal(t, errs.CodeInvalidResize, errs.CodeOf(mgr.Resize(id, 1, 0, 24)))
	require.Equal(t, errs.CodeInvalidResize, errs.CodeOf(mgr.Resize(id, 1, 10001, 24)))
	require.NoError(t, mgr.Resize(id, 1, 1, 1))
}

func TestCloseTwiceReturnsSessionNotFoundSecondTime(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)

	require.NoError(t, mgr.Close(id, 1))
	err = mgr.Close(id, 1)
	require.Equal(t, errs.CodeSessionNotFound, errs.CodeOf(err))
}

func TestCloseWrongOwnerFailsNotOwner(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)

	err = mgr.Close(id, 2)
	require.Equal(t, errs.CodeNotOwner, errs.CodeOf(err))
}

func TestRemoveByMachineClosesAllItsSessions(t *testing.T) {
	mgr, pool, conn := newTestManager(t)
	id1, _ := mgr.Create("m1", 1, "", nil, 80, 24)
	drainFrame(t, conn)
	id2, _ := mgr.Create("m1", 2, "", nil, 80, 24)
	drainFrame(t, conn)
	require.Equal(t, 2, mgr.Count())

	pool.Remove("m1")

	require.Equal(t, 0, mgr.Count())
	require.Equal(t, errs.CodeSessionNotFound, errs.CodeOf(mgr.Input(id1, 1, []byte("x"))))
	require.Equal(t, errs.CodeSessionNotFound, errs.CodeOf(mgr.Input(id2, 2, []byte("x"))))
}

func TestRemoveByClientClosesOnlyThatClientsSessions(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id1, _ := mgr.Create("m1", 1, "", nil, 80, 24)
	drainFrame(t, conn)
	id2, _ := mgr.Create("m1", 2, "", nil, 80, 24)
	drainFrame(t, conn)

	mgr.RemoveByClient(1)

	require.Equal(t, 1, mgr.Count())
	require.Equal(t, errs.CodeSessionNotFound, errs.CodeOf(mgr.Input(id1, 1, []byte("x"))))
	require.NoError(t, mgr.Input(id2, 2, []byte("x"))) // still Creating, buffers fine
}

func TestOwnershipEnforcedAcrossClientsScenarioS5(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)
	mgr.HandleSessionReady("m1", id, 1)

	err = mgr.Input(id, 2, []byte("hi"))
	require.Equal(t, errs.CodeNotOwner, errs.CodeOf(err))

	mgr.RemoveByClient(1)

	err = mgr.Input(id, 2, []byte("hi"))
	require.Equal(t, errs.CodeSessionNotFound, errs.CodeOf(err))
}

func TestHandleDataFansOutToSubscribers(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)

	sub, err := mgr.SubscribeOutput(id, 1)
	require.NoError(t, err)

	mgr.HandleData("m1", id, []byte("hi\n"))

	ev, err := sub.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, eventbus.KindSessionOutput, ev.Kind)
}

func TestSubscribeUnsubscribeOutputIsIdempotentOnCount(t *testing.T) {
	mgr, bus, _ := func() (*Manager, *eventbus.Bus, *connpool.Connection) {
		pool := connpool.New(0)
		bus := eventbus.New("e1")
		mgr := New(pool, bus, 0)
		conn := connpool.NewConnection("m1", "addr", "1.0")
		pool.TryInsert(conn)
		return mgr, bus, conn
	}()

	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)

	before := bus.SubscriberCount()
	_, err = mgr.SubscribeOutput(id, 1)
	require.NoError(t, err)
	mgr.UnsubscribeOutput(id, 1)
	require.Equal(t, before, bus.SubscriberCount())
}

func TestHandleAgentSessionCloseEmitsProcessExited(t *testing.T) {
	mgr, _, conn := newTestManager(t)
	id, err := mgr.Create("m1", 1, "", nil, 80, 24)
	require.NoError(t, err)
	drainFrame(t, conn)

	mgr.HandleAgentSessionClose("m1", id, protocol.CloseReasonProcessExited)
	require.Equal(t, 0, mgr.Count())
}
