package connpool

import (
	"testing"

	"github.com/k-terminus/orchestrator/internal/errs"
	"github.com/k-terminus/orchestrator/internal/frame"
	"github.com/stretchr/testify/require"
)

func TestTryInsertNewMachine(t *testing.T) {
	p := New(0)
	c := NewConnection("m1", "10.0.0.1:1", "1.0")
	prev, ok := p.TryInsert(c)
	require.True(t, ok)
	require.Nil(t, prev)
	require.Equal(t, 1, p.Count())
}

func TestTryInsertReplacementDoesNotBypassCap(t *testing.T) {
	p := New(1)
	var swept []string
	p.SetSweepFunc(func(id string) { swept = append(swept, id) })

	a := NewConnection("m1", "10.0.0.1:1", "1.0")
	prev, ok := p.TryInsert(a)
	require.True(t, ok)
	require.Nil(t, prev)
	require.Equal(t, 1, p.Count())

	b := NewConnection("m1", "10.0.0.2:1", "1.0")
	prev, ok = p.TryInsert(b)
	require.True(t, ok)
	require.Same(t, a, prev)
	require.Equal(t, 1, p.Count())
	require.Equal(t, []string{"m1"}, swept)

	got, ok := p.Get("m1")
	require.True(t, ok)
	require.Same(t, b, got)

	// A third distinct machine id must now be rejected: cap is 1 and m1
	// is occupied.
	c := NewConnection("m2", "10.0.0.3:1", "1.0")
	_, ok = p.TryInsert(c)
	require.False(t, ok)
	require.Equal(t, 1, p.Count())
}

func TestTryInsertClosesReplacedConnection(t *testing.T) {
	p := New(0)
	a := NewConnection("m1", "addr", "1.0")
	p.TryInsert(a)

	b := NewConnection("m1", "addr2", "1.0")
	p.TryInsert(b)

	_, open := <-a.Outbound
	require.False(t, open, "replaced connection's outbound channel must be closed")
}

func TestRemoveRunsSweepBeforeDroppingHandle(t *testing.T) {
	p := New(0)
	order := []string{}
	p.SetSweepFunc(func(id string) { order = append(order, "swept:"+id) })

	c := NewConnection("m1", "addr", "1.0")
	p.TryInsert(c)

	removed := p.Remove("m1")
	order = append(order, "removed")

	require.Same(t, c, removed)
	require.Equal(t, []string{"swept:m1", "removed"}, order)
	_, ok := p.Get("m1")
	require.False(t, ok)
}

func TestRemoveAbsentMachineIsNoop(t *testing.T) {
	p := New(0)
	require.Nil(t, p.Remove("ghost"))
}

func TestListIsSnapshot(t *testing.T) {
	p := New(0)
	p.TryInsert(NewConnection("m1", "a", "1.0"))
	p.TryInsert(NewConnection("m2", "b", "1.0"))

	snap := p.List()
	require.Len(t, snap, 2)

	p.Remove("m1")
	require.Len(t, snap, 2, "snapshot must not reflect subsequent mutation")
	require.Equal(t, 1, p.Count())
}

func TestConnectionTrySendBackpressure(t *testing.T) {
	c := NewConnection("m1", "addr", "1.0")
	for i := 0; i < OutboundQueueSize; i++ {
		require.NoError(t, c.TrySend(&frame.Frame{}))
	}
	err := c.TrySend(&frame.Frame{})
	require.Error(t, err)
	require.Equal(t, errs.CodeAgentBackpressure, errs.CodeOf(err))
}

func TestConnectionTrySendAfterCloseErrors(t *testing.T) {
	c := NewConnection("m1", "addr", "1.0")
	c.Close()
	err := c.TrySend(&frame.Frame{})
	require.Error(t, err)
}
