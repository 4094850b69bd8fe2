package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRegisterAndDrainRunsInReverseOrder(t *testing.T) {
	c := New("")
	var order []string

	c.Register("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	c.Register("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	c.Drain()
	require.Equal(t, []string{"second", "first"}, order)
}

func TestDrainIsIdempotent(t *testing.T) {
	c := New("")
	calls := 0
	c.Register("once", func(ctx context.Context) error {
		calls++
		return nil
	})
	c.Drain()
	c.Drain()
	require.Equal(t, 1, calls)
}

func TestShutdownCancelsContextAndDrains(t *testing.T) {
	c := New("")
	stopped := false
	c.Register("comp", func(ctx context.Context) error {
		stopped = true
		return nil
	})

	c.Shutdown(errors.New("test shutdown"))
	require.True(t, stopped)
	select {
	case <-c.Context().Done():
	default:
		t.Fatal("expected root context to be canceled")
	}
}

func TestReportFatalWritesSnapshotAndCancels(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	c.Register("comp", func(ctx context.Context) error { return nil })

	c.ReportFatal(errors.New("invariant broken: test"))

	select {
	case <-c.Context().Done():
	default:
		t.Fatal("expected root context canceled after ReportFatal")
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var snap diagnosticSnapshot
	require.NoError(t, yaml.Unmarshal(data, &snap))
	require.Contains(t, snap.Reason, "invariant broken")
	require.Contains(t, snap.Components, "comp")
}

func TestStopperGraceTimeoutDoesNotBlockForever(t *testing.T) {
	c := New("")
	c.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan struct{})
	go func() {
		c.Drain()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not respect the per-component grace window")
	}
}
