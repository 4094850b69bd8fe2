package janitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/k-terminus/orchestrator/internal/audit"
	"github.com/k-terminus/orchestrator/internal/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestJanitor(t *testing.T) *Janitor {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	a, err := audit.New(db, 1)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	j, err := New(a, st)
	require.NoError(t, err)
	return j
}

func TestNewRegistersBothJobs(t *testing.T) {
	j := newTestJanitor(t)
	entries := j.cron.Entries()
	require.Len(t, entries, 2)
}

func TestRunRetentionSweepDoesNotPanicOnEmptyLog(t *testing.T) {
	j := newTestJanitor(t)
	j.runRetentionSweep()
}

func TestRunPairingSweepRemovesExpired(t *testing.T) {
	j := newTestJanitor(t)
	now := time.Now()
	require.NoError(t, j.store.SavePairingCode("EXPIRED1", "", now.Add(-2*time.Hour), now.Add(-time.Hour)))

	j.runPairingSweep()

	found, err := j.store.FindUnusedPairingCode("EXPIRED1", now)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestStartStop(t *testing.T) {
	j := newTestJanitor(t)
	j.Start()
	j.Stop()
}
