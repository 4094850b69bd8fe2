package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db
}

func TestLogAndQuery(t *testing.T) {
	a, err := New(newTestDB(t), 0)
	require.NoError(t, err)

	a.Log(EventPeerRejected, "1.2.3.4:1000", "not in mesh")
	a.Log(EventAuthRateLimited, "5.6.7.8:2000", "")

	entries, total, err := a.Query(QueryOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, entries, 2)
}

func TestQueryFiltersByEventType(t *testing.T) {
	a, err := New(newTestDB(t), 0)
	require.NoError(t, err)

	a.Log(EventPeerRejected, "1.1.1.1", "")
	a.Log(EventAuthRateLimited, "2.2.2.2", "")

	entries, total, err := a.Query(QueryOptions{EventType: EventPeerRejected})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, EventPeerRejected, entries[0].EventType)
}

func TestPurgeOlderThan(t *testing.T) {
	a, err := New(newTestDB(t), 1)
	require.NoError(t, err)

	now := time.Now()
	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -5) })
	a.Log(EventPeerRejected, "old", "")

	a.SetNowFunc(func() time.Time { return now })
	a.Log(EventPeerRejected, "new", "")

	deleted, err := a.PurgeOlderThan(now)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, total, err := a.Query(QueryOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}
