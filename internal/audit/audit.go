// Package audit persists the orchestrator's admission-and-rejection
// trail: every PeerRejected, AuthRateLimited, ConnectionLimitExceeded,
// and DuplicateMachineReplaced event the SSH server and control plane
// report, plus session lifecycle events worth keeping past process
// restart. It mirrors the teacher's internal/sshaudit package (same
// gorm-backed log-and-query shape, same retention sweep) generalized
// from per-instance SSH command audit rows to per-connection admission
// decisions.
package audit

import (
	"log"
	"sync"
	"time"

	"github.com/k-terminus/orchestrator/internal/logutil"
	"gorm.io/gorm"
)

// Event type constants, matching the names the SSH server and control
// plane already use when calling Log.
const (
	EventPeerRejected             = "PeerRejected"
	EventAuthRateLimited          = "AuthRateLimited"
	EventConnectionLimitExceeded  = "ConnectionLimitExceeded"
	EventDuplicateMachineReplaced = "DuplicateMachineReplaced"
	EventProtocolVersionMismatch  = "ProtocolVersionMismatch"
	EventControlPlaneAuthFailed   = "ControlPlaneAuthFailed"
	EventControlPlaneConnected    = "ControlPlaneConnected"
)

// DefaultRetentionDays matches spec §6's audit_retention_days default.
const DefaultRetentionDays = 90

// Entry is one row in the audit log table.
type Entry struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	EventType string `gorm:"index"`
	PeerAddr  string
	Detail    string
	CreatedAt time.Time `gorm:"index"`
}

// Auditor writes Entry rows to the database and mirrors them to the
// standard logger for operators tailing stdout.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// New creates an Auditor against db, auto-migrating its table. If
// retentionDays is 0, DefaultRetentionDays is used.
func New(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// Log records one audit event. Failures to write are logged but not
// returned — an audit-log write failure must never take down the
// connection or request that triggered it.
func (a *Auditor) Log(eventType, peerAddr, detail string) {
	entry := Entry{EventType: eventType, PeerAddr: peerAddr, Detail: detail, CreatedAt: a.nowFn()}
	if err := a.db.Create(&entry).Error; err != nil {
		log.Printf("[audit] failed to persist %s: %v", eventType, err)
	}
	log.Printf("[audit] %s peer=%s detail=%s", eventType, logutil.SanitizeForLog(peerAddr), logutil.SanitizeForLog(detail))
}

// QueryOptions filters a Query call.
type QueryOptions struct {
	EventType string
	Since     *time.Time
	Limit     int
	Offset    int
}

// Query retrieves audit rows matching opts, most recent first.
func (a *Auditor) Query(opts QueryOptions) ([]Entry, int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&Entry{})
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	var entries []Entry
	if err := tx.Order("created_at DESC").Offset(opts.Offset).Limit(limit).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// PurgeOlderThan deletes rows older than the configured retention
// window. Returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -a.retentionDays)
	result := a.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d entries older than %d days", result.RowsAffected, a.retentionDays)
	}
	return result.RowsAffected, nil
}

// RetentionDays reports the configured retention window.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc overrides the clock, for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
