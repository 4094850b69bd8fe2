// Package janitor runs the orchestrator's periodic housekeeping: audit
// log retention and pairing-code cleanup. The teacher's own background
// maintenance (its session-store cleanup goroutine in the root command,
// a plain time.Ticker firing every 10 minutes) only ever needed one
// fixed interval; this orchestrator has two independent schedules
// (daily retention, hourly pairing cleanup) so it reaches for the
// teacher's already-declared github.com/robfig/cron/v3 dependency
// instead of hand-rolling a second ticker goroutine.
package janitor

import (
	"log"
	"time"

	"github.com/k-terminus/orchestrator/internal/audit"
	"github.com/k-terminus/orchestrator/internal/store"
	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs once a day, at a quiet hour.
const DefaultRetentionSchedule = "0 3 * * *"

// DefaultPairingSweepSchedule runs hourly; pairing codes live at most
// pairing.DefaultTTL so an hourly sweep is frequent enough to keep the
// table small without adding meaningful load.
const DefaultPairingSweepSchedule = "0 * * * *"

// Janitor owns a cron scheduler wired to the orchestrator's auditor and
// store.
type Janitor struct {
	cron  *cron.Cron
	audit *audit.Auditor
	store *store.Store
}

// New creates a Janitor and registers its jobs; call Start to begin
// running them.
func New(auditor *audit.Auditor, st *store.Store) (*Janitor, error) {
	j := &Janitor{
		cron:  cron.New(),
		audit: auditor,
		store: st,
	}
	if _, err := j.cron.AddFunc(DefaultRetentionSchedule, j.runRetentionSweep); err != nil {
		return nil, err
	}
	if _, err := j.cron.AddFunc(DefaultPairingSweepSchedule, j.runPairingSweep); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins running scheduled jobs in the background. Non-blocking.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop cancels the scheduler and waits for any in-flight job to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) runRetentionSweep() {
	deleted, err := j.audit.PurgeOlderThan(time.Now())
	if err != nil {
		log.Printf("[janitor] audit retention sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[janitor] audit retention sweep removed %d rows", deleted)
	}
}

func (j *Janitor) runPairingSweep() {
	deleted, err := j.store.PurgeExpiredPairingCodes(time.Now())
	if err != nil {
		log.Printf("[janitor] pairing code sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[janitor] pairing code sweep removed %d expired codes", deleted)
	}
}
