package types

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// CronManager runs named jobs on cron schedules. A job receives a context
// that is cancelled on timeout or shutdown.
type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job CronJob) error
	Remove(jobName string) error
	RunNow(ctx context.Context, jobName string) error
	Jobs() []JobEntry
}

type CronJob func(ctx context.Context) error

type JobEntry struct {
	ID           cron.EntryID  `json:"-"`
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	AddedAt      time.Time     `json:"added_at"`
	LastRun      time.Time     `json:"last_run"`
	NextRun      time.Time     `json:"next_run"`
	LastDuration time.Duration `json:"last_duration"`
	RunCount     int64         `json:"run_count"`
	LastError    string        `json:"last_error,omitempty"`
}
