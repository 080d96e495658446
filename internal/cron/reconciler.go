package cron

import (
	"log/slog"

	"github.com/nexuscore/autopilot/internal/models"
)

// SchedulerHandle is the minimal surface the Reconciler drives; Engine
// satisfies it, and tests use a fake.
type SchedulerHandle interface {
	RegisterJob(cronExpr string, fn func()) (jobID string, err error)
	RemoveJob(jobID string) error
}

// Summary is the per-reconciliation tally logged at the end of Reconcile.
type Summary struct {
	Total    int
	Added    int
	Removed  int
	Updated  int
	Retained int
	Rollback int
}

// Reconcile brings scheduler to match desired, given the currently
// registered snapshot, and returns the new snapshot plus a summary. It is a
// pure function over its arguments except for its calls through
// scheduler, matching Section 4.H's algorithm exactly: schedules are
// identified by name, never by job_id, and a failed registration always
// attempts rollback before giving up.
func Reconcile(scheduler SchedulerHandle, current models.ScheduleSnapshot, desired []models.Schedule, onFire func(name string), logger *slog.Logger) (models.ScheduleSnapshot, Summary) {
	desiredByName := make(map[string]models.Schedule, len(desired))
	for _, s := range desired {
		if s.Enabled {
			desiredByName[s.Name] = s
		}
	}

	next := models.ScheduleSnapshot{Registered: make(map[string]models.RegisteredJob, len(desiredByName))}
	var sum Summary

	retained := make(map[string]bool)
	for name, reg := range current.Registered {
		if _, wanted := desiredByName[name]; wanted {
			continue
		}
		if err := scheduler.RemoveJob(reg.JobID); err != nil {
			if logger != nil {
				logger.Warn("reconcile: failed to remove job, retaining", "schedule", name, "error", err)
			}
			next.Registered[name] = reg
			retained[name] = true
			sum.Retained++
			continue
		}
		sum.Removed++
	}

	for name, s := range desiredByName {
		if retained[name] {
			continue
		}
		existing, hadExisting := current.Registered[name]

		switch {
		case hadExisting && existing.Cron == s.Cron:
			next.Registered[name] = existing

		case hadExisting:
			if err := scheduler.RemoveJob(existing.JobID); err != nil && logger != nil {
				logger.Warn("reconcile: failed to remove stale job before update", "schedule", name, "error", err)
			}
			fireName := name
			newID, err := scheduler.RegisterJob(s.Cron, func() { onFire(fireName) })
			if err != nil {
				if logger != nil {
					logger.Warn("reconcile: registration failed, rolling back", "schedule", name, "error", err)
				}
				rollbackID, rerr := scheduler.RegisterJob(existing.Cron, func() { onFire(fireName) })
				if rerr != nil {
					if logger != nil {
						logger.Error("reconcile: rollback failed, schedule left unregistered", "schedule", name, "error", rerr)
					}
					continue
				}
				next.Registered[name] = models.RegisteredJob{Name: name, Cron: existing.Cron, JobID: rollbackID}
				sum.Rollback++
				continue
			}
			next.Registered[name] = models.RegisteredJob{Name: name, Cron: s.Cron, JobID: newID}
			sum.Updated++

		default:
			fireName := name
			newID, err := scheduler.RegisterJob(s.Cron, func() { onFire(fireName) })
			if err != nil {
				if logger != nil {
					logger.Error("reconcile: failed to register new schedule", "schedule", name, "error", err)
				}
				continue
			}
			next.Registered[name] = models.RegisteredJob{Name: name, Cron: s.Cron, JobID: newID}
			sum.Added++
		}
	}

	sum.Total = len(next.Registered)
	if logger != nil {
		logger.Info("schedule reconciliation complete",
			"total", sum.Total, "added", sum.Added, "removed", sum.Removed,
			"updated", sum.Updated, "retained", sum.Retained, "rollback", sum.Rollback)
	}
	return next, sum
}
