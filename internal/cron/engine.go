// Package cron reconciles a desired list of schedules against a running
// cron engine, and boots the long-lived autopilot scheduler process that
// drives it.
package cron

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nexuscore/autopilot/internal/errs"
)

// Engine is the mutable scheduler handle the Reconciler drives: a thin,
// concurrency-safe wrapper over a robfig/cron engine keyed by opaque
// cron.EntryID strings instead of the reconciler's own job_id strings.
type Engine struct {
	mu    sync.Mutex
	c     *cron.Cron
	ids   map[string]cron.EntryID // job_id (string form) -> EntryID
	nextJobID int
}

// NewEngine constructs an Engine with an idle robfig/cron instance; call
// Start to begin firing.
func NewEngine() *Engine {
	return &Engine{
		c:   cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		ids: make(map[string]cron.EntryID),
	}
}

// Start begins firing registered jobs.
func (e *Engine) Start() { e.c.Start() }

// Stop halts firing and waits for in-flight jobs to return.
func (e *Engine) Stop() { <-e.c.Stop().Done() }

// RegisterJob registers fn on the given cron expression and returns an
// opaque job_id string for later removal.
func (e *Engine) RegisterJob(cronExpr string, fn func()) (jobID string, err error) {
	entryID, err := e.c.AddFunc(cronExpr, fn)
	if err != nil {
		return "", &errs.ConfigError{Op: "cron.register_job", Err: err}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextJobID++
	jobID = fmt.Sprintf("job-%d", e.nextJobID)
	e.ids[jobID] = entryID
	return jobID, nil
}

// RemoveJob removes a previously registered job by its job_id.
func (e *Engine) RemoveJob(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	entryID, ok := e.ids[jobID]
	if !ok {
		return &errs.ConfigError{Op: "cron.remove_job", Err: fmt.Errorf("unknown job_id %q", jobID)}
	}
	e.c.Remove(entryID)
	delete(e.ids, jobID)
	return nil
}
