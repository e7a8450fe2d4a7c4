// Package scheduler provides cron-based scheduling for background maintenance.
//
// It drives the periodic housekeeping jobs of the pipeline: sweeping expired
// dedup entries out of tenant workers and clearing stale pending order drafts.
package scheduler

import (
	"github.com/robfig/cron/v3"
)

// MaintenanceSpec is the default cadence for housekeeping jobs.
const MaintenanceSpec = "@every 5m"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) plus
	// @every descriptors; panics in jobs are recovered so one bad job
	// cannot kill the scheduler.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
