// Package sched provides cron-scheduled workflow starts. Entries pair a
// cron expression with a workflow start request; a tick loop fires due
// entries and hands them to the engine through a start callback.
package sched

import (
	"time"

	"github.com/xraph/flowstate/id"
)

// Entry is one scheduled workflow start.
type Entry struct {
	ID        id.ScheduleID  `json:"id"`
	Name      string         `json:"name"`
	Schedule  string         `json:"schedule"`
	Workflow  string         `json:"workflow"`
	Strategy  string         `json:"strategy,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Enabled   bool           `json:"enabled"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone returns a deep-enough copy for handing out of the scheduler.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.Variables != nil {
		cp.Variables = make(map[string]any, len(e.Variables))
		for k, v := range e.Variables {
			cp.Variables[k] = v
		}
	}
	if e.LastRunAt != nil {
		t := *e.LastRunAt
		cp.LastRunAt = &t
	}
	if e.NextRunAt != nil {
		t := *e.NextRunAt
		cp.NextRunAt = &t
	}
	return &cp
}
