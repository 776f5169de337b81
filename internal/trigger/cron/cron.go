// Package cron implements the cron and interval trigger kinds (spec.md
// §4.6): an in-memory timer keyed by workflow name (jobs are not persisted
// across restarts), one job per scheduled workflow, that fires the runner with trigger kind "scheduled". Grounded
// on stherrien-gorax's internal/schedule (CronParser's field-count handling
// and Service.calculateNextRun), adapted to lean on robfig/cron/v3's own
// Cron scheduler loop instead of a poll-based GetDueSchedules sweep, since
// flowpilot has no separate polling process.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Fire is invoked when a scheduled job comes due. workflowName identifies
// the schedule row to update; workflowPath is passed back so the caller can
// reload the workflow document before dispatching it.
type Fire func(ctx context.Context, workflowName, workflowPath string)

// parser accepts 5-field (minute-precision) and 6-field (second-precision)
// cron expressions plus the @hourly/@daily/@every descriptor family, the
// same grammar stherrien-gorax's CronParser validates against.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service owns one robfig/cron scheduler and the workflow-name -> entry
// mapping needed to reschedule or unschedule a single workflow's job
// without disturbing the others.
type Service struct {
	cron *cron.Cron
	fire Fire

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a Service. Call Start before any ScheduleCron/ScheduleInterval
// call is expected to actually fire.
func New(fire Fire) *Service {
	return &Service{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		fire:    fire,
		entries: make(map[string]cron.EntryID),
	}
}

func (s *Service) Start() { s.cron.Start() }

// Stop halts the scheduler and returns a context that is done once every
// in-flight job function has returned; Stop itself does not block.
func (s *Service) Stop() context.Context { return s.cron.Stop() }

// ScheduleCron (re)registers workflowName's cron job. timezone is a IANA
// zone name or "local"/"" for the process's local zone, matching
// Trigger.EffectiveTimezone. An existing job for the same workflow is
// replaced, not duplicated.
func (s *Service) ScheduleCron(workflowName, workflowPath, schedule, timezone string) error {
	spec := schedule
	if timezone != "" && timezone != "local" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
		spec = fmt.Sprintf("CRON_TZ=%s %s", timezone, schedule)
	}
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return s.schedule(workflowName, workflowPath, spec)
}

// ScheduleInterval (re)registers workflowName as a fixed-interval job using
// robfig/cron's own @every descriptor, so both trigger kinds share one
// scheduler instead of flowpilot running a second ticker loop.
func (s *Service) ScheduleInterval(workflowName, workflowPath string, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("interval trigger for %q must declare a positive every duration", workflowName)
	}
	return s.schedule(workflowName, workflowPath, fmt.Sprintf("@every %s", every.String()))
}

func (s *Service) schedule(workflowName, workflowPath, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[workflowName]; ok {
		s.cron.Remove(existing)
		delete(s.entries, workflowName)
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.fire(context.Background(), workflowName, workflowPath)
	})
	if err != nil {
		return fmt.Errorf("scheduling %q: %w", workflowName, err)
	}
	s.entries[workflowName] = id
	return nil
}

// Unschedule removes workflowName's job, if any.
func (s *Service) Unschedule(workflowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[workflowName]; ok {
		s.cron.Remove(id)
		delete(s.entries, workflowName)
	}
}

// NextRun reports when workflowName's job is next due, if it is scheduled.
func (s *Service) NextRun(workflowName string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[workflowName]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if entry.ID == 0 {
		return time.Time{}, false
	}
	if entry.Next.IsZero() {
		return entry.Schedule.Next(time.Now()), true
	}
	return entry.Next, true
}
