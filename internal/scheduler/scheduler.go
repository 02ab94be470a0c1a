package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/hapiq/internal/config"
	"github.com/mattjoyce/hapiq/internal/dispatch"
	"github.com/mattjoyce/hapiq/internal/events"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

// entry is one configured schedule and its next fire time.
type entry struct {
	name     string
	workType protocol.WorkType
	args     protocol.Args
	schedule cron.Schedule
	next     time.Time
	inFlight bool
}

// Scheduler submits configured jobs on cron schedules. A schedule whose
// previous job has not returned is skipped rather than stacked.
type Scheduler struct {
	submitter Submitter
	events    *events.Hub
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries []*entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New parses every schedule. It fails on the first invalid one.
func New(schedules []config.ScheduleConfig, s Submitter, hub *events.Hub, logger *slog.Logger) (*Scheduler, error) {
	sched := &Scheduler{
		submitter: s,
		events:    hub,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, sc := range schedules {
		cs, err := config.CronParser.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron %q: %w", sc.Name, sc.Cron, err)
		}
		wt, err := protocol.ParseWorkType(sc.WorkType)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		args := protocol.Args{}
		maps.Copy(args, sc.Args)
		sched.entries = append(sched.entries, &entry{
			name:     sc.Name,
			workType: wt,
			args:     args,
			schedule: cs,
		})
	}
	sort.Slice(sched.entries, func(i, j int) bool { return sched.entries[i].name < sched.entries[j].name })
	return sched, nil
}

// Start computes each schedule's first fire time and begins the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.arm(s.now())
	s.logger.Info("Starting scheduler", "schedules", len(s.entries))
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) arm(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.next = e.schedule.Next(now)
		s.logger.Info("Schedule armed", "schedule", e.name, "work_type", e.workType, "next", e.next)
	}
}

// Stop ends the loop. Jobs already submitted are left to the dispatcher.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

// NextRun returns the earliest pending fire time and its schedule name.
func (s *Scheduler) NextRun() (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Scheduler) nextLocked() (string, time.Time, bool) {
	var (
		name  string
		first time.Time
	)
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if first.IsZero() || e.next.Before(first) {
			name, first = e.name, e.next
		}
	}
	return name, first, !first.IsZero()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		_, next, ok := s.NextRun()
		if !ok {
			// Nothing scheduled; wait to be stopped.
			select {
			case <-s.stopCh:
			case <-ctx.Done():
			}
			return
		}

		timer := time.NewTimer(max(next.Sub(s.now()), 0))
		select {
		case <-timer.C:
			s.tick(s.now())
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.Warn("Scheduler context cancelled, stopping loop")
			return
		}
	}
}

// tick fires every schedule due at now and advances it.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		e.next = e.schedule.Next(now)
		if e.inFlight {
			s.logger.Info("Skipped scheduled job, previous run still in flight", "schedule", e.name)
			s.events.Publish(events.ScheduleSkipped, map[string]any{"schedule": e.name, "reason": "in_flight"})
			continue
		}
		e.inFlight = true
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e, now)
	}
}

func (s *Scheduler) fire(e *entry, at time.Time) {
	logger := s.logger.With("schedule", e.name, "work_type", e.workType)

	h, err := s.submitter.Submit(e.workType, e.args, func(res protocol.Result) {
		s.finished(e)
		if err := res.Err(); err != nil {
			logger.Error("Scheduled job failed", "job_id", res.JobID, "error", err, "duration_ms", time.Since(at).Milliseconds())
			return
		}
		logger.Info("Scheduled job completed", "job_id", res.JobID, "duration_ms", time.Since(at).Milliseconds())
	})
	if err != nil {
		s.finished(e)
		logger.Error("Failed to submit scheduled job", "error", err)
		s.events.Publish(events.ScheduleSkipped, map[string]any{"schedule": e.name, "reason": err.Error()})
		return
	}

	var jobID int64
	if h != nil {
		jobID = h.ID()
	}
	logger.Info("Submitted scheduled job", "job_id", jobID)
	s.events.Publish(events.ScheduleFired, map[string]any{
		"schedule":  e.name,
		"work_type": e.workType,
		"job_id":    jobID,
	})
}

func (s *Scheduler) finished(e *entry) {
	s.mu.Lock()
	e.inFlight = false
	s.mu.Unlock()
}

// Ensure the controller satisfies Submitter.
var _ Submitter = (*dispatch.Controller)(nil)
