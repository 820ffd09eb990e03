package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowmaster/internal/logging"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// DefaultInterval is how often due schedules are checked. Cron expressions may
// carry a seconds field.
const DefaultInterval = time.Second

// Last run statuses written back to the schedule.
const (
	StatusSubmitted   = "submitted"
	StatusError       = "error"
	StatusInvalidCron = "invalid_cron"
)

// Scheduler polls the store for due schedules and turns each fire time into a
// SCHEDULER command. The command consumer takes it from there.
type Scheduler struct {
	store    store.Store
	parser   cron.Parser
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[int64]struct{} // schedule IDs currently firing (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option { return func(s *Scheduler) { s.clock = fn } }

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, logger *slog.Logger, opts ...Option) *Scheduler {
	sch := &Scheduler{
		store:    s,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: DefaultInterval,
		clock:    time.Now,
		logger:   logging.OrDefault(logger),
		inflight: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule whose next run time has passed. A schedule
// without a next run time is armed for its next fire instead.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.clock().UTC()
	for _, sch := range schedules {
		if sch.NextRunAt != nil && sch.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue
		}
		if err := s.advance(ctx, sch, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.Int64("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sch.ID)
	}
}

// advance fires sch for its due time, if it has one, and moves NextRunAt past now.
// Fire times missed in between are skipped.
func (s *Scheduler) advance(ctx context.Context, sch *store.Schedule, now time.Time) error {
	nextRun, err := s.CalculateNextRun(sch.CronExpression, now)
	if err != nil {
		disabled := false
		s.logger.Warn("disabling schedule with invalid cron expression",
			slog.Int64("schedule_id", sch.ID),
			slog.String("cron", sch.CronExpression),
		)
		return s.store.UpdateSchedule(ctx, sch.ID, store.ScheduleUpdate{
			Enabled:       &disabled,
			LastRunStatus: StatusInvalidCron,
		})
	}

	if sch.NextRunAt == nil {
		return s.store.UpdateSchedule(ctx, sch.ID, store.ScheduleUpdate{NextRunAt: &nextRun})
	}

	status := StatusSubmitted
	if err := s.fire(ctx, sch, *sch.NextRunAt); err != nil {
		status = StatusError
		s.logger.Error("scheduled command not created",
			slog.Int64("schedule_id", sch.ID),
			slog.String("error", err.Error()),
		)
	}
	return s.store.UpdateSchedule(ctx, sch.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// fire persists the SCHEDULER command for one fire time.
func (s *Scheduler) fire(ctx context.Context, sch *store.Schedule, fireTime time.Time) error {
	s.logger.Info("firing schedule",
		slog.Int64("schedule_id", sch.ID),
		slog.Int64("workflow_definition_code", sch.WorkflowDefinitionCode),
		slog.Time("schedule_time", fireTime),
	)
	return s.store.CreateCommand(ctx, &store.Command{
		Type:                   schema.CommandScheduler,
		WorkflowDefinitionCode: sch.WorkflowDefinitionCode,
		ScheduleTime:           &fireTime,
		FailureStrategy:        sch.FailureStrategy,
		WorkerGroup:            sch.WorkerGroup,
		EnvironmentCode:        sch.EnvironmentCode,
		Priority:               sch.Priority,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(id int64) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id int64) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time of a cron expression after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires, once, every schedule whose next run time passed while
// no master was running. Call it before Start.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.clock().UTC()
	recovered := 0
	for _, sch := range schedules {
		if sch.NextRunAt == nil || !sch.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue
		}
		if err := s.advance(ctx, sch, now); err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.Int64("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
			s.release(sch.ID)
			continue
		}
		s.release(sch.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return recovered, nil
}
