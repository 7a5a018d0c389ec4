package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"localcron/internal/calendar"
	"localcron/internal/clock"
	"localcron/internal/domain"
	"localcron/internal/engine"
	"localcron/internal/queue"
	"localcron/internal/schedule"
)

// Service runs one tick engine per enabled schedule. Every matching minute
// enqueues a task whose idempotency key is the schedule id and boundary, so
// a boundary enqueues at most one task even when an engine is replaced.
type Service struct {
	repo        queue.Repository
	clock       clock.Clock
	logger      zerolog.Logger
	defaultZone string
	parser      schedule.Parser

	mu      sync.Mutex
	ctx     context.Context
	engines map[string]*engine.Engine
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithDefaultTimezone sets the zone for schedules that do not name one.
func WithDefaultTimezone(name string) Option {
	return func(s *Service) { s.defaultZone = name }
}

func WithStrictRanges(strict bool) Option {
	return func(s *Service) { s.parser.Strict = strict }
}

func NewService(repo queue.Repository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		clock:   clock.Real(),
		logger:  log.Logger,
		ctx:     context.Background(),
		engines: make(map[string]*engine.Engine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches engines for every enabled stored schedule. Schedules that
// fail to start are logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	schedules, err := s.repo.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	started := 0
	for _, sch := range schedules {
		if !sch.Enabled {
			continue
		}
		if err := s.Add(sch); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to start schedule")
			continue
		}
		started++
	}
	s.logger.Info().Int("schedules", started).Msg("schedule service started")
	return nil
}

// Stop cancels every engine.
func (s *Service) Stop() {
	s.mu.Lock()
	engines := s.engines
	s.engines = make(map[string]*engine.Engine)
	s.mu.Unlock()

	for _, e := range engines {
		_ = e.Cancel()
	}
}

func (s *Service) zone(sch domain.Schedule) string {
	if sch.Timezone != "" {
		return sch.Timezone
	}
	return s.defaultZone
}

// Parse parses expr the way engines started by s do.
func (s *Service) Parse(expr string) (schedule.Schedule, error) {
	return s.parser.Parse(expr)
}

// Validate checks the expression and zone of sch without starting anything.
func (s *Service) Validate(sch domain.Schedule) error {
	if _, err := s.parser.Parse(sch.CronExpr); err != nil {
		return err
	}
	_, err := calendar.Zone(s.zone(sch))
	return err
}

// Upcoming returns the next n boundaries sch would fire on.
func (s *Service) Upcoming(sch domain.Schedule, n int) ([]time.Time, error) {
	parsed, err := s.parser.Parse(sch.CronExpr)
	if err != nil {
		return nil, err
	}
	conv, err := calendar.Zone(s.zone(sch))
	if err != nil {
		return nil, err
	}
	return parsed.Upcoming(s.clock.Now(), n, conv), nil
}

// Add starts an engine for sch, replacing any engine already running for
// the same id. A disabled schedule only stops its engine.
func (s *Service) Add(sch domain.Schedule) error {
	if !sch.Enabled {
		s.Remove(sch.ID)
		return nil
	}

	opts := []engine.Option{
		engine.WithClock(s.clock),
		engine.WithLogger(s.logger.With().Str("schedule_id", sch.ID).Logger()),
		engine.WithTimezone(s.zone(sch)),
	}
	if s.parser.Strict {
		opts = append(opts, engine.WithStrictRanges())
	}
	e, err := engine.New(sch.CronExpr, s.fire(sch), opts...)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sch.ID, err)
	}

	s.mu.Lock()
	old := s.engines[sch.ID]
	s.engines[sch.ID] = e
	s.mu.Unlock()

	if old != nil {
		_ = old.Cancel()
	}
	return e.Start()
}

// Remove cancels the engine for id. It reports whether one was running.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	e, ok := s.engines[id]
	delete(s.engines, id)
	s.mu.Unlock()

	if ok {
		_ = e.Cancel()
	}
	return ok
}

// Running returns the ids of schedules with an active engine, sorted.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) fire(sch domain.Schedule) engine.Callback {
	return func(tick schedule.Tick, at time.Time) error {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		key := domain.FiringKey(sch.ID, at)
		scheduleID := sch.ID
		taskID, err := s.repo.Enqueue(ctx, domain.Task{
			Type:           sch.TaskType,
			Payload:        sch.Payload,
			Priority:       sch.Priority,
			MaxAttempts:    sch.MaxAttempts,
			IdempotencyKey: &key,
			ScheduleID:     &scheduleID,
		})
		if err != nil {
			return fmt.Errorf("enqueue scheduled task: %w", err)
		}

		if err := s.repo.UpdateScheduleLastRun(ctx, sch.ID, at); err != nil {
			return fmt.Errorf("update schedule last run: %w", err)
		}

		s.logger.Info().
			Str("schedule_id", sch.ID).
			Str("schedule_name", sch.Name).
			Str("task_id", taskID).
			Time("boundary", at).
			Int("hour", tick.Hour).
			Int("minute", tick.Minute).
			Msg("scheduled task enqueued")
		return nil
	}
}
