package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/rowjay/report-backup/internal/backup"
)

// DefaultInterval is how often the scheduler wakes to compare thresholds.
const DefaultInterval = time.Minute

// Runner is what a trigger invokes.
type Runner interface {
	CreateBackup(ctx context.Context, kind backup.Kind) (backup.Record, error)
}

type Options struct {
	Clock    clock.Clock
	Location *time.Location
	Interval time.Duration
	Logger   zerolog.Logger
}

// Scheduler wakes on a coarse interval and fires each trigger at most once per
// threshold crossing. Missed thresholds are not backfilled.
type Scheduler struct {
	runner   Runner
	clock    clock.Clock
	loc      *time.Location
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	triggers []*armed
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(runner Runner, triggers []Trigger, opts Options) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	s := &Scheduler{
		runner:   runner,
		clock:    opts.Clock,
		loc:      opts.Location,
		interval: opts.Interval,
		log:      opts.Logger.With().Str("component", "scheduler").Logger(),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	for _, t := range triggers {
		sched, err := parser.Parse(t.Spec)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", t.Kind, err)
		}
		s.triggers = append(s.triggers, &armed{Trigger: t, schedule: sched})
	}
	return s, nil
}

// Start arms every trigger from the current time and runs the loop until ctx
// ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already running")
	}

	s.arm(s.clock.Now())

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.clock.Ticker(s.interval)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, s.clock.Now())
			}
		}
	}()
	return nil
}

// Stop cancels the loop, including any backup it is running, and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("scheduler stopped")
}

// Run is the next threshold of one trigger.
type Run struct {
	Kind backup.Kind `json:"type"`
	Spec string      `json:"cron"`
	Next time.Time   `json:"next"`
}

// Upcoming returns the next threshold of every trigger in configuration order.
// Triggers sharing a type each get their own entry.
func (s *Scheduler) Upcoming() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, Run{Kind: t.Kind, Spec: t.Spec, Next: t.next})
	}
	return out
}

// arm sets every trigger's first threshold after now. Callers hold s.mu.
func (s *Scheduler) arm(now time.Time) {
	for _, t := range s.triggers {
		t.next = t.schedule.Next(now.In(s.loc))
		s.log.Info().Str("type", string(t.Kind)).Time("next", t.next).Msg("trigger armed")
	}
}

// tick fires every trigger whose threshold has passed, then re-arms it from now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) []backup.Kind {
	s.mu.Lock()
	var due []*armed
	for _, t := range s.triggers {
		if !t.next.IsZero() && !now.Before(t.next) {
			due = append(due, t)
			t.next = t.schedule.Next(now.In(s.loc))
		}
	}
	s.mu.Unlock()

	fired := make([]backup.Kind, 0, len(due))
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		fired = append(fired, t.Kind)
		s.fire(ctx, t.Kind)
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, kind backup.Kind) {
	s.log.Info().Str("type", string(kind)).Msg("scheduled backup starting")
	rec, err := s.runner.CreateBackup(ctx, kind)
	switch {
	case err != nil:
		s.log.Error().Err(err).Str("type", string(kind)).Msg("scheduled backup could not run")
	case rec.Status == backup.StatusFailed:
		s.log.Error().Int64("id", rec.ID).Str("type", string(kind)).Str("error", rec.ErrorMessage).Msg("scheduled backup failed")
	default:
		s.log.Info().Int64("id", rec.ID).Str("type", string(kind)).Int64("size", rec.SizeBytes).Msg("scheduled backup completed")
	}
}
