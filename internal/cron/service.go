package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"github.com/angelmondragon/bodyscan-backend/pkg/metrics"
)

const defaultTick = time.Minute

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Tick     time.Duration
}

// Service wakes every tick and runs the jobs that are due while holding the
// cluster-wide lock.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	tick     time.Duration
	now      func() time.Time
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	tick := params.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		tick:     tick,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run starts the cron loop until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.runCycle(ctx); err != nil {
		s.logg.Error(ctx, "cron.cycle_failed", err)
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron.stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				s.logg.Error(ctx, "cron.cycle_failed", err)
			}
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	due := s.registry.Due(s.now())
	if len(due) == 0 {
		return nil
	}

	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.metrics.IncLockSkipped()
		s.logg.Info(ctx, "cron.lock_held_elsewhere")
		return nil
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "cron.lock_release_failed", relErr)
		}
	}()

	for i, job := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.runJob(ctx, job)
		s.registry.MarkRun(job.Name(), s.now())

		if i == len(due)-1 {
			break
		}
		held, err := s.lock.Extend(ctx)
		if err != nil {
			return fmt.Errorf("lock extend: %w", err)
		}
		if !held {
			// remaining jobs stay due and run on the next tick that wins the lock
			s.logg.Warn(s.logg.WithField(ctx, "after_job", job.Name()), "cron.lock_lost")
			return nil
		}
	}
	return nil
}

// runJob executes one sweep. Items a job reports are counted even when the
// sweep returns an error, since partial batches still moved tickets.
func (s *Service) runJob(ctx context.Context, job Job) {
	name := job.Name()
	jobCtx, counts := withTally(s.logg.WithField(ctx, "job", name))

	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)

	s.metrics.ObserveDuration(name, duration)
	for _, kind := range counts.order {
		s.metrics.AddItems(name, kind, counts.counts[kind])
	}

	logCtx := s.logg.WithFields(jobCtx, counts.fields())
	logCtx = s.logg.WithField(logCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(logCtx, "cron.job_failed", err)
		s.metrics.IncFailure(name)
		return
	}
	s.logg.Info(logCtx, "cron.job_completed")
	s.metrics.IncSuccess(name, s.now())
}
