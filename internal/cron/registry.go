package cron

import (
	"context"
	"time"
)

// Job is a sweep run inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Periodic jobs run at their own cadence instead of every tick.
type Periodic interface {
	Every() time.Duration
}

// Registry tracks registered jobs and when each last ran.
type Registry struct {
	jobs    []Job
	lastRun map[string]time.Time
}

// NewRegistry builds a registry preloaded with the provided jobs.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{lastRun: map[string]time.Time{}}
	for _, job := range jobs {
		registry.Register(job)
	}
	return registry
}

// Register adds a job to the registry.
func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// Due returns the jobs whose cadence has elapsed at now.
func (r *Registry) Due(now time.Time) []Job {
	var due []Job
	for _, job := range r.jobs {
		last, ran := r.lastRun[job.Name()]
		if !ran {
			due = append(due, job)
			continue
		}
		p, ok := job.(Periodic)
		if !ok || p.Every() <= 0 || !now.Before(last.Add(p.Every())) {
			due = append(due, job)
		}
	}
	return due
}

// MarkRun records that the job ran at now.
func (r *Registry) MarkRun(name string, now time.Time) {
	r.lastRun[name] = now
}
