package analyze

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers     = 4
	receiveBackoffBase = 200 * time.Millisecond
	receiveBackoffMax  = 10 * time.Second
)

type taskProcessor interface {
	Process(ctx context.Context, jobID string) error
}

type DispatcherParams struct {
	Queue     Queue
	Processor taskProcessor
	Workers   int
	Logger    *logger.Logger
}

// Dispatcher drains the queue with a fixed pool of workers.
type Dispatcher struct {
	queue     Queue
	processor taskProcessor
	workers   int
	logg      *logger.Logger
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Queue == nil {
		return nil, fmt.Errorf("dispatch queue required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("processor required")
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Dispatcher{
		queue:     params.Queue,
		processor: params.Processor,
		workers:   workers,
		logg:      params.Logger,
	}, nil
}

// Run blocks until ctx is cancelled. In-flight jobs finish their terminal
// writes before their worker exits.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.logg != nil {
		d.logg.Info(d.logg.WithField(ctx, "workers", d.workers), "analyze dispatcher started")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			d.work(gctx, worker)
			return nil
		})
	}
	err := g.Wait()
	if d.logg != nil {
		d.logg.Info(ctx, "analyze dispatcher stopped")
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	backoff := receiveBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := d.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if d.logg != nil {
				d.logg.Error(d.logg.WithField(ctx, "worker", worker), "receive dispatch task failed", err)
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, receiveBackoffMax)
			continue
		}
		backoff = receiveBackoffBase
		if delivery == nil {
			continue
		}
		d.handle(ctx, worker, delivery)
	}
}

func (d *Dispatcher) handle(ctx context.Context, worker int, delivery *Delivery) {
	if err := d.processor.Process(ctx, delivery.Task.JobID); err != nil {
		// unacked deliveries come back once the queue reclaims or redelivers them
		if d.logg != nil {
			d.logg.Error(d.logg.WithFields(ctx, map[string]any{"worker": worker, "job_id": delivery.Task.JobID}), "process dispatch task failed", err)
		}
		if nacker, ok := d.queue.(Nacker); ok {
			if err := nacker.Nack(context.WithoutCancel(ctx), delivery); err != nil && d.logg != nil {
				d.logg.Warn(d.logg.WithFields(ctx, map[string]any{"job_id": delivery.Task.JobID, "error": err.Error()}), "nack dispatch task failed")
			}
		}
		return
	}
	if err := d.queue.Ack(context.WithoutCancel(ctx), delivery); err != nil && d.logg != nil {
		d.logg.Warn(d.logg.WithFields(ctx, map[string]any{"job_id": delivery.Task.JobID, "error": err.Error()}), "ack dispatch task failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
