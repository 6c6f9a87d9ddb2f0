package analyze

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
	done chan struct{}
	want int
}

func (p *recordingProcessor) Process(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, jobID)
	if len(p.seen) == p.want {
		close(p.done)
	}
	if p.fail[jobID] {
		return errors.New("transient")
	}
	return nil
}

type ackCountingQueue struct {
	*MemoryQueue
	mu    sync.Mutex
	acked []string
}

func (q *ackCountingQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.Task.JobID)
	return nil
}

func TestDispatcherProcessesAndAcks(t *testing.T) {
	queue := &ackCountingQueue{MemoryQueue: NewMemoryQueue(8)}
	proc := &recordingProcessor{fail: map[string]bool{"bad": true}, done: make(chan struct{}), want: 3}
	d, err := NewDispatcher(DispatcherParams{Queue: queue, Processor: proc, Workers: 2})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"a", "bad", "c"} {
		if err := queue.Enqueue(ctx, Task{JobID: id}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not process all tasks")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.acked) != 2 {
		t.Fatalf("expected 2 acks, got %v", queue.acked)
	}
	for _, id := range queue.acked {
		if id == "bad" {
			t.Fatal("failed tasks must not be acked")
		}
	}
}

func TestNewDispatcherDefaults(t *testing.T) {
	if _, err := NewDispatcher(DispatcherParams{}); err == nil {
		t.Fatal("expected error without queue")
	}
	d, err := NewDispatcher(DispatcherParams{Queue: NewMemoryQueue(1), Processor: &recordingProcessor{}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if d.workers != defaultWorkers {
		t.Fatalf("expected %d workers, got %d", defaultWorkers, d.workers)
	}
}
