package analyze

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	pkgredis "github.com/angelmondragon/bodyscan-backend/pkg/redis"
)

// Task asks a worker to dispatch one job.
type Task struct {
	JobID string `json:"job_id"`
}

// Delivery is a received task plus the handle needed to ack it.
type Delivery struct {
	ID   string
	Task Task
}

// Queue feeds dispatch tasks to workers. Receive blocks until a task arrives,
// the queue's poll interval passes (nil delivery), or ctx ends.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
}

// Nacker is implemented by queues that can return a delivery for
// redelivery without waiting for its lease to lapse.
type Nacker interface {
	Nack(ctx context.Context, d *Delivery) error
}

var ErrQueueFull = errors.New("dispatch queue is full")

// MemoryQueue is an in-process queue for tests and single-binary dev runs.
type MemoryQueue struct {
	tasks chan Task
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{tasks: make(chan Task, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case task := <-q.tasks:
		return &Delivery{ID: task.JobID, Task: task}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, *Delivery) error {
	return nil
}

// Len reports queued tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

type streamClient interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)
	XReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]pkgredis.StreamMessage, error)
	XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]pkgredis.StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
}

const (
	defaultStreamMaxLen = 10000
	defaultClaimIdle    = 15 * time.Minute
)

// RedisQueue is a Redis Streams consumer-group queue. Entries left unacked by
// a failed or crashed worker are reclaimed by the next Receive once they have
// been idle for ClaimIdle.
type RedisQueue struct {
	client    streamClient
	stream    string
	group     string
	consumer  string
	block     time.Duration
	maxLen    int64
	claimIdle time.Duration
}

type RedisQueueParams struct {
	Client    streamClient
	Stream    string
	Group     string
	Consumer  string
	Block     time.Duration
	MaxLen    int64
	ClaimIdle time.Duration
}

// NewRedisQueue creates the consumer group when missing. Producers may leave
// Consumer empty.
func NewRedisQueue(ctx context.Context, params RedisQueueParams) (*RedisQueue, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if params.Stream == "" || params.Group == "" {
		return nil, fmt.Errorf("stream and group are required")
	}
	if params.Block <= 0 {
		params.Block = 5 * time.Second
	}
	if params.MaxLen <= 0 {
		params.MaxLen = defaultStreamMaxLen
	}
	if params.ClaimIdle <= 0 {
		params.ClaimIdle = defaultClaimIdle
	}
	if err := params.Client.EnsureGroup(ctx, params.Stream, params.Group); err != nil {
		return nil, err
	}
	return &RedisQueue{
		client:    params.Client,
		stream:    params.Stream,
		group:     params.Group,
		consumer:  params.Consumer,
		block:     params.Block,
		maxLen:    params.MaxLen,
		claimIdle: params.ClaimIdle,
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if _, err := q.client.XAdd(ctx, q.stream, q.maxLen, map[string]any{"job_id": task.JobID}); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	if q.consumer == "" {
		return nil, fmt.Errorf("consumer name required to receive")
	}
	msgs, err := q.client.XAutoClaim(ctx, q.stream, q.group, q.consumer, q.claimIdle, 1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reclaim dispatch stream: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = q.client.XReadGroup(ctx, q.stream, q.group, q.consumer, 1, q.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read dispatch stream: %w", err)
		}
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	msg := msgs[0]
	jobID, _ := msg.Values["job_id"].(string)
	return &Delivery{ID: msg.ID, Task: Task{JobID: jobID}}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil || d.ID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.stream, q.group, d.ID)
}

// QueueParams picks the dispatch transport from config. Producers leave
// Consumer empty; Pub/Sub producers then never open a subscription.
type QueueParams struct {
	Dispatch config.DispatchConfig
	PubSub   config.PubSubConfig
	Streams  streamClient
	Stream   string
	Topics   pubsubClient
	Consumer string
}

func NewQueue(ctx context.Context, params QueueParams) (Queue, error) {
	if params.Dispatch.UsesPubSub() {
		subscription := ""
		if params.Consumer != "" {
			subscription = params.PubSub.DispatchSubscription
		}
		q, err := NewPubSubQueue(PubSubQueueParams{
			Client:       params.Topics,
			Topic:        params.PubSub.DispatchTopic,
			Subscription: subscription,
			Poll:         params.Dispatch.Block,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q, err := NewRedisQueue(ctx, RedisQueueParams{
		Client:    params.Streams,
		Stream:    params.Stream,
		Group:     params.Dispatch.Group,
		Consumer:  params.Consumer,
		Block:     params.Dispatch.Block,
		MaxLen:    params.Dispatch.MaxLen,
		ClaimIdle: params.Dispatch.ClaimIdle,
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}
