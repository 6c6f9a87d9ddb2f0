package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pkgpubsub "github.com/angelmondragon/bodyscan-backend/pkg/pubsub"
)

type pubsubClient interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
	Receive(ctx context.Context, subscription string, fn func(context.Context, pkgpubsub.Message)) error
}

// PubSubQueue carries dispatch tasks over Cloud Pub/Sub. The first Receive
// starts a streaming pull that hands messages to callers one at a time.
// Messages stay leased until Ack or Nack; an unsettled message is redelivered
// after its lease lapses.
type PubSubQueue struct {
	client       pubsubClient
	topic        string
	subscription string
	poll         time.Duration

	deliveries chan pkgpubsub.Message

	mu        sync.Mutex
	running   bool
	streamErr error
	pending   map[string]pkgpubsub.Message
}

type PubSubQueueParams struct {
	Client       pubsubClient
	Topic        string
	Subscription string
	Poll         time.Duration
}

// NewPubSubQueue builds the queue. Producers may leave Subscription empty.
func NewPubSubQueue(params PubSubQueueParams) (*PubSubQueue, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("pubsub client required")
	}
	if params.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if params.Poll <= 0 {
		params.Poll = 5 * time.Second
	}
	return &PubSubQueue{
		client:       params.Client,
		topic:        params.Topic,
		subscription: params.Subscription,
		poll:         params.Poll,
		deliveries:   make(chan pkgpubsub.Message),
		pending:      map[string]pkgpubsub.Message{},
	}, nil
}

func (q *PubSubQueue) Enqueue(ctx context.Context, task Task) error {
	if task.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.JobID, err)
	}
	if _, err := q.client.Publish(ctx, q.topic, data, map[string]string{"job_id": task.JobID}); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.JobID, err)
	}
	return nil
}

func (q *PubSubQueue) Receive(ctx context.Context) (*Delivery, error) {
	if q.subscription == "" {
		return nil, fmt.Errorf("subscription required to receive")
	}
	if err := q.ensureStream(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(q.poll)
	defer timer.Stop()
	select {
	case msg := <-q.deliveries:
		var task Task
		if err := json.Unmarshal(msg.Data, &task); err != nil || task.JobID == "" {
			// undecodable messages would redeliver forever
			msg.Ack()
			if err == nil {
				err = fmt.Errorf("missing job id")
			}
			return nil, fmt.Errorf("decode dispatch message %s: %w", msg.ID, err)
		}
		q.mu.Lock()
		q.pending[msg.ID] = msg
		q.mu.Unlock()
		return &Delivery{ID: msg.ID, Task: task}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *PubSubQueue) Ack(_ context.Context, d *Delivery) error {
	if msg, ok := q.settle(d); ok {
		msg.Ack()
	}
	return nil
}

// Nack hands the delivery back to Pub/Sub for immediate redelivery.
func (q *PubSubQueue) Nack(_ context.Context, d *Delivery) error {
	if msg, ok := q.settle(d); ok {
		msg.Nack()
	}
	return nil
}

func (q *PubSubQueue) settle(d *Delivery) (pkgpubsub.Message, bool) {
	if d == nil || d.ID == "" {
		return pkgpubsub.Message{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.pending[d.ID]
	delete(q.pending, d.ID)
	return msg, ok
}

// ensureStream starts the streaming pull once. A failed stream reports its
// error to one caller and is restarted on the next call.
func (q *PubSubQueue) ensureStream(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.streamErr != nil {
		err := q.streamErr
		q.streamErr = nil
		return fmt.Errorf("pubsub stream: %w", err)
	}
	if q.running {
		return nil
	}
	q.running = true
	go q.stream(ctx)
	return nil
}

func (q *PubSubQueue) stream(ctx context.Context) {
	err := q.client.Receive(ctx, q.subscription, func(mctx context.Context, msg pkgpubsub.Message) {
		select {
		case q.deliveries <- msg:
		case <-mctx.Done():
			msg.Nack()
		}
	})
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	if err != nil && ctx.Err() == nil {
		q.streamErr = err
	}
}
