// Package pubsub implements the execution queue on Google Cloud Pub/Sub so
// that API replicas and worker replicas can run as separate processes.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

// Config names the topic and subscription backing the queue.
type Config struct {
	Topic        string
	Subscription string
	// MaxOutstanding bounds unacknowledged deliveries; typically the worker
	// concurrency.
	MaxOutstanding int
}

// Queue publishes queue items as JSON and hands received items to Dequeue
// callers. A message is acknowledged once a worker has taken it.
type Queue struct {
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger

	items chan download.QueueItem

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	recvErr   error
}

// New builds a queue over an existing client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub queue requires topic and subscription")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscriber(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		publisher:  client.Publisher(cfg.Topic),
		subscriber: sub,
		logger:     logger,
		items:      make(chan download.QueueItem),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// Enqueue publishes the item and waits for the server acknowledgement.
func (q *Queue) Enqueue(ctx context.Context, item download.QueueItem) error {
	if q.ctx.Err() != nil {
		return download.ErrQueueClosed
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	attrs := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, attrs)
	if _, err := q.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish queue item %s: %w", item.JobID, err)
	}
	return nil
}

// Dequeue blocks until a delivery arrives, ctx ends, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (download.QueueItem, error) {
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return download.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.items:
		return item, nil
	case <-q.done:
		if q.recvErr != nil {
			return download.QueueItem{}, fmt.Errorf("%w: %w", download.ErrQueueClosed, q.recvErr)
		}
		return download.QueueItem{}, download.ErrQueueClosed
	}
}

// Close stops receiving and flushes pending publishes. The client stays open.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		q.startOnce.Do(func() { close(q.done) })
		<-q.done
		q.publisher.Stop()
	})
	return nil
}

func (q *Queue) startReceiving() {
	go func() {
		defer close(q.done)
		err := q.subscriber.Receive(q.ctx, q.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.recvErr = err
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message) {
	var item download.QueueItem
	if err := json.Unmarshal(msg.Data, &item); err != nil {
		q.logger.Warn("dropping undecodable queue message", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	select {
	case q.items <- item:
		msg.Ack()
	case <-ctx.Done():
		msg.Nack()
	}
}
