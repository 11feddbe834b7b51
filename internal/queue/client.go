package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const deliveryCountHeader = "x-delivery-count"

type subscribeFunc func(ctx context.Context, queue string, prefetch int) (io.Closer, <-chan amqp.Delivery, error)

type publishFunc func(ctx context.Context, queue string, msg amqp.Publishing) error

type subscription struct {
	generation uint64
	channel    io.Closer
	deliveries <-chan amqp.Delivery
}

type inflightEntry struct {
	queue      string
	generation uint64
	delivery   amqp.Delivery
	timer      *time.Timer
	deadline   time.Time
}

var _ Client = (*RabbitMQClient)(nil)

// RabbitMQClient adapts RabbitMQ consumers to the poll/ack Client contract.
// Every dequeued entry stays unacked at the broker until Ack; if Ack does not
// arrive within the visibility timeout the entry is requeued, which counts as
// a delivery toward the queue's dead-letter limit.
type RabbitMQClient struct {
	broker     *RabbitMQ
	visibility time.Duration
	logger     *zap.Logger
	subscribe  subscribeFunc
	publish    publishFunc
	newID      func() string
	now        func() time.Time

	subMu sync.Mutex

	mu         sync.Mutex
	subs       map[string]*subscription
	inflight   map[string]*inflightEntry
	generation uint64
	closed     bool
}

func NewRabbitMQClient(broker *RabbitMQ, visibility time.Duration, logger *zap.Logger) *RabbitMQClient {
	c := newRabbitMQClient(nil, nil, visibility, logger)
	c.broker = broker
	c.subscribe = broker.subscribe
	c.publish = broker.publish
	return c
}

func newRabbitMQClient(subscribe subscribeFunc, publish publishFunc, visibility time.Duration, logger *zap.Logger) *RabbitMQClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}

	return &RabbitMQClient{
		visibility: visibility,
		logger:     logger,
		subscribe:  subscribe,
		publish:    publish,
		newID:      uuid.NewString,
		now:        time.Now,
		subs:       make(map[string]*subscription),
		inflight:   make(map[string]*inflightEntry),
	}
}

func (c *RabbitMQClient) Enqueue(ctx context.Context, queue string, payload Payload) (string, error) {
	if queue == "" {
		return "", fmt.Errorf("queue name is required")
	}
	if payload == nil {
		return "", fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", payload.PayloadType(), err)
	}

	id := c.newID()
	messageType := string(payload.PayloadType())
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    c.now().UTC(),
		MessageId:    id,
		Type:         messageType,
		Headers: amqp.Table{
			AttrQueueName:   queue,
			AttrMessageType: messageType,
		},
		Body: body,
	}

	if err := c.publish(ctx, queue, publishing); err != nil {
		return "", err
	}
	return id, nil
}

func (c *RabbitMQClient) Dequeue(ctx context.Context, queue string, maxMessages int, wait time.Duration) ([]Delivery, error) {
	maxMessages = max(maxMessages, 1)

	sub, err := c.subscription(ctx, queue, maxMessages)
	if err != nil {
		return nil, err
	}

	var (
		first amqp.Delivery
		ok    bool
	)
	if wait <= 0 {
		select {
		case first, ok = <-sub.deliveries:
		default:
			return nil, nil
		}
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case first, ok = <-sub.deliveries:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		c.dropSubscription(queue, sub)
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionClosed, queue)
	}

	out := []Delivery{c.track(queue, sub.generation, first)}
	for len(out) < maxMessages {
		select {
		case d, ok := <-sub.deliveries:
			if !ok {
				c.dropSubscription(queue, sub)
				return out, nil
			}
			out = append(out, c.track(queue, sub.generation, d))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (c *RabbitMQClient) Ack(_ context.Context, queue string, receipt string) error {
	c.mu.Lock()
	entry, ok := c.inflight[receipt]
	if ok {
		delete(c.inflight, receipt)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	entry.timer.Stop()

	if err := entry.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", receipt, queue, err)
	}
	return nil
}

func (c *RabbitMQClient) Extend(_ context.Context, queue string, receipt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.inflight[receipt]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrReceiptExpired, receipt, queue)
	}
	entry.deadline = c.now().Add(c.visibility)
	entry.timer.Reset(c.visibility)
	return nil
}

// Close stops consuming and closes the broker connection. Entries that were
// dequeued but not acked are returned to their queues by the broker.
func (c *RabbitMQClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	entries := c.inflight
	c.subs = make(map[string]*subscription)
	c.inflight = make(map[string]*inflightEntry)
	c.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
	}

	var err error
	for _, sub := range subs {
		if sub.channel != nil {
			err = multierr.Append(err, sub.channel.Close())
		}
	}
	if c.broker != nil {
		err = multierr.Append(err, c.broker.Close())
	}
	return err
}

func (c *RabbitMQClient) subscription(ctx context.Context, queue string, prefetch int) (*subscription, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: client closed", ErrSubscriptionClosed)
	}
	if sub, ok := c.subs[queue]; ok {
		c.mu.Unlock()
		return sub, nil
	}
	c.mu.Unlock()

	closer, deliveries, err := c.subscribe(ctx, queue, prefetch)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	sub := &subscription{generation: c.generation, channel: closer, deliveries: deliveries}
	c.subs[queue] = sub
	return sub, nil
}

// dropSubscription forgets a closed consumer. Its unacked entries are already
// back on the queue, so their receipts are discarded.
func (c *RabbitMQClient) dropSubscription(queue string, sub *subscription) {
	c.mu.Lock()
	if current, ok := c.subs[queue]; ok && current == sub {
		delete(c.subs, queue)
	}
	for receipt, entry := range c.inflight {
		if entry.queue == queue && entry.generation == sub.generation {
			entry.timer.Stop()
			delete(c.inflight, receipt)
		}
	}
	c.mu.Unlock()

	if sub.channel != nil {
		_ = sub.channel.Close()
	}
}

func (c *RabbitMQClient) track(queue string, generation uint64, d amqp.Delivery) Delivery {
	receipt := fmt.Sprintf("%d.%d", generation, d.DeliveryTag)

	c.mu.Lock()
	entry := &inflightEntry{queue: queue, generation: generation, delivery: d, deadline: c.now().Add(c.visibility)}
	c.inflight[receipt] = entry
	entry.timer = time.AfterFunc(c.visibility, func() { c.expire(receipt) })
	c.mu.Unlock()

	attrs := map[string]string{
		AttrQueueName:    queue,
		AttrMessageType:  d.Type,
		AttrReceiveCount: strconv.Itoa(receiveCount(d)),
	}
	if !d.Timestamp.IsZero() {
		attrs[AttrTimestamp] = d.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	return Delivery{
		ID:         d.MessageId,
		Receipt:    receipt,
		Body:       d.Body,
		Attributes: attrs,
	}
}

func (c *RabbitMQClient) expire(receipt string) {
	c.mu.Lock()
	entry, ok := c.inflight[receipt]
	if ok && c.now().Before(entry.deadline) {
		// Extended after the timer fired; the reset timer fires again.
		ok = false
	} else if ok {
		delete(c.inflight, receipt)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	c.logger.Warn("visibility timeout elapsed, returning entry to queue",
		zap.String("queue", entry.queue),
		zap.String("messageId", entry.delivery.MessageId),
	)
	if err := entry.delivery.Nack(false, true); err != nil {
		c.logger.Debug("requeue after visibility timeout failed", zap.Error(err))
	}
}

// receiveCount is the 1-based number of times the entry has been delivered.
func receiveCount(d amqp.Delivery) int {
	switch v := d.Headers[deliveryCountHeader].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (r *RabbitMQ) subscribe(ctx context.Context, queue string, prefetch int) (io.Closer, <-chan amqp.Delivery, error) {
	ch, err := r.channel(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	return ch, deliveries, nil
}

// publish waits for the broker to confirm the entry, so a returned id always
// refers to a stored entry.
func (r *RabbitMQ) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	ch, err := r.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm message on queue %q: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message on queue %q", queue)
	}
	return nil
}
