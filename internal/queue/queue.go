package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default queue names.
const (
	DefaultSendQueue  = "send_queue"
	DefaultBatchQueue = "batch_queue"
)

var (
	// ErrSubscriptionClosed is returned by Dequeue when the broker closed the
	// consumer. Unacked entries are redelivered by the broker.
	ErrSubscriptionClosed = errors.New("queue subscription closed")
	ErrInvalidPayload     = errors.New("invalid queue payload")
	// ErrReceiptExpired is returned by Extend when the entry is no longer
	// held by the caller: it was acked, or its visibility timeout elapsed
	// and it went back to the queue.
	ErrReceiptExpired = errors.New("queue receipt expired")
)

// Delivery is one dequeued entry. Receipt is the handle used to ack it.
type Delivery struct {
	ID         string
	Receipt    string
	Body       []byte
	Attributes map[string]string
}

// Attribute keys attached to every entry.
const (
	AttrQueueName    = "queue_name"
	AttrMessageType  = "message_type"
	AttrTimestamp    = "timestamp"
	AttrReceiveCount = "receive_count"
)

// Client is the durable queue used between the planner and the workers.
// Delivery is at least once: an entry that is not acked becomes visible again
// after the visibility timeout and is dead-lettered after the configured
// number of receives.
type Client interface {
	Enqueue(ctx context.Context, queue string, payload Payload) (string, error)
	// Dequeue long-polls for up to maxMessages entries, waiting at most wait
	// for the first one.
	Dequeue(ctx context.Context, queue string, maxMessages int, wait time.Duration) ([]Delivery, error)
	// Extend restarts the visibility timeout of a held entry. Long-running
	// handlers call it to keep the entry from being redelivered mid-run.
	Extend(ctx context.Context, queue string, receipt string) error
	// Ack removes an entry. Acking an unknown or already acked receipt is a
	// no-op.
	Ack(ctx context.Context, queue string, receipt string) error
	Close() error
}

// DLQName returns the dead-letter queue of a work queue, e.g. send_dlq for
// send_queue.
func DLQName(queue string) string {
	return fmt.Sprintf("%s_dlq", strings.TrimSuffix(queue, "_queue"))
}

// Topology lists the work queues to declare and their redelivery policy.
type Topology struct {
	WorkQueues      []string
	MaxReceiveCount int
}

// DLQNames returns the dead-letter queue of every work queue.
func (t Topology) DLQNames() []string {
	names := make([]string, 0, len(t.WorkQueues))
	for _, q := range t.WorkQueues {
		names = append(names, DLQName(q))
	}
	return names
}

// deliveryLimit is the number of redeliveries allowed after the first
// receive before the broker dead-letters an entry.
func (t Topology) deliveryLimit() int64 {
	return int64(max(t.MaxReceiveCount-1, 0))
}
