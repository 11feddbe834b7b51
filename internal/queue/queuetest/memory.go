// Package queuetest provides an in-memory queue.Client for tests.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/queue"
)

type entry struct {
	id           string
	body         []byte
	messageType  string
	receiveCount int
	enqueuedAt   time.Time
}

type inflight struct {
	queue string
	entry *entry
}

// Memory is a queue.Client kept entirely in memory. Unacked entries return to
// their queue only when Expire is called, which stands in for the visibility
// timeout. Entries received MaxReceiveCount times move to the dead-letter
// queue on expiry.
type Memory struct {
	// FailEnqueue, when set, is consulted before every enqueue.
	FailEnqueue func(queueName string, payload queue.Payload) error
	// MaxReceiveCount is the dead-letter threshold; zero disables it.
	MaxReceiveCount int

	mu       sync.Mutex
	queues   map[string][]*entry
	inflight map[string]inflight
	acked    []string
	nextID   int
	extended int
	signal   chan struct{}
}

var _ queue.Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		queues:   make(map[string][]*entry),
		inflight: make(map[string]inflight),
		signal:   make(chan struct{}),
	}
}

func (m *Memory) Enqueue(_ context.Context, queueName string, payload queue.Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: payload is required", queue.ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	if m.FailEnqueue != nil {
		if err := m.FailEnqueue(queueName, payload); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := "mem-" + strconv.Itoa(m.nextID)
	m.pushLocked(queueName, &entry{
		id:          id,
		body:        body,
		messageType: string(payload.PayloadType()),
		enqueuedAt:  time.Now().UTC(),
	})
	return id, nil
}

func (m *Memory) Dequeue(ctx context.Context, queueName string, maxMessages int, wait time.Duration) ([]queue.Delivery, error) {
	maxMessages = max(maxMessages, 1)

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		m.mu.Lock()
		if out := m.popLocked(queueName, maxMessages); len(out) > 0 {
			m.mu.Unlock()
			return out, nil
		}
		signal := m.signal
		m.mu.Unlock()

		if timeout == nil {
			return nil, nil
		}

		select {
		case <-signal:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) Ack(_ context.Context, _ string, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[receipt]; ok {
		delete(m.inflight, receipt)
		m.acked = append(m.acked, receipt)
	}
	return nil
}

// Extend keeps a held receipt in flight. It fails once Expire has returned
// the entry to its queue.
func (m *Memory) Extend(_ context.Context, queueName string, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[receipt]; !ok {
		return fmt.Errorf("%w: %s on %s", queue.ErrReceiptExpired, receipt, queueName)
	}
	m.extended++
	return nil
}

// Extended returns the number of successful Extend calls.
func (m *Memory) Extended() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extended
}

func (m *Memory) Close() error { return nil }

// Expire returns every unacked entry to its queue, or to the dead-letter
// queue once it has been received MaxReceiveCount times.
func (m *Memory) Expire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for receipt, f := range m.inflight {
		delete(m.inflight, receipt)
		target := f.queue
		if m.MaxReceiveCount > 0 && f.entry.receiveCount >= m.MaxReceiveCount {
			target = queue.DLQName(f.queue)
		}
		m.pushLocked(target, f.entry)
	}
}

// Len returns the number of visible entries in queueName.
func (m *Memory) Len(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queueName])
}

// InFlight returns the number of dequeued entries not yet acked.
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Acked returns the receipts acked so far.
func (m *Memory) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

// Bodies returns the visible payload bodies of queueName without dequeuing.
func (m *Memory) Bodies(queueName string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, 0, len(m.queues[queueName]))
	for _, e := range m.queues[queueName] {
		out = append(out, e.body)
	}
	return out
}

func (m *Memory) pushLocked(queueName string, e *entry) {
	m.queues[queueName] = append(m.queues[queueName], e)
	close(m.signal)
	m.signal = make(chan struct{})
}

func (m *Memory) popLocked(queueName string, maxMessages int) []queue.Delivery {
	pending := m.queues[queueName]
	n := min(maxMessages, len(pending))
	if n == 0 {
		return nil
	}

	out := make([]queue.Delivery, 0, n)
	for _, e := range pending[:n] {
		e.receiveCount++
		m.nextID++
		receipt := "receipt-" + strconv.Itoa(m.nextID)
		m.inflight[receipt] = inflight{queue: queueName, entry: e}
		out = append(out, queue.Delivery{
			ID:      e.id,
			Receipt: receipt,
			Body:    e.body,
			Attributes: map[string]string{
				queue.AttrQueueName:    queueName,
				queue.AttrMessageType:  e.messageType,
				queue.AttrTimestamp:    e.enqueuedAt.Format(time.RFC3339Nano),
				queue.AttrReceiveCount: strconv.Itoa(e.receiveCount),
			},
		})
	}
	m.queues[queueName] = pending[n:]
	return out
}
