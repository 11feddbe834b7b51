package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName  = "dispatch.dlx"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	dialTimeout      = 15 * time.Second
	connectionName   = "message-dispatch"
)

// RabbitMQ owns one broker connection shared by every publisher and
// consumer channel. A dropped connection is redialed lazily the next time a
// channel is requested.
type RabbitMQ struct {
	url      string
	topology Topology

	mu     sync.RWMutex
	dialMu sync.Mutex
	conn   *amqp.Connection
}

func NewRabbitMQ(ctx context.Context, url string, topology Topology) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if len(topology.WorkQueues) == 0 {
		return nil, fmt.Errorf("at least one work queue is required")
	}

	r := &RabbitMQ{url: url, topology: topology}

	setupCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	// Opening a channel dials and declares the topology up front so a
	// misconfigured broker fails startup instead of the first publish.
	ch, err := r.channel(setupCtx)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	_ = ch.Close()

	return r, nil
}

// Healthy reports whether the broker connection is open.
func (r *RabbitMQ) Healthy() bool {
	return r.live() != nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// channel opens a channel on the shared connection with the topology
// declared. A failed open retires the connection and is retried once on a
// fresh one.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	var lastErr error
	for range 2 {
		conn, err := r.connection(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			lastErr = err
			r.retire(conn)
			continue
		}

		if err := declareTopology(ch, r.topology); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}
	return nil, fmt.Errorf("open rabbitmq channel: %w", lastErr)
}

func (r *RabbitMQ) live() *amqp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

// connection returns the open connection, dialing with exponential backoff
// until ctx is done. Concurrent callers share one dial loop.
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.live(); conn != nil {
		return conn, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if conn := r.live(); conn != nil {
		return conn, nil
	}

	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(dialTimeout),
		Properties: amqp.Table{"connection_name": connectionName},
	}

	for wait := reconnectBackoff; ; wait = nextBackoff(wait) {
		conn, err := amqp.DialConfig(r.url, cfg)
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()
			return conn, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial rabbitmq: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// retire drops conn if it is still the shared connection.
func (r *RabbitMQ) retire(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}
}

func nextBackoff(wait time.Duration) time.Duration {
	return min(wait*2, maxBackoff)
}

type queueDecl struct {
	name string
	args amqp.Table
	// bindKey routes dead-lettered entries from the exchange; empty for
	// work queues.
	bindKey string
}

// topologyDecls lists every queue in declaration order: each dead-letter
// queue precedes the work queue that targets it.
func topologyDecls(topology Topology) []queueDecl {
	decls := make([]queueDecl, 0, 2*len(topology.WorkQueues))
	for _, name := range topology.WorkQueues {
		decls = append(decls,
			queueDecl{name: DLQName(name), args: amqp.Table{"x-queue-type": "quorum"}, bindKey: name},
			queueDecl{name: name, args: workQueueArgs(name, topology)},
		)
	}
	return decls
}

// declareTopology declares the dead-letter exchange and all queues. Work
// queues are quorum queues so the broker counts deliveries and
// dead-letters entries past the receive limit.
func declareTopology(ch *amqp.Channel, topology Topology) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", dlxExchangeName, err)
	}

	for _, decl := range topologyDecls(topology) {
		if _, err := ch.QueueDeclare(decl.name, true, false, false, false, decl.args); err != nil {
			return fmt.Errorf("declare queue %q: %w", decl.name, err)
		}
		if decl.bindKey == "" {
			continue
		}
		if err := ch.QueueBind(decl.name, decl.bindKey, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", decl.name, err)
		}
	}
	return nil
}

func workQueueArgs(queueName string, topology Topology) amqp.Table {
	return amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": queueName,
		"x-delivery-limit":          topology.deliveryLimit(),
	}
}
