// Package queue publishes dispatch jobs to RabbitMQ.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kehao95/gh-listener/internal/job"
)

// ErrClosed is returned when publishing on a closed Publisher.
var ErrClosed = errors.New("publisher is closed")

var errNotConnected = errors.New("RabbitMQ channel is not open")

const dialTimeout = 30 * time.Second

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	IsClosed() bool
	Close() error
}

// dialer opens a connection and a channel on it. ctx bounds the TCP dial and
// the protocol handshake.
type dialer func(ctx context.Context, url string) (*amqp.Connection, channel, error)

// Publisher publishes jobs on the default exchange, using the queue name as
// the routing key. Each Enqueue is a single publish; failures are returned
// to the caller and never retried here.
type Publisher struct {
	url    string
	logger *zap.Logger
	dial   dialer

	// dialing holds a token while a reconnect is in flight. Reconnects run
	// outside mu so publishers waiting on a dead broker honor their context.
	dialing chan struct{}

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     channel
	closed bool
}

// Dial connects to the broker at url.
func Dial(url string, logger *zap.Logger) (*Publisher, error) {
	p := newPublisher(url, logger, dialAMQP)
	if err := p.reconnect(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func newPublisher(url string, logger *zap.Logger, dial dialer) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		url:     url,
		logger:  logger,
		dial:    dial,
		dialing: make(chan struct{}, 1),
	}
}

func dialAMQP(ctx context.Context, url string) (*amqp.Connection, channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "gh-listener",
		},
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			deadline, ok := ctx.Deadline()
			if !ok {
				deadline = time.Now().Add(dialTimeout)
			}
			if err := conn.SetDeadline(deadline); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// reconnect replaces a missing or closed channel. Only one reconnect runs at
// a time; callers queued behind it return early once it has succeeded.
func (p *Publisher) reconnect(ctx context.Context) error {
	select {
	case p.dialing <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.dialing }()

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.ch != nil && !p.ch.IsClosed():
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	conn, ch, err := p.dial(ctx, p.url)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	p.closeLocked()
	p.conn, p.ch = conn, ch
	p.logger.Info("connected to RabbitMQ")
	return nil
}

// DeclareQueues declares durable queues so published jobs are routable.
func (p *Publisher) DeclareQueues(names ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ch == nil {
		return ErrClosed
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := p.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}
	return nil
}

// Enqueue publishes j to queue as a persistent JSON message. A channel that
// was closed by the broker is reopened before publishing.
func (p *Publisher) Enqueue(ctx context.Context, queue string, j job.DispatchJob) error {
	body, err := j.Encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	if !p.Healthy() {
		p.logger.Warn("RabbitMQ channel closed, reconnecting")
		if err := p.reconnect(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.ch == nil {
		return errNotConnected
	}

	err = p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    j.UUID,
		Type:         j.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Healthy reports whether the channel is open.
func (p *Publisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.ch != nil && !p.ch.IsClosed()
}

// Close closes the channel and connection. Further Enqueue calls fail.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeLocked()
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
		p.logger.Info("RabbitMQ connection closed")
	}
}
