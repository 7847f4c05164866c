// Package amqp fans document changes out to every process sharing a storage
// backend, over a RabbitMQ fanout exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"fintrack/internal/log"
)

// Circuit breaker states.
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	errDeliveriesEnded = errors.New("delivery channel closed")
)

// Notifier publishes and consumes ChangeMessages. Each process binds its own
// exclusive queue, so every process sees every change.
type Notifier struct {
	url          string
	exchangeName string
	origin       string
	logger       *log.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	lastFailure  time.Time
}

// NewNotifier connects to url and declares the fanout exchange.
func NewNotifier(url, exchangeName string, logger *log.Logger) (*Notifier, error) {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	n := &Notifier{
		url:          url,
		exchangeName: exchangeName,
		origin:       uuid.NewString(),
		logger:       logger.WithComponent(log.ComponentAMQP),
	}
	if _, err := n.ensureChannel(); err != nil {
		return nil, err
	}
	n.logger.Info("Change notifier connected",
		"exchange", exchangeName,
		"origin", n.origin)
	return n, nil
}

// Origin returns the id stamped on every message this process publishes.
func (n *Notifier) Origin() string {
	return n.origin
}

// ensureChannel returns the publishing channel, reconnecting if needed.
func (n *Notifier) ensureChannel() (*amqp091.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.channel != nil && !n.channel.IsClosed() {
		return n.channel, nil
	}
	if n.conn == nil || n.conn.IsClosed() {
		conn, err := amqp091.Dial(n.url)
		if err != nil {
			return nil, fmt.Errorf("dial AMQP: %w", err)
		}
		n.conn = conn
	}

	channel, err := n.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(channel, n.exchangeName); err != nil {
		channel.Close()
		return nil, err
	}
	n.channel = channel
	return channel, nil
}

func declareExchange(ch *amqp091.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,     // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

// PublishChange implements docstore.ChangePublisher.
func (n *Notifier) PublishChange(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.isCircuitOpen() {
		return fmt.Errorf("publish change: %w", ErrCircuitOpen)
	}

	body, err := NewChangeMessage(path, n.origin).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ch, err := n.ensureChannel()
	if err != nil {
		n.recordFailure()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(
		ctx,
		n.exchangeName, // exchange
		"",             // routing key, ignored by fanout
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		n.recordFailure()
		if isConnectionError(err) {
			n.dropChannel()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	n.recordSuccess()

	n.logger.DebugContext(ctx, "Published change", log.FieldDocPath, path)
	return nil
}

// ConsumeChanges calls handler for every change published by other
// processes until ctx is done. Lost connections are re-established with
// exponential backoff.
func (n *Notifier) ConsumeChanges(ctx context.Context, handler func(ctx context.Context, path string) error) error {
	attempt := 0
	for {
		started, err := n.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			n.logger.InfoContext(ctx, "Stopping change consumption", "reason", ctx.Err())
			return nil
		}
		if !errors.Is(err, errDeliveriesEnded) && !isConnectionError(err) {
			return err
		}
		if started {
			attempt = 0
		}
		wait := exponentialBackoff(attempt)
		attempt++
		n.logger.WarnContext(ctx, "Change consumer disconnected, retrying",
			log.FieldError, err,
			"retry_in", wait.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (n *Notifier) consumeOnce(ctx context.Context, handler func(ctx context.Context, path string) error) (bool, error) {
	if _, err := n.ensureChannel(); err != nil {
		return false, err
	}
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return false, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", n.exchangeName, false, nil); err != nil {
		return false, fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return false, fmt.Errorf("start consuming: %w", err)
	}
	n.logger.InfoContext(ctx, "Consuming changes", "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return true, errDeliveriesEnded
			}
			n.handle(ctx, d, handler)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, d amqp091.Delivery, handler func(ctx context.Context, path string) error) {
	path, own, err := n.decode(d.Body)
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to unmarshal message", log.FieldError, err)
		d.Nack(false, false)
		return
	}
	if own {
		d.Ack(false)
		return
	}
	if err := handler(ctx, path); err != nil {
		// The next change re-reads the whole path, so the message is not
		// requeued.
		n.logger.ErrorContext(ctx, "Failed to handle change",
			log.FieldDocPath, path,
			log.FieldError, err)
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}

// decode returns the changed path and whether this process published it.
func (n *Notifier) decode(body []byte) (string, bool, error) {
	msg, err := ChangeMessageFromJSON(body)
	if err != nil {
		return "", false, err
	}
	return msg.Path, msg.Origin == n.origin, nil
}

func (n *Notifier) dropChannel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		n.channel.Close()
		n.channel = nil
	}
}

func (n *Notifier) isCircuitOpen() bool {
	if atomic.LoadInt32(&n.state) != StateOpen {
		return false
	}
	n.mu.Lock()
	last := n.lastFailure
	n.mu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&n.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (n *Notifier) recordFailure() {
	count := atomic.AddInt64(&n.failureCount, 1)
	n.mu.Lock()
	n.lastFailure = time.Now()
	n.mu.Unlock()
	if count >= maxFailures || atomic.LoadInt32(&n.state) == StateHalfOpen {
		if atomic.SwapInt32(&n.state, StateOpen) != StateOpen {
			n.logger.Warn("Circuit breaker opened", "failures", count)
		}
	}
}

func (n *Notifier) recordSuccess() {
	atomic.StoreInt64(&n.failureCount, 0)
	atomic.StoreInt32(&n.state, StateClosed)
}

func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection closed",
		"connection reset",
		"EOF",
		"broken pipe",
		"use of closed network connection",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		n.channel.Close()
		n.channel = nil
	}
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}
