// Package amqp carries the Sync Bus across processes over a RabbitMQ fanout
// exchange. Each peer binds its own exclusive queue, so every document
// published by one peer reaches all the others.
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

	"payflow/internal/core"
	"payflow/internal/log"
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
	publishTimeout = 5 * time.Second
	maxBackoff     = 30 * time.Second
	originHeader   = "origin"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrNotConnected     = errors.New("amqp channel not connected")
	errDeliveriesClosed = errors.New("delivery channel closed")
)

type handlerEntry struct {
	id uint64
	fn func(core.Document)
}

type Client struct {
	url          string
	exchangeName string
	peerID       string
	logger       *log.Logger

	mu        sync.Mutex
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	queueName string

	handlersMu sync.Mutex
	handlers   []handlerEntry
	nextID     uint64

	state        int32
	failureCount int64
	breakerMu    sync.Mutex
	lastFailure  time.Time
}

// NewClient dials url and declares the fanout exchange plus this peer's
// private queue.
func NewClient(url, exchangeName string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default(log.ComponentAMQP)
	}
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		peerID:       uuid.NewString(),
		logger:       logger,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// PeerID identifies this process on the bus.
func (c *Client) PeerID() string {
	return c.peerID
}

func (c *Client) connect() error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	queue, err := setup(channel, c.exchangeName)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel, c.queueName = conn, channel, queue
	c.mu.Unlock()
	return nil
}

func setup(channel *amqp091.Channel, exchange string) (string, error) {
	err := channel.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare exchange: %w", err)
	}

	// Server-named, exclusive and auto-deleted: the queue lives exactly as
	// long as this peer's connection.
	q, err := channel.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}

	if err := channel.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue: %w", err)
	}
	return q.Name, nil
}

// Publish implements statestore.Bus.
func (c *Client) Publish(ctx context.Context, doc core.Document) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish document: %w", ErrCircuitOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := NewDocumentMessage(c.peerID, doc)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		c.recordFailure()
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		"",             // routing key (ignored by fanout)
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			MessageId:    uuid.NewString(),
			Timestamp:    msg.Timestamp,
			Headers:      amqp091.Table{originHeader: c.peerID},
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	c.logger.DebugContext(ctx, "Published document",
		"exchange", c.exchangeName,
		log.FieldCycle, doc.LastResetCycle)
	return nil
}

// Subscribe implements statestore.Bus. Handlers run on the consumer
// goroutine started by Run.
func (c *Client) Subscribe(handler func(core.Document)) func() {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: handler})
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// Run consumes inbound documents until ctx ends, reconnecting with
// exponential backoff when the broker connection drops. Documents published
// while disconnected are not replayed.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			return ctx.Err()
		}
		if err != nil && !isConnectionError(err) && !errors.Is(err, errDeliveriesClosed) {
			return err
		}

		delay := exponentialBackoff(attempt)
		c.logger.WarnContext(ctx, "AMQP connection lost, reconnecting",
			log.FieldError, err,
			"attempt", attempt+1,
			"backoff", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			c.logger.ErrorContext(ctx, "Reconnect failed", log.FieldError, err)
			attempt++
			continue
		}
		c.logger.InfoContext(ctx, "Reconnected to AMQP", "exchange", c.exchangeName)
		attempt = 0
	}
}

func (c *Client) consume(ctx context.Context) error {
	c.mu.Lock()
	channel, conn, queue := c.channel, c.conn, c.queueName
	c.mu.Unlock()
	if channel == nil || conn == nil {
		return ErrNotConnected
	}

	msgs, err := channel.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))

	c.logger.InfoContext(ctx, "Started consuming documents", "queue", queue, log.FieldPeer, c.peerID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errDeliveriesClosed
			}
			return amqpErr
		case delivery, ok := <-msgs:
			if !ok {
				return errDeliveriesClosed
			}
			origin, _ := delivery.Headers[originHeader].(string)
			if err := c.handleDelivery(ctx, origin, delivery.Body); err != nil {
				c.logger.ErrorContext(ctx, "Failed to decode document message", log.FieldError, err)
				delivery.Nack(false, false) // reject and don't requeue
				continue
			}
			delivery.Ack(false)
		}
	}
}

// handleDelivery decodes body and hands the document to the subscribers.
// Messages published by this peer are dropped.
func (c *Client) handleDelivery(ctx context.Context, origin string, body []byte) error {
	if origin != "" && origin == c.peerID {
		return nil
	}
	msg, err := DocumentMessageFromJSON(body)
	if err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Origin == c.peerID {
		return nil
	}
	doc, err := msg.Decode()
	if err != nil {
		return err
	}

	c.handlersMu.Lock()
	handlers := make([]handlerEntry, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.Unlock()

	c.logger.DebugContext(ctx, "Received document", log.FieldPeer, msg.Origin, log.FieldCycle, doc.LastResetCycle)
	for _, h := range handlers {
		h.fn(doc)
	}
	return nil
}

// Connected reports whether a broker channel is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) isCircuitOpen() bool {
	switch atomic.LoadInt32(&c.state) {
	case StateOpen:
		c.breakerMu.Lock()
		last := c.lastFailure
		c.breakerMu.Unlock()
		if time.Since(last) > openTimeout {
			atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
			return false
		}
		return true
	default:
		return false
	}
}

func (c *Client) recordFailure() {
	c.breakerMu.Lock()
	c.lastFailure = time.Now()
	c.breakerMu.Unlock()

	failures := atomic.AddInt64(&c.failureCount, 1)
	if failures >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
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
	if errors.Is(err, amqp091.ErrClosed) || errors.Is(err, ErrNotConnected) {
		return true
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection closed", "eof", "broken pipe", "use of closed network connection", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
