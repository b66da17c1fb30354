package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"transcriptworker/pkg/logger"
	"transcriptworker/pkg/resilience"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one parsed message. A nil error acks the delivery.
type Handler interface {
	Process(ctx context.Context, msg *TranscriptionMessage) error
}

type HandlerFunc func(ctx context.Context, msg *TranscriptionMessage) error

func (f HandlerFunc) Process(ctx context.Context, msg *TranscriptionMessage) error {
	return f(ctx, msg)
}

type ConsumerConfig struct {
	URL      string
	Topology Topology
	// Workers bounds concurrent handlers and is also the prefetch count.
	Workers            int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// PollInterval bounds how long the loop idles when nothing happens.
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Consumer reads deliveries on a single goroutine, hands them to a bounded
// worker pool and applies the resulting acks and nacks on that same
// goroutine. Only Run touches the connection and channel.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	dial    Dialer
	tag     string

	decisions chan AckDecision
	pool      *errgroup.Group
	taskCtx   context.Context

	// owned by the Run goroutine
	inFlight   int
	generation uint64

	closed   atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewConsumer(cfg ConsumerConfig, handler Handler) *Consumer {
	return newConsumer(cfg, handler, Dial)
}

func newConsumer(cfg ConsumerConfig, handler Handler, dial Dialer) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	pool := new(errgroup.Group)
	pool.SetLimit(cfg.Workers)

	return &Consumer{
		cfg:       cfg,
		handler:   handler,
		dial:      dial,
		tag:       "transcript-worker-" + uuid.NewString()[:8],
		decisions: make(chan AckDecision, cfg.Workers),
		pool:      pool,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run consumes until Stop is called or ctx is cancelled, reconnecting with
// backoff whenever the broker connection is lost.
func (c *Consumer) Run(ctx context.Context) error {
	c.started.Store(true)
	defer close(c.done)

	// In-flight handlers outlive shutdown and finish on their own timeouts.
	c.taskCtx = context.WithoutCancel(ctx)

	go func() {
		select {
		case <-ctx.Done():
			c.signalStop()
		case <-c.done:
		}
	}()

	backoff := resilience.NewBackoff(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)

	for {
		consumed, err := c.session()
		if err == nil {
			return nil
		}
		if consumed {
			backoff.Reset()
		}

		delay := backoff.Next()
		logger.Warn("RabbitMQ session ended, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("in_flight", c.inFlight))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.stop:
			timer.Stop()
			c.drain(nil, 0)
			c.closed.Store(true)
			return nil
		}
	}
}

// Stop stops consuming, waits for in-flight work up to the shutdown timeout
// and returns once Run has returned.
func (c *Consumer) Stop() {
	c.signalStop()
	if c.started.Load() {
		<-c.done
	}
}

func (c *Consumer) signalStop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// session runs one connection lifetime. It returns a nil error only after a
// requested stop. consumed reports whether the session reached consuming.
func (c *Consumer) session() (consumed bool, err error) {
	select {
	case <-c.stop:
		c.drain(nil, 0)
		c.closed.Store(true)
		return false, nil
	default:
	}

	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to open channel: %w", err)
	}

	closeAll := func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			logger.Debug("Failed to close channel", zap.Error(err))
		}
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			logger.Debug("Failed to close connection", zap.Error(err))
		}
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := c.cfg.Topology.Declare(ch); err != nil {
		closeAll()
		return false, err
	}

	if err := ch.Qos(c.cfg.Workers, 0, false); err != nil {
		closeAll()
		return false, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		c.cfg.Topology.Queue, // queue
		c.tag,                // consumer
		false,                // auto-ack
		false,                // exclusive
		false,                // no-local
		false,                // no-wait
		nil,                  // args
	)
	if err != nil {
		closeAll()
		return false, fmt.Errorf("failed to register consumer: %w", err)
	}

	c.generation++
	gen := c.generation

	logger.Info("Starting to consume messages",
		zap.String("queue", c.cfg.Topology.Queue),
		zap.Int("workers", c.cfg.Workers),
		zap.Uint64("generation", gen))

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Leave deliveries with the broker while the pool is full.
		var intake <-chan amqp.Delivery
		if c.inFlight < c.cfg.Workers {
			intake = deliveries
		}

		select {
		case d := <-c.decisions:
			c.resolve(ch, gen, d)

		case d, ok := <-intake:
			if !ok {
				closeAll()
				return true, errors.New("delivery channel closed")
			}
			c.accept(ch, gen, d)

		case amqpErr := <-connClosed:
			closeAll()
			return true, fmt.Errorf("connection closed: %v", amqpErr)

		case amqpErr := <-chanClosed:
			closeAll()
			return true, fmt.Errorf("channel closed: %v", amqpErr)

		case <-c.stop:
			c.shutdown(ch, gen, closeAll)
			return true, nil

		case <-ticker.C:
		}
	}
}

func (c *Consumer) accept(ch Channel, gen uint64, d amqp.Delivery) {
	msg, err := ParseMessage(d.Body)
	if err != nil {
		logger.Warn("Rejecting malformed message",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Int("size", len(d.Body)),
			zap.Error(err))
		if err := ch.Nack(d.DeliveryTag, false, false); err != nil {
			logger.Error("Failed to nack message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
		return
	}

	logger.Debug("Received message",
		logger.JobID(msg.JobID),
		zap.Uint64("delivery_tag", d.DeliveryTag))

	c.inFlight++
	tag := d.DeliveryTag
	c.pool.Go(func() error {
		decision := AckDecision{
			DeliveryTag: tag,
			Success:     c.runHandler(msg),
			JobID:       msg.JobID,
			Generation:  gen,
		}
		if c.closed.Load() {
			logger.Warn("Consumer closed, dropping decision",
				logger.JobID(msg.JobID),
				zap.Uint64("delivery_tag", tag),
				zap.Bool("success", decision.Success))
			return nil
		}
		// Never blocks: capacity equals the pool size.
		c.decisions <- decision
		return nil
	})
}

func (c *Consumer) runHandler(msg *TranscriptionMessage) (success bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panicked",
				logger.JobID(msg.JobID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			success = false
		}
	}()

	if err := c.handler.Process(c.taskCtx, msg); err != nil {
		logger.Warn("Message processing failed", logger.JobID(msg.JobID), zap.Error(err))
		return false
	}
	return true
}

// resolve applies a decision on ch. Decisions for an earlier channel are
// dropped: the broker has already requeued those deliveries.
func (c *Consumer) resolve(ch Channel, gen uint64, d AckDecision) {
	c.inFlight--

	if ch == nil || d.Generation != gen {
		logger.Warn("Dropping decision from a closed channel",
			logger.JobID(d.JobID),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Uint64("generation", d.Generation))
		return
	}

	if d.Success {
		if err := ch.Ack(d.DeliveryTag, false); err != nil {
			logger.Error("Failed to ack message", logger.JobID(d.JobID), zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
			return
		}
		logger.Info("Message acked", logger.JobID(d.JobID), zap.Uint64("delivery_tag", d.DeliveryTag))
		return
	}

	if err := ch.Nack(d.DeliveryTag, false, false); err != nil {
		logger.Error("Failed to nack message", logger.JobID(d.JobID), zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		return
	}
	logger.Warn("Message nacked", logger.JobID(d.JobID), zap.Uint64("delivery_tag", d.DeliveryTag))
}

func (c *Consumer) shutdown(ch Channel, gen uint64, closeAll func()) {
	logger.Info("Stopping consumer", zap.Int("in_flight", c.inFlight))

	if err := ch.Cancel(c.tag, false); err != nil {
		logger.Warn("Failed to cancel consumer", zap.Error(err))
	}

	c.drain(ch, gen)
	c.closed.Store(true)
	closeAll()

	logger.Info("Consumer stopped")
}

// drain resolves decisions until nothing is in flight or the shutdown
// timeout passes. With a nil channel every decision is dropped.
func (c *Consumer) drain(ch Channel, gen uint64) {
	if c.inFlight == 0 {
		return
	}

	timeout := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timeout.Stop()

	for c.inFlight > 0 {
		select {
		case d := <-c.decisions:
			c.resolve(ch, gen, d)
		case <-timeout.C:
			logger.Warn("Shutdown timeout reached with messages in flight",
				zap.Int("in_flight", c.inFlight),
				zap.Duration("timeout", c.cfg.ShutdownTimeout))
			return
		}
	}
}
