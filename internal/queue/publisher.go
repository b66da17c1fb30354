package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"transcriptworker/pkg/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Publisher sends transcription requests to the work exchange.
type Publisher struct {
	conn     Connection
	channel  Channel
	topology Topology
}

func NewPublisher(url string, topology Topology) (*Publisher, error) {
	return newPublisher(Dial, url, topology)
}

func newPublisher(dial Dialer, url string, topology Topology) (*Publisher, error) {
	conn, err := dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := topology.Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("RabbitMQ publisher connected", zap.String("exchange", topology.Exchange))

	return &Publisher{conn: conn, channel: ch, topology: topology}, nil
}

// Publish publishes a raw JSON body with the work routing key.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := p.channel.PublishWithContext(
		ctx,
		p.topology.Exchange,   // exchange
		p.topology.RoutingKey, // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Debug("Message published",
		zap.String("routing_key", p.topology.RoutingKey),
		zap.Int("size", len(body)))

	return nil
}

// PublishMessage validates and publishes a TranscriptionMessage.
func (p *Publisher) PublishMessage(ctx context.Context, msg *TranscriptionMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return p.Publish(ctx, body)
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
