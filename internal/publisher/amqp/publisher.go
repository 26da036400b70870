// Package amqp publishes job events to a RabbitMQ exchange.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

// Config holds the broker connection and exchange settings.
type Config struct {
	URL          string
	Exchange     string
	ExchangeType string
	// RoutingKey overrides the topic passed to Publish when set.
	RoutingKey string
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends JSON messages over one AMQP channel.
type Publisher struct {
	cfg    Config
	logger *zap.Logger
	conn   *amqp.Connection

	mu sync.Mutex
	ch channel
}

var _ archive.Publisher = (*Publisher)(nil)

// Dial connects, opens a channel and declares the exchange as durable.
func Dial(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = amqp.ExchangeTopic
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
		}
	}
	logger.Info("amqp publisher connected", zap.String("exchange", cfg.Exchange))
	p := newPublisher(cfg, ch, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(cfg Config, ch channel, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{cfg: cfg, ch: ch, logger: logger}
}

// Publish sends payload as a persistent JSON message. The routing key is the
// configured key or, failing that, topic. The returned ID is the message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	key := p.cfg.RoutingKey
	if key == "" {
		key = topic
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	switch ev := payload.(type) {
	case archive.Event:
		msg.MessageId = ev.JobID + ":" + string(ev.Status)
		msg.Type = string(ev.Status)
	case *archive.Event:
		msg.MessageId = ev.JobID + ":" + string(ev.Status)
		msg.Type = string(ev.Status)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return "", fmt.Errorf("amqp channel is closed")
	}
	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, msg); err != nil {
		p.logger.Warn("amqp publish failed", zap.String("routing_key", key), zap.Error(err))
		return "", fmt.Errorf("publish to %s: %w", key, err)
	}
	return msg.MessageId, nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.ch != nil {
		firstErr = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.conn = nil
	}
	return firstErr
}
