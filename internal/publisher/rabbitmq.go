package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"readlater_sync/internal/domain"
)

const (
	EventProgress  = "progress"
	EventConflict  = "conflict"
	EventCompleted = "completed"
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ publishes sync engine events as JSON messages. It satisfies
// service.Observer; publish failures are logged and never reach the engine.
type RabbitMQ struct {
	conn       *amqp.Connection
	channel    channel
	exchange   string
	routingKey string
	storeID    string
	logger     *slog.Logger
	now        func() time.Time
}

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
	StoreID    string
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		cfg.QueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"routing_key", cfg.RoutingKey,
	)

	r := newWithChannel(ch, cfg, logger)
	r.conn = conn
	return r, nil
}

func newWithChannel(ch channel, cfg Config, logger *slog.Logger) *RabbitMQ {
	return &RabbitMQ{
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		storeID:    cfg.StoreID,
		logger:     logger.With("component", "publisher"),
		now:        time.Now,
	}
}

// EventMessage is the body of every published message. Exactly one of
// Progress, Conflict and Result is set, matching Type.
type EventMessage struct {
	Type      string             `json:"type"`
	StoreID   string             `json:"storeId"`
	Progress  *domain.Progress   `json:"progress,omitempty"`
	Conflict  *ConflictEvent     `json:"conflict,omitempty"`
	Result    *domain.SyncResult `json:"result,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ConflictEvent describes a conflict without shipping article bodies.
type ConflictEvent struct {
	ArticleID       string                  `json:"articleId"`
	Resolution      domain.ConflictStrategy `json:"resolution,omitempty"`
	LocalUpdatedAt  time.Time               `json:"localUpdatedAt"`
	RemoteUpdatedAt time.Time               `json:"remoteUpdatedAt"`
	LocalTitle      string                  `json:"localTitle"`
	RemoteTitle     string                  `json:"remoteTitle"`
}

func (r *RabbitMQ) Progress(ctx context.Context, p domain.Progress) {
	r.publishEvent(ctx, EventMessage{Type: EventProgress, Progress: &p})
}

func (r *RabbitMQ) Conflict(ctx context.Context, c domain.ConflictCase) {
	r.publishEvent(ctx, EventMessage{Type: EventConflict, Conflict: &ConflictEvent{
		ArticleID:       c.ArticleID,
		Resolution:      c.Resolution,
		LocalUpdatedAt:  c.Local.UpdatedAt,
		RemoteUpdatedAt: c.Remote.UpdatedAt,
		LocalTitle:      c.Local.Title,
		RemoteTitle:     c.Remote.Title,
	}})
}

func (r *RabbitMQ) Completed(ctx context.Context, result domain.SyncResult) {
	r.publishEvent(ctx, EventMessage{Type: EventCompleted, Result: &result})
}

func (r *RabbitMQ) publishEvent(ctx context.Context, msg EventMessage) {
	if err := r.Publish(ctx, msg); err != nil {
		r.logger.Warn("failed to publish sync event", "type", msg.Type, "error", err)
	}
}

func (r *RabbitMQ) Publish(ctx context.Context, msg EventMessage) error {
	now := r.now().UTC()
	msg.StoreID = r.storeID
	msg.Timestamp = now

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		r.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Type:         msg.Type,
			Body:         body,
			Timestamp:    now,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	r.logger.Debug("published sync event", "type", msg.Type)

	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
