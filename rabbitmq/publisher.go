package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/boxbus/boxbus/config"
	"github.com/boxbus/boxbus/envelope"
	"github.com/boxbus/boxbus/logger"
	"github.com/boxbus/boxbus/metrics"
)

// outboxStore is the slice of the event store the publisher needs.
type outboxStore interface {
	InsertOutbox(ctx context.Context, producerID, eventType, messageID, partitionKey string, body []byte) (bool, error)
	MarkOutboxPublished(ctx context.Context, messageID string) bool
	MarkOutboxFailed(ctx context.Context, messageID, reason string) bool
}

// Publisher ships events with the outbox discipline: persist first, emit
// second, record the emission outcome third. Broker faults never escape
// Publish; the outbox row is the durable record and the relay re-emits it
// later.
type Publisher struct {
	cfg   *config.Config
	sup   *Supervisor
	store outboxStore
	lg    zerolog.Logger

	// emit is the transport seam; tests swap it for a fake.
	emit func(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error
}

func NewPublisher(cfg *config.Config, sup *Supervisor, store outboxStore) *Publisher {
	p := &Publisher{
		cfg:   cfg,
		sup:   sup,
		store: store,
		lg:    logger.Component("publisher"),
	}
	p.emit = p.emitViaChannel
	return p
}

func (p *Publisher) emitViaChannel(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	ch, err := p.sup.Channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub)
}

// Publish persists env to the outbox and emits it on the topic exchange.
//
// A duplicate outbox row is not an error: the broker step still runs so a
// crashed earlier attempt gets its emission. Store failures other than
// duplicates propagate. Broker failures are absorbed: the row is marked
// failed and Publish reports false.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope, eventType string) (bool, error) {
	if err := p.cfg.Validate(config.Broker, config.DB); err != nil {
		return false, err
	}

	env.SetEvent(eventType).SetProducer(p.cfg.ProducerID())

	body, err := env.Body()
	if err != nil {
		return false, err
	}

	inserted, err := p.store.InsertOutbox(ctx, env.ProducerID(), eventType, env.MessageID(), partitionKey(env), body)
	if err != nil {
		return false, err
	}
	if !inserted {
		p.lg.Debug().
			Str("message_id", env.MessageID()).
			Str("event_type", eventType).
			Msg("outbox row already present; re-emitting")
	}

	if !p.cfg.PublisherEnabled {
		return true, nil
	}

	if err := p.PublishToBroker(ctx, env); err != nil {
		category := CategorizeBrokerError(err)
		metrics.RecordPublished("failed", category)
		p.lg.Error().
			Err(err).
			Str("message_id", env.MessageID()).
			Str("event_type", eventType).
			Str("category", category).
			Msg("broker emission failed; outbox row retained")
		p.store.MarkOutboxFailed(ctx, env.MessageID(), err.Error())
		return false, nil
	}

	metrics.RecordPublished("published", "")
	p.store.MarkOutboxPublished(ctx, env.MessageID())
	return true, nil
}

// PublishToBroker emits env directly on the configured topic exchange with
// routing key = event type. The message id is carried exactly as set;
// broker errors propagate, unlike Publish which absorbs them.
func (p *Publisher) PublishToBroker(ctx context.Context, env *envelope.Envelope) error {
	pub, err := env.Publishing()
	if err != nil {
		return err
	}
	return p.emit(ctx, p.cfg.Exchange, env.EventType(), pub)
}

// EmitRaw re-publishes an already-serialized outbox body, preserving the
// original message id. Used by the outbox relay.
func (p *Publisher) EmitRaw(ctx context.Context, eventType, messageID, producerID string, body []byte) error {
	return p.emit(ctx, p.cfg.Exchange, eventType, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Type:         eventType,
		AppId:        producerID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// partitionKey extracts an optional partition hint from envelope meta.
func partitionKey(env *envelope.Envelope) string {
	if v, ok := env.Meta()["partition_key"].(string); ok {
		return v
	}
	return ""
}
