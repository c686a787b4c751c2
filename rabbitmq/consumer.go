package rabbitmq

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/boxbus/boxbus/config"
	"github.com/boxbus/boxbus/envelope"
	"github.com/boxbus/boxbus/idempotency"
	"github.com/boxbus/boxbus/logger"
	"github.com/boxbus/boxbus/retry"
)

const consumePrefetch = 10

// Handler processes one envelope. A returned error schedules a delayed
// redelivery until attempts are exhausted, then routes to the DLQ.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// inboxStore is the slice of the event store the consumer needs.
type inboxStore interface {
	InsertInbox(ctx context.Context, consumerID, producerID, eventType, messageID string, body []byte) (bool, error)
	ExistsInInbox(ctx context.Context, messageID, consumerID string) bool
	ExistsInInboxProcessed(ctx context.Context, messageID, consumerID string) bool
	MarkInboxProcessed(ctx context.Context, messageID, consumerID string) bool
	MarkInboxFailed(ctx context.Context, messageID, consumerID, reason string) bool
}

// Consumer binds a durable service queue to the topic exchange, gates every
// delivery through the inbox, and retries failed handler runs through the
// delayed-message exchange with bounded attempts.
//
// Configuration is fluent:
//
//	c := NewConsumer(cfg, sup, st).
//	    Events("user.created", "user.updated").
//	    Tries(3).
//	    Backoff(1, 5, 10).
//	    Handler(handle)
//	err := c.Consume(ctx)
type Consumer struct {
	cfg   *config.Config
	sup   *Supervisor
	store inboxStore
	cache *idempotency.Cache

	events      []string
	tries       int
	backoff     *retry.Backoff
	backoffErr  error
	outageSleep time.Duration

	handler      Handler
	debugHandler Handler
	catchFn      func(error)
	failedFn     func(error)

	initialized bool
	lg          zerolog.Logger

	// publish is the transport seam for redelivery/DLQ; tests swap it.
	publish func(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error
}

func NewConsumer(cfg *config.Config, sup *Supervisor, store inboxStore) *Consumer {
	c := &Consumer{
		cfg:         cfg,
		sup:         sup,
		store:       store,
		tries:       cfg.Tries,
		outageSleep: cfg.OutageSleep,
		lg:          logger.Component("consumer"),
	}
	if c.tries < 1 {
		c.tries = config.DefaultTries
	}
	if len(cfg.Backoff) > 0 {
		c.backoff, c.backoffErr = retry.New(cfg.Backoff...)
	} else {
		c.backoff, _ = retry.New(1)
	}
	c.publish = c.publishViaChannel
	return c
}

func (c *Consumer) publishViaChannel(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	ch, err := c.sup.Channel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub)
}

// --- fluent configuration ---

// Events sets the event types the service queue is bound to.
func (c *Consumer) Events(types ...string) *Consumer {
	c.events = append(c.events, types...)
	return c
}

// Tries sets the maximum delivery attempts per event, including the first.
func (c *Consumer) Tries(n int) *Consumer {
	if n >= 1 {
		c.tries = n
	}
	return c
}

// Backoff sets the redelivery schedule in seconds; one value is a uniform
// backoff, several are per-attempt with the last clamping.
func (c *Consumer) Backoff(seconds ...int) *Consumer {
	c.backoff, c.backoffErr = retry.New(seconds...)
	return c
}

// OutageSleep sets the pause between reconnect probes while the broker is
// down.
func (c *Consumer) OutageSleep(d time.Duration) *Consumer {
	if d > 0 {
		c.outageSleep = d
	}
	return c
}

// Catch registers an observer invoked on every failed attempt, terminal or
// not. Observer panics are contained.
func (c *Consumer) Catch(fn func(error)) *Consumer {
	c.catchFn = fn
	return c
}

// Failed registers an observer invoked once an event transitions to the
// DLQ.
func (c *Consumer) Failed(fn func(error)) *Consumer {
	c.failedFn = fn
	return c
}

// Handler sets the user message handler.
func (c *Consumer) Handler(fn Handler) *Consumer {
	c.handler = fn
	return c
}

// DebugHandler sets the handler used for envelopes flagged is_debug.
func (c *Consumer) DebugHandler(fn Handler) *Consumer {
	c.debugHandler = fn
	return c
}

// WithCache installs the optional redis seen-cache consulted before the
// inbox probe. Advisory and fail-open.
func (c *Consumer) WithCache(cache *idempotency.Cache) *Consumer {
	c.cache = cache
	return c
}

// --- topology ---

// Init declares the broker topology: the durable service queue, its
// `.failed` dead-letter twin (bound to nothing), the delayed-message
// exchange, and the bindings for every requested event type plus the `#`
// firehose fallback. Idempotent; subsequent calls are no-ops.
func (c *Consumer) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.cfg.Validate(config.Broker); err != nil {
		return err
	}
	if c.backoffErr != nil {
		return c.backoffErr
	}

	ch, err := c.sup.Channel()
	if err != nil {
		return err
	}

	queue := c.cfg.QueueName()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.cfg.FailedQueueName(), true, false, false, false, nil); err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(
		c.cfg.DelayExchange,
		"x-delayed-message",
		true, false, false, false,
		amqp.Table{"x-delayed-type": "topic"},
	); err != nil {
		return err
	}

	// The firehose binding keeps tooling able to observe everything; the
	// delay-exchange bindings route retried messages back to this queue
	// once their x-delay elapses.
	keys := append(append([]string(nil), c.events...), "#")
	for _, key := range keys {
		if err := ch.QueueBind(queue, key, c.cfg.Exchange, false, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(queue, key, c.cfg.DelayExchange, false, nil); err != nil {
			return err
		}
	}

	c.initialized = true
	c.lg.Info().
		Str("queue", queue).
		Strs("events", c.events).
		Msg("topology declared")
	return nil
}

// --- consume loop ---

// Consume runs the dispatch loop until ctx is done. Broker faults reset
// the shared connection and clear the initialized flag so the next
// iteration re-declares topology on a fresh connection.
func (c *Consumer) Consume(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("rabbitmq: consumer has no handler")
	}
	if c.backoffErr != nil {
		return c.backoffErr
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !c.sup.EnsureConnectionOrSleep(ctx, c.outageSleep) {
			continue
		}

		if !c.initialized {
			if err := c.Init(ctx); err != nil {
				c.lg.Warn().Err(err).Msg("topology declaration failed")
				c.sup.Reset()
				continue
			}
		}

		if err := c.consumeOnce(ctx); err != nil {
			c.lg.Warn().Err(err).Msg("consume interrupted; resetting connection")
			c.initialized = false
			c.sup.Reset()
		}
	}
}

// consumeOnce blocks on the delivery stream until the channel dies or ctx
// is done. A returned error means the connection must be rebuilt.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.sup.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(consumePrefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.cfg.QueueName(), c.cfg.ConsumerID, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d); err != nil {
				return err
			}
		}
	}
}
