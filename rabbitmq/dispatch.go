package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/boxbus/boxbus/envelope"
	"github.com/boxbus/boxbus/metrics"
	"github.com/boxbus/boxbus/retry"
)

// handleDelivery runs the per-delivery algorithm. A nil return means the
// delivery was settled (acked or nacked); a non-nil return is an
// infrastructure fault and makes the loop rebuild the connection, leaving
// the delivery unacked for the broker to redeliver.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	// Header validation. Malformed envelopes are acked and dropped;
	// retrying them can never succeed.
	env, err := envelope.FromDelivery(d)
	if err != nil {
		c.lg.Warn().
			Err(err).
			Str("routing_key", d.RoutingKey).
			Str("message_id", d.MessageId).
			Msg("invalid delivery; dropping")
		metrics.RecordConsumed(metrics.ResultDropped)
		return c.ack(d)
	}

	msgID := env.MessageID()
	consumerID := c.cfg.ConsumerID
	lg := c.lg.With().
		Str("message_id", msgID).
		Str("event_type", env.EventType()).
		Int("retry_count", env.RetryCount()).
		Logger()

	// Idempotency gate. Only a *processed* prior attempt short-circuits;
	// a failed one left a row behind but must be reprocessed.
	if c.cache.Seen(ctx, msgID, consumerID) || c.store.ExistsInInboxProcessed(ctx, msgID, consumerID) {
		lg.Info().Msg("already processed; skipping")
		metrics.RecordConsumed(metrics.ResultDuplicate)
		return c.ack(d)
	}

	// Inbox admission.
	if !c.store.ExistsInInbox(ctx, msgID, consumerID) {
		admitted, err := c.store.InsertInbox(ctx, consumerID, env.ProducerID(), env.EventType(), msgID, d.Body)
		if err != nil {
			// Transient store fault: hand the delivery back to the
			// broker rather than guessing.
			lg.Error().Err(err).Msg("inbox admission failed; requeueing")
			metrics.RecordConsumed(metrics.ResultRequeued)
			if nackErr := d.Nack(false, true); nackErr != nil {
				metrics.RecordAckFailure()
				return nackErr
			}
			return nil
		}
		if !admitted {
			lg.Info().Msg("concurrent admission won; skipping")
			metrics.RecordConsumed(metrics.ResultDuplicate)
			return c.ack(d)
		}
	}

	// Dispatch.
	handler := c.handler
	if env.IsDebug() && c.debugHandler != nil {
		handler = c.debugHandler
	}

	start := time.Now()
	handlerErr := invoke(ctx, handler, env)
	metrics.ObserveHandler(env.EventType(), time.Since(start))

	if handlerErr == nil {
		if !c.store.MarkInboxProcessed(ctx, msgID, consumerID) {
			lg.Warn().Msg("inbox processed mark did not stick")
		}
		c.cache.MarkProcessed(ctx, msgID, consumerID)
		metrics.RecordConsumed(metrics.ResultProcessed)
		return c.ack(d)
	}

	return c.handleFailure(ctx, d, env, handlerErr, lg)
}

// handleFailure schedules a delayed redelivery or routes to the DLQ once
// attempts are exhausted.
func (c *Consumer) handleFailure(ctx context.Context, d amqp.Delivery, env *envelope.Envelope, handlerErr error, lg zerolog.Logger) error {
	newRetry := env.RetryCount() + 1

	if newRetry < c.tries {
		delay := c.backoff.DelayMS(newRetry)
		env.SetRetryCount(newRetry)
		env.SetDelay(delay)

		pub, err := env.Publishing()
		if err != nil {
			return err
		}

		if err := c.publish(ctx, c.cfg.DelayExchange, env.EventType(), pub); err != nil {
			// Redelivery could not be scheduled; leave the message
			// unacked so the broker requeues it.
			lg.Error().Err(err).Msg("redelivery publish failed")
			return err
		}

		metrics.RecordRetry(retry.Status(newRetry, c.tries))
		lg.Warn().
			Err(handlerErr).
			Int("next_attempt", newRetry+1).
			Int64("delay_ms", delay).
			Msg("handler failed; redelivery scheduled")

		if c.catchFn != nil {
			safeCall(func() { c.catchFn(handlerErr) })
		}
		return c.ack(d)
	}

	// Attempts exhausted: record the reason on the envelope and park it on
	// the failure queue.
	env.SetConsumerError(handlerErr.Error())
	pub, err := env.Publishing()
	if err != nil {
		return err
	}

	if err := c.publish(ctx, "", c.cfg.FailedQueueName(), pub); err != nil {
		lg.Error().Err(err).Msg("dlq publish failed")
		return err
	}

	metrics.RecordDLQ()
	metrics.RecordConsumed(metrics.ResultDLQ)
	lg.Error().
		Err(handlerErr).
		Int("attempts", c.tries).
		Msg("attempts exhausted; routed to dlq")

	if c.failedFn != nil {
		safeCall(func() { c.failedFn(handlerErr) })
	}

	c.store.MarkInboxFailed(ctx, env.MessageID(), c.cfg.ConsumerID, handlerErr.Error())
	return c.ack(d)
}

// ack settles the delivery; an ack failure is a fatal broker fault and
// propagates after being counted.
func (c *Consumer) ack(d amqp.Delivery) error {
	if err := d.Ack(false); err != nil {
		metrics.RecordAckFailure()
		return err
	}
	return nil
}

// invoke isolates the user handler: a panic becomes an error that drives
// the retry/DLQ branch like any other handler failure.
func invoke(ctx context.Context, h Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}
