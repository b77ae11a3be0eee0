package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/carbontc/auction-engine/internal/metrics"
	"github.com/carbontc/auction-engine/internal/model"
)

const (
	prefetch       = 50
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
	reconnectDelay = 2 * time.Second
)

// Handler processes one message body. Returning an error wrapping
// ErrMalformed drops the message; any other error requeues it once.
type Handler func(ctx context.Context, body []byte) error

// Subscription binds a durable queue to a topic exchange.
type Subscription struct {
	Exchange   string
	RoutingKey string
	Queue      string
	Handle     Handler
}

// Compensator is the consumer-facing side of auction.Compensator.
type Compensator interface {
	HandleTransactionFailed(ctx context.Context, evt model.TransactionFailed) error
	HandleBalanceUpdated(ctx context.Context, evt model.BalanceUpdated) error
}

// Subscriptions returns the two inbound bindings the engine listens on.
func Subscriptions(c Compensator) []Subscription {
	return []Subscription{
		{
			Exchange:   TransactionExchange,
			RoutingKey: TransactionFailedKey,
			Queue:      TransactionFailedQ,
			Handle: func(ctx context.Context, body []byte) error {
				evt, err := DecodeTransactionFailed(body)
				if err != nil {
					return err
				}
				return c.HandleTransactionFailed(ctx, evt)
			},
		},
		{
			Exchange:   BalanceExchange,
			RoutingKey: BalanceUpdateKey,
			Queue:      BalanceUpdateQ,
			Handle: func(ctx context.Context, body []byte) error {
				evt, err := DecodeBalanceUpdated(body)
				if err != nil {
					return err
				}
				return c.HandleBalanceUpdated(ctx, evt)
			},
		},
	}
}

// Consumer keeps a connection to the broker open and dispatches
// deliveries to their subscription's handler.
type Consumer struct {
	url  string
	subs []Subscription
}

func NewConsumer(url string, subs ...Subscription) *Consumer {
	return &Consumer{url: url, subs: subs}
}

// Run dials the broker and consumes until ctx is cancelled, reconnecting
// with exponential backoff whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		conn, err := dial(c.url, dialTimeout)
		if err != nil {
			slog.Warn("amqp dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("amqp consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, reconnectDelay) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		slog.Warn("amqp set qos failed", "error", err)
	}

	var wg sync.WaitGroup
	done := make(chan struct{}, len(c.subs))
	for _, s := range c.subs {
		msgs, err := declare(ch, s)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(s Subscription, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range msgs {
				dispatch(ctx, s, d)
			}
			done <- struct{}{}
		}(s, msgs)
		slog.Info("amqp consumer started", "queue", s.Queue, "exchange", s.Exchange, "routing_key", s.RoutingKey)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-ctx.Done():
		_ = ch.Close()
		wg.Wait()
		return ctx.Err()
	case amqpErr := <-closed:
		wg.Wait()
		if amqpErr != nil {
			return amqpErr
		}
		return errors.New("connection closed")
	case <-done:
		_ = ch.Close()
		wg.Wait()
		return errors.New("deliveries channel closed")
	}
}

func declare(ch *amqp.Channel, s Subscription) (<-chan amqp.Delivery, error) {
	if err := ch.ExchangeDeclare(s.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("exchange declare %s: %w", s.Exchange, err)
	}
	if _, err := ch.QueueDeclare(s.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("queue declare %s: %w", s.Queue, err)
	}
	if err := ch.QueueBind(s.Queue, s.RoutingKey, s.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("queue bind %s: %w", s.Queue, err)
	}
	msgs, err := ch.Consume(s.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue consume %s: %w", s.Queue, err)
	}
	return msgs, nil
}

// dispatch acks on success, drops malformed messages and retries other
// failures once through a requeue.
func dispatch(ctx context.Context, s Subscription, d amqp.Delivery) {
	err := s.Handle(ctx, d.Body)
	switch {
	case err == nil:
		metrics.MessagesConsumed.WithLabelValues(s.Queue, "ack").Inc()
		_ = d.Ack(false)
	case errors.Is(err, ErrMalformed):
		slog.Error("dropping malformed message", "queue", s.Queue, "error", err)
		metrics.MessagesConsumed.WithLabelValues(s.Queue, "dropped").Inc()
		_ = d.Nack(false, false)
	case !d.Redelivered:
		slog.Warn("message handler failed, requeueing", "queue", s.Queue, "error", err)
		metrics.MessagesConsumed.WithLabelValues(s.Queue, "requeued").Inc()
		_ = d.Nack(false, true)
	default:
		slog.Error("message handler failed after redelivery, dropping", "queue", s.Queue, "error", err)
		metrics.MessagesConsumed.WithLabelValues(s.Queue, "dropped").Inc()
		_ = d.Nack(false, false)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
