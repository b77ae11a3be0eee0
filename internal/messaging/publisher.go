package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/carbontc/auction-engine/internal/auction"
	"github.com/carbontc/auction-engine/internal/metrics"
)

const (
	outboxSize     = 1024
	dialTimeout    = 5 * time.Second
	publishTimeout = 5 * time.Second
)

// ErrOutboxFull is returned when events arrive faster than the broker
// accepts them; the event is dropped.
var ErrOutboxFull = errors.New("messaging: publisher outbox full")

type outbound struct {
	key string
	msg amqp.Publishing
}

// Publisher emits auction events to the auction exchange. Events are
// queued in memory and sent by Run, so callers never wait on the broker.
type Publisher struct {
	url         string
	dialTimeout time.Duration
	outbox      chan outbound
	now         func() time.Time

	// Owned by Run.
	conn    *amqp.Connection
	ch      *amqp.Channel
	retryAt time.Time
}

var _ auction.Notifier = (*Publisher)(nil)

func NewPublisher(url string) *Publisher {
	return &Publisher{
		url:         url,
		dialTimeout: dialTimeout,
		outbox:      make(chan outbound, outboxSize),
		now:         time.Now,
	}
}

func (p *Publisher) BidPlaced(_ context.Context, e auction.BidPlaced) error {
	return p.enqueue(AuctionBidPlacedKey, e)
}

func (p *Publisher) AuctionCompleted(_ context.Context, e auction.AuctionCompleted) error {
	return p.enqueue(AuctionCompletedKey, e)
}

func (p *Publisher) enqueue(key string, v any) error {
	msg, err := newPublishing(v, p.now())
	if err != nil {
		return err
	}
	select {
	case p.outbox <- outbound{key: key, msg: msg}:
		return nil
	default:
		metrics.MessagesPublished.WithLabelValues(key, "dropped").Inc()
		return ErrOutboxFull
	}
}

// Run sends queued events until ctx is cancelled, then closes the broker
// connection. While the broker is unreachable, events are dropped rather
// than held back.
func (p *Publisher) Run(ctx context.Context) {
	defer p.reset()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-p.outbox:
			if err := p.send(ctx, o); err != nil {
				metrics.MessagesPublished.WithLabelValues(o.key, "error").Inc()
				slog.Warn("event publish failed", "routing_key", o.key, "err", err)
				continue
			}
			metrics.MessagesPublished.WithLabelValues(o.key, "ok").Inc()
		}
	}
}

func (p *Publisher) send(ctx context.Context, o outbound) error {
	if err := p.ensureChannel(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.ch.PublishWithContext(ctx, AuctionExchange, o.key, false, false, o.msg); err != nil {
		p.reset()
		return fmt.Errorf("publish %s: %w", o.key, err)
	}
	return nil
}

func (p *Publisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.reset()
	if p.now().Before(p.retryAt) {
		return errors.New("broker unavailable, waiting to redial")
	}

	conn, ch, err := p.open()
	if err != nil {
		p.retryAt = p.now().Add(reconnectDelay)
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *Publisher) open() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := dial(p.url, p.dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("channel open: %w", err)
	}
	if err := ch.ExchangeDeclare(AuctionExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("exchange declare %s: %w", AuctionExchange, err)
	}
	return conn, ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// dial bounds both the TCP connect and the AMQP handshake by timeout.
func dial(url string, timeout time.Duration) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
}

func newPublishing(v any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now.UTC(),
		Body:         body,
	}, nil
}
