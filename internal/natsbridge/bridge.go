// Package natsbridge feeds a SharedObject from an upstream NATS subject.
// It is the optional ingress half of a deployment: something else has to
// decide what a subject's payload means and write it into a
// SharedObject's tree, this package just gets the bytes there reliably
// and keeps the connection alive. Grounded on the teacher's
// pkg/nats/client.go almost file-for-file for the connection lifecycle;
// the subject-to-message-type switch that file used for its own
// price-feed domain is replaced with a caller-supplied apply func, since
// this library has no fixed message catalogue of its own.
package natsbridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/azuliani/node-service/internal/metrics"
)

type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}
}

// Bridge owns one NATS connection and the set of subject subscriptions
// feeding SharedObjects.
type Bridge struct {
	conn    *nats.Conn
	metrics *metrics.Metrics
	logger  *log.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewBridge(cfg Config, m *metrics.Metrics, logger *log.Logger) (*Bridge, error) {
	if logger == nil {
		logger = log.Default()
	}
	b := &Bridge{metrics: m, logger: logger, subs: make(map[string]*nats.Subscription)}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(b.connectHandler),
		nats.DisconnectErrHandler(b.disconnectHandler),
		nats.ReconnectHandler(b.reconnectHandler),
		nats.ErrorHandler(b.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect: %w", err)
	}
	b.conn = conn
	if b.metrics != nil {
		b.metrics.SetNATSConnected(true)
	}
	return b, nil
}

func (b *Bridge) connectHandler(conn *nats.Conn) {
	b.logger.Printf("natsbridge: connected to %s", conn.ConnectedUrl())
	if b.metrics != nil {
		b.metrics.SetNATSConnected(true)
	}
}

func (b *Bridge) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		b.logger.Printf("natsbridge: disconnected: %v", err)
	} else {
		b.logger.Printf("natsbridge: disconnected")
	}
	if b.metrics != nil {
		b.metrics.SetNATSConnected(false)
	}
}

func (b *Bridge) reconnectHandler(conn *nats.Conn) {
	b.logger.Printf("natsbridge: reconnected to %s", conn.ConnectedUrl())
	if b.metrics != nil {
		b.metrics.SetNATSConnected(true)
		b.metrics.IncrementNATSReconnects()
	}
}

func (b *Bridge) errorHandler(_ *nats.Conn, _ *nats.Subscription, err error) {
	b.logger.Printf("natsbridge: error: %v", err)
}

// Subscribe applies every message on subject via apply, typically a
// closure over a SharedObject that writes the payload into the tree and
// calls Notify or NotifyHint. A non-nil error from apply is logged, not
// retried: subjects carry a snapshot-worthy feed, not a durable queue.
func (b *Bridge) Subscribe(subject string, apply func(data []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		start := time.Now()
		if err := apply(msg.Data); err != nil {
			b.logger.Printf("natsbridge: apply for %s: %v", subject, err)
			return
		}
		if b.metrics != nil {
			b.metrics.IncrementNATSMessages()
			b.metrics.RecordNATSApply(subject, time.Since(start))
		}
	})
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe %s: %w", subject, err)
	}
	b.subs[subject] = sub
	b.logger.Printf("natsbridge: subscribed to %s", subject)
	return nil
}

func (b *Bridge) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subject]
	if !ok {
		return fmt.Errorf("natsbridge: not subscribed to %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("natsbridge: unsubscribe %s: %w", subject, err)
	}
	delete(b.subs, subject)
	return nil
}

func (b *Bridge) IsConnected() bool { return b.conn != nil && b.conn.IsConnected() }

func (b *Bridge) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.IsConnected() {
				return nil
			}
		}
	}
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Printf("natsbridge: unsubscribing %s: %v", subject, err)
		}
	}
	if b.conn != nil {
		b.conn.Close()
		if b.metrics != nil {
			b.metrics.SetNATSConnected(false)
		}
	}
	return nil
}
