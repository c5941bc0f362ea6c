package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/flight-booking-saga/pkg/infra"
	"github.com/Guizzs26/flight-booking-saga/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionProvider owns one AMQP connection per process component. It dials
// lazily with backoff and re-declares the topology on every new connection.
type ConnectionProvider struct {
	url       string
	component string
	topology  Topology
	logger    *slog.Logger
	backoff   *infra.Backoff

	mu      sync.Mutex
	conn    *amqp.Connection
	healthy atomic.Bool
	closed  atomic.Bool
}

func NewConnectionProvider(url, component string, topology Topology, logger *slog.Logger) *ConnectionProvider {
	return &ConnectionProvider{
		url:       url,
		component: component,
		topology:  topology,
		logger:    logger.With("component", component),
		backoff:   infra.NewBackoff(1*time.Second, 60*time.Second, 2.0),
	}
}

// Channel returns a fresh channel, dialing or redialing as needed. It blocks
// until a connection is available or ctx is done.
func (p *ConnectionProvider) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := p.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	return ch, nil
}

func (p *ConnectionProvider) connection(ctx context.Context) (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return nil, fmt.Errorf("connection provider is closed")
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	for {
		conn, err := p.dial()
		if err == nil {
			p.backoff.Reset()
			p.conn = conn
			p.markHealthy(true)
			p.monitor(conn)
			p.logger.Info("RabbitMQ link established 🚀")
			return conn, nil
		}

		metrics.RabbitMQReconnections.WithLabelValues(p.component).Inc()
		wait := p.backoff.Next()
		p.logger.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)
		if err := infra.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (p *ConnectionProvider) dial() (*amqp.Connection, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close()

	if err := p.topology.Declare(ch); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (p *ConnectionProvider) monitor(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err, ok := <-closed
		p.markHealthy(false)
		if ok && err != nil {
			p.logger.Warn("RabbitMQ connection closed", "error", err)
		}
	}()
}

func (p *ConnectionProvider) markHealthy(ok bool) {
	p.healthy.Store(ok)
	if ok {
		metrics.HealthStatus.WithLabelValues(p.component).Set(1)
	} else {
		metrics.HealthStatus.WithLabelValues(p.component).Set(0)
	}
}

// IsHealthy reports whether the current connection is open
func (p *ConnectionProvider) IsHealthy() bool {
	return p.healthy.Load()
}

func (p *ConnectionProvider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("Terminating RabbitMQ connection")
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}
