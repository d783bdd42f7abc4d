// Package broker publishes error events to a RabbitMQ queue. Delivery is
// at-least-once, best-effort: a failed publish is reported to the caller and
// the event is dropped, there is no durable on-agent spool for error events.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	publishTimeout = 10 * time.Second

	// dialTimeout bounds the TCP connect and AMQP handshake during a lazy
	// redial. It must leave room inside publishTimeout for the publish itself,
	// since the dial happens under the publisher mutex.
	dialTimeout = 5 * time.Second
)

// Event is one published error-event message. Field names are part of the
// wire contract with the backend consumers.
type Event struct {
	Timestamp   string `json:"timestamp"`
	SystemIP    string `json:"system_ip"`
	LogPath     string `json:"log_path"`
	LogLabel    string `json:"log_label"`
	Application string `json:"application"`
	LogLine     string `json:"log_line"`
	Severity    string `json:"severity"`
	Priority    string `json:"priority"`
}

// Publisher maintains one shared AMQP connection and channel, reconnecting
// lazily when either has dropped. It is safe for concurrent callers; publishes
// serialise on the shared channel.
type Publisher struct {
	url    string
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New creates a Publisher for the queue named queue at url. No connection is
// opened until the first Publish, so a broker outage at startup does not
// block the agent.
func New(url, queue string, logger *slog.Logger) *Publisher {
	return &Publisher{url: url, queue: queue, logger: logger}
}

// Publish delivers evt to the configured queue, connecting or reconnecting
// as needed. The message is persistent so it survives a broker restart once
// accepted. The call is bounded by an internal timeout in addition to ctx.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("broker: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		// Drop the broken connection; the next Publish redials.
		p.closeLocked()
		return fmt.Errorf("broker: publish to %q: %w", p.queue, err)
	}
	return nil
}

// channelLocked returns the shared channel, dialing and declaring the queue
// when no healthy connection exists. Caller holds p.mu.
func (p *Publisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.conn.IsClosed() && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()

	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("broker: declare queue %q: %w", p.queue, err)
	}

	p.conn = conn
	p.ch = ch
	p.logger.Info("broker: connected", slog.String("queue", p.queue))
	return ch, nil
}

// Reconfigure swaps the broker URL and queue, closing any open connection so
// the next Publish dials the new destination. Used by config hot reload.
func (p *Publisher) Reconfigure(url, queue string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if url == p.url && queue == p.queue {
		return
	}
	p.url = url
	p.queue = queue
	p.closeLocked()
}

// Close releases the connection. Subsequent Publish calls redial.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
