// Package ingress feeds events from the NATS bus into the engine and lets
// actions publish back onto it.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kittynXR/maowbot-sub000/internal/config"
	"github.com/kittynXR/maowbot-sub000/internal/event"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
	"github.com/kittynXR/maowbot-sub000/internal/metrics"
)

// Submitter accepts events fire-and-forget. *engine.Engine satisfies it.
type Submitter interface {
	Submit(ev *event.Envelope) bool
}

// Client wraps one NATS connection.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the server in conf with infinite reconnects.
func Connect(conf config.NATSConf, logger *slog.Logger) (*Client, error) {
	logger = logger.With(logging.FieldComponent, "nats")
	opts := []nats.Option{
		nats.Name(conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(conf.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// Publish sends data to subject.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// Subscribe feeds messages on subject into sink. A non-empty queue makes
// replicas share the stream instead of each receiving every event.
func (c *Client) Subscribe(subject, queue string, sink Submitter) error {
	cb := MessageHandler(subject, sink, c.logger)
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.logger.Info("subscribed", "subject", subject, "queue", queue)
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// Drain stops subscriptions after in-flight messages are handed off, then closes.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()
	c.conn.Close()
}

// MessageHandler decodes each message and submits it. Bad messages and
// full queues are logged and dropped; nothing is reported to the publisher.
func MessageHandler(subscription string, sink Submitter, logger *slog.Logger) nats.MsgHandler {
	prefix := subjectPrefix(subscription)
	return func(msg *nats.Msg) {
		ev, err := Decode(prefix, msg.Subject, msg.Data)
		if err != nil {
			metrics.EventsDropped.Inc()
			logger.Warn("dropping undecodable event", "subject", msg.Subject, "err", err)
			return
		}
		if !sink.Submit(ev) {
			logger.Debug("event rejected by engine", "subject", msg.Subject, logging.FieldEventID, ev.ID)
		}
	}
}

// subjectPrefix returns the literal part of a subscription subject before
// its first wildcard token.
func subjectPrefix(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "*" || tok == ">" {
			return strings.Join(tokens[:i], ".")
		}
	}
	return ""
}

// Decode parses a JSON envelope. When event_type is missing it is taken
// from the subject with prefix removed, so "maowbot.events.twitch.chat.message"
// under prefix "maowbot.events" yields "twitch.chat.message".
func Decode(prefix, subject string, data []byte) (*event.Envelope, error) {
	var ev event.Envelope
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if ev.Type == "" && prefix != "" {
		ev.Type = strings.TrimPrefix(strings.TrimPrefix(subject, prefix), ".")
		if ev.Type == subject {
			ev.Type = ""
		}
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	ev.Normalize()
	return &ev, nil
}
