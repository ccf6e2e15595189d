// Package hermes connects scribe to the NATS message bus: pipeline outcomes
// and the startup announcement go out, workflow results come in.
package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is one bus connection shared by the publisher and the workflow
// result subscription.
type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewClient connects to url. While the server is unreachable the connection
// keeps retrying in the background and publishes are buffered.
func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("scribe"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Debug("nats connecting", "url", url, "status", nc.Status().String())
	return &Client{conn: nc, logger: logger}, nil
}

// Publish sends data as JSON on subject.
func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishPipeline sends evt on SubjectPipelineCompleted or
// SubjectPipelineFailed.
func (c *Client) PublishPipeline(evt PipelineEvent) error {
	if err := c.Publish(evt.Subject(), evt); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Subject(), err)
	}
	return nil
}

// PublishRegistration announces a started service on SubjectRegistered.
func (c *Client) PublishRegistration(reg Registration) error {
	if err := c.Publish(SubjectRegistered, reg); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectRegistered, err)
	}
	return nil
}

// Subscribe delivers every message on subject to handler. Each replica
// subscribes on its own: only the one holding the pending question can
// answer it.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Close drops the subscriptions and flushes events still buffered for the
// server, so the last run's outcome is not lost on shutdown.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if err := c.conn.FlushTimeout(5 * time.Second); err != nil {
		c.logger.Warn("nats flush on close failed", "error", err)
	}
	c.conn.Close()
}
