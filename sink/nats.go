package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig holds NATS publisher configuration. Stream is optional; when set
// events go through JetStream and are deduplicated by event ID.
type NATSConfig struct {
	URL                  string
	SubjectPrefix        string
	Stream               string
	MaxAge               time.Duration
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnectAttempts int
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:                  nats.DefaultURL,
		SubjectPrefix:        "topology.events",
		MaxAge:               24 * time.Hour,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// NATS publishes events as JSON to <SubjectPrefix>.<event type>.
type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config NATSConfig
	logger *zap.Logger
}

var _ Publisher = (*NATS)(nil)

// NewNATS connects to the server and, if a stream is configured, creates or
// updates it.
func NewNATS(config NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &NATS{config: config, logger: logger}

	opts := []nats.Option{
		nats.Name("topology-listener"),
		nats.Timeout(config.ConnectTimeout),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	n.conn = conn

	if config.Stream != "" {
		if err := n.setupStream(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	logger.Info("connected to NATS",
		zap.String("url", config.URL),
		zap.String("subject_prefix", config.SubjectPrefix),
		zap.String("stream", config.Stream))

	return n, nil
}

func (n *NATS) setupStream() error {
	js, err := n.conn.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	streamConfig := &nats.StreamConfig{
		Name:       n.config.Stream,
		Subjects:   []string{n.config.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     n.config.MaxAge,
		Storage:    nats.FileStorage,
		Duplicates: 5 * time.Minute,
	}

	if _, err := js.StreamInfo(n.config.Stream); err != nil {
		if _, err := js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	} else if _, err := js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}

	n.js = js

	return nil
}

// Subject returns the subject events of typ are published to.
func (n *NATS) Subject(typ EventType) string {
	return n.config.SubjectPrefix + "." + string(typ)
}

// Publish sends evt on the subject for its type. Through JetStream the event
// ID is the message ID, so a retried publish is deduplicated.
func (n *NATS) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := n.Subject(evt.Type)

	if n.js != nil {
		_, err = n.js.Publish(subject, data, nats.MsgId(evt.ID), nats.Context(ctx))
	} else {
		err = n.conn.Publish(subject, data)
	}

	if err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", evt.ID, subject, err)
	}

	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() {
	if err := n.conn.Flush(); err != nil {
		n.logger.Warn("failed to flush NATS connection", zap.Error(err))
	}

	n.conn.Close()
}
