package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"vigil/internal/alerts"
	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// DefaultSubjectPrefix is prepended to the change kind, e.g. vigil.alerts.created.
const DefaultSubjectPrefix = "vigil.alerts"

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSPublisher publishes every alert change as JSON.
type NATSPublisher struct {
	conn   Conn
	prefix string
}

// ConnectNATS dials the server and returns a publisher owning the connection.
func ConnectNATS(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.Name == "" {
		cfg.Name = "vigil"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	log := logger.WithComponent("feed.nats")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", cfg.URL).Msg("connected to NATS")
	return NewNATSPublisher(nc, cfg.SubjectPrefix), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject a change kind is published on.
func (p *NATSPublisher) Subject(kind alerts.ChangeKind) string {
	return p.prefix + "." + string(kind)
}

// AlertChanged publishes c. Publish only buffers in the client, so this does
// not block on the network.
func (p *NATSPublisher) AlertChanged(ctx context.Context, c alerts.Change) {
	if c.Alert == nil {
		return
	}
	data, err := json.Marshal(Message{
		Type:   TypeChange,
		Kind:   string(c.Kind),
		Cursor: alerts.CursorOf(c.Alert).String(),
		Alert:  c.Alert,
	})
	if err != nil {
		logger.WithAlert("feed.nats", c.Alert.ID).Error().Err(err).Msg("failed to encode change")
		return
	}
	if err := p.conn.Publish(p.Subject(c.Kind), data); err != nil {
		metrics.FeedPublishTotal.WithLabelValues("nats", "failed").Inc()
		logger.WithAlert("feed.nats", c.Alert.ID).Warn().
			Err(err).
			Str("kind", string(c.Kind)).
			Msg("failed to publish alert change")
		return
	}
	metrics.FeedPublishTotal.WithLabelValues("nats", "ok").Inc()
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Flush(); err != nil {
		logger.WithComponent("feed.nats").Warn().Err(err).Msg("NATS flush failed")
	}
	p.conn.Close()
}
