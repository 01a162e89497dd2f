package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig holds consumer group settings for NewReader.
type ReaderConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	CommitInterval time.Duration
}

// NewReader creates a consumer group reader.
func NewReader(cfg ReaderConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("topic and group id are required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.LastOffset,
	}), nil
}

// ConsumerConfig holds configuration for the event consumer.
type ConsumerConfig struct {
	Reader       MessageReader
	EnvelopeChan chan<- *models.Envelope
	// Decode turns a message value into an event. Defaults to plain JSON.
	Decode func([]byte) (*models.Event, error)
	NodeID string
	// FetchBackoff is the pause after a failed fetch.
	FetchBackoff time.Duration
}

// Consumer reads AI operation events from a topic into the ingest queue.
// Unlike HTTP ingest it waits for queue space, so a slow engine holds back
// the consumer group instead of dropping events. Offsets are committed only
// after the event is queued or found malformed.
type Consumer struct {
	reader       MessageReader
	envelopeChan chan<- *models.Envelope
	decode       func([]byte) (*models.Event, error)
	nodeID       string
	backoff      time.Duration

	accepted  atomic.Uint64
	malformed atomic.Uint64
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	decode := cfg.Decode
	if decode == nil {
		decode = decodeJSON
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	backoff := cfg.FetchBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Consumer{
		reader:       cfg.Reader,
		envelopeChan: cfg.EnvelopeChan,
		decode:       decode,
		nodeID:       nodeID,
		backoff:      backoff,
	}
}

func decodeJSON(data []byte) (*models.Event, error) {
	var e models.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Msg("kafka consumer started")
	defer log.Info().Msg("kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// the reader returns io.EOF once closed
			if errors.Is(err, io.EOF) {
				return nil
			}
			log.Error().Err(err).Msg("kafka fetch failed")
			select {
			case <-time.After(c.backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if !c.handle(ctx, msg) {
			return nil
		}
	}
}

// handle queues one message. It returns false when ctx ended first; the
// message is then left uncommitted for redelivery.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	log := logger.WithComponent("kafka_consumer").With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	event, err := c.decode(msg.Value)
	if err == nil {
		event.Normalize()
		err = event.Validate()
	}
	if err != nil {
		c.malformed.Add(1)
		metrics.KafkaConsumedTotal.WithLabelValues("malformed").Inc()
		metrics.IngestEventsTotal.WithLabelValues(models.TransportKafka, "rejected").Inc()
		log.Warn().Err(err).Msg("skipping malformed event")
		c.commit(ctx, msg)
		return true
	}

	envelope := models.NewEnvelope(event, c.nodeID, models.TransportKafka)
	select {
	case c.envelopeChan <- envelope:
	case <-ctx.Done():
		return false
	}

	c.accepted.Add(1)
	metrics.KafkaConsumedTotal.WithLabelValues("accepted").Inc()
	metrics.IngestEventsTotal.WithLabelValues(models.TransportKafka, "accepted").Inc()
	c.commit(ctx, msg)
	return true
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		logger.WithComponent("kafka_consumer").Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("offset commit failed")
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("closing kafka reader: %w", err)
	}
	return nil
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	Accepted  uint64 `json:"accepted"`
	Malformed uint64 `json:"malformed"`
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Accepted:  c.accepted.Load(),
		Malformed: c.malformed.Load(),
	}
}
