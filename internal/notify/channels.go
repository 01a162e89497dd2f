package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"vigil/internal/logger"
)

// Sink receives in-app notifications, typically the live feed hub.
type Sink interface {
	Notify(ctx context.Context, p Payload)
}

// InAppChannel hands payloads to an in-process sink.
type InAppChannel struct {
	sink Sink
}

// NewInAppChannel creates the "in-app" channel.
func NewInAppChannel(sink Sink) *InAppChannel {
	return &InAppChannel{sink: sink}
}

func (c *InAppChannel) Name() string { return DefaultChannel }

func (c *InAppChannel) Send(ctx context.Context, p Payload) error {
	if c.sink == nil {
		return errors.New("in-app channel: no sink")
	}
	c.sink.Notify(ctx, p)
	return nil
}

// LogChannel writes notifications as structured log lines.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(ctx context.Context, p Payload) error {
	logger.WithAlert("notify", p.AlertID).Info().
		Str("kind", string(p.Kind)).
		Str("severity", string(p.Severity)).
		Str("title", p.Title).
		Strs("users", p.Recipients.Users).
		Strs("roles", p.Recipients.Roles).
		Msg(p.Message)
	return nil
}

// WebhookChannel posts payloads as JSON. A circuit breaker stops calling
// an endpoint that keeps failing.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithHeaders adds static request headers, e.g. an authorization token.
func WithHeaders(h map[string]string) WebhookOption {
	return func(ch *WebhookChannel) { ch.headers = h }
}

// NewWebhookChannel constructs a webhook channel registered under name.
func NewWebhookChannel(name, url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	if name == "" {
		name = "webhook"
	}
	ch := &WebhookChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(ch)
	}
	ch.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook-" + name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithComponent("notify").Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return ch, nil
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, body)
	})
	return err
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

// Publisher is the slice of the Kafka producer the channel needs.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any, headers map[string]string) error
}

// KafkaChannel publishes payloads to a topic keyed by alert id.
type KafkaChannel struct {
	pub Publisher
}

// NewKafkaChannel creates the "kafka" channel.
func NewKafkaChannel(pub Publisher) *KafkaChannel {
	return &KafkaChannel{pub: pub}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Send(ctx context.Context, p Payload) error {
	return c.pub.PublishJSON(ctx, p.AlertID, p, map[string]string{
		"kind":     string(p.Kind),
		"severity": string(p.Severity),
	})
}
