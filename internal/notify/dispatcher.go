package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vigil/internal/alerts"
	"vigil/internal/apperr"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/rules"
)

// ChannelResult records the outcome for one channel.
type ChannelResult struct {
	Channel  string        `json:"channel"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// DispatchResult records every channel outcome for one dispatch.
type DispatchResult struct {
	AlertID  string          `json:"alert_id"`
	Kind     Kind            `json:"kind"`
	Channels []ChannelResult `json:"channels"`
}

// Failed returns the channels that did not deliver.
func (r DispatchResult) Failed() []ChannelResult {
	var out []ChannelResult
	for _, c := range r.Channels {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// Dispatcher fans a payload out to the channels a rule names.
type Dispatcher struct {
	timeout      time.Duration
	asyncTimeout time.Duration
	rateLimit    rate.Limit
	burst        int

	mu       sync.RWMutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each channel send.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithRateLimit caps sends per second on each channel.
func WithRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(dp *Dispatcher) {
		if perSecond > 0 {
			dp.rateLimit = rate.Limit(perSecond)
		}
		if burst > 0 {
			dp.burst = burst
		}
	}
}

// NewDispatcher creates a dispatcher with the given channels registered.
func NewDispatcher(channels []Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		timeout:   5 * time.Second,
		rateLimit: rate.Inf,
		burst:     1,
		channels:  make(map[string]Channel),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.asyncTimeout = 2 * d.timeout
	for _, ch := range channels {
		d.Register(ch)
	}
	return d
}

// Register adds or replaces a channel.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
	d.limiters[ch.Name()] = rate.NewLimiter(d.rateLimit, d.burst)
}

// Channels lists registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

// Dispatch sends a notification for a to every channel rule names. Channels
// are tried concurrently and independently.
func (d *Dispatcher) Dispatch(ctx context.Context, a *alerts.Alert, rule *rules.Rule, kind Kind) DispatchResult {
	payload := BuildPayload(a, rule, kind)
	names := channelsFor(rule)

	result := DispatchResult{AlertID: a.ID, Kind: kind, Channels: make([]ChannelResult, len(names))}
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			result.Channels[i] = d.send(ctx, name, payload)
		}(i, name)
	}
	wg.Wait()

	log := logger.WithAlert("notify", a.ID)
	for _, c := range result.Channels {
		if !c.OK {
			log.Warn().
				Str("channel", c.Channel).
				Str("kind", string(kind)).
				Str("error", c.Error).
				Msg("notification failed")
		}
	}
	return result
}

func (d *Dispatcher) send(ctx context.Context, name string, p Payload) (res ChannelResult) {
	res.Channel = name
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("notify").Inc()
			res.OK = false
			res.Error = fmt.Sprintf("channel panicked: %v", r)
		}
		res.Duration = time.Since(start)
		status := "success"
		if !res.OK {
			status = "failed"
		}
		metrics.NotificationsTotal.WithLabelValues(name, string(p.Kind), status).Inc()
		metrics.NotificationDuration.WithLabelValues(name).Observe(res.Duration.Seconds())
	}()

	d.mu.RLock()
	ch, ok := d.channels[name]
	limiter := d.limiters[name]
	d.mu.RUnlock()
	if !ok {
		res.Error = apperr.New(apperr.KindDispatchFailure, "notify.send", "unknown channel %q", name).Error()
		return res
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := limiter.Wait(sendCtx); err != nil {
		res.Error = apperr.Wrap(apperr.KindDispatchFailure, "notify.rate_limit", err).Error()
		return res
	}
	if err := ch.Send(sendCtx, p); err != nil {
		res.Error = apperr.Wrap(apperr.KindDispatchFailure, "notify."+name, err).Error()
		return res
	}
	res.OK = true
	return res
}

// DispatchAsync dispatches on its own goroutine, detached from the
// caller's cancellation so that a finished request does not abort it.
func (d *Dispatcher) DispatchAsync(ctx context.Context, a *alerts.Alert, rule *rules.Rule, kind Kind) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.asyncTimeout)
		defer cancel()
		d.Dispatch(dctx, a, rule, kind)
	}()
}

// Wait blocks until in-flight async dispatches finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
