package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Handler evaluates a single event
type Handler interface {
	Process(ctx context.Context, ev *models.Event) error
}

// Pool manages a pool of workers that drain the ingest queue into the engine
type Pool struct {
	handler        Handler
	envelopeChan   chan *models.Envelope
	workers        int
	processTimeout time.Duration
	drainTimeout   time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Handler        Handler
	EnvelopeChan   chan *models.Envelope
	Workers        int
	ProcessTimeout time.Duration
	DrainTimeout   time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		handler:        cfg.Handler,
		envelopeChan:   cfg.EnvelopeChan,
		workers:        cfg.Workers,
		processTimeout: cfg.ProcessTimeout,
		drainTimeout:   cfg.DrainTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Dur("process_timeout", p.processTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops all workers. Events already queued are drained first, bounded
// by the drain timeout.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().
		Uint64("processed", p.processed.Load()).
		Uint64("failed", p.failed.Load()).
		Msg("worker pool stopped")
}

// worker processes envelopes from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return

		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return
			}
			p.handle(p.ctx, envelope)
		}
	}
}

// drain processes whatever is still buffered once the pool is stopping.
func (p *Pool) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.drainTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return
			}
			p.handle(ctx, envelope)
		default:
			return
		}
	}
}

// handle runs one event through the handler. A panic fails the event, not
// the worker.
func (p *Pool) handle(parent context.Context, envelope *models.Envelope) {
	metrics.WorkerQueueSize.Set(float64(len(p.envelopeChan)))
	if envelope == nil || envelope.Event == nil {
		return
	}

	log := logger.WithComponent("worker")
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Str("event_id", envelope.Event.ID).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(parent, p.processTimeout)
	defer cancel()

	if err := p.handler.Process(ctx, envelope.Event); err != nil {
		log.Error().
			Err(err).
			Str("event_id", envelope.Event.ID).
			Str("transport", envelope.Transport).
			Msg("failed to process event")
		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		return
	}

	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}
