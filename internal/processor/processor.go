package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"vigil/internal/alerts"
	"vigil/internal/analytics"
	"vigil/internal/config"
	"vigil/internal/engine"
	"vigil/internal/escalation"
	"vigil/internal/feed"
	"vigil/internal/handlers"
	"vigil/internal/kafka"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/notify"
	"vigil/internal/otlp"
	"vigil/internal/retry"
	"vigil/internal/rules"
	"vigil/internal/state"
	"vigil/internal/storage"
	"vigil/internal/worker"
)

// Processor wires the stores, the engine and every transport together and
// owns their lifecycle.
type Processor struct {
	cfg *config.Config

	db         *storage.DB
	ruleSvc    *rules.Service
	alertSvc   *alerts.Service
	tracker    state.Tracker
	producer   *kafka.Producer
	dispatcher *notify.Dispatcher
	engine     *engine.Engine
	hub        *feed.Hub
	natsPub    *feed.NATSPublisher
	consumer   *kafka.Consumer
	otlpGRPC   *otlp.GRPCServer
	scheduler  *escalation.Scheduler
	workerPool *worker.Pool

	envelopeChan chan *models.Envelope
	httpServer   *http.Server
	listener     net.Listener

	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped sync.Once
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{
		cfg:          cfg,
		envelopeChan: make(chan *models.Envelope, cfg.Ingest.QueueSize),
	}
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down gracefully.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.WithComponent("processor").Info().Msg("shutdown signal received")
	return p.Shutdown()
}

// Start builds and starts every component without blocking. Components
// already started are torn down if a later one fails.
func (p *Processor) Start(ctx context.Context) (err error) {
	log := logger.WithComponent("processor")
	log.Info().Str("storage", p.cfg.Storage.Backend).Msg("processor starting")

	defer func() {
		if err != nil {
			p.closeResources()
		}
	}()

	if err := p.initStores(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := p.initTracker(ctx); err != nil {
		return fmt.Errorf("failed to initialize window tracker: %w", err)
	}
	if err := p.initProducer(); err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	if err := p.initFeed(); err != nil {
		return fmt.Errorf("failed to initialize feed: %w", err)
	}
	if err := p.initDispatcher(); err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	if err := p.seedRules(ctx); err != nil {
		return fmt.Errorf("failed to import seed rules: %w", err)
	}
	p.initEngine()

	ingest := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: p.envelopeChan,
		MaxBodySize:  p.cfg.Ingest.MaxBodySize,
	})
	if err := p.initConsumer(); err != nil {
		return fmt.Errorf("failed to initialize kafka consumer: %w", err)
	}
	receiver := otlp.NewReceiver(ingest)
	if p.cfg.OTLP.Enabled {
		p.otlpGRPC, err = otlp.NewGRPCServer(p.cfg.OTLP.GRPCAddr, receiver)
		if err != nil {
			return fmt.Errorf("failed to initialize OTLP receiver: %w", err)
		}
	}
	if err := p.initHTTPServer(ingest, receiver); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	p.workerPool.Start()
	p.scheduler.Start(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	p.group = g

	g.Go(func() error {
		log.Info().Str("addr", p.listener.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			return err
		}
		return nil
	})
	if p.otlpGRPC != nil {
		g.Go(p.otlpGRPC.Serve)
	}
	if p.consumer != nil {
		g.Go(func() error { return p.consumer.Run(gctx) })
	}
	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})
	return nil
}

// Addr returns the bound HTTP address once Start has returned.
func (p *Processor) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *Processor) initStores(ctx context.Context) error {
	policy := retry.Policy{
		Attempts:   p.cfg.Storage.Retry.Attempts,
		Backoff:    p.cfg.Storage.Retry.Backoff,
		MaxBackoff: p.cfg.Storage.Retry.MaxBackoff,
	}

	var (
		ruleStore  rules.Store
		alertStore alerts.Store
	)
	if p.cfg.Storage.Backend == config.BackendMemory {
		ruleStore = rules.NewMemoryStore()
		alertStore = alerts.NewMemoryStore()
	} else {
		db, err := storage.Open(ctx, p.cfg.Storage)
		if err != nil {
			return err
		}
		p.db = db
		ruleStore = storage.NewRuleStore(db)
		alertStore = storage.NewAlertStore(db)
	}

	p.ruleSvc = rules.NewService(ruleStore,
		rules.WithRetryPolicy(policy),
		rules.WithCacheTTL(p.cfg.Ingest.RuleCacheTTL),
	)
	p.alertSvc = alerts.NewService(alertStore, alerts.WithRetryPolicy(policy))
	return nil
}

func (p *Processor) initTracker(ctx context.Context) error {
	log := logger.WithComponent("processor")
	if !p.cfg.Redis.Enabled {
		p.tracker = state.NewMemoryTracker()
		log.Info().Msg("using in-memory window tracker")
		return nil
	}
	t, err := state.NewRedisTracker(ctx, state.RedisConfig{
		Addr:      p.cfg.Redis.Addr,
		Password:  p.cfg.Redis.Password,
		DB:        p.cfg.Redis.DB,
		KeyPrefix: p.cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return err
	}
	p.tracker = t
	log.Info().Str("addr", p.cfg.Redis.Addr).Msg("using redis window tracker")
	return nil
}

// initProducer creates the notification producer. It is only needed when a
// kafka notification channel is configured.
func (p *Processor) initProducer() error {
	if !p.cfg.Kafka.Enabled || !p.hasChannelType(config.ChannelKafka) {
		return nil
	}
	producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.Producer)
	if err != nil {
		return err
	}
	p.producer = producer
	logger.WithComponent("processor").Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.Producer.Topic).
		Msg("kafka producer initialized")
	return nil
}

func (p *Processor) hasChannelType(t string) bool {
	for _, ch := range p.cfg.Notify.Channels {
		if ch.Type == t {
			return true
		}
	}
	return false
}

func (p *Processor) initFeed() error {
	p.hub = feed.NewHub(p.alertSvc, feed.WithKeepalive(p.cfg.Feed.PingInterval, p.cfg.Feed.PongTimeout))
	p.alertSvc.Subscribe(p.hub)

	if p.cfg.Feed.NATSURL == "" {
		return nil
	}
	pub, err := feed.ConnectNATS(feed.NATSConfig{
		URL:           p.cfg.Feed.NATSURL,
		SubjectPrefix: p.cfg.Feed.SubjectPrefix,
	})
	if err != nil {
		return err
	}
	p.natsPub = pub
	p.alertSvc.Subscribe(pub)
	return nil
}

func (p *Processor) initDispatcher() error {
	channels := []notify.Channel{notify.NewInAppChannel(p.hub)}
	for _, cc := range p.cfg.Notify.Channels {
		switch cc.Type {
		case config.ChannelLog:
			channels = append(channels, notify.LogChannel{})
		case config.ChannelWebhook:
			wh, err := notify.NewWebhookChannel(cc.Name, cc.URL, notify.WithHeaders(cc.Headers))
			if err != nil {
				return err
			}
			channels = append(channels, wh)
		case config.ChannelKafka:
			if p.producer == nil {
				return fmt.Errorf("channel %q needs kafka.enabled", cc.Name)
			}
			channels = append(channels, notify.NewKafkaChannel(p.producer))
		default:
			return fmt.Errorf("channel %q has unknown type %q", cc.Name, cc.Type)
		}
	}

	p.dispatcher = notify.NewDispatcher(channels,
		notify.WithTimeout(p.cfg.Notify.Timeout),
		notify.WithRateLimit(p.cfg.Notify.RateLimit, p.cfg.Notify.Burst),
	)
	logger.WithComponent("processor").Info().
		Strs("channels", p.dispatcher.Channels()).
		Msg("notification dispatcher initialized")
	return nil
}

func (p *Processor) seedRules(ctx context.Context) error {
	path := p.cfg.Rules.SeedFile
	if path == "" {
		return nil
	}
	seed, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	created, updated, err := p.ruleSvc.ImportSeed(ctx, seed)
	if err != nil {
		return err
	}
	logger.WithComponent("processor").Info().
		Str("file", path).
		Int("created", created).
		Int("updated", updated).
		Msg("seed rules imported")
	return nil
}

func (p *Processor) initEngine() {
	p.engine = engine.New(p.ruleSvc, p.alertSvc, p.tracker, p.dispatcher,
		engine.WithLookback(p.cfg.Ingest.Lookback),
		engine.WithRecentBuffer(p.cfg.Ingest.RecentCapacity),
		engine.WithParallelism(p.cfg.Ingest.RuleParallelism),
	)
	p.alertSvc.Subscribe(p.engine)

	p.workerPool = worker.NewPool(worker.Config{
		Handler:        p.engine,
		EnvelopeChan:   p.envelopeChan,
		Workers:        p.cfg.Ingest.Workers,
		ProcessTimeout: p.cfg.Ingest.ProcessTimeout,
	})

	p.scheduler = escalation.NewScheduler(p.alertSvc, p.ruleSvc, p.dispatcher,
		escalation.WithInterval(p.cfg.Escalation.SweepInterval),
		escalation.WithTracker(p.tracker),
	)
	logger.WithComponent("processor").Info().
		Int("workers", p.cfg.Ingest.Workers).
		Dur("sweep_interval", p.cfg.Escalation.SweepInterval).
		Msg("engine initialized")
}

func (p *Processor) initConsumer() error {
	if !p.cfg.Kafka.Enabled || p.cfg.Kafka.EventsTopic == "" {
		return nil
	}
	reader, err := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        p.cfg.Kafka.Brokers,
		Topic:          p.cfg.Kafka.EventsTopic,
		GroupID:        p.cfg.Kafka.GroupID,
		CommitInterval: p.cfg.Kafka.CommitInterval,
	})
	if err != nil {
		return err
	}
	p.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
		Reader:       reader,
		EnvelopeChan: p.envelopeChan,
		Decode:       handlers.DecodeEvent,
	})
	logger.WithComponent("processor").Info().
		Str("topic", p.cfg.Kafka.EventsTopic).
		Str("group_id", p.cfg.Kafka.GroupID).
		Msg("kafka consumer initialized")
	return nil
}

func (p *Processor) initHTTPServer(ingest http.Handler, receiver http.Handler) error {
	api := handlers.NewAPI(handlers.APIConfig{
		Rules:     p.ruleSvc,
		Alerts:    p.alertSvc,
		Analytics: analytics.NewService(p.alertSvc),
		Stream:    p.hub,
	})

	var otlpHTTP http.Handler
	if p.cfg.OTLP.Enabled {
		otlpHTTP = receiver
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Ingest:    ingest,
		OTLP:      otlpHTTP,
		API:       api,
		Health:    p.healthHandler,
		Stats:     p.statsHandler,
		Metrics:   promhttp.Handler(),
		JWTSecret: p.cfg.Auth.JWTSecret,
	})

	metrics.WorkerQueueCapacity.Set(float64(cap(p.envelopeChan)))

	lis, err := net.Listen("tcp", p.cfg.Server.HTTPAddr)
	if err != nil {
		return err
	}
	p.listener = lis
	p.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  p.cfg.Server.ReadTimeout,
		WriteTimeout: p.cfg.Server.WriteTimeout,
		IdleTimeout:  p.cfg.Server.IdleTimeout,
	}
	return nil
}

// Shutdown stops components in reverse start order: intake first, then the
// engine, then notification and feed outputs, then state.
func (p *Processor) Shutdown() error {
	var err error
	p.stopped.Do(func() { err = p.shutdown() })
	return err
}

func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. Stop intake
	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if p.otlpGRPC != nil {
		p.otlpGRPC.Stop(p.cfg.Server.ShutdownTimeout)
	}
	p.cancel()
	if p.consumer != nil {
		if err := p.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("kafka consumer close error")
		}
	}
	groupErr := p.group.Wait()

	// 2. Drain queued events, then stop the sweep
	p.workerPool.Stop()
	p.scheduler.Stop()

	// 3. Let in-flight notifications finish
	if err := p.dispatcher.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("notification dispatch did not finish before shutdown timeout")
	}

	p.closeResources()
	log.Info().Msg("processor stopped gracefully")
	return groupErr
}

// closeResources releases outputs and state. Safe on a partially started
// processor.
func (p *Processor) closeResources() {
	log := logger.WithComponent("processor")
	if p.otlpGRPC != nil && p.group == nil {
		p.otlpGRPC.Stop(0)
	}
	if p.hub != nil {
		p.hub.Close()
	}
	if p.natsPub != nil {
		p.natsPub.Close()
	}
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.tracker != nil {
		if err := p.tracker.Close(); err != nil {
			log.Error().Err(err).Msg("window tracker close error")
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			log.Error().Err(err).Msg("storage close error")
		}
	}
}

// Stats is the /stats payload.
type Stats struct {
	Worker       worker.Stats         `json:"worker"`
	Producer     *kafka.ProducerStats `json:"producer,omitempty"`
	Consumer     *kafka.ConsumerStats `json:"consumer,omitempty"`
	Channel      ChannelStats         `json:"channel"`
	RecentEvents int                  `json:"recent_events"`
	Subscribers  int                  `json:"feed_subscribers"`
}

// ChannelStats describes the ingest queue.
type ChannelStats struct {
	Buffered int `json:"buffered"`
	Capacity int `json:"capacity"`
}

// Stats snapshots the running counters.
func (p *Processor) Stats() Stats {
	s := Stats{
		Worker: p.workerPool.Stats(),
		Channel: ChannelStats{
			Buffered: len(p.envelopeChan),
			Capacity: cap(p.envelopeChan),
		},
		RecentEvents: p.engine.RecentEvents(),
		Subscribers:  p.hub.Subscribers(),
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		s.Consumer = &cs
	}
	return s
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(p.cfg.Server.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			metrics.WorkerQueueSize.Set(float64(s.Channel.Buffered))

			ev := log.Info().
				Uint64("worker_processed", s.Worker.Processed).
				Uint64("worker_failed", s.Worker.Failed).
				Int("queue_size", s.Channel.Buffered).
				Int("recent_events", s.RecentEvents).
				Int("feed_subscribers", s.Subscribers)
			if s.Producer != nil {
				ev = ev.Uint64("producer_sent", s.Producer.MessagesSent).
					Uint64("producer_failed", s.Producer.MessagesFailed)
			}
			if s.Consumer != nil {
				ev = ev.Uint64("consumer_accepted", s.Consumer.Accepted).
					Uint64("consumer_malformed", s.Consumer.Malformed)
			}
			ev.Msg("stats")
		}
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// healthHandler reports storage and producer connectivity.
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Checks: map[string]string{}}
	status := http.StatusOK
	check := func(name string, err error) {
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			return
		}
		resp.Checks[name] = "ok"
	}
	if p.db != nil {
		check("storage", p.db.Ping(ctx))
	}
	if p.producer != nil {
		check("kafka", p.producer.HealthCheck(ctx))
	}
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	writeJSON(w, status, resp)
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("processor").Error().Err(err).Msg("failed to encode response")
	}
}
