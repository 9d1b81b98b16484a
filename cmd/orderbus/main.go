// Command orderbus runs the order-confirmation service on RabbitMQ.
//
// It subscribes SendConfirmationHandler and OrderAuditHandler to
// OrderCreatedEvent, parks dead-lettered messages in the DLQ store, and
// serves health probes, an order intake endpoint and DLQ administration
// over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rbaliyan/eventbus"
	"github.com/rbaliyan/eventbus/dlq"
	"github.com/rbaliyan/eventbus/idempotency"
	"github.com/rbaliyan/eventbus/internal/orders"
	"github.com/rbaliyan/eventbus/ratelimit"
	"github.com/rbaliyan/eventbus/topology"
	"github.com/rbaliyan/eventbus/transport/amqp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.level()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orderbus stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	shutdownTracing, err := setupTracing(ctx, cfg.App.Name, cfg.OTel)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	t, err := amqp.Dial(cfg.AMQP.URL,
		amqp.WithConnectionName(cfg.App.Name),
		amqp.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	bus, err := eventbus.NewBus(cfg.App.Name,
		eventbus.WithTransport(t),
		eventbus.WithLogger(logger),
		eventbus.WithTopology(
			topology.WithExchange(cfg.AMQP.Exchange),
			topology.WithDeadLetterExchange(cfg.AMQP.DeadLetterExchange),
			topology.WithMessageTTL(cfg.AMQP.MessageTTL),
		),
	)
	if err != nil {
		t.Close(context.Background())
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bus.Close(sctx); err != nil {
			logger.Warn("bus close", "error", err)
		}
	}()

	var mailer orders.Mailer = orders.LogMailer{Logger: logger}
	if cfg.Mail.SMTPAddr != "" {
		mailer = orders.NewSMTPMailer(cfg.Mail.SMTPAddr, cfg.Mail.From)
	}
	if err := orders.Register(bus, mailer, orders.LogAudit{Logger: logger}); err != nil {
		return err
	}

	st, err := newStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	opts := []eventbus.SubscribeOption{
		eventbus.WithPrefetch(cfg.Consumer.Prefetch),
		eventbus.WithHandlerTimeout(cfg.Consumer.HandlerTimeout),
		eventbus.WithIdempotency(st.dedup),
	}
	if st.limiter != nil {
		opts = append(opts, eventbus.WithLimiter(st.limiter))
	}
	if _, err := orders.Subscribe(ctx, bus, opts...); err != nil {
		return err
	}

	manager := dlq.NewManager(st.dlq, t).WithLogger(logger)
	go func() {
		if err := manager.Watch(ctx, bus.Topology().DeadLetterQueues()...); err != nil {
			logger.Error("dlq watcher stopped", "error", err)
		}
	}()
	go cleanupLoop(ctx, manager, cfg.Consumer.DLQRetention, logger)

	app := &App{bus: bus, dlq: manager, logger: logger}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

type stores struct {
	dedup   idempotency.Store
	limiter ratelimit.Limiter
	dlq     dlq.Store
	close   func()
}

// newStores backs deduplication, throttling and the DLQ with Redis when it
// is configured, so every replica shares them, and with memory otherwise.
// A configured MongoDB takes over the DLQ.
func newStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*stores, error) {
	s, err := newRedisStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Mongo.URI == "" {
		return s, nil
	}

	store, disconnect, err := openMongoDLQ(ctx, cfg.Mongo)
	if err != nil {
		s.close()
		return nil, err
	}
	s.dlq = store
	closeRedis := s.close
	s.close = func() {
		disconnect()
		closeRedis()
	}
	logger.Info("dlq backed by mongodb", "database", cfg.Mongo.Database, "collection", cfg.Mongo.Collection)
	return s, nil
}

func newRedisStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*stores, error) {
	c := cfg.Consumer
	s := &stores{close: func() {}}

	if cfg.Redis.Addr == "" {
		mem := idempotency.NewMemoryStore(c.DedupTTL)
		s.dedup = mem
		s.dlq = dlq.NewMemoryStore()
		s.close = mem.Close
		if c.RateLimit > 0 {
			s.limiter = ratelimit.NewTokenBucket(c.RateLimit, c.Burst)
		}
		logger.Warn("redis not configured, using in-memory stores")
		return s, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	s.dedup = idempotency.NewRedisStore(rdb, c.DedupTTL)
	s.dlq = dlq.NewRedisStore(rdb)
	if c.RateLimit > 0 {
		s.limiter = ratelimit.NewSlidingWindowLimiter(rdb, cfg.App.Name, int(c.RateLimit), time.Second)
	}
	s.close = func() { rdb.Close() }
	return s, nil
}

// openMongoDLQ connects, pings and creates the DLQ indexes.
func openMongoDLQ(ctx context.Context, cfg Mongo) (*dlq.MongoStore, func(), error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.Timeout))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	disconnect := func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Disconnect(dctx)
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		disconnect()
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	store := dlq.NewMongoStore(client.Database(cfg.Database)).WithCollection(cfg.Collection)
	if err := store.EnsureIndexes(pctx); err != nil {
		disconnect()
		return nil, nil, err
	}
	return store, disconnect, nil
}

func cleanupLoop(ctx context.Context, m *dlq.Manager, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx, retention); err != nil {
				logger.Warn("dlq cleanup failed", "error", err)
			}
		}
	}
}
