package main

import (
	"context"
	"encoding/json"
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

	"github.com/example/ride-coordinator/internal/backend"
	"github.com/example/ride-coordinator/internal/channel"
	"github.com/example/ride-coordinator/internal/config"
	"github.com/example/ride-coordinator/internal/coordinator"
	"github.com/example/ride-coordinator/internal/fare"
	httpapi "github.com/example/ride-coordinator/internal/http"
	"github.com/example/ride-coordinator/internal/ingest"
	"github.com/example/ride-coordinator/internal/intake"
	"github.com/example/ride-coordinator/internal/logging"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/payments"
	"github.com/example/ride-coordinator/internal/push"
	"github.com/example/ride-coordinator/internal/route"
	"github.com/example/ride-coordinator/internal/session"
	"github.com/example/ride-coordinator/internal/storage"
	"github.com/example/ride-coordinator/internal/tracker"
)

func main() {
	var envFile string
	flag.StringVar(&envFile, "env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(envFile)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("driver_exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	kv, err := openStore(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	if c, ok := kv.(interface{ Close() error }); ok && cfg.StoreBackend == config.StorePostgres {
		defer c.Close()
	}
	sessions := session.NewProvider(kv)

	header := http.Header{}
	id, idErr := sessions.Load(ctx)
	if idErr == nil && id.Token != "" {
		header.Set("Authorization", "Bearer "+id.Token)
	}
	ch := channel.New(channel.Options{
		URL:               cfg.SocketURL,
		Header:            header,
		ReconnectAttempts: cfg.SocketReconnectAttempts,
		ReconnectDelay:    cfg.SocketReconnectDelay,
	}, logging.Component(logger, "channel"))

	routes, err := routeService(cfg)
	if err != nil {
		return err
	}

	sink, closeSink := locationSink(cfg, rdb, logger)
	defer closeSink()

	feed := tracker.NewFeedProvider()
	opts := coordinator.DefaultOptions()
	opts.DedupWindow = cfg.DedupWindow
	opts.OfferTimeout = cfg.OfferTimeout
	opts.AcceptTimeout = cfg.AcceptTimeout
	opts.FirstFixTimeout = cfg.FirstFixTimeout
	opts.PickupRecompute = cfg.PickupRecompute
	opts.DropRecompute = cfg.DropRecompute
	opts.FullRefresh = cfg.FullRefresh
	opts.TrimThrottle = cfg.TrimThrottle
	opts.RouteTimeout = cfg.RouteTimeout
	opts.IOTimeout = cfg.SnapshotTimeout
	opts.UplinkEvery = cfg.UplinkEvery
	opts.Sampling = tracker.Options{MinMoveMeters: cfg.MinMoveMeters, Interval: cfg.SampleInterval, HighAccuracy: cfg.HighAccuracy}
	opts.Rates = fare.Rates{ByVehicle: cfg.VehicleRates, Default: cfg.DefaultRate}
	opts.MinimumFare = cfg.MinimumFare

	deps := coordinator.Deps{
		Channel:   ch,
		Identity:  sessions,
		Store:     kv,
		Snapshots: storage.NewSnapshotStore(kv),
		Positions: feed,
		Routes:    routes,
		Backend:   backend.New(cfg.APIBaseURL, cfg.BackendTimeout),
		Sink:      sink,
		Logger:    logging.Component(logger, "coordinator"),
	}
	if cfg.StripeAPIKey != "" {
		deps.Settler = payments.NewStripeSettler(cfg.StripeAPIKey, cfg.StripeCurrency)
	}
	coord := coordinator.New(opts, deps)

	ch.OnEvent(func(event string, data json.RawMessage) {
		switch event {
		case channel.EventConnect:
			coord.OnConnect()
		case channel.EventNewRideRequest:
			if err := coord.OnOffer(ctx, data, intake.SourceChannel); err != nil {
				logger.Debug("channel_offer_dropped", "error", err)
			}
		case channel.EventRideTakenByOther:
			if err := coord.OnRideTaken(ctx, data); err != nil {
				logger.Warn("ride_taken_ignored", "error", err)
			}
		}
	})

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Run(ctx)
	}()
	go func() {
		if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("channel_stopped", "error", err)
		}
	}()
	if a, ok := sink.(*ingest.Async); ok {
		go a.Run(ctx)
	}
	if cfg.AMQPURL != "" {
		if idErr != nil {
			logger.Warn("push_relay_disabled", "error", idErr)
		} else {
			go runRelay(ctx, cfg, id.DriverID, coord, logger)
		}
	}

	go func() {
		if err := coord.Start(ctx); err != nil {
			logger.Warn("resume_online_failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, feed, sessions, logging.Component(logger, "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("control_api_listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "error", err)
	}
	<-coordDone
	return nil
}

func openStore(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *slog.Logger) (storage.KV, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		st := storage.NewRedisStoreFromClient(rdb, cfg.RedisPrefix)
		if err := st.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		pg, err := storage.NewPostgresStore(cfg.PGDSN, cfg.PGNamespace)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
			logger.Info("migration_applied", "table", "kv_store")
		}
		return pg, nil
	default:
		logger.Warn("memory_store_in_use", "detail", "rides are not recoverable across restarts")
		return storage.NewMemoryStore(), nil
	}
}

func routeService(cfg config.Config) (route.Service, error) {
	var svc route.Service
	switch cfg.RoutingProvider {
	case config.RoutingGoogle:
		g, err := route.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		svc = g
	default:
		svc = route.NewOSRMClient(cfg.OSRMEndpoint)
	}
	return route.NewCache(svc, cfg.RouteCacheTTL), nil
}

// locationSink fans uplinks out to Kafka and the Redis geo index, behind a
// buffer so the coordinator loop never waits on them.
func locationSink(cfg config.Config, rdb *redis.Client, logger *slog.Logger) (ingest.Sink, func()) {
	var sinks ingest.Fanout
	closers := []func(){}
	if len(cfg.KafkaBrokers) > 0 {
		k := ingest.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, k)
		closers = append(closers, func() { k.Close() })
	}
	if cfg.PublishRedisGeo && rdb != nil {
		sinks = append(sinks, ingest.NewRedisSink(rdb, 3, 100*time.Millisecond))
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(sinks) == 0 {
		return nil, closeAll
	}
	a := ingest.NewAsync(sinks, 256, 5*time.Second, logging.Component(logger, "ingest"))
	a.OnDrop(func() { observability.Uplinks.WithLabelValues("dropped").Inc() })
	return a, closeAll
}

func runRelay(ctx context.Context, cfg config.Config, driverID string, coord *coordinator.Coordinator, logger *slog.Logger) {
	log := logging.Component(logger, "push")
	relay, err := push.Dial(ctx, cfg.AMQPURL, driverID, 10, 3*time.Second, log)
	if err != nil {
		log.Error("push_relay_unavailable", "error", err)
		return
	}
	defer relay.Close()
	err = relay.Consume(ctx, func(ctx context.Context, m push.Message) error {
		switch m.Type {
		case push.TypeNewRideRequest:
			if err := coord.OnOffer(ctx, m.Data, intake.SourcePush); err != nil {
				log.Debug("push_offer_dropped", "error", err)
			}
			return nil
		case push.TypeRideTakenByOther:
			return coord.OnRideTaken(ctx, m.Data)
		}
		return push.ErrUnknownType
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("push_relay_stopped", "error", err)
	}
}
