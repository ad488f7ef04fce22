package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TokenVault/internal/core"
	"TokenVault/internal/event"
	"TokenVault/internal/ingestion"
	"TokenVault/internal/observability"
	"TokenVault/internal/persistence"
	"TokenVault/internal/port"
	"TokenVault/internal/query"
	"TokenVault/internal/reservation"
	"TokenVault/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("tokenvault")
	logger.Info().Msg("TokenVault starting")

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Ledger database ---
	dialect, err := persistence.ParseDialect(cfg.DBDialect)
	if err != nil {
		logger.Fatal().Err(err).Msg("db dialect")
	}
	db, err := persistence.Open(ctx, dialect, cfg.DatabaseDSN, cfg.DBMaxOpen)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	logger.Info().Str("dialect", string(dialect)).Msg("database connected")

	if cfg.AutoMigrate {
		migrator := persistence.NewMigrator(db, dialect, persistence.Migrations(dialect), observability.NewLogger("migrate"))
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}

	// --- Inventory bootstrap ---
	// The stream position is taken before the snapshot so that every update
	// committed after the snapshot cursor is still delivered; older ones are
	// skipped by sequence.
	index := core.NewIndex(observability.NewLogger("index"), metrics)
	ingestor := ingestion.NewIngestor(index, observability.NewLogger("ingestion"), metrics)

	rawEventChan := make(chan ingestion.RawEvent, cfg.IngestBuffer)
	natsSubscriber := ingestion.NewNATSSubscriber(js, ingestion.DefaultUpdateStream, rawEventChan, observability.NewLogger("nats"))

	startSeq, err := natsSubscriber.Position(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("read update stream position")
	}

	snapshotReader := persistence.NewSnapshotReader(db, dialect, cfg.Owners, cfg.SnapshotPageSize, observability.NewLogger("snapshot"))
	cursor, err := ingestor.Bootstrap(ctx, snapshotReader)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap inventory")
	}

	if err := natsSubscriber.Subscribe(ctx, startSeq); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Reservations ---
	store, closeStore := newReservationStore(ctx, cfg, logger)
	defer closeStore()

	selector := core.NewSelector(index, observability.NewLogger("selector"), metrics)
	registry := reservation.NewRegistry(selector, store, reservation.Config{
		DefaultTTL:  cfg.DefaultTTL,
		MaxTTL:      cfg.MaxTTL,
		EventBuffer: cfg.EventBuffer,
	}, observability.NewLogger("reservation"), metrics)
	sweeper := reservation.NewSweeper(registry, cfg.SweepInterval, cfg.SweepBatch, observability.NewLogger("sweeper"))

	// --- Outbound channels ---
	publishChan := make(chan event.ReservationEvent, cfg.EventBuffer)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"), metrics)

	var auditChan chan event.ReservationEvent
	if cfg.AuditEnabled {
		auditChan = make(chan event.ReservationEvent, cfg.EventBuffer)
	}

	// --- Services ---
	queryService := query.NewService(index, db, dialect, ingestor.LastSequence)

	var adminIngest *ingestion.AdminIngestService
	if cfg.AdminIngest {
		adminIngest = ingestion.NewAdminIngestService(rawEventChan)
	}

	grpcServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Registry:      registry,
		Query:         queryService,
		AdminIngest:   adminIngest,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Ingestion loop: NATS and admin updates -> index
	go func() {
		errChan <- ingestor.Run(ctx, rawEventChan)
	}()

	// 2. Reservation sweeper
	go func() {
		errChan <- sweeper.Run(ctx)
	}()

	// 3. Lifecycle fan-out: registry events -> publisher + audit worker
	go func() {
		bridgeReservationEvents(ctx, registry.Events(), publishChan, auditChan, logger)
	}()

	// 4. Outbound publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 5. Audit persistence worker
	if auditChan != nil {
		auditWorker := persistence.NewAuditWorker(db, dialect, auditChan, cfg.AuditBatchSize, cfg.AuditFlushTimeout, observability.NewLogger("audit"), metrics)
		go func() {
			errChan <- auditWorker.Run(ctx)
		}()
	}

	// 6. gRPC server
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	// 7. HTTP/JSON API
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 8. Prometheus metrics server
	go func() {
		errChan <- serveMetrics(ctx, cfg.MetricsAddr, logger)
	}()

	healthChecker.SetReady(true)

	logger.Info().
		Int64("cursor", cursor).
		Uint64("stream_start_seq", startSeq).
		Int("tokens", index.Len()).
		Str("instance", registry.Instance()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("TokenVault ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()

	// Give workers time to flush
	time.Sleep(200 * time.Millisecond)
	logger.Info().Msg("TokenVault shutdown complete")
}

// newReservationStore returns the configured store and its cleanup func.
func newReservationStore(ctx context.Context, cfg Config, logger zerolog.Logger) (port.ReservationStore, func()) {
	if cfg.ReservationStore != "redis" {
		logger.Info().Msg("reservations kept in memory")
		return reservation.NewMemoryStore(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("reservations kept in redis")
	return reservation.NewRedisStore(rdb, cfg.RedisPrefix), func() { rdb.Close() }
}

// bridgeReservationEvents copies lifecycle events to the publisher and, when
// audit is enabled, to the audit worker. The publisher is best effort and
// drops on a full channel; the audit channel applies backpressure.
func bridgeReservationEvents(
	ctx context.Context,
	in <-chan event.ReservationEvent,
	publishOut chan<- event.ReservationEvent,
	auditOut chan<- event.ReservationEvent,
	logger zerolog.Logger,
) {
	if in == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-in:
			select {
			case publishOut <- evt:
			default:
				logger.Warn().
					Str("kind", string(evt.Kind)).
					Str("reservation_id", evt.ReservationID.String()).
					Msg("publish channel full, dropping event")
			}

			if auditOut == nil {
				continue
			}
			select {
			case auditOut <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
