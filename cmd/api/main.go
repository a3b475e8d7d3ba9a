package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/tour-reservations/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/tour-reservations/internal/adapters/mongo"
	"github.com/robertarktes/tour-reservations/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/tour-reservations/internal/adapters/redis"
	"github.com/robertarktes/tour-reservations/internal/audit"
	"github.com/robertarktes/tour-reservations/internal/bulk"
	"github.com/robertarktes/tour-reservations/internal/clock"
	"github.com/robertarktes/tour-reservations/internal/config"
	httphandler "github.com/robertarktes/tour-reservations/internal/http"
	"github.com/robertarktes/tour-reservations/internal/idempotency"
	"github.com/robertarktes/tour-reservations/internal/ledger"
	"github.com/robertarktes/tour-reservations/internal/listing"
	"github.com/robertarktes/tour-reservations/internal/observability"
	"github.com/robertarktes/tour-reservations/internal/rateLimit"
	"github.com/robertarktes/tour-reservations/internal/reservation"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

const driftQueue = "tro.audit.capacity-drift"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "tour-reservations-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)
	clk := clock.NewSystem()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	if err := crdb.Migrate(ctx, pool); err != nil {
		log.Fatalf("failed to migrate crdb: %v", err)
	}
	repo := crdb.NewRepository(pool, crdb.WithMaxAttempts(cfg.TxMaxAttempts))

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(redisCache, cfg.RateLimitPerMinute, time.Minute, logger)

	listingCache := listing.New(redisCache, repo, cfg.ListingCacheTTL, clk, logger)
	led := ledger.New(repo, logger)

	var (
		serviceOpts []reservation.Option
		bulkOpts    = []bulk.Option{bulk.WithMaxBatch(cfg.BulkMaxSize)}
		auditLog    *mongoadapter.AuditLogger
	)
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())

		auditLog = mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)
		if err := auditLog.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("failed to ensure audit indexes")
		}
		serviceOpts = append(serviceOpts, reservation.WithAuditor(auditLog))
		bulkOpts = append(bulkOpts, bulk.WithAuditor(auditLog))
	} else {
		logger.Warn("MONGO_URI not set, audit trail disabled")
	}

	service := reservation.NewService(repo, led, listingCache, clk, logger, serviceOpts...)
	coordinator := bulk.NewCoordinator(repo, led, listingCache, clk, logger, bulkOpts...)

	handlers := httphandler.NewHandlers(service, coordinator, listingCache, map[string]httphandler.Pinger{
		"crdb":  repo,
		"redis": redisCache,
	}, logger)
	r := httphandler.SetupRouter(handlers, logger, rl, idemp)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Drift findings from the capacity auditor land in the same audit trail.
	if auditLog != nil && cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		consumer, err := rabbit.NewConsumer(conn, driftQueue, []string{audit.EventCapacityDrift}, audit.ErrMalformedEvent, logger)
		if err != nil {
			log.Fatalf("failed to create drift consumer: %v", err)
		}
		defer consumer.Close()
		recorder := audit.NewRecorder(auditLog, logger)
		g.Go(func() error {
			if err := consumer.Run(gctx, recorder.Handle); err != nil {
				logger.WithError(err).Error("drift consumer stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped with error")
	}
	logger.Info("api exited")
}
