package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/tour-reservations/internal/adapters/crdb"
	"github.com/robertarktes/tour-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/tour-reservations/internal/audit"
	"github.com/robertarktes/tour-reservations/internal/clock"
	"github.com/robertarktes/tour-reservations/internal/config"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "tour-reservations-auditor")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	// Without a broker drift is only logged and exported as a gauge.
	var broker audit.Broker
	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		pub, err := rabbit.NewPublisher(conn)
		if err != nil {
			log.Fatalf("failed to create publisher: %v", err)
		}
		defer pub.Close()
		broker = pub
	}

	checker := audit.NewChecker(repo, broker, logger, clock.NewSystem(), audit.WithRetry(3, time.Second))

	checker.Run(ctx, cfg.AuditInterval)
	logger.Info("capacity auditor stopped")
}
