package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"github.com/onchaincommerce/refund-demo/internal/api"
	"github.com/onchaincommerce/refund-demo/internal/chain"
	"github.com/onchaincommerce/refund-demo/internal/commerce"
	"github.com/onchaincommerce/refund-demo/internal/config"
	"github.com/onchaincommerce/refund-demo/internal/events"
	"github.com/onchaincommerce/refund-demo/internal/ledger"
	"github.com/onchaincommerce/refund-demo/internal/listing"
	"github.com/onchaincommerce/refund-demo/internal/logging"
	"github.com/onchaincommerce/refund-demo/internal/metrics"
	"github.com/onchaincommerce/refund-demo/internal/refund"
	"github.com/onchaincommerce/refund-demo/internal/tracker"
	"github.com/onchaincommerce/refund-demo/internal/webhook"
)

func main() {
	godotenv.Load()

	cfg := config.MustLoadConfig("./config")

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	key, err := chain.ParsePrivateKey(cfg.Chain.PrivateKey)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	transferor, err := chain.NewTransferor(ctx, cfg.Chain.RPCURL, cfg.Chain.TokenContract, key,
		time.Duration(cfg.Chain.ConfirmTimeoutMs)*time.Millisecond, logger)
	if err != nil {
		log.Fatal(err)
	}

	backoff := commerce.DefaultBackoff()
	if cfg.Retry.MaxAttempts > 0 {
		backoff.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMs > 0 {
		backoff.BaseDelay = time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond
	}
	if cfg.Retry.JitterMs > 0 {
		backoff.Jitter = time.Duration(cfg.Retry.JitterMs) * time.Millisecond
	}

	client := commerce.NewClient(cfg.Commerce.APIBase, cfg.Commerce.APIKey, backoff, logger)

	var refundLedger refund.Ledger
	if connStr := cfg.Database.ConnString(); connStr != "" {
		if err := ledger.RunMigrations(connStr, "./migrations"); err != nil {
			log.Fatal(err)
		}

		pool, err := ledger.GetPool(connStr)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()

		refundLedger = ledger.NewRefundRepository(pool)
	}

	var writer *kafka.Writer
	if cfg.Kafka.BrokerURL != "" {
		writer = events.NewWriter(cfg.Kafka)
		defer writer.Close()
	}
	publisher := events.NewPublisher(writer, logger)

	pending := tracker.NewPendingSet()
	receiver := webhook.NewReceiver(pending, client, publisher, logger)
	collector := listing.NewCollector(client, logger)
	engine := refund.NewEngine(client, transferor, refundLedger, publisher, logger)

	handlers := api.NewHandlers(cfg.Commerce.WebhookSecret, pending, receiver, collector, engine, logger)

	mux := http.NewServeMux()
	handlers.Register(mux)

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	logger.Info("Starting refund service", "port", port)
	log.Fatal(http.ListenAndServe(":"+port, mux))
}
