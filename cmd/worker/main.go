package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/CodeWizarz/FUZE/internal/activity"
	"github.com/CodeWizarz/FUZE/internal/fulfillment"
	"github.com/CodeWizarz/FUZE/internal/ledger"
	"github.com/CodeWizarz/FUZE/internal/messaging"
	"github.com/CodeWizarz/FUZE/internal/orders"
	"github.com/CodeWizarz/FUZE/internal/storage"
	"github.com/CodeWizarz/FUZE/internal/telemetry"
	"github.com/CodeWizarz/FUZE/internal/worker"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "fuze-worker", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("fuze-worker", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime metrics", "error", err)
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}
	brokers := strings.Split(kafkaBrokers, ",")

	paymentGatewayURL := os.Getenv("PAYMENT_GATEWAY_URL")
	if paymentGatewayURL == "" {
		logger.Error("PAYMENT_GATEWAY_URL environment variable is required")
		os.Exit(1)
	}

	carrierURL := os.Getenv("CARRIER_URL")
	if carrierURL == "" {
		logger.Error("CARRIER_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	producer := messaging.NewProducer(brokers, messaging.TopicOrderEvents)
	defer func() { _ = producer.Close() }()

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	orderRepo := orders.NewOrderRepository(db)
	paymentRepo := orders.NewPaymentRepository(db)
	eventRepo := orders.NewEventRepository(db)

	store := storage.NewPostgresStore(db)
	led := ledger.NewPostgresLedger(db)
	exec := activity.NewExecutor(led, eventRepo, logger)

	svc := fulfillment.NewService(
		orderRepo, paymentRepo, eventRepo, exec,
		fulfillment.NewHTTPPaymentGateway(paymentGatewayURL, httpClient),
		fulfillment.NewHTTPCarrier(carrierURL, httpClient),
		producer, logger, fulfillment.DefaultConfig(),
	)

	registry := workflow.NewRegistry()
	svc.Register(registry)

	wfMetrics, err := telemetry.NewWorkflowMetrics()
	if err != nil {
		logger.Error("failed to create workflow metrics", "error", err)
		os.Exit(1)
	}

	runner := workflow.NewRunner(registry, store, logger, workflow.WithObserver(wfMetrics))

	// Recover runs orphaned by a previous process before accepting new
	// delivery confirmations.
	if err := runner.ResumeAll(ctx); err != nil {
		logger.Error("failed to resume workflow runs", "error", err)
		os.Exit(1)
	}

	consumer := messaging.NewConsumer(brokers, messaging.TopicShippingDelivered, "fulfillment-worker")
	defer func() { _ = consumer.Close() }()

	deliveryHandler := worker.NewDeliveryHandler(runner, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	metricsServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("serving worker metrics", "port", port)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("starting fulfillment worker", "brokers", brokers)

	if err := consumer.Consume(ctx, deliveryHandler.Handle); err != nil {
		if ctx.Err() == context.Canceled {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
