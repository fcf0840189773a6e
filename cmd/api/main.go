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

	"github.com/CodeWizarz/FUZE/internal/activity"
	"github.com/CodeWizarz/FUZE/internal/api"
	"github.com/CodeWizarz/FUZE/internal/fulfillment"
	"github.com/CodeWizarz/FUZE/internal/ledger"
	"github.com/CodeWizarz/FUZE/internal/messaging"
	"github.com/CodeWizarz/FUZE/internal/orders"
	"github.com/CodeWizarz/FUZE/internal/storage"
	"github.com/CodeWizarz/FUZE/internal/telemetry"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "fuze-api", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("fuze-api", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
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

	var publisher fulfillment.Publisher
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		producer := messaging.NewProducer(strings.Split(kafkaBrokers, ","), messaging.TopicOrderEvents)
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

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

	orderRepo := orders.NewOrderRepository(db)
	paymentRepo := orders.NewPaymentRepository(db)
	eventRepo := orders.NewEventRepository(db)

	store := storage.NewPostgresStore(db)
	led := ledger.NewPostgresLedger(db)
	exec := activity.NewExecutor(led, eventRepo, logger)

	cfg := fulfillment.DefaultConfig()
	if v := os.Getenv("APPROVAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid APPROVAL_TIMEOUT", "error", err, "value", v)
			os.Exit(1)
		}
		cfg.ApprovalTimeout = d
	}

	svc := fulfillment.NewService(
		orderRepo, paymentRepo, eventRepo, exec,
		fulfillment.NewHTTPPaymentGateway(paymentGatewayURL, httpClient),
		fulfillment.NewHTTPCarrier(carrierURL, httpClient),
		publisher, logger, cfg,
	)

	registry := workflow.NewRegistry()
	svc.Register(registry)

	wfMetrics, err := telemetry.NewWorkflowMetrics()
	if err != nil {
		logger.Error("failed to create workflow metrics", "error", err)
		os.Exit(1)
	}

	runner := workflow.NewRunner(registry, store, logger, workflow.WithObserver(wfMetrics))
	status := fulfillment.NewStatusAggregator(orderRepo, paymentRepo, eventRepo, store, runner)
	handler := api.NewHandler(runner, status, logger)

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "fuze-api",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting fulfillment api", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
