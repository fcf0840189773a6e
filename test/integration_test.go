//go:build integration

package test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/CodeWizarz/FUZE/internal/activity"
	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/fulfillment"
	"github.com/CodeWizarz/FUZE/internal/ledger"
	"github.com/CodeWizarz/FUZE/internal/messaging"
	"github.com/CodeWizarz/FUZE/internal/orders"
	"github.com/CodeWizarz/FUZE/internal/storage"
	"github.com/CodeWizarz/FUZE/internal/worker"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// backend stubs the payment gateway and carrier over httptest. Charges and
// bookings are counted so tests can assert exactly-once side effects.
type backend struct {
	server   *httptest.Server
	charges  atomic.Int32
	bookings atomic.Int32
	decline  bool
}

func newBackend() *backend {
	b := &backend{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /charges", func(w http.ResponseWriter, r *http.Request) {
		b.charges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if b.decline {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = io.WriteString(w, `{"reason":"insufficient funds"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"payment_id":"gw_`+uuid.New().String()+`"}`)
	})
	mux.HandleFunc("POST /bookings", func(w http.ResponseWriter, r *http.Request) {
		b.bookings.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"tracking_number":"trk_integration"}`)
	})
	b.server = httptest.NewServer(mux)
	return b
}

type stack struct {
	db      *sql.DB
	store   *storage.PostgresStore
	runner  *workflow.Runner
	orders  *orders.OrderRepository
	backend *backend
}

// newStack wires the full fulfillment engine against a migrated database,
// the way cmd/api does, minus telemetry and Kafka.
func newStack(t *testing.T, db *sql.DB) *stack {
	t.Helper()

	be := newBackend()
	t.Cleanup(be.server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewPostgresStore(db)
	orderRepo := orders.NewOrderRepository(db)
	paymentRepo := orders.NewPaymentRepository(db)
	eventRepo := orders.NewEventRepository(db)

	exec := activity.NewExecutor(ledger.NewPostgresLedger(db), eventRepo, logger)
	client := &http.Client{Timeout: 10 * time.Second}
	svc := fulfillment.NewService(
		orderRepo, paymentRepo, eventRepo, exec,
		fulfillment.NewHTTPPaymentGateway(be.server.URL, client),
		fulfillment.NewHTTPCarrier(be.server.URL, client),
		nil, logger, fulfillment.DefaultConfig(),
	)

	registry := workflow.NewRegistry()
	svc.Register(registry)
	runner := workflow.NewRunner(registry, store, logger,
		workflow.WithPollInterval(20*time.Millisecond))

	return &stack{db: db, store: store, runner: runner, orders: orderRepo, backend: be}
}

func (s *stack) start(t *testing.T, orderID string) *workflow.Run {
	t.Helper()
	input, err := json.Marshal(fulfillment.OrderInput{
		OrderID: orderID,
		Address: domain.Address{"street": "123 Main St", "zip_code": "12345"},
	})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	run, err := s.runner.Start(context.Background(), fulfillment.OrderWorkflowName, orderID, input)
	if err != nil {
		t.Fatalf("start order %s: %v", orderID, err)
	}
	return run
}

func (s *stack) signal(t *testing.T, key, name string, payload []byte) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		err := s.runner.DeliverSignal(context.Background(), key, name, payload)
		if err == nil {
			return
		}
		if !errors.Is(err, workflow.ErrRunNotFound) {
			t.Fatalf("deliver %s to %s: %v", name, key, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %q never appeared for signal %s", key, name)
}

func (s *stack) waitState(t *testing.T, key string, want workflow.RunState) *workflow.Run {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.store.GetRunByKey(context.Background(), key)
		if err == nil && run.State == want {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	run, err := s.store.GetRunByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("run %q never reached %q: %v", key, want, err)
	}
	t.Fatalf("run %q is %q, want %q (error: %s)", key, run.State, want, run.Error)
	return nil
}

func TestOrderLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	s := newStack(t, db)
	const orderID = "order-int-1"

	s.start(t, orderID)

	// A second start for the same order must be rejected while the first
	// run is active. The partial unique index enforces this in the
	// database, not in process memory.
	input, _ := json.Marshal(fulfillment.OrderInput{
		OrderID: orderID,
		Address: domain.Address{"zip_code": "12345"},
	})
	if _, err := s.runner.Start(ctx, fulfillment.OrderWorkflowName, orderID, input); !errors.Is(err, workflow.ErrDuplicateRun) {
		t.Fatalf("duplicate start: err = %v, want ErrDuplicateRun", err)
	}

	s.signal(t, orderID, fulfillment.SignalApprove, nil)
	s.signal(t, fulfillment.ShippingKey(orderID), fulfillment.SignalDeliveryConfirmed, nil)

	run := s.waitState(t, orderID, workflow.RunStateCompleted)

	var result fulfillment.OrderResult
	if err := json.Unmarshal(run.Output, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.TrackingNumber != "trk_integration" {
		t.Fatalf("tracking = %q", result.TrackingNumber)
	}

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != domain.OrderStatusCompleted {
		t.Fatalf("order status = %q, want completed", order.Status)
	}

	payments := orders.NewPaymentRepository(db)
	rows, err := payments.ListByOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != domain.PaymentStatusSucceeded {
		t.Fatalf("unexpected payments: %+v", rows)
	}
	if got := s.backend.charges.Load(); got != 1 {
		t.Fatalf("gateway charged %d times, want 1", got)
	}
	if got := s.backend.bookings.Load(); got != 1 {
		t.Fatalf("carrier booked %d times, want 1", got)
	}

	// The key is reusable once the previous run is terminal.
	const orderID2 = "order-int-2"
	s.start(t, orderID2)
	s.signal(t, orderID2, fulfillment.SignalApprove, nil)
	s.signal(t, fulfillment.ShippingKey(orderID2), fulfillment.SignalDeliveryConfirmed, nil)
	s.waitState(t, orderID2, workflow.RunStateCompleted)
}

func TestPaymentDeclinePersistsTerminalFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	s := newStack(t, db)
	s.backend.decline = true
	const orderID = "order-int-declined"

	s.start(t, orderID)
	s.signal(t, orderID, fulfillment.SignalApprove, nil)
	s.waitState(t, orderID, workflow.RunStateFailed)

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != domain.OrderStatusFailed || order.LastError != "payment_declined" {
		t.Fatalf("order = %q/%q, want failed/payment_declined", order.Status, order.LastError)
	}
	if got := s.backend.charges.Load(); got != 1 {
		t.Fatalf("declines must not retry, gateway called %d times", got)
	}
	if got := s.backend.bookings.Load(); got != 0 {
		t.Fatalf("carrier must not be called, got %d bookings", got)
	}
}

func TestResumeAllRecoversOrphanedRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	s := newStack(t, db)
	const orderID = "order-int-orphan"

	// A run row with no executing goroutine models a process that died
	// after persisting the run. ResumeAll must pick it up and drive it to
	// its first wait point, where signals complete it as usual.
	input, err := json.Marshal(fulfillment.OrderInput{
		OrderID: orderID,
		Address: domain.Address{"street": "9 Elm St", "zip_code": "54321"},
	})
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	orphan := &workflow.Run{
		ID:        uuid.New().String(),
		Key:       orderID,
		Name:      fulfillment.OrderWorkflowName,
		State:     workflow.RunStateRunning,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, orphan); err != nil {
		t.Fatalf("create orphan run: %v", err)
	}

	if err := s.runner.ResumeAll(ctx); err != nil {
		t.Fatalf("resume all: %v", err)
	}

	s.signal(t, orderID, fulfillment.SignalApprove, nil)
	s.signal(t, fulfillment.ShippingKey(orderID), fulfillment.SignalDeliveryConfirmed, nil)

	run := s.waitState(t, orderID, workflow.RunStateCompleted)
	if run.ID != orphan.ID {
		t.Fatalf("completed run %q is not the orphan %q", run.ID, orphan.ID)
	}
}

func TestDeliveryConfirmationOverKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()
	brokers, cleanupKafka := SetupKafka(ctx, t)
	defer cleanupKafka()

	db, err := OpenDB(pg.ConnStr)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	s := newStack(t, db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	producer := messaging.NewProducer(brokers, messaging.TopicShippingDelivered)
	defer func() { _ = producer.Close() }()
	consumer := messaging.NewConsumer(brokers, messaging.TopicShippingDelivered, "integration-worker",
		messaging.WithStartOffset(kafka.FirstOffset))
	defer func() { _ = consumer.Close() }()

	handler := worker.NewDeliveryHandler(s.runner, logger)
	consumeCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	go func() {
		_ = consumer.Consume(consumeCtx, handler.Handle)
	}()

	const orderID = "order-int-kafka"
	s.start(t, orderID)
	s.signal(t, orderID, fulfillment.SignalApprove, nil)

	// Wait for the shipping child to exist before publishing; the handler
	// drops confirmations for unknown runs rather than retrying forever.
	shipKey := fulfillment.ShippingKey(orderID)
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.store.GetRunByKey(ctx, shipKey); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	event := domain.DeliveryConfirmedEvent{
		OrderID:        orderID,
		TrackingNumber: "trk_integration",
		Timestamp:      time.Now().UTC(),
	}
	if err := producer.Publish(ctx, orderID, event); err != nil {
		t.Fatalf("publish delivery confirmation: %v", err)
	}

	s.waitState(t, orderID, workflow.RunStateCompleted)
}
