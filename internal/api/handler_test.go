package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CodeWizarz/FUZE/internal/api"
	"github.com/CodeWizarz/FUZE/internal/domain"
	"github.com/CodeWizarz/FUZE/internal/fulfillment"
	"github.com/CodeWizarz/FUZE/internal/storage"
	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// Minimal repository fakes backing the status aggregator. The workflows under
// test here are stubs, so only GetByID and the list methods matter.

type stubOrders struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func (s *stubOrders) Create(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *stubOrders) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (s *stubOrders) UpdateStatus(context.Context, string, domain.OrderStatus, string) error {
	return nil
}

func (s *stubOrders) SetError(context.Context, string, domain.OrderStatus, string) error {
	return nil
}

func (s *stubOrders) UpdateAddress(context.Context, string, domain.Address) error {
	return nil
}

type stubPayments struct{}

func (stubPayments) GetByIdempotencyKey(context.Context, string) (*domain.Payment, error) {
	return nil, nil
}
func (stubPayments) Create(context.Context, *domain.Payment) error { return nil }
func (stubPayments) ListByOrder(context.Context, string) ([]domain.Payment, error) {
	return nil, nil
}

type stubEvents struct{}

func (stubEvents) Append(context.Context, string, domain.EventKind, map[string]any) error {
	return nil
}
func (stubEvents) Recent(context.Context, string, int) ([]domain.Event, error) {
	return nil, nil
}

type fixture struct {
	server *httptest.Server
	store  *storage.MemoryStore
	orders *stubOrders
}

// newFixture serves the API over a stub order workflow that suspends on the
// approve signal, so handler outcomes can be tested without the full
// fulfillment stack.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()

	registry := workflow.NewRegistry()
	workflow.Register(registry, workflow.NewDefinition(fulfillment.OrderWorkflowName,
		func(wf *workflow.Workflow, in fulfillment.OrderInput) (fulfillment.OrderResult, error) {
			for {
				sig, err := wf.WaitForAnySignal("await",
					[]string{fulfillment.SignalApprove, fulfillment.SignalUpdateAddress}, 0)
				if err != nil {
					return fulfillment.OrderResult{}, err
				}
				if sig.Name == fulfillment.SignalApprove {
					return fulfillment.OrderResult{PaymentID: "pay_" + in.OrderID}, nil
				}
			}
		}))

	runner := workflow.NewRunner(registry, store, logger,
		workflow.WithPollInterval(5*time.Millisecond))

	orders := &stubOrders{orders: make(map[string]*domain.Order)}
	aggregator := fulfillment.NewStatusAggregator(orders, stubPayments{}, stubEvents{}, store, runner)

	mux := http.NewServeMux()
	api.NewHandler(runner, aggregator, logger).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, store: store, orders: orders}
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return resp, decoded
}

func (f *fixture) waitTerminal(t *testing.T, key string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.store.GetRunByKey(context.Background(), key)
		if err == nil && run.State != workflow.RunStateRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %q never reached a terminal state", key)
}

const startBody = `{"address":{"street":"123 Main St","zip_code":"12345"}}`

func TestStartOrder(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/orders/order-1/start", startBody)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["order_id"] != "order-1" || body["run_id"] == "" {
		t.Fatalf("unexpected response: %v", body)
	}
}

func TestStartRejectsDuplicateRunningOrder(t *testing.T) {
	f := newFixture(t)

	f.post(t, "/orders/order-1/start", startBody)
	resp, body := f.post(t, "/orders/order-1/start", startBody)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Fatal("expected an error message")
	}
}

func TestStartValidatesRequestBody(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/orders/order-1/start", `{"address":{}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty address: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = f.post(t, "/orders/order-2/start", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", resp.StatusCode)
	}
}

func TestApproveSignalLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/orders/order-1/signals/approve", "{}")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown order: status = %d, want 404", resp.StatusCode)
	}

	f.post(t, "/orders/order-1/start", startBody)
	resp, body := f.post(t, "/orders/order-1/signals/approve", "{}")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("running order: status = %d, want 202", resp.StatusCode)
	}
	if body["signal"] != fulfillment.SignalApprove {
		t.Fatalf("signal = %q, want %q", body["signal"], fulfillment.SignalApprove)
	}

	// Once the run is finished the signal has nowhere to go.
	f.waitTerminal(t, "order-1")
	resp, _ = f.post(t, "/orders/order-1/signals/approve", "{}")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("finished order: status = %d, want 409", resp.StatusCode)
	}
}

func TestUpdateAddressRequiresNewAddress(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/orders/order-1/start", startBody)

	resp, _ := f.post(t, "/orders/order-1/signals/update-address", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing new_address: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = f.post(t, "/orders/order-1/signals/update-address",
		`{"new_address":{"street":"456 Oak Ave","zip_code":"67890"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("valid update: status = %d, want 202", resp.StatusCode)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/orders/order-1/cancel", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown order: status = %d, want 404", resp.StatusCode)
	}

	f.post(t, "/orders/order-1/start", startBody)
	resp, _ = f.post(t, "/orders/order-1/cancel", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("running order: status = %d, want 202", resp.StatusCode)
	}

	f.waitTerminal(t, "order-1")
	run, err := f.store.GetRunByKey(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.State != workflow.RunStateCancelled {
		t.Fatalf("run state = %q, want cancelled", run.State)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/orders/ghost/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown order: status = %d, want 404", resp.StatusCode)
	}

	f.orders.Create(context.Background(), &domain.Order{
		ID:      "order-1",
		Status:  domain.OrderStatusCreated,
		Address: domain.Address{"zip_code": "12345"},
	})
	f.post(t, "/orders/order-1/start", startBody)

	resp, err = http.Get(f.server.URL + "/orders/order-1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var status fulfillment.OrderStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.OrderID != "order-1" {
		t.Fatalf("order_id = %q", status.OrderID)
	}
	if status.Status != domain.OrderStatusCreated {
		t.Fatalf("status = %q, want created", status.Status)
	}
	if status.Run == nil || status.Run.State != workflow.RunStateRunning {
		t.Fatalf("expected a running workflow run, got %+v", status.Run)
	}
}
