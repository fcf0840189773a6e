package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/CodeWizarz/FUZE/internal/domain"
)

// ChargeOutcome is the result of a payment-gateway call. Declined is a
// terminal business outcome; transport failures surface as errors instead.
type ChargeOutcome struct {
	PaymentID string `json:"payment_id"`
	Declined  bool   `json:"declined"`
	Reason    string `json:"reason,omitempty"`
}

// PaymentGateway charges a customer. Implementations must treat the token
// as an idempotency key on their side as well, if they can.
type PaymentGateway interface {
	Charge(ctx context.Context, token, orderID string, amountCents int64) (ChargeOutcome, error)
}

// Carrier books a shipment pickup and returns a tracking number.
type Carrier interface {
	Book(ctx context.Context, orderID, boxID string) (string, error)
}

// HTTPPaymentGateway talks to a remote payment service. Connectivity and
// 5xx failures are transient (the executor retries them); a 402 is a
// terminal decline.
type HTTPPaymentGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPPaymentGateway(baseURL string, client *http.Client) *HTTPPaymentGateway {
	return &HTTPPaymentGateway{baseURL: baseURL, client: client}
}

func (g *HTTPPaymentGateway) Charge(ctx context.Context, token, orderID string, amountCents int64) (ChargeOutcome, error) {
	body, err := json.Marshal(map[string]any{
		"token":        token,
		"order_id":     orderID,
		"amount_cents": amountCents,
	})
	if err != nil {
		return ChargeOutcome{}, fmt.Errorf("marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return ChargeOutcome{}, fmt.Errorf("create charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return ChargeOutcome{}, domain.Transient(fmt.Errorf("charge payment: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		var decline struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&decline)
		return ChargeOutcome{Declined: true, Reason: decline.Reason}, nil
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return ChargeOutcome{}, domain.Transient(fmt.Errorf("payment gateway returned status %d", resp.StatusCode))
	}

	var outcome ChargeOutcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return ChargeOutcome{}, domain.Transient(fmt.Errorf("decode charge response: %w", err))
	}
	return outcome, nil
}

// HTTPCarrier talks to a remote carrier-booking service. A 422 means the
// carrier rejected the booking outright; anything else non-2xx is
// transient.
type HTTPCarrier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPCarrier(baseURL string, client *http.Client) *HTTPCarrier {
	return &HTTPCarrier{baseURL: baseURL, client: client}
}

func (c *HTTPCarrier) Book(ctx context.Context, orderID, boxID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"order_id": orderID,
		"box_id":   boxID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal booking request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bookings", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create booking request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("book carrier: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", &domain.TerminalError{Reason: "carrier_rejected"}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return "", domain.Transient(fmt.Errorf("carrier returned status %d", resp.StatusCode))
	}

	var booking struct {
		TrackingNumber string `json:"tracking_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&booking); err != nil {
		return "", domain.Transient(fmt.Errorf("decode booking response: %w", err))
	}
	return booking.TrackingNumber, nil
}
