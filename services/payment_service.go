package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"

	"ticketing/internal/status"
	"ticketing/utils"
)

// HTTPGateway talks to the real payment provider over JSON. Calls run
// through a circuit breaker so a melting provider sheds load instead of
// tying up every request goroutine, and the caller's context bounds the
// wait.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *utils.CircuitBreaker
}

func NewHTTPGateway(baseURL, apiKey string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		breaker: utils.NewCircuitBreaker("payment-gateway"),
	}
}

func (g *HTTPGateway) ProcessPayment(ctx context.Context, paymentMethodID string, amount decimal.Decimal, currency string, metadata map[string]string) (*PaymentResult, error) {
	return g.post(ctx, "/v1/payments", map[string]any{
		"payment_method_id": paymentMethodID,
		"amount":            amount,
		"currency":          currency,
		"metadata":          metadata,
	})
}

func (g *HTTPGateway) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (*PaymentResult, error) {
	return g.post(ctx, "/v1/refunds", map[string]any{
		"payment_id": paymentID,
		"amount":     amount,
	})
}

func (g *HTTPGateway) post(ctx context.Context, path string, body map[string]any) (*PaymentResult, error) {
	res, err := g.breaker.Execute(ctx, func() (any, error) {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+g.apiKey)

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		var result PaymentResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, err
		}
		return &result, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrPaymentFailed, err)
	}
	return res.(*PaymentResult), nil
}

// StubGateway is the local/dev gateway. Payment method ids in failFor
// are declined; everything else succeeds with a generated payment id.
type StubGateway struct {
	mu      sync.Mutex
	failFor map[string]bool
	seq     int
}

func NewStubGateway(failFor ...string) *StubGateway {
	fails := make(map[string]bool, len(failFor))
	for _, id := range failFor {
		fails[id] = true
	}
	return &StubGateway{failFor: fails}
}

func (g *StubGateway) ProcessPayment(ctx context.Context, paymentMethodID string, amount decimal.Decimal, currency string, metadata map[string]string) (*PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrPaymentFailed, err)
	}
	if g.failFor[paymentMethodID] {
		return &PaymentResult{Success: false, Message: "card declined"}, nil
	}
	g.mu.Lock()
	g.seq++
	id := fmt.Sprintf("pay_%06d", g.seq)
	g.mu.Unlock()
	return &PaymentResult{Success: true, PaymentID: id, Message: "approved"}, nil
}

func (g *StubGateway) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal) (*PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrPaymentFailed, err)
	}
	return &PaymentResult{Success: true, PaymentID: paymentID, Message: "refunded"}, nil
}
