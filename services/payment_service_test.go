package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketing/internal/status"
)

func TestStubGateway(t *testing.T) {
	g := NewStubGateway("pm_test_fail")
	ctx := context.Background()
	amount := decimal.NewFromInt(100)

	ok, err := g.ProcessPayment(ctx, "pm_ok", amount, "USD", nil)
	require.NoError(t, err)
	assert.True(t, ok.Success)
	assert.NotEmpty(t, ok.PaymentID)

	declined, err := g.ProcessPayment(ctx, "pm_test_fail", amount, "USD", nil)
	require.NoError(t, err)
	assert.False(t, declined.Success)

	refund, err := g.RefundPayment(ctx, ok.PaymentID, amount)
	require.NoError(t, err)
	assert.True(t, refund.Success)
	assert.Equal(t, ok.PaymentID, refund.PaymentID)
}

func TestHTTPGateway_ProcessPayment(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(PaymentResult{Success: true, PaymentID: "pay_123", Message: "approved"})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "secret", server.Client())
	result, err := g.ProcessPayment(context.Background(), "pm_ok", decimal.NewFromInt(75), "USD", map[string]string{"event_id": "ev1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "pay_123", result.PaymentID)
	assert.Equal(t, "/v1/payments", gotPath)
	assert.Equal(t, "pm_ok", gotBody["payment_method_id"])
}

func TestHTTPGateway_ServerErrorsWrapPaymentFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "secret", server.Client())
	_, err := g.ProcessPayment(context.Background(), "pm_ok", decimal.NewFromInt(10), "USD", nil)
	assert.ErrorIs(t, err, status.ErrPaymentFailed)
}

func TestHTTPGateway_BreakerOpensUnderSustainedFailure(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, "secret", server.Client())
	for i := 0; i < 10; i++ {
		_, err := g.ProcessPayment(context.Background(), "pm_ok", decimal.NewFromInt(10), "USD", nil)
		assert.ErrorIs(t, err, status.ErrPaymentFailed)
	}

	// The breaker is open now: further calls fail without reaching the server.
	before := requests.Load()
	_, err := g.ProcessPayment(context.Background(), "pm_ok", decimal.NewFromInt(10), "USD", nil)
	assert.ErrorIs(t, err, status.ErrPaymentFailed)
	assert.Equal(t, before, requests.Load())
}
