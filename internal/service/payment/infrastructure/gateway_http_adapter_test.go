package infrastructure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/httpclient"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestGatewayHTTPAdapter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /request", func(w http.ResponseWriter, r *http.Request) {
		var body requestPaymentBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "120.50", body.Amount)
		json.NewEncoder(w).Encode(requestPaymentResponse{Authority: "A-1", PaymentURL: "https://pay.example/A-1"})
	})
	mux.HandleFunc("POST /verify", func(w http.ResponseWriter, r *http.Request) {
		var body verifyPaymentBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Authority == "broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(verifyPaymentResponse{IsVerified: true, RefID: "R-9", CardPan: "6037****1234", Fee: decimal.NewFromInt(1)})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gw := NewGatewayHTTPAdapter(httpclient.NewClient(otel.Tracer("test")), srv.URL+"/")
	ctx := context.Background()

	pr, err := gw.RequestPayment(ctx, decimal.RequireFromString("120.5"), "order o1", "https://shop.example/cb")
	require.NoError(t, err)
	assert.Equal(t, "A-1", pr.Authority)

	v, err := gw.VerifyPayment(ctx, "A-1", decimal.RequireFromString("120.5"))
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.Equal(t, "R-9", v.RefID)
	assert.True(t, v.Fee.Equal(decimal.NewFromInt(1)))

	_, err = gw.VerifyPayment(ctx, "broken", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, apperr.ErrTransient)
}
