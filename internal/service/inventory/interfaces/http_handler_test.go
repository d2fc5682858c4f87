package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fulfillment/internal/service/inventory/application"
	"fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/inventory/infrastructure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	svc := application.NewInventoryService(infrastructure.NewMemoryStockStore())
	require.NoError(t, svc.CreateVariant(context.Background(), &domain.Variant{ID: "v1"}, 5))
	mux := http.NewServeMux()
	NewInventoryHandler(svc).RegisterRoutes(mux)
	return mux
}

func TestAvailabilityEndpoint(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/variants/v1/availability", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap domain.Availability
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, int64(5), snap.Available)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/variants/missing/availability", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDamageEndpointRejectsOverdraw(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inventory/variants/v1/damage", strings.NewReader(`{"quantity":2,"note":"dropped"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inventory/variants/v1/damage", strings.NewReader(`{"quantity":9}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inventory/variants/v1/adjust", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderReservationEndpoints(t *testing.T) {
	mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inventory/orders/o1/reservations",
		strings.NewReader(`{"variantId":"v1","quantity":3,"orderItemId":"i1","userId":"u1"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inventory/orders/o2/reservations",
		strings.NewReader(`{"variantId":"v1","quantity":3,"orderItemId":"i2","userId":"u1"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inventory/orders/o1/release", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var released countResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&released))
	assert.Equal(t, 1, released.Affected)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/inventory/orders/o1/commit", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
