package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/payment/application"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// PaymentHandler 暴露发起支付与网关回调
type PaymentHandler struct {
	service *application.PaymentService
}

func NewPaymentHandler(service *application.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: service}
}

func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /payments", h.initiate)
	mux.HandleFunc("/payments/callback", h.callback)
}

func (h *PaymentHandler) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req application.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.service.Initiate(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Retryable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// callback 网关回跳时携带 Authority 参数
func (h *PaymentHandler) callback(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	authority := r.URL.Query().Get("Authority")
	if authority == "" {
		authority = r.URL.Query().Get("authority")
	}
	res, err := h.service.Verify(ctx, authority)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case apperr.IsRetryable(err):
		status = http.StatusServiceUnavailable
	default:
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Payment request failed")
	}
	http.Error(w, err.Error(), status)
}
