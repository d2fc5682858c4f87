package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

const serviceName = "order-service"

// OrderHandler 封装了订单服务的 HTTP 处理器
type OrderHandler struct {
	service *application.OrderApplicationService
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例
func NewOrderHandler(service *application.OrderApplicationService) *OrderHandler {
	return &OrderHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /orders", h.createOrderHandler)
	mux.HandleFunc("GET /orders/{id}", h.getOrderHandler)
	mux.HandleFunc("POST /orders/{id}/cancel", h.cancelOrderHandler)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(serviceName).Start(ctx, "api.CreateOrder")
	defer span.End()

	var req application.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	// 允许通过请求头传幂等键
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	span.SetAttributes(attribute.String("user.id", req.UserID), attribute.Int("items", len(req.Items)))

	resp, err := h.service.CreateOrder(ctx, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if resp.Status == domain.StatusCancelled {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func (h *OrderHandler) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	resp, err := h.service.GetOrder(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) cancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	resp, err := h.service.CancelOrder(ctx, r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
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
	case errors.Is(err, apperr.ErrDuplicate), errors.Is(err, domain.ErrAlreadyPaid),
		errors.Is(err, apperr.ErrConcurrencyConflict):
		status = http.StatusConflict
	case apperr.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Order request failed")
	}
	http.Error(w, err.Error(), status)
}
