package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/inventory/application"
	"fulfillment/internal/service/inventory/domain"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InventoryHandler 暴露库存的查询与后台写接口
type InventoryHandler struct {
	service *application.InventoryService
}

func NewInventoryHandler(service *application.InventoryService) *InventoryHandler {
	return &InventoryHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /inventory/variants/{id}/availability", h.availability)
	mux.HandleFunc("POST /inventory/variants/{id}/stock-in", h.stockIn)
	mux.HandleFunc("POST /inventory/variants/{id}/adjust", h.adjust)
	mux.HandleFunc("POST /inventory/variants/{id}/damage", h.damage)
	mux.HandleFunc("POST /inventory/variants/{id}/reconcile", h.reconcile)
	mux.HandleFunc("POST /inventory/orders/{id}/return", h.returnStock)

	// 订单服务远程调用的预占接口
	mux.HandleFunc("POST /inventory/orders/{id}/reservations", h.reserve)
	mux.HandleFunc("POST /inventory/orders/{id}/commit", h.commit)
	mux.HandleFunc("POST /inventory/orders/{id}/release", h.release)
}

type stockWriteRequest struct {
	Quantity  int64  `json:"quantity"`
	Delta     int64  `json:"delta"`
	Reference string `json:"reference"`
	Note      string `json:"note"`
	UserID    string `json:"userId"`
}

type reserveRequest struct {
	VariantID   string     `json:"variantId"`
	Quantity    int64      `json:"quantity"`
	OrderItemID string     `json:"orderItemId"`
	UserID      string     `json:"userId"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

type countResponse struct {
	Affected int `json:"affected"`
}

type returnRequest struct {
	Items []application.ReturnItem `json:"items"`
	Note  string                   `json:"note"`
}

func (h *InventoryHandler) availability(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	snap, err := h.service.GetAvailability(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *InventoryHandler) stockIn(w http.ResponseWriter, r *http.Request) {
	var req stockWriteRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	t, err := h.service.StockIn(ctx, r.PathValue("id"), req.Quantity, req.Reference, req.Note, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *InventoryHandler) adjust(w http.ResponseWriter, r *http.Request) {
	var req stockWriteRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	t, err := h.service.AdjustStock(ctx, r.PathValue("id"), req.Delta, req.Note, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *InventoryHandler) damage(w http.ResponseWriter, r *http.Request) {
	var req stockWriteRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	t, err := h.service.RecordDamage(ctx, r.PathValue("id"), req.Quantity, req.Note, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *InventoryHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	report, err := h.service.ReconcileStock(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *InventoryHandler) returnStock(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	entries, err := h.service.ReturnStockForOrder(ctx, r.PathValue("id"), req.Items, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entries)
}

func (h *InventoryHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	t, err := h.service.ReserveStock(ctx, application.ReserveRequest{
		VariantID:       req.VariantID,
		Quantity:        req.Quantity,
		OrderItemID:     req.OrderItemID,
		ReferenceNumber: domain.OrderReference(r.PathValue("id")),
		UserID:          req.UserID,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *InventoryHandler) commit(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	n, err := h.service.CommitStockForOrder(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Affected: n})
}

func (h *InventoryHandler) release(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	n, err := h.service.RollbackReservations(ctx, domain.OrderReference(r.PathValue("id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Affected: n})
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusFor 把错误类别映射为 HTTP 状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInsufficientStock), errors.Is(err, apperr.ErrDuplicate),
		errors.Is(err, apperr.ErrConcurrencyConflict), errors.Is(err, domain.ErrNoReservation):
		return http.StatusConflict
	case apperr.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Inventory request failed")
	}
	http.Error(w, strings.TrimSpace(err.Error()), status)
}
