package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment/internal/pkg/apperr"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/order/domain"
)

// InventoryHTTPAdapter 实现了 port.InventoryService 接口，调用 inventory-service 的订单接口。
type InventoryHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

// NewInventoryHTTPAdapter 创建一个新的库存服务适配器。
func NewInventoryHTTPAdapter(client *httpclient.Client, baseURL string) *InventoryHTTPAdapter {
	return &InventoryHTTPAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type reserveBody struct {
	VariantID   string     `json:"variantId"`
	Quantity    int64      `json:"quantity"`
	OrderItemID string     `json:"orderItemId"`
	UserID      string     `json:"userId"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

func (a *InventoryHTTPAdapter) ReserveItem(ctx context.Context, orderID, userID string, item domain.Item, expiresAt time.Time) error {
	err := a.client.PostJSON(ctx, a.orderURL(orderID, "reservations"), reserveBody{
		VariantID:   item.VariantID,
		Quantity:    item.Quantity,
		OrderItemID: item.ID,
		UserID:      userID,
		ExpiresAt:   &expiresAt,
	}, nil)
	return classifyInventory(err)
}

func (a *InventoryHTTPAdapter) CommitOrder(ctx context.Context, orderID string) error {
	return classifyInventory(a.client.PostJSON(ctx, a.orderURL(orderID, "commit"), struct{}{}, nil))
}

// ReleaseOrder 实现了释放库存的补偿逻辑。
func (a *InventoryHTTPAdapter) ReleaseOrder(ctx context.Context, orderID string) error {
	return classifyInventory(a.client.PostJSON(ctx, a.orderURL(orderID, "release"), struct{}{}, nil))
}

func (a *InventoryHTTPAdapter) orderURL(orderID, action string) string {
	return fmt.Sprintf("%s/inventory/orders/%s/%s", a.baseURL, url.PathEscape(orderID), action)
}

// classifyInventory 把远端状态码还原为错误类别
func classifyInventory(err error) error {
	if err == nil {
		return nil
	}
	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: inventory service: %w", apperr.ErrTransient, err)
	}
	switch {
	case se.StatusCode == http.StatusConflict && strings.Contains(se.Body, "insufficient"):
		return fmt.Errorf("%w: %s", apperr.ErrInsufficientStock, se.Body)
	case se.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", apperr.ErrConcurrencyConflict, se.Body)
	case se.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", apperr.ErrValidation, se.Body)
	case se.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, se.Body)
	case se.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", apperr.ErrTransient, err)
	}
	return err
}
