package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/inventory/domain"

	"github.com/segmentio/kafka-go"
)

// LowStockAlert 发往 inventory-alerts 主题，由采购/运营侧消费
type LowStockAlert struct {
	VariantID string `json:"variantId"`
	SKU       string `json:"sku"`
	Available int64  `json:"available"`
	Threshold int64  `json:"threshold"`
	Message   string `json:"message"`
}

// AlertKafkaAdapter 实现 application.AlertNotifier
type AlertKafkaAdapter struct {
	writer *kafka.Writer
}

func NewAlertKafkaAdapter(writer *kafka.Writer) *AlertKafkaAdapter {
	return &AlertKafkaAdapter{writer: writer}
}

func (a *AlertKafkaAdapter) NotifyLowStock(ctx context.Context, v *domain.Variant) error {
	alert := LowStockAlert{
		VariantID: v.ID,
		SKU:       v.SKU,
		Available: v.AvailableStock(),
		Threshold: v.LowStockThreshold,
		Message:   fmt.Sprintf("Variant %s is running low: %d available (threshold %d).", v.SKU, v.AvailableStock(), v.LowStockThreshold),
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal low stock alert: %w", err)
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(v.ID), payload)
}

func (a *AlertKafkaAdapter) Close() error {
	return a.writer.Close()
}
