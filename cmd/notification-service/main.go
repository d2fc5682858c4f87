// cmd/notification-service/main.go
package main

import (
	"context"
	"os"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/notification"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName = "notification-service"
)

// 通知推送网关：用户通过 /ws?userId= 建立连接，订单通知经 Kafka 推送到连接上
func main() {
	cfg := bootstrap.Init()
	kcfg := cfg.Infra.Kafka

	// 每个节点独立消费组，只推送本节点持有的连接
	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = uuid.NewString()[:8]
	}

	hub := notification.NewHub()
	consumer := notification.NewPushConsumer(
		mq.NewKafkaReader(kcfg.Brokers, kcfg.NotificationsTopic, serviceName+"-"+nodeID),
		kcfg.NotificationsTopic, hub)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8086,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/ws", hub.ServeWS)
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		Run: func(ctx context.Context) error {
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
		Cleanup: func(ctx context.Context) {
			consumer.Stop(ctx)
			hub.CloseAll()
		},
	})
}
