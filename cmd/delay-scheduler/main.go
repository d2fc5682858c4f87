// cmd/delay-scheduler/main.go
package main

import (
	"context"
	"sync"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/mq"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
)

const (
	serviceName = "delay-scheduler"
)

// 延迟调度器：消费延迟主题，到期后把消息转发到 real-topic 头指定的业务主题。
func main() {
	cfg := bootstrap.Init()
	kcfg := cfg.Infra.Kafka

	reader := mq.NewKafkaReader(kcfg.Brokers, kcfg.DelayTopic, serviceName+"-group")

	var (
		mu      sync.Mutex
		writers []*kafka.Writer
	)
	relay := mq.NewDelayRelay(reader, func(topic string) mq.MessageWriter {
		w := mq.NewKafkaWriter(kcfg.Brokers, topic)
		mu.Lock()
		writers = append(writers, w)
		mu.Unlock()
		return w
	})

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8085,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		Run: relay.Run,
		Cleanup: func(ctx context.Context) {
			_ = reader.Close()
			mu.Lock()
			defer mu.Unlock()
			for _, w := range writers {
				_ = w.Close()
			}
		},
	})
}
