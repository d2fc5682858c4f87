// cmd/payment-service/main.go
package main

import (
	"context"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/cache"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/payment/application"
	"fulfillment/internal/service/payment/infrastructure"
	"fulfillment/internal/service/payment/interfaces"

	"go.opentelemetry.io/otel"
)

const (
	serviceName        = "payment-service"
	gatewayServiceName = "payment-gateway"
)

func main() {
	cfg := bootstrap.Init()

	var closers []func()
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8083,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			log := logger.L()

			db, err := bootstrap.OpenMySQL(cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to open mysql")
			}
			if cfg.Infra.MySQL.AutoMigrate {
				if err := infrastructure.Migrate(db); err != nil {
					log.Fatal().Err(err).Msg("failed to migrate payment schema")
				}
			}
			rdb, err := bootstrap.OpenRedis(context.Background(), cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to connect redis")
			}

			// 网关地址优先走服务发现，失败时使用静态配置
			gatewayURL := cfg.Payment.GatewayURL
			if appCtx.Nacos != nil {
				if url, err := appCtx.Nacos.DiscoverServiceURL(gatewayServiceName); err == nil {
					gatewayURL = url
				} else {
					log.Warn().Err(err).Str("fallback", gatewayURL).Msg("Gateway discovery failed")
				}
			}
			gateway := infrastructure.NewGatewayHTTPAdapter(httpclient.NewClient(otel.Tracer(serviceName)), gatewayURL)

			publisher := event.NewKafkaPublisher(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.EventsTopic))
			svc := application.NewPaymentService(
				infrastructure.NewGormRepository(db),
				gateway,
				cache.NewRedisCache(rdb.GetClient()),
				publisher,
				application.Options{
					CallbackURL:      cfg.Payment.CallbackURL,
					GatewayTimeout:   cfg.Payment.GatewayTimeout,
					IdempotencyTTL:   cfg.Payment.IdempotencyTTL,
					TransactionTTL:   cfg.Payment.TransactionTTL,
					VerifyWaitPeriod: cfg.Payment.VerifyWaitPeriod,
				},
			)
			interfaces.NewPaymentHandler(svc).RegisterRoutes(appCtx.Mux)

			closers = append(closers,
				func() { _ = publisher.Close() },
				func() { _ = rdb.Close() },
				func() {
					if sqlDB, err := db.DB(); err == nil {
						_ = sqlDB.Close()
					}
				},
			)
		},
		Cleanup: func(ctx context.Context) {
			for _, c := range closers {
				c()
			}
		},
	})
}
