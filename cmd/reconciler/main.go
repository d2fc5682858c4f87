// cmd/reconciler/main.go
package main

import (
	"context"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/cache"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	invapp "fulfillment/internal/service/inventory/application"
	invinfra "fulfillment/internal/service/inventory/infrastructure"
	orderinfra "fulfillment/internal/service/order/infrastructure"
	payapp "fulfillment/internal/service/payment/application"
	payinfra "fulfillment/internal/service/payment/infrastructure"
	"fulfillment/internal/service/reconciliation"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

const (
	serviceName = "reconciler"
)

// 对账进程：库存计数器校正、待定支付核验、过期预占清理与滞留订单重投
func main() {
	cfg := bootstrap.Init()
	kcfg := cfg.Infra.Kafka

	var (
		runner  *reconciliation.Runner
		closers []func()
	)
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8084,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			log := logger.L()

			db, err := bootstrap.OpenMySQL(cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to open mysql")
			}
			rdb, err := bootstrap.OpenRedis(context.Background(), cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to connect redis")
			}
			locker, closeLocker, err := bootstrap.NewLocker(cfg, rdb)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create locker")
			}
			publisher := event.NewKafkaPublisher(mq.NewKafkaWriter(kcfg.Brokers, kcfg.EventsTopic))
			redisCache := cache.NewRedisCache(rdb.GetClient())

			inventory := invapp.NewInventoryService(
				invinfra.NewGormStockStore(db),
				invapp.WithCache(redisCache, cfg.Inventory.AvailabilityTTL),
				invapp.WithLocker(locker),
				invapp.WithPublisher(publisher),
			)
			payments := payapp.NewPaymentService(
				payinfra.NewGormRepository(db),
				payinfra.NewGatewayHTTPAdapter(httpclient.NewClient(otel.Tracer(serviceName)), cfg.Payment.GatewayURL),
				redisCache,
				publisher,
				payapp.Options{
					CallbackURL:      cfg.Payment.CallbackURL,
					GatewayTimeout:   cfg.Payment.GatewayTimeout,
					IdempotencyTTL:   cfg.Payment.IdempotencyTTL,
					TransactionTTL:   cfg.Payment.TransactionTTL,
					VerifyWaitPeriod: cfg.Payment.VerifyWaitPeriod,
				},
			)

			rc := cfg.Reconciliation
			runner = reconciliation.NewRunner(locker, rc.Interval,
				&reconciliation.StockDriftJob{Inventory: inventory, PageSize: rc.BatchSize},
				&reconciliation.PendingPaymentJob{Payments: payments, OlderThan: rc.PendingPaymentAge, Limit: rc.BatchSize},
				&reconciliation.ExpiredReservationJob{Inventory: inventory, Publisher: publisher, Limit: rc.BatchSize},
				&reconciliation.StalePendingOrderJob{
					Orders:    orderinfra.NewMysqlRepository(db),
					Publisher: publisher,
					OlderThan: rc.StalePendingOrderAge,
					Limit:     rc.BatchSize,
				},
			)

			appCtx.Mux.Handle("/metrics", promhttp.Handler())

			closers = append(closers,
				func() { _ = publisher.Close() },
				closeLocker,
				func() { _ = rdb.Close() },
				func() {
					if sqlDB, err := db.DB(); err == nil {
						_ = sqlDB.Close()
					}
				},
			)
		},
		Run: func(ctx context.Context) error {
			return runner.Run(ctx)
		},
		Cleanup: func(ctx context.Context) {
			for _, c := range closers {
				c()
			}
		},
	})
}
