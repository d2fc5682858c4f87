// cmd/inventory-service/main.go
package main

import (
	"context"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/cache"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/inventory/application"
	"fulfillment/internal/service/inventory/infrastructure"
	"fulfillment/internal/service/inventory/infrastructure/rule"
	"fulfillment/internal/service/inventory/interfaces"
)

const (
	serviceName = "inventory-service"
)

// main 是组装根：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg := bootstrap.Init()

	var closers []func()
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8082,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			log := logger.L()
			ctx := context.Background()

			db, err := bootstrap.OpenMySQL(cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to open mysql")
			}
			if cfg.Infra.MySQL.AutoMigrate {
				if err := infrastructure.Migrate(db); err != nil {
					log.Fatal().Err(err).Msg("failed to migrate inventory schema")
				}
			}
			rdb, err := bootstrap.OpenRedis(ctx, cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to connect redis")
			}
			locker, closeLocker, err := bootstrap.NewLocker(cfg, rdb)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create locker")
			}

			lowStock, err := rule.NewLowStockRule(cfg.Inventory.LowStockRule)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid low stock rule")
			}
			bootstrap.OnConfigChange(func(updated *bootstrap.Config) {
				expr := updated.Inventory.LowStockRule
				if expr == "" || expr == lowStock.String() {
					return
				}
				if err := lowStock.Reload(expr); err != nil {
					log.Error().Err(err).Str("rule", expr).Msg("Rejected low stock rule from config, keeping current rule")
					return
				}
				log.Info().Str("rule", expr).Msg("Low stock rule reloaded")
			})
			publisher := event.NewKafkaPublisher(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.EventsTopic))
			alerts := infrastructure.NewAlertKafkaAdapter(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.AlertsTopic))

			svc := application.NewInventoryService(
				infrastructure.NewGormStockStore(db),
				application.WithCache(cache.NewRedisCache(rdb.GetClient()), cfg.Inventory.AvailabilityTTL),
				application.WithLocker(locker),
				application.WithPublisher(publisher),
				application.WithLowStockAlerts(lowStock, alerts),
			)

			interfaces.NewInventoryHandler(svc).RegisterRoutes(appCtx.Mux)

			closers = append(closers,
				func() { _ = publisher.Close() },
				func() { _ = alerts.Close() },
				closeLocker,
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
