// cmd/order-service/main.go
package main

import (
	"context"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/cache"
	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/lock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/redis"
	invapp "fulfillment/internal/service/inventory/application"
	invinfra "fulfillment/internal/service/inventory/infrastructure"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/application/saga"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/infrastructure/adapter"
	"fulfillment/internal/service/order/interfaces"
	"fulfillment/internal/service/order/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	serviceName          = "order-service"
	inventoryServiceName = "inventory-service"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg := bootstrap.Init()
	kcfg := cfg.Infra.Kafka
	memoryBus := cfg.Order.EventBus == "memory"

	var (
		closers    []func()
		dispatcher *saga.Dispatcher
		consumer   *interfaces.SagaConsumerAdapter
		dlt        *interfaces.DltConsumerAdapter
		bus        *event.ChannelBus
		timer      *adapter.SchedulerTimerAdapter
	)
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8081,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			log := logger.L()
			tracer := otel.Tracer(serviceName)

			db, err := bootstrap.OpenMySQL(cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to open mysql")
			}
			if cfg.Infra.MySQL.AutoMigrate {
				if err := infrastructure.Migrate(db); err != nil {
					log.Fatal().Err(err).Msg("failed to migrate order schema")
				}
			}
			rdb, err := bootstrap.OpenRedis(context.Background(), cfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to connect redis")
			}
			locker, closeLocker, err := bootstrap.NewLocker(cfg, rdb)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to create locker")
			}
			closers = append(closers, closeLocker, func() { _ = rdb.Close() })

			// 1. 事件总线：多实例部署走 Kafka，单机可用进程内总线
			var publisher event.Publisher
			if memoryBus {
				bus = event.NewChannelBus(256)
				publisher = bus
			} else {
				kp := event.NewKafkaPublisher(mq.NewKafkaWriter(kcfg.Brokers, kcfg.EventsTopic))
				publisher = kp
				closers = append(closers, func() { _ = kp.Close() })
			}

			// 2. 出站适配器
			inventory := newInventoryPort(appCtx, db, rdb, locker, publisher, tracer)

			var scheduler port.DelayScheduler
			if cfg.Order.ExpiryScheduler == "timer" || memoryBus {
				timer = adapter.NewSchedulerTimerAdapter(publisher)
				scheduler = timer
			} else {
				delayWriter := mq.NewKafkaWriter(kcfg.Brokers, kcfg.DelayTopic)
				scheduler = adapter.NewSchedulerKafkaAdapter(delayWriter, kcfg.EventsTopic)
				closers = append(closers, func() { _ = delayWriter.Close() })
			}

			var notifier port.NotificationProducer = adapter.LogNotifier{}
			if kcfg.NotificationsTopic != "" && !memoryBus {
				nw := mq.NewKafkaWriter(kcfg.Brokers, kcfg.NotificationsTopic)
				notifier = adapter.NewNotificationKafkaAdapter(nw)
				closers = append(closers, func() { _ = nw.Close() })
			}

			// 3. saga 与分发器
			repo := infrastructure.NewMysqlRepository(db)
			machine := saga.NewSaga(saga.Deps{
				Repo:      repo,
				Inventory: inventory,
				Scheduler: scheduler,
				Notifier:  notifier,
				Locker:    locker,
				Inbox:     infrastructure.NewMysqlInbox(db),
			}, saga.WithProcessingTimeout(cfg.Order.ProcessingTimeout))
			dispatcher = saga.NewDispatcher(machine, cfg.Order.SagaWorkers)

			// 4. 驱动适配器
			if memoryBus {
				bus.Subscribe(dispatcher, event.PaymentSucceeded, event.PaymentFailed, event.OrderCancelled, event.OrderExpired)
			} else {
				dltWriter := mq.NewKafkaWriter(kcfg.Brokers, kcfg.DeadLetterTopic)
				consumer = interfaces.NewSagaConsumerAdapter(
					mq.NewKafkaReader(kcfg.Brokers, kcfg.EventsTopic, kcfg.ConsumerGroup),
					kcfg.EventsTopic, dispatcher, mq.NewFailureHandler(dltWriter))
				consumer.SetConcurrency(cfg.Order.SagaWorkers)
				dlt = interfaces.NewDltConsumerAdapter(
					mq.NewKafkaReader(kcfg.Brokers, kcfg.DeadLetterTopic, kcfg.ConsumerGroup+"-dlt"),
					kcfg.DeadLetterTopic)
				closers = append(closers, func() { _ = dltWriter.Close() })
			}

			orderService := application.NewOrderApplicationService(repo, machine, tracer, cfg.Order.PaymentWindow)
			interfaces.NewOrderHandler(orderService).RegisterRoutes(appCtx.Mux)

			closers = append(closers, func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			})
		},
		Run: func(ctx context.Context) error {
			if consumer == nil {
				<-ctx.Done()
				return nil
			}
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			if err := dlt.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
		Cleanup: func(ctx context.Context) {
			// 先停事件来源，再等分发器排空，最后关闭连接
			if consumer != nil {
				consumer.Stop(ctx)
				dlt.Stop(ctx)
			}
			if timer != nil {
				timer.Stop()
			}
			if bus != nil {
				bus.Close()
			}
			if dispatcher != nil {
				dispatcher.Stop()
			}
			for _, c := range closers {
				c()
			}
		},
	})
}

// newInventoryPort 选择库存适配器：显式地址 > 服务发现 > 进程内直连库存存储
func newInventoryPort(appCtx bootstrap.AppCtx, db *gorm.DB, rdb *redis.Client, locker lock.Locker, publisher event.Publisher, tracer trace.Tracer) port.InventoryService {
	cfg := appCtx.Config
	log := logger.L()

	baseURL := cfg.Order.InventoryURL
	if baseURL == "" && appCtx.Nacos != nil {
		url, err := appCtx.Nacos.DiscoverServiceURL(inventoryServiceName)
		if err != nil {
			log.Warn().Err(err).Msg("Inventory discovery failed, using local inventory store")
		}
		baseURL = url
	}
	if baseURL != "" {
		log.Info().Str("url", baseURL).Msg("Using remote inventory service")
		return adapter.NewInventoryHTTPAdapter(httpclient.NewClient(tracer), baseURL)
	}

	if cfg.Infra.MySQL.AutoMigrate {
		if err := invinfra.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate inventory schema")
		}
	}
	svc := invapp.NewInventoryService(
		invinfra.NewGormStockStore(db),
		invapp.WithCache(cache.NewRedisCache(rdb.GetClient()), cfg.Inventory.AvailabilityTTL),
		invapp.WithLocker(locker),
		invapp.WithPublisher(publisher),
	)
	return adapter.NewInventoryLocalAdapter(svc)
}
