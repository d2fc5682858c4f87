// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/nacos"
	"fulfillment/internal/pkg/tracing"

	"golang.org/x/sync/errgroup"
)

type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client
	Config *Config
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx)
	// Run 是服务的后台任务（消费者、定时任务），ctx 在收到退出信号时取消
	Run func(ctx context.Context) error
	// Cleanup 在 HTTP 服务关闭后执行，用于关闭数据库、Redis、Kafka 连接
	Cleanup func(ctx context.Context)
}

// Init 加载配置（本地文件 + 环境变量 + 可选 Nacos），并初始化日志。
func Init() *Config {
	cfg, err := LoadConfig(getEnv("CONFIG_FILE", "configs/config.yaml"))
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Infra.Nacos.Enabled {
		remote, err := loadRemoteConfig(cfg)
		if err != nil {
			logger.L().Warn().Err(err).Msg("Falling back to local config")
		} else {
			cfg = remote
		}
	}
	setCurrentConfig(cfg)
	return cfg
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()
	logger.Init(info.ServiceName, cfg.App.LogLevel)
	log := logger.L()

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	var namingClient *nacos.Client
	var ip string
	if cfg.Infra.Nacos.Enabled {
		serverConfigs, err := createNacosServerConfigs(cfg.Infra.Nacos.ServerAddrs)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid Nacos server address format")
		}
		clientConfig := createNacosClientConfig(cfg.Infra.Nacos.Namespace)
		namingClient, err = nacos.NewNacosClientWithConfigs(serverConfigs, &clientConfig, cfg.Infra.Nacos.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		if ip, err = getOutboundIP(); err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: namingClient, Config: cfg})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if info.Run != nil {
		g.Go(func() error { return info.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msgf("Shutting down service %s...", info.ServiceName)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 关停顺序：注销 -> HTTP -> 资源 -> tracer
		if namingClient != nil {
			if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
				log.Error().Err(err).Msg("Error deregistering from Nacos")
			}
		}
		if nacosConfigClient != nil {
			nacosConfigClient.CloseClient()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down http server")
		}
		if info.Cleanup != nil {
			info.Cleanup(shutdownCtx)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down tracer provider")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msgf("Service %s stopped with error", info.ServiceName)
		return
	}
	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
