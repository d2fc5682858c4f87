// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是所有服务共享的配置结构，对应 configs/config.yaml。
type Config struct {
	App            AppConfig            `yaml:"app"`
	Infra          InfraConfig          `yaml:"infra"`
	Lock           LockConfig           `yaml:"lock"`
	Inventory      InventoryConfig      `yaml:"inventory"`
	Order          OrderConfig          `yaml:"order"`
	Payment        PaymentConfig        `yaml:"payment"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"logLevel"`
}

type InfraConfig struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	EventsTopic        string   `yaml:"eventsTopic"`
	DeadLetterTopic    string   `yaml:"deadLetterTopic"`
	DelayTopic         string   `yaml:"delayTopic"`
	AlertsTopic        string   `yaml:"alertsTopic"`
	NotificationsTopic string   `yaml:"notificationsTopic"`
	ConsumerGroup      string   `yaml:"consumerGroup"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
	// SampleRatio 根 span 采样率，默认全量
	SampleRatio float64 `yaml:"sampleRatio"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"serverAddrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	DataID      string `yaml:"dataId"`
}

// LockConfig 分布式锁配置，Backend 取值 redis / zookeeper / none
type LockConfig struct {
	Backend     string        `yaml:"backend"`
	TTL         time.Duration `yaml:"ttl"`
	Retries     int           `yaml:"retries"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
}

type InventoryConfig struct {
	AvailabilityTTL time.Duration `yaml:"availabilityTTL"`
	LowStockRule    string        `yaml:"lowStockRule"`
}

type OrderConfig struct {
	PaymentWindow     time.Duration `yaml:"paymentWindow"`
	ProcessingTimeout time.Duration `yaml:"processingTimeout"`
	SagaWorkers       int           `yaml:"sagaWorkers"`
	// InventoryURL 为空时进程内直连库存存储，否则通过 HTTP 调用库存服务
	InventoryURL string `yaml:"inventoryURL"`
	// ExpiryScheduler 取值 kafka / timer
	ExpiryScheduler string `yaml:"expiryScheduler"`
	// EventBus 取值 kafka / memory，memory 只用于单机部署
	EventBus string `yaml:"eventBus"`
}

type PaymentConfig struct {
	GatewayURL       string        `yaml:"gatewayURL"`
	CallbackURL      string        `yaml:"callbackURL"`
	GatewayTimeout   time.Duration `yaml:"gatewayTimeout"`
	IdempotencyTTL   time.Duration `yaml:"idempotencyTTL"`
	TransactionTTL   time.Duration `yaml:"transactionTTL"`
	VerifyWaitPeriod time.Duration `yaml:"verifyWaitPeriod"`
}

type ReconciliationConfig struct {
	Interval          time.Duration `yaml:"interval"`
	PendingPaymentAge time.Duration `yaml:"pendingPaymentAge"`
	// StalePendingOrderAge 超过该时长仍为 Pending 的订单重新投递 OrderCreated
	StalePendingOrderAge time.Duration `yaml:"stalePendingOrderAge"`
	BatchSize            int           `yaml:"batchSize"`
}

var (
	current atomic.Pointer[Config]

	watchersMu sync.Mutex
	watchers   []func(*Config)
)

// DefaultConfig 返回本地开发可直接使用的默认配置。
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Env: "dev", LogLevel: "info"},
		Infra: InfraConfig{
			MySQL: MySQLConfig{
				DSN:             "root:root@tcp(localhost:3306)/fulfillment?charset=utf8mb4&parseTime=true&loc=UTC",
				MaxOpenConns:    50,
				MaxIdleConns:    10,
				ConnMaxLifetime: time.Hour,
				AutoMigrate:     true,
			},
			Redis: RedisConfig{Addr: "localhost:6379"},
			Kafka: KafkaConfig{
				Brokers:            []string{"localhost:9092"},
				EventsTopic:        "fulfillment-events",
				DeadLetterTopic:    "fulfillment-events-dlt",
				DelayTopic:         "delay_topic_15m",
				AlertsTopic:        "inventory-alerts",
				NotificationsTopic: "notifications",
				ConsumerGroup:      "order-saga-group",
			},
			Jaeger:    JaegerConfig{Endpoint: "http://localhost:14268/api/traces", SampleRatio: 1},
			Zookeeper: ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second},
			Nacos:     NacosConfig{ServerAddrs: "localhost:8848", Group: "DEFAULT_GROUP", DataID: "fulfillment.yaml"},
		},
		Lock: LockConfig{Backend: "redis", TTL: 30 * time.Second, Retries: 5, BaseBackoff: 200 * time.Millisecond},
		Inventory: InventoryConfig{
			AvailabilityTTL: 30 * time.Second,
			LowStockRule:    "!unlimited && available <= threshold",
		},
		Order: OrderConfig{PaymentWindow: 15 * time.Minute, ProcessingTimeout: 30 * time.Second, SagaWorkers: 16, ExpiryScheduler: "kafka", EventBus: "kafka"},
		Payment: PaymentConfig{
			GatewayURL:       "http://localhost:8090",
			CallbackURL:      "http://localhost:8083/payments/callback",
			GatewayTimeout:   10 * time.Second,
			IdempotencyTTL:   24 * time.Hour,
			TransactionTTL:   20 * time.Minute,
			VerifyWaitPeriod: 15 * time.Second,
		},
		Reconciliation: ReconciliationConfig{Interval: 5 * time.Minute, PendingPaymentAge: 12 * time.Hour, StalePendingOrderAge: 5 * time.Minute, BatchSize: 500},
	}
}

// GetCurrentConfig 返回当前生效的配置；Init 之前调用得到默认配置。
func GetCurrentConfig() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	return DefaultConfig()
}

// OnConfigChange 注册配置变更回调，Nacos 推送的新配置生效后按注册顺序调用
func OnConfigChange(fn func(*Config)) {
	watchersMu.Lock()
	defer watchersMu.Unlock()
	watchers = append(watchers, fn)
}

func setCurrentConfig(c *Config) {
	current.Store(c)
	watchersMu.Lock()
	fns := make([]func(*Config), len(watchers))
	copy(fns, watchers)
	watchersMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// LoadConfig 从 yaml 文件加载配置并叠加环境变量；文件不存在时使用默认值。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// mergeYAML 把远程（Nacos）下发的 yaml 覆盖到一份配置拷贝上
func mergeYAML(base *Config, content string) (*Config, error) {
	merged := *base
	if err := yaml.Unmarshal([]byte(content), &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func applyEnv(cfg *Config) {
	cfg.Infra.MySQL.DSN = getEnv("MYSQL_DSN", cfg.Infra.MySQL.DSN)
	cfg.Infra.Redis.Addr = getEnv("REDIS_ADDR", cfg.Infra.Redis.Addr)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if zk := getEnv("ZOOKEEPER_SERVERS", ""); zk != "" {
		cfg.Infra.Zookeeper.Servers = strings.Split(zk, ",")
	}
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	if getEnv("NACOS_ENABLED", "") == "true" {
		cfg.Infra.Nacos.Enabled = true
	}
	cfg.Lock.Backend = getEnv("LOCK_BACKEND", cfg.Lock.Backend)
	cfg.Payment.GatewayURL = getEnv("PAYMENT_GATEWAY_URL", cfg.Payment.GatewayURL)
	cfg.Order.InventoryURL = getEnv("INVENTORY_URL", cfg.Order.InventoryURL)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
}
