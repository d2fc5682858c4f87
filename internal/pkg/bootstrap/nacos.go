// internal/pkg/bootstrap/nacos.go
package bootstrap

import (
	"fmt"
	"strconv"
	"strings"

	"fulfillment/internal/pkg/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

var nacosConfigClient config_client.IConfigClient

func createNacosServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		parts := strings.Split(strings.TrimSpace(addr), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	return serverConfigs, nil
}

func createNacosClientConfig(namespace string) constant.ClientConfig {
	return *constant.NewClientConfig(
		constant.WithNamespaceId(namespace),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
	)
}

// loadRemoteConfig 从 Nacos 拉取配置并监听变更，变更后整体替换当前配置。
func loadRemoteConfig(local *Config) (*Config, error) {
	nc := local.Infra.Nacos
	serverConfigs, err := createNacosServerConfigs(nc.ServerAddrs)
	if err != nil {
		return nil, err
	}
	clientConfig := createNacosClientConfig(nc.Namespace)

	client, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos config client: %w", err)
	}
	nacosConfigClient = client

	content, err := client.GetConfig(vo.ConfigParam{DataId: nc.DataID, Group: nc.Group})
	if err != nil {
		return nil, fmt.Errorf("failed to get config %s from nacos: %w", nc.DataID, err)
	}
	merged, err := mergeYAML(local, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse nacos config %s: %w", nc.DataID, err)
	}

	err = client.ListenConfig(vo.ConfigParam{
		DataId: nc.DataID,
		Group:  nc.Group,
		OnChange: func(namespace, group, dataId, data string) {
			updated, err := mergeYAML(local, data)
			if err != nil {
				logger.L().Error().Err(err).Str("dataId", dataId).Msg("Ignoring invalid config pushed by nacos")
				return
			}
			setCurrentConfig(updated)
			logger.L().Info().Str("dataId", dataId).Str("group", group).Msg("Config reloaded from nacos")
		},
	})
	if err != nil {
		logger.L().Warn().Err(err).Msg("Failed to listen nacos config changes, hot reload disabled")
	}
	return merged, nil
}
