package client

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

var customClientCreators = make(map[string]func(config *types.ClientConfig) (types.ClientManager, error))

// RegisterClient makes a custom fetcher selectable by name through
// NewManager.
func RegisterClient(name string, creator func(config *types.ClientConfig) (types.ClientManager, error)) {
	customClientCreators[name] = creator
}

// NewManager builds the upstream fetcher from the client section. An empty
// or "fasthttp" type selects HTTPClient.
func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.ClientManager, error) {
	clientConfig := config.GetConfig().Client
	if clientConfig == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "client section missing")
	}

	switch clientConfig.Type {
	case "", "fasthttp":
		return NewHTTPClient(ctx, clientConfig, logger, metrics), nil
	default:
		creator, exists := customClientCreators[clientConfig.Type]
		if !exists {
			return nil, types.Errorf(types.ErrConfigValidateFailed, "unknown client type: %s", clientConfig.Type)
		}
		return creator(clientConfig)
	}
}
