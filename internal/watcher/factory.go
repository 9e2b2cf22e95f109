package watcher

import (
	"fmt"

	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/interfaces"
)

// Strategy completion detection strategy
type Strategy string

const (
	StrategyPush Strategy = config.StrategyPush // notification channel
	StrategyPoll Strategy = config.StrategyPoll // history lookups
)

// Factory watcher factory
type Factory struct{}

// NewFactory creates factory instance
func NewFactory() *Factory {
	return &Factory{}
}

// CreateWatcher creates the configured watcher for one session
func (f *Factory) CreateWatcher(cfg config.WatchConfig, client interfaces.EngineClient, clientID string) (interfaces.Watcher, error) {
	switch Strategy(cfg.Strategy) {
	case StrategyPush:
		return NewPushWatcher(client.WebSocketURL(clientID), client, cfg), nil
	case StrategyPoll:
		return NewPollWatcher(client, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported watch strategy: %s", cfg.Strategy)
	}
}

// GetSupportedTypes gets supported strategies
func (f *Factory) GetSupportedTypes() []string {
	return []string{
		string(StrategyPush),
		string(StrategyPoll),
	}
}

// ValidateStrategy validates if a strategy is supported
func (f *Factory) ValidateStrategy(strategy string) bool {
	for _, t := range f.GetSupportedTypes() {
		if t == strategy {
			return true
		}
	}
	return false
}
