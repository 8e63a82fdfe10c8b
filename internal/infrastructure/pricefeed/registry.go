package pricefeed

import (
	"sort"

	"quoterelay/internal/application/port"
	"quoterelay/internal/infrastructure/config"

	"github.com/rs/zerolog/log"
)

// Factory builds a feed source from the [feed] config section.
type Factory func(cfg config.FeedConfig) port.FeedSource

// registry maps source names to their factories
var registry = make(map[string]Factory)

// Register 注册一个 feed source factory
// 由各个 feed 包的 init() 调用来自注册
func Register(name string, factory Factory) {
	if factory == nil {
		log.Warn().Str("source", name).Msg("invalid feed source factory")
		return
	}
	if _, exists := registry[name]; exists {
		log.Warn().Str("source", name).Msg("feed source factory already registered, overwriting")
	}
	registry[name] = factory
	log.Debug().Str("source", name).Msg("feed source factory registered")
}

// Get 获取已注册的 feed source factory
func Get(name string) (Factory, bool) {
	factory, ok := registry[name]
	return factory, ok
}

// Names lists registered sources, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
