package tradingview

import (
	"quoterelay/internal/application/port"
	"quoterelay/internal/infrastructure/config"
	"quoterelay/internal/infrastructure/pricefeed"
)

func init() {
	pricefeed.Register(Name, func(cfg config.FeedConfig) port.FeedSource {
		return NewSource(OptionsFromConfig(cfg))
	})
}
