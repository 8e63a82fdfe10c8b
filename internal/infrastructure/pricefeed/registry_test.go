package pricefeed

import (
	"context"
	"testing"

	"quoterelay/internal/application/port"
	"quoterelay/internal/infrastructure/config"
)

type stubSource struct{ url string }

func (s stubSource) Name() string { return "stub" }
func (s stubSource) Connect(context.Context, func([]byte)) (port.FeedSession, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	Register("stub", func(cfg config.FeedConfig) port.FeedSource { return stubSource{url: cfg.WsURL} })
	Register("nil", nil)

	f, ok := Get("stub")
	if !ok {
		t.Fatal("stub not registered")
	}
	src := f(config.FeedConfig{WsURL: "wss://example"})
	if src.(stubSource).url != "wss://example" {
		t.Errorf("factory did not receive config")
	}
	if _, ok := Get("nil"); ok {
		t.Error("nil factory should be rejected")
	}
	found := false
	for _, n := range Names() {
		if n == "stub" {
			found = true
		}
	}
	if !found {
		t.Errorf("Names() = %v", Names())
	}
}
