package svc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"quoterelay/internal/domain"
	"quoterelay/internal/infrastructure/config"
)

func loadTestConfig(t *testing.T, source string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	catalogPath, err := filepath.Abs("../../../configs/catalog.yaml")
	if err != nil {
		t.Fatal(err)
	}
	toml := `
[feed]
source = "` + source + `"

[storage]
driver = "sqlite"
sqlite_path = "` + filepath.ToSlash(filepath.Join(dir, "relay.db")) + `"

[auth]
subscriber_token = "s"

[catalog]
path = "` + filepath.ToSlash(catalogPath) + `"
`
	p := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(p, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(p, filepath.Join(dir, "none.env"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	cfg := loadTestConfig(t, "tradingview")
	sc, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sc.Close()

	if sc.Engine() == nil || sc.Admin() == nil {
		t.Fatal("engine or admin not wired")
	}
	st := sc.Engine().Status()
	if st.Source != "tradingview" || st.FeedConnectorState != domain.StateStopped {
		t.Fatalf("unexpected status %+v", st)
	}
	insts, err := sc.Admin().Instruments(context.Background())
	if err != nil || len(insts) == 0 {
		t.Fatalf("seed instruments = %d, %v", len(insts), err)
	}
}

func TestNewUnknownSource(t *testing.T) {
	cfg := loadTestConfig(t, "nope")
	if _, err := New(context.Background(), cfg); !errors.Is(err, ErrUnknownFeedSource) {
		t.Fatalf("expected ErrUnknownFeedSource, got %v", err)
	}
}
