package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment override, e.g. QR_AUTH_ADMIN_TOKEN.
const EnvPrefix = "QR_"

type Config struct {
	App      AppConfig      `toml:"app" envPrefix:"APP_"`
	Feed     FeedConfig     `toml:"feed" envPrefix:"FEED_"`
	Resolver ResolverConfig `toml:"resolver" envPrefix:"RESOLVER_"`
	Relay    RelayConfig    `toml:"relay" envPrefix:"RELAY_"`
	Storage  StorageConfig  `toml:"storage" envPrefix:"STORAGE_"`
	Redis    RedisConfig    `toml:"redis" envPrefix:"REDIS_"`
	Kafka    KafkaConfig    `toml:"kafka" envPrefix:"KAFKA_"`
	Auth     AuthConfig     `toml:"auth" envPrefix:"AUTH_"`
	Catalog  CatalogConfig  `toml:"catalog" envPrefix:"CATALOG_"`
}

type AppConfig struct {
	Listen         string `toml:"listen" env:"LISTEN"`
	CORSOrigin     string `toml:"cors_origin" env:"CORS_ORIGIN"`
	StatusEveryMin int    `toml:"status_every_min" env:"STATUS_EVERY_MIN"`
	LogLevel       string `toml:"log_level" env:"LOG_LEVEL"`
	LogPretty      bool   `toml:"log_pretty" env:"LOG_PRETTY"`
}

type FeedConfig struct {
	Source    string `toml:"source" env:"SOURCE"`
	WsURL     string `toml:"ws_url" env:"WS_URL"`
	AuthURL   string `toml:"auth_url" env:"AUTH_URL"`
	SearchURL string `toml:"search_url" env:"SEARCH_URL"`
	Origin    string `toml:"origin" env:"ORIGIN"`
	UserAgent string `toml:"user_agent" env:"USER_AGENT"`

	// Cookies is the raw "k=v; k2=v2" session cookie header.
	Cookies string `toml:"cookies" env:"COOKIES"`

	// AuthToken skips the token endpoint when set.
	AuthToken string `toml:"auth_token" env:"AUTH_TOKEN"`

	BatchSize         int           `toml:"batch_size" env:"BATCH_SIZE"`
	BatchDelay        time.Duration `toml:"batch_delay" env:"BATCH_DELAY"`
	ConnectBackoff    time.Duration `toml:"connect_backoff" env:"CONNECT_BACKOFF"`
	DialTimeout       time.Duration `toml:"dial_timeout" env:"DIAL_TIMEOUT"`
	WatchdogThreshold time.Duration `toml:"watchdog_threshold" env:"WATCHDOG_THRESHOLD"`
	WatchdogInterval  time.Duration `toml:"watchdog_interval" env:"WATCHDOG_INTERVAL"`
	KeepAlive         time.Duration `toml:"keepalive" env:"KEEPALIVE"`
}

type ResolverConfig struct {
	MinScore      int           `toml:"min_score" env:"MIN_SCORE"`
	NegativeTTL   time.Duration `toml:"negative_ttl" env:"NEGATIVE_TTL"`
	DefaultGuess  *bool         `toml:"default_guess" env:"DEFAULT_GUESS"`
	SearchTimeout time.Duration `toml:"search_timeout" env:"SEARCH_TIMEOUT"`
	SearchLang    string        `toml:"search_lang" env:"SEARCH_LANG"`
	SearchCountry string        `toml:"search_country" env:"SEARCH_COUNTRY"`
}

// DefaultGuessEnabled reports whether the namespace guess is the last resort.
func (r ResolverConfig) DefaultGuessEnabled() bool {
	return r.DefaultGuess == nil || *r.DefaultGuess
}

type RelayConfig struct {
	DelayQueue       int `toml:"delay_queue" env:"DELAY_QUEUE"`
	SubscriberBuffer int `toml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	MirrorQueue      int `toml:"mirror_queue" env:"MIRROR_QUEUE"`
}

type StorageConfig struct {
	Driver      string `toml:"driver" env:"DRIVER"`
	SQLitePath  string `toml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `toml:"postgres_dsn" env:"POSTGRES_DSN"`
}

type RedisConfig struct {
	Enabled    bool   `toml:"enabled" env:"ENABLED"`
	Addr       string `toml:"addr" env:"ADDR"`
	Password   string `toml:"password" env:"PASSWORD"`
	DB         int    `toml:"db" env:"DB"`
	Prefix     string `toml:"prefix" env:"PREFIX"`
	TTLSeconds int    `toml:"ttl_seconds" env:"TTL_SECONDS"`
	Channel    string `toml:"channel" env:"CHANNEL"`
}

type KafkaConfig struct {
	Enabled     bool     `toml:"enabled" env:"ENABLED"`
	Brokers     []string `toml:"brokers" env:"BROKERS" envSeparator:","`
	Topic       string   `toml:"topic" env:"TOPIC"`
	EnsureTopic bool     `toml:"ensure_topic" env:"ENSURE_TOPIC"`
}

type AuthConfig struct {
	SubscriberToken string `toml:"subscriber_token" env:"SUBSCRIBER_TOKEN"`
	AdminToken      string `toml:"admin_token" env:"ADMIN_TOKEN"`
}

type CatalogConfig struct {
	Path string `toml:"path" env:"PATH"`
}

// Load reads the TOML file, then overlays .env and QR_* environment variables.
func Load(path string, envFiles ...string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("env overlay: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFiles loads dotenv files; missing files are ignored, already set
// variables win.
func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Listen == "" {
		cfg.App.Listen = ":3002"
	}
	if cfg.App.CORSOrigin == "" {
		cfg.App.CORSOrigin = "*"
	}
	if cfg.App.StatusEveryMin <= 0 {
		cfg.App.StatusEveryMin = 5
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	f := &cfg.Feed
	if f.Source == "" {
		f.Source = "tradingview"
	}
	if f.WsURL == "" {
		f.WsURL = "wss://data.tradingview.com/socket.io/websocket"
	}
	if f.AuthURL == "" {
		f.AuthURL = "https://www.tradingview.com/auth/token"
	}
	if f.SearchURL == "" {
		f.SearchURL = "https://symbol-search.tradingview.com/symbol_search/v3/"
	}
	if f.Origin == "" {
		f.Origin = "https://www.tradingview.com"
	}
	if f.UserAgent == "" {
		f.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if f.BatchSize <= 0 {
		f.BatchSize = 50
	}
	if f.BatchDelay <= 0 {
		f.BatchDelay = 200 * time.Millisecond
	}
	if f.ConnectBackoff <= 0 {
		f.ConnectBackoff = 15 * time.Second
	}
	if f.DialTimeout <= 0 {
		f.DialTimeout = 10 * time.Second
	}
	if f.WatchdogThreshold <= 0 {
		f.WatchdogThreshold = 2 * time.Minute
	}
	if f.WatchdogInterval <= 0 {
		f.WatchdogInterval = 15 * time.Second
	}
	if f.KeepAlive <= 0 {
		f.KeepAlive = 20 * time.Second
	}

	r := &cfg.Resolver
	if r.MinScore <= 0 {
		r.MinScore = 10
	}
	if r.NegativeTTL <= 0 {
		r.NegativeTTL = 10 * time.Minute
	}
	if r.SearchTimeout <= 0 {
		r.SearchTimeout = 8 * time.Second
	}
	if r.SearchLang == "" {
		r.SearchLang = "tr"
	}
	if r.SearchCountry == "" {
		r.SearchCountry = "TR"
	}

	if cfg.Relay.DelayQueue <= 0 {
		cfg.Relay.DelayQueue = 4096
	}
	if cfg.Relay.SubscriberBuffer <= 0 {
		cfg.Relay.SubscriberBuffer = 256
	}
	if cfg.Relay.MirrorQueue <= 0 {
		cfg.Relay.MirrorQueue = 1024
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/quoterelay.db"
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "quoterelay"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = cfg.Redis.Prefix + ":updates"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "quoterelay.updates"
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "configs/catalog.yaml"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Feed.WsURL) == "" {
		return errors.New("feed.ws_url is empty")
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.SQLitePath) == "" {
			return errors.New("storage.sqlite_path is empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.PostgresDSN) == "" {
			return errors.New("storage.postgres_dsn empty but driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	cfg.Kafka.Brokers = normalizeList(cfg.Kafka.Brokers)
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers empty but enabled")
	}
	if strings.TrimSpace(cfg.Auth.SubscriberToken) == "" {
		return errors.New("auth.subscriber_token is empty")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
