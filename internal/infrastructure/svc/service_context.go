package svc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"quoterelay/internal/application/port"
	"quoterelay/internal/application/service"
	"quoterelay/internal/application/usecase/relay"
	"quoterelay/internal/infrastructure/catalog"
	"quoterelay/internal/infrastructure/config"
	"quoterelay/internal/infrastructure/feed/tradingview"
	"quoterelay/internal/infrastructure/pricefeed"
	kafkapub "quoterelay/internal/infrastructure/publish/kafka"
	"quoterelay/internal/infrastructure/storage/composite"
	pgrepo "quoterelay/internal/infrastructure/storage/postgres"
	redisrepo "quoterelay/internal/infrastructure/storage/redis"
	sqliterepo "quoterelay/internal/infrastructure/storage/sqlite"
	"quoterelay/internal/interfaces/console"
	"quoterelay/internal/interfaces/httpapi"
)

// Store is the config store that also keeps the durable ticker cache.
type Store interface {
	port.ConfigStore
	port.TickerCache
}

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	catalog     *catalog.Catalog
	store       Store
	redisClient *redisclient.Client
	mirrors     []port.UpdateMirror
	fanout      *composite.Repo
	source      port.FeedSource

	// 输出端口
	Sink port.Sink

	// 应用业务组件（依赖基础设施）
	resolver *service.Resolver
	engine   *relay.Engine
	admin    *service.AdminService
	http     *http.Server

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 启动依赖（配置存储、目录、feed 源）失败时直接返回错误
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Sink:        console.NewSink(),
		closerChain: make([]func() error, 0),
	}

	// 初始化所有组件，按依赖顺序
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖关系有序初始化，确保不会有循环依赖
func (sc *ServiceContext) initializeComponents() error {
	cat, err := catalog.Load(sc.Config.Catalog.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogLoadFailed, err)
	}
	sc.catalog = cat

	// 0. 存储层 (最基础)
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}

	// 1. 镜像 (redis / kafka)
	if err := sc.initializeMirrors(); err != nil {
		return fmt.Errorf("mirror initialization failed: %w", err)
	}

	// 2. feed 源
	factory, ok := pricefeed.Get(sc.Config.Feed.Source)
	if !ok {
		return fmt.Errorf("%w: %q (registered: %v)", ErrUnknownFeedSource, sc.Config.Feed.Source, pricefeed.Names())
	}
	sc.source = factory(sc.Config.Feed)

	// 3. 解析器
	if err := sc.initResolver(); err != nil {
		return err
	}

	// 4. relay 引擎 + admin
	f := sc.Config.Feed
	sc.engine = relay.NewEngine(relay.EngineDeps{
		Store:    sc.store,
		Resolver: sc.resolver,
		Source:   sc.source,
		Seeds:    cat.SeedInstruments(),
		Mirror:   sc.fanout,
		Supervisor: relay.SupervisorConfig{
			BatchSize:         f.BatchSize,
			BatchInterval:     f.BatchDelay,
			ReconnectBackoff:  f.ConnectBackoff,
			WatchdogThreshold: f.WatchdogThreshold,
			WatchdogInterval:  f.WatchdogInterval,
		},
		DelayQueue: sc.Config.Relay.DelayQueue,
	})
	if err := sc.engine.Load(sc.Ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}
	sc.admin = service.NewAdminService(service.AdminDeps{
		Store:      sc.store,
		Mappings:   sc.resolver,
		Hooks:      sc.engine,
		Seeds:      cat.SeedInstruments(),
		CategoryOf: cat.Category,
	})

	// 5. HTTP
	api := httpapi.NewServer(sc.engine, sc.admin, httpapi.Options{
		SubscriberToken:  sc.Config.Auth.SubscriberToken,
		AdminToken:       sc.Config.Auth.AdminToken,
		SubscriberBuffer: sc.Config.Relay.SubscriberBuffer,
		CORSOrigin:       sc.Config.App.CORSOrigin,
	})
	sc.http = &http.Server{
		Addr:              sc.Config.App.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("source", sc.source.Name()).
		Int("seeds", len(cat.SeedInstruments())).
		Int("mirrors", sc.fanout.Len()).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化配置存储 (SQLite 或 Postgres)
func (sc *ServiceContext) initializeStorage() error {
	switch sc.Config.Storage.Driver {
	case "postgres":
		repo, err := pgrepo.New(sc.Config.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres repo creation failed: %w", err)
		}
		sc.store = repo
		log.Info().Msg("✓ Postgres initialized")
	default:
		repo, err := sqliterepo.New(sc.Config.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite repo creation failed: %w", err)
		}
		sc.store = repo
		log.Info().Str("path", sc.Config.Storage.SQLitePath).Msg("✓ SQLite initialized")
	}

	store := sc.store
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Str("driver", sc.Config.Storage.Driver).Msg("closing config store")
		return store.Close()
	})
	return nil
}

func (sc *ServiceContext) initializeMirrors() error {
	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}
	if sc.Config.Kafka.Enabled {
		sc.initKafka()
	}
	sc.fanout = composite.New(sc.Config.Relay.MirrorQueue, sc.mirrors...)
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	ttl := time.Duration(sc.Config.Redis.TTLSeconds) * time.Second
	sc.mirrors = append(sc.mirrors, redisrepo.New(rdb, sc.Config.Redis.Prefix, ttl, sc.Config.Redis.Channel))

	// 注册关闭回调
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return nil
}

func (sc *ServiceContext) initKafka() {
	k := sc.Config.Kafka
	if k.EnsureTopic {
		kafkapub.EnsureTopic(sc.Ctx, k.Brokers[0], k.Topic)
	}
	pub := kafkapub.New(k.Brokers, k.Topic)
	sc.mirrors = append(sc.mirrors, pub)
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing kafka writer")
		return pub.Close()
	})
	log.Info().Strs("brokers", k.Brokers).Str("topic", k.Topic).Msg("✓ Kafka initialized")
}

func (sc *ServiceContext) initResolver() error {
	r := sc.Config.Resolver
	searcher := tradingview.NewSearcher(tradingview.SearchOptions{
		URL:       sc.Config.Feed.SearchURL,
		Origin:    sc.Config.Feed.Origin,
		UserAgent: sc.Config.Feed.UserAgent,
		Lang:      r.SearchLang,
		Country:   r.SearchCountry,
		Timeout:   r.SearchTimeout,
	})
	resolver, err := service.NewResolver(service.ResolverDeps{
		Searcher:      searcher,
		Cache:         sc.store,
		Exceptions:    sc.catalog.ExceptionTable(),
		Rules:         sc.catalog.Rules(),
		Guess:         sc.catalog.Guess,
		CategoryOf:    sc.catalog.Category,
		MinScore:      r.MinScore,
		NegativeTTL:   r.NegativeTTL,
		DefaultGuess:  r.DefaultGuessEnabled(),
		SearchTimeout: r.SearchTimeout,
	})
	if err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	if err := resolver.Warm(sc.Ctx); err != nil {
		resolver.Close()
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}
	sc.resolver = resolver
	sc.closerChain = append(sc.closerChain, func() error {
		resolver.Close()
		return nil
	})
	return nil
}

// Engine exposes the relay engine.
func (sc *ServiceContext) Engine() *relay.Engine { return sc.engine }

// Admin exposes the admin service.
func (sc *ServiceContext) Admin() *service.AdminService { return sc.admin }

// Run serves until ctx is cancelled or a component fails.
func (sc *ServiceContext) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sc.fanout.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := sc.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		every := time.Duration(sc.Config.App.StatusEveryMin) * time.Minute
		_ = sc.engine.Report(gctx, sc.Sink, every)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("listen", sc.http.Addr).Msg("✓ http server listening")
		if err := sc.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sc.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close 按照相反的顺序关闭所有资源
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
