package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

type fakeSearcher struct {
	calls   atomic.Int32
	gate    chan struct{}
	results map[string][]port.SymbolCandidate
	err     error
}

func (f *fakeSearcher) Search(ctx context.Context, query, exchange string) ([]port.SymbolCandidate, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

type memCache struct {
	mu   sync.Mutex
	m    map[string]domain.TickerMapping
	puts int
}

func newMemCache() *memCache { return &memCache{m: map[string]domain.TickerMapping{}} }

func (c *memCache) GetMapping(ctx context.Context, name string) (domain.TickerMapping, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.m[name]
	if !ok {
		return domain.TickerMapping{}, port.ErrNotFound
	}
	return m, nil
}

func (c *memCache) PutMapping(ctx context.Context, m domain.TickerMapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[m.Name] = m
	c.puts++
	return nil
}

func (c *memCache) ListMappings(ctx context.Context) ([]domain.TickerMapping, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TickerMapping, 0, len(c.m))
	for _, m := range c.m {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *memCache) DeleteMapping(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, name)
	return nil
}

func (c *memCache) ClearMappings(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = map[string]domain.TickerMapping{}
	return nil
}

func testRules() map[domain.Category]domain.CategoryRule {
	return map[domain.Category]domain.CategoryRule{
		domain.CategoryBIST: {Namespace: "BIST"},
		domain.CategoryCrypto: {
			Namespace:       "BINANCE",
			QuoteSuffix:     "USDT",
			KeepSuffixes:    []string{"USDT", "TRY"},
			RewriteSuffixes: map[string]string{"USD": "USDT"},
		},
		domain.CategoryStocks: {
			Namespace: "NASDAQ",
			Members:   map[string][]string{"NYSE": {"JPM", "KO"}},
		},
		domain.CategoryOther: {
			SearchTypes:      []string{"futures"},
			ExchangePriority: []string{"NYMEX"},
		},
	}
}

func newTestResolver(t *testing.T, s port.SymbolSearcher, c port.TickerCache, guess bool) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverDeps{
		Searcher:     s,
		Cache:        c,
		Exceptions:   map[string]string{"BRENT": "TVC:UKOIL"},
		Rules:        testRules(),
		NegativeTTL:  time.Minute,
		DefaultGuess: guess,
		Guess: domain.GuessRules{
			CryptoNamespace:   "BINANCE",
			CryptoQuote:       "USDT",
			CryptoSuffixes:    []string{"USDT", "USD", "TRY"},
			KnownCrypto:       []string{"BTC", "ETH"},
			MaxCryptoBase:     6,
			Stocks:            map[string][]string{"NASDAQ": {"AAPL"}, "NYSE": {"JPM"}},
			ShortNamespace:    "BIST",
			ShortMin:          3,
			ShortMax:          6,
			FallbackNamespace: "TVC",
		},
	})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestResolvePriorityChain(t *testing.T) {
	r := newTestResolver(t, &fakeSearcher{}, newMemCache(), false)
	ctx := context.Background()

	cases := []struct {
		name, cat, want string
	}{
		{"nasdaq:aapl", "STOCKS", "NASDAQ:AAPL"},
		{"brent", "COMMODITY", "TVC:UKOIL"},
		{"FOO", "CRYPTO", "BINANCE:FOOUSDT"},
		{"ETHUSDT", "CRYPTO", "BINANCE:ETHUSDT"},
		{"AVAXTRY", "CRYPTO", "BINANCE:AVAXTRY"},
		{"BTCUSD", "CRYPTO", "BINANCE:BTCUSDT"},
		{"THYAO", "BIST", "BIST:THYAO"},
		{"JPM", "STOCKS", "NYSE:JPM"},
		{"AAPL", "STOCKS", "NASDAQ:AAPL"},
	}
	for _, tc := range cases {
		got, err := r.Resolve(ctx, tc.name, tc.cat)
		if err != nil {
			t.Errorf("Resolve(%s, %s) failed: %v", tc.name, tc.cat, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%s, %s) = %s, want %s", tc.name, tc.cat, got, tc.want)
		}
	}
}

func TestResolveEmptyName(t *testing.T) {
	r := newTestResolver(t, nil, nil, true)
	if _, err := r.Resolve(context.Background(), "  ", "CRYPTO"); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestResolveSearchIsIdempotent(t *testing.T) {
	s := &fakeSearcher{results: map[string][]port.SymbolCandidate{
		"NATGAS": {
			{Symbol: "NG1!", Exchange: "NYMEX", Description: "Natural Gas Futures NATGAS", Type: "futures"},
			{Symbol: "NATGASUSD", Exchange: "OANDA", Description: "Natural Gas", Type: "cfd"},
			{Symbol: "NATGAS", Exchange: "CAPITALCOM", Description: "Natural gas", Type: "cfd"},
		},
	}}
	cache := newMemCache()
	r := newTestResolver(t, s, cache, false)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "natgas", "OTHER")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := r.Resolve(ctx, "NATGAS", "OTHER")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical tickers, got %s and %s", first, second)
	}
	if n := s.calls.Load(); n != 1 {
		t.Fatalf("expected a single search call, got %d", n)
	}
	if m, err := cache.GetMapping(ctx, "NATGAS"); err != nil || m.Ticker != first {
		t.Fatalf("expected durable cache entry %s, got %+v (%v)", first, m, err)
	}
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	s := &fakeSearcher{
		gate: make(chan struct{}),
		results: map[string][]port.SymbolCandidate{
			"RACE": {{Symbol: "RACE", Exchange: "NYSE", Type: "stock"}, {Symbol: "RACE", Exchange: "MIL", Type: "stock"}, {Symbol: "RACEX", Exchange: "OTC", Type: "stock"}},
		},
	}
	cache := newMemCache()
	r := newTestResolver(t, s, cache, false)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "RACE", "OTHER")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(s.gate)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i] != "NYSE:RACE" {
			t.Fatalf("worker %d got %s", i, results[i])
		}
	}
	if n := s.calls.Load(); n != 1 {
		t.Fatalf("expected one coalesced search, got %d", n)
	}
	if cache.puts != 1 {
		t.Fatalf("expected one cache write, got %d", cache.puts)
	}
}

func TestResolveNegativeCacheAndDefaultGuess(t *testing.T) {
	s := &fakeSearcher{err: errors.New("boom")}
	r := newTestResolver(t, s, newMemCache(), true)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "GARAN", "OTHER")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != "BIST:GARAN" {
		t.Fatalf("expected short-name guess BIST:GARAN, got %s", got)
	}
	calls := s.calls.Load()
	if _, err := r.Resolve(ctx, "GARAN", "OTHER"); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if s.calls.Load() != calls {
		t.Fatalf("expected negative cache to suppress search, calls %d -> %d", calls, s.calls.Load())
	}
}

func TestResolveUnresolvedWithoutGuess(t *testing.T) {
	r := newTestResolver(t, &fakeSearcher{}, newMemCache(), false)
	if _, err := r.Resolve(context.Background(), "ZZZZZZZZ", "OTHER"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}

func TestManualMappingIsPinned(t *testing.T) {
	s := &fakeSearcher{}
	cache := newMemCache()
	r := newTestResolver(t, s, cache, false)
	ctx := context.Background()

	if _, err := r.SetManual(ctx, "foo", "bybit:foousdt"); err != nil {
		t.Fatalf("SetManual failed: %v", err)
	}
	got, err := r.Resolve(ctx, "FOO", "CRYPTO")
	if err != nil || got != "BYBIT:FOOUSDT" {
		t.Fatalf("expected pinned mapping, got %s (%v)", got, err)
	}

	// a fresh resolver warmed from the durable cache keeps the pin
	r2 := newTestResolver(t, s, cache, false)
	if err := r2.Warm(ctx); err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if got, _ := r2.Resolve(ctx, "FOO", "CRYPTO"); got != "BYBIT:FOOUSDT" {
		t.Fatalf("expected pinned mapping after warm, got %s", got)
	}

	if err := r2.Forget(ctx, "FOO"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if got, _ := r2.Resolve(ctx, "FOO", "CRYPTO"); got != "BINANCE:FOOUSDT" {
		t.Fatalf("expected heuristic after forget, got %s", got)
	}
	if s.calls.Load() != 0 {
		t.Fatalf("no search expected, got %d", s.calls.Load())
	}
}

func TestForgetAll(t *testing.T) {
	cache := newMemCache()
	r := newTestResolver(t, &fakeSearcher{}, cache, false)
	ctx := context.Background()
	_, _ = r.SetManual(ctx, "A", "X:A")
	_, _ = r.SetManual(ctx, "B", "X:B")
	if err := r.ForgetAll(ctx); err != nil {
		t.Fatalf("ForgetAll failed: %v", err)
	}
	list, _ := r.Mappings(ctx)
	if len(list) != 0 {
		t.Fatalf("expected empty cache, got %d", len(list))
	}
}

func TestGuessTicker(t *testing.T) {
	g := domain.GuessRules{
		CryptoNamespace:   "BINANCE",
		CryptoQuote:       "USDT",
		CryptoSuffixes:    []string{"USDT", "USD", "TRY"},
		KnownCrypto:       []string{"BTC", "OP"},
		MaxCryptoBase:     6,
		Stocks:            map[string][]string{"NASDAQ": {"AAPL"}, "NYSE": {"JPM"}},
		ShortNamespace:    "BIST",
		ShortMin:          3,
		ShortMax:          6,
		FallbackNamespace: "TVC",
	}
	cases := map[string]string{
		"BTCUSD":   "BINANCE:BTCUSDT",
		"ETHUSDT":  "BINANCE:ETHUSDT",
		"AAPL":     "NASDAQ:AAPL",
		"JPM":      "NYSE:JPM",
		"OP":       "BINANCE:OPUSDT",
		"GUBRF":    "BIST:GUBRF",
		"X30YVADE": "TVC:X30YVADE",
	}
	for in, want := range cases {
		if got := GuessTicker(in, g); got != want {
			t.Errorf("GuessTicker(%s) = %s, want %s", in, got, want)
		}
	}
}
