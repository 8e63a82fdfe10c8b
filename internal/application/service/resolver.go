package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

// altSearchThreshold triggers a second search with the crypto quote suffix
// when the first one returns fewer candidates.
const altSearchThreshold = 3

type ResolverDeps struct {
	Searcher port.SymbolSearcher
	Cache    port.TickerCache

	Exceptions map[string]string
	Rules      map[domain.Category]domain.CategoryRule
	Guess      domain.GuessRules
	// CategoryOf maps user supplied labels onto categories. Optional.
	CategoryOf func(label string) domain.Category

	MinScore      int
	NegativeTTL   time.Duration
	DefaultGuess  bool
	SearchTimeout time.Duration
}

// Resolver maps instrument names to upstream tickers:
// explicit namespace > manual mapping > exception table > category rule >
// resolved cache > symbol search > default guess.
type Resolver struct {
	deps ResolverDeps

	mu       sync.RWMutex
	memory   map[string]string
	manual   map[string]string
	reported map[string]struct{}

	group    singleflight.Group
	negative *ristretto.Cache
}

func NewResolver(deps ResolverDeps) (*Resolver, error) {
	if deps.MinScore <= 0 {
		deps.MinScore = 10
	}
	if deps.SearchTimeout <= 0 {
		deps.SearchTimeout = 8 * time.Second
	}
	if deps.CategoryOf == nil {
		deps.CategoryOf = domain.ParseCategory
	}
	neg, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("negative cache: %w", err)
	}
	return &Resolver{
		deps:     deps,
		memory:   make(map[string]string),
		manual:   make(map[string]string),
		reported: make(map[string]struct{}),
		negative: neg,
	}, nil
}

// Warm loads the durable cache into memory. Manual entries become pinned.
func (r *Resolver) Warm(ctx context.Context) error {
	if r.deps.Cache == nil {
		return nil
	}
	list, err := r.deps.Cache.ListMappings(ctx)
	if err != nil {
		return fmt.Errorf("warm ticker cache: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range list {
		if m.Manual {
			r.manual[m.Name] = m.Ticker
		} else {
			r.memory[m.Name] = m.Ticker
		}
	}
	log.Info().Int("mappings", len(list)).Msg("ticker cache warmed")
	return nil
}

// Resolve returns the upstream ticker for name.
func (r *Resolver) Resolve(ctx context.Context, name, categoryHint string) (string, error) {
	key := domain.NormalizeName(name)
	if key == "" {
		return "", ErrEmptyName
	}
	if strings.Contains(key, ":") {
		return key, nil
	}

	r.mu.RLock()
	ticker, pinned := r.manual[key]
	r.mu.RUnlock()
	if pinned {
		return ticker, nil
	}
	if t, ok := r.deps.Exceptions[key]; ok {
		return t, nil
	}

	cat := r.deps.CategoryOf(categoryHint)
	rule, hasRule := r.deps.Rules[cat]
	if hasRule && rule.Namespace != "" {
		return applyRule(key, rule), nil
	}

	r.mu.RLock()
	ticker, cached := r.memory[key]
	r.mu.RUnlock()
	if cached {
		return ticker, nil
	}

	ticker, err := r.lookup(ctx, key, cat, rule)
	if err == nil {
		r.markResolved(key)
		return ticker, nil
	}
	if !errors.Is(err, ErrUnresolved) {
		return "", err
	}
	if r.deps.DefaultGuess {
		guess := GuessTicker(key, r.deps.Guess)
		r.reportOnce(key, func() {
			log.Warn().Str("instrument", key).Str("ticker", guess).Msg("no search match, using default guess")
		})
		return guess, nil
	}
	r.reportOnce(key, func() {
		log.Warn().Str("instrument", key).Msg("instrument could not be resolved")
	})
	return "", err
}

// lookup consults the durable cache and then the search endpoint. Concurrent
// callers for the same name share one in-flight lookup.
func (r *Resolver) lookup(ctx context.Context, key string, cat domain.Category, rule domain.CategoryRule) (string, error) {
	if _, failed := r.negative.Get(key); failed {
		return "", ErrUnresolved
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if r.deps.Cache != nil {
			m, err := r.deps.Cache.GetMapping(ctx, key)
			switch {
			case err == nil:
				r.remember(m)
				log.Debug().Str("instrument", key).Str("ticker", m.Ticker).Msg("ticker cache hit")
				return m.Ticker, nil
			case !errors.Is(err, port.ErrNotFound):
				log.Error().Err(err).Str("instrument", key).Msg("ticker cache read failed")
			}
		}

		best, err := r.search(ctx, key, cat, rule)
		if err != nil {
			log.Warn().Err(err).Str("instrument", key).Msg("symbol search failed")
		}
		if best == nil {
			r.markFailed(key)
			return "", ErrUnresolved
		}

		m := domain.TickerMapping{
			Name:        key,
			Ticker:      best.Ticker,
			Exchange:    best.Exchange,
			Description: best.Description,
			Type:        best.Type,
			Currency:    best.Currency,
			ResolvedAt:  time.Now().UTC(),
		}
		if r.deps.Cache != nil {
			if err := r.deps.Cache.PutMapping(ctx, m); err != nil {
				log.Error().Err(err).Str("instrument", key).Msg("ticker cache write failed")
			}
		}
		r.remember(m)
		log.Info().
			Str("instrument", key).
			Str("ticker", best.Ticker).
			Int("score", best.Score).
			Str("description", best.Description).
			Msg("✓ instrument resolved via search")
		return best.Ticker, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) search(ctx context.Context, key string, cat domain.Category, rule domain.CategoryRule) (*RankedCandidate, error) {
	if r.deps.Searcher == nil {
		return nil, nil
	}
	sctx, cancel := context.WithTimeout(ctx, r.deps.SearchTimeout)
	defer cancel()

	results, err := r.deps.Searcher.Search(sctx, key, "")
	if err != nil {
		return nil, err
	}
	quote := r.deps.Guess.CryptoQuote
	if quote == "" {
		quote = "USDT"
	}
	if len(results) < altSearchThreshold && !strings.HasSuffix(key, "USDT") && !strings.HasSuffix(key, "TRY") {
		alt, altErr := r.deps.Searcher.Search(sctx, key+quote, "")
		if altErr == nil {
			results = append(results, alt...)
		}
	}

	ranked := RankCandidates(key, results, cat, rule)
	if len(ranked) == 0 || ranked[0].Score < r.deps.MinScore {
		return nil, nil
	}
	return &ranked[0], nil
}

func (r *Resolver) remember(m domain.TickerMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Manual {
		r.manual[m.Name] = m.Ticker
		return
	}
	r.memory[m.Name] = m.Ticker
}

func (r *Resolver) markFailed(key string) {
	if r.deps.NegativeTTL <= 0 {
		return
	}
	r.negative.SetWithTTL(key, struct{}{}, 1, r.deps.NegativeTTL)
	r.negative.Wait()
}

func (r *Resolver) markResolved(key string) {
	r.mu.Lock()
	delete(r.reported, key)
	r.mu.Unlock()
}

func (r *Resolver) reportOnce(key string, fn func()) {
	r.mu.Lock()
	_, done := r.reported[key]
	r.reported[key] = struct{}{}
	r.mu.Unlock()
	if !done {
		fn()
	}
}

// SetManual pins name to ticker. Pinned mappings are never re-resolved.
func (r *Resolver) SetManual(ctx context.Context, name, ticker string) (domain.TickerMapping, error) {
	key := domain.NormalizeName(name)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if key == "" || ticker == "" {
		return domain.TickerMapping{}, ErrEmptyName
	}
	m := domain.TickerMapping{Name: key, Ticker: ticker, Manual: true, ResolvedAt: time.Now().UTC()}
	if i := strings.Index(ticker, ":"); i > 0 {
		m.Exchange = ticker[:i]
	}
	if r.deps.Cache != nil {
		if err := r.deps.Cache.PutMapping(ctx, m); err != nil {
			return domain.TickerMapping{}, fmt.Errorf("persist manual mapping: %w", err)
		}
	}
	r.mu.Lock()
	r.manual[key] = ticker
	delete(r.memory, key)
	delete(r.reported, key)
	r.mu.Unlock()
	r.negative.Del(key)
	log.Info().Str("instrument", key).Str("ticker", ticker).Msg("manual ticker mapping set")
	return m, nil
}

// Forget drops one cached mapping (manual or resolved).
func (r *Resolver) Forget(ctx context.Context, name string) error {
	key := domain.NormalizeName(name)
	if key == "" {
		return ErrEmptyName
	}
	if r.deps.Cache != nil {
		if err := r.deps.Cache.DeleteMapping(ctx, key); err != nil && !errors.Is(err, port.ErrNotFound) {
			return fmt.Errorf("delete mapping: %w", err)
		}
	}
	r.mu.Lock()
	delete(r.memory, key)
	delete(r.manual, key)
	delete(r.reported, key)
	r.mu.Unlock()
	r.negative.Del(key)
	log.Info().Str("instrument", key).Msg("ticker cache cleared")
	return nil
}

// ForgetAll empties every cache layer.
func (r *Resolver) ForgetAll(ctx context.Context) error {
	if r.deps.Cache != nil {
		if err := r.deps.Cache.ClearMappings(ctx); err != nil {
			return fmt.Errorf("clear mappings: %w", err)
		}
	}
	r.mu.Lock()
	r.memory = make(map[string]string)
	r.manual = make(map[string]string)
	r.reported = make(map[string]struct{})
	r.mu.Unlock()
	r.negative.Clear()
	log.Info().Msg("ticker cache cleared")
	return nil
}

// Mappings lists the durable cache, newest first.
func (r *Resolver) Mappings(ctx context.Context) ([]domain.TickerMapping, error) {
	if r.deps.Cache == nil {
		return nil, nil
	}
	return r.deps.Cache.ListMappings(ctx)
}

func (r *Resolver) Close() {
	r.negative.Close()
}

// applyRule builds the ticker implied by a category rule.
func applyRule(sym string, rule domain.CategoryRule) string {
	for _, ns := range sortedKeys(rule.Members) {
		for _, m := range rule.Members[ns] {
			if strings.EqualFold(m, sym) {
				return strings.ToUpper(ns) + ":" + sym
			}
		}
	}
	if rule.QuoteSuffix != "" {
		sym = pairSymbol(sym, rule)
	}
	return rule.Namespace + ":" + sym
}

func pairSymbol(sym string, rule domain.CategoryRule) string {
	for _, keep := range rule.KeepSuffixes {
		keep = strings.ToUpper(keep)
		if len(sym) > len(keep) && strings.HasSuffix(sym, keep) {
			return sym
		}
	}
	suffixes := sortedKeys(rule.RewriteSuffixes)
	sort.SliceStable(suffixes, func(i, j int) bool { return len(suffixes[i]) > len(suffixes[j]) })
	for _, from := range suffixes {
		upper := strings.ToUpper(from)
		if len(sym) > len(upper) && strings.HasSuffix(sym, upper) {
			return strings.TrimSuffix(sym, upper) + strings.ToUpper(rule.RewriteSuffixes[from])
		}
	}
	return sym + rule.QuoteSuffix
}

// GuessTicker is the best-effort namespace guess for a bare name.
func GuessTicker(sym string, g domain.GuessRules) string {
	sym = domain.NormalizeName(sym)
	known := make(map[string]struct{}, len(g.KnownCrypto))
	for _, c := range g.KnownCrypto {
		known[strings.ToUpper(c)] = struct{}{}
	}

	if g.CryptoNamespace != "" {
		for _, suffix := range g.CryptoSuffixes {
			suffix = strings.ToUpper(suffix)
			if len(sym) <= len(suffix) || !strings.HasSuffix(sym, suffix) {
				continue
			}
			base := strings.TrimSuffix(sym, suffix)
			if _, ok := known[base]; ok || len(base) <= g.MaxCryptoBase {
				if suffix == "USD" && g.CryptoQuote != "" {
					return g.CryptoNamespace + ":" + base + g.CryptoQuote
				}
				return g.CryptoNamespace + ":" + sym
			}
		}
	}

	for _, ns := range sortedKeys(g.Stocks) {
		for _, s := range g.Stocks[ns] {
			if strings.EqualFold(s, sym) {
				return strings.ToUpper(ns) + ":" + sym
			}
		}
	}

	if _, ok := known[sym]; ok && g.CryptoNamespace != "" {
		return g.CryptoNamespace + ":" + sym + g.CryptoQuote
	}

	if g.ShortNamespace != "" && len(sym) >= g.ShortMin && len(sym) <= g.ShortMax && isLetters(sym) {
		return g.ShortNamespace + ":" + sym
	}

	fallback := g.FallbackNamespace
	if fallback == "" {
		fallback = "TVC"
	}
	return fallback + ":" + sym
}

func isLetters(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsUpper(r) {
			return false
		}
	}
	return s != ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
