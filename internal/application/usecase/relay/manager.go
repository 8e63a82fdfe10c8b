package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/domain"
)

var ErrNoSession = errors.New("relay: no feed session")

// InstrumentLister is the part of the config store the manager reads.
type InstrumentLister interface {
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)
}

// TickerResolver maps an instrument name to its upstream ticker.
type TickerResolver interface {
	Resolve(ctx context.Context, name, categoryHint string) (string, error)
}

// LiveInjector changes the subscriptions of the running feed session.
type LiveInjector interface {
	Inject(ctx context.Context, tickers []string) error
	Drop(ctx context.Context, tickers []string) error
	RequestReconnect(reason string)
}

type subscription struct {
	tickers    []string
	byName     map[string]string
	index      map[string][]string
	categories map[string]domain.Category
}

func newSubscription() *subscription {
	return &subscription{
		byName:     make(map[string]string),
		index:      make(map[string][]string),
		categories: make(map[string]domain.Category),
	}
}

// add links name to ticker and reports whether ticker is new to the set.
func (s *subscription) add(name, ticker string, cat domain.Category) bool {
	s.byName[name] = ticker
	s.categories[name] = cat
	names, known := s.index[ticker]
	for _, n := range names {
		if n == name {
			return false
		}
	}
	s.index[ticker] = append(names, name)
	if !known {
		s.tickers = append(s.tickers, ticker)
	}
	return !known
}

// remove unlinks name and returns the ticker left without instruments, if any.
func (s *subscription) remove(name string) (string, bool) {
	ticker, ok := s.byName[name]
	if !ok {
		return "", false
	}
	delete(s.byName, name)
	delete(s.categories, name)

	names := s.index[ticker]
	kept := names[:0:0]
	for _, n := range names {
		if n != name {
			kept = append(kept, n)
		}
	}
	if len(kept) > 0 {
		s.index[ticker] = kept
		return "", false
	}
	delete(s.index, ticker)
	for i, t := range s.tickers {
		if t == ticker {
			s.tickers = append(s.tickers[:i:i], s.tickers[i+1:]...)
			break
		}
	}
	return ticker, true
}

// Manager keeps the deduplicated ticker set and the reverse index from
// ticker to instrument names.
type Manager struct {
	store    InstrumentLister
	resolver TickerResolver
	seeds    []domain.Instrument

	mu        sync.RWMutex
	cur       *subscription
	connector LiveInjector
}

func NewManager(store InstrumentLister, resolver TickerResolver, seeds []domain.Instrument) *Manager {
	return &Manager{
		store:    store,
		resolver: resolver,
		seeds:    seeds,
		cur:      newSubscription(),
	}
}

// AttachConnector wires live injection. Until then additions only take
// effect on the next rebuild.
func (m *Manager) AttachConnector(c LiveInjector) {
	m.mu.Lock()
	m.connector = c
	m.mu.Unlock()
}

// Instruments merges catalog seeds with stored rows. Stored rows win by
// name; tombstoned rows are skipped.
func (m *Manager) Instruments(ctx context.Context) ([]domain.Instrument, error) {
	stored, err := m.store.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	return domain.MergeInstruments(m.seeds, stored), nil
}

// Rebuild resolves every instrument again and swaps in the new set. Names
// that fail to resolve are skipped.
func (m *Manager) Rebuild(ctx context.Context) ([]string, error) {
	insts, err := m.Instruments(ctx)
	if err != nil {
		return nil, err
	}

	next := newSubscription()
	skipped := 0
	for _, inst := range insts {
		ticker, err := m.resolver.Resolve(ctx, inst.Name, string(inst.Category))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			skipped++
			log.Debug().Err(err).Str("instrument", inst.Name).Msg("skip unresolved instrument")
			continue
		}
		next.add(inst.Name, ticker, inst.Category)
	}

	m.mu.Lock()
	m.cur = next
	tickers := append([]string(nil), next.tickers...)
	m.mu.Unlock()

	log.Info().
		Int("instruments", len(insts)).
		Int("tickers", len(tickers)).
		Int("skipped", skipped).
		Msg("subscription set rebuilt")
	return tickers, nil
}

// AddOne resolves inst and, when its ticker is new, injects it into the
// live session. The connector queues it while no session is streaming; a
// failed injection asks the connector to reconnect, which rebuilds the
// whole set.
func (m *Manager) AddOne(ctx context.Context, inst domain.Instrument) (string, error) {
	name := domain.NormalizeName(inst.Name)
	ticker, err := m.resolver.Resolve(ctx, name, string(inst.Category))
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if prev, ok := m.cur.byName[name]; ok && prev != ticker {
		if orphan, ok := m.cur.remove(name); ok {
			defer m.drop(ctx, orphan)
		}
	}
	isNew := m.cur.add(name, ticker, inst.Category)
	conn := m.connector
	m.mu.Unlock()

	if !isNew || conn == nil {
		return ticker, nil
	}
	if err := conn.Inject(ctx, []string{ticker}); err != nil {
		log.Warn().Err(err).Str("ticker", ticker).Msg("live subscribe failed, requesting reconnect")
		conn.RequestReconnect("inject " + ticker)
	}
	return ticker, nil
}

// RemoveOne unlinks name. The ticker is dropped upstream when no other
// instrument shares it.
func (m *Manager) RemoveOne(ctx context.Context, name string) (string, bool) {
	name = domain.NormalizeName(name)
	m.mu.Lock()
	ticker, orphaned := m.cur.remove(name)
	m.mu.Unlock()
	if orphaned {
		m.drop(ctx, ticker)
	}
	return ticker, orphaned
}

// Refresh re-resolves name with cat, moving it to a new ticker if needed.
func (m *Manager) Refresh(ctx context.Context, name string, cat domain.Category) (string, error) {
	name = domain.NormalizeName(name)
	if cat == "" {
		m.mu.RLock()
		cat = m.cur.categories[name]
		m.mu.RUnlock()
	}
	return m.AddOne(ctx, domain.Instrument{Name: name, Category: cat})
}

func (m *Manager) drop(ctx context.Context, ticker string) {
	m.mu.RLock()
	conn := m.connector
	m.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.Drop(ctx, []string{ticker}); err != nil {
		log.Debug().Err(err).Str("ticker", ticker).Msg("live unsubscribe skipped")
	}
}

// Names returns the instruments mapped to ticker.
func (m *Manager) Names(ticker string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := m.cur.index[ticker]
	if len(names) == 0 {
		return nil
	}
	return append([]string(nil), names...)
}

func (m *Manager) TickerOf(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.cur.byName[domain.NormalizeName(name)]
	return t, ok
}

// Tickers returns the current ordered, deduplicated ticker set.
func (m *Manager) Tickers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.cur.tickers...)
}

func (m *Manager) Counts() (instruments, tickers int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cur.byName), len(m.cur.tickers)
}
