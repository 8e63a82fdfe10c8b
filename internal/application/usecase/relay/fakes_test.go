package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
	"quoterelay/internal/protocol/tvwire"
)

func quoteFrame(t *testing.T, ticker string, values map[string]any) []byte {
	t.Helper()
	b, err := tvwire.EncodeMessage(tvwire.MethodQuoteData, "qs_test", map[string]any{
		"n": ticker,
		"s": "ok",
		"v": values,
	})
	if err != nil {
		t.Fatalf("encode quote: %v", err)
	}
	return b
}

func errorFrame(t *testing.T, ticker string) []byte {
	t.Helper()
	b, err := tvwire.EncodeMessage(tvwire.MethodQuoteData, "qs_test", map[string]any{
		"n": ticker,
		"s": "error",
		"v": map[string]any{},
	})
	if err != nil {
		t.Fatalf("encode quote: %v", err)
	}
	return b
}

type mapIndex map[string][]string

func (m mapIndex) Names(ticker string) []string { return m[ticker] }

type mapResolver struct {
	mu      sync.Mutex
	tickers map[string]string
}

func newMapResolver(pairs ...string) *mapResolver {
	r := &mapResolver{tickers: make(map[string]string)}
	for i := 0; i+1 < len(pairs); i += 2 {
		r.tickers[pairs[i]] = pairs[i+1]
	}
	return r
}

func (r *mapResolver) set(name, ticker string) {
	r.mu.Lock()
	r.tickers[name] = ticker
	r.mu.Unlock()
}

func (r *mapResolver) Resolve(_ context.Context, name, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickers[domain.NormalizeName(name)]
	if !ok {
		return "", errors.New("unresolved")
	}
	return t, nil
}

type memStore struct {
	mu          sync.Mutex
	instruments map[string]domain.Instrument
	overrides   map[string]domain.PriceOverride
	delay       time.Duration
}

func newMemStore(insts ...domain.Instrument) *memStore {
	s := &memStore{
		instruments: make(map[string]domain.Instrument),
		overrides:   make(map[string]domain.PriceOverride),
	}
	for _, i := range insts {
		s.instruments[i.Name] = i
	}
	return s
}

func (s *memStore) ListInstruments(context.Context) ([]domain.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Instrument, 0, len(s.instruments))
	for _, i := range s.instruments {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (s *memStore) GetInstrument(_ context.Context, name string) (domain.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.instruments[name]
	if !ok {
		return domain.Instrument{}, port.ErrNotFound
	}
	return i, nil
}

func (s *memStore) UpsertInstrument(_ context.Context, inst domain.Instrument) error {
	s.mu.Lock()
	s.instruments[inst.Name] = inst
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteInstrument(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.instruments, name)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ListOverrides(context.Context) ([]domain.PriceOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PriceOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		out = append(out, o)
	}
	return out, nil
}

func (s *memStore) SetOverride(_ context.Context, o domain.PriceOverride) error {
	s.mu.Lock()
	s.overrides[o.Name] = o
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteOverride(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.overrides, name)
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetDelay(context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay, nil
}

func (s *memStore) SetDelay(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }

type fakeSession struct {
	mu      sync.Mutex
	batches [][]string
	removed []string
	subErr  error

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) Subscribe(_ context.Context, tickers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return s.subErr
	}
	s.batches = append(s.batches, append([]string(nil), tickers...))
	return nil
}

func (s *fakeSession) Unsubscribe(_ context.Context, tickers []string) error {
	s.mu.Lock()
	s.removed = append(s.removed, tickers...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func (s *fakeSession) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) kill(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeSession) Close() error {
	s.kill(errors.New("closed"))
	return nil
}

// fakeSource hands each new session to the test over a channel.
type fakeSource struct {
	sessions chan *fakeSession
	frames   chan func([]byte)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		sessions: make(chan *fakeSession, 8),
		frames:   make(chan func([]byte), 8),
	}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Connect(_ context.Context, onFrame func([]byte)) (port.FeedSession, error) {
	s := newFakeSession()
	f.sessions <- s
	f.frames <- onFrame
	return s, nil
}

func (f *fakeSource) next(t *testing.T) (*fakeSession, func([]byte)) {
	t.Helper()
	select {
	case s := <-f.sessions:
		return s, <-f.frames
	case <-time.After(2 * time.Second):
		t.Fatal("no session opened")
		return nil, nil
	}
}

type recordSub struct {
	id     string
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func (s *recordSub) ID() string { return s.id }

func (s *recordSub) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("buffer full")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordSub) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = string(m)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ptr[T any](v T) *T { return &v }
