package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

type SupervisorConfig struct {
	BatchSize         int
	BatchInterval     time.Duration
	ReconnectBackoff  time.Duration
	WatchdogThreshold time.Duration
	WatchdogInterval  time.Duration
}

func (c *SupervisorConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 200 * time.Millisecond
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 15 * time.Second
	}
	if c.WatchdogThreshold <= 0 {
		c.WatchdogThreshold = 2 * time.Minute
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 15 * time.Second
	}
}

// SetRebuilder produces the full ticker set for a new session.
type SetRebuilder interface {
	Rebuild(ctx context.Context) ([]string, error)
}

// Supervisor keeps one feed session alive: connect, subscribe in batches,
// stream, and reconnect after a fixed backoff when the session dies or
// goes quiet.
type Supervisor struct {
	source  port.FeedSource
	set     SetRebuilder
	onFrame func([]byte)
	onStart func()
	cfg     SupervisorConfig

	state     atomic.Value
	lastData  atomic.Int64
	sessions  atomic.Int64
	reconnect chan string

	mu      sync.Mutex
	session port.FeedSession
	// pending holds tickers injected while no session was streaming.
	pending []string

	now func() time.Time
}

// NewSupervisor builds a supervisor. onStart runs once per session before
// any frame of that session is handled.
func NewSupervisor(source port.FeedSource, set SetRebuilder, onFrame func([]byte), onStart func(), cfg SupervisorConfig) *Supervisor {
	cfg.applyDefaults()
	if onStart == nil {
		onStart = func() {}
	}
	s := &Supervisor{
		source:    source,
		set:       set,
		onFrame:   onFrame,
		onStart:   onStart,
		cfg:       cfg,
		reconnect: make(chan string, 1),
		now:       time.Now,
	}
	s.state.Store(domain.StateStopped)
	return s
}

// Run supervises sessions until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(domain.StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		started := s.now()
		reason, err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.setState(domain.StateReconnecting)
		if err != nil {
			log.Error().Err(err).Str("source", s.source.Name()).Msg("feed session failed")
		} else {
			log.Warn().Str("source", s.source.Name()).Str("reason", reason).Msg("feed session ended")
		}

		wait := s.cfg.ReconnectBackoff
		if err == nil {
			if lived := s.now().Sub(started); lived >= s.cfg.ReconnectBackoff {
				wait = 0
			}
		}
		if wait > 0 {
			log.Info().Dur("backoff", wait).Msg("reconnecting after backoff")
			if !sleepCtx(ctx, wait) {
				return nil
			}
		}
	}
}

// runSession runs one connect/subscribe/stream cycle. A non-nil error means
// the session never reached streaming.
func (s *Supervisor) runSession(ctx context.Context) (string, error) {
	s.setState(domain.StateConnecting)
	s.onStart()
	sess, err := s.source.Connect(ctx, s.handleFrame)
	if err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = sess.Close() }()
	n := s.sessions.Add(1)
	s.touch()

	s.setState(domain.StateSubscribing)
	s.drainReconnect()
	// the rebuild reads the store, which already holds anything queued so far
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	tickers, err := s.set.Rebuild(ctx)
	if err != nil {
		return "", fmt.Errorf("rebuild subscription set: %w", err)
	}
	if err := s.subscribeAll(ctx, sess, tickers); err != nil {
		return "", fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.session = sess
	late := missing(s.pending, tickers)
	s.pending = nil
	s.mu.Unlock()
	if len(late) > 0 {
		if err := s.subscribeAll(ctx, sess, late); err != nil {
			s.mu.Lock()
			s.session = nil
			s.mu.Unlock()
			return "", fmt.Errorf("subscribe queued: %w", err)
		}
		log.Info().Int("tickers", len(late)).Msg("queued tickers subscribed")
	}
	s.setState(domain.StateStreaming)
	s.touch()
	log.Info().Int64("session", n).Int("tickers", len(tickers)).Msg("✓ feed streaming")

	reason := s.stream(ctx, sess)

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	return reason, nil
}

func (s *Supervisor) subscribeAll(ctx context.Context, sess port.FeedSession, tickers []string) error {
	for i := 0; i < len(tickers); i += s.cfg.BatchSize {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sess.Done():
				return fmt.Errorf("session closed while subscribing: %v", sess.Err())
			case <-time.After(s.cfg.BatchInterval):
			}
		}
		end := min(i+s.cfg.BatchSize, len(tickers))
		if err := sess.Subscribe(ctx, tickers[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) stream(ctx context.Context, sess port.FeedSession) string {
	watchdog := time.NewTicker(s.cfg.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-sess.Done():
			return fmt.Sprintf("session closed: %v", sess.Err())
		case reason := <-s.reconnect:
			return "reconnect requested: " + reason
		case <-watchdog.C:
			if idle := s.now().Sub(s.LastDataAt()); idle > s.cfg.WatchdogThreshold {
				return fmt.Sprintf("watchdog: no data for %s", idle.Truncate(time.Second))
			}
		}
	}
}

func (s *Supervisor) handleFrame(frame []byte) {
	s.touch()
	s.onFrame(frame)
}

func (s *Supervisor) touch() { s.lastData.Store(s.now().UnixNano()) }

func (s *Supervisor) drainReconnect() {
	for {
		select {
		case <-s.reconnect:
		default:
			return
		}
	}
}

// Inject subscribes tickers on the streaming session. Without one, the
// tickers are queued and subscribed when the next session starts streaming.
func (s *Supervisor) Inject(ctx context.Context, tickers []string) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil {
		s.pending = append(s.pending, tickers...)
		s.mu.Unlock()
		log.Debug().Strs("tickers", tickers).Msg("no streaming session, subscribe queued")
		return nil
	}
	s.mu.Unlock()
	return s.subscribeAll(ctx, sess, tickers)
}

// Drop unsubscribes tickers when the session supports it.
func (s *Supervisor) Drop(ctx context.Context, tickers []string) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil {
		s.pending = missing(s.pending, tickers)
		s.mu.Unlock()
		return ErrNoSession
	}
	s.mu.Unlock()
	u, ok := sess.(port.FeedUnsubscriber)
	if !ok {
		return nil
	}
	return u.Unsubscribe(ctx, tickers)
}

// RequestReconnect asks the streaming session to end. A request made
// before the next rebuild is absorbed by that rebuild.
func (s *Supervisor) RequestReconnect(reason string) {
	select {
	case s.reconnect <- reason:
	default:
	}
}

func (s *Supervisor) setState(st domain.ConnectorState) {
	if prev, _ := s.state.Swap(st).(domain.ConnectorState); prev != st {
		log.Debug().Str("from", string(prev)).Str("to", string(st)).Msg("feed state")
	}
}

func (s *Supervisor) State() domain.ConnectorState {
	st, _ := s.state.Load().(domain.ConnectorState)
	return st
}

// LastDataAt is the time the last frame arrived, zero before the first session.
func (s *Supervisor) LastDataAt() time.Time {
	ns := s.lastData.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Supervisor) Sessions() int64 { return s.sessions.Load() }

func (s *Supervisor) Source() string { return s.source.Name() }

// missing returns the tickers of want that are not in have.
func missing(want, have []string) []string {
	if len(want) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(have))
	for _, t := range have {
		seen[t] = struct{}{}
	}
	var out []string
	for _, t := range want {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
