package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

// Mirror receives every delivered update outside the subscriber path.
type Mirror interface {
	Submit(u domain.NormalizedUpdate)
	Remove(name string)
	Dropped() int64
}

type EngineDeps struct {
	Store    port.ConfigStore
	Resolver TickerResolver
	Source   port.FeedSource
	Seeds    []domain.Instrument
	Mirror   Mirror

	Supervisor SupervisorConfig
	DelayQueue int
}

// Engine wires the subscription manager, feed supervisor, transform
// pipeline and broadcast hub, and exposes the hooks the admin layer calls
// after it changes the config store.
type Engine struct {
	deps EngineDeps

	manager    *Manager
	supervisor *Supervisor
	rules      *Rules
	delay      *DelayLine
	pipeline   *Pipeline
	hub        *Hub

	// removeMu orders delivery against removal so a delayed update cannot
	// bring a removed instrument back into the latest price table.
	removeMu sync.Mutex
}

func NewEngine(deps EngineDeps) *Engine {
	e := &Engine{
		deps:  deps,
		rules: NewRules(),
		hub:   NewHub(),
	}
	e.manager = NewManager(deps.Store, deps.Resolver, deps.Seeds)
	e.delay = NewDelayLine(deps.DelayQueue, e.deliver)
	e.pipeline = NewPipeline(e.manager, e.rules, e.delay)
	e.supervisor = NewSupervisor(deps.Source, e.manager, e.handleFrame, e.pipeline.Reset, deps.Supervisor)
	e.manager.AttachConnector(e.supervisor)
	return e
}

// Load reads overrides, delay and pause flags from the store.
func (e *Engine) Load(ctx context.Context) error {
	overrides, err := e.deps.Store.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}
	e.rules.SetOverrides(overrides)

	delay, err := e.deps.Store.GetDelay(ctx)
	if err != nil {
		return fmt.Errorf("load delay: %w", err)
	}
	e.rules.SetDelay(delay)

	insts, err := e.manager.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	paused := 0
	for _, inst := range insts {
		if inst.Paused {
			e.rules.SetPaused(inst.Name, true)
			paused++
		}
	}
	log.Info().
		Int("instruments", len(insts)).
		Int("overrides", len(overrides)).
		Int("paused", paused).
		Dur("delay", delay).
		Msg("relay state loaded")
	return nil
}

// Run starts the delay line and supervises the feed until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.delay.Run(ctx)
	}()
	err := e.supervisor.Run(ctx)
	wg.Wait()
	e.hub.Close()
	return err
}

func (e *Engine) handleFrame(frame []byte) {
	e.pipeline.HandleFrame(frame)
}

func (e *Engine) deliver(u domain.NormalizedUpdate) {
	e.removeMu.Lock()
	defer e.removeMu.Unlock()
	if _, ok := e.manager.TickerOf(u.Symbol); !ok {
		log.Debug().Str("symbol", u.Symbol).Msg("dropping update for removed instrument")
		return
	}
	e.hub.Publish(u)
	if e.deps.Mirror != nil {
		e.deps.Mirror.Submit(u)
	}
}

func (e *Engine) OnInstrumentAdded(ctx context.Context, inst domain.Instrument) (string, error) {
	e.rules.SetPaused(inst.Name, inst.Paused)
	return e.manager.AddOne(ctx, inst)
}

func (e *Engine) OnInstrumentRemoved(ctx context.Context, name string) {
	e.manager.RemoveOne(ctx, name)
	e.rules.Forget(name)

	e.removeMu.Lock()
	defer e.removeMu.Unlock()
	e.hub.Remove(name)
	if e.deps.Mirror != nil {
		e.deps.Mirror.Remove(domain.NormalizeName(name))
	}
}

func (e *Engine) OnOverridesChanged(overrides []domain.PriceOverride) {
	e.rules.SetOverrides(overrides)
}

func (e *Engine) OnDelayChanged(d time.Duration) {
	e.rules.SetDelay(d)
}

func (e *Engine) OnPauseChanged(name string, paused bool) {
	e.rules.SetPaused(name, paused)
}

func (e *Engine) OnCategoryChanged(ctx context.Context, name string, cat domain.Category) (string, error) {
	return e.manager.Refresh(ctx, name, cat)
}

func (e *Engine) OnMappingChanged(ctx context.Context, name string) (string, error) {
	return e.manager.Refresh(ctx, name, "")
}

// Connect registers a downstream subscriber after replaying known prices.
func (e *Engine) Connect(s Subscriber) error { return e.hub.Connect(s) }

func (e *Engine) Disconnect(id string) { e.hub.Disconnect(id) }

// Status reports the metrics snapshot.
func (e *Engine) Status() domain.Status {
	instruments, tickers := e.manager.Counts()
	st := domain.Status{
		ConnectedSubscriberCount: e.hub.SubscriberCount(),
		FeedConnectorState:       e.supervisor.State(),
		Source:                   e.supervisor.Source(),
		Sessions:                 e.supervisor.Sessions(),
		Instruments:              instruments,
		Tickers:                  tickers,
		KnownPrices:              e.hub.Len(),
		Frames:                   e.pipeline.Frames(),
		Updates:                  e.pipeline.Updates(),
		MalformedFrames:          e.pipeline.Malformed(),
		DelayedPending:           e.delay.Pending(),
	}
	if e.deps.Mirror != nil {
		st.MirrorDropped = e.deps.Mirror.Dropped()
	}
	if at := e.supervisor.LastDataAt(); !at.IsZero() {
		st.LastDataReceivedAt = &at
	}
	return st
}
