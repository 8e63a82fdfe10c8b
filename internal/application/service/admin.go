package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

// RelayHooks is notified after the admin layer changed the config store.
type RelayHooks interface {
	OnInstrumentAdded(ctx context.Context, inst domain.Instrument) (string, error)
	OnInstrumentRemoved(ctx context.Context, name string)
	OnOverridesChanged(overrides []domain.PriceOverride)
	OnDelayChanged(d time.Duration)
	OnPauseChanged(name string, paused bool)
	OnCategoryChanged(ctx context.Context, name string, cat domain.Category) (string, error)
	OnMappingChanged(ctx context.Context, name string) (string, error)
}

// MappingEditor edits the resolver's pinned and cached mappings.
type MappingEditor interface {
	SetManual(ctx context.Context, name, ticker string) (domain.TickerMapping, error)
	Forget(ctx context.Context, name string) error
	ForgetAll(ctx context.Context) error
	Mappings(ctx context.Context) ([]domain.TickerMapping, error)
}

// OverrideRequest sets a fixed price or a multiplier. Both nil clears the
// override.
type OverrideRequest struct {
	Price      *float64
	Multiplier *float64
	ExpiresAt  *time.Time
}

// AddResult reports the outcome of adding an instrument. Ticker is empty
// when the name did not resolve; the instrument is kept regardless.
type AddResult struct {
	Instrument domain.Instrument `json:"instrument"`
	Ticker     string            `json:"ticker,omitempty"`
	Resolved   bool              `json:"resolved"`
}

// AdminConfig is the full operator view of the relay configuration.
type AdminConfig struct {
	Instruments []domain.Instrument    `json:"instruments"`
	Overrides   []domain.PriceOverride `json:"overrides"`
	DelayMs     int64                  `json:"delay"`
}

type AdminDeps struct {
	Store      port.ConfigStore
	Mappings   MappingEditor
	Hooks      RelayHooks
	Seeds      []domain.Instrument
	CategoryOf func(label string) domain.Category
}

// AdminService applies operator changes to the config store and notifies
// the relay. Changes to one instrument are serialized.
type AdminService struct {
	deps  AdminDeps
	seeds map[string]domain.Instrument
	locks keyedMutex

	// overrides are pushed to the relay as a whole table
	overridesMu sync.Mutex

	now func() time.Time
}

func NewAdminService(deps AdminDeps) *AdminService {
	if deps.CategoryOf == nil {
		deps.CategoryOf = domain.ParseCategory
	}
	seeds := make(map[string]domain.Instrument, len(deps.Seeds))
	for _, s := range deps.Seeds {
		s.Name = domain.NormalizeName(s.Name)
		seeds[s.Name] = s
	}
	return &AdminService{deps: deps, seeds: seeds, now: time.Now}
}

func (s *AdminService) Instruments(ctx context.Context) ([]domain.Instrument, error) {
	stored, err := s.deps.Store.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	return domain.MergeInstruments(s.deps.Seeds, stored), nil
}

func (s *AdminService) Config(ctx context.Context) (AdminConfig, error) {
	insts, err := s.Instruments(ctx)
	if err != nil {
		return AdminConfig{}, err
	}
	overrides, err := s.deps.Store.ListOverrides(ctx)
	if err != nil {
		return AdminConfig{}, err
	}
	sort.Slice(overrides, func(i, j int) bool { return overrides[i].Name < overrides[j].Name })
	delay, err := s.deps.Store.GetDelay(ctx)
	if err != nil {
		return AdminConfig{}, err
	}
	return AdminConfig{Instruments: insts, Overrides: overrides, DelayMs: delay.Milliseconds()}, nil
}

// PublicSymbols lists the operator added instrument names.
func (s *AdminService) PublicSymbols(ctx context.Context) ([]string, error) {
	insts, err := s.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, i := range insts {
		if i.IsCustom {
			out = append(out, i.Name)
		}
	}
	return out, nil
}

// find returns the live record for name, from the store or the seeds.
func (s *AdminService) find(ctx context.Context, name string) (domain.Instrument, error) {
	row, err := s.deps.Store.GetInstrument(ctx, name)
	switch {
	case err == nil:
		if row.Removed {
			return domain.Instrument{}, port.ErrNotFound
		}
		return row, nil
	case !errors.Is(err, port.ErrNotFound):
		return domain.Instrument{}, err
	}
	if seed, ok := s.seeds[name]; ok {
		return seed, nil
	}
	return domain.Instrument{}, port.ErrNotFound
}

func (s *AdminService) AddInstrument(ctx context.Context, name, category string) (AddResult, error) {
	name = domain.NormalizeName(name)
	if name == "" {
		return AddResult{}, ErrEmptyName
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	if _, err := s.find(ctx, name); err == nil {
		return AddResult{}, ErrExists
	} else if !errors.Is(err, port.ErrNotFound) {
		return AddResult{}, err
	}

	_, isSeed := s.seeds[name]
	inst := domain.Instrument{
		Name:     name,
		Category: s.deps.CategoryOf(category),
		IsCustom: !isSeed,
	}
	if err := s.deps.Store.UpsertInstrument(ctx, inst); err != nil {
		return AddResult{}, fmt.Errorf("store instrument: %w", err)
	}
	log.Info().Str("instrument", name).Str("category", string(inst.Category)).Msg("instrument added")

	res := AddResult{Instrument: inst}
	ticker, err := s.deps.Hooks.OnInstrumentAdded(ctx, inst)
	if err != nil {
		log.Warn().Err(err).Str("instrument", name).Msg("added instrument is not subscribed")
		return res, nil
	}
	res.Ticker, res.Resolved = ticker, true
	return res, nil
}

// RemoveInstrument deletes name. Catalog seeds leave a tombstone so the next
// rebuild does not bring them back.
func (s *AdminService) RemoveInstrument(ctx context.Context, name string) error {
	name = domain.NormalizeName(name)
	if name == "" {
		return ErrEmptyName
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	inst, err := s.find(ctx, name)
	if err != nil {
		return err
	}
	if _, isSeed := s.seeds[name]; isSeed {
		inst.Removed = true
		inst.Paused = false
		err = s.deps.Store.UpsertInstrument(ctx, inst)
	} else {
		err = s.deps.Store.DeleteInstrument(ctx, name)
	}
	if err != nil {
		return fmt.Errorf("remove instrument: %w", err)
	}

	if err := s.dropOverride(ctx, name); err != nil {
		log.Warn().Err(err).Str("instrument", name).Msg("override cleanup failed")
	}
	s.deps.Hooks.OnInstrumentRemoved(ctx, name)
	log.Info().Str("instrument", name).Msg("instrument removed")
	return nil
}

// RemoveInstruments deletes every known name and returns how many were removed.
func (s *AdminService) RemoveInstruments(ctx context.Context, names []string) (int, error) {
	removed := 0
	for _, name := range names {
		err := s.RemoveInstrument(ctx, name)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, port.ErrNotFound), errors.Is(err, ErrEmptyName):
		default:
			return removed, err
		}
	}
	return removed, nil
}

func (s *AdminService) SetOverride(ctx context.Context, name string, req OverrideRequest) error {
	name = domain.NormalizeName(name)
	if name == "" {
		return ErrEmptyName
	}
	o, reset, err := s.buildOverride(name, req)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(name)
	defer unlock()
	if _, err := s.find(ctx, name); err != nil {
		return err
	}

	s.overridesMu.Lock()
	defer s.overridesMu.Unlock()
	if reset {
		err = s.deps.Store.DeleteOverride(ctx, name)
		if errors.Is(err, port.ErrNotFound) {
			err = nil
		}
	} else {
		err = s.deps.Store.SetOverride(ctx, o)
	}
	if err != nil {
		return fmt.Errorf("store override: %w", err)
	}
	return s.publishOverrides(ctx)
}

// SetOverrides applies the same override to every known name.
func (s *AdminService) SetOverrides(ctx context.Context, names []string, req OverrideRequest) (int, error) {
	applied := 0
	for _, name := range names {
		err := s.SetOverride(ctx, name, req)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, port.ErrNotFound), errors.Is(err, ErrEmptyName):
		default:
			return applied, err
		}
	}
	return applied, nil
}

func (s *AdminService) buildOverride(name string, req OverrideRequest) (domain.PriceOverride, bool, error) {
	if req.Price != nil && req.Multiplier != nil {
		return domain.PriceOverride{}, false, fmt.Errorf("%w: price and multiplier are exclusive", ErrInvalidOverride)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return domain.PriceOverride{}, false, fmt.Errorf("%w: expiry is in the past", ErrInvalidOverride)
	}
	o := domain.PriceOverride{Name: name, ExpiresAt: req.ExpiresAt}
	switch {
	case req.Price != nil:
		if !finite(*req.Price) || *req.Price < 0 {
			return o, false, fmt.Errorf("%w: price %v", ErrInvalidOverride, *req.Price)
		}
		o.Type, o.Value = domain.OverrideFixed, *req.Price
	case req.Multiplier != nil:
		if !finite(*req.Multiplier) || *req.Multiplier <= 0 {
			return o, false, fmt.Errorf("%w: multiplier %v", ErrInvalidOverride, *req.Multiplier)
		}
		o.Type, o.Value = domain.OverrideMultiplier, *req.Multiplier
	default:
		return o, true, nil
	}
	return o, false, nil
}

func (s *AdminService) dropOverride(ctx context.Context, name string) error {
	s.overridesMu.Lock()
	defer s.overridesMu.Unlock()
	if err := s.deps.Store.DeleteOverride(ctx, name); err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.publishOverrides(ctx)
}

// publishOverrides must be called with overridesMu held.
func (s *AdminService) publishOverrides(ctx context.Context) error {
	list, err := s.deps.Store.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("list overrides: %w", err)
	}
	s.deps.Hooks.OnOverridesChanged(list)
	return nil
}

func (s *AdminService) SetDelay(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return ErrInvalidDelay
	}
	if err := s.deps.Store.SetDelay(ctx, d); err != nil {
		return fmt.Errorf("store delay: %w", err)
	}
	s.deps.Hooks.OnDelayChanged(d)
	log.Info().Dur("delay", d).Msg("delivery delay changed")
	return nil
}

func (s *AdminService) SetPaused(ctx context.Context, name string, paused bool) error {
	name = domain.NormalizeName(name)
	unlock := s.locks.Lock(name)
	defer unlock()

	inst, err := s.find(ctx, name)
	if err != nil {
		return err
	}
	inst.Paused = paused
	if err := s.deps.Store.UpsertInstrument(ctx, inst); err != nil {
		return fmt.Errorf("store instrument: %w", err)
	}
	s.deps.Hooks.OnPauseChanged(name, paused)
	return nil
}

// SetCategory moves name to another category and re-resolves it.
func (s *AdminService) SetCategory(ctx context.Context, name, category string) (string, error) {
	name = domain.NormalizeName(name)
	unlock := s.locks.Lock(name)
	defer unlock()

	inst, err := s.find(ctx, name)
	if err != nil {
		return "", err
	}
	inst.Category = s.deps.CategoryOf(category)
	if err := s.deps.Store.UpsertInstrument(ctx, inst); err != nil {
		return "", fmt.Errorf("store instrument: %w", err)
	}
	ticker, err := s.deps.Hooks.OnCategoryChanged(ctx, name, inst.Category)
	if err != nil && !errors.Is(err, ErrUnresolved) {
		err = fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	return ticker, err
}

func (s *AdminService) Mappings(ctx context.Context) ([]domain.TickerMapping, error) {
	return s.deps.Mappings.Mappings(ctx)
}

// SetMapping pins name to ticker and moves a live instrument onto it.
func (s *AdminService) SetMapping(ctx context.Context, name, ticker string) (domain.TickerMapping, error) {
	name = domain.NormalizeName(name)
	unlock := s.locks.Lock(name)
	defer unlock()

	m, err := s.deps.Mappings.SetManual(ctx, name, ticker)
	if err != nil {
		return domain.TickerMapping{}, err
	}
	s.refreshMapping(ctx, name)
	return m, nil
}

func (s *AdminService) ClearMapping(ctx context.Context, name string) error {
	name = domain.NormalizeName(name)
	unlock := s.locks.Lock(name)
	defer unlock()

	if err := s.deps.Mappings.Forget(ctx, name); err != nil {
		return err
	}
	s.refreshMapping(ctx, name)
	return nil
}

// ClearMappings empties the ticker cache. Live subscriptions keep their
// tickers until the next rebuild.
func (s *AdminService) ClearMappings(ctx context.Context) error {
	return s.deps.Mappings.ForgetAll(ctx)
}

func (s *AdminService) refreshMapping(ctx context.Context, name string) {
	if _, err := s.find(ctx, name); err != nil {
		return
	}
	if _, err := s.deps.Hooks.OnMappingChanged(ctx, name); err != nil {
		log.Warn().Err(err).Str("instrument", name).Msg("re-resolve after mapping change failed")
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// keyedMutex serializes work per instrument name.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
