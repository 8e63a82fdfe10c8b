package relay

import (
	"sync"
	"time"

	"quoterelay/internal/domain"
)

// Rules holds the operator controlled transform state read on every tick.
type Rules struct {
	mu        sync.RWMutex
	overrides map[string]domain.PriceOverride
	paused    map[string]bool
	delay     time.Duration
}

func NewRules() *Rules {
	return &Rules{
		overrides: make(map[string]domain.PriceOverride),
		paused:    make(map[string]bool),
	}
}

// SetOverrides replaces the whole override table.
func (r *Rules) SetOverrides(list []domain.PriceOverride) {
	next := make(map[string]domain.PriceOverride, len(list))
	for _, o := range list {
		next[domain.NormalizeName(o.Name)] = o
	}
	r.mu.Lock()
	r.overrides = next
	r.mu.Unlock()
}

func (r *Rules) Override(name string) (domain.PriceOverride, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.overrides[domain.NormalizeName(name)]
	return o, ok
}

func (r *Rules) SetPaused(name string, paused bool) {
	key := domain.NormalizeName(name)
	r.mu.Lock()
	if paused {
		r.paused[key] = true
	} else {
		delete(r.paused, key)
	}
	r.mu.Unlock()
}

func (r *Rules) Paused(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[domain.NormalizeName(name)]
}

// SetDelay sets the global delivery delay. Negative values clamp to zero.
func (r *Rules) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

func (r *Rules) Delay() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.delay
}

// Forget drops every rule attached to name.
func (r *Rules) Forget(name string) {
	key := domain.NormalizeName(name)
	r.mu.Lock()
	delete(r.overrides, key)
	delete(r.paused, key)
	r.mu.Unlock()
}

// Transform applies pause and override to a merged quote. It reports false
// when nothing should be emitted for name.
func (r *Rules) Transform(name string, q domain.Quote, now time.Time) (domain.NormalizedUpdate, bool) {
	key := domain.NormalizeName(name)

	r.mu.RLock()
	paused := r.paused[key]
	o, hasOverride := r.overrides[key]
	r.mu.RUnlock()

	if paused {
		return domain.NormalizedUpdate{}, false
	}

	price := q.Price
	if hasOverride && o.Active(now) {
		v, ok := o.Apply(q.Price)
		if !ok {
			return domain.NormalizedUpdate{}, false
		}
		price = &v
	}
	if price == nil {
		return domain.NormalizedUpdate{}, false
	}

	u := domain.NormalizedUpdate{
		Symbol:    key,
		Price:     *price,
		UpdatedAt: now,
	}
	if q.ChangePercent != nil {
		u.ChangePercent = *q.ChangePercent
	}
	if q.Currency != nil {
		u.Currency = *q.Currency
	}
	return u, true
}
