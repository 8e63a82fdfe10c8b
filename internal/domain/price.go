package domain

import "time"

// OverrideType selects how an override changes the upstream price.
type OverrideType string

const (
	OverrideFixed      OverrideType = "fixed"
	OverrideMultiplier OverrideType = "multiplier"
)

// PriceOverride is an operator rule applied to every tick of one instrument.
type PriceOverride struct {
	Name      string       `json:"name"`
	Type      OverrideType `json:"type"`
	Value     float64      `json:"value"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

// Active reports whether the override applies at now.
func (o PriceOverride) Active(now time.Time) bool {
	if o.ExpiresAt == nil {
		return true
	}
	return now.Before(*o.ExpiresAt)
}

// Apply returns the transformed price. raw may be nil when the tick carried
// no price yet; a multiplier never produces a price from nothing.
func (o PriceOverride) Apply(raw *float64) (float64, bool) {
	switch o.Type {
	case OverrideFixed:
		return o.Value, true
	case OverrideMultiplier:
		if raw == nil {
			return 0, false
		}
		return *raw * o.Value, true
	default:
		if raw == nil {
			return 0, false
		}
		return *raw, true
	}
}

// Quote is one decoded upstream quote update. Fields the source did not send
// in this message are nil.
type Quote struct {
	Ticker        string
	Status        string
	Price         *float64
	ChangePercent *float64
	Currency      *string
}

// Merge copies the fields present in q into the receiver.
func (q *Quote) Merge(next Quote) {
	if next.Price != nil {
		v := *next.Price
		q.Price = &v
	}
	if next.ChangePercent != nil {
		v := *next.ChangePercent
		q.ChangePercent = &v
	}
	if next.Currency != nil {
		v := *next.Currency
		q.Currency = &v
	}
}

// NormalizedUpdate is the broadcast-ready price for one instrument.
// Price is never rounded; formatting happens at the edge.
type NormalizedUpdate struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	ChangePercent float64   `json:"changePercent"`
	Currency      string    `json:"currency,omitempty"`
	UpdatedAt     time.Time `json:"-"`
}

// PriceMessage is the subscriber wire envelope.
type PriceMessage struct {
	Type string           `json:"type"`
	Data NormalizedUpdate `json:"data"`
}

const MessageTypePriceUpdate = "price_update"

// NewPriceMessage wraps an update in the subscriber envelope.
func NewPriceMessage(u NormalizedUpdate) PriceMessage {
	return PriceMessage{Type: MessageTypePriceUpdate, Data: u}
}
