package port

import (
	"context"
	"errors"
	"time"

	"quoterelay/internal/domain"
)

var ErrNotFound = errors.New("not found")

// ConfigStore is the durable record of instruments, overrides and delay.
type ConfigStore interface {
	// Instruments (Removed rows are tombstones for deleted seed entries)
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)
	GetInstrument(ctx context.Context, name string) (domain.Instrument, error)
	UpsertInstrument(ctx context.Context, inst domain.Instrument) error
	DeleteInstrument(ctx context.Context, name string) error

	// Overrides
	ListOverrides(ctx context.Context) ([]domain.PriceOverride, error)
	SetOverride(ctx context.Context, o domain.PriceOverride) error
	DeleteOverride(ctx context.Context, name string) error

	// Global delay
	GetDelay(ctx context.Context) (time.Duration, error)
	SetDelay(ctx context.Context, d time.Duration) error

	Close() error
}

// TickerCache persists resolved name -> ticker mappings.
type TickerCache interface {
	GetMapping(ctx context.Context, name string) (domain.TickerMapping, error)
	PutMapping(ctx context.Context, m domain.TickerMapping) error
	ListMappings(ctx context.Context) ([]domain.TickerMapping, error)
	DeleteMapping(ctx context.Context, name string) error
	ClearMappings(ctx context.Context) error
}

// UpdateMirror receives delivered updates outside the subscriber path
// (redis, kafka). Implementations must be safe for concurrent use.
type UpdateMirror interface {
	Name() string
	MirrorUpdate(ctx context.Context, u domain.NormalizedUpdate) error
	RemoveSymbol(ctx context.Context, name string) error
}
